package clients

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeRegistry struct {
	mu       sync.Mutex
	requests []string
	bodies   []string
	apiKeys  []string
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.bodies = append(f.bodies, string(body))
	f.apiKeys = append(f.apiKeys, r.Header.Get("X-Api-Key"))
	f.mu.Unlock()
	f.handler(w, r)
}

func (f *fakeRegistry) request(i int) (string, string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.requests) {
		return "", "", ""
	}
	return f.requests[i], f.bodies[i], f.apiKeys[i]
}

func newRegistry(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*RegistryClient, *fakeRegistry) {
	t.Helper()
	fake := &fakeRegistry{handler: handler}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewRegistryClient(RegistryConfig{BaseURL: srv.URL, APIKey: "secret"}, nil, nil), fake
}

func TestListChargePointsSkipsNonWhitelisted(t *testing.T) {
	client, fake := newRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":true,"data":[
			{"chargePointIdentity":"CP-001","serialNumber":"SN-1","protocol":"ocpp1.6","isWhitelisted":true},
			{"chargePointIdentity":"CP-002","serialNumber":"SN-2","protocol":"ocpp2.0.1","isWhitelisted":false},
			{"chargePointIdentity":"CP-003","serialNumber":"SN-3","protocol":"ocpp2.0.1"}]}`)
	})

	entries, err := client.ListChargePoints(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].ChargePointID != "CP-001" || entries[1].ChargePointID != "CP-003" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if req, _, key := fake.request(0); req != "GET /chargepoints/ws-gateway/chargepoints" || key != "secret" {
		t.Fatalf("unexpected request %s key %q", req, key)
	}
}

func TestValidateRequiresBothChecks(t *testing.T) {
	var versionValid atomic.Bool
	versionValid.Store(true)
	client, fake := newRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/chargepoints/validate-whitelist":
			_, _ = io.WriteString(w, `{"success":true,"data":{"isValid":true,"chargePointId":"CP-001"}}`)
		case strings.HasSuffix(r.URL.Path, "/validate-ocpp"):
			if versionValid.Load() {
				_, _ = io.WriteString(w, `{"success":true,"data":{"isValid":true}}`)
			} else {
				_, _ = io.WriteString(w, `{"success":true,"data":{"isValid":false}}`)
			}
		}
	})

	ok, err := client.Validate(context.Background(), "CP-001", "SN-1", "ocpp1.6")
	if err != nil || !ok {
		t.Fatalf("expected valid, got %v %v", ok, err)
	}
	if req, body, _ := fake.request(1); req != "POST /chargepoints/CP-001/validate-ocpp" || body != `{"ocppVersion":"ocpp1.6"}` {
		t.Fatalf("unexpected version request %s %s", req, body)
	}

	versionValid.Store(false)
	ok, err = client.Validate(context.Background(), "CP-001", "SN-1", "ocpp2.0.1")
	if err != nil || ok {
		t.Fatalf("expected invalid, got %v %v", ok, err)
	}
}

func TestValidateServerErrorIsUnavailable(t *testing.T) {
	client, _ := newRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := client.Validate(context.Background(), "CP-001", "SN-1", "ocpp1.6")
	if !errors.Is(err, ErrRegistryUnavailable) {
		t.Fatalf("expected ErrRegistryUnavailable, got %v", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client, fake := newRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	for i := 0; i < 5; i++ {
		_, _ = client.ListChargePoints(context.Background())
	}
	_, err := client.ListChargePoints(context.Background())
	if !errors.Is(err, ErrRegistryUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.requests) != 5 {
		t.Fatalf("expected open breaker to short-circuit the 6th call, got %d requests", len(fake.requests))
	}
}

func TestReportConnectionSwallowsErrors(t *testing.T) {
	client, fake := newRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	client.ReportConnection(context.Background(), "CP-001", true)
	if req, body, _ := fake.request(0); req != "PUT /chargepoints/CP-001/connection-status" || body != `{"isConnected":true}` {
		t.Fatalf("unexpected report %s %s", req, body)
	}
}
