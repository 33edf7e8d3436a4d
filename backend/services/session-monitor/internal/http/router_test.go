package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"chargelink/backend/services/session-monitor/internal/clients"
	"chargelink/backend/services/session-monitor/internal/coordinator"
	"chargelink/backend/services/session-monitor/internal/transport"
)

type fakeSession struct {
	mu          sync.Mutex
	snap        coordinator.Snapshot
	initiateErr error
	startErr    error
	stopErr     error
	summaryErr  error
	reasons     []string
	actions     []coordinator.ConflictAction
	forced      []bool
}

func (f *fakeSession) Snapshot() coordinator.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSession) Initiate(context.Context) error { return f.initiateErr }

func (f *fakeSession) ResolveConflict(_ context.Context, action coordinator.ConflictAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeSession) Start(context.Context) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	return "TXN-9", nil
}

func (f *fakeSession) Stop(_ context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return f.stopErr
}

func (f *fakeSession) FetchSummary(_ context.Context, force bool) (clients.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, force)
	if f.summaryErr != nil {
		return clients.Summary{}, f.summaryErr
	}
	return clients.Summary{TransactionID: "TXN-9"}, nil
}

func serve(t *testing.T, session *fakeSession, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(&Handlers{Session: session, Logger: zap.NewNop()}, nil)
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSnapshotEndpoint(t *testing.T) {
	session := &fakeSession{snap: coordinator.Snapshot{State: coordinator.StateCharging, Status: "charging", TransactionID: "TXN-9"}}
	rec := serve(t, session, http.MethodGet, "/session", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap coordinator.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.State != coordinator.StateCharging || snap.TransactionID != "TXN-9" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestStopUsesDefaultReason(t *testing.T) {
	session := &fakeSession{}
	if rec := serve(t, session, http.MethodPost, "/session/stop", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if rec := serve(t, session, http.MethodPost, "/session/stop", `{"reason":"EV full"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(session.reasons) != 2 || session.reasons[0] != "User requested" || session.reasons[1] != "EV full" {
		t.Fatalf("unexpected reasons %v", session.reasons)
	}
}

func TestConflictActions(t *testing.T) {
	session := &fakeSession{}
	serve(t, session, http.MethodPost, "/session/conflict", `{"action":"stop_existing"}`)
	serve(t, session, http.MethodPost, "/session/conflict", `{"action":"resume"}`)
	if rec := serve(t, session, http.MethodPost, "/session/conflict", `{"action":"ignore"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown action, got %d", rec.Code)
	}
	if len(session.actions) != 2 || session.actions[0] != coordinator.ConflictStopExisting || session.actions[1] != coordinator.ConflictResume {
		t.Fatalf("unexpected actions %v", session.actions)
	}
}

func TestSummaryForceFlag(t *testing.T) {
	session := &fakeSession{}
	serve(t, session, http.MethodGet, "/session/summary", "")
	serve(t, session, http.MethodGet, "/session/summary?force=true", "")
	if len(session.forced) != 2 || session.forced[0] || !session.forced[1] {
		t.Fatalf("unexpected force flags %v", session.forced)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", coordinator.ErrPreconditionFailed), http.StatusPreconditionFailed},
		{coordinator.ErrNoActiveTransaction, http.StatusConflict},
		{fmt.Errorf("%w: TXN-9", coordinator.ErrSummaryNotReady), http.StatusTooEarly},
		{transport.ErrRequestTimeout, http.StatusGatewayTimeout},
		{fmt.Errorf("start: %w", transport.ErrNotConnected), http.StatusServiceUnavailable},
		{&transport.RemoteError{Code: "Rejected", Message: "busy"}, http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		session := &fakeSession{startErr: tc.err}
		rec := serve(t, session, http.MethodPost, "/session/start", "")
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}

	session := &fakeSession{initiateErr: fmt.Errorf("%w: transaction TXN-7", coordinator.ErrActiveSessionConflict)}
	if rec := serve(t, session, http.MethodPost, "/session/initiate", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on conflict, got %d", rec.Code)
	}
}

func TestHealthReportsLiveness(t *testing.T) {
	session := &fakeSession{snap: coordinator.Snapshot{Live: true, State: coordinator.StateIdle}}
	rec := serve(t, session, http.MethodGet, "/health", "")
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["live"] != true || body["state"] != "IDLE" {
		t.Fatalf("unexpected health body %v", body)
	}
}
