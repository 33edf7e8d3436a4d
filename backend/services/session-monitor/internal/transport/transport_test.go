package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// responder returns the envelopes written back for one received envelope.
type responder func(env Envelope) []Envelope

type fakeBackend struct {
	mu       sync.Mutex
	writeMu  sync.Mutex
	conns    []*websocket.Conn
	received []Envelope
	dials    int
	refuse   bool
	respond  responder
	srv      *httptest.Server
}

func newFakeBackend(t *testing.T, respond responder) *fakeBackend {
	t.Helper()
	f := &fakeBackend{respond: respond}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(func() {
		f.dropAll()
		f.srv.Close()
	})
	return f
}

func (f *fakeBackend) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.dials++
	refuse := f.refuse
	f.mu.Unlock()
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		f.mu.Lock()
		f.received = append(f.received, env)
		respond := f.respond
		f.mu.Unlock()
		if respond == nil {
			continue
		}
		for _, reply := range respond(env) {
			f.write(conn, reply)
		}
	}
}

func (f *fakeBackend) write(conn *websocket.Conn, env Envelope) {
	data, _ := json.Marshal(env)
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (f *fakeBackend) push(env Envelope) {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	f.write(conn, env)
}

func (f *fakeBackend) dropAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (f *fakeBackend) setRefuse(v bool) {
	f.mu.Lock()
	f.refuse = v
	f.mu.Unlock()
}

func (f *fakeBackend) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeBackend) messages(typ MessageType) []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Envelope
	for _, env := range f.received {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func reply(req Envelope, typ MessageType, data string) Envelope {
	return Envelope{ID: req.ID, Type: typ, Timestamp: time.Now().UTC(), Data: json.RawMessage(data)}
}

// standard answers auth and heartbeats, starts TXN-9 and leaves everything
// else unanswered.
func standard(env Envelope) []Envelope {
	switch env.Type {
	case TypeAuthRequest:
		return []Envelope{reply(env, TypeAuthResponse, `{"success":true,"userId":"user-1"}`)}
	case TypeHeartbeat:
		return []Envelope{reply(env, TypeHeartbeat, `{}`)}
	case TypeStartCharging:
		return []Envelope{reply(env, "start_charging_response",
			`{"success":true,"transactionId":"TXN-9","connectorId":1,"status":"Accepted"}`)}
	}
	return nil
}

func newTestTransport(t *testing.T, backend *fakeBackend, mutate func(*Config)) *Transport {
	t.Helper()
	cfg := Config{
		URL:               backend.url(),
		Token:             "opaque-token",
		RequestTimeout:    time.Second,
		HeartbeatInterval: time.Hour,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectMax:      40 * time.Millisecond,
		ReconnectAttempts: 3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tr := New(cfg)
	t.Cleanup(tr.Disconnect)
	return tr
}

func TestAuthenticatesBeforeCommands(t *testing.T) {
	backend := newFakeBackend(t, standard)
	tr := newTestTransport(t, backend, nil)

	if _, err := tr.StartCharging(context.Background(), StartChargingRequest{ChargePointID: "CP-001"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !tr.Connected() {
		t.Fatalf("expected connected")
	}

	resp, err := tr.StartCharging(context.Background(), StartChargingRequest{
		ChargePointID: "CP-001", ConnectorID: 1, IDTag: "TAG-1", UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if resp.TransactionID != "TXN-9" || resp.Status != StartAccepted {
		t.Fatalf("unexpected response %+v", resp)
	}

	auths := backend.messages(TypeAuthRequest)
	if len(auths) != 1 || string(auths[0].Data) != `{"token":"opaque-token"}` {
		t.Fatalf("expected one auth request with the token, got %+v", auths)
	}
	starts := backend.messages(TypeStartCharging)
	if len(starts) != 1 || starts[0].ID == auths[0].ID {
		t.Fatalf("expected a fresh correlation id, got %+v", starts)
	}
	if tr.Pending() != 0 {
		t.Fatalf("expected no pending requests, got %d", tr.Pending())
	}
}

func TestNumericTransactionID(t *testing.T) {
	backend := newFakeBackend(t, func(env Envelope) []Envelope {
		if env.Type == TypeStartCharging {
			return []Envelope{reply(env, "start_charging_response", `{"success":true,"transactionId":4711,"status":"Accepted"}`)}
		}
		return standard(env)
	})
	tr := newTestTransport(t, backend, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	resp, err := tr.StartCharging(context.Background(), StartChargingRequest{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if resp.TransactionID != "4711" {
		t.Fatalf("expected 4711, got %q", resp.TransactionID)
	}
}

func TestRejectedStartIsRemoteError(t *testing.T) {
	backend := newFakeBackend(t, func(env Envelope) []Envelope {
		if env.Type == TypeStartCharging {
			return []Envelope{reply(env, "start_charging_response", `{"success":false,"status":"Rejected","message":"connector busy"}`)}
		}
		return standard(env)
	})
	tr := newTestTransport(t, backend, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := tr.StartCharging(context.Background(), StartChargingRequest{})
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != CodeRejected || remote.Message != "connector busy" {
		t.Fatalf("expected Rejected remote error, got %v", err)
	}
}

func TestErrorShapedResponseRejects(t *testing.T) {
	backend := newFakeBackend(t, func(env Envelope) []Envelope {
		if env.Type == TypeStopCharging {
			out := reply(env, TypeError, "")
			out.Data = nil
			out.Error = &ErrorBody{Code: "TransactionNotFound", Message: "no such transaction"}
			return []Envelope{out}
		}
		return standard(env)
	})
	var pushed atomic.Int32
	tr := newTestTransport(t, backend, nil)
	tr.Subscribe(Handlers{OnError: func(*RemoteError) { pushed.Add(1) }})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := tr.StopCharging(context.Background(), StopChargingRequest{TransactionID: "TXN-1"})
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != "TransactionNotFound" {
		t.Fatalf("expected remote error, got %v", err)
	}
	if err.Error() != "TransactionNotFound: no such transaction" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if pushed.Load() != 0 {
		t.Fatalf("expected a matched error response not to be pushed")
	}
}

func TestRequestCompletesExactlyOnce(t *testing.T) {
	backend := newFakeBackend(t, func(env Envelope) []Envelope {
		if env.Type == TypeStartCharging {
			first := reply(env, "start_charging_response", `{"success":true,"transactionId":"TXN-1","status":"Accepted"}`)
			second := reply(env, "start_charging_response", `{"success":true,"transactionId":"TXN-2","status":"Accepted"}`)
			return []Envelope{first, second}
		}
		return standard(env)
	})
	tr := newTestTransport(t, backend, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	resp, err := tr.StartCharging(context.Background(), StartChargingRequest{})
	if err != nil || resp.TransactionID != "TXN-1" {
		t.Fatalf("expected first response to win, got %+v %v", resp, err)
	}
	if tr.Pending() != 0 {
		t.Fatalf("expected empty correlation table, got %d", tr.Pending())
	}
}

func TestRequestTimeout(t *testing.T) {
	backend := newFakeBackend(t, standard)
	var statuses atomic.Int32
	tr := newTestTransport(t, backend, func(cfg *Config) { cfg.RequestTimeout = 50 * time.Millisecond })
	tr.Subscribe(Handlers{OnStatusUpdate: func(StatusUpdate) { statuses.Add(1) }})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := tr.Status(context.Background(), StatusRequest{ChargePointID: "CP-001", ConnectorID: 1})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if tr.Pending() != 0 {
		t.Fatalf("expected timed out request removed, got %d", tr.Pending())
	}

	// A late answer matches nothing and is not mistaken for a push.
	req := backend.messages(TypeStatusRequest)[0]
	backend.push(Envelope{ID: req.ID, Type: "status_response", Data: json.RawMessage(`{"status":"Charging"}`)})
	time.Sleep(30 * time.Millisecond)
	if statuses.Load() != 0 {
		t.Fatalf("expected late response dropped, got %d status pushes", statuses.Load())
	}
	if !tr.Connected() {
		t.Fatalf("expected channel to survive a request timeout")
	}
}

func TestRequestHonoursContext(t *testing.T) {
	backend := newFakeBackend(t, standard)
	tr := newTestTransport(t, backend, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := tr.Status(ctx, StatusRequest{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if tr.Pending() != 0 {
		t.Fatalf("expected cancelled request removed, got %d", tr.Pending())
	}
}

func TestPushDispatch(t *testing.T) {
	backend := newFakeBackend(t, standard)
	tr := newTestTransport(t, backend, nil)

	var mu sync.Mutex
	var statuses []StatusUpdate
	var meters []MeterValuesUpdate
	var remotes []*RemoteError
	unsubscribe := tr.Subscribe(Handlers{
		OnStatusUpdate: func(u StatusUpdate) { mu.Lock(); statuses = append(statuses, u); mu.Unlock() },
		OnMeterValues:  func(u MeterValuesUpdate) { mu.Lock(); meters = append(meters, u); mu.Unlock() },
		OnError:        func(e *RemoteError) { mu.Lock(); remotes = append(remotes, e); mu.Unlock() },
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	backend.push(Envelope{ID: "srv-1", Type: TypeStatusUpdate,
		Data: json.RawMessage(`{"chargePointId":"CP-001","connectorId":1,"status":"Charging","transactionId":12}`)})
	backend.push(Envelope{ID: "srv-2", Type: TypeMeterValuesUpdate,
		Data: json.RawMessage(`{"chargePointId":"CP-001","connectorId":1,"meterValue":{"energyImportKWh":3.5,"powerKw":7.2,"voltage":230,"current":32,"stateOfCharge":41}}`)})
	backend.push(Envelope{ID: "srv-3", Type: TypeError, Data: json.RawMessage(`{"code":"StationOffline","message":"CP-001 offline"}`)})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 1 && len(meters) == 1 && len(remotes) == 1
	})
	mu.Lock()
	if statuses[0].Status != "Charging" || statuses[0].TransactionID != "12" {
		t.Fatalf("unexpected status push %+v", statuses[0])
	}
	if m := meters[0].MeterValue; m.EnergyImportKWh != 3.5 || m.StateOfCharge == nil || *m.StateOfCharge != 41 {
		t.Fatalf("unexpected meter push %+v", m)
	}
	if remotes[0].Code != "StationOffline" {
		t.Fatalf("unexpected error push %+v", remotes[0])
	}
	mu.Unlock()

	unsubscribe()
	backend.push(Envelope{ID: "srv-4", Type: TypeStatusUpdate, Data: json.RawMessage(`{"status":"Finishing"}`)})
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 1 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", len(statuses))
	}
}

func TestRejectedAuthIsNotRetried(t *testing.T) {
	backend := newFakeBackend(t, func(env Envelope) []Envelope {
		if env.Type == TypeAuthRequest {
			return []Envelope{reply(env, TypeAuthResponse, `{"success":false,"message":"invalid token"}`)}
		}
		return nil
	})
	tr := newTestTransport(t, backend, nil)

	if err := tr.Connect(context.Background()); !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("expected ErrAuthenticationRequired, got %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if n := backend.dialCount(); n != 1 {
		t.Fatalf("expected a single dial, got %d", n)
	}
	if tr.Connected() {
		t.Fatalf("expected not connected")
	}
}

func TestExpiredTokenSkipsDial(t *testing.T) {
	backend := newFakeBackend(t, standard)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte("issuer"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tr := newTestTransport(t, backend, func(cfg *Config) { cfg.Token = expired })

	if err := tr.Connect(context.Background()); !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("expected ErrAuthenticationRequired, got %v", err)
	}
	if n := backend.dialCount(); n != 0 {
		t.Fatalf("expected no dial with an expired token, got %d", n)
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	backend := newFakeBackend(t, standard)
	tr := newTestTransport(t, backend, nil)

	var mu sync.Mutex
	var changes []bool
	tr.Subscribe(Handlers{OnConnectionChange: func(c bool) { mu.Lock(); changes = append(changes, c); mu.Unlock() }})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	backend.dropAll()
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 3
	})
	mu.Lock()
	if fmt.Sprint(changes) != "[true false true]" {
		t.Fatalf("expected [true false true], got %v", changes)
	}
	mu.Unlock()

	if backend.dialCount() != 2 || len(backend.messages(TypeAuthRequest)) != 2 {
		t.Fatalf("expected a second dial and handshake, got %d dials", backend.dialCount())
	}
	if _, err := tr.StartCharging(context.Background(), StartChargingRequest{}); err != nil {
		t.Fatalf("expected requests to work after reconnect, got %v", err)
	}
}

func TestDropRejectsPending(t *testing.T) {
	backend := newFakeBackend(t, standard)
	tr := newTestTransport(t, backend, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Status(context.Background(), StatusRequest{})
		errCh <- err
	}()
	waitFor(t, time.Second, func() bool { return len(backend.messages(TypeStatusRequest)) == 1 })
	backend.dropAll()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected pending request rejected on drop")
	}
}

func TestReconnectGivesUp(t *testing.T) {
	backend := newFakeBackend(t, standard)
	tr := newTestTransport(t, backend, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	backend.setRefuse(true)
	backend.dropAll()
	waitFor(t, 2*time.Second, func() bool { return backend.dialCount() == 4 })
	time.Sleep(150 * time.Millisecond)
	if n := backend.dialCount(); n != 4 {
		t.Fatalf("expected 1 dial plus 3 attempts, got %d", n)
	}
	if tr.Connected() {
		t.Fatalf("expected not connected")
	}
}

func TestDisconnectRejectsPendingAndNeverReconnects(t *testing.T) {
	backend := newFakeBackend(t, standard)
	tr := newTestTransport(t, backend, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Status(context.Background(), StatusRequest{})
		errCh <- err
	}()
	waitFor(t, time.Second, func() bool { return tr.Pending() == 1 })

	tr.Disconnect()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected pending request rejected on Disconnect")
	}
	if tr.Pending() != 0 {
		t.Fatalf("expected empty correlation table, got %d", tr.Pending())
	}

	time.Sleep(100 * time.Millisecond)
	if n := backend.dialCount(); n != 1 {
		t.Fatalf("expected no reconnect after Disconnect, got %d dials", n)
	}
	if err := tr.Request(context.Background(), TypeHeartbeat, struct{}{}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDisconnectCancelsScheduledReconnect(t *testing.T) {
	backend := newFakeBackend(t, standard)
	tr := newTestTransport(t, backend, func(cfg *Config) { cfg.ReconnectBase = 200 * time.Millisecond; cfg.ReconnectMax = time.Second })
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	backend.dropAll()
	waitFor(t, time.Second, func() bool { return !tr.Connected() })
	tr.Disconnect()

	time.Sleep(350 * time.Millisecond)
	if n := backend.dialCount(); n != 1 {
		t.Fatalf("expected the scheduled reconnect cancelled, got %d dials", n)
	}
}

func TestHeartbeats(t *testing.T) {
	backend := newFakeBackend(t, standard)
	tr := newTestTransport(t, backend, func(cfg *Config) { cfg.HeartbeatInterval = 20 * time.Millisecond })
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(backend.messages(TypeHeartbeat)) >= 2 })
	if hb := backend.messages(TypeHeartbeat)[0]; string(hb.Data) != `{}` {
		t.Fatalf("expected empty heartbeat payload, got %s", hb.Data)
	}
	if !tr.Connected() {
		t.Fatalf("expected answered heartbeats to keep the channel")
	}
}

func TestUnansweredHeartbeatRedials(t *testing.T) {
	backend := newFakeBackend(t, func(env Envelope) []Envelope {
		if env.Type == TypeHeartbeat {
			return nil
		}
		return standard(env)
	})
	tr := newTestTransport(t, backend, func(cfg *Config) {
		cfg.HeartbeatInterval = 10 * time.Millisecond
		cfg.RequestTimeout = 40 * time.Millisecond
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return backend.dialCount() >= 2 })
}

func TestCorrelationIDsComeFromGenerator(t *testing.T) {
	var n atomic.Int32
	prev := idGenerator
	idGenerator = func() string { return fmt.Sprintf("req-%d", n.Add(1)) }
	t.Cleanup(func() { idGenerator = prev })

	backend := newFakeBackend(t, standard)
	tr := newTestTransport(t, backend, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := tr.StartCharging(context.Background(), StartChargingRequest{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if id := backend.messages(TypeAuthRequest)[0].ID; id != "req-1" {
		t.Fatalf("expected req-1, got %s", id)
	}
	if id := backend.messages(TypeStartCharging)[0].ID; id != "req-2" {
		t.Fatalf("expected req-2, got %s", id)
	}
}

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, w := range want {
		if got := backoff(time.Second, 30*time.Second, attempt); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, w, got)
		}
	}
}
