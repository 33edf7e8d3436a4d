package ws

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"chargelink/backend/services/ws-gateway/internal/ocpp/protocol"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*httptest.Server, *Manager) {
	t.Helper()
	m := NewManager(ManagerConfig{
		Gate:       NewGate(testIdentities(), nil, time.Second),
		Dispatcher: testRouter(),
		Clock:      clock.WallClock,
		Logger:     zap.NewNop(),
	})
	if cfg.Versions == nil {
		cfg.Versions = []protocol.Version{protocol.Version16, protocol.Version201, protocol.Version20}
	}
	srv := NewServer(m, cfg, zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.HandleWS(w, r, strings.TrimPrefix(r.URL.Path, "/ocpp/"))
	}))
	t.Cleanup(func() {
		m.CloseAll(ReasonShutdown)
		ts.Close()
	})
	return ts, m
}

func dial(ts *httptest.Server, path string, protocols ...string) (*websocket.Conn, *http.Response, error) {
	d := websocket.Dialer{HandshakeTimeout: time.Second, Subprotocols: protocols}
	return d.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+path, nil)
}

func TestServerAcceptsAndAnswersCalls(t *testing.T) {
	ts, m := newTestServer(t, ServerConfig{})

	conn, resp, err := dial(ts, "/ocpp/CP-001?serial=SN-1", "ocpp1.6")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != "ocpp1.6" {
		t.Fatalf("expected ocpp1.6 selected, got %q", got)
	}
	waitFor(t, time.Second, func() bool { return m.Statistics().ByStatus[StatusConnected] == 1 })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`[2,"hb-1","Heartbeat",{}]`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(reply), `[3,"hb-1",`) {
		t.Fatalf("expected CallResult for hb-1, got %s", reply)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	conn.Close()
	waitFor(t, time.Second, func() bool { return m.Statistics().Total == 0 })
}

func TestServerHonoursClientSubprotocolOrder(t *testing.T) {
	ts, _ := newTestServer(t, ServerConfig{})

	conn, resp, err := dial(ts, "/ocpp/CP-002", "ocpp2.0.1", "ocpp1.6")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != "ocpp2.0.1" {
		t.Fatalf("expected first offered tag, got %q", got)
	}
}

func TestServerRefusesUnsupportedSubprotocol(t *testing.T) {
	ts, m := newTestServer(t, ServerConfig{})

	_, resp, err := dial(ts, "/ocpp/CP-001?serial=SN-1", "ocpp1.5", "mqtt")
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
	if m.Statistics().Total != 0 {
		t.Fatalf("expected no connection recorded")
	}
}

func TestServerClosesUnknownSerialWithPolicyViolation(t *testing.T) {
	ts, m := newTestServer(t, ServerConfig{})

	conn, _, err := dial(ts, "/ocpp/CP-001?serial=SN-404", "ocpp1.6")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close frame, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation || closeErr.Text != RejectUnknownSerial {
		t.Fatalf("expected 1008 %q, got %d %q", RejectUnknownSerial, closeErr.Code, closeErr.Text)
	}
	if m.Statistics().Total != 0 {
		t.Fatalf("expected rejected handshake never registered")
	}
}

func TestServerSerialFromHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ocpp/CP-9", nil)
	if got := SerialNumber(r, "CP-9"); got != "CP-9" {
		t.Fatalf("expected fallback to id, got %s", got)
	}
	r.Header.Set("X-Serial-Number", "SN-H")
	if got := SerialNumber(r, "CP-9"); got != "SN-H" {
		t.Fatalf("expected header serial, got %s", got)
	}
	r = httptest.NewRequest(http.MethodGet, "/ocpp/CP-9?serial=SN-Q", nil)
	r.Header.Set("X-Serial-Number", "SN-H")
	if got := SerialNumber(r, "CP-9"); got != "SN-Q" {
		t.Fatalf("expected query serial first, got %s", got)
	}
}

func TestServerLimitsHandshakeRate(t *testing.T) {
	ts, _ := newTestServer(t, ServerConfig{HandshakeRate: 0.001, HandshakeBurst: 1})

	conn, _, err := dial(ts, "/ocpp/CP-001?serial=SN-1", "ocpp1.6")
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer conn.Close()

	_, resp, err := dial(ts, "/ocpp/CP-002?serial=SN-2", "ocpp2.0.1")
	if err == nil {
		t.Fatalf("expected second handshake to be limited")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %+v", resp)
	}
}
