package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"chargelink/backend/services/session-monitor/internal/auth"
)

var idGenerator = func() string { return uuid.NewString() }

const (
	writeTimeout     = 10 * time.Second
	disconnectReason = "Client disconnecting"
)

// Config configures a Transport. Zero durations select the defaults.
type Config struct {
	URL               string
	Token             string
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	HandshakeTimeout  time.Duration
	Clock             clock.Clock
	Logger            *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Handlers receive push events and channel state changes. Nil fields are
// skipped. Push handlers run on the read goroutine in arrival order.
type Handlers struct {
	OnStatusUpdate     func(StatusUpdate)
	OnMeterValues      func(MeterValuesUpdate)
	OnError            func(*RemoteError)
	OnConnectionChange func(connected bool)
}

type result struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	typ   MessageType
	done  chan result
	timer clock.Timer
}

// finish must not stop the timer from inside its own callback.
func (p *pendingRequest) finish(r result, stopTimer bool) {
	if stopTimer && p.timer != nil {
		p.timer.Stop()
	}
	p.done <- r
}

// channel is one dialed websocket. It is discarded when the socket drops;
// reconnecting dials a new one.
type channel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (ch *channel) write(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := ch.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return ch.conn.WriteMessage(websocket.TextMessage, data)
}

func (ch *channel) close(code int, text string) {
	ch.once.Do(func() {
		close(ch.done)
		ch.writeMu.Lock()
		_ = ch.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
		ch.writeMu.Unlock()
		_ = ch.conn.Close()
	})
}

// Transport is the consumer's real-time channel to the session backend. It
// authenticates with a bearer token, pairs requests with responses by id,
// keeps the socket alive with heartbeats and redials with exponential
// backoff when the socket drops on its own.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	token     string
	ch        *channel
	authed    bool
	manual    bool
	armed     bool
	attempts  int
	reconnect clock.Timer
	pending   map[string]*pendingRequest

	subMu   sync.RWMutex
	subs    map[int]Handlers
	nextSub int
}

// New returns a disconnected transport.
func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		clock:   cfg.Clock,
		logger:  cfg.Logger.With(zap.String("url", cfg.URL)),
		token:   cfg.Token,
		pending: make(map[string]*pendingRequest),
		subs:    make(map[int]Handlers),
	}
}

// Subscribe registers h and returns a function that removes it.
func (t *Transport) Subscribe(h Handlers) func() {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = h
	t.subMu.Unlock()
	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

// SetToken replaces the bearer token used by the next handshake.
func (t *Transport) SetToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// Connected reports whether an authenticated channel is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch != nil && t.authed
}

// Pending reports how many requests await a response.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Connect dials and authenticates. An expired or rejected token yields
// ErrAuthenticationRequired and nothing is retried. Any other failure arms
// the reconnect loop and is returned.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.ch != nil {
		t.mu.Unlock()
		return nil
	}
	if t.armed {
		t.mu.Unlock()
		return fmt.Errorf("%w: reconnect in progress", ErrNotConnected)
	}
	t.manual = false
	t.attempts = 0
	t.mu.Unlock()

	err := t.open(ctx)
	if err != nil && !errors.Is(err, ErrAuthenticationRequired) && !errors.Is(err, ErrClosed) {
		t.mu.Lock()
		t.scheduleLocked()
		t.mu.Unlock()
	}
	return err
}

// Disconnect closes the channel, cancels any scheduled reconnect and
// rejects every pending request with ErrClosed before returning.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.manual = true
	t.armed = false
	if t.reconnect != nil {
		t.reconnect.Stop()
		t.reconnect = nil
	}
	ch, wasAuthed := t.ch, t.authed
	t.ch, t.authed = nil, false
	pending := t.takePendingLocked()
	t.mu.Unlock()

	failAll(pending, ErrClosed)
	if ch != nil {
		ch.close(websocket.CloseNormalClosure, disconnectReason)
		t.logger.Info("realtime channel closed by client")
	}
	if wasAuthed {
		t.notifyConnection(false)
	}
}

// Request sends a typed request over the authenticated channel and decodes
// the response data into out, which may be nil.
func (t *Transport) Request(ctx context.Context, typ MessageType, payload, out interface{}) error {
	t.mu.Lock()
	if t.manual {
		t.mu.Unlock()
		return ErrClosed
	}
	ch := t.ch
	if ch == nil || !t.authed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()
	return t.request(ctx, ch, typ, payload, out)
}

// StartCharging asks the backend to start a transaction on a connector. An
// answer without success is returned as a RemoteError with code Rejected.
func (t *Transport) StartCharging(ctx context.Context, req StartChargingRequest) (StartChargingResponse, error) {
	var resp StartChargingResponse
	if err := t.Request(ctx, TypeStartCharging, req, &resp); err != nil {
		return resp, err
	}
	if !resp.Success || resp.Status == StartRejected {
		return resp, &RemoteError{Code: CodeRejected, Message: resp.Message}
	}
	return resp, nil
}

// StopCharging asks the backend to stop a transaction.
func (t *Transport) StopCharging(ctx context.Context, req StopChargingRequest) (StopChargingResponse, error) {
	var resp StopChargingResponse
	if err := t.Request(ctx, TypeStopCharging, req, &resp); err != nil {
		return resp, err
	}
	if !resp.Success {
		return resp, &RemoteError{Code: CodeRejected, Message: resp.Message}
	}
	return resp, nil
}

// Status asks for the current state of a connector.
func (t *Transport) Status(ctx context.Context, req StatusRequest) (StatusUpdate, error) {
	var resp StatusUpdate
	err := t.Request(ctx, TypeStatusRequest, req, &resp)
	return resp, err
}

func (t *Transport) request(ctx context.Context, ch *channel, typ MessageType, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", typ, err)
	}

	id := idGenerator()
	p := &pendingRequest{typ: typ, done: make(chan result, 1)}
	t.mu.Lock()
	if t.ch != ch {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if _, busy := t.pending[id]; busy {
		t.mu.Unlock()
		return fmt.Errorf("transport: correlation id %s still pending", id)
	}
	issuedAt := t.clock.Now()
	t.pending[id] = p
	p.timer = t.clock.AfterFunc(t.cfg.RequestTimeout, func() {
		t.complete(id, result{err: ErrRequestTimeout}, false)
	})
	t.mu.Unlock()

	env := Envelope{ID: id, Type: typ, Timestamp: issuedAt.UTC(), Data: data}
	if err := ch.write(env); err != nil {
		t.complete(id, result{err: fmt.Errorf("%w: %v", ErrNotConnected, err)}, true)
	}

	var r result
	select {
	case r = <-p.done:
	case <-ctx.Done():
		t.complete(id, result{err: ctx.Err()}, true)
		r = <-p.done
	}
	if r.err != nil {
		return r.err
	}
	if out != nil && len(r.data) > 0 {
		if err := json.Unmarshal(r.data, out); err != nil {
			return fmt.Errorf("transport: decode %s response: %w", typ, err)
		}
	}
	return nil
}

// complete delivers r to the request registered under id. Only the first
// completion for an id is delivered; later ones report false.
func (t *Transport) complete(id string, r result, stopTimer bool) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.finish(r, stopTimer)
	return true
}

func (t *Transport) takePendingLocked() map[string]*pendingRequest {
	pending := t.pending
	t.pending = make(map[string]*pendingRequest)
	return pending
}

func failAll(pending map[string]*pendingRequest, err error) {
	for _, p := range pending {
		p.finish(result{err: err}, true)
	}
}

// open dials a channel and authenticates on it.
func (t *Transport) open(ctx context.Context) error {
	t.mu.Lock()
	token := t.token
	t.mu.Unlock()
	if err := auth.CheckUsable(token, t.clock.Now()); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationRequired, err)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("transport: dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("transport: dial failed: %w", err)
	}

	ch := &channel{conn: conn, done: make(chan struct{})}
	t.mu.Lock()
	if t.manual || t.ch != nil {
		manual := t.manual
		t.mu.Unlock()
		ch.close(websocket.CloseNormalClosure, disconnectReason)
		if manual {
			return ErrClosed
		}
		return nil
	}
	t.ch = ch
	t.mu.Unlock()
	go t.readLoop(ch)

	var authResp AuthResponse
	err = t.request(ctx, ch, TypeAuthRequest, AuthRequest{Token: token}, &authResp)
	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		t.detach(ch)
		return fmt.Errorf("%w: %v", ErrAuthenticationRequired, remote)
	case err != nil:
		t.detach(ch)
		return err
	case !authResp.Success:
		t.detach(ch)
		return fmt.Errorf("%w: %s", ErrAuthenticationRequired, authResp.Message)
	}

	t.mu.Lock()
	if t.ch != ch {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.authed = true
	t.attempts = 0
	t.mu.Unlock()

	t.logger.Info("realtime channel authenticated", zap.String("user_id", authResp.UserID))
	go t.heartbeatLoop(ch)
	t.notifyConnection(true)
	return nil
}

// detach drops ch without scheduling a reconnect.
func (t *Transport) detach(ch *channel) {
	var pending map[string]*pendingRequest
	t.mu.Lock()
	if t.ch == ch {
		t.ch, t.authed = nil, false
		pending = t.takePendingLocked()
	}
	t.mu.Unlock()
	failAll(pending, ErrNotConnected)
	ch.close(websocket.CloseNormalClosure, disconnectReason)
}

// connectionLost handles a socket that dropped without Disconnect.
func (t *Transport) connectionLost(ch *channel, cause error) {
	t.mu.Lock()
	if t.ch != ch {
		t.mu.Unlock()
		ch.close(websocket.CloseNormalClosure, "")
		return
	}
	wasAuthed := t.authed
	t.ch, t.authed = nil, false
	pending := t.takePendingLocked()
	t.scheduleLocked()
	t.mu.Unlock()

	ch.close(websocket.CloseGoingAway, "")
	failAll(pending, fmt.Errorf("%w: %v", ErrNotConnected, cause))
	t.logger.Warn("realtime channel lost", zap.Error(cause))
	if wasAuthed {
		t.notifyConnection(false)
	}
}

// scheduleLocked arms one reconnect unless one is already armed, the caller
// disconnected, or the attempt budget is spent.
func (t *Transport) scheduleLocked() {
	if t.armed || t.manual {
		return
	}
	if t.attempts >= t.cfg.ReconnectAttempts {
		t.logger.Error("giving up on realtime channel", zap.Int("attempts", t.attempts))
		return
	}
	delay := backoff(t.cfg.ReconnectBase, t.cfg.ReconnectMax, t.attempts)
	t.attempts++
	t.armed = true
	t.logger.Info("scheduling reconnect", zap.Int("attempt", t.attempts), zap.Duration("delay", delay))
	t.reconnect = t.clock.AfterFunc(delay, t.redial)
}

func (t *Transport) redial() {
	t.mu.Lock()
	if t.manual || !t.armed {
		t.mu.Unlock()
		return
	}
	t.reconnect = nil
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout+t.cfg.RequestTimeout)
	err := t.open(ctx)
	cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = false
	if t.manual {
		return
	}
	if errors.Is(err, ErrAuthenticationRequired) {
		t.logger.Warn("realtime token rejected, staying on polling", zap.Error(err))
		return
	}
	if err != nil {
		t.logger.Warn("reconnect failed", zap.Int("attempt", t.attempts), zap.Error(err))
	}
	if t.ch == nil {
		t.scheduleLocked()
	}
}

func backoff(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

func (t *Transport) heartbeatLoop(ch *channel) {
	for {
		select {
		case <-ch.done:
			return
		case <-t.clock.After(t.cfg.HeartbeatInterval):
		}
		err := t.request(context.Background(), ch, TypeHeartbeat, struct{}{}, nil)
		var remote *RemoteError
		switch {
		case err == nil:
		case errors.Is(err, ErrRequestTimeout):
			t.connectionLost(ch, fmt.Errorf("heartbeat: %w", err))
			return
		case errors.As(err, &remote):
			t.logger.Debug("heartbeat answered with error", zap.Error(err))
		default:
			return
		}
	}
}

func (t *Transport) readLoop(ch *channel) {
	for {
		_, raw, err := ch.conn.ReadMessage()
		if err != nil {
			t.connectionLost(ch, err)
			return
		}
		t.handle(raw)
	}
}

func (t *Transport) handle(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.logger.Warn("dropping malformed message", zap.Error(err))
		return
	}

	if env.ID != "" {
		r := result{data: env.Data}
		if env.Error != nil {
			r.err = &RemoteError{Code: env.Error.Code, Message: env.Error.Message}
		}
		if t.complete(env.ID, r, true) {
			return
		}
	}

	switch env.Type {
	case TypeStatusUpdate:
		var update StatusUpdate
		if err := json.Unmarshal(env.Data, &update); err != nil {
			t.logger.Warn("dropping malformed status update", zap.Error(err))
			return
		}
		t.each(func(h Handlers) {
			if h.OnStatusUpdate != nil {
				h.OnStatusUpdate(update)
			}
		})
	case TypeMeterValuesUpdate:
		var update MeterValuesUpdate
		if err := json.Unmarshal(env.Data, &update); err != nil {
			t.logger.Warn("dropping malformed meter values", zap.Error(err))
			return
		}
		t.each(func(h Handlers) {
			if h.OnMeterValues != nil {
				h.OnMeterValues(update)
			}
		})
	case TypeError:
		body := env.Error
		if body == nil {
			body = &ErrorBody{}
			_ = json.Unmarshal(env.Data, body)
		}
		remote := &RemoteError{Code: body.Code, Message: body.Message}
		t.logger.Warn("realtime error pushed", zap.Error(remote))
		t.each(func(h Handlers) {
			if h.OnError != nil {
				h.OnError(remote)
			}
		})
	default:
		t.logger.Debug("unhandled message", zap.String("type", string(env.Type)), zap.String("id", env.ID))
	}
}

func (t *Transport) notifyConnection(connected bool) {
	t.each(func(h Handlers) {
		if h.OnConnectionChange != nil {
			h.OnConnectionChange(connected)
		}
	})
}

func (t *Transport) each(f func(Handlers)) {
	t.subMu.RLock()
	subs := make([]Handlers, 0, len(t.subs))
	for _, h := range t.subs {
		subs = append(subs, h)
	}
	t.subMu.RUnlock()
	for _, h := range subs {
		f(h)
	}
}
