package ocpp

import (
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/juju/clock"

	"chargelink/backend/services/ws-gateway/internal/ocpp/protocol"
)

var (
	// ErrCallTimeout completes a gateway-originated Call nobody answered.
	ErrCallTimeout = errors.New("ocpp: call timed out")
	// ErrConnectionClosed completes Calls still pending when the station left.
	ErrConnectionClosed = errors.New("ocpp: connection closed")
)

const defaultCallTimeout = 30 * time.Second

var idGenerator = func() string { return uuid.NewString() }

// NewMessageID returns a fresh id for a gateway-originated Call.
func NewMessageID() string {
	return idGenerator()
}

// CallOutcome is the single completion of a gateway-originated Call.
type CallOutcome struct {
	Action  string
	Payload json.RawMessage
	Err     error
}

type pendingCall struct {
	action string
	done   chan CallOutcome
	timer  clock.Timer
}

// PendingCalls correlates Calls the gateway sends to one station with the
// CallResult or CallError frames that answer them. Every tracked id
// completes exactly once: by reply, by timeout, or by CancelAll.
type PendingCalls struct {
	mu      sync.Mutex
	clock   clock.Clock
	timeout time.Duration
	pending map[string]*pendingCall
}

// NewPendingCalls returns an empty table. A zero timeout selects 30s.
func NewPendingCalls(clk clock.Clock, timeout time.Duration) *PendingCalls {
	if clk == nil {
		clk = clock.WallClock
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &PendingCalls{clock: clk, timeout: timeout, pending: make(map[string]*pendingCall)}
}

// Track registers id and returns the channel its outcome is delivered on.
// The channel is buffered; the outcome is never blocked on the reader.
func (p *PendingCalls) Track(id, action string) <-chan CallOutcome {
	call := &pendingCall{action: action, done: make(chan CallOutcome, 1)}

	p.mu.Lock()
	if prev, ok := p.pending[id]; ok {
		delete(p.pending, id)
		prev.finish(CallOutcome{Action: prev.action, Err: errors.New("ocpp: message id reused")}, true)
	}
	p.pending[id] = call
	call.timer = p.clock.AfterFunc(p.timeout, func() {
		p.complete(id, CallOutcome{Action: action, Err: ErrCallTimeout}, true)
	})
	p.mu.Unlock()

	return call.done
}

// Resolve completes the Call answered by f. It returns false for frames that
// match nothing pending, which callers log and drop.
func (p *PendingCalls) Resolve(f *Frame) bool {
	out := CallOutcome{Payload: f.Payload}
	if f.Type == protocol.MessageTypeCallError {
		out.Payload = f.ErrorDetails
		out.Err = &CallError{Code: f.ErrorCode, Description: f.ErrorDescription}
	}
	return p.complete(f.ID, out, false)
}

// Abandon forgets id without completing it, for Calls that failed to send.
func (p *PendingCalls) Abandon(id string) {
	p.mu.Lock()
	call, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	if ok && call.timer != nil {
		call.timer.Stop()
	}
}

// CancelAll completes every pending Call with err.
func (p *PendingCalls) CancelAll(err error) {
	p.mu.Lock()
	calls := p.pending
	p.pending = make(map[string]*pendingCall)
	p.mu.Unlock()

	for _, call := range calls {
		call.finish(CallOutcome{Action: call.action, Err: err}, true)
	}
}

// Len reports how many Calls are awaiting an answer.
func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *PendingCalls) complete(id string, out CallOutcome, expired bool) bool {
	p.mu.Lock()
	call, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	out.Action = call.action
	call.finish(out, !expired)
	return true
}

// finish must not stop the timer from inside its own callback.
func (c *pendingCall) finish(out CallOutcome, stopTimer bool) {
	if stopTimer && c.timer != nil {
		c.timer.Stop()
	}
	c.done <- out
}
