package ocpp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"chargelink/backend/services/ws-gateway/internal/ocpp/protocol"
)

// HandlerFunc processes one Call payload and returns the result body.
type HandlerFunc func(ctx context.Context, chargePointID string, payload json.RawMessage) (interface{}, error)

// Strategy is the action table for one protocol version.
type Strategy struct {
	version  protocol.Version
	handlers map[string]HandlerFunc
}

// NewStrategy returns an empty action table for version.
func NewStrategy(version protocol.Version) *Strategy {
	return &Strategy{version: version, handlers: make(map[string]HandlerFunc)}
}

// Version reports the protocol version served.
func (s *Strategy) Version() protocol.Version {
	return s.version
}

// Register attaches handler to action.
func (s *Strategy) Register(action string, handler HandlerFunc) {
	s.handlers[action] = handler
}

// Actions lists the registered action names.
func (s *Strategy) Actions() []string {
	out := make([]string, 0, len(s.handlers))
	for action := range s.handlers {
		out = append(out, action)
	}
	return out
}

// Handle runs the handler for call.Action, or returns ErrUnhandledAction.
func (s *Strategy) Handle(ctx context.Context, chargePointID string, call *Frame) (interface{}, error) {
	handler, ok := s.handlers[call.Action]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnhandledAction, call.Action)
	}
	return handler(ctx, chargePointID, call.Payload)
}

// Dispatch outcomes reported to the Observer.
const (
	OutcomeHandled   = "handled"
	OutcomeUnhandled = "unhandled"
	OutcomeFailed    = "failed"
)

// Observer receives one notification per dispatched Call.
type Observer interface {
	ObserveDispatch(version protocol.Version, action, outcome string, elapsed time.Duration)
}

// Router selects a Strategy by protocol version and turns its result into
// the reply frame.
type Router struct {
	mu         sync.RWMutex
	strategies map[protocol.Version]*Strategy
	observer   Observer
	logger     *zap.Logger
}

// NewRouter returns a router with no strategies.
func NewRouter(observer Observer, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		strategies: make(map[protocol.Version]*Strategy),
		observer:   observer,
		logger:     logger,
	}
}

// Register serves strategy for its own version and any aliases.
func (r *Router) Register(strategy *Strategy, aliases ...protocol.Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[strategy.Version()] = strategy
	for _, alias := range aliases {
		r.strategies[alias] = strategy
	}
}

// Supports reports whether a strategy is registered for version.
func (r *Router) Supports(version protocol.Version) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.strategies[version]
	return ok
}

// Dispatch handles a Call and returns the reply. A version without a
// strategy yields ErrUnsupportedVersion; an unknown action yields the
// NotSupported no-op result; a handler failure yields a CallError frame.
func (r *Router) Dispatch(ctx context.Context, version protocol.Version, chargePointID string, call *Frame) (reply *Frame, err error) {
	if call.Type != protocol.MessageTypeCall {
		return nil, fmt.Errorf("ocpp: dispatch of %s frame", call.Type)
	}

	r.mu.RLock()
	strategy, ok := r.strategies[version]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, version)
	}

	start := time.Now()
	outcome := OutcomeHandled
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("ocpp handler panicked",
				zap.String("charge_point_id", chargePointID),
				zap.String("action", call.Action),
				zap.Any("panic", p),
			)
			outcome = OutcomeFailed
			reply, err = NewCallError(call.ID, protocol.ErrorInternalError, "internal error"), nil
		}
		if r.observer != nil {
			r.observer.ObserveDispatch(version, call.Action, outcome, time.Since(start))
		}
	}()

	result, herr := strategy.Handle(ctx, chargePointID, call)
	switch {
	case errors.Is(herr, ErrUnhandledAction):
		outcome = OutcomeUnhandled
		r.logger.Debug("ocpp action not handled",
			zap.String("charge_point_id", chargePointID),
			zap.String("version", string(version)),
			zap.String("action", call.Action),
		)
		return NewCallResult(call.ID, protocol.NotSupportedResponse{Status: protocol.StatusNotSupported})
	case herr != nil:
		outcome = OutcomeFailed
		var callErr *CallError
		if errors.As(herr, &callErr) {
			return NewCallError(call.ID, callErr.Code, callErr.Description), nil
		}
		r.logger.Warn("ocpp handler failed",
			zap.String("charge_point_id", chargePointID),
			zap.String("action", call.Action),
			zap.Error(herr),
		)
		return NewCallError(call.ID, protocol.ErrorInternalError, herr.Error()), nil
	}

	return NewCallResult(call.ID, result)
}
