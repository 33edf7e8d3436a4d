package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"chargelink/backend/services/session-monitor/internal/clients"
	"chargelink/backend/services/session-monitor/internal/coordinator"
	"chargelink/backend/services/session-monitor/internal/transport"
)

const defaultStopReason = "User requested"

// Session is the coordinator surface served over HTTP.
type Session interface {
	Snapshot() coordinator.Snapshot
	Initiate(ctx context.Context) error
	ResolveConflict(ctx context.Context, action coordinator.ConflictAction) error
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context, reason string) error
	FetchSummary(ctx context.Context, force bool) (clients.Summary, error)
}

type Handlers struct {
	Session Session
	Logger  *zap.Logger
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.Session.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"live":   snap.Live,
		"state":  snap.State,
	})
}

func (h *Handlers) Snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Session.Snapshot())
}

func (h *Handlers) Initiate(w http.ResponseWriter, r *http.Request) {
	if err := h.Session.Initiate(r.Context()); err != nil {
		h.fail(w, "initiate", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Session.Snapshot())
}

type conflictRequest struct {
	Action string `json:"action"`
}

// ResolveConflict takes {"action":"resume"} or {"action":"stop_existing"}.
func (h *Handlers) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req conflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	var action coordinator.ConflictAction
	switch req.Action {
	case "resume":
		action = coordinator.ConflictResume
	case "stop_existing":
		action = coordinator.ConflictStopExisting
	default:
		writeError(w, http.StatusBadRequest, "action must be resume or stop_existing")
		return
	}
	if err := h.Session.ResolveConflict(r.Context(), action); err != nil {
		h.fail(w, "resolve conflict", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Session.Snapshot())
}

func (h *Handlers) Start(w http.ResponseWriter, r *http.Request) {
	id, err := h.Session.Start(r.Context())
	if err != nil {
		h.fail(w, "start", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"transactionId": id})
}

type stopRequest struct {
	Reason string `json:"reason"`
}

// Stop accepts an optional {"reason": "..."} body.
func (h *Handlers) Stop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = defaultStopReason
	}
	if err := h.Session.Stop(r.Context(), req.Reason); err != nil {
		h.fail(w, "stop", err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.Session.Snapshot())
}

// Summary returns the transaction summary. ?force=true bypasses the retry
// window.
func (h *Handlers) Summary(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	summary, err := h.Session.FetchSummary(r.Context(), force)
	if err != nil {
		h.fail(w, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Warn("session operation failed", zap.String("op", op), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var remote *transport.RemoteError
	switch {
	case errors.Is(err, coordinator.ErrActiveSessionConflict),
		errors.Is(err, coordinator.ErrInvalidTransition),
		errors.Is(err, coordinator.ErrNoActiveTransaction):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, coordinator.ErrSummaryNotReady):
		return http.StatusTooEarly
	case errors.Is(err, transport.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, clients.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &remote):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
