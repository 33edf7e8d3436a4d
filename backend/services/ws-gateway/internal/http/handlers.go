package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"chargelink/backend/services/ws-gateway/internal/identity"
	"chargelink/backend/services/ws-gateway/internal/service"
	"chargelink/backend/services/ws-gateway/internal/ws"
)

// Connections is the part of ws.Manager the admin API reads.
type Connections interface {
	Statistics() ws.Statistics
	Snapshots() []ws.Snapshot
	ForChargePoint(chargePointID string) (ws.Snapshot, bool)
	Close(connectionID string, reason ws.Reason) bool
}

// Stations exposes the device state recorded by the protocol handlers.
type Stations interface {
	Get(chargePointID string) (service.ChargePointState, bool)
}

// IdentityRefresher forces an identity reload.
type IdentityRefresher interface {
	Refresh(ctx context.Context) error
}

// IdentityStats reports the identity cache.
type IdentityStats interface {
	Stats() identity.Stats
}

// Handlers serves the health and admin endpoints.
type Handlers struct {
	Connections Connections
	Stations    Stations
	Refresher   IdentityRefresher
	Identities  IdentityStats
	Logger      *zap.Logger
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": h.Connections.Statistics().Total,
	})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"connections": h.Connections.Statistics()}
	if h.Identities != nil {
		resp["identity"] = h.Identities.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) ListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Connections.Snapshots())
}

func (h *Handlers) ChargePoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chargePointId")
	conn, connected := h.Connections.ForChargePoint(id)
	var state *service.ChargePointState
	if h.Stations != nil {
		if st, ok := h.Stations.Get(id); ok {
			state = &st
		}
	}
	if !connected && state == nil {
		writeError(w, http.StatusNotFound, "charge point not seen")
		return
	}

	resp := map[string]interface{}{"chargePointId": id, "connected": connected}
	if connected {
		resp["connection"] = conn
	}
	if state != nil {
		resp["state"] = state
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) Disconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chargePointId")
	conn, ok := h.Connections.ForChargePoint(id)
	if !ok || !h.Connections.Close(conn.ConnectionID, ws.ReasonAdmin) {
		writeError(w, http.StatusNotFound, "charge point not connected")
		return
	}
	sub, _ := SubjectFromContext(r.Context())
	h.Logger.Info("connection closed by operator", zap.String("charge_point_id", id), zap.String("operator", sub))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) RefreshIdentity(w http.ResponseWriter, r *http.Request) {
	if err := h.Refresher.Refresh(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	resp := map[string]interface{}{"status": "refreshed"}
	if h.Identities != nil {
		resp["identity"] = h.Identities.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
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
