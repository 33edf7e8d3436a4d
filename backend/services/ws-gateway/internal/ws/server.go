package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chargelink/backend/services/ws-gateway/internal/ocpp"
	"chargelink/backend/services/ws-gateway/internal/ocpp/protocol"
)

// ServerConfig configures the upgrade endpoint.
type ServerConfig struct {
	Versions       []protocol.Version
	Pump           PumpConfig
	HandshakeRate  float64
	HandshakeBurst int
}

// Server upgrades station HTTP requests to OCPP websocket connections.
type Server struct {
	manager  *Manager
	versions []protocol.Version
	pump     PumpConfig
	limiter  *rate.Limiter
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer builds the upgrade endpoint. A zero HandshakeRate disables
// handshake limiting.
func NewServer(manager *Manager, cfg ServerConfig, logger *zap.Logger) *Server {
	s := &Server{
		manager:  manager,
		versions: cfg.Versions,
		pump:     cfg.Pump.withDefaults(),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	if cfg.HandshakeRate > 0 {
		burst := cfg.HandshakeBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.HandshakeRate), burst)
	}
	return s
}

// SerialNumber extracts the serial a station presents: the serial query
// parameter, then the X-Serial-Number header, then the charge point id.
func SerialNumber(r *http.Request, chargePointID string) string {
	if v := strings.TrimSpace(r.URL.Query().Get("serial")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-Serial-Number")); v != "" {
		return v
	}
	return chargePointID
}

// HandleWS serves one station connection until it closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request, chargePointID string) {
	if chargePointID == "" {
		http.Error(w, "charge point id is required", http.StatusBadRequest)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		http.Error(w, "too many handshakes", http.StatusTooManyRequests)
		return
	}

	version, ok := ocpp.Negotiate(websocket.Subprotocols(r), s.versions)
	if !ok {
		s.logger.Warn("no supported subprotocol offered",
			zap.String("charge_point_id", chargePointID),
			zap.Strings("offered", websocket.Subprotocols(r)),
		)
		http.Error(w, "unsupported subprotocol", http.StatusBadRequest)
		return
	}

	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", string(version))
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.String("charge_point_id", chargePointID), zap.Error(err))
		return
	}

	peer := NewConnection(conn, s.pump, s.logger.With(zap.String("charge_point_id", chargePointID)))
	ctx := context.WithoutCancel(r.Context())
	snap, err := s.manager.Open(ctx, Handshake{
		ChargePointID: chargePointID,
		SerialNumber:  SerialNumber(r, chargePointID),
		Version:       version,
		RemoteAddr:    r.RemoteAddr,
	}, peer)
	if err != nil {
		reason := "connection rejected"
		var rej *RejectionError
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		peer.Close(websocket.ClosePolicyViolation, reason)
		return
	}

	peer.Serve(ctx, func(ctx context.Context, raw []byte) {
		err := s.manager.HandleFrame(ctx, snap.ConnectionID, raw)
		switch {
		case err == nil:
		case errors.Is(err, ocpp.ErrParse):
			s.logger.Warn("malformed frame dropped",
				zap.String("charge_point_id", snap.ChargePointID),
				zap.Error(err),
			)
		default:
			s.logger.Warn("frame handling failed",
				zap.String("charge_point_id", snap.ChargePointID),
				zap.Error(err),
			)
		}
	})
	s.manager.Close(snap.ConnectionID, ReasonPeerClosed)
}
