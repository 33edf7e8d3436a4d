package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chargelink/backend/services/ws-gateway/internal/ocpp/protocol"
	redisstore "chargelink/backend/services/ws-gateway/internal/redis"
	"chargelink/backend/services/ws-gateway/internal/ws"
)

const sideEffectTimeout = 5 * time.Second

// ConnectionReporter tells the registry whether a station is online.
type ConnectionReporter interface {
	ReportConnection(ctx context.Context, chargePointID string, connected bool)
}

// registryListener reports connects and disconnects to the registry. A
// replaced connection is not reported as offline.
type registryListener struct {
	reporter ConnectionReporter
}

func (l registryListener) ConnectionOpened(s ws.Snapshot) {
	go l.report(s.ChargePointID, true)
}

func (l registryListener) ConnectionClosed(s ws.Snapshot, reason ws.Reason) {
	if reason == ws.ReasonReplaced {
		return
	}
	go l.report(s.ChargePointID, false)
}

func (l registryListener) report(chargePointID string, connected bool) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	l.reporter.ReportConnection(ctx, chargePointID, connected)
}

func (registryListener) ConnectionRejected(ws.Handshake, error) {}
func (registryListener) FrameReceived(protocol.Version, string) {}

// presenceListener mirrors live connections into redis so other nodes can
// find the gateway that holds a station.
type presenceListener struct {
	store  *redisstore.PresenceStore
	node   string
	logger *zap.Logger
}

func (l presenceListener) ConnectionOpened(s ws.Snapshot) {
	p := redisstore.Presence{
		ConnectionID:    s.ConnectionID,
		ChargePointID:   s.ChargePointID,
		ProtocolVersion: string(s.ProtocolVersion),
		Node:            l.node,
		ConnectedAt:     s.ConnectedAt,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := l.store.Save(ctx, p); err != nil {
			l.logger.Warn("presence save failed", zap.String("charge_point_id", p.ChargePointID), zap.Error(err))
		}
	}()
}

func (l presenceListener) ConnectionClosed(s ws.Snapshot, _ ws.Reason) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := l.store.Release(ctx, s.ChargePointID, s.ConnectionID); err != nil {
			l.logger.Warn("presence release failed", zap.String("charge_point_id", s.ChargePointID), zap.Error(err))
		}
	}()
}

func (presenceListener) ConnectionRejected(ws.Handshake, error) {}
func (presenceListener) FrameReceived(protocol.Version, string) {}

// touchPresence extends presence keys of live connections until ctx is done.
func touchPresence(ctx context.Context, store *redisstore.PresenceStore, manager *ws.Manager, logger *zap.Logger) {
	ticker := time.NewTicker(store.TTL() / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snaps := manager.Snapshots()
			ids := make([]string, 0, len(snaps))
			for _, s := range snaps {
				ids = append(ids, s.ChargePointID)
			}
			if err := store.Touch(ctx, ids); err != nil {
				logger.Warn("presence touch failed", zap.Int("connections", len(ids)), zap.Error(err))
			}
		}
	}
}
