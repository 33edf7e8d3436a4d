package ws

import (
	"context"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"chargelink/backend/services/ws-gateway/internal/ocpp/protocol"
)

// SweepObserver is told about every completed sweep.
type SweepObserver interface {
	ObserveSweep(result SweepResult)
}

// SweepResult summarizes one liveness sweep.
type SweepResult struct {
	Checked int
	Evicted int
	Probed  int
}

// LivenessConfig configures LivenessMonitor.
type LivenessConfig struct {
	Interval  time.Duration
	Threshold time.Duration
	// Probe sends TriggerMessage(Heartbeat) to connections silent for more
	// than half the threshold.
	Probe    bool
	Clock    clock.Clock
	Observer SweepObserver
	Logger   *zap.Logger
}

// LivenessMonitor evicts connections that stopped sending frames. It never
// touches connection state itself; eviction goes through the manager.
type LivenessMonitor struct {
	manager   *Manager
	interval  time.Duration
	threshold time.Duration
	probe     bool
	clock     clock.Clock
	observer  SweepObserver
	logger    *zap.Logger
}

// NewLivenessMonitor builds a monitor. Zero durations select 5 minutes.
func NewLivenessMonitor(manager *Manager, cfg LivenessConfig) *LivenessMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &LivenessMonitor{
		manager:   manager,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		probe:     cfg.Probe,
		clock:     cfg.Clock,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
	}
}

// Run sweeps every interval until ctx is done.
func (l *LivenessMonitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(l.interval):
			l.Sweep(ctx)
		}
	}
}

// Sweep checks every CONNECTED connection once against the current time.
// Probes run in the background so a slow station never holds the sweep.
func (l *LivenessMonitor) Sweep(ctx context.Context) SweepResult {
	now := l.clock.Now()
	var result SweepResult

	for _, snap := range l.manager.Snapshots() {
		if snap.Status != StatusConnected {
			continue
		}
		result.Checked++
		idle := now.Sub(snap.LastHeartbeatAt)
		switch {
		case idle > l.threshold:
			if l.manager.EvictIfStale(snap.ConnectionID, l.threshold, now) {
				result.Evicted++
			}
		case l.probe && idle > l.threshold/2:
			result.Probed++
			go l.sendProbe(ctx, snap)
		}
	}

	if result.Evicted > 0 || result.Probed > 0 {
		l.logger.Info("liveness sweep",
			zap.Int("checked", result.Checked),
			zap.Int("evicted", result.Evicted),
			zap.Int("probed", result.Probed),
		)
	}
	if l.observer != nil {
		l.observer.ObserveSweep(result)
	}
	return result
}

func (l *LivenessMonitor) sendProbe(ctx context.Context, snap Snapshot) {
	ctx, cancel := context.WithTimeout(ctx, l.threshold/2)
	defer cancel()
	_, err := l.manager.Call(ctx, snap.ChargePointID, protocol.ActionTriggerMessage,
		protocol.TriggerMessageRequest{RequestedMessage: protocol.ActionHeartbeat})
	if err != nil {
		l.logger.Debug("liveness probe unanswered",
			zap.String("charge_point_id", snap.ChargePointID),
			zap.Error(err),
		)
	}
}
