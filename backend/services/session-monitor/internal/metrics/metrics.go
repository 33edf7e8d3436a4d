package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chargelink/backend/services/session-monitor/internal/coordinator"
)

var states = []coordinator.State{
	coordinator.StateIdle,
	coordinator.StateInitiating,
	coordinator.StateInitiateConflict,
	coordinator.StateReady,
	coordinator.StateCharging,
	coordinator.StateStopping,
	coordinator.StateFinalizing,
	coordinator.StateSummarized,
}

// Monitor holds the session-monitor collectors.
type Monitor struct {
	RealtimeConnected prometheus.Gauge
	Reconnects        prometheus.Counter
	RemoteErrors      *prometheus.CounterVec
	SessionState      *prometheus.GaugeVec
	EnergyKWh         prometheus.Gauge
	PowerKW           prometheus.Gauge
	CostEstimate      prometheus.Gauge

	connectedOnce atomic.Bool
}

func New(reg prometheus.Registerer) *Monitor {
	f := promauto.With(reg)
	return &Monitor{
		RealtimeConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "session_monitor_realtime_connected",
			Help: "1 while the realtime channel is authenticated",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "session_monitor_realtime_reconnects_total",
			Help: "Realtime channel recoveries after a drop",
		}),
		RemoteErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_monitor_remote_errors_total",
				Help: "Error frames pushed by the backend, by code",
			},
			[]string{"code"},
		),
		SessionState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "session_monitor_state",
				Help: "1 for the current coordinator state",
			},
			[]string{"state"},
		),
		EnergyKWh: f.NewGauge(prometheus.GaugeOpts{
			Name: "session_monitor_energy_kwh",
			Help: "Energy delivered in the current session",
		}),
		PowerKW: f.NewGauge(prometheus.GaugeOpts{
			Name: "session_monitor_power_kw",
			Help: "Last reported charging power",
		}),
		CostEstimate: f.NewGauge(prometheus.GaugeOpts{
			Name: "session_monitor_cost",
			Help: "Current session cost, backend figure when known",
		}),
	}
}

// ConnectionChanged counts every connect after the first as a reconnect.
func (m *Monitor) ConnectionChanged(connected bool) {
	if connected {
		m.RealtimeConnected.Set(1)
		if m.connectedOnce.Swap(true) {
			m.Reconnects.Inc()
		}
		return
	}
	m.RealtimeConnected.Set(0)
}

func (m *Monitor) RemoteError(code string) {
	m.RemoteErrors.WithLabelValues(code).Inc()
}

// Observe mirrors a coordinator snapshot.
func (m *Monitor) Observe(s coordinator.Snapshot) {
	for _, state := range states {
		v := 0.0
		if state == s.State {
			v = 1
		}
		m.SessionState.WithLabelValues(string(state)).Set(v)
	}
	if s.Meter.EnergyKWh != nil {
		m.EnergyKWh.Set(*s.Meter.EnergyKWh)
	}
	if s.Meter.PowerKW != nil {
		m.PowerKW.Set(*s.Meter.PowerKW)
	}
	if s.Cost != nil {
		m.CostEstimate.Set(*s.Cost)
	}
}
