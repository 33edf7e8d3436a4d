package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chargelink/backend/services/ws-gateway/internal/ocpp/protocol"
	"chargelink/backend/services/ws-gateway/internal/ws"
)

// Gateway holds the gateway collectors. It observes the router, the
// connection manager, the liveness monitor, the identity refresher and the
// registry breaker.
type Gateway struct {
	ConnectionsActive   *prometheus.GaugeVec
	ConnectionsOpened   *prometheus.CounterVec
	ConnectionsClosed   *prometheus.CounterVec
	ConnectionsRejected *prometheus.CounterVec
	FramesReceived      *prometheus.CounterVec
	DispatchDuration    *prometheus.HistogramVec
	SweepEvictions      prometheus.Counter
	SweepProbes         prometheus.Counter
	IdentityEntries     prometheus.Gauge
	IdentityRefreshes   *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Gateway {
	f := promauto.With(reg)
	return &Gateway{
		ConnectionsActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ws_gateway_connections_active",
				Help: "Live station connections by protocol version",
			},
			[]string{"version"},
		),
		ConnectionsOpened: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_gateway_connections_opened_total",
				Help: "Station connections that reached CONNECTED",
			},
			[]string{"version"},
		),
		ConnectionsClosed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_gateway_connections_closed_total",
				Help: "Station connections closed, by reason",
			},
			[]string{"reason"},
		),
		ConnectionsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_gateway_connections_rejected_total",
				Help: "Handshakes rejected by the identity gate",
			},
			[]string{"reason"},
		),
		FramesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_gateway_frames_received_total",
				Help: "Inbound frames by protocol version and kind",
			},
			[]string{"version", "kind"},
		),
		DispatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ws_gateway_dispatch_duration_seconds",
				Help:    "Time spent in protocol handlers",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"version", "action", "outcome"},
		),
		SweepEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "ws_gateway_stale_evictions_total",
			Help: "Connections evicted by the liveness sweep",
		}),
		SweepProbes: f.NewCounter(prometheus.CounterOpts{
			Name: "ws_gateway_liveness_probes_total",
			Help: "TriggerMessage probes sent to idle stations",
		}),
		IdentityEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "ws_gateway_identity_entries",
			Help: "Charge points in the identity cache",
		}),
		IdentityRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_gateway_identity_refreshes_total",
				Help: "Identity refresh attempts by source and result",
			},
			[]string{"source", "result"},
		),
		BreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ws_gateway_breaker_open",
				Help: "1 while the named circuit breaker is not closed",
			},
			[]string{"name"},
		),
	}
}

// ObserveDispatch implements ocpp.Observer.
func (g *Gateway) ObserveDispatch(version protocol.Version, action, outcome string, elapsed time.Duration) {
	g.DispatchDuration.WithLabelValues(string(version), action, outcome).Observe(elapsed.Seconds())
}

// ConnectionOpened implements ws.Listener.
func (g *Gateway) ConnectionOpened(s ws.Snapshot) {
	g.ConnectionsOpened.WithLabelValues(string(s.ProtocolVersion)).Inc()
	g.ConnectionsActive.WithLabelValues(string(s.ProtocolVersion)).Inc()
}

// ConnectionClosed implements ws.Listener.
func (g *Gateway) ConnectionClosed(s ws.Snapshot, reason ws.Reason) {
	g.ConnectionsClosed.WithLabelValues(string(reason)).Inc()
	g.ConnectionsActive.WithLabelValues(string(s.ProtocolVersion)).Dec()
}

// ConnectionRejected implements ws.Listener.
func (g *Gateway) ConnectionRejected(_ ws.Handshake, err error) {
	reason := "unknown"
	var rej *ws.RejectionError
	if errors.As(err, &rej) {
		reason = rej.Reason
	}
	g.ConnectionsRejected.WithLabelValues(reason).Inc()
}

// FrameReceived implements ws.Listener.
func (g *Gateway) FrameReceived(version protocol.Version, kind string) {
	g.FramesReceived.WithLabelValues(string(version), kind).Inc()
}

// ObserveSweep implements ws.SweepObserver.
func (g *Gateway) ObserveSweep(result ws.SweepResult) {
	g.SweepEvictions.Add(float64(result.Evicted))
	g.SweepProbes.Add(float64(result.Probed))
}

// ObserveRefresh implements identity.RefreshObserver.
func (g *Gateway) ObserveRefresh(source string, entries int, err error) {
	if err != nil {
		g.IdentityRefreshes.WithLabelValues(source, "error").Inc()
		return
	}
	g.IdentityRefreshes.WithLabelValues(source, "ok").Inc()
	g.IdentityEntries.Set(float64(entries))
}

// BreakerStateChanged records a breaker transition; to is the new state name.
func (g *Gateway) BreakerStateChanged(name, _, to string) {
	open := 0.0
	if to != "closed" {
		open = 1
	}
	g.BreakerState.WithLabelValues(name).Set(open)
}
