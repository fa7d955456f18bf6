// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the gateway registers. A single instance is
// created in main and shared by the connection manager, router, bridge and
// heartbeat monitor.
type Metrics struct {
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	FramesIn          *prometheus.CounterVec
	FramesOut         *prometheus.CounterVec
	PublishesTotal    *prometheus.CounterVec
	DeliveriesTotal   prometheus.Counter
	DroppedDeliveries prometheus.Counter
	AuthFailures      *prometheus.CounterVec
	QuotaRejections   *prometheus.CounterVec
	BackboneReconnect prometheus.Counter
	BackboneConnected prometheus.Gauge
	SweepEvictions    prometheus.Counter
	FrameLatency      prometheus.Histogram
	LocalSubjects     prometheus.Gauge
}

// New registers all gateway collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Currently open WebSocket connections.",
		}, []string{"role"}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Accepted WebSocket connections.",
		}, []string{"role"}),
		FramesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_frames_in_total",
			Help: "Client frames received, by frame type.",
		}, []string{"type"}),
		FramesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_frames_out_total",
			Help: "Server frames sent, by frame type.",
		}, []string{"type"}),
		PublishesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_publishes_total",
			Help: "Backbone publishes attempted, by outcome.",
		}, []string{"outcome"}),
		DeliveriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_deliveries_total",
			Help: "Backbone messages fanned out to local sockets.",
		}),
		DroppedDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_deliveries_dropped_total",
			Help: "Deliveries dropped because a socket send buffer was full.",
		}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Rejected connection attempts, by reason.",
		}, []string{"reason"}),
		QuotaRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_quota_rejections_total",
			Help: "Operations denied by quota, by kind.",
		}, []string{"kind"}),
		BackboneReconnect: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_backbone_reconnects_total",
			Help: "Backbone reconnect events.",
		}),
		BackboneConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_backbone_connected",
			Help: "1 when the backbone connection is up.",
		}),
		SweepEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_heartbeat_evictions_total",
			Help: "Stale connections evicted by the heartbeat sweep.",
		}),
		FrameLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_frame_handle_seconds",
			Help:    "Time spent handling a single inbound frame.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		LocalSubjects: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_local_subjects",
			Help: "Subjects with at least one local subscriber.",
		}),
	}
}

// NewNop returns a Metrics wired to a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
