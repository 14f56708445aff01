package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the parley server.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ActiveSessions    prometheus.Gauge
	PresenceRefreshes prometheus.Counter
	MessagesRouted    *prometheus.CounterVec
	CallsTotal        *prometheus.CounterVec
	BotReplies        *prometheus.CounterVec
	DroppedEvents     *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_connections_total",
			Help: "Total realtime connections accepted",
		}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "parley_active_sessions",
			Help: "Current registered user sessions",
		}),
		PresenceRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "parley_presence_refreshes_total",
			Help: "Full presence list broadcasts",
		}),
		MessagesRouted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_messages_routed_total",
			Help: "Messages routed by outcome",
		}, []string{"outcome"}),
		CallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_calls_total",
			Help: "Call signaling outcomes",
		}, []string{"outcome"}),
		BotReplies: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_bot_replies_total",
			Help: "Assistant replies by outcome",
		}, []string{"outcome"}),
		DroppedEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_dropped_events_total",
			Help: "Events dropped before delivery",
		}, []string{"reason"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_errors_total",
			Help: "Total errors",
		}, []string{"type"}),
	}
}
