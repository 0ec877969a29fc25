package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	ConnectAttempts  prometheus.Counter
	ConnectFailures  prometheus.Counter
	Disconnects      prometheus.Counter
	StaleEvents      prometheus.Counter
	PhaseTransitions *prometheus.CounterVec
	StateChanges     *prometheus.CounterVec
	AttachedTracks   *prometheus.GaugeVec
	Viewers          prometheus.Gauge
	ViewerDrops      prometheus.Counter
	ConnectLatency   prometheus.Histogram
}

// NewMetrics registers the instruments on reg. A nil reg uses the
// default Prometheus registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live media session handles.",
		}),
		ConnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection attempts started.",
		}),
		ConnectFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Connection attempts rejected by the transport.",
		}),
		Disconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Unexpected disconnects reported by the transport.",
		}),
		StaleEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_total",
			Help:      "Transport events discarded after teardown.",
		}),
		PhaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Connection phase transitions by source and destination.",
		}, []string{"from", "to"}),
		StateChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_changes_total",
			Help:      "Presentation state changes by new state.",
		}, []string{"state"}),
		AttachedTracks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attached_tracks",
			Help:      "Currently attached remote tracks by kind.",
		}, []string{"kind"}),
		Viewers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers",
			Help:      "Connected state viewers.",
		}),
		ViewerDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_drops_total",
			Help:      "Viewers disconnected because of backpressure.",
		}),
		ConnectLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_ms",
			Help:      "Time from connect start to transport connected in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000},
		}),
	}
}

func (m *Metrics) ObserveConnectLatency(d time.Duration) {
	m.ConnectLatency.Observe(float64(d.Milliseconds()))
}

// Handler serves the metrics gathered by g, or the default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
