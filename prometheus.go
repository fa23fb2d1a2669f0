package viewsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver is an Observer that exports client activity as
// Prometheus metrics.
type PrometheusObserver struct {
	connected         prometheus.Gauge
	connects          prometheus.Counter
	disconnects       prometheus.Counter
	errors            prometheus.Counter
	reconnectAttempts prometheus.Counter
	frames            *prometheus.CounterVec
	evictions         *prometheus.CounterVec
}

// NewPrometheusObserver creates a Prometheus observer registered against reg.
// Pass prometheus.DefaultRegisterer to use the default registry.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	factory := promauto.With(reg)
	return &PrometheusObserver{
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "viewsync_connected",
			Help: "Whether the client currently holds an established connection.",
		}),
		connects: factory.NewCounter(prometheus.CounterOpts{
			Name: "viewsync_connects_total",
			Help: "Total connections established.",
		}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "viewsync_disconnects_total",
			Help: "Total connection drops.",
		}),
		errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "viewsync_errors_total",
			Help: "Total non-fatal client errors.",
		}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "viewsync_reconnect_attempts_total",
			Help: "Total reconnection attempts.",
		}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viewsync_frames_total",
			Help: "Total reconciled data frames.",
		}, []string{"view", "op"}),
		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viewsync_evictions_total",
			Help: "Total entries evicted past the per-view capacity bound.",
		}, []string{"view"}),
	}
}

// OnConnect marks the client connected
func (p *PrometheusObserver) OnConnect() {
	p.connected.Set(1)
	p.connects.Inc()
}

// OnDisconnect marks the client disconnected
func (p *PrometheusObserver) OnDisconnect() {
	p.connected.Set(0)
	p.disconnects.Inc()
}

// OnError counts a non-fatal error
func (p *PrometheusObserver) OnError(err error) {
	p.errors.Inc()
}

// OnReconnectAttempt counts a reconnection attempt
func (p *PrometheusObserver) OnReconnectAttempt(attempt int, wait time.Duration) {
	p.reconnectAttempts.Inc()
}

// OnFrame counts a reconciled frame by view and operation
func (p *PrometheusObserver) OnFrame(view, key string, op Operation) {
	p.frames.WithLabelValues(view, string(op)).Inc()
}

// OnEviction counts a capacity eviction by view
func (p *PrometheusObserver) OnEviction(view, key string) {
	p.evictions.WithLabelValues(view).Inc()
}
