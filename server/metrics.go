package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"quad.social/location"
)

// Metrics observes the gateway's HTTP surface, sessions and fan-out. It
// satisfies location.Metrics.
type Metrics interface {
	location.Metrics
	SessionOpened()
	SessionClosed()
	IncRequestsTotal(endpoint string, status int)
	ObserveRequestDuration(endpoint string, duration time.Duration)
}

type promMetrics struct {
	pings           *prometheus.CounterVec
	deliveries      prometheus.Counter
	visits          prometheus.Counter
	sessions        prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics builds the prometheus metrics set, or a no-op set when
// disabled. The subscription gauge reads straight off the registry.
func NewMetrics(enabled bool, registry *location.Registry) Metrics {
	if !enabled {
		return &noopMetrics{}
	}

	m := &promMetrics{
		pings: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quad_location_pings_total",
			Help: "Total number of ingested location reports",
		}, []string{"shared"}),

		deliveries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quad_fanout_deliveries_total",
			Help: "Total number of location updates delivered to watchers",
		}),

		visits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quad_visits_total",
			Help: "Total number of first-time point-of-interest visits",
		}),

		sessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "quad_sessions",
			Help: "Number of live websocket sessions",
		}),

		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quad_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"endpoint", "status"}),

		requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quad_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "quad_subscriptions",
		Help: "Number of active live-tracking subscriptions",
	}, func() float64 {
		return float64(registry.Size())
	})

	return m
}

func (m *promMetrics) PingRecorded(shared bool) {
	label := "false"
	if shared {
		label = "true"
	}
	m.pings.WithLabelValues(label).Inc()
}

func (m *promMetrics) UpdateDelivered() { m.deliveries.Inc() }
func (m *promMetrics) VisitRecorded()   { m.visits.Inc() }
func (m *promMetrics) SessionOpened()   { m.sessions.Inc() }
func (m *promMetrics) SessionClosed()   { m.sessions.Dec() }

func (m *promMetrics) IncRequestsTotal(endpoint string, status int) {
	m.requestsTotal.WithLabelValues(endpoint, httpStatusBucket(status)).Inc()
}

func (m *promMetrics) ObserveRequestDuration(endpoint string, duration time.Duration) {
	m.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func httpStatusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// noopMetrics is used when metrics are disabled.
type noopMetrics struct{}

func (n *noopMetrics) PingRecorded(_ bool)                              {}
func (n *noopMetrics) UpdateDelivered()                                 {}
func (n *noopMetrics) VisitRecorded()                                   {}
func (n *noopMetrics) SessionOpened()                                   {}
func (n *noopMetrics) SessionClosed()                                   {}
func (n *noopMetrics) IncRequestsTotal(_ string, _ int)                 {}
func (n *noopMetrics) ObserveRequestDuration(_ string, _ time.Duration) {}

// MetricsMiddleware records request counts and latency per endpoint.
func MetricsMiddleware(metrics Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.IncRequestsTotal(r.URL.Path, rec.status)
		metrics.ObserveRequestDuration(r.URL.Path, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
