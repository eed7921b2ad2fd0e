package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the gateway exports
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	StreamConnections prometheus.Gauge
	StreamDrops       *prometheus.CounterVec
	EventsDelivered   prometheus.Counter
	EventsAppended    prometheus.Counter
	PollDuration      prometheus.Histogram
	BudgetTransitions *prometheus.CounterVec
	LoginAttempts     *prometheus.CounterVec
	StoreRetries      prometheus.Counter
}

// NewMetrics creates and registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		StreamConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_connections",
			Help: "Open live stream connections.",
		}),
		StreamDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_connections_dropped_total",
			Help: "Stream connections closed by the hub, by reason.",
		}, []string{"reason"}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_events_delivered_total",
			Help: "Events enqueued to stream connections.",
		}),
		EventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execution_events_appended_total",
			Help: "Execution events appended to the store.",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stream_poll_duration_seconds",
			Help:    "Duration of a full hub poll cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		BudgetTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "budget_state_transitions_total",
			Help: "Budget health state transitions, by new state.",
		}, []string{"state"}),
		LoginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts, by outcome.",
		}, []string{"outcome"}),
		StoreRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execution_store_retries_total",
			Help: "Retried execution store appends.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.StreamConnections, m.StreamDrops, m.EventsDelivered, m.EventsAppended, m.PollDuration,
		m.BudgetTransitions, m.LoginAttempts, m.StoreRetries,
	)
	return m
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument records request count, latency and in-flight requests.
// The chi wrapper keeps http.Hijacker available for websocket upgrades.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		labels := []string{r.Method, route, strconv.Itoa(status)}
		m.httpRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(labels...).Inc()
	})
}
