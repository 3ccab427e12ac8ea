package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the service.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	ledgerAppends   *prometheus.CounterVec
	postingLines    *prometheus.CounterVec
	stockCalls      *prometheus.HistogramVec
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wavepoint_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wavepoint_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	appends := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wavepoint_ledger_appends_total",
		Help: "Cost layer events appended, by event type and outcome.",
	}, []string{"type", "outcome"})
	postingLines := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wavepoint_posting_lines_total",
		Help: "Goods receipt lines processed, by outcome.",
	}, []string{"outcome"})
	stockCalls := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wavepoint_stock_call_duration_seconds",
		Help:    "External stock system call duration per operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	registry.MustRegister(requests, duration, appends, postingLines, stockCalls)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		ledgerAppends:   appends,
		postingLines:    postingLines,
		stockCalls:      stockCalls,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveLedgerAppend counts one append attempt.
func (m *Metrics) ObserveLedgerAppend(eventType string, err error) {
	if m == nil {
		return
	}
	m.ledgerAppends.WithLabelValues(eventType, outcome(err)).Inc()
}

// ObservePostingLine counts one processed receipt line.
func (m *Metrics) ObservePostingLine(err error) {
	if m == nil {
		return
	}
	m.postingLines.WithLabelValues(outcome(err)).Inc()
}

// ObserveStockCall records one external stock call.
func (m *Metrics) ObserveStockCall(op string, start time.Time) {
	if m == nil {
		return
	}
	m.stockCalls.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
