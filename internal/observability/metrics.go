package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "signoff"

var (
	latencyBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	payloadBuckets  = []float64{100, 1 << 10, 10 << 10, 100 << 10, 1 << 20}
	httpRouteLabels = []string{"method", "path_pattern"}
)

// Metrics groups the service's Prometheus instruments. Every instrument is
// prefixed with signoff_.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	WorkflowsCreatedTotal    *prometheus.CounterVec
	StageTransitionsTotal    *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	// WorkflowsOpen only reflects workflows this process created or closed.
	WorkflowsOpen *prometheus.GaugeVec

	AuthorizationDecisionsTotal *prometheus.CounterVec
	SideEffectFailuresTotal     *prometheus.CounterVec

	DirectoryCacheHitsTotal   prometheus.Counter
	DirectoryCacheMissesTotal prometheus.Counter
	IdempotentReplaysTotal    prometheus.Counter

	CatalogModulesLoaded prometheus.Gauge
}

// InitMetrics registers every instrument with reg and panics on a duplicate
// registration.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: metricsNamespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Name: name, Help: help, Buckets: buckets,
		}, httpRouteLabels)
	}

	return &Metrics{
		HTTPRequestsTotal: counter("http_requests_total",
			"HTTP requests served.", "method", "path_pattern", "status"),
		HTTPRequestDuration: histogram("http_request_duration_seconds",
			"HTTP request latency.", latencyBuckets),
		HTTPRequestSizeBytes: histogram("http_request_size_bytes",
			"Declared HTTP request body size.", payloadBuckets),
		HTTPResponseSizeBytes: histogram("http_response_size_bytes",
			"HTTP response body size.", payloadBuckets),

		WorkflowsCreatedTotal: counter("workflows_created_total",
			"Approval workflows started.", "module"),
		StageTransitionsTotal: counter("stage_transitions_total",
			"Committed stage actions.", "module", "action"),
		WorkflowCompletionsTotal: counter("workflow_completions_total",
			"Workflows that reached a terminal status.", "module", "final_status"),
		WorkflowsOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "workflows_open",
			Help:      "Workflows started and not yet terminal.",
		}, []string{"module"}),

		AuthorizationDecisionsTotal: counter("authorization_decisions_total",
			"Role gate outcomes.", "module", "decision", "assurance"),
		SideEffectFailuresTotal: counter("side_effect_failures_total",
			"Post-commit notification, audit and directory failures.", "kind"),

		DirectoryCacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "directory_cache_hits_total", Help: "User directory cache hits.",
		}),
		DirectoryCacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "directory_cache_misses_total", Help: "User directory cache misses.",
		}),
		IdempotentReplaysTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "idempotent_replays_total", Help: "Stage actions answered from a stored response.",
		}),

		CatalogModulesLoaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "catalog_modules_loaded", Help: "Modules present in the stage catalog.",
		}),
	}
}

func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowCreated also raises the open gauge for module.
func (m *Metrics) RecordWorkflowCreated(module string) {
	m.WorkflowsCreatedTotal.WithLabelValues(module).Inc()
	m.WorkflowsOpen.WithLabelValues(module).Inc()
}

func (m *Metrics) RecordStageTransition(module, action string) {
	m.StageTransitionsTotal.WithLabelValues(module, action).Inc()
}

// RecordWorkflowCompletion also lowers the open gauge for module.
func (m *Metrics) RecordWorkflowCompletion(module, finalStatus string) {
	m.WorkflowCompletionsTotal.WithLabelValues(module, finalStatus).Inc()
	m.WorkflowsOpen.WithLabelValues(module).Dec()
}

func (m *Metrics) RecordAuthorizationDecision(module, decision, assurance string) {
	m.AuthorizationDecisionsTotal.WithLabelValues(module, decision, assurance).Inc()
}

// RecordSideEffectFailure counts by kind: notify, audit or directory.
func (m *Metrics) RecordSideEffectFailure(kind string) {
	m.SideEffectFailuresTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDirectoryCacheHit() { m.DirectoryCacheHitsTotal.Inc() }
func (m *Metrics) RecordDirectoryCacheMiss() { m.DirectoryCacheMissesTotal.Inc() }
func (m *Metrics) RecordIdempotentReplay() { m.IdempotentReplaysTotal.Inc() }

func (m *Metrics) SetCatalogModulesLoaded(count int) {
	m.CatalogModulesLoaded.Set(float64(count))
}

// MetricsMiddleware labels requests with the matched chi route pattern, so
// workflow IDs never become label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), status, time.Since(began),
			int(max(r.ContentLength, 0)), ww.BytesWritten())
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves g, typically a private registry in tests.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern falls back to the raw path outside a chi router.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := strings.TrimSuffix(strings.Join(rc.RoutePatterns, ""), "/*"); p != "" {
			return p
		}
	}
	return r.URL.Path
}
