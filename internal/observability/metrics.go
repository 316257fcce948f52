package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/caseportal/internal/cases"
	"github.com/pitabwire/caseportal/internal/definition"
	"github.com/pitabwire/caseportal/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	operationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the portal.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Case metrics
	CaseOperationsTotal      *prometheus.CounterVec
	CaseOperationDuration    *prometheus.HistogramVec
	CasesCreatedTotal        *prometheus.CounterVec
	SubmissionValidationFail *prometheus.CounterVec
	StatusTransitionsTotal   *prometheus.CounterVec
	EventsPublishedTotal     *prometheus.CounterVec

	// Schema cache metrics
	SchemaCacheHitsTotal    prometheus.Counter
	SchemaCacheMissesTotal  prometheus.Counter
	SchemaCompilationsTotal *prometheus.CounterVec

	// Definition metrics
	DefinitionsDeployedTotal *prometheus.CounterVec
	DefinitionsLoaded        prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseportal_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseportal_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseportal_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseportal_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Cases
		CaseOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseportal_case_operations_total",
			Help: "Total number of case operations.",
		}, []string{"operation", "status"}),
		CaseOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseportal_case_operation_duration_seconds",
			Help:    "Case operation duration in seconds.",
			Buckets: operationDurationBuckets,
		}, []string{"operation"}),
		CasesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseportal_cases_created_total",
			Help: "Total number of cases created.",
		}, []string{"case_definition_id"}),
		SubmissionValidationFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseportal_submission_validation_failures_total",
			Help: "Total number of submissions rejected as empty or schema-invalid.",
		}, []string{"case_definition_id", "code"}),
		StatusTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseportal_status_transitions_total",
			Help: "Total number of case status transitions.",
		}, []string{"case_definition_id", "status"}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseportal_events_published_total",
			Help: "Total number of case event publish attempts.",
		}, []string{"type", "status"}),

		// Schema cache
		SchemaCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseportal_schema_cache_hits_total",
			Help: "Total compiled schema cache hits.",
		}),
		SchemaCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseportal_schema_cache_misses_total",
			Help: "Total compiled schema cache misses.",
		}),
		SchemaCompilationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseportal_schema_compilations_total",
			Help: "Total schema compilations.",
		}, []string{"status"}),

		// Definitions
		DefinitionsDeployedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseportal_definitions_deployed_total",
			Help: "Total definition deployment passes.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caseportal_definitions_loaded",
			Help: "Number of loaded case definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Cases
		m.CaseOperationsTotal,
		m.CaseOperationDuration,
		m.CasesCreatedTotal,
		m.SubmissionValidationFail,
		m.StatusTransitionsTotal,
		m.EventsPublishedTotal,
		// Schema cache
		m.SchemaCacheHitsTotal,
		m.SchemaCacheMissesTotal,
		m.SchemaCompilationsTotal,
		// Definitions
		m.DefinitionsDeployedTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordCaseOperation records the outcome of a case operation.
func (m *Metrics) RecordCaseOperation(operation, status string, duration time.Duration) {
	m.CaseOperationsTotal.WithLabelValues(operation, status).Inc()
	m.CaseOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCaseCreated records a created case.
func (m *Metrics) RecordCaseCreated(definitionID string) {
	m.CasesCreatedTotal.WithLabelValues(definitionID).Inc()
}

// RecordSubmissionValidationFailure records a rejected submission.
func (m *Metrics) RecordSubmissionValidationFailure(definitionID, code string) {
	m.SubmissionValidationFail.WithLabelValues(definitionID, code).Inc()
}

// RecordStatusTransition records a case entering status.
func (m *Metrics) RecordStatusTransition(definitionID, status string) {
	m.StatusTransitionsTotal.WithLabelValues(definitionID, status).Inc()
}

// RecordEventPublished records a publish attempt.
func (m *Metrics) RecordEventPublished(eventType, status string) {
	m.EventsPublishedTotal.WithLabelValues(eventType, status).Inc()
}

// RecordSchemaCache records a compiled schema cache lookup.
func (m *Metrics) RecordSchemaCache(hit bool) {
	if hit {
		m.SchemaCacheHitsTotal.Inc()
		return
	}
	m.SchemaCacheMissesTotal.Inc()
}

// RecordSchemaCompilation records a schema compilation.
func (m *Metrics) RecordSchemaCompilation(status string) {
	m.SchemaCompilationsTotal.WithLabelValues(status).Inc()
}

// RecordDefinitionDeploy records a definition deployment pass.
func (m *Metrics) RecordDefinitionDeploy(status string) {
	m.DefinitionsDeployedTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// --- Observer adapters ---

// OnCaseOperation implements cases.CaseObserver.
func (m *Metrics) OnCaseOperation(_ context.Context, op cases.CaseOperation) {
	m.RecordCaseOperation(op.Operation, outcome(op.Success), op.Duration)
	switch {
	case op.Success && op.Operation == cases.OpCreate:
		m.RecordCaseCreated(op.CaseDefinitionID)
		m.RecordStatusTransition(op.CaseDefinitionID, op.Status)
	case op.Success && op.Status != "" &&
		(op.Operation == cases.OpChangeStatus || op.Operation == cases.OpApplyStatusUpdate):
		m.RecordStatusTransition(op.CaseDefinitionID, op.Status)
	case op.Code == model.ErrValidationError, op.Code == model.ErrEmptyData:
		m.RecordSubmissionValidationFailure(op.CaseDefinitionID, op.Code)
	}
}

// OnSchemaCache implements schema.CacheObserver.
func (m *Metrics) OnSchemaCache(_ string, hit bool) {
	m.RecordSchemaCache(hit)
}

// OnSchemaCompile implements schema.CacheObserver.
func (m *Metrics) OnSchemaCompile(_ string, err error) {
	m.RecordSchemaCompilation(outcome(err == nil))
}

// OnDeploy implements definition.DeployObserver.
func (m *Metrics) OnDeploy(result definition.DeployResult, err error) {
	if err != nil {
		m.RecordDefinitionDeploy("failure")
		return
	}
	m.RecordDefinitionDeploy("success")
	m.SetDefinitionsLoaded(float64(result.Total))
}

// OnEventPublished implements events.PublishObserver.
func (m *Metrics) OnEventPublished(eventType string, err error) {
	m.RecordEventPublished(eventType, outcome(err == nil))
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
