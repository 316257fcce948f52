package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/caseportal/internal/config"
	"github.com/pitabwire/caseportal/internal/observability"
	"github.com/pitabwire/caseportal/internal/openapi"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Cases        CaseService
	Definitions  DefinitionLookup
	API          *openapi.Index
	Metrics      *observability.Metrics
	Readiness    *observability.Readiness
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the API document
// bypass the authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	readiness := deps.Readiness
	if readiness == nil {
		readiness = observability.NewReadiness(nil)
	}
	r.Get("/ready", readiness.Handler())
	if m := deps.Config.Observability.Metrics; m.Enabled {
		path := m.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}
	r.Get("/openapi.yaml", handleOpenAPIDocument(openapi.Document()))

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(AttachCaller(logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(BodyLimit(deps.Config.Server.MaxBodyBytes))
		r.Use(RequestLogging(logger))

		r.Post("/cases", handleCreateCase(deps.Cases, deps.API))
		r.Get("/cases", handleListCases(deps.Cases))
		r.Get("/cases/{caseId}", handleGetCase(deps.Cases))
		r.Patch("/cases/{caseId}/submission", handleUpdateSubmission(deps.Cases, deps.API))
		r.Put("/cases/{caseId}/status", handleChangeStatus(deps.Cases, deps.API))
		r.Put("/cases/{caseId}/external-id", handleAssignExternalID(deps.Cases, deps.API))
		r.Get("/case-definitions/{definitionId}", handleGetCaseDefinition(deps.Definitions))
	})

	return r
}
