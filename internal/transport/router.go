package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/idempotency"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/workflow"
)

// Dependencies holds everything injected into the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Engine       *workflow.Engine
	Authenticate func(http.Handler) http.Handler

	// Idempotency is optional; nil disables replay of stage actions.
	Idempotency idempotency.Store

	// Metrics is optional; nil disables request metrics and the /metrics
	// route.
	Metrics        *observability.Metrics
	MetricsHandler http.Handler

	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass
// authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.MetricsHandler != nil {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.MetricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	var replayMetrics ReplayMetrics
	if deps.Metrics != nil {
		replayMetrics = deps.Metrics
	}
	ttl := deps.Config.Idempotency.DefaultTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	idempotent := Idempotent(deps.Idempotency, ttl, replayMetrics, logger)

	e := deps.Engine
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/catalog", handleCatalog(e))
		r.Get("/modules/{module}/entities/{entityId}/workflow", handleWorkflowByEntity(e))

		r.Route("/workflows", func(r chi.Router) {
			r.With(idempotent).Post("/", handleWorkflowCreate(e))
			r.Get("/", handleWorkflowList(e))

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handleWorkflowGet(e))
				r.Get("/current-stage", handleCurrentStage(e))
				r.Get("/complete", handleWorkflowComplete(e))
				r.Get("/history", handleWorkflowHistory(e))
				r.With(idempotent).Post("/cancel", handleWorkflowCancel(e))

				r.Route("/stages/{stageNumber}", func(r chi.Router) {
					r.Get("/can-approve", handleCanApprove(e))

					r.Group(func(r chi.Router) {
						r.Use(idempotent)
						r.Post("/approve", handleStageAction(e, (*workflow.Engine).ApproveStage))
						r.Post("/reject", handleStageAction(e, (*workflow.Engine).RejectStage))
						r.Post("/request-info", handleStageAction(e, (*workflow.Engine).RequestMoreInfo))
					})
				})
			})
		})
	})

	return r
}
