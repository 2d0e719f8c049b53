package api

import (
	"net/http"

	"trainingjobs/internal/auth"
	"trainingjobs/internal/health"
	"trainingjobs/internal/job"
	"trainingjobs/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	// Verifier checks bearer tokens. When nil the caller is taken from the
	// X-User-Id header, which is only suitable for development.
	Verifier *auth.Verifier
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job endpoints - caller identity required
	authMiddleware := AuthMiddleware(cfg.Verifier)
	mux.Handle("POST /v1/jobs", authMiddleware(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", authMiddleware(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.CancelJob)))
	mux.Handle("GET /v1/jobs/{jobId}/artifacts", authMiddleware(http.HandlerFunc(handler.GetArtifacts)))
	mux.Handle("GET /v1/performance", authMiddleware(http.HandlerFunc(handler.Performance)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
