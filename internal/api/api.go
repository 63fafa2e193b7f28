package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"eversaid-wrapper/internal/admission"
	"eversaid-wrapper/internal/config"
	"eversaid-wrapper/internal/metrics"
	"eversaid-wrapper/internal/quota"
	"eversaid-wrapper/internal/session"
)

type Dependencies struct {
	Config   config.Config
	Sessions *session.Resolver
	Pipeline *admission.Pipeline
	Limiter  *quota.Limiter
	Store    Pinger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

func New(dep Dependencies) http.Handler {
	now := dep.Now
	if now == nil {
		now = time.Now
	}
	sessions := dep.Sessions
	if sessions == nil {
		sessions = session.NewResolver(session.Options{Now: now})
	}
	api := &server{
		cfg:      dep.Config,
		sessions: sessions,
		pipeline: dep.Pipeline,
		limiter:  dep.Limiter,
		store:    dep.Store,
		metrics:  dep.Metrics,
		burst:    newBurstGuard(dep.Config.BurstRPS, dep.Config.BurstSize, now),
		now:      now,
	}

	r := chi.NewRouter()
	if dep.Config.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(api.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(corsMiddleware(dep.Config.CORSOrigins))
	r.Use(api.observeMetrics)

	r.Get("/health", api.handleHealth)
	r.Get("/healthz", api.handleHealthz)
	r.Get("/readyz", api.handleReadyz)
	r.Get("/metrics", api.handleMetrics)
	r.Get("/openapi.yml", serveOpenAPISpec)
	r.Get("/docs", serveOpenAPIDocs)

	r.Route("/api", func(r chi.Router) {
		r.Get("/config", api.handleGetConfig)
		r.Get("/meta", api.handleGetMeta)
		r.Get("/usage", api.handleGetUsage)

		r.Group(func(r chi.Router) {
			r.Use(api.limitBursts)
			r.Post("/transcribe", api.handleTranscribe)
			r.Post("/cleaned-entries/{cleanupId}/analyze", api.handleAnalyze)
		})
	})

	return r
}
