package api

import (
	"context"
	"time"

	"eversaid-wrapper/internal/admission"
	"eversaid-wrapper/internal/config"
	"eversaid-wrapper/internal/metrics"
	"eversaid-wrapper/internal/quota"
	"eversaid-wrapper/internal/session"
)

// Pinger reports whether the quota backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type server struct {
	cfg      config.Config
	sessions *session.Resolver
	pipeline *admission.Pipeline
	limiter  *quota.Limiter
	store    Pinger
	metrics  *metrics.Metrics
	burst    *burstGuard
	now      func() time.Time
}
