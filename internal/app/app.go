package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"eversaid-wrapper/internal/admission"
	"eversaid-wrapper/internal/api"
	"eversaid-wrapper/internal/captcha"
	"eversaid-wrapper/internal/config"
	"eversaid-wrapper/internal/coreapi"
	"eversaid-wrapper/internal/db"
	"eversaid-wrapper/internal/dirlock"
	"eversaid-wrapper/internal/logging"
	"eversaid-wrapper/internal/metrics"
	"eversaid-wrapper/internal/quota"
	"eversaid-wrapper/internal/redisstore"
	"eversaid-wrapper/internal/session"
	"eversaid-wrapper/internal/store"
)

const (
	QuotaBackendSQL   = "sql"
	QuotaBackendRedis = "redis"

	defaultCoreAPIURL     = "http://localhost:8000"
	defaultCoreAPITimeout = 120 * time.Second
	defaultUploadMaxBytes = 100 << 20
	defaultBurstSize      = 10

	maintenanceInterval = time.Hour
)

// quotaBackend is what both durable stores provide.
type quotaBackend interface {
	quota.Store
	Ping(ctx context.Context) error
	Close() error
}

// sqliteBackend owns the data directory lock for as long as the store is open.
type sqliteBackend struct {
	*store.Store
	lock *dirlock.Lock
}

func (b *sqliteBackend) Close() error {
	err := b.Store.Close()
	if lerr := b.lock.Release(); err == nil {
		err = lerr
	}
	return err
}

type bucketPruner interface {
	PruneBefore(ctx context.Context, day string) (int64, error)
}

func Run(ctx context.Context, cfg config.Config) error {
	applySafeDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return fmt.Errorf("invalid addr %q (expected host:port): %w", cfg.Addr, err)
	}

	backend, err := openQuotaBackend(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = backend.Close()
	}()

	logConfigBanner(cfg)

	m := metrics.New()
	sessions := session.NewResolver(session.Options{
		CookieName: cfg.SessionCookieName,
		Duration:   cfg.SessionDuration,
		Secure:     cfg.SessionCookieSecure,
	})
	limiter := quota.NewLimiter(quota.Options{
		Store: backend,
		Limits: map[quota.Action]quota.Limits{
			quota.ActionTranscribe: cfg.TranscribeLimits,
			quota.ActionLLM:        cfg.LLMLimits,
		},
	})
	pipeline := admission.New(admission.Options{
		Resolver: sessions,
		Captcha: captcha.New(captcha.Options{
			Enabled:   cfg.TurnstileEnabled,
			SecretKey: cfg.TurnstileSecretKey,
			VerifyURL: cfg.TurnstileVerifyURL,
			Timeout:   cfg.TurnstileTimeout,
		}),
		Limiter: limiter,
		Downstream: coreapi.New(coreapi.Options{
			BaseURL: cfg.CoreAPIURL,
			Timeout: cfg.CoreAPITimeout,
		}),
		MaxDurationSeconds: float64(cfg.MaxAudioDurationSeconds),
		Metrics:            m,
	})

	if p, ok := backend.(bucketPruner); ok && cfg.QuotaRetention > 0 {
		go runMaintenance(ctx, p, cfg.QuotaRetention, m, time.Now)
	}

	handler := api.New(api.Dependencies{
		Config:   cfg,
		Sessions: sessions,
		Pipeline: pipeline,
		Limiter:  limiter,
		Store:    backend,
		Metrics:  m,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      0,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("listening on http://%s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func applySafeDefaults(cfg *config.Config) {
	cfg.QuotaBackend = strings.TrimSpace(strings.ToLower(cfg.QuotaBackend))
	if cfg.QuotaBackend == "" {
		cfg.QuotaBackend = QuotaBackendSQL
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.QuotaRetention < 0 {
		cfg.QuotaRetention = 0
	}
	if strings.TrimSpace(cfg.CoreAPIURL) == "" {
		cfg.CoreAPIURL = defaultCoreAPIURL
	}
	if cfg.CoreAPITimeout <= 0 {
		cfg.CoreAPITimeout = defaultCoreAPITimeout
	}
	if cfg.SessionCookieName == "" {
		cfg.SessionCookieName = session.DefaultCookieName
	}
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = session.DefaultDuration
	}
	clampLimits(&cfg.TranscribeLimits)
	clampLimits(&cfg.LLMLimits)
	if cfg.MaxAudioDurationSeconds < 0 {
		cfg.MaxAudioDurationSeconds = 0
	}
	if cfg.UploadMaxBytes <= 0 {
		cfg.UploadMaxBytes = defaultUploadMaxBytes
	}
	if cfg.TurnstileVerifyURL == "" {
		cfg.TurnstileVerifyURL = captcha.DefaultVerifyURL
	}
	if cfg.TurnstileTimeout <= 0 {
		cfg.TurnstileTimeout = captcha.DefaultTimeout
	}
	if cfg.BurstRPS < 0 {
		cfg.BurstRPS = 0
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = defaultBurstSize
	}
}

// clampLimits turns negative ceilings into 0, which rejects every request
// on that tier.
func clampLimits(l *config.Limits) {
	if l.SessionPerDay < 0 {
		l.SessionPerDay = 0
	}
	if l.AddressPerDay < 0 {
		l.AddressPerDay = 0
	}
	if l.GlobalPerDay < 0 {
		l.GlobalPerDay = 0
	}
}

func validateConfig(cfg config.Config) error {
	if cfg.TurnstileEnabled && strings.TrimSpace(cfg.TurnstileSecretKey) == "" {
		return errors.New("TURNSTILE_SECRET_KEY is required when TURNSTILE_ENABLED is set")
	}
	switch cfg.QuotaBackend {
	case QuotaBackendSQL:
		backend, err := db.ParseBackend(cfg.DBBackend)
		if err != nil {
			return err
		}
		if backend == db.BackendPostgres && strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("DATABASE_URL (or --database-url) is required when db-backend=postgres")
		}
	case QuotaBackendRedis:
	default:
		return fmt.Errorf("unsupported quota backend %q (expected sql or redis)", cfg.QuotaBackend)
	}
	return nil
}

func openQuotaBackend(cfg config.Config) (quotaBackend, error) {
	if cfg.QuotaBackend == QuotaBackendRedis {
		st, err := redisstore.NewFromEnv()
		if err != nil {
			return nil, fmt.Errorf("open redis quota store: %w", err)
		}
		return st, nil
	}

	dbBackend, err := db.ParseBackend(cfg.DBBackend)
	if err != nil {
		return nil, err
	}
	if dbBackend == db.BackendPostgres {
		return openSQLStore(db.Config{Backend: dbBackend, DatabaseURL: cfg.DatabaseURL})
	}

	lock, err := dirlock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	dbPath := filepath.Join(cfg.DataDir, "eversaid.db")
	st, err := openSQLStore(db.Config{Backend: dbBackend, SQLitePath: dbPath})
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	_ = os.Chmod(dbPath, 0o600)
	return &sqliteBackend{Store: st, lock: lock}, nil
}

func openSQLStore(cfg db.Config) (*store.Store, error) {
	gormDB, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.New(gormDB, store.Options{})
	if err != nil {
		if sqlDB, dbErr := gormDB.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return st, nil
}

// runMaintenance deletes quota buckets older than retention, once at start
// and then every maintenanceInterval.
func runMaintenance(ctx context.Context, p bucketPruner, retention time.Duration, m *metrics.Metrics, now func() time.Time) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		pruneOnce(ctx, p, retention, m, now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pruneOnce(ctx context.Context, p bucketPruner, retention time.Duration, m *metrics.Metrics, now time.Time) int64 {
	cutoff := quota.Day(now.Add(-retention))
	removed, err := p.PruneBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			logging.Error(ctx, "Quota prune failed", logging.Fields{"before": cutoff, "error": err.Error()})
		}
		return 0
	}
	if removed > 0 {
		m.AddQuotaPruned(removed)
		logging.Info(ctx, "Pruned quota buckets", logging.Fields{"before": cutoff, "removed": removed})
	}
	return removed
}

func logConfigBanner(cfg config.Config) {
	secret := "unset"
	if cfg.TurnstileSecretKey != "" {
		secret = "set"
	}
	logging.Info(context.Background(), "Gate configuration", logging.Fields{
		"addr":                 cfg.Addr,
		"quota_backend":        cfg.QuotaBackend,
		"db_backend":           cfg.DBBackend,
		"quota_retention":      cfg.QuotaRetention.String(),
		"core_api_url":         cfg.CoreAPIURL,
		"transcribe_limits":    formatLimits(cfg.TranscribeLimits),
		"llm_limits":           formatLimits(cfg.LLMLimits),
		"max_audio_duration_s": cfg.MaxAudioDurationSeconds,
		"upload_max_bytes":     cfg.UploadMaxBytes,
		"turnstile_enabled":    cfg.TurnstileEnabled,
		"turnstile_active":     cfg.TurnstileActive(),
		"turnstile_secret":     secret,
		"cors_origins":         strings.Join(cfg.CORSOrigins, ","),
		"trust_proxy_headers":  cfg.TrustProxyHeaders,
		"burst_rps":            cfg.BurstRPS,
	})
}

func formatLimits(l config.Limits) string {
	return fmt.Sprintf("session=%d address=%d global=%d", l.SessionPerDay, l.AddressPerDay, l.GlobalPerDay)
}
