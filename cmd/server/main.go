package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"eversaid-wrapper/internal/app"
	"eversaid-wrapper/internal/config"
	"eversaid-wrapper/internal/logging"
)

const defaultCORSOrigins = "http://localhost:3000,http://127.0.0.1:3000"

// stringSliceFlag is seeded from the environment; the first explicit flag
// replaces the seeded values instead of appending to them.
type stringSliceFlag struct {
	values []string
	set    bool
}

func (s *stringSliceFlag) String() string {
	return strings.Join(s.values, ",")
}

func (s *stringSliceFlag) Set(val string) error {
	if !s.set {
		s.values = nil
		s.set = true
	}
	s.values = append(s.values, splitList(val)...)
	return nil
}

func main() {
	var cfg config.Config

	flag.StringVar(&cfg.Addr, "addr", getEnv("ADDR", "0.0.0.0:8080"), "listen address")
	flag.StringVar(&cfg.DataDir, "data-dir", getEnv("DATA_DIR", "./data"), "data directory (sqlite quota db)")
	flag.StringVar(&cfg.DBBackend, "db-backend", getEnv("DB_BACKEND", "sqlite"), "database backend for the sql quota store (sqlite or postgres)")
	flag.StringVar(&cfg.DatabaseURL, "database-url", getEnv("DATABASE_URL", ""), "postgres connection string (required when db-backend=postgres)")
	flag.StringVar(&cfg.QuotaBackend, "quota-backend", getEnv("QUOTA_BACKEND", "sql"), "quota store (sql or redis; redis reads REDIS_ADDR)")
	flag.DurationVar(&cfg.QuotaRetention, "quota-retention", getEnvDuration("QUOTA_RETENTION", 0), "delete quota buckets older than this duration (0=keep forever)")
	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format (text or json)")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	flag.StringVar(&cfg.CoreAPIURL, "core-api-url", getEnv("CORE_API_URL", "http://localhost:8000"), "base URL of the transcription core")
	flag.DurationVar(&cfg.CoreAPITimeout, "core-api-timeout", getEnvDuration("CORE_API_TIMEOUT", 120*time.Second), "timeout for forwarded requests")

	flag.StringVar(&cfg.SessionCookieName, "session-cookie-name", getEnv("SESSION_COOKIE_NAME", "eversaid_session_id"), "session cookie name")
	sessionDays := flag.Int("session-duration-days", getEnvInt("SESSION_DURATION_DAYS", 7), "session lifetime in days")
	flag.BoolVar(&cfg.SessionCookieSecure, "session-cookie-secure", getEnvBool("SESSION_COOKIE_SECURE", false), "mark the session cookie Secure")

	flag.IntVar(&cfg.TranscribeLimits.SessionPerDay, "rate-limit-day", getEnvInt("RATE_LIMIT_DAY", 20), "transcriptions per session per day")
	flag.IntVar(&cfg.TranscribeLimits.AddressPerDay, "rate-limit-ip-day", getEnvInt("RATE_LIMIT_IP_DAY", 20), "transcriptions per source address per day")
	flag.IntVar(&cfg.TranscribeLimits.GlobalPerDay, "rate-limit-global-day", getEnvInt("RATE_LIMIT_GLOBAL_DAY", 1000), "transcriptions per day across all callers")
	flag.IntVar(&cfg.LLMLimits.SessionPerDay, "rate-limit-llm-day", getEnvInt("RATE_LIMIT_LLM_DAY", 200), "llm calls per session per day")
	flag.IntVar(&cfg.LLMLimits.AddressPerDay, "rate-limit-llm-ip-day", getEnvInt("RATE_LIMIT_LLM_IP_DAY", 200), "llm calls per source address per day")
	flag.IntVar(&cfg.LLMLimits.GlobalPerDay, "rate-limit-llm-global-day", getEnvInt("RATE_LIMIT_LLM_GLOBAL_DAY", 10000), "llm calls per day across all callers")

	flag.IntVar(&cfg.MaxAudioDurationSeconds, "max-audio-duration-seconds", getEnvInt("MAX_AUDIO_DURATION_SECONDS", 180), "reject uploads longer than this (0=no limit)")
	flag.Int64Var(&cfg.UploadMaxBytes, "upload-max-bytes", getEnvInt64("UPLOAD_MAX_BYTES", 100<<20), "max upload request size in bytes")

	flag.BoolVar(&cfg.TurnstileEnabled, "turnstile-enabled", getEnvBool("TURNSTILE_ENABLED", false), "require a Turnstile token on gated routes")
	flag.StringVar(&cfg.TurnstileSecretKey, "turnstile-secret-key", getEnv("TURNSTILE_SECRET_KEY", ""), "Turnstile secret key")
	flag.StringVar(&cfg.TurnstileVerifyURL, "turnstile-verify-url", getEnv("TURNSTILE_VERIFY_URL", ""), "Turnstile siteverify URL (empty=Cloudflare)")
	flag.DurationVar(&cfg.TurnstileTimeout, "turnstile-timeout", getEnvDuration("TURNSTILE_TIMEOUT", 10*time.Second), "Turnstile verification timeout")

	corsOrigins := stringSliceFlag{values: splitList(getEnv("CORS_ORIGINS", defaultCORSOrigins))}
	flag.Var(&corsOrigins, "cors-origin", "allowed CORS origin (repeatable or comma separated)")
	flag.BoolVar(&cfg.TrustProxyHeaders, "trust-proxy-headers", getEnvBool("TRUST_PROXY_HEADERS", false), "take the client address from X-Forwarded-For / X-Real-IP")
	flag.Float64Var(&cfg.BurstRPS, "burst-rps", getEnvFloat("BURST_RPS", 0), "per-address requests per second on gated routes (0=off)")
	flag.IntVar(&cfg.BurstSize, "burst-size", getEnvInt("BURST_SIZE", 10), "per-address burst on gated routes")

	flag.StringVar(&cfg.PostHogKey, "posthog-key", getEnv("POSTHOG_KEY", ""), "PostHog project key exposed to the frontend")
	flag.StringVar(&cfg.PostHogHost, "posthog-host", getEnv("POSTHOG_HOST", "/ingest"), "PostHog host exposed to the frontend")
	flag.Parse()

	logger, err := logging.Setup(cfg.LogFormat)
	if err != nil {
		log.Fatalf("invalid LOG_FORMAT %q: %v", cfg.LogFormat, err)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("invalid LOG_LEVEL %q: %v", cfg.LogLevel, err)
	}
	logger.SetLevel(level)

	cfg.SessionDuration = time.Duration(*sessionDays) * 24 * time.Hour
	cfg.CORSOrigins = corsOrigins.values

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		logging.Fatalf("server error: %v", err)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(val) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}
