package config

import "time"

// Limits are the three daily ceilings applied to one action.
type Limits struct {
	SessionPerDay int
	AddressPerDay int
	GlobalPerDay  int
}

type Config struct {
	Addr         string
	DataDir      string
	DBBackend    string
	DatabaseURL  string
	QuotaBackend string
	LogFormat    string
	LogLevel     string

	QuotaRetention time.Duration

	CoreAPIURL     string
	CoreAPITimeout time.Duration

	SessionCookieName   string
	SessionDuration     time.Duration
	SessionCookieSecure bool

	TranscribeLimits Limits
	LLMLimits        Limits

	MaxAudioDurationSeconds int
	UploadMaxBytes          int64

	TurnstileEnabled   bool
	TurnstileSecretKey string
	TurnstileVerifyURL string
	TurnstileTimeout   time.Duration

	CORSOrigins       []string
	TrustProxyHeaders bool

	BurstRPS  float64
	BurstSize int

	PostHogKey  string
	PostHogHost string
}

// TurnstileActive reports whether captcha verification will actually run.
func (c Config) TurnstileActive() bool {
	return c.TurnstileEnabled && c.TurnstileSecretKey != ""
}
