package admission

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"eversaid-wrapper/internal/audio"
	"eversaid-wrapper/internal/captcha"
	"eversaid-wrapper/internal/quota"
)

// Kind is the stable, client-facing code of a rejection.
type Kind string

const (
	KindRateLimitExceeded  Kind = "rate_limit_exceeded"
	KindCaptchaRequired    Kind = "captcha_required"
	KindCaptchaFailed      Kind = "captcha_failed"
	KindCaptchaUnavailable Kind = "captcha_unavailable"
	KindDurationExceeded   Kind = "duration_exceeded"
	KindQuotaUnavailable   Kind = "quota_unavailable"
	KindServiceUnavailable Kind = "service_unavailable"
)

// Rejection is a terminal gate outcome. Err holds the underlying cause for
// logs; it is never shown to clients.
type Rejection struct {
	Kind     Kind
	Message  string
	Decision quota.Decision
	Err      error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s: %v", r.Kind, r.Message, r.Err)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

func (r *Rejection) Unwrap() error { return r.Err }

func (r *Rejection) HTTPStatus() int {
	switch r.Kind {
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindCaptchaRequired, KindCaptchaFailed, KindCaptchaUnavailable:
		return http.StatusForbidden
	case KindDurationExceeded:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

// RetryAfter is the wait until quota resets, for rate-limit rejections only.
func (r *Rejection) RetryAfter(now time.Time) (time.Duration, bool) {
	if r.Kind != KindRateLimitExceeded || r.Decision.ResetAt.IsZero() {
		return 0, false
	}
	d := r.Decision.ResetAt.Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d, true
}

// Details returns the machine-readable extras for the error envelope. Counts
// are included for the session tier only.
func (r *Rejection) Details() map[string]any {
	if r.Kind != KindRateLimitExceeded {
		return nil
	}
	details := map[string]any{
		"tier":    string(r.Decision.Tier),
		"resetAt": r.Decision.ResetAt.UTC().Format(time.RFC3339),
	}
	if r.Decision.Tier == quota.TierSession {
		details["limit"] = r.Decision.Limit
		details["used"] = r.Decision.Used
	}
	return details
}

func rateLimited(d quota.Decision) *Rejection {
	msg := "Daily limit reached. Try again tomorrow."
	switch d.Tier {
	case quota.TierAddress:
		msg = "Daily limit for your network reached. Try again tomorrow."
	case quota.TierGlobal:
		msg = "Service is at capacity for today. Try again tomorrow."
	}
	return &Rejection{Kind: KindRateLimitExceeded, Message: msg, Decision: d}
}

func captchaRejection(err error) *Rejection {
	var verr *captcha.VerificationError
	switch {
	case errors.Is(err, captcha.ErrTokenRequired):
		return &Rejection{Kind: KindCaptchaRequired, Message: "CAPTCHA token required", Err: err}
	case errors.As(err, &verr):
		return &Rejection{Kind: KindCaptchaFailed, Message: "CAPTCHA verification failed", Err: err}
	default:
		return &Rejection{Kind: KindCaptchaUnavailable, Message: "CAPTCHA verification unavailable", Err: err}
	}
}

func precheckRejection(err error) *Rejection {
	var exceeded *audio.DurationExceededError
	if errors.As(err, &exceeded) {
		return &Rejection{Kind: KindDurationExceeded, Message: exceeded.Error(), Err: err}
	}
	return nil
}
