// Package captcha verifies Cloudflare Turnstile tokens. The gate fails closed:
// anything other than a well-formed success reply from the verifier rejects.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"eversaid-wrapper/internal/logging"
)

const (
	DefaultVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	DefaultTimeout   = 10 * time.Second

	// TokenHeader carries the client token so request bodies stay untouched.
	TokenHeader = "X-Turnstile-Token"

	maxReplyBytes = 64 << 10
)

var (
	ErrTokenRequired = errors.New("captcha token required")
	ErrUnavailable   = errors.New("captcha verification unavailable")
)

// VerificationError is a definitive failure reported by the verifier. Codes
// are for logs only.
type VerificationError struct {
	Codes []string
}

func (e *VerificationError) Error() string {
	if len(e.Codes) == 0 {
		return "captcha verification failed"
	}
	return "captcha verification failed: " + strings.Join(e.Codes, ",")
}

type Options struct {
	Enabled    bool
	SecretKey  string
	VerifyURL  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Gate struct {
	enabled   bool
	secret    string
	verifyURL string
	timeout   time.Duration
	client    *http.Client
}

func New(opts Options) *Gate {
	g := &Gate{
		enabled:   opts.Enabled,
		secret:    opts.SecretKey,
		verifyURL: strings.TrimSpace(opts.VerifyURL),
		timeout:   opts.Timeout,
		client:    opts.HTTPClient,
	}
	if g.verifyURL == "" {
		g.verifyURL = DefaultVerifyURL
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.client == nil {
		g.client = &http.Client{}
	}
	return g
}

func (g *Gate) Enabled() bool { return g.enabled }

type siteverifyReply struct {
	Success    *bool    `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify returns nil when the gate is disabled or the verifier accepted the
// token. No retry is attempted; a timeout is reported as ErrUnavailable.
func (g *Gate) Verify(ctx context.Context, token, remoteIP string) error {
	if !g.enabled {
		return nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrTokenRequired
	}

	form := url.Values{}
	form.Set("secret", g.secret)
	form.Set("response", token)
	if ip := strings.TrimSpace(remoteIP); ip != "" {
		form.Set("remoteip", ip)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return g.unavailable(ctx, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return g.unavailable(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return g.unavailable(ctx, fmt.Errorf("verifier status %d", resp.StatusCode))
	}

	var reply siteverifyReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplyBytes)).Decode(&reply); err != nil {
		return g.unavailable(ctx, fmt.Errorf("decode verifier reply: %w", err))
	}
	if reply.Success == nil {
		return g.unavailable(ctx, errors.New("verifier reply missing success flag"))
	}
	if !*reply.Success {
		logging.Warn(ctx, "Turnstile verification failed", logging.Fields{"error_codes": reply.ErrorCodes})
		return &VerificationError{Codes: reply.ErrorCodes}
	}
	return nil
}

func (g *Gate) unavailable(ctx context.Context, err error) error {
	logging.Error(ctx, "Turnstile verification request failed", logging.Fields{"error": err.Error()})
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
