// Package session resolves the caller identity used for the session quota tier.
//
// Tokens are self-describing: "v1.<issued unix seconds>.<base64url 32 random
// bytes>". The issue time lets the resolver enforce the absolute expiry
// without a lookup, so resolution never blocks on I/O.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	tokenVersion = "v1"
	entropyBytes = 32

	DefaultCookieName = "eversaid_session_id"
	DefaultDuration   = 7 * 24 * time.Hour
)

type Session struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time
	// New is set when the token was minted during this resolution and must be
	// sent back to the client.
	New bool
}

type Options struct {
	CookieName string
	Duration   time.Duration
	Secure     bool
	Now        func() time.Time
}

type Resolver struct {
	cookieName string
	duration   time.Duration
	secure     bool
	now        func() time.Time
}

func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		cookieName: strings.TrimSpace(opts.CookieName),
		duration:   opts.Duration,
		secure:     opts.Secure,
		now:        opts.Now,
	}
	if r.cookieName == "" {
		r.cookieName = DefaultCookieName
	}
	if r.duration <= 0 {
		r.duration = DefaultDuration
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Resolver) CookieName() string { return r.cookieName }

// Resolve returns the session carried by token, or a freshly minted one when
// token is empty, malformed or expired.
func (r *Resolver) Resolve(token string) Session {
	now := r.now().UTC()
	if created, ok := parseToken(token); ok {
		expires := created.Add(r.duration)
		if now.Before(expires) && !created.After(now.Add(time.Minute)) {
			return Session{ID: token, CreatedAt: created, ExpiresAt: expires}
		}
	}
	return r.mint(now)
}

// ResolveRequest reads the identity carrier from r's cookies.
func (r *Resolver) ResolveRequest(req *http.Request) Session {
	token := ""
	if c, err := req.Cookie(r.cookieName); err == nil {
		token = c.Value
	}
	return r.Resolve(token)
}

// Cookie builds the credential that propagates s back to the client.
func (r *Resolver) Cookie(s Session) *http.Cookie {
	maxAge := int(s.ExpiresAt.Sub(r.now()).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	return &http.Cookie{
		Name:     r.cookieName,
		Value:    s.ID,
		Path:     "/",
		Expires:  s.ExpiresAt,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   r.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (r *Resolver) mint(now time.Time) Session {
	buf := make([]byte, entropyBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("session: entropy source failed: " + err.Error())
	}
	created := now.Truncate(time.Second)
	id := tokenVersion + "." + strconv.FormatInt(created.Unix(), 10) + "." + base64.RawURLEncoding.EncodeToString(buf)
	return Session{
		ID:        id,
		CreatedAt: created,
		ExpiresAt: created.Add(r.duration),
		New:       true,
	}
}

func parseToken(token string) (time.Time, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return time.Time{}, false
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != tokenVersion {
		return time.Time{}, false
	}
	issued, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || issued <= 0 {
		return time.Time{}, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(raw) != entropyBytes {
		return time.Time{}, false
	}
	return time.Unix(issued, 0).UTC(), true
}
