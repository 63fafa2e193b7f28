package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestResolveMintsWhenAbsent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewResolver(Options{Now: fixedClock(now)})

	s := r.Resolve("")
	if !s.New {
		t.Fatalf("expected a new session")
	}
	if !strings.HasPrefix(s.ID, "v1.") {
		t.Fatalf("unexpected token format %q", s.ID)
	}
	if want := now.Add(DefaultDuration); !s.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt=%s, want %s", s.ExpiresAt, want)
	}

	other := r.Resolve("")
	if other.ID == s.ID {
		t.Fatalf("two minted tokens collided: %q", s.ID)
	}
}

func TestResolveKeepsValidToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewResolver(Options{Duration: 24 * time.Hour, Now: fixedClock(now)})
	minted := r.Resolve("")

	later := NewResolver(Options{Duration: 24 * time.Hour, Now: fixedClock(now.Add(23 * time.Hour))})
	got := later.Resolve(minted.ID)
	if got.New {
		t.Fatalf("valid token should not be re-issued")
	}
	if got.ID != minted.ID {
		t.Fatalf("ID=%q, want %q", got.ID, minted.ID)
	}
	if !got.ExpiresAt.Equal(minted.ExpiresAt) {
		t.Fatalf("expiry must be absolute: got %s, want %s", got.ExpiresAt, minted.ExpiresAt)
	}
}

func TestResolveReissuesExpiredToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewResolver(Options{Duration: time.Hour, Now: fixedClock(now)})
	minted := r.Resolve("")

	expired := NewResolver(Options{Duration: time.Hour, Now: fixedClock(now.Add(time.Hour))})
	got := expired.Resolve(minted.ID)
	if !got.New || got.ID == minted.ID {
		t.Fatalf("expired token should be replaced, got %+v", got)
	}
}

func TestResolveRejectsMalformedTokens(t *testing.T) {
	r := NewResolver(Options{})
	for _, token := range []string{
		"garbage",
		"v1.abc.def",
		"v2.1700000000.AAAA",
		"v1.1700000000.c2hvcnQ",
		"v1.-5." + strings.Repeat("A", 43),
	} {
		if s := r.Resolve(token); !s.New {
			t.Fatalf("token %q should be treated as absent", token)
		}
	}
}

func TestResolveRequestReadsCookieAndBuildsCookie(t *testing.T) {
	r := NewResolver(Options{CookieName: "sid", Secure: true})
	minted := r.Resolve("")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: minted.ID})
	got := r.ResolveRequest(req)
	if got.New || got.ID != minted.ID {
		t.Fatalf("expected cookie session to be reused, got %+v", got)
	}

	c := r.Cookie(minted)
	if c.Name != "sid" || c.Value != minted.ID {
		t.Fatalf("unexpected cookie %+v", c)
	}
	if !c.HttpOnly || !c.Secure {
		t.Fatalf("cookie should be HttpOnly and Secure: %+v", c)
	}
	if c.MaxAge <= 0 {
		t.Fatalf("MaxAge=%d, want positive", c.MaxAge)
	}
}
