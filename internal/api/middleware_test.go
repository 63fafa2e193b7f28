package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"eversaid-wrapper/internal/metrics"
	"eversaid-wrapper/internal/session"
)

func TestSecurityHeaders_Default(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8080/", nil)

	securityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options=%q, want %q", got, "DENY")
	}
	if got := rr.Header().Get("Content-Security-Policy"); got != "frame-ancestors 'none'" {
		t.Fatalf("Content-Security-Policy=%q, want %q", got, "frame-ancestors 'none'")
	}
	if got := rr.Header().Get("Cross-Origin-Opener-Policy"); got != "same-origin" {
		t.Fatalf("Cross-Origin-Opener-Policy=%q, want %q", got, "same-origin")
	}
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options=%q, want %q", got, "nosniff")
	}
	if got := rr.Header().Get("Referrer-Policy"); got != "no-referrer" {
		t.Fatalf("Referrer-Policy=%q, want %q", got, "no-referrer")
	}
}

func TestSecurityHeaders_SkipsCOOPOnUntrustedOrigin(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://172.18.34.4:8080/", nil)

	securityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)

	if got := rr.Header().Get("Cross-Origin-Opener-Policy"); got != "" {
		t.Fatalf("Cross-Origin-Opener-Policy=%q, want empty", got)
	}
}

func TestRequestLoggerSetsRequestID(t *testing.T) {
	t.Parallel()

	s := &server{sessions: session.NewResolver(session.Options{})}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	var seen string
	s.requestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(requestIDHeader)
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)

	got := rr.Header().Get(requestIDHeader)
	if len(got) != 26 {
		t.Fatalf("X-Request-ID=%q, want a ulid", got)
	}
	if seen != "" {
		t.Fatalf("request ID must not be injected into inbound headers")
	}
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d, want 204", rr.Code)
	}
}

func TestCORSAllowsCaptchaHeader(t *testing.T) {
	t.Parallel()

	h := corsMiddleware([]string{"http://localhost:3000"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/transcribe", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "X-Turnstile-Token")
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("Access-Control-Allow-Credentials=%q", got)
	}
}

func TestBurstGuardRejectsFloods(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &server{
		burst:   newBurstGuard(1, 2, func() time.Time { return now }),
		metrics: metrics.New(),
	}
	h := s.limitBursts(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := []int{}
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/transcribe", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes=%v, want [200 200 429]", codes)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", nil)
	req.RemoteAddr = "192.0.2.2:5555"
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("other address status=%d, want 200", rr.Code)
	}
}

func TestBurstGuardSweepsIdleVisitors(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := newBurstGuard(5, 5, func() time.Time { return now })
	g.allow("a")
	now = now.Add(11 * time.Minute)
	g.allow("b")
	if _, ok := g.visitors["a"]; ok {
		t.Fatalf("idle visitor should be swept")
	}
	if _, ok := g.visitors["b"]; !ok {
		t.Fatalf("active visitor missing")
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	if got := clientIP(req); got != "2001:db8::1" {
		t.Fatalf("clientIP=%q", got)
	}
	req.RemoteAddr = ""
	if got := clientIP(req); got != "unknown" {
		t.Fatalf("clientIP=%q, want unknown", got)
	}
}
