package captcha

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

type formRecorder struct {
	mu    sync.Mutex
	forms []url.Values
}

func (r *formRecorder) all() []url.Values {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]url.Values(nil), r.forms...)
}

func newVerifier(t *testing.T, status int, body string) (*httptest.Server, *formRecorder) {
	t.Helper()
	rec := &formRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		rec.mu.Lock()
		rec.forms = append(rec.forms, r.PostForm)
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func newTestGate(url string) *Gate {
	return New(Options{Enabled: true, SecretKey: "shh", VerifyURL: url, Timeout: 2 * time.Second})
}

func TestVerifyDisabledIsNoOp(t *testing.T) {
	g := New(Options{Enabled: false, VerifyURL: "http://127.0.0.1:1"})
	if err := g.Verify(context.Background(), "", ""); err != nil {
		t.Fatalf("disabled gate rejected: %v", err)
	}
}

func TestVerifyRequiresToken(t *testing.T) {
	srv, calls := newVerifier(t, http.StatusOK, `{"success":true}`)
	g := newTestGate(srv.URL)
	if err := g.Verify(context.Background(), "  ", "1.2.3.4"); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("err=%v, want ErrTokenRequired", err)
	}
	if len(calls.all()) != 0 {
		t.Fatalf("verifier should not be called without a token")
	}
}

func TestVerifySuccessSendsForm(t *testing.T) {
	srv, calls := newVerifier(t, http.StatusOK, `{"success":true,"error-codes":[]}`)
	g := newTestGate(srv.URL)
	if err := g.Verify(context.Background(), "tok", "203.0.113.5"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	forms := calls.all()
	if len(forms) != 1 {
		t.Fatalf("calls=%d, want 1", len(forms))
	}
	form := forms[0]
	if form.Get("secret") != "shh" || form.Get("response") != "tok" || form.Get("remoteip") != "203.0.113.5" {
		t.Fatalf("unexpected form %v", form)
	}
}

func TestVerifyOmitsEmptyRemoteIP(t *testing.T) {
	srv, calls := newVerifier(t, http.StatusOK, `{"success":true}`)
	g := newTestGate(srv.URL)
	if err := g.Verify(context.Background(), "tok", ""); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, ok := calls.all()[0]["remoteip"]; ok {
		t.Fatalf("remoteip should be omitted when unknown")
	}
}

func TestVerifyFailureCarriesCodes(t *testing.T) {
	srv, _ := newVerifier(t, http.StatusOK, `{"success":false,"error-codes":["invalid-input-response","timeout-or-duplicate"]}`)
	g := newTestGate(srv.URL)
	err := g.Verify(context.Background(), "bad", "")
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("err=%v, want *VerificationError", err)
	}
	if len(verr.Codes) != 2 || verr.Codes[0] != "invalid-input-response" {
		t.Fatalf("codes=%v", verr.Codes)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatalf("definitive failure must not read as unavailable")
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "malformed json", status: http.StatusOK, body: `<html>oops</html>`},
		{name: "missing success flag", status: http.StatusOK, body: `{"error-codes":[]}`},
		{name: "server error", status: http.StatusBadGateway, body: `{"success":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newVerifier(t, tc.status, tc.body)
			g := newTestGate(srv.URL)
			if err := g.Verify(context.Background(), "tok", ""); !errors.Is(err, ErrUnavailable) {
				t.Fatalf("err=%v, want ErrUnavailable", err)
			}
		})
	}
}

func TestVerifyUnreachableRejectsEveryAttempt(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	g := newTestGate(addr)
	for i := 0; i < 5; i++ {
		if err := g.Verify(context.Background(), "any-token", ""); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("attempt %d: err=%v, want ErrUnavailable", i, err)
		}
	}
}

func TestVerifyTimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	g := New(Options{Enabled: true, SecretKey: "shh", VerifyURL: srv.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	err := g.Verify(context.Background(), "tok", "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v, want ErrUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("verify took %s, timeout not applied", elapsed)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	g := New(Options{Enabled: true})
	if g.verifyURL != DefaultVerifyURL {
		t.Fatalf("verifyURL=%q", g.verifyURL)
	}
	if g.timeout != DefaultTimeout {
		t.Fatalf("timeout=%s, want %s", g.timeout, DefaultTimeout)
	}
	if !g.Enabled() {
		t.Fatalf("gate should report enabled")
	}
}
