package api

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"eversaid-wrapper/internal/admission"
	"eversaid-wrapper/internal/captcha"
	"eversaid-wrapper/internal/config"
	"eversaid-wrapper/internal/coreapi"
	"eversaid-wrapper/internal/metrics"
	"eversaid-wrapper/internal/quota"
	"eversaid-wrapper/internal/quota/quotatest"
	"eversaid-wrapper/internal/session"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	srv   *httptest.Server
	store *quotatest.MemoryStore
	cfg   config.Config
}

func testConfig() config.Config {
	return config.Config{
		QuotaBackend:            "sql",
		MaxAudioDurationSeconds: 180,
		UploadMaxBytes:          10 << 20,
		TranscribeLimits:        config.Limits{SessionPerDay: 5, AddressPerDay: 20, GlobalPerDay: 100},
		LLMLimits:               config.Limits{SessionPerDay: 10, AddressPerDay: 50, GlobalPerDay: 500},
		PostHogKey:              "phc_test",
		PostHogHost:             "https://eu.posthog.com",
		CORSOrigins:             []string{"http://localhost:3000"},
	}
}

// newTestEnv wires the real pipeline against an in-memory store. core is the
// fake downstream; a nil core points the client at a closed port.
func newTestEnv(t *testing.T, cfg config.Config, core http.Handler) *testEnv {
	t.Helper()

	coreURL := "http://127.0.0.1:1"
	if core != nil {
		coreSrv := httptest.NewServer(core)
		t.Cleanup(coreSrv.Close)
		coreURL = coreSrv.URL
	}

	now := func() time.Time { return testNow }
	st := quotatest.NewMemoryStore()
	m := metrics.New()
	sessions := session.NewResolver(session.Options{Now: now})
	limiter := quota.NewLimiter(quota.Options{
		Store: st,
		Limits: map[quota.Action]quota.Limits{
			quota.ActionTranscribe: cfg.TranscribeLimits,
			quota.ActionLLM:        cfg.LLMLimits,
		},
		Now: now,
	})
	pipeline := admission.New(admission.Options{
		Resolver:           sessions,
		Captcha:            captcha.New(captcha.Options{Enabled: false}),
		Limiter:            limiter,
		Downstream:         coreapi.New(coreapi.Options{BaseURL: coreURL, Timeout: 2 * time.Second}),
		MaxDurationSeconds: float64(cfg.MaxAudioDurationSeconds),
		Metrics:            m,
	})

	handler := New(Dependencies{
		Config:   cfg,
		Sessions: sessions,
		Pipeline: pipeline,
		Limiter:  limiter,
		Store:    pingStub{},
		Metrics:  m,
		Now:      now,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, cfg: cfg}
}

type pingStub struct{ err error }

func (p pingStub) Ping(_ context.Context) error { return p.err }

func makeWAV(seconds int) []byte {
	const rate = 8000
	dataLen := uint32(seconds * rate)
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36)+dataLen)
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(8))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(bytes.Repeat([]byte{0x80}, int(dataLen)))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, url string, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return do(t, req)
}

func decodeJSONResponse(t *testing.T, res *http.Response, dst any) {
	t.Helper()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		t.Fatalf("decode %s: %v", string(body), err)
	}
}

func sessionCookie(res *http.Response) *http.Cookie {
	for _, c := range res.Cookies() {
		if c.Name == session.DefaultCookieName {
			return c
		}
	}
	return nil
}
