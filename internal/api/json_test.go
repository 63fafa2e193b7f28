package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"eversaid-wrapper/internal/models"
)

func TestWriteErrorAddsNormalizedErrorForKnownCodes(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, http.StatusTooManyRequests, "too_many_requests", "slow down", map[string]any{
		"limit": 10,
	})

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusTooManyRequests)
	}
	if got := rr.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After=%q, want %q", got, "1")
	}

	var resp models.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Error.Code != "too_many_requests" {
		t.Fatalf("error.code=%q, want %q", resp.Error.Code, "too_many_requests")
	}
	if resp.Error.NormalizedError == nil {
		t.Fatalf("expected normalizedError to be present")
	}
	if resp.Error.NormalizedError.Code != models.NormalizedErrorRateLimited {
		t.Fatalf("normalizedError.code=%q, want %q", resp.Error.NormalizedError.Code, models.NormalizedErrorRateLimited)
	}
	if !resp.Error.NormalizedError.Retryable {
		t.Fatalf("normalizedError.retryable=%v, want true", resp.Error.NormalizedError.Retryable)
	}
}

func TestWriteErrorPreservesRetryAfterHeader(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Header().Set("Retry-After", "3600")

	writeError(rr, http.StatusTooManyRequests, "rate_limit_exceeded", "daily limit reached", nil)

	if got := rr.Header().Get("Retry-After"); got != "3600" {
		t.Fatalf("Retry-After=%q, want %q", got, "3600")
	}
}

func TestWriteErrorLeavesUnknownCodeUnnormalized(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, http.StatusInternalServerError, "internal_error", "boom", nil)

	var resp models.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Error.NormalizedError != nil {
		t.Fatalf("expected normalizedError to be nil for unknown mapping, got %+v", resp.Error.NormalizedError)
	}
}
