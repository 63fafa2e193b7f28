package api

import (
	"encoding/json"
	"net/http"

	"eversaid-wrapper/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	if status == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "1")
	}
	resp := models.ErrorResponse{
		Error: models.APIError{
			Code:            code,
			Message:         message,
			NormalizedError: normalizeErrorCode(code),
			Details:         details,
		},
	}
	writeJSON(w, status, resp)
}

func normalizeErrorCode(code string) *models.NormalizedError {
	switch code {
	case "rate_limit_exceeded", "too_many_requests":
		return &models.NormalizedError{Code: models.NormalizedErrorRateLimited, Retryable: true}
	case "captcha_required", "captcha_failed":
		return &models.NormalizedError{Code: models.NormalizedErrorVerificationFailed}
	case "captcha_unavailable", "quota_unavailable", "service_unavailable":
		return &models.NormalizedError{Code: models.NormalizedErrorUpstreamUnavailable, Retryable: true}
	case "duration_exceeded", "payload_too_large":
		return &models.NormalizedError{Code: models.NormalizedErrorPayloadRejected}
	case "invalid_request":
		return &models.NormalizedError{Code: models.NormalizedErrorInvalidRequest}
	default:
		return nil
	}
}
