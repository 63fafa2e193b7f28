package models

type ErrorResponse struct {
	Error APIError `json:"error"`
}

// NormalizedErrorCode is a coarse classification of gate errors intended for
// stable UX/logic.
type NormalizedErrorCode string

const (
	NormalizedErrorRateLimited         NormalizedErrorCode = "rate_limited"
	NormalizedErrorVerificationFailed  NormalizedErrorCode = "verification_failed"
	NormalizedErrorPayloadRejected     NormalizedErrorCode = "payload_rejected"
	NormalizedErrorInvalidRequest      NormalizedErrorCode = "invalid_request"
	NormalizedErrorUpstreamUnavailable NormalizedErrorCode = "upstream_unavailable"
)

type NormalizedError struct {
	Code      NormalizedErrorCode `json:"code"`
	Retryable bool                `json:"retryable"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// NormalizedError is an optional, stable classification meant for UI and retry logic.
	NormalizedError *NormalizedError `json:"normalizedError,omitempty"`
	Details         map[string]any   `json:"details,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// ConfigResponse is runtime configuration for the browser client.
type ConfigResponse struct {
	PostHogKey  string `json:"posthogKey"`
	PostHogHost string `json:"posthogHost"`
}

// ActionUsage is the caller's own daily usage for one action.
type ActionUsage struct {
	Limit     int `json:"limit"`
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}

type UsageResponse struct {
	Transcribe ActionUsage `json:"transcribe"`
	LLM        ActionUsage `json:"llm"`
	ResetAt    string      `json:"resetAt"`
}

// MetaResponse describes how the gate is configured so the client can render
// limits and decide whether to show a captcha widget.
type MetaResponse struct {
	CaptchaEnabled          bool   `json:"captchaEnabled"`
	MaxAudioDurationSeconds int    `json:"maxAudioDurationSeconds"`
	UploadMaxBytes          int64  `json:"uploadMaxBytes"`
	TranscribePerDay        int    `json:"transcribePerDay"`
	LLMPerDay               int    `json:"llmPerDay"`
	QuotaBackend            string `json:"quotaBackend"`
}
