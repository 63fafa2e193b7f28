// Package coreapi forwards admitted requests to the transcription core and
// separates connectivity failures from the core's own error responses.
package coreapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"eversaid-wrapper/internal/logging"
)

const (
	TranscribePath = "/api/v1/upload-transcribe-cleanup"

	DefaultTimeout          = 120 * time.Second
	DefaultMaxResponseBytes = 32 << 20
)

// ErrUnavailable means the core could not be reached or did not answer.
var ErrUnavailable = errors.New("core api unavailable")

// AnalyzePath is the analysis endpoint for one cleaned entry.
func AnalyzePath(cleanupID string) string {
	return "/api/v1/cleaned-entries/" + cleanupID + "/analyze"
}

type Request struct {
	Method      string
	Path        string
	ContentType string
	Body        []byte
	// RequestID is propagated as X-Request-ID when set.
	RequestID string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	// MaxResponseBytes caps a buffered core answer; larger answers are
	// reported as unavailable rather than cut short.
	MaxResponseBytes int64
}

type Client struct {
	baseURL     string
	client      *http.Client
	maxResponse int64
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	maxResponse := opts.MaxResponseBytes
	if maxResponse <= 0 {
		maxResponse = DefaultMaxResponseBytes
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		client:      client,
		maxResponse: maxResponse,
	}
}

// Do sends req and returns whatever the core answered, any status included.
// An error is returned only when no answer was received, and it wraps
// ErrUnavailable.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, fmt.Errorf("build core request: %w", err)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		logging.Error(ctx, "Core API unreachable", logging.Fields{"path": req.Path, "error": err.Error()})
		return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse+1))
	if err != nil {
		logging.Error(ctx, "Core API response unreadable", logging.Fields{"path": req.Path, "error": err.Error()})
		return Response{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if int64(len(body)) > c.maxResponse {
		logging.Error(ctx, "Core API response too large", logging.Fields{"path": req.Path, "max_bytes": c.maxResponse})
		return Response{}, fmt.Errorf("%w: response exceeds %d bytes", ErrUnavailable, c.maxResponse)
	}
	return Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

// FilePart is one uploaded file re-encoded into a forwarded multipart body.
type FilePart struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

// MultipartBody encodes fields followed by file into a multipart/form-data
// body and returns it with its content type.
func MultipartBody(fields map[string][]string, file FilePart) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, values := range fields {
		for _, v := range values {
			if err := w.WriteField(name, v); err != nil {
				return nil, "", err
			}
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(file.Field), escapeQuotes(file.Filename)))
	ct := file.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
