package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"eversaid-wrapper/internal/admission"
	"eversaid-wrapper/internal/captcha"
	"eversaid-wrapper/internal/coreapi"
	"eversaid-wrapper/internal/logging"
	"eversaid-wrapper/internal/quota"
)

const (
	uploadFormField   = "file"
	multipartMemory   = 32 << 20
	maxAnalyzeBodyLen = 1 << 20
)

func (s *server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.cfg.UploadMaxBytes > 0 {
		if r.ContentLength > s.cfg.UploadMaxBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Upload exceeds the maximum size", map[string]any{"maxBytes": s.cfg.UploadMaxBytes})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Upload exceeds the maximum size", map[string]any{"maxBytes": maxErr.Limit})
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "expected multipart/form-data body", nil)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(uploadFormField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "file is required", map[string]any{"field": uploadFormField})
		return
	}
	data, err := io.ReadAll(file)
	_ = file.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read upload", nil)
		return
	}

	body, contentType, err := coreapi.MultipartBody(r.MultipartForm.Value, coreapi.FilePart{
		Field:       uploadFormField,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to encode upload", nil)
		return
	}

	s.admit(w, r, admission.Request{
		Action: quota.ActionTranscribe,
		Upload: &admission.Upload{Filename: header.Filename, Data: data},
		Forward: coreapi.Request{
			Method:      http.MethodPost,
			Path:        coreapi.TranscribePath,
			ContentType: contentType,
			Body:        body,
		},
	})
}

func (s *server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	cleanupID := strings.TrimSpace(chi.URLParam(r, "cleanupId"))
	if !isSafeID(cleanupID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid cleanupId", map[string]any{"cleanupId": cleanupID})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAnalyzeBodyLen))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Request body is too large", map[string]any{"maxBytes": maxAnalyzeBodyLen})
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	s.admit(w, r, admission.Request{
		Action: quota.ActionLLM,
		Forward: coreapi.Request{
			Method:      http.MethodPost,
			Path:        coreapi.AnalyzePath(cleanupID),
			ContentType: contentType,
			Body:        body,
		},
	})
}

// isSafeID accepts identifiers that can be placed in a downstream path as-is.
func isSafeID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// admit fills the transport-derived fields of req, runs the pipeline and
// writes either the rejection or the downstream answer.
func (s *server) admit(w http.ResponseWriter, r *http.Request, req admission.Request) {
	ctx := r.Context()
	if c, err := r.Cookie(s.sessions.CookieName()); err == nil {
		req.SessionToken = c.Value
	}
	req.CaptchaToken = r.Header.Get(captcha.TokenHeader)
	req.Address = clientIP(r)
	req.Forward.RequestID = logging.RequestIDFromContext(ctx)

	res, err := s.pipeline.Handle(ctx, req)
	if res.Session.New {
		http.SetCookie(w, s.sessions.Cookie(res.Session))
	}
	if err != nil {
		s.writeRejection(w, r, err)
		return
	}
	writeDownstream(w, res.Response)
}

func (s *server) writeRejection(w http.ResponseWriter, r *http.Request, err error) {
	var rej *admission.Rejection
	if !errors.As(err, &rej) {
		logging.Error(r.Context(), "Admission failed", logging.Fields{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
		return
	}
	if wait, ok := rej.RetryAfter(s.now()); ok {
		secs := int64(wait.Seconds())
		if float64(secs) < wait.Seconds() {
			secs++
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, rej.HTTPStatus(), string(rej.Kind), rej.Message, rej.Details())
}

func writeDownstream(w http.ResponseWriter, resp coreapi.Response) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}
