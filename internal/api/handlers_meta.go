package api

import (
	"net/http"
	"time"

	"eversaid-wrapper/internal/logging"
	"eversaid-wrapper/internal/models"
	"eversaid-wrapper/internal/quota"
)

func (s *server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.ConfigResponse{
		PostHogKey:  s.cfg.PostHogKey,
		PostHogHost: s.cfg.PostHogHost,
	})
}

func (s *server) handleGetMeta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.MetaResponse{
		CaptchaEnabled:          s.cfg.TurnstileEnabled,
		MaxAudioDurationSeconds: s.cfg.MaxAudioDurationSeconds,
		UploadMaxBytes:          s.cfg.UploadMaxBytes,
		TranscribePerDay:        s.cfg.TranscribeLimits.SessionPerDay,
		LLMPerDay:               s.cfg.LLMLimits.SessionPerDay,
		QuotaBackend:            s.cfg.QuotaBackend,
	})
}

// handleGetUsage reports the caller's own session usage. Address and global
// counts are never exposed.
func (s *server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.ResolveRequest(r)
	if sess.New {
		s.metrics.IncSessionsIssued()
		http.SetCookie(w, s.sessions.Cookie(sess))
	}
	ctx := logging.WithSessionID(r.Context(), sess.ID)

	resp := models.UsageResponse{ResetAt: quota.NextReset(s.now()).Format(time.RFC3339)}
	for _, item := range []struct {
		action quota.Action
		dst    *models.ActionUsage
	}{
		{action: quota.ActionTranscribe, dst: &resp.Transcribe},
		{action: quota.ActionLLM, dst: &resp.LLM},
	} {
		used, limit, err := s.limiter.SessionUsage(ctx, sess.ID, item.action)
		if err != nil {
			logging.Error(ctx, "Usage lookup failed", logging.Fields{"action": string(item.action), "error": err.Error()})
			writeError(w, http.StatusServiceUnavailable, "quota_unavailable", "Usage limits are temporarily unavailable", nil)
			return
		}
		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		*item.dst = models.ActionUsage{Limit: limit, Used: used, Remaining: remaining}
	}
	writeJSON(w, http.StatusOK, resp)
}
