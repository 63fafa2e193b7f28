// Package admission runs the gate in front of the transcription core:
// identity, captcha, payload precheck, daily quota, then forward. The first
// stage to reject ends the request; no later stage runs and no quota is
// spent by a stage that was never reached.
package admission

import (
	"context"
	"errors"
	"time"

	"eversaid-wrapper/internal/audio"
	"eversaid-wrapper/internal/captcha"
	"eversaid-wrapper/internal/coreapi"
	"eversaid-wrapper/internal/logging"
	"eversaid-wrapper/internal/metrics"
	"eversaid-wrapper/internal/quota"
	"eversaid-wrapper/internal/session"
)

type Resolver interface {
	Resolve(token string) session.Session
}

type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

type Admitter interface {
	Admit(ctx context.Context, sessionID, address string, action quota.Action) (quota.Decision, error)
}

type Downstream interface {
	Do(ctx context.Context, req coreapi.Request) (coreapi.Response, error)
}

// Upload is the binary payload of an upload-carrying action.
type Upload struct {
	Filename string
	Data     []byte
}

type Request struct {
	SessionToken string
	CaptchaToken string
	Address      string
	Action       quota.Action
	// Upload is nil for actions without a binary payload; precheck is skipped.
	Upload  *Upload
	Forward coreapi.Request
}

// Result always carries the resolved session so a freshly minted token can be
// returned to the client, even on rejection.
type Result struct {
	Session  session.Session
	Decision quota.Decision
	Response coreapi.Response
}

type Options struct {
	Resolver           Resolver
	Captcha            Verifier
	Limiter            Admitter
	Downstream         Downstream
	MaxDurationSeconds float64
	Metrics            *metrics.Metrics
}

type Pipeline struct {
	resolver    Resolver
	captcha     Verifier
	limiter     Admitter
	downstream  Downstream
	maxDuration float64
	metrics     *metrics.Metrics
}

func New(opts Options) *Pipeline {
	return &Pipeline{
		resolver:    opts.Resolver,
		captcha:     opts.Captcha,
		limiter:     opts.Limiter,
		downstream:  opts.Downstream,
		maxDuration: opts.MaxDurationSeconds,
		metrics:     opts.Metrics,
	}
}

// Handle runs every stage in order. A gate rejection is returned as
// *Rejection; a downstream error status is not a rejection and comes back in
// Result.Response unchanged.
//
// Quota spent by an admitted request is kept even if the forward fails.
func (p *Pipeline) Handle(ctx context.Context, req Request) (Result, error) {
	sess := p.resolver.Resolve(req.SessionToken)
	res := Result{Session: sess}
	if sess.New {
		p.metrics.IncSessionsIssued()
	}
	ctx = logging.WithSessionID(ctx, sess.ID)
	action := string(req.Action)

	if err := p.captcha.Verify(ctx, req.CaptchaToken, req.Address); err != nil {
		rej := captchaRejection(err)
		p.metrics.IncCaptchaResult(string(rej.Kind))
		return res, p.reject(ctx, action, rej)
	}
	p.metrics.IncCaptchaResult("passed")

	if req.Upload != nil {
		if err := audio.CheckDuration(ctx, req.Upload.Data, req.Upload.Filename, p.maxDuration); err != nil {
			p.metrics.IncPrecheck("exceeded")
			if rej := precheckRejection(err); rej != nil {
				return res, p.reject(ctx, action, rej)
			}
			return res, err
		}
		p.metrics.IncPrecheck("passed")
	}

	decision, err := p.limiter.Admit(ctx, sess.ID, req.Address, req.Action)
	if err != nil {
		if errors.Is(err, quota.ErrUnknownAction) {
			return res, err
		}
		return res, p.reject(ctx, action, &Rejection{
			Kind:    KindQuotaUnavailable,
			Message: "Usage limits are temporarily unavailable",
			Err:     err,
		})
	}
	res.Decision = decision
	if !decision.Allowed {
		p.metrics.IncQuotaRejection(action, string(decision.Tier))
		return res, p.reject(ctx, action, rateLimited(decision))
	}

	start := time.Now()
	resp, err := p.downstream.Do(ctx, req.Forward)
	if err != nil {
		p.metrics.ObserveDownstream(action, 0, time.Since(start))
		return res, p.reject(ctx, action, &Rejection{
			Kind:    KindServiceUnavailable,
			Message: "Transcription service is unavailable",
			Err:     err,
		})
	}
	p.metrics.ObserveDownstream(action, resp.StatusCode, time.Since(start))
	p.metrics.IncAdmission(action, "admitted")
	res.Response = resp
	return res, nil
}

func (p *Pipeline) reject(ctx context.Context, action string, rej *Rejection) *Rejection {
	p.metrics.IncAdmission(action, string(rej.Kind))
	fields := logging.Fields{"action": action, "code": string(rej.Kind)}
	if rej.Err != nil {
		fields["error"] = rej.Err.Error()
	}
	logging.Info(ctx, "Request rejected", fields)
	return rej
}

var (
	_ Resolver   = (*session.Resolver)(nil)
	_ Verifier   = (*captcha.Gate)(nil)
	_ Admitter   = (*quota.Limiter)(nil)
	_ Downstream = (*coreapi.Client)(nil)
)
