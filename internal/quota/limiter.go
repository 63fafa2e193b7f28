package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"eversaid-wrapper/internal/logging"
)

// Decision is the limiter outcome. When Allowed is false, Tier names the first
// tier found at its ceiling.
type Decision struct {
	Allowed bool
	Tier    Tier
	Limit   int
	// Used is the caller's session count. It is never filled from the address
	// or global tiers.
	Used    int
	ResetAt time.Time
}

type Options struct {
	Store  Store
	Limits map[Action]Limits
	Now    func() time.Time
}

type Limiter struct {
	store  Store
	limits map[Action]Limits
	now    func() time.Time
}

var ErrUnknownAction = errors.New("unknown quota action")

func NewLimiter(opts Options) *Limiter {
	l := &Limiter{
		store:  opts.Store,
		limits: make(map[Action]Limits, len(opts.Limits)),
		now:    opts.Now,
	}
	for action, lim := range opts.Limits {
		l.limits[action] = lim
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

func (l *Limiter) LimitsFor(action Action) (Limits, bool) {
	lim, ok := l.limits[action]
	return lim, ok
}

func (l *Limiter) buckets(sessionID, address string, action Action, day string) map[Tier]Bucket {
	address = strings.TrimSpace(address)
	if address == "" {
		address = "unknown"
	}
	return map[Tier]Bucket{
		TierSession: {Tier: TierSession, Key: sessionID, Action: action, Day: day},
		TierAddress: {Tier: TierAddress, Key: address, Action: action, Day: day},
		TierGlobal:  {Tier: TierGlobal, Key: GlobalKey, Action: action, Day: day},
	}
}

// Admit spends one unit of action on every tier or on none.
//
// All tiers are peeked first so a request that would fail on a later tier
// never touches an earlier one. The commit phase then increments tier by tier;
// if one increment loses a race, the increments already applied in this call
// are compensated before the rejection is returned.
func (l *Limiter) Admit(ctx context.Context, sessionID, address string, action Action) (Decision, error) {
	lim, ok := l.limits[action]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	now := l.now()
	day := Day(now)
	reset := NextReset(now)
	buckets := l.buckets(sessionID, address, action, day)

	sessionUsed := 0
	for _, tier := range Tiers {
		limit := limitFor(lim, tier)
		count, err := l.store.Peek(ctx, buckets[tier])
		if err != nil {
			return Decision{}, fmt.Errorf("peek %s quota: %w", tier, err)
		}
		if tier == TierSession {
			sessionUsed = count
		}
		if count >= limit {
			return l.reject(ctx, tier, lim, sessionUsed, reset, action), nil
		}
	}

	applied := make([]Bucket, 0, len(Tiers))
	for _, tier := range Tiers {
		b := buckets[tier]
		admitted, count, err := l.store.IncrementIfAllowed(ctx, b, limitFor(lim, tier))
		if err != nil {
			l.compensate(ctx, applied)
			return Decision{}, fmt.Errorf("increment %s quota: %w", tier, err)
		}
		if !admitted {
			l.compensate(ctx, applied)
			if tier == TierSession {
				sessionUsed = count
			}
			return l.reject(ctx, tier, lim, sessionUsed, reset, action), nil
		}
		if tier == TierSession {
			sessionUsed = count
		}
		applied = append(applied, b)
	}

	return Decision{
		Allowed: true,
		Tier:    TierSession,
		Limit:   lim.SessionPerDay,
		Used:    sessionUsed,
		ResetAt: reset,
	}, nil
}

func (l *Limiter) reject(ctx context.Context, tier Tier, lim Limits, sessionUsed int, reset time.Time, action Action) Decision {
	logging.Info(ctx, "Rate limit exceeded", logging.Fields{"tier": string(tier), "action": string(action)})
	d := Decision{Allowed: false, Tier: tier, ResetAt: reset}
	if tier == TierSession {
		d.Limit = lim.SessionPerDay
		d.Used = sessionUsed
	}
	return d
}

func (l *Limiter) compensate(ctx context.Context, applied []Bucket) {
	// Runs even when the request context is already cancelled.
	cctx := context.WithoutCancel(ctx)
	for _, b := range applied {
		if err := l.store.Decrement(cctx, b); err != nil {
			logging.Error(ctx, "Quota compensation failed", logging.Fields{
				"tier":   string(b.Tier),
				"action": string(b.Action),
				"error":  err.Error(),
			})
		}
	}
}

// SessionUsage reports the caller's own session-tier counts for action.
func (l *Limiter) SessionUsage(ctx context.Context, sessionID string, action Action) (used, limit int, err error) {
	lim, ok := l.limits[action]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	used, err = l.store.Peek(ctx, Bucket{Tier: TierSession, Key: sessionID, Action: action, Day: Day(l.now())})
	if err != nil {
		return 0, 0, err
	}
	return used, lim.SessionPerDay, nil
}
