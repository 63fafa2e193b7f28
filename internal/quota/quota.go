// Package quota holds the daily usage vocabulary (tiers, actions, buckets) and
// the three-tier limiter that spends quota through a Store.
package quota

import (
	"context"
	"time"

	"eversaid-wrapper/internal/config"
)

type Tier string

const (
	TierSession Tier = "session"
	TierAddress Tier = "address"
	TierGlobal  Tier = "global"
)

// Tiers is the fixed evaluation order.
var Tiers = []Tier{TierSession, TierAddress, TierGlobal}

type Action string

const (
	ActionTranscribe Action = "transcribe"
	ActionLLM        Action = "llm"
)

// GlobalKey is the scope key shared by every request on the global tier.
const GlobalKey = "*"

const dayLayout = "2006-01-02"

// Bucket identifies one daily counter.
type Bucket struct {
	Tier   Tier
	Key    string
	Action Action
	Day    string
}

// Store is a durable counter store. IncrementIfAllowed must be atomic per
// bucket: it increments only while the current count is below limit.
type Store interface {
	IncrementIfAllowed(ctx context.Context, b Bucket, limit int) (admitted bool, count int, err error)
	Peek(ctx context.Context, b Bucket) (int, error)
	Decrement(ctx context.Context, b Bucket) error
}

type Limits = config.Limits

func limitFor(l Limits, tier Tier) int {
	switch tier {
	case TierSession:
		return l.SessionPerDay
	case TierAddress:
		return l.AddressPerDay
	default:
		return l.GlobalPerDay
	}
}

// Day formats t as the UTC calendar date used for bucket identity.
func Day(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// ParseDay is the inverse of Day.
func ParseDay(day string) (time.Time, error) {
	return time.ParseInLocation(dayLayout, day, time.UTC)
}

// NextReset is the start of the UTC day after t, when fresh buckets begin.
func NextReset(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
