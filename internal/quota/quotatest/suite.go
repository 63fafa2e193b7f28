package quotatest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"eversaid-wrapper/internal/quota"
)

// StoreFactory returns a fresh, empty store.
type StoreFactory func(t *testing.T) quota.Store

// RunStoreTests runs the quota.Store contract against factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("PeekMissingBucketIsZero", func(t *testing.T) { testPeekMissing(t, factory) })
	t.Run("IncrementStopsAtLimit", func(t *testing.T) { testIncrementStopsAtLimit(t, factory) })
	t.Run("ZeroLimitNeverCreatesBucket", func(t *testing.T) { testZeroLimit(t, factory) })
	t.Run("BucketsAreIndependent", func(t *testing.T) { testBucketIsolation(t, factory) })
	t.Run("DecrementNeverGoesNegative", func(t *testing.T) { testDecrement(t, factory) })
	t.Run("ConcurrentIncrementsNeverOverAdmit", func(t *testing.T) { testConcurrentIncrements(t, factory) })
}

func testBucket(key string) quota.Bucket {
	return quota.Bucket{
		Tier:   quota.TierSession,
		Key:    key,
		Action: quota.ActionTranscribe,
		Day:    quota.Day(time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)),
	}
}

func testPeekMissing(t *testing.T, factory StoreFactory) {
	st := factory(t)
	got, err := st.Peek(context.Background(), testBucket("missing"))
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if got != 0 {
		t.Fatalf("peek=%d, want 0", got)
	}
}

func testIncrementStopsAtLimit(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	b := testBucket("limit")

	for i := 1; i <= 3; i++ {
		ok, count, err := st.IncrementIfAllowed(ctx, b, 3)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if !ok || count != i {
			t.Fatalf("increment %d: admitted=%v count=%d", i, ok, count)
		}
	}
	ok, count, err := st.IncrementIfAllowed(ctx, b, 3)
	if err != nil {
		t.Fatalf("increment over limit: %v", err)
	}
	if ok {
		t.Fatalf("increment over limit was admitted")
	}
	if count != 3 {
		t.Fatalf("count=%d, want 3", count)
	}
	if got, _ := st.Peek(ctx, b); got != 3 {
		t.Fatalf("peek=%d, want 3", got)
	}
}

func testZeroLimit(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	b := testBucket("zero")

	ok, _, err := st.IncrementIfAllowed(ctx, b, 0)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if ok {
		t.Fatalf("zero limit admitted a request")
	}
	if got, _ := st.Peek(ctx, b); got != 0 {
		t.Fatalf("peek=%d, want 0", got)
	}
}

func testBucketIsolation(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()

	a := testBucket("same")
	other := []quota.Bucket{
		{Tier: quota.TierAddress, Key: a.Key, Action: a.Action, Day: a.Day},
		{Tier: a.Tier, Key: "different", Action: a.Action, Day: a.Day},
		{Tier: a.Tier, Key: a.Key, Action: quota.ActionLLM, Day: a.Day},
		{Tier: a.Tier, Key: a.Key, Action: a.Action, Day: "2026-01-03"},
	}

	if ok, _, err := st.IncrementIfAllowed(ctx, a, 1); err != nil || !ok {
		t.Fatalf("first increment: ok=%v err=%v", ok, err)
	}
	for _, b := range other {
		ok, count, err := st.IncrementIfAllowed(ctx, b, 1)
		if err != nil {
			t.Fatalf("increment %+v: %v", b, err)
		}
		if !ok || count != 1 {
			t.Fatalf("bucket %+v should start fresh: ok=%v count=%d", b, ok, count)
		}
	}
}

func testDecrement(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	b := testBucket("decrement")

	if err := st.Decrement(ctx, b); err != nil {
		t.Fatalf("decrement missing: %v", err)
	}
	if got, _ := st.Peek(ctx, b); got != 0 {
		t.Fatalf("peek after decrement of missing bucket=%d, want 0", got)
	}

	if _, _, err := st.IncrementIfAllowed(ctx, b, 5); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := st.Decrement(ctx, b); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if err := st.Decrement(ctx, b); err != nil {
		t.Fatalf("second decrement: %v", err)
	}
	if got, _ := st.Peek(ctx, b); got != 0 {
		t.Fatalf("peek=%d, want 0", got)
	}
}

func testConcurrentIncrements(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()
	b := testBucket("concurrent")

	const (
		workers = 40
		limit   = 7
	)
	var admitted atomic.Int64
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			ok, _, err := st.IncrementIfAllowed(ctx, b, limit)
			if err != nil {
				return err
			}
			if ok {
				admitted.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent increments: %v", err)
	}
	if got := admitted.Load(); got != limit {
		t.Fatalf("admitted=%d, want %d", got, limit)
	}
	if got, _ := st.Peek(ctx, b); got != limit {
		t.Fatalf("peek=%d, want %d", got, limit)
	}
}
