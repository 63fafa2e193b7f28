// Package quotatest provides an in-memory quota.Store for tests and a
// conformance suite every quota.Store implementation runs.
package quotatest

import (
	"context"
	"sync"

	"eversaid-wrapper/internal/quota"
)

// MemoryStore is a mutex-guarded quota.Store. It is not durable and exists
// only for tests.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[quota.Bucket]int

	// FailIncrement, when set, decides per call whether IncrementIfAllowed
	// reports a lost race even though the bucket is under its limit.
	FailIncrement func(b quota.Bucket) bool
	// Err, when non-nil, is returned from every operation.
	Err error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: map[quota.Bucket]int{}}
}

func (m *MemoryStore) IncrementIfAllowed(_ context.Context, b quota.Bucket, limit int) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, 0, m.Err
	}
	cur := m.counts[b]
	if cur >= limit || (m.FailIncrement != nil && m.FailIncrement(b)) {
		return false, cur, nil
	}
	m.counts[b] = cur + 1
	return true, cur + 1, nil
}

func (m *MemoryStore) Peek(_ context.Context, b quota.Bucket) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return m.counts[b], nil
}

func (m *MemoryStore) Decrement(_ context.Context, b quota.Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if m.counts[b] > 0 {
		m.counts[b]--
	}
	return nil
}

// Set seeds a bucket count.
func (m *MemoryStore) Set(b quota.Bucket, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[b] = count
}

// Total sums every bucket count, useful for "nothing was spent" assertions.
func (m *MemoryStore) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, c := range m.counts {
		total += c
	}
	return total
}

// SetErr replaces Err while requests may be in flight.
func (m *MemoryStore) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}
