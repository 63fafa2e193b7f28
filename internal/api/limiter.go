package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// burstGuard is an in-memory token bucket per source address. It only sheds
// floods; daily quota accounting happens in the limiter.
type burstGuard struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idle      time.Duration
	visitors  map[string]*visitor
	lastSweep time.Time
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newBurstGuard(rps float64, burst int, now func() time.Time) *burstGuard {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &burstGuard{
		limit:     rate.Limit(rps),
		burst:     burst,
		idle:      10 * time.Minute,
		visitors:  make(map[string]*visitor),
		lastSweep: now(),
		now:       now,
	}
}

func (g *burstGuard) allow(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.lastSweep) > g.idle {
		g.sweepLocked(now)
	}
	v, ok := g.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// sweepLocked drops visitors idle for longer than the idle window.
func (g *burstGuard) sweepLocked(now time.Time) int {
	g.lastSweep = now
	cutoff := now.Add(-g.idle)
	removed := 0
	for key, v := range g.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(g.visitors, key)
			removed++
		}
	}
	return removed
}

func (s *server) limitBursts(next http.Handler) http.Handler {
	if s.burst == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.burst.allow(clientIP(r)) {
			s.metrics.IncBurstRejections()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too_many_requests", "Too many requests. Slow down.", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
