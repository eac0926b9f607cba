package httpmiddleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitConfig configures the per-client sliding window limiter.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
	// KeyFunc picks the bucket for a request. Defaults to ClientIP.
	KeyFunc func(*http.Request) string
	// Now overrides time.Now in tests.
	Now func() time.Time
}

// window counts requests in the current and previous fixed windows; the
// previous count is weighted by its overlap with the sliding window.
type window struct {
	prev      float64
	curr      float64
	currStart time.Time
}

type limiter struct {
	max     int
	size    time.Duration
	mu      sync.Mutex
	buckets map[string]*window
}

func newLimiter(max int, size time.Duration) *limiter {
	return &limiter{
		max:     max,
		size:    size,
		buckets: make(map[string]*window),
	}
}

// take consumes one request from key's bucket.
func (l *limiter) take(key string, now time.Time) (remaining int, reset time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, found := l.buckets[key]
	if !found {
		b = &window{currStart: now.Truncate(l.size)}
		l.buckets[key] = b
	}
	switch elapsed := now.Sub(b.currStart); {
	case elapsed >= 2*l.size:
		b.prev, b.curr = 0, 0
		b.currStart = now.Truncate(l.size)
	case elapsed >= l.size:
		b.prev, b.curr = b.curr, 0
		b.currStart = b.currStart.Add(l.size)
	}

	overlap := 1 - now.Sub(b.currStart).Seconds()/l.size.Seconds()
	used := b.prev*math.Max(overlap, 0) + b.curr
	reset = b.currStart.Add(l.size)
	if used >= float64(l.max) {
		return 0, reset, false
	}
	b.curr++
	return max(int(float64(l.max)-used-1), 0), reset, true
}

// sweep drops buckets idle for two windows.
func (l *limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.currStart) >= 2*l.size {
			delete(l.buckets, key)
		}
	}
}

// RateLimit rejects requests over cfg.Max per cfg.Window with 429. Every
// response carries the X-RateLimit-* headers.
func RateLimit(cfg RateLimitConfig) Middleware {
	return rateLimit(cfg, newLimiter(cfg.Max, cfg.Window))
}

// RateLimitWithCleanup is RateLimit plus a goroutine that evicts idle
// buckets until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg.Max, cfg.Window)
	go func() {
		ticker := time.NewTicker(2 * cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.sweep(now)
			}
		}
	}()
	return rateLimit(cfg, l)
}

func rateLimit(cfg RateLimitConfig, l *limiter) Middleware {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = ClientIP
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t := now()
			remaining, reset, ok := l.take(keyFunc(r), t)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

			if !ok {
				retry := max(reset.Sub(t), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
				writeError(w, r, http.StatusTooManyRequests, "TOO_MANY_REQUESTS", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
