package docstore

import (
	"sync"
	"time"
)

// rateLimiter admits at most limit events in any window-long interval.
// It remembers the last limit admitted events in a ring; rejected events
// are not recorded.
type rateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	window time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &rateLimiter{ring: make([]time.Time, limit), window: window}
}

func (r *rateLimiter) allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// ring[next] is the oldest remembered event.
	if oldest := r.ring[r.next]; !oldest.IsZero() && now.Sub(oldest) < r.window {
		return false
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	return true
}
