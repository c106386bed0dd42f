// internal/ratelimit/ratelimit.go
package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	count int
	start time.Time
}

// Limiter is a fixed-window per-client request counter. State lives in
// process memory only; cross-process accuracy is not a goal since this is
// an abuse deterrent, not a quota.
type Limiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	max      int
	duration time.Duration
	now      func() time.Time
}

func NewLimiter(max int, duration time.Duration) *Limiter {
	return &Limiter{
		windows:  make(map[string]*window),
		max:      max,
		duration: duration,
		now:      time.Now,
	}
}

// IsLimited records a request for clientID and reports whether it exceeded
// the window budget. A limited request is still counted (leaky counter, not
// reset-on-limit). A window older than the configured duration restarts
// fresh with count 1.
func (l *Limiter) IsLimited(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[clientID]
	if !ok || now.Sub(w.start) > l.duration {
		l.windows[clientID] = &window{count: 1, start: now}
		return false
	}

	w.count++
	return w.count > l.max
}

// RetryAfter is the suggested wait for a limited client: the configured
// window duration.
func (l *Limiter) RetryAfter() time.Duration {
	return l.duration
}
