package tcp

import (
	"sync"
	"time"
)

// lineRateLimiter is a sliding-window limiter for inbound chat lines on
// one connection. Lines over the limit are discarded before dispatch.
type lineRateLimiter struct {
	mu       sync.Mutex
	history  []time.Time
	limit    int
	interval time.Duration
}

func newLineRateLimiter(limit int, interval time.Duration) *lineRateLimiter {
	return &lineRateLimiter{limit: limit, interval: interval}
}

func (rl *lineRateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	fresh := rl.history[:0]
	for _, t := range rl.history {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	rl.history = fresh

	if len(rl.history) >= rl.limit {
		return false
	}
	rl.history = append(rl.history, now)
	return true
}
