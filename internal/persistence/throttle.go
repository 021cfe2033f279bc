package persistence

import (
	"sync"
	"time"
)

// creationThrottle is an in-memory sliding-window brake on ticket
// creation. It protects the store from a crash-looping producer; the
// window resets on process restart, which is acceptable because the
// brake targets runaway loops inside one process lifetime.
type creationThrottle struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	marks  []time.Time
}

func newCreationThrottle(window time.Duration, limit int) *creationThrottle {
	return &creationThrottle{window: window, limit: limit}
}

// allow records an attempt at now and reports whether it is within the
// window budget. Refused attempts are not recorded.
func (c *creationThrottle) allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-c.window)
	keep := c.marks[:0]
	for _, m := range c.marks {
		if m.After(cutoff) {
			keep = append(keep, m)
		}
	}
	c.marks = keep

	if len(c.marks) >= c.limit {
		return false
	}
	c.marks = append(c.marks, now)
	return true
}
