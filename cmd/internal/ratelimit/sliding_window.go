package ratelimit

import (
	"sync"
	"time"
)

// Defaults applied when a constructor receives non-positive values.
const (
	DefaultLimit  = 120
	DefaultWindow = 10 * time.Second
)

// SlidingWindow is a single-stream sliding-window limiter.
type SlidingWindow struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewSlidingWindow constructs a SlidingWindow with safe defaults when inputs are invalid.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &SlidingWindow{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *SlidingWindow) Allow(now time.Time) bool {
	return r.decide(now).Allowed
}

func (r *SlidingWindow) decide(now time.Time) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst

	if len(r.events) >= r.limit {
		return Decision{Allowed: false, RetryAfter: r.events[0].Add(r.window).Sub(now)}
	}
	r.events = append(r.events, now)
	return Decision{Allowed: true, Remaining: r.limit - len(r.events)}
}

// idle reports whether no event falls inside the window at now.
func (r *SlidingWindow) idle(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events) == 0 || !r.events[len(r.events)-1].After(now.Add(-r.window))
}
