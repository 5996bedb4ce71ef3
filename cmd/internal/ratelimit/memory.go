package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process keyed Limiter. Idle keys are swept lazily.
type Memory struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	windows   map[string]*SlidingWindow
	lastSweep time.Time
}

// NewMemory constructs a keyed in-process limiter.
func NewMemory(limit int, window time.Duration) *Memory {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Memory{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*SlidingWindow),
	}
}

// Allow implements Limiter.
func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	now := m.now()

	m.mu.Lock()
	if now.Sub(m.lastSweep) > m.window {
		for k, w := range m.windows {
			if w.idle(now) {
				delete(m.windows, k)
			}
		}
		m.lastSweep = now
	}
	w := m.windows[key]
	if w == nil {
		w = NewSlidingWindow(m.limit, m.window)
		m.windows[key] = w
	}
	m.mu.Unlock()

	return w.decide(now), nil
}

func (m *Memory) keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
