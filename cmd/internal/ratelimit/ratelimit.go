// Package ratelimit provides the sliding-window limiters used by the
// websocket gateway and the HTTP API.
//
// SlidingWindow guards a single stream (one connection). Limiter
// implementations are keyed and shared: Memory for a single process, Redis
// when several processes must agree on a budget.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a keyed rate limiter.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true, Remaining: -1}, nil
}
