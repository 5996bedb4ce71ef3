package ratelimit

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestSlidingWindow_Allow(t *testing.T) {
	t.Parallel()

	rl := NewSlidingWindow(3, time.Second)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * 10 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(base.Add(50 * time.Millisecond)) {
		t.Fatalf("4th event inside window should be refused")
	}
	d := rl.decide(base.Add(60 * time.Millisecond))
	if d.Allowed || d.RetryAfter != 940*time.Millisecond {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if !rl.Allow(base.Add(1001 * time.Millisecond)) {
		t.Fatalf("event after the first expired should be allowed")
	}
}

func TestNewSlidingWindow_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewSlidingWindow(0, 0)
	if rl.limit != DefaultLimit || rl.window != DefaultWindow {
		t.Fatalf("expected defaults, got limit=%d window=%s", rl.limit, rl.window)
	}
}

func TestMemory_KeysAreIndependentAndSwept(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(1, time.Second)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if d, _ := m.Allow(ctx, "a"); !d.Allowed {
		t.Fatalf("a#1 should be allowed")
	}
	if d, _ := m.Allow(ctx, "a"); d.Allowed {
		t.Fatalf("a#2 should be refused")
	}
	if d, _ := m.Allow(ctx, "b"); !d.Allowed {
		t.Fatalf("b#1 should be allowed")
	}

	now = now.Add(5 * time.Second)
	if d, _ := m.Allow(ctx, "c"); !d.Allowed {
		t.Fatalf("c#1 should be allowed")
	}
	if n := m.keys(); n != 1 {
		t.Fatalf("idle keys should have been swept, have %d", n)
	}
}

func TestUnlimited(t *testing.T) {
	t.Parallel()

	d, err := Unlimited{}.Allow(context.Background(), "x")
	if err != nil || !d.Allowed {
		t.Fatalf("unlimited refused: %+v %v", d, err)
	}
}

// Enabled when PARLOR_REDIS_URL is set.
func TestRedis_Allow(t *testing.T) {
	raw := strings.TrimSpace(os.Getenv("PARLOR_REDIS_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PARLOR_REDIS_URL is not set")
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		t.Fatalf("parse PARLOR_REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prefix := "parlor:test:" + time.Now().Format("150405.000000000")
	rl := NewRedis(client, prefix, 2, time.Minute)

	for i := 0; i < 2; i++ {
		d, err := rl.Allow(ctx, "user")
		if err != nil || !d.Allowed {
			t.Fatalf("attempt %d: %+v err=%v", i, d, err)
		}
	}
	d, err := rl.Allow(ctx, "user")
	if err != nil || d.Allowed || d.RetryAfter <= 0 {
		t.Fatalf("third attempt should be refused with retry: %+v err=%v", d, err)
	}
	if d, err := rl.Allow(ctx, "other"); err != nil || !d.Allowed {
		t.Fatalf("other key should be independent: %+v err=%v", d, err)
	}
}
