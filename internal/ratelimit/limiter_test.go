package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter connects to a local Redis instance. Tests are skipped
// when no Redis answers on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	cleanup := func() {
		for _, prefix := range []string{"rl:nudge:", "rl:conn:", "rl:loc:", "rl:test:"} {
			iter := client.Scan(ctx, 0, prefix+"test_*", 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})

	return NewLimiter(client)
}

func TestAllowWithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "test_mu_1", rule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, err := l.Allow(ctx, "test_mu_1", rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Error("request over the limit should be denied")
	}
}

func TestNudgeRuleDeniesSecondWithinWindow(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "test_mu_2", RuleNudge)
	if !ok {
		t.Fatal("first nudge should be allowed")
	}
	ok, _ = l.Allow(ctx, "test_mu_2", RuleNudge)
	if ok {
		t.Error("second nudge within the window should be denied")
	}
}

func TestRetryAfterReflectsWindow(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 10 * time.Second}

	l.Allow(ctx, "test_mu_3", rule)
	l.Allow(ctx, "test_mu_3", rule) // denied

	wait := l.RetryAfter(ctx, "test_mu_3", rule)
	if wait <= 0 || wait > 10*time.Second {
		t.Errorf("expected wait within (0s, 10s], got %s", wait)
	}
}

func TestRetryAfterMissingKeyIsZero(t *testing.T) {
	l := newTestLimiter(t)

	wait := l.RetryAfter(context.Background(), "test_mu_none", RuleNudge)
	if wait != 0 {
		t.Errorf("expected zero wait for untouched identifier, got %s", wait)
	}
}

func TestRemaining(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 5, Window: 10 * time.Second}

	rem, err := l.Remaining(ctx, "test_mu_4", rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if rem != 5 {
		t.Errorf("expected full limit before any request, got %d", rem)
	}

	for i := 0; i < 2; i++ {
		l.Allow(ctx, "test_mu_4", rule)
	}
	rem, _ = l.Remaining(ctx, "test_mu_4", rule)
	if rem != 3 {
		t.Errorf("expected 3 remaining after 2 requests, got %d", rem)
	}
}

func TestWindowExpires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping expiry wait in short mode")
	}
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}

	l.Allow(ctx, "test_mu_5", rule)
	if ok, _ := l.Allow(ctx, "test_mu_5", rule); ok {
		t.Fatal("second request within window should be denied")
	}

	time.Sleep(1100 * time.Millisecond)
	if ok, _ := l.Allow(ctx, "test_mu_5", rule); !ok {
		t.Error("request after window expiry should be allowed")
	}
}
