package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T, cfg IPRateLimiterConfig) (*RedisLimiterStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiterStore(client, cfg), mr
}

func TestRedisLimiterAllowsWithinBudget(t *testing.T) {
	store, _ := newTestRedisStore(t, IPRateLimiterConfig{
		PerMinute:     5,
		BlockDuration: 5 * time.Minute,
	})

	for i := 0; i < 5; i++ {
		d, err := store.Check(context.Background(), "ip-1")
		if err != nil {
			t.Fatalf("check %d: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}
}

func TestRedisLimiterBlocksOverBudget(t *testing.T) {
	store, _ := newTestRedisStore(t, IPRateLimiterConfig{
		PerMinute:     2,
		BlockDuration: 5 * time.Minute,
	})

	store.Check(context.Background(), "ip-1")
	store.Check(context.Background(), "ip-1")

	d, err := store.Check(context.Background(), "ip-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("request over budget allowed")
	}
	if !d.Blocked || d.RetryAfter <= 0 {
		t.Fatalf("over-budget decision: %+v, want blocked with retry-after", d)
	}

	// Block key now holds subsequent requests too.
	d, _ = store.Check(context.Background(), "ip-1")
	if !d.Blocked {
		t.Fatal("request during block window not blocked")
	}
}

func TestRedisLimiterBlockExpires(t *testing.T) {
	store, mr := newTestRedisStore(t, IPRateLimiterConfig{
		PerMinute:     1,
		BlockDuration: 2 * time.Second,
	})

	store.Check(context.Background(), "ip-1")
	if d, _ := store.Check(context.Background(), "ip-1"); !d.Blocked {
		t.Fatal("second request not blocked")
	}

	// Advance past the block window and the minute window.
	mr.FastForward(2 * time.Minute)

	d, err := store.Check(context.Background(), "ip-1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("post-block request denied: %+v", d)
	}
}

func TestRedisLimiterKeysAreIndependent(t *testing.T) {
	store, _ := newTestRedisStore(t, IPRateLimiterConfig{
		PerMinute:     1,
		BlockDuration: 5 * time.Minute,
	})

	store.Check(context.Background(), "a")
	store.Check(context.Background(), "a")

	if d, _ := store.Check(context.Background(), "b"); !d.Allowed {
		t.Fatal("key b affected by key a's block")
	}
}
