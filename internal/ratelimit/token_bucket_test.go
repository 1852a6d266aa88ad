package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "alice")
	if err != nil || !allowed {
		t.Fatalf("expected first submission allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "alice")
	if !allowed {
		t.Fatalf("expected second submission allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "alice")
	if allowed {
		t.Fatalf("expected third submission to be rejected")
	}

	// Buckets are per user: a different user still has a full bucket.
	allowed, _, _ = bucket.Allow(ctx, "bob")
	if !allowed {
		t.Fatalf("expected fresh user to be allowed")
	}

	// Note: cannot test refill with miniredis.FastForward() because the Lua
	// script receives time from Go's time.Now(), not Redis's internal clock.
}
