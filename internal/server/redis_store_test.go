package server

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"birdnest/internal/testsupport/redisstub"
)

func startRedis(t *testing.T, password string) *redisstub.Server {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: password})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestRedisStoreAllowCountsWithinWindow(t *testing.T) {
	srv := startRedis(t, "secret")
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), Password: "secret"})
	t.Cleanup(func() { _ = client.Close() })
	store := newRedisStore(client, time.Second, false)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, retry, err := store.Allow(ctx, "upload:test", 2, time.Minute)
		if err != nil || !allowed || retry != 0 {
			t.Fatalf("attempt %d: allowed=%v retry=%v err=%v", i, allowed, retry, err)
		}
	}
	allowed, retry, err := store.Allow(ctx, "upload:test", 2, time.Minute)
	if err != nil {
		t.Fatalf("third allow err: %v", err)
	}
	if allowed {
		t.Fatal("expected throttle on third attempt")
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("expected retry within window, got %v", retry)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestRedisStoreRejectsWrongPassword(t *testing.T) {
	srv := startRedis(t, "secret")
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), Password: "wrong", MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := newRedisStore(client, time.Second, false)

	if _, _, err := store.Allow(context.Background(), "upload:test", 1, time.Minute); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestRateLimiterUsesRedisWhenConfigured(t *testing.T) {
	srv := startRedis(t, "")
	rl, err := newRateLimiter(RateLimitConfig{
		UploadLimit:  1,
		UploadWindow: 30 * time.Second,
		RedisAddr:    srv.Addr(),
	})
	if err != nil {
		t.Fatalf("newRateLimiter error: %v", err)
	}
	t.Cleanup(func() { _ = rl.Close() })
	ctx := context.Background()

	if allowed, _, err := rl.AllowUpload(ctx, "198.51.100.1"); err != nil || !allowed {
		t.Fatalf("first upload: allowed=%v err=%v", allowed, err)
	}
	allowed, retry, err := rl.AllowUpload(ctx, "198.51.100.1")
	if err != nil || allowed {
		t.Fatalf("second upload: allowed=%v err=%v", allowed, err)
	}
	if retry <= 0 {
		t.Fatalf("expected positive retry, got %v", retry)
	}

	var sawIncr bool
	for _, cmd := range srv.Commands() {
		if cmd == "INCR" {
			sawIncr = true
		}
	}
	if !sawIncr {
		t.Fatalf("expected counters to live in redis, commands=%v", srv.Commands())
	}
}

func TestRateLimiterFailsClosedWhenRedisUnavailable(t *testing.T) {
	srv := startRedis(t, "")
	addr := srv.Addr()
	_ = srv.Close()

	rl, err := newRateLimiter(RateLimitConfig{
		UploadLimit:  1,
		RedisAddr:    addr,
		RedisTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("newRateLimiter error: %v", err)
	}
	t.Cleanup(func() { _ = rl.Close() })

	if _, _, err := rl.AllowUpload(context.Background(), "198.51.100.1"); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}
