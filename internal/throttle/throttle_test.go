package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNopLimiterAllows(t *testing.T) {
	ok, err := NopLimiter{}.Allow(context.Background(), 1, 2)
	if err != nil || !ok {
		t.Fatalf("NopLimiter.Allow() = %v, %v", ok, err)
	}
}

func TestLimiterKey(t *testing.T) {
	if got := limiterKey(3, -100); got != "autoreply:3:-100" {
		t.Fatalf("limiterKey mismatch: got %q", got)
	}
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	limiter := NewRedisLimiter(client, 1, time.Minute)
	ok, err := limiter.Allow(context.Background(), 1, 2)
	if err == nil {
		t.Fatalf("Allow() expected an error without a redis server")
	}
	if !ok {
		t.Fatalf("Allow() must fail open when redis is unavailable")
	}
}
