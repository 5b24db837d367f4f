package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisAllow(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	l := NewRedis(client)

	for i := 1; i <= 2; i++ {
		d := l.Allow("k", 2, time.Minute)
		if !d.Allowed || d.Count != i {
			t.Fatalf("call %d: %+v", i, d)
		}
	}
	if d := l.Allow("k", 2, time.Minute); d.Allowed {
		t.Fatalf("call over limit allowed: %+v", d)
	}

	srv.FastForward(2 * time.Minute)
	if d := l.Allow("k", 2, time.Minute); !d.Allowed || d.Count != 1 {
		t.Fatalf("window did not reset: %+v", d)
	}
}

func TestRedisFallback(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	l := NewRedis(client)
	srv.Close()
	_ = client.Close()

	// With redis unreachable the in-memory fallback still counts.
	_ = l.Allow("k", 1, time.Minute)
	if d := l.Allow("k", 1, time.Minute); d.Allowed {
		t.Fatalf("fallback did not enforce the limit: %+v", d)
	}
}

func TestRedisNilClient(t *testing.T) {
	l := &Redis{Fallback: NewInMemory()}
	if d := l.Allow("k", 1, time.Minute); !d.Allowed {
		t.Fatalf("first call should pass: %+v", d)
	}
	if d := l.Allow("k", 1, time.Minute); d.Allowed {
		t.Fatalf("second call should be limited")
	}
}
