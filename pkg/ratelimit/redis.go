package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var counterScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// Redis counts windows in redis so limits hold across covenantd
// replicas. It falls back to the in-memory limiter when redis is
// unreachable rather than failing open entirely.
type Redis struct {
	Client   *redis.Client
	Prefix   string
	Fallback *InMemory
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{Client: client, Prefix: "covlimit:", Fallback: NewInMemory()}
}

func (l *Redis) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if l.Client == nil {
		return l.fallback(key, limit, window)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := counterScript.Run(ctx, l.Client, []string{l.Prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return l.fallback(key, limit, window)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(key, limit, window)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	return decide(int(count), limit, time.Now().UTC().Add(time.Duration(ttlMs)*time.Millisecond))
}

func (l *Redis) fallback(key string, limit int, window time.Duration) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit, window)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(window)}
}
