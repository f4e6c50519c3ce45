package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter shares buckets between every server and worker on one Redis.
type RedisLimiter struct {
	rdb *redis.Client
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

// KEYS[1] bucket hash; ARGV: tokens/sec, capacity, now ms, ttl ms, cost.
// Returns {allowed, missing tokens * 1000}.
var takeScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = math.min(tonumber(state[2]) or now, now)
tokens = math.min(capacity, tokens + (now - ts) * rate / 1000.0)

local allowed = 0
local missing = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
else
  missing = cost - tokens
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[4]))
return {allowed, math.ceil(missing * 1000)}
`)

func (l *RedisLimiter) Take(ctx context.Context, req Request, bucket Bucket) (Decision, error) {
	if l == nil || l.rdb == nil || !bucket.Enabled() {
		return Decision{Allowed: true}, nil
	}
	req = req.normalize(bucket)
	if oversize(req, bucket) {
		return Decision{Oversize: true}, nil
	}
	sum := sha256.Sum256([]byte(req.Subject))
	key := fmt.Sprintf("marker:rl:%s:%s", req.Scope, hex.EncodeToString(sum[:]))

	res, err := takeScript.Run(ctx, l.rdb, []string{key},
		bucket.perSecond(),
		bucket.BurstSize,
		time.Now().UTC().UnixMilli(),
		stateTTL(bucket).Milliseconds(),
		req.Cost,
	).Result()
	if err != nil {
		return Decision{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("unexpected ratelimit reply %T", res)
	}
	if allowed, _ := vals[0].(int64); allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	missingMilli, _ := vals[1].(int64)
	return Decision{RetryAfter: retryAfter(float64(missingMilli)/1000, bucket.perSecond())}, nil
}

// stateTTL keeps an idle bucket for two empty-to-full refills, within [30s, 1h].
func stateTTL(b Bucket) time.Duration {
	fill := time.Duration(math.Ceil(float64(b.BurstSize)/b.perSecond())) * time.Second
	return min(max(2*fill+5*time.Second, 30*time.Second), time.Hour)
}
