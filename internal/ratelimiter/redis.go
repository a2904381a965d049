package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript implements the same three-step procedure as
// Limiter.Allow but atomically, via a Redis sorted set keyed by
// tier:identifier: members are "timestamp-nonce" pairs scored by
// timestamp, trimmed to the window on every call.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window_ms)
local count = redis.call("ZCARD", key)
if count >= max then
	return 0
end
redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window_ms)
return 1
`)

// RedisLimiter is the cross-process atomic-script variant named in
// §4.14, backed by a Redis sorted set per (tier, identifier).
type RedisLimiter struct {
	client *redis.Client
	limits map[Tier]Limits
}

func NewRedis(client *redis.Client, limits map[Tier]Limits) *RedisLimiter {
	if _, ok := limits[DefaultTier]; !ok {
		if limits == nil {
			limits = map[Tier]Limits{}
		}
		limits[DefaultTier] = Limits{Max: 60, Window: time.Minute}
	}
	return &RedisLimiter{client: client, limits: limits}
}

func (r *RedisLimiter) limitsFor(tier Tier) Limits {
	if lim, ok := r.limits[tier]; ok {
		return lim
	}
	return r.limits[DefaultTier]
}

// Allow runs the atomic check-and-insert script. member disambiguates
// same-millisecond requests, matching §4.14's "small nonce" requirement.
func (r *RedisLimiter) Allow(ctx context.Context, tier Tier, identifier, nonce string) (bool, error) {
	lim := r.limitsFor(tier)
	key := "ratelimit:" + string(tier) + ":" + identifier
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, nonce)

	res, err := slidingWindowScript.Run(ctx, r.client, []string{key}, now, lim.Window.Milliseconds(), lim.Max, member).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit script: %w", err)
	}
	return res == 1, nil
}
