package httpx

import (
	"context"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "pagewright:ratelimit:"
	redisDialTimeout = 2 * time.Second
	redisCallTimeout = 250 * time.Millisecond
)

// redisRateLimiter shares fixed windows across API replicas. Redis failures
// fail open: a limiter outage must not take the deploy endpoints down.
type redisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisRateLimiter connects to Redis and verifies it is reachable.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisRateLimiter{client: client, logger: logger}, nil
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()

	redisKey := redisKeyPrefix + key
	pipe := rl.client.TxPipeline()
	counterCmd := pipe.Incr(ctx, redisKey)
	ttlCmd := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.fail("pipeline", err)
		return rateDecision{allowed: true}
	}

	counter := counterCmd.Val()
	ttl := ttlCmd.Val()
	if counter == 1 || ttl < 0 {
		// First hit in the window, or a key that lost its expiry.
		if err := rl.client.Expire(ctx, redisKey, window).Err(); err != nil {
			rl.fail("expire", err)
		}
		ttl = window
	}
	return rateDecision{
		allowed:   int(counter) <= limit,
		count:     int(counter),
		windowEnd: time.Now().Add(ttl),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}

func (rl *redisRateLimiter) fail(op string, err error) {
	if rl.logger != nil {
		rl.logger.Error("redis rate limiter error", "op", op, "error", err)
	}
}
