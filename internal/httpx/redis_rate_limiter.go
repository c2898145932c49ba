package httpx

import (
	"context"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

type redisRateLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisRateLimiter constructs a Redis backed rate limiter shared by all
// API replicas. It fails open: Redis errors never block a request.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisRateLimiter{
		client:  client,
		logger:  logger,
		prefix:  "selfheal:ratelimit:",
		timeout: 250 * time.Millisecond,
	}, nil
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	redisKey := rl.prefix + key
	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttlCmd := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logRedisError("pipeline", err)
		return rateDecision{allowed: true}
	}

	counter := incr.Val()
	ttl := ttlCmd.Val()
	if counter == 1 || ttl <= 0 {
		// First hit in the window, or a counter INCR revived without expiry.
		if err := rl.client.Expire(ctx, redisKey, window).Err(); err != nil {
			rl.logRedisError("expire", err)
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

func (rl *redisRateLimiter) logRedisError(op string, err error) {
	if rl.logger == nil {
		return
	}
	rl.logger.Error("redis rate limiter error", "op", op, "error", err)
}
