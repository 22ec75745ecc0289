package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ayush/pharmabot/backend/internal/common"
)

// LoginLimiter counts failed logins per username in Redis. Counters expire
// window after the first failure.
type LoginLimiter struct {
	rdb    redis.Cmdable
	max    int
	window time.Duration
}

func NewLoginLimiter(rdb redis.Cmdable, maxAttempts int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{rdb: rdb, max: maxAttempts, window: window}
}

func failuresKey(username string) string {
	return "login:failures:" + strings.ToLower(username)
}

// Allow returns common.ErrTooManyAttempts once username has used up its
// failures for the window. Other errors mean the counter could not be read.
func (l *LoginLimiter) Allow(ctx context.Context, username string) error {
	n, err := l.rdb.Get(ctx, failuresKey(username)).Int()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read login failures: %w", err)
	}
	if n >= l.max {
		return common.ErrTooManyAttempts
	}
	return nil
}

// RecordFailure increments the failure counter for username. The counter and
// its expiry are set in one MULTI so a counter never outlives its window.
func (l *LoginLimiter) RecordFailure(ctx context.Context, username string) error {
	key := failuresKey(username)
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record login failure: %w", err)
	}
	return nil
}

// Reset clears the failure counter after a successful login.
func (l *LoginLimiter) Reset(ctx context.Context, username string) error {
	if err := l.rdb.Del(ctx, failuresKey(username)).Err(); err != nil {
		return fmt.Errorf("reset login failures: %w", err)
	}
	return nil
}
