// Package ratelimit caps tokens per minute for each gateway session, backed by
// github.com/vnmchuo/ratelimiter over Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type Limiter struct {
	store extratelimit.Limiter
}

// NewLimiter allows tokensPerMinute tokens per key in a sliding one-minute window.
func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

// NewWithStore wraps an existing limiter store.
func NewWithStore(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow reserves tokens for session. A nil Limiter allows everything.
func (l *Limiter) Allow(ctx context.Context, session string, tokens int) (bool, error) {
	if l == nil {
		return true, nil
	}
	res, err := l.store.AllowN(ctx, key(session), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, session string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(session))
}

func key(session string) string {
	if session == "" {
		session = "anonymous"
	}
	return fmt.Sprintf("tokenspy:ratelimit:%s", session)
}
