package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aman-churiwal/admission-control/internal/storage"
	"github.com/redis/go-redis/v9"
)

//go:embed consume.lua
var consumeSource string

var consumeScript = redis.NewScript(consumeSource)

// Counter store shared by every gateway instance. The read-check-decrement
// runs inside a server-side script, so it is atomic across processes.
type RedisStore struct {
	redis *storage.RedisClient
}

func NewRedisStore(redis *storage.RedisClient) *RedisStore {
	return &RedisStore{redis: redis}
}

func (s *RedisStore) Consume(ctx context.Context, key string, rule Rule, now time.Time) (ConsumeResult, error) {
	values, err := s.redis.RunScript(ctx, consumeScript, []string{key},
		rule.MaxRequests,
		rule.Window.Milliseconds(),
		rule.BlockDuration.Milliseconds(),
		now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("consume %s: %w", key, err)
	}
	if len(values) != 3 {
		return ConsumeResult{}, fmt.Errorf("consume %s: unexpected script reply of length %d", key, len(values))
	}

	return ConsumeResult{
		Allowed:   values[0] == 1,
		Remaining: int(values[1]),
		ResetTime: time.UnixMilli(values[2]),
	}, nil
}

func (s *RedisStore) Peek(ctx context.Context, key string, now time.Time) (Counter, error) {
	values, err := s.redis.HMGet(ctx, key, "remaining", "expires_at", "blocked")
	if err != nil {
		return Counter{}, fmt.Errorf("peek %s: %w", key, err)
	}

	remaining, okRemaining := parseNumber(values[0])
	expiresAt, okExpiry := parseNumber(values[1])
	if !okRemaining || !okExpiry {
		return Counter{}, ErrNotFound
	}

	counter := Counter{
		Remaining: int(remaining),
		ExpiresAt: time.UnixMilli(expiresAt),
	}
	if !counter.ExpiresAt.After(now) {
		return Counter{}, ErrNotFound
	}
	if blocked, ok := parseNumber(values[2]); ok && blocked == 1 {
		counter.Blocked = true
	}
	if counter.Remaining < 0 {
		counter.Remaining = 0
	}

	return counter, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if _, err := s.redis.Del(ctx, key); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Hash fields come back as strings; Lua may have written them in exponent form
func parseNumber(v interface{}) (int64, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

// Compile-time interface verification
var _ CounterStore = (*RedisStore)(nil)
