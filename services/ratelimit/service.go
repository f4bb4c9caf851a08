// Package ratelimit counts attempts per scope in fixed windows. It backs the
// brute-force limits on MFA codes and password logins.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Result describes the outcome of one attempt
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Counter increments the attempt count for key in the window that contains
// now and returns the new count and when the window ends
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
	Reset(ctx context.Context, key string) error
}

// Limiter enforces Limit attempts per Window for each scope key
type Limiter struct {
	counter Counter
	limit   int
	window  time.Duration
	scope   string
	logger  *zap.Logger
}

// NewLimiter creates a limiter. scope namespaces keys, e.g. "mfa" or "login".
func NewLimiter(counter Counter, scope string, limit int, window time.Duration, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		counter: counter,
		limit:   limit,
		window:  window,
		scope:   scope,
		logger:  logger,
	}
}

// Allow records an attempt for subject and reports whether it is within the
// limit. A limit of zero or less disables limiting. Counter failures fail
// open and are logged, so an unavailable Redis does not lock users out.
func (l *Limiter) Allow(ctx context.Context, subject string) Result {
	if l == nil || l.limit <= 0 {
		return Result{Allowed: true}
	}

	count, resetAt, err := l.counter.Incr(ctx, l.buildScopeKey(subject), l.window)
	if err != nil {
		l.logger.Warn("rate limit counter unavailable", zap.String("scope", l.scope), zap.Error(err))
		return Result{Allowed: true}
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(l.limit),
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Reset clears the attempt count for subject, e.g. after a successful login
func (l *Limiter) Reset(ctx context.Context, subject string) {
	if l == nil || l.limit <= 0 {
		return
	}
	if err := l.counter.Reset(ctx, l.buildScopeKey(subject)); err != nil {
		l.logger.Warn("failed to reset rate limit", zap.String("scope", l.scope), zap.Error(err))
	}
}

func (l *Limiter) buildScopeKey(subject string) string {
	return fmt.Sprintf("ratelimit:%s:%s", l.scope, subject)
}

// RedisCounter keeps counts in Redis so limits hold across instances
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounter creates a counter using keys under prefix
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

// Incr implements Counter with INCR and a window-length expiry set on the
// first hit
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	k := c.prefix + key
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, window)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("redis incr: %w", err)
	}

	resetAt := time.Now().Add(window)
	if d := ttl.Val(); d > 0 {
		resetAt = time.Now().Add(d)
	}
	return incr.Val(), resetAt, nil
}

// Reset implements Counter
func (c *RedisCounter) Reset(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter keeps counts in process
type MemoryCounter struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *window]
	now   func() time.Time
}

// NewMemoryCounter creates a counter and starts its expiry loop
func NewMemoryCounter() *MemoryCounter {
	cache := ttlcache.New[string, *window](
		ttlcache.WithDisableTouchOnHit[string, *window](),
	)
	go cache.Start()
	return &MemoryCounter{cache: cache, now: time.Now}
}

// Incr implements Counter
func (c *MemoryCounter) Incr(_ context.Context, key string, d time.Duration) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if item := c.cache.Get(key); item != nil {
		w := item.Value()
		if now.Before(w.resetAt) {
			w.count++
			return w.count, w.resetAt, nil
		}
	}

	w := &window{count: 1, resetAt: now.Add(d)}
	c.cache.Set(key, w, d)
	return w.count, w.resetAt, nil
}

// Reset implements Counter
func (c *MemoryCounter) Reset(_ context.Context, key string) error {
	c.cache.Delete(key)
	return nil
}

// Close stops the expiry loop
func (c *MemoryCounter) Close() {
	c.cache.Stop()
}
