package token

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

// RevocationStore is a denylist of refresh token IDs. Entries only need to
// live until the token would have expired anyway.
type RevocationStore interface {
	// Revoke denylists jti until expiresAt. It reports true when this call
	// added the entry and false when jti was already denylisted, so callers
	// can use it as an atomic claim.
	Revoke(ctx context.Context, jti string, expiresAt time.Time) (bool, error)
}

// MemoryRevocationStore keeps the denylist in process. It is only correct
// for a single instance.
type MemoryRevocationStore struct {
	cache *ttlcache.Cache[string, struct{}]
	now   func() time.Time
}

// NewMemoryRevocationStore creates a store and starts its expiry loop
func NewMemoryRevocationStore() *MemoryRevocationStore {
	cache := ttlcache.New[string, struct{}](
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go cache.Start()
	return &MemoryRevocationStore{cache: cache, now: time.Now}
}

// Revoke implements RevocationStore
func (s *MemoryRevocationStore) Revoke(_ context.Context, jti string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return false, nil
	}
	_, found := s.cache.GetOrSet(jti, struct{}{}, ttlcache.WithTTL[string, struct{}](ttl))
	return !found, nil
}

// Len returns the number of live entries
func (s *MemoryRevocationStore) Len() int {
	return s.cache.Len()
}

// Close stops the expiry loop
func (s *MemoryRevocationStore) Close() {
	s.cache.Stop()
}

// RedisRevocationStore shares the denylist across instances
type RedisRevocationStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisRevocationStore creates a store using keys under prefix
func NewRedisRevocationStore(client redis.UniversalClient, prefix string) *RedisRevocationStore {
	return &RedisRevocationStore{client: client, prefix: prefix + "revoked:", now: time.Now}
}

// Revoke implements RevocationStore with SET NX so concurrent refreshes of
// the same token race on a single key
func (s *RedisRevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return false, nil
	}
	added, err := s.client.SetNX(ctx, s.prefix+jti, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis revoke: %w", err)
	}
	return added, nil
}
