package token

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRevocationStore(t *testing.T) {
	store := NewMemoryRevocationStore()
	defer store.Close()
	ctx := context.Background()

	added, err := store.Revoke(ctx, "jti-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.Revoke(ctx, "jti-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, added, "second claim of the same jti loses")

	added, err = store.Revoke(ctx, "jti-2", time.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, added, "already expired tokens are not stored")
	assert.Equal(t, 1, store.Len())
}

func TestRedisRevocationStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	store := NewRedisRevocationStore(client, "test:")
	jti := uuid.NewString()

	added, err := store.Revoke(ctx, jti, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.Revoke(ctx, jti, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, added)

	ttl, err := client.TTL(ctx, "test:revoked:"+jti).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}
