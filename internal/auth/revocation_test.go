package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRevocations(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rl := NewRedisRevocations(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	revoked, err := rl.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, rl.Revoke(ctx, "jti-1", time.Minute))
	revoked, err = rl.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(2 * time.Minute)
	revoked, err = rl.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRedisRevocations_StoreDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rl := NewRedisRevocations(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	mr.Close()

	_, err = rl.IsRevoked(context.Background(), "jti-1")
	assert.Error(t, err)
}
