package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationList tracks bearer tokens withdrawn before their expiry.
type RevocationList interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
}

type RedisRevocations struct {
	client redis.UniversalClient
}

func NewRedisRevocations(client redis.UniversalClient) *RedisRevocations {
	return &RedisRevocations{client: client}
}

func revokedKey(jti string) string {
	return fmt.Sprintf("router:revoked:%s", jti)
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	exists, err := r.client.Exists(ctx, revokedKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// Revoke marks jti as revoked for ttl, which should cover the token's
// remaining lifetime.
func (r *RedisRevocations) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return r.client.Set(ctx, revokedKey(jti), "revoked", ttl).Err()
}
