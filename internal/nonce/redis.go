package nonce

import (
	"context"
	"fmt"
	"math/big"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces nonce keys.
const DefaultRedisPrefix = "escrow:nonce:"

// RedisRegistry stores consumed nonces as Redis keys without expiry.
// SETNX provides the atomic check-and-mark.
type RedisRegistry struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisRegistry creates a Redis-backed registry.
func NewRedisRegistry(rdb redis.UniversalClient, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisRegistry{rdb: rdb, prefix: prefix}
}

func (r *RedisRegistry) key(nonce *big.Int) string {
	return r.prefix + Key(nonce)
}

func (r *RedisRegistry) IsUsed(ctx context.Context, nonce *big.Int) (bool, error) {
	if err := validate(nonce); err != nil {
		return false, err
	}
	n, err := r.rdb.Exists(ctx, r.key(nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("check nonce in redis: %w", err)
	}
	return n > 0, nil
}

func (r *RedisRegistry) MarkUsed(ctx context.Context, nonce *big.Int) error {
	if err := validate(nonce); err != nil {
		return err
	}
	ok, err := r.rdb.SetNX(ctx, r.key(nonce), "1", 0).Result()
	if err != nil {
		return fmt.Errorf("mark nonce used in redis: %w", err)
	}
	if !ok {
		return ErrNonceAlreadyUsed
	}
	return nil
}

func (r *RedisRegistry) Unmark(ctx context.Context, nonce *big.Int) error {
	if err := validate(nonce); err != nil {
		return err
	}
	if err := r.rdb.Del(ctx, r.key(nonce)).Err(); err != nil {
		return fmt.Errorf("unmark nonce in redis: %w", err)
	}
	return nil
}

var _ Registry = (*RedisRegistry)(nil)
