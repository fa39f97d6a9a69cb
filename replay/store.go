// Package replaykit rejects DPoP proof jtis (and mTLS proof nonces) that
// were already observed within their validity window, locally and across
// gateway instances.
package replaykit

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedStore is the cluster-wide jti dedup store. The local guard writes
// through asynchronously on the common path; the only synchronous use is
// the disambiguation case where the local exact buffer has rotated past an
// entry before its TTL elapsed.
type SharedStore interface {
	// PutIfAbsent records the jti with the given TTL. fresh is true when
	// the jti was not already present.
	PutIfAbsent(ctx context.Context, jti string, ttl time.Duration) (fresh bool, err error)
}

// RedisStore implements SharedStore on a Redis SET NX EX.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps a Redis client. The default key prefix is
// "gate:replay:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "gate:replay:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClientFromEnv connects using REDIS_ADDR, REDIS_PASSWORD and
// REDIS_DB, defaulting to localhost:6379, and verifies the connection
// with a short ping.
func NewRedisClientFromEnv(ctx context.Context) (*redis.Client, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	db := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			db = parsed
		}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("replay store redis ping: %w", err)
	}
	return client, nil
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	fresh, err := s.client.SetNX(ctx, s.prefix+jti, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay store setnx: %w", err)
	}
	return fresh, nil
}
