package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL is how long a tenant's memory survives without new turns.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "pollyd:memory:"

// RedisStore keeps each tenant's entries in a capped Redis list.
type RedisStore struct {
	client *redis.Client
	max    int
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, maxEntries int, ttl time.Duration) *RedisStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, max: maxEntries, ttl: ttl}
}

func (s *RedisStore) Recall(ctx context.Context, tenantKey string) ([]Entry, error) {
	raw, err := s.client.LRange(ctx, keyPrefix+tenantKey, 0, int64(s.max-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read memory for %s: %w", tenantKey, err)
	}
	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			zap.S().Debugw("memory_entry_skipped", "tenant", tenantKey, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) Remember(ctx context.Context, tenantKey string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode memory entry: %w", err)
	}
	key := keyPrefix + tenantKey
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(s.max-1))
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store memory for %s: %w", tenantKey, err)
	}
	return nil
}

// Forget drops a tenant's memory.
func (s *RedisStore) Forget(ctx context.Context, tenantKey string) error {
	return s.client.Del(ctx, keyPrefix+tenantKey).Err()
}
