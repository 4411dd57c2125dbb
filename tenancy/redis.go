package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultCacheTTL is how long a resolved link stays cached.
const DefaultCacheTTL = 5 * time.Minute

const cachePrefix = "pollyd:tenancy:"

// CachedStore caches another OwnershipStore's answers in Redis. Lookups
// that fail are never cached, and a Redis outage falls through to the backend.
type CachedStore struct {
	backend OwnershipStore
	client  *redis.Client
	ttl     time.Duration
}

func NewCachedStore(backend OwnershipStore, client *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{backend: backend, client: client, ttl: ttl}
}

func (c *CachedStore) Widget(ctx context.Context, id string) (Widget, error) {
	return cached(ctx, c, "widget:"+id, func() (Widget, error) { return c.backend.Widget(ctx, id) })
}

func (c *CachedStore) Project(ctx context.Context, id string) (Project, error) {
	return cached(ctx, c, "project:"+id, func() (Project, error) { return c.backend.Project(ctx, id) })
}

// Invalidate drops the cached links for a widget and a project. Empty ids are skipped.
func (c *CachedStore) Invalidate(ctx context.Context, widgetID, projectID string) error {
	var keys []string
	if widgetID != "" {
		keys = append(keys, cachePrefix+"widget:"+widgetID)
	}
	if projectID != "" {
		keys = append(keys, cachePrefix+"project:"+projectID)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func cached[T any](ctx context.Context, c *CachedStore, key string, load func() (T, error)) (T, error) {
	key = cachePrefix + key

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var v T
		if jerr := json.Unmarshal(raw, &v); jerr == nil {
			return v, nil
		}
	case !errors.Is(err, redis.Nil):
		zap.S().Debugw("tenancy_cache_unavailable", "key", key, "error", err)
	}

	v, err := load()
	if err != nil {
		return v, err
	}
	if data, jerr := json.Marshal(v); jerr == nil {
		if serr := c.client.Set(ctx, key, data, c.ttl).Err(); serr != nil {
			zap.S().Debugw("tenancy_cache_write_failed", "key", key, "error", serr)
		}
	}
	return v, nil
}
