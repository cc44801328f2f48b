// Package cache is a generic read-through cache with two policies:
// passthrough with null-caching (penetration defense) and logical
// expiration with background rebuild (breakdown defense).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/dealpoint/seckill/internal/lock"
	"github.com/dealpoint/seckill/internal/log"
)

const (
	// Confirmed-absent lookups are cached as an empty string with a short
	// TTL so they cannot hammer the database on repeat.
	emptyMarkerTTL = 2 * time.Minute

	rebuildLockTTL = 10 * time.Second
)

// envelope wraps a logically-expiring payload. The store never expires
// the key; staleness is the embedded timestamp.
type envelope struct {
	Data     json.RawMessage `json:"data"`
	ExpireAt time.Time       `json:"expireAt"`
}

type Client struct {
	rdb      *redis.Client
	pool     *RebuildPool
	rebuilds prometheus.Counter
	logger   *log.Logger
}

func NewClient(rdb *redis.Client, pool *RebuildPool, rebuilds prometheus.Counter, logger *log.Logger) *Client {
	return &Client{rdb: rdb, pool: pool, rebuilds: rebuilds, logger: logger}
}

// Set writes a JSON payload with a store-managed TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("write cache %s: %w", key, err)
	}
	return nil
}

// SetWithLogicalExpire writes a never-expiring entry whose staleness is
// the embedded timestamp. Used for pre-warming hot entities.
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	env, err := json.Marshal(envelope{Data: data, ExpireAt: time.Now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, env, 0).Err(); err != nil {
		return fmt.Errorf("write cache %s: %w", key, err)
	}
	return nil
}

// GetWithPassThrough serves a hit from cache, a sentinel hit as absent
// without touching the loader, and on a true miss falls through to the
// loader, caching either the value or the empty marker.
func GetWithPassThrough[T any](ctx context.Context, c *Client, keyPrefix string, id int64, ttl time.Duration, loader func(context.Context, int64) (*T, error)) (*T, error) {
	key := keyPrefix + strconv.FormatInt(id, 10)

	raw, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		if raw == "" {
			// Empty marker: confirmed absent.
			return nil, nil
		}
		var value T
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("decode cache %s: %w", key, err)
		}
		return &value, nil
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("read cache %s: %w", key, err)
	}

	value, err := loader(ctx, id)
	if err != nil {
		return nil, err
	}
	if value == nil {
		if err := c.rdb.Set(ctx, key, "", emptyMarkerTTL).Err(); err != nil {
			return nil, fmt.Errorf("write empty marker %s: %w", key, err)
		}
		return nil, nil
	}

	if err := c.Set(ctx, key, value, ttl); err != nil {
		return nil, err
	}
	return value, nil
}

// GetWithLogicalExpire serves pre-warmed entries and never blocks a
// reader on a rebuild: a stale hit is returned immediately while at most
// one rebuild task runs in the background, serialized by a lock on the
// entry. A miss means the entry was never warmed and is reported absent.
func GetWithLogicalExpire[T any](ctx context.Context, c *Client, keyPrefix, lockPrefix string, id int64, ttl time.Duration, loader func(context.Context, int64) (*T, error)) (*T, error) {
	key := keyPrefix + strconv.FormatInt(id, 10)

	raw, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache %s: %w", key, err)
	}

	value, expireAt, err := decodeEnvelope[T](raw)
	if err != nil {
		return nil, fmt.Errorf("decode cache %s: %w", key, err)
	}
	if expireAt.After(time.Now()) {
		return value, nil
	}

	rebuildLock := lock.New(c.rdb, lockPrefix+strconv.FormatInt(id, 10), rebuildLockTTL)
	acquired, err := rebuildLock.TryLock(ctx)
	if err != nil {
		c.logger.Warnw("cache rebuild lock attempt failed", "key", key, "err", err)
		return value, nil
	}
	if !acquired {
		// Another rebuild is in flight; the stale value suffices.
		return value, nil
	}

	// Double-check after winning the lock: the previous holder may have
	// already refreshed the entry.
	if raw, err := c.rdb.Get(ctx, key).Result(); err == nil {
		fresh, freshExpireAt, err := decodeEnvelope[T](raw)
		if err == nil && freshExpireAt.After(time.Now()) {
			c.unlockRebuild(rebuildLock, key)
			return fresh, nil
		}
	}

	submitted := c.pool.Submit(func() {
		// Detached from the request context: the rebuild must outlive
		// the read that triggered it.
		defer c.unlockRebuild(rebuildLock, key)

		rebuildCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fresh, err := loader(rebuildCtx, id)
		if err != nil {
			c.logger.Errorw("cache rebuild failed", "key", key, "err", err)
			return
		}
		if fresh == nil {
			return
		}
		if err := c.SetWithLogicalExpire(rebuildCtx, key, fresh, ttl); err != nil {
			c.logger.Errorw("cache rebuild write failed", "key", key, "err", err)
			return
		}
		c.rebuilds.Inc()
	})
	if !submitted {
		c.unlockRebuild(rebuildLock, key)
		c.logger.Warnw("rebuild pool saturated, rebuild dropped", "key", key)
	}

	return value, nil
}

func (c *Client) unlockRebuild(l *lock.Lock, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Unlock(ctx); err != nil && err != lock.ErrNotHeld {
		c.logger.Warnw("cache rebuild unlock failed", "key", key, "err", err)
	}
}

func decodeEnvelope[T any](raw string) (*T, time.Time, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, time.Time{}, err
	}
	var value T
	if err := json.Unmarshal(env.Data, &value); err != nil {
		return nil, time.Time{}, err
	}
	return &value, env.ExpireAt, nil
}
