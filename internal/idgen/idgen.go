package idgen

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Fixed forever: changing the epoch could collide with issued IDs.
	epochSecond int64 = 1704067200 // 2024-01-01T00:00:00Z

	counterBits = 32
	keyPrefix   = "icr:"
	dateLayout  = "2006:01:02"
)

// Counter atomically increments a named sequence.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
}

type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// Generator produces collision-free, roughly time-ordered 64-bit IDs:
// seconds since the epoch in the high bits, a per-business-day counter in
// the low 32. Uniqueness comes from the counter alone, so clock skew
// between generators only affects ordering.
type Generator struct {
	counter Counter
	now     func() time.Time
}

func NewGenerator(counter Counter) *Generator {
	return &Generator{counter: counter, now: time.Now}
}

func (g *Generator) NextID(ctx context.Context, businessKey string) (int64, error) {
	now := g.now().UTC()
	timestamp := now.Unix() - epochSecond

	key := keyPrefix + businessKey + ":" + now.Format(dateLayout)
	count, err := g.counter.Incr(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("increment sequence %s: %w", key, err)
	}

	return timestamp<<counterBits | count, nil
}
