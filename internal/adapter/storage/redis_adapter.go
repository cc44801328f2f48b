package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dealpoint/seckill/internal/core/domain"
	"github.com/dealpoint/seckill/internal/port"
)

const (
	stockKeyPrefix  = "seckill:stock:"
	buyersKeyPrefix = "seckill:buyers:"

	orderStream = "stream.orders"
	orderGroup  = "g1"
)

// Stock check, duplicate check, reservation and intent enqueue run as one
// script so no concurrent attempt can interleave. The XADD lives inside
// the script: a crash between reserve and enqueue can never lose an
// accepted intent.
var reserveScript = redis.NewScript(`
local stockKey = KEYS[1]
local buyersKey = KEYS[2]
local streamKey = KEYS[3]
local userId = ARGV[1]
local orderId = ARGV[2]
local voucherId = ARGV[3]

local stock = redis.call('GET', stockKey)
if not stock or tonumber(stock) <= 0 then
	return 1
end
if redis.call('SISMEMBER', buyersKey, userId) == 1 then
	return 2
end
redis.call('INCRBY', stockKey, -1)
redis.call('SADD', buyersKey, userId)
redis.call('XADD', streamKey, '*', 'orderId', orderId, 'userId', userId, 'voucherId', voucherId)
return 0
`)

// Compensation for a reservation the persistence guard rejected. The SREM
// doubles as the guard: a buyer not in the set holds no reservation, so
// nothing is restored.
var releaseScript = redis.NewScript(`
local stockKey = KEYS[1]
local buyersKey = KEYS[2]
local userId = ARGV[1]

if redis.call('SREM', buyersKey, userId) == 0 then
	return 0
end
redis.call('INCRBY', stockKey, 1)
return 1
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) CheckAndReserve(ctx context.Context, voucherID, userID, orderID int64) (port.ReserveResult, error) {
	keys := []string{stockKey(voucherID), buyersKey(voucherID), orderStream}

	result, err := reserveScript.Run(ctx, r.client, keys,
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(orderID, 10),
		strconv.FormatInt(voucherID, 10),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("run reserve script: %w", err)
	}

	switch result {
	case 0:
		return port.ReserveOK, nil
	case 1:
		return port.ReserveOutOfStock, nil
	case 2:
		return port.ReserveDuplicate, nil
	default:
		return 0, fmt.Errorf("reserve script returned unknown code %d", result)
	}
}

func (r *RedisAdapter) ReleaseReservation(ctx context.Context, voucherID, userID int64) error {
	keys := []string{stockKey(voucherID), buyersKey(voucherID)}
	err := releaseScript.Run(ctx, r.client, keys, strconv.FormatInt(userID, 10)).Err()
	if err != nil {
		return fmt.Errorf("run release script: %w", err)
	}
	return nil
}

func (r *RedisAdapter) PrewarmStock(ctx context.Context, voucherID int64, stock int) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, stockKey(voucherID), stock, 0)
	pipe.Del(ctx, buyersKey(voucherID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("prewarm stock for voucher %d: %w", voucherID, err)
	}
	return nil
}

// EnsureGroup creates the stream and consumer group if missing. Safe to
// call on every startup.
func (r *RedisAdapter) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, orderStream, orderGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (r *RedisAdapter) Dequeue(ctx context.Context, consumer string, block time.Duration) (*port.QueueEntry, error) {
	return r.readGroup(ctx, consumer, ">", block)
}

func (r *RedisAdapter) DequeuePending(ctx context.Context, consumer string) (*port.QueueEntry, error) {
	// Offset 0 reads this consumer's own pending list from the beginning.
	return r.readGroup(ctx, consumer, "0", -1)
}

func (r *RedisAdapter) Ack(ctx context.Context, entryID string) error {
	if err := r.client.XAck(ctx, orderStream, orderGroup, entryID).Err(); err != nil {
		return fmt.Errorf("ack entry %s: %w", entryID, err)
	}
	return nil
}

// PendingCount reports how many entries sit unacknowledged in the group.
func (r *RedisAdapter) PendingCount(ctx context.Context) (int64, error) {
	pending, err := r.client.XPending(ctx, orderStream, orderGroup).Result()
	if err != nil {
		return 0, fmt.Errorf("read pending summary: %w", err)
	}
	return pending.Count, nil
}

// MirroredStock reads the fast-path stock counter. Missing counter means
// the voucher was never prewarmed; reported as -1.
func (r *RedisAdapter) MirroredStock(ctx context.Context, voucherID int64) (int64, error) {
	val, err := r.client.Get(ctx, stockKey(voucherID)).Result()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read mirrored stock: %w", err)
	}
	return strconv.ParseInt(val, 10, 64)
}

func (r *RedisAdapter) readGroup(ctx context.Context, consumer, offset string, block time.Duration) (*port.QueueEntry, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    orderGroup,
		Consumer: consumer,
		Streams:  []string{orderStream, offset},
		Count:    1,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	msg := streams[0].Messages[0]
	intent, err := intentFromValues(msg.Values)
	if err != nil {
		return &port.QueueEntry{ID: msg.ID}, fmt.Errorf("entry %s: %w: %v", msg.ID, port.ErrBadEntry, err)
	}

	return &port.QueueEntry{ID: msg.ID, Intent: intent}, nil
}

func intentFromValues(values map[string]interface{}) (domain.OrderIntent, error) {
	var intent domain.OrderIntent
	var err error

	if intent.OrderID, err = fieldInt64(values, "orderId"); err != nil {
		return intent, err
	}
	if intent.UserID, err = fieldInt64(values, "userId"); err != nil {
		return intent, err
	}
	if intent.VoucherID, err = fieldInt64(values, "voucherId"); err != nil {
		return intent, err
	}
	return intent, nil
}

func fieldInt64(values map[string]interface{}, field string) (int64, error) {
	raw, ok := values[field].(string)
	if !ok {
		return 0, fmt.Errorf("missing field %s", field)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", field, err)
	}
	return n, nil
}

func stockKey(voucherID int64) string {
	return stockKeyPrefix + strconv.FormatInt(voucherID, 10)
}

func buyersKey(voucherID int64) string {
	return buyersKeyPrefix + strconv.FormatInt(voucherID, 10)
}
