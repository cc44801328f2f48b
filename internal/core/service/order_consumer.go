package service

import (
	"context"
	"errors"
	"time"

	"github.com/dealpoint/seckill/internal/core/domain"
	"github.com/dealpoint/seckill/internal/log"
	"github.com/dealpoint/seckill/internal/metrics"
	"github.com/dealpoint/seckill/internal/port"
)

const persistTimeout = 5 * time.Second

// OrderConsumer drains the order queue and persists intents through the
// persistence guard. It runs two phases: a live phase block-reading new
// entries, and a recovery phase that replays this consumer's own pending
// list after a fault or at startup. An accepted intent is retried until
// persisted or rejected by the guard; it is never silently dropped.
type OrderConsumer struct {
	queue   port.OrderQueue
	orders  port.OrderRepository
	store   port.ReservationStore
	metrics *metrics.Metrics
	logger  *log.Logger

	consumer string
	block    time.Duration
	backoff  time.Duration

	stop chan struct{}
	done chan struct{}
}

func NewOrderConsumer(queue port.OrderQueue, orders port.OrderRepository, store port.ReservationStore, m *metrics.Metrics, logger *log.Logger, consumer string, block, backoff time.Duration) *OrderConsumer {
	return &OrderConsumer{
		queue:    queue,
		orders:   orders,
		store:    store,
		metrics:  m,
		logger:   logger,
		consumer: consumer,
		block:    block,
		backoff:  backoff,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *OrderConsumer) Start() {
	go c.run()
}

// Stop signals the loop and waits for it to finish. The live read's block
// timeout bounds how long this takes.
func (c *OrderConsumer) Stop() {
	close(c.stop)
	<-c.done
}

func (c *OrderConsumer) run() {
	defer close(c.done)

	// A previous incarnation of this consumer may have crashed with
	// entries assigned but unacknowledged.
	c.recoverPending()

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		entry, err := c.queue.Dequeue(context.Background(), c.consumer, c.block)
		if err != nil {
			if errors.Is(err, port.ErrBadEntry) && entry != nil {
				c.dropBadEntry(entry.ID, err)
				continue
			}
			c.logger.Errorw("order queue read failed", "err", err)
			c.recoverPending()
			continue
		}
		if entry == nil {
			continue
		}

		c.handle(entry)
	}
}

// recoverPending replays this consumer's unacknowledged backlog from the
// beginning until empty, then returns to live consumption.
func (c *OrderConsumer) recoverPending() {
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		entry, err := c.queue.DequeuePending(context.Background(), c.consumer)
		if err != nil {
			if errors.Is(err, port.ErrBadEntry) && entry != nil {
				c.dropBadEntry(entry.ID, err)
				continue
			}
			c.logger.Errorw("pending list read failed", "err", err)
			c.sleep()
			continue
		}
		if entry == nil {
			return
		}

		if acked := c.handle(entry); !acked {
			// Same entry will be re-read; back off before the retry.
			c.sleep()
			continue
		}
		c.metrics.PendingReplayed.Inc()
	}
}

// handle persists one intent and acknowledges it. Returns false only for
// transient faults, leaving the entry pending for recovery. A duplicate
// rejection for the intent's own order ID is a redelivery (crash between
// persist and ack) and counts as success; any other guard rejection is a
// consistency anomaly, so the mirrored reservation is released and the
// entry acknowledged so it cannot replay forever.
func (c *OrderConsumer) handle(entry *port.QueueEntry) bool {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	intent := entry.Intent
	err := c.orders.CreateOrder(ctx, intent)
	switch {
	case err == nil:
		c.metrics.OrdersPersisted.Inc()

	case errors.Is(err, port.ErrDuplicateOrder):
		existing, gerr := c.orders.GetOrder(ctx, intent.OrderID)
		if gerr != nil {
			c.logger.Errorw("order lookup failed, leaving entry pending",
				"order_id", intent.OrderID, "err", gerr)
			return false
		}
		if existing != nil {
			// This exact order was already persisted; only the ack was
			// lost. The reservation is legitimately spent.
			c.logger.Infow("redelivered intent already persisted",
				"order_id", intent.OrderID, "user_id", intent.UserID,
				"voucher_id", intent.VoucherID)
			break
		}
		// A different order holds the (user, voucher) pair.
		c.compensate(ctx, intent, err)

	case errors.Is(err, port.ErrStockDepleted):
		c.compensate(ctx, intent, err)

	default:
		c.logger.Errorw("persist order failed, leaving entry pending",
			"order_id", intent.OrderID, "err", err)
		return false
	}

	if err := c.queue.Ack(ctx, entry.ID); err != nil {
		// Redelivery is safe: the guard's duplicate check makes the
		// persistence idempotent.
		c.logger.Errorw("ack failed", "entry_id", entry.ID, "err", err)
		return false
	}
	return true
}

func (c *OrderConsumer) compensate(ctx context.Context, intent domain.OrderIntent, cause error) {
	c.metrics.PersistAnomalies.Inc()
	c.logger.Errorw("persistence guard rejected reserved intent",
		"order_id", intent.OrderID, "user_id", intent.UserID,
		"voucher_id", intent.VoucherID, "reason", cause)
	if err := c.store.ReleaseReservation(ctx, intent.VoucherID, intent.UserID); err != nil {
		c.logger.Errorw("reservation release failed, mirrored stock may drift",
			"order_id", intent.OrderID, "err", err)
	}
}

func (c *OrderConsumer) dropBadEntry(entryID string, cause error) {
	c.logger.Errorw("dropping malformed queue entry", "entry_id", entryID, "err", cause)
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.queue.Ack(ctx, entryID); err != nil {
		c.logger.Errorw("ack of malformed entry failed", "entry_id", entryID, "err", err)
	}
}

func (c *OrderConsumer) sleep() {
	select {
	case <-c.stop:
	case <-time.After(c.backoff):
	}
}
