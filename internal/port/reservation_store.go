package port

import (
	"context"
	"errors"
	"time"

	"github.com/dealpoint/seckill/internal/core/domain"
)

// ReserveResult is the outcome of the atomic eligibility check.
type ReserveResult int

const (
	ReserveOK ReserveResult = iota
	ReserveOutOfStock
	ReserveDuplicate
)

// ErrBadEntry marks a queue entry whose payload cannot be decoded. The
// entry ID is still returned so the consumer can acknowledge and drop it.
var ErrBadEntry = errors.New("malformed queue entry")

type ReservationStore interface {
	// CheckAndReserve atomically validates stock and buyer uniqueness,
	// reserves one unit and enqueues the order intent. A non-OK result is
	// a rejection, not an error.
	CheckAndReserve(ctx context.Context, voucherID, userID, orderID int64) (ReserveResult, error)

	// ReleaseReservation undoes a reservation the persistence guard
	// rejected: restores one unit of mirrored stock and removes the buyer
	// from the has-ordered set. No-op if the buyer holds no reservation.
	ReleaseReservation(ctx context.Context, voucherID, userID int64) error

	// PrewarmStock writes the mirrored stock counter and clears the
	// has-ordered set before a sale opens.
	PrewarmStock(ctx context.Context, voucherID int64, stock int) error
}

// QueueEntry is one dequeued order intent together with its transport ID,
// needed for acknowledgement.
type QueueEntry struct {
	ID     string
	Intent domain.OrderIntent
}

type OrderQueue interface {
	// Dequeue block-reads up to one new entry, waiting at most block.
	// Returns nil when the wait times out with nothing to read.
	Dequeue(ctx context.Context, consumer string, block time.Duration) (*QueueEntry, error)

	// DequeuePending reads the oldest entry from this consumer's own
	// unacknowledged backlog without blocking. Returns nil when the
	// backlog is empty.
	DequeuePending(ctx context.Context, consumer string) (*QueueEntry, error)

	// Ack marks the entry as processed.
	Ack(ctx context.Context, entryID string) error
}
