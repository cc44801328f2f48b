package domain

import "time"

// OrderIntent is a reservation accepted by the fast path but not yet
// persisted. It exists only as a queue entry.
type OrderIntent struct {
	OrderID   int64
	UserID    int64
	VoucherID int64
}

// Order is the durable record. At most one order ever exists per
// (UserID, VoucherID) pair.
type Order struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	VoucherID int64     `json:"voucher_id"`
	CreatedAt time.Time `json:"created_at"`
}
