package domain

import "time"

// Voucher is a flash-sale item: a strictly limited stock sold inside a
// fixed time window. Stock here is the durable value; a mirrored counter
// in Redis serves the fast path.
type Voucher struct {
	ID        int64
	Title     string
	Stock     int
	BeginTime time.Time
	EndTime   time.Time
}
