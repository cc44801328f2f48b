package port

import (
	"context"
	"errors"

	"github.com/dealpoint/seckill/internal/core/domain"
)

// Rejections from the persistence guard. After the fast path already
// granted a reservation these indicate a consistency anomaly, not normal
// contention.
var (
	ErrDuplicateOrder = errors.New("order already exists for this user and voucher")
	ErrStockDepleted  = errors.New("durable stock depleted")
)

type OrderRepository interface {
	// CreateOrder persists an order inside one transaction: re-checks
	// one-order-per-user, decrements durable stock with a stock > 0
	// guard, then inserts the row. Returns ErrDuplicateOrder or
	// ErrStockDepleted when a guard fails.
	CreateOrder(ctx context.Context, intent domain.OrderIntent) error

	// GetOrder returns nil without error when the order does not exist.
	GetOrder(ctx context.Context, id int64) (*domain.Order, error)
}

type CatalogRepository interface {
	// GetVoucher returns nil without error when the voucher does not exist.
	GetVoucher(ctx context.Context, id int64) (*domain.Voucher, error)

	// GetShop returns nil without error when the shop does not exist.
	GetShop(ctx context.Context, id int64) (*domain.Shop, error)
}
