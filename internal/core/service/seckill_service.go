package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dealpoint/seckill/internal/core/domain"
	"github.com/dealpoint/seckill/internal/idgen"
	"github.com/dealpoint/seckill/internal/log"
	"github.com/dealpoint/seckill/internal/metrics"
	"github.com/dealpoint/seckill/internal/port"
)

var (
	ErrVoucherNotFound   = errors.New("voucher not found")
	ErrSaleNotStarted    = errors.New("sale has not started")
	ErrSaleEnded         = errors.New("sale has ended")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicateOrder    = errors.New("duplicate order")
)

const orderBusinessKey = "order"

// SeckillService is the fast path: window check, ID generation and the
// atomic eligibility check. It never touches the durable store for a
// purchase; persistence happens asynchronously via the OrderConsumer.
type SeckillService struct {
	store   port.ReservationStore
	catalog port.CatalogRepository
	ids     *idgen.Generator
	metrics *metrics.Metrics
	logger  *log.Logger
	now     func() time.Time
}

func NewSeckillService(store port.ReservationStore, catalog port.CatalogRepository, ids *idgen.Generator, m *metrics.Metrics, logger *log.Logger) *SeckillService {
	return &SeckillService{
		store:   store,
		catalog: catalog,
		ids:     ids,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Purchase attempts to buy one unit of the voucher for the user. On
// success the returned order ID refers to an order that is guaranteed to
// be persisted eventually; rejections are ErrInsufficientStock,
// ErrDuplicateOrder and the window errors.
func (s *SeckillService) Purchase(ctx context.Context, userID, voucherID int64) (int64, error) {
	voucher, err := s.catalog.GetVoucher(ctx, voucherID)
	if err != nil {
		return 0, fmt.Errorf("load voucher %d: %w", voucherID, err)
	}
	if voucher == nil {
		return 0, ErrVoucherNotFound
	}

	now := s.now()
	if now.Before(voucher.BeginTime) {
		return 0, ErrSaleNotStarted
	}
	if now.After(voucher.EndTime) {
		return 0, ErrSaleEnded
	}

	orderID, err := s.ids.NextID(ctx, orderBusinessKey)
	if err != nil {
		return 0, fmt.Errorf("generate order id: %w", err)
	}

	result, err := s.store.CheckAndReserve(ctx, voucherID, userID, orderID)
	if err != nil {
		s.metrics.PurchaseTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("reserve voucher %d: %w", voucherID, err)
	}

	switch result {
	case port.ReserveOutOfStock:
		s.metrics.PurchaseTotal.WithLabelValues("out_of_stock").Inc()
		return 0, ErrInsufficientStock
	case port.ReserveDuplicate:
		s.metrics.PurchaseTotal.WithLabelValues("duplicate").Inc()
		return 0, ErrDuplicateOrder
	}

	s.metrics.PurchaseTotal.WithLabelValues("ok").Inc()
	s.logger.Infow("order reserved", "order_id", orderID, "user_id", userID, "voucher_id", voucherID)
	return orderID, nil
}

// PrewarmVoucher mirrors the voucher's stock into the coordination store
// and clears the has-ordered set. Run before the sale window opens.
func (s *SeckillService) PrewarmVoucher(ctx context.Context, voucher *domain.Voucher) error {
	if err := s.store.PrewarmStock(ctx, voucher.ID, voucher.Stock); err != nil {
		return fmt.Errorf("prewarm voucher %d: %w", voucher.ID, err)
	}
	s.logger.Infow("voucher prewarmed", "voucher_id", voucher.ID, "stock", voucher.Stock)
	return nil
}
