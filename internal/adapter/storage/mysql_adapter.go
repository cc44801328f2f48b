package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dealpoint/seckill/internal/core/domain"
	"github.com/dealpoint/seckill/internal/port"
)

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// CreateOrder is the persistence guard. The duplicate re-check defends
// against at-least-once redelivery; the stock > 0 guard defends against
// drift between mirrored and durable stock. Both rejections are no-ops.
func (m *MySQLAdapter) CreateOrder(ctx context.Context, intent domain.OrderIntent) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE user_id = ? AND voucher_id = ?`,
		intent.UserID, intent.VoucherID,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("check existing order: %w", err)
	}
	if count > 0 {
		return port.ErrDuplicateOrder
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE vouchers
		SET stock = stock - 1, updated_at = NOW()
		WHERE id = ? AND stock > 0`,
		intent.VoucherID,
	)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return port.ErrStockDepleted
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, voucher_id, created_at)
		VALUES (?, ?, ?, ?)`,
		intent.OrderID, intent.UserID, intent.VoucherID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	return tx.Commit()
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	var o domain.Order
	err := m.db.QueryRowContext(ctx, `
		SELECT id, user_id, voucher_id, created_at
		FROM orders WHERE id = ?`, id,
	).Scan(&o.ID, &o.UserID, &o.VoucherID, &o.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

func (m *MySQLAdapter) GetVoucher(ctx context.Context, id int64) (*domain.Voucher, error) {
	var v domain.Voucher
	err := m.db.QueryRowContext(ctx, `
		SELECT id, title, stock, begin_time, end_time
		FROM vouchers WHERE id = ?`, id,
	).Scan(&v.ID, &v.Title, &v.Stock, &v.BeginTime, &v.EndTime)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query voucher: %w", err)
	}
	return &v, nil
}

func (m *MySQLAdapter) GetShop(ctx context.Context, id int64) (*domain.Shop, error) {
	var s domain.Shop
	err := m.db.QueryRowContext(ctx, `
		SELECT id, name, address, avg_cost, score
		FROM shops WHERE id = ?`, id,
	).Scan(&s.ID, &s.Name, &s.Address, &s.AvgCost, &s.Score)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query shop: %w", err)
	}
	return &s, nil
}

// ListActiveVouchers returns vouchers whose sale window covers now.
// Used by the reconciliation job.
func (m *MySQLAdapter) ListActiveVouchers(ctx context.Context) ([]domain.Voucher, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, title, stock, begin_time, end_time
		FROM vouchers WHERE begin_time <= NOW() AND end_time >= NOW()`)
	if err != nil {
		return nil, fmt.Errorf("query active vouchers: %w", err)
	}
	defer rows.Close()

	var vouchers []domain.Voucher
	for rows.Next() {
		var v domain.Voucher
		if err := rows.Scan(&v.ID, &v.Title, &v.Stock, &v.BeginTime, &v.EndTime); err != nil {
			return nil, fmt.Errorf("scan voucher: %w", err)
		}
		vouchers = append(vouchers, v)
	}
	return vouchers, rows.Err()
}
