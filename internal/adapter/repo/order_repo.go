package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"aigen/internal/domain"
)

// OrderRepositoryPG implements domain.OrderRepository. The order workflow is
// owned by the surrounding application; this repository only reads status and
// performs the conditional promotions.
type OrderRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewOrderRepository creates an order repository backed by PostgreSQL.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepositoryPG {
	return &OrderRepositoryPG{pool: pool}
}

var _ domain.OrderRepository = (*OrderRepositoryPG)(nil)

// GetStatus returns the current order status.
func (r *OrderRepositoryPG) GetStatus(ctx context.Context, orderID int64) (domain.OrderStatus, error) {
	row := r.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1;`, orderID)
	var status domain.OrderStatus
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("repo: get order status: %w", err)
	}
	return status, nil
}

// AdvanceStatus moves the order to the target status only when its current
// status is one of from. A no-op match is not an error.
func (r *OrderRepositoryPG) AdvanceStatus(ctx context.Context, orderID int64, from []domain.OrderStatus, to domain.OrderStatus) error {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	_, err := r.pool.Exec(ctx, `
UPDATE orders
SET status = $2,
    updated_at = NOW()
WHERE id = $1
  AND status = ANY($3);
`, orderID, to, states)
	if err != nil {
		return fmt.Errorf("repo: advance order %d status: %w", orderID, err)
	}
	return nil
}
