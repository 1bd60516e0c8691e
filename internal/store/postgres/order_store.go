package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts one posted order. Decimal amounts are passed as text and
// cast so no precision is lost on the way in.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, exchange_id, token_id, wallet, side, order_type,
			price, size, amount, status, signature, reason, message,
			created_at, cancelled_at, updated_at
		) VALUES (
			$1, NULLIF($2, ''), $3, $4, $5, $6,
			$7::numeric, $8::numeric, $9::numeric, $10, $11, $12, $13,
			$14, $15, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.ExchangeID, o.TokenID, o.Wallet,
		string(o.Side), string(o.Type),
		o.Price.String(), o.Size.String(), o.Amount.String(),
		string(o.Status), o.Signature, o.Reason, o.Message,
		o.CreatedAt, o.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateStatus changes the status of the order with the given exchange id.
// It returns domain.ErrNotFound when no row matches.
func (s *OrderStore) UpdateStatus(ctx context.Context, exchangeID string, status domain.OrderStatus) error {
	query := `UPDATE orders SET status = $1, updated_at = NOW() WHERE exchange_id = $2`
	if status == domain.OrderStatusCancelled {
		query = `UPDATE orders SET status = $1, cancelled_at = NOW(), updated_at = NOW() WHERE exchange_id = $2`
	}

	tag, err := s.pool.Exec(ctx, query, string(status), exchangeID)
	if err != nil {
		return fmt.Errorf("postgres: update order status %s: %w", exchangeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update order status %s: %w", exchangeID, domain.ErrNotFound)
	}
	return nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
