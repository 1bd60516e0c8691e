package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// WindowStore implements domain.WindowStore using PostgreSQL.
type WindowStore struct {
	pool *pgxpool.Pool
}

// NewWindowStore creates a new WindowStore backed by the given connection pool.
func NewWindowStore(pool *pgxpool.Pool) *WindowStore {
	return &WindowStore{pool: pool}
}

// Save upserts the result of one window keyed by its run id.
func (s *WindowStore) Save(ctx context.Context, res domain.WindowResult) error {
	const query = `
		INSERT INTO windows (
			run_id, slug, side, token_id, bets,
			total_shares, total_spent, avg_price, exit_price, est_pnl,
			reason, started_at, closed_at
		) VALUES (
			$1, $2, NULLIF($3, ''), NULLIF($4, ''), $5,
			$6::numeric, $7::numeric, $8::numeric, $9::numeric, $10::numeric,
			$11, $12, $13
		)
		ON CONFLICT (run_id) DO UPDATE SET
			side = EXCLUDED.side,
			token_id = EXCLUDED.token_id,
			bets = EXCLUDED.bets,
			total_shares = EXCLUDED.total_shares,
			total_spent = EXCLUDED.total_spent,
			avg_price = EXCLUDED.avg_price,
			exit_price = EXCLUDED.exit_price,
			est_pnl = EXCLUDED.est_pnl,
			reason = EXCLUDED.reason,
			closed_at = EXCLUDED.closed_at`

	_, err := s.pool.Exec(ctx, query,
		res.RunID, res.Slug, string(res.Side), res.TokenID, res.Bets,
		res.TotalShares.String(), res.TotalSpent.String(),
		res.AvgPrice.Round(8).String(), res.ExitPrice.String(), res.EstPnL.Round(6).String(),
		string(res.Reason), nullTime(res.StartedAt), nullTime(res.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: save window %s: %w", res.Slug, err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ domain.WindowStore = (*WindowStore)(nil)
