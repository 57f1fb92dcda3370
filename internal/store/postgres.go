package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stocktrader/portfolio-service/internal/ledger"
	"github.com/stocktrader/portfolio-service/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolios (id, name, status, cash, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		p.ID, p.Name, p.Status, p.Ledger.Cash.String(), p.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	var p model.Portfolio
	var cash string

	err := s.pool.QueryRow(ctx,
		`SELECT id, name, status, cash::TEXT, created_at
		 FROM portfolios WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Status, &cash, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", id, err)
	}

	p.Ledger = ledger.New()
	p.Ledger.Cash, _ = decimal.NewFromString(cash)

	rows, err := s.pool.Query(ctx,
		`SELECT security, quantity::TEXT FROM holdings
		 WHERE portfolio_id = $1 AND quantity > 0`, id)
	if err != nil {
		return nil, fmt.Errorf("get holdings %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var security, qty string
		if err := rows.Scan(&security, &qty); err != nil {
			return nil, err
		}
		q, _ := decimal.NewFromString(qty)
		p.Ledger.Holdings[security] = q
	}
	return &p, rows.Err()
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE portfolios SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateLedger replaces cash and holdings atomically so a crash cannot
// leave a partially applied ledger.
func (s *PostgresStore) UpdateLedger(ctx context.Context, id string, l ledger.Ledger) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE portfolios SET cash = $2::NUMERIC WHERE id = $1`,
		id, l.Cash.String()); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM holdings WHERE portfolio_id = $1`, id); err != nil {
		return err
	}
	for security, qty := range l.Holdings {
		if !qty.IsPositive() {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO holdings (portfolio_id, security, quantity)
			 VALUES ($1, $2, $3::NUMERIC)`,
			id, security, qty.String()); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, command_id, portfolio_id, security, side, quantity, status, origin, execution_id, submitted_at, event_published)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11)`,
		o.ID, o.CommandID, o.PortfolioID, o.Security, o.Side,
		o.Quantity.String(), o.Status, o.Origin, o.ExecutionID, o.SubmittedAt,
		o.EventPublished,
	)
	return err
}

func (s *PostgresStore) MarkEventPublished(ctx context.Context, orderID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET event_published = TRUE WHERE id = $1`, orderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, orderID, status, executionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $2,
		     execution_id = CASE WHEN $3 = '' THEN execution_id ELSE $3 END
		 WHERE id = $1`,
		orderID, status, executionID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.getOrder(ctx, `WHERE id = $1`, orderID)
}

func (s *PostgresStore) GetOrderByCommandID(ctx context.Context, commandID string) (*model.Order, error) {
	return s.getOrder(ctx, `WHERE command_id = $1 ORDER BY submitted_at DESC LIMIT 1`, commandID)
}

func (s *PostgresStore) GetOrderByExecutionID(ctx context.Context, executionID string) (*model.Order, error) {
	if executionID == "" {
		return nil, fmt.Errorf("empty execution id: %w", ErrNotFound)
	}
	return s.getOrder(ctx, `WHERE execution_id = $1`, executionID)
}

func (s *PostgresStore) getOrder(ctx context.Context, where, arg string) (*model.Order, error) {
	var o model.Order
	var qty string

	err := s.pool.QueryRow(ctx,
		`SELECT id, command_id, portfolio_id, security, side, quantity::TEXT, status, origin, execution_id, submitted_at, event_published
		 FROM orders `+where, arg).
		Scan(&o.ID, &o.CommandID, &o.PortfolioID, &o.Security, &o.Side,
			&qty, &o.Status, &o.Origin, &o.ExecutionID, &o.SubmittedAt, &o.EventPublished)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", arg, err)
	}

	o.Quantity, _ = decimal.NewFromString(qty)
	return &o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, portfolioID string) ([]model.Order, error) {
	return s.listOrders(ctx,
		`WHERE portfolio_id = $1 ORDER BY submitted_at`, portfolioID)
}

func (s *PostgresStore) ListUnpublishedOrders(ctx context.Context) ([]model.Order, error) {
	return s.listOrders(ctx,
		`WHERE NOT event_published AND status <> $1
		 ORDER BY portfolio_id, submitted_at`, model.OrderRejected)
}

func (s *PostgresStore) listOrders(ctx context.Context, where string, arg any) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, command_id, portfolio_id, security, side, quantity::TEXT, status, origin, execution_id, submitted_at, event_published
		 FROM orders `+where, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var qty string
		if err := rows.Scan(&o.ID, &o.CommandID, &o.PortfolioID, &o.Security, &o.Side,
			&qty, &o.Status, &o.Origin, &o.ExecutionID, &o.SubmittedAt, &o.EventPublished); err != nil {
			return nil, err
		}
		o.Quantity, _ = decimal.NewFromString(qty)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) SaveLiquidation(ctx context.Context, l *model.Liquidation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO liquidations (portfolio_id, pending, transfer_status, transfer_id, transfer_amount, transfer_attempt, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)
		 ON CONFLICT (portfolio_id) DO UPDATE
		 SET pending = EXCLUDED.pending,
		     transfer_status = EXCLUDED.transfer_status,
		     transfer_id = EXCLUDED.transfer_id,
		     transfer_amount = EXCLUDED.transfer_amount,
		     transfer_attempt = EXCLUDED.transfer_attempt,
		     updated_at = EXCLUDED.updated_at`,
		l.PortfolioID, l.PendingList(), l.TransferStatus, l.TransferID,
		l.TransferAmount.String(), l.TransferAttempt, l.StartedAt, l.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetLiquidation(ctx context.Context, portfolioID string) (*model.Liquidation, error) {
	var l model.Liquidation
	var pending []string
	var amount string

	err := s.pool.QueryRow(ctx,
		`SELECT portfolio_id, pending, transfer_status, transfer_id, transfer_amount::TEXT, transfer_attempt, started_at, updated_at
		 FROM liquidations WHERE portfolio_id = $1`, portfolioID).
		Scan(&l.PortfolioID, &pending, &l.TransferStatus, &l.TransferID,
			&amount, &l.TransferAttempt, &l.StartedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("liquidation %s: %w", portfolioID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get liquidation %s: %w", portfolioID, err)
	}

	l.Pending = make(map[string]bool, len(pending))
	for _, sec := range pending {
		l.Pending[sec] = true
	}
	l.TransferAmount, _ = decimal.NewFromString(amount)
	return &l, nil
}

func (s *PostgresStore) ListLiquidating(ctx context.Context) ([]model.Liquidation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT l.portfolio_id, l.pending, l.transfer_status, l.transfer_id, l.transfer_amount::TEXT, l.transfer_attempt, l.started_at, l.updated_at
		 FROM liquidations l
		 JOIN portfolios p ON p.id = l.portfolio_id
		 WHERE p.status = $1`, model.StatusLiquidating)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Liquidation
	for rows.Next() {
		var l model.Liquidation
		var pending []string
		var amount string
		if err := rows.Scan(&l.PortfolioID, &pending, &l.TransferStatus, &l.TransferID,
			&amount, &l.TransferAttempt, &l.StartedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.Pending = make(map[string]bool, len(pending))
		for _, sec := range pending {
			l.Pending[sec] = true
		}
		l.TransferAmount, _ = decimal.NewFromString(amount)
		result = append(result, l)
	}
	return result, rows.Err()
}
