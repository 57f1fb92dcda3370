// Package store defines the persistence interface for the portfolio
// service. Implementations include PostgreSQL (source of truth) and
// in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/stocktrader/portfolio-service/internal/ledger"
	"github.com/stocktrader/portfolio-service/internal/model"
)

// ErrNotFound is returned when a portfolio, order, or liquidation record
// does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. All mutation happens under the
// aggregate's per-portfolio serialization, so implementations need no
// locking beyond their own internal consistency.
type Store interface {
	// --- Portfolio state ---

	// CreatePortfolio persists a new portfolio.
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error

	// GetPortfolio retrieves a portfolio with its holdings ledger.
	GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error)

	// UpdateStatus advances the portfolio lifecycle status.
	UpdateStatus(ctx context.Context, id, status string) error

	// UpdateLedger replaces the portfolio's cash balance and holdings.
	UpdateLedger(ctx context.Context, id string, l ledger.Ledger) error

	// --- Immutable order record ---

	// InsertOrder appends an order record.
	InsertOrder(ctx context.Context, o *model.Order) error

	// UpdateOrder updates an order's status and execution ID.
	UpdateOrder(ctx context.Context, orderID, status, executionID string) error

	// GetOrder retrieves an order by its ID.
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)

	// GetOrderByCommandID retrieves the most recent order recorded under an
	// idempotency key, or ErrNotFound.
	GetOrderByCommandID(ctx context.Context, commandID string) (*model.Order, error)

	// GetOrderByExecutionID retrieves the order tied to an execution
	// engine's order ID, or ErrNotFound.
	GetOrderByExecutionID(ctx context.Context, executionID string) (*model.Order, error)

	// ListOrders returns all orders for a portfolio in submission order.
	ListOrders(ctx context.Context, portfolioID string) ([]model.Order, error)

	// MarkEventPublished records that the order's OrderPlaced fact reached
	// the event log.
	MarkEventPublished(ctx context.Context, orderID string) error

	// ListUnpublishedOrders returns accepted (non-rejected) orders whose
	// fact never reached the log, grouped by portfolio in submission order.
	ListUnpublishedOrders(ctx context.Context) ([]model.Order, error)

	// --- Liquidation progress ---

	// SaveLiquidation inserts or updates a liquidation record.
	SaveLiquidation(ctx context.Context, l *model.Liquidation) error

	// GetLiquidation retrieves the liquidation record for a portfolio.
	GetLiquidation(ctx context.Context, portfolioID string) (*model.Liquidation, error)

	// ListLiquidating returns liquidation records for every portfolio
	// still LIQUIDATING, for resume after restart.
	ListLiquidating(ctx context.Context) ([]model.Liquidation, error)
}
