// Package model defines the core domain types shared across the portfolio
// service. All monetary values use shopspring/decimal, never float64.
package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocktrader/portfolio-service/internal/ledger"
)

// Portfolio lifecycle statuses. Transitions are monotonic:
// ACTIVE → LIQUIDATING → CLOSED, never reversed.
const (
	StatusActive      = "ACTIVE"
	StatusLiquidating = "LIQUIDATING"
	StatusClosed      = "CLOSED"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order statuses. An order is ACCEPTED once durably recorded; the external
// execution engine later reports it FILLED or FAILED. REJECTED orders are
// recorded for audit but never forwarded for execution.
const (
	OrderAccepted = "ACCEPTED"
	OrderRejected = "REJECTED"
	OrderFilled   = "FILLED"
	OrderFailed   = "FAILED"
)

// Order origins. Liquidation-issued sells bypass the rule that rejects
// external orders on a LIQUIDATING portfolio.
const (
	OriginExternal    = "external"
	OriginLiquidation = "liquidation"
)

// Funds-transfer statuses tracked by the liquidation workflow.
const (
	TransferNotRequested = "NOT_REQUESTED"
	TransferRequested    = "REQUESTED"
	TransferConfirmed    = "CONFIRMED"
)

// Portfolio is one customer's account: identity, lifecycle status, and the
// holdings ledger. CLOSED portfolios are retained, never deleted.
type Portfolio struct {
	ID        string        `json:"id" db:"id"`
	Name      string        `json:"name" db:"name"` // owner reference
	Status    string        `json:"status" db:"status"`
	Ledger    ledger.Ledger `json:"ledger"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// Order is an immutable record of a placed order. Only Status and
// ExecutionID progress after creation (ACCEPTED → FILLED | FAILED).
type Order struct {
	ID          string          `json:"id" db:"id"`
	CommandID   string          `json:"command_id" db:"command_id"` // idempotency key
	PortfolioID string          `json:"portfolio_id" db:"portfolio_id"`
	Security    string          `json:"security" db:"security"`
	Side        string          `json:"side" db:"side"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	Status      string          `json:"status" db:"status"`
	Origin      string          `json:"origin" db:"origin"`
	ExecutionID string          `json:"execution_id,omitempty" db:"execution_id"` // execution engine's order ID
	SubmittedAt time.Time       `json:"submitted_at" db:"submitted_at"`

	// EventPublished records whether the OrderPlaced fact reached the
	// event log; unpublished accepted orders are replayed at startup.
	EventPublished bool `json:"-" db:"event_published"`
}

// Liquidation is the persisted progress of one portfolio's wind-down.
// It exists only while the portfolio is LIQUIDATING; restarts resume from
// this record rather than re-issuing sells or transfer requests.
type Liquidation struct {
	PortfolioID     string          `json:"portfolio_id" db:"portfolio_id"`
	Pending         map[string]bool `json:"pending"` // securities awaiting sale completion
	TransferStatus  string          `json:"transfer_status" db:"transfer_status"`
	TransferID      string          `json:"transfer_id,omitempty" db:"transfer_id"`
	TransferAmount  decimal.Decimal `json:"transfer_amount" db:"transfer_amount"`
	TransferAttempt int             `json:"transfer_attempt" db:"transfer_attempt"` // idempotency key counter, bumped per failed transfer
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// PendingList returns the pending securities in sorted order.
func (l *Liquidation) PendingList() []string {
	out := make([]string, 0, len(l.Pending))
	for s := range l.Pending {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// HoldingView is one holding enriched with a read-time market price.
type HoldingView struct {
	Security    string          `json:"security"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	MarketValue decimal.Decimal `json:"market_value"`
}

// PortfolioView is the current state of a portfolio plus the market
// valuation of its holdings. The valuation is a read-time enrichment from
// the pricing collaborator, never stored.
type PortfolioView struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Status    string          `json:"status"`
	Cash      decimal.Decimal `json:"cash"`
	Holdings  []HoldingView   `json:"holdings"`
	Valuation decimal.Decimal `json:"valuation"` // Σ quantity × price
}
