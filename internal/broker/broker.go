// Package broker defines the external collaborator interfaces: the order
// execution engine, the security pricing service, and the funds-transfer
// service. The portfolio service only initiates requests here; fills and
// transfer confirmations arrive asynchronously via webhook.
package broker

import (
	"context"

	"github.com/shopspring/decimal"
)

// Execution submits orders to the external brokerage engine. Submit
// returns the engine's own order ID; the engine later reports fill or
// failure keyed by that ID.
type Execution interface {
	Submit(ctx context.Context, security, side string, quantity decimal.Decimal) (string, error)
}

// Pricing looks up the current market price of a security. Used only for
// read-time valuation.
type Pricing interface {
	CurrentPrice(ctx context.Context, security string) (decimal.Decimal, error)
}

// Transfer initiates a funds transfer out of a portfolio. TransferOut
// returns a transfer ID; confirmation arrives asynchronously. The
// idempotency key deduplicates re-sends of the same request: a caller
// that crashes before recording the transfer ID can repeat the call and
// get the original transfer back instead of a second one.
type Transfer interface {
	TransferOut(ctx context.Context, portfolioID string, amount decimal.Decimal, idempotencyKey string) (string, error)
}

// FillReport is the execution engine's asynchronous notification for a
// submitted order.
type FillReport struct {
	ExecutionID string          `json:"execution_id"`
	Filled      bool            `json:"filled"` // false = order failed
	Price       decimal.Decimal `json:"price"`  // fill price per share
	Reason      string          `json:"reason,omitempty"`
}

// TransferReport is the funds-transfer service's asynchronous confirmation.
type TransferReport struct {
	TransferID  string `json:"transfer_id"`
	PortfolioID string `json:"portfolio_id"`
	Completed   bool   `json:"completed"`
	Reason      string `json:"reason,omitempty"`
}
