// Package events implements the outbound OrderPlaced event stream: an
// append-only log partitioned by portfolio ID. Events for one portfolio
// are delivered in acceptance order; there is no ordering guarantee across
// portfolios. Delivery is at-least-once; consumers deduplicate by order ID.
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderPlaced is the immutable fact emitted for every accepted order.
type OrderPlaced struct {
	OrderID     string          `json:"order_id"`
	PortfolioID string          `json:"portfolio_id"`
	Security    string          `json:"security"`
	Side        string          `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Log is an append-only, partitioned event log. Append preserves ordering
// within a partition key.
type Log interface {
	Append(ctx context.Context, partitionKey string, fact OrderPlaced) error
}
