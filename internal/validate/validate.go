// Package validate implements order admission checks against a holdings
// ledger snapshot. Pure decision functions, no side effects.
//
// BUY orders are always admissible at this layer: cash sufficiency is
// deferred to the execution engine and settlement. SELL orders are
// admissible iff the held quantity covers the requested quantity; selling
// the exact held quantity is admissible (drives it to zero, not negative).
package validate

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/stocktrader/portfolio-service/internal/ledger"
	"github.com/stocktrader/portfolio-service/internal/model"
)

var (
	// ErrInsufficientHoldings is returned when a sell requests more shares
	// than the portfolio holds.
	ErrInsufficientHoldings = errors.New("validate: insufficient holdings for sell")

	// ErrInvalidSide is returned for a side other than BUY or SELL.
	ErrInvalidSide = errors.New("validate: side must be BUY or SELL")

	// ErrInvalidQuantity is returned for a zero or negative quantity.
	ErrInvalidQuantity = errors.New("validate: quantity must be positive")

	// ErrInvalidSecurity is returned for an empty security identifier.
	ErrInvalidSecurity = errors.New("validate: security is required")
)

// CheckOrder validates whether an order is admissible against the given
// ledger snapshot. Returns nil if admissible, or an error naming the rule
// violated.
func CheckOrder(l ledger.Ledger, side, security string, qty decimal.Decimal) error {
	if strings.TrimSpace(security) == "" {
		return ErrInvalidSecurity
	}
	if !qty.IsPositive() {
		return ErrInvalidQuantity
	}

	switch side {
	case model.SideBuy:
		return nil
	case model.SideSell:
		if qty.GreaterThan(l.Quantity(security)) {
			return ErrInsufficientHoldings
		}
		return nil
	default:
		return ErrInvalidSide
	}
}
