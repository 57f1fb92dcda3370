// Package ledger implements the holdings ledger: the authoritative record
// of one portfolio's cash balance and security quantities.
//
// Invariant: no security quantity is ever negative. Cash may go negative
// (overdrawn); that blocks automatic closure during liquidation but is a
// valid ledger state.
package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Ledger holds a cash balance and a security → quantity map. A zero
// quantity is equivalent to absence; mutations prune zero entries.
type Ledger struct {
	Cash     decimal.Decimal            `json:"cash"`
	Holdings map[string]decimal.Decimal `json:"holdings"`
}

// New returns an empty ledger with zero cash and no holdings.
func New() Ledger {
	return Ledger{
		Cash:     decimal.Zero,
		Holdings: make(map[string]decimal.Decimal),
	}
}

// Quantity returns the held quantity of a security (zero if absent).
func (l *Ledger) Quantity(security string) decimal.Decimal {
	return l.Holdings[security]
}

// ReserveSale deducts qty shares of a security, failing rather than ever
// driving a holding negative. Selling the exact held quantity is allowed
// and removes the entry.
func (l *Ledger) ReserveSale(security string, qty decimal.Decimal) error {
	held := l.Holdings[security]
	if qty.GreaterThan(held) {
		return fmt.Errorf("ledger: cannot sell %s of %s, only %s held", qty, security, held)
	}
	remaining := held.Sub(qty)
	if remaining.IsZero() {
		delete(l.Holdings, security)
	} else {
		l.Holdings[security] = remaining
	}
	return nil
}

// CreditShares adds qty shares of a security.
func (l *Ledger) CreditShares(security string, qty decimal.Decimal) {
	if l.Holdings == nil {
		l.Holdings = make(map[string]decimal.Decimal)
	}
	l.Holdings[security] = l.Holdings[security].Add(qty)
}

// CreditCash increases the cash balance.
func (l *Ledger) CreditCash(amount decimal.Decimal) {
	l.Cash = l.Cash.Add(amount)
}

// DebitCash decreases the cash balance. The balance may go negative;
// buy-side funds sufficiency is owned by the execution engine.
func (l *Ledger) DebitCash(amount decimal.Decimal) {
	l.Cash = l.Cash.Sub(amount)
}

// Securities returns the held securities (quantity > 0) in sorted order.
func (l *Ledger) Securities() []string {
	out := make([]string, 0, len(l.Holdings))
	for s, q := range l.Holdings {
		if q.IsPositive() {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// IsEmpty reports whether no securities are held.
func (l *Ledger) IsEmpty() bool {
	for _, q := range l.Holdings {
		if q.IsPositive() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy, so snapshots can leave a lock's critical
// section without sharing the holdings map.
func (l *Ledger) Clone() Ledger {
	c := Ledger{Cash: l.Cash, Holdings: make(map[string]decimal.Decimal, len(l.Holdings))}
	for s, q := range l.Holdings {
		c.Holdings[s] = q
	}
	return c
}
