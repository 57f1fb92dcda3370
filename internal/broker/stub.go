package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StubExecution is an in-memory Execution for testing and development.
// It accepts every submission, assigns an execution order ID, and records
// the submission for inspection. Fills must be reported separately.
type StubExecution struct {
	mu          sync.Mutex
	submissions []Submission
}

// Submission is one recorded Submit call.
type Submission struct {
	ExecutionID string
	Security    string
	Side        string
	Quantity    decimal.Decimal
}

// NewStubExecution creates a stub execution engine.
func NewStubExecution() *StubExecution {
	return &StubExecution{}
}

func (e *StubExecution) Submit(_ context.Context, security, side string, quantity decimal.Decimal) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := Submission{
		ExecutionID: uuid.New().String(),
		Security:    security,
		Side:        side,
		Quantity:    quantity,
	}
	e.submissions = append(e.submissions, sub)
	return sub.ExecutionID, nil
}

// Submissions returns a copy of every recorded submission.
func (e *StubExecution) Submissions() []Submission {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Submission, len(e.submissions))
	copy(out, e.submissions)
	return out
}

// StaticPricing is an in-memory Pricing backed by a fixed price table.
// Unknown securities price at zero.
type StaticPricing struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticPricing creates a pricing stub with the given price table.
func NewStaticPricing(prices map[string]decimal.Decimal) *StaticPricing {
	if prices == nil {
		prices = make(map[string]decimal.Decimal)
	}
	return &StaticPricing{prices: prices}
}

func (p *StaticPricing) CurrentPrice(_ context.Context, security string) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prices[security], nil
}

// SetPrice updates the price of one security.
func (p *StaticPricing) SetPrice(security string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[security] = price
}

// StubTransfer is an in-memory Transfer that accepts every request and
// records it. Confirmations must be reported separately.
type StubTransfer struct {
	mu       sync.Mutex
	requests []TransferRequest
}

// TransferRequest is one recorded TransferOut call.
type TransferRequest struct {
	TransferID     string
	PortfolioID    string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// NewStubTransfer creates a stub funds-transfer service.
func NewStubTransfer() *StubTransfer {
	return &StubTransfer{}
}

func (t *StubTransfer) TransferOut(_ context.Context, portfolioID string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A repeated key returns the original transfer instead of a second one.
	if idempotencyKey != "" {
		for _, r := range t.requests {
			if r.IdempotencyKey == idempotencyKey {
				return r.TransferID, nil
			}
		}
	}

	req := TransferRequest{
		TransferID:     uuid.New().String(),
		PortfolioID:    portfolioID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
	}
	t.requests = append(t.requests, req)
	return req.TransferID, nil
}

// Requests returns a copy of every recorded transfer request.
func (t *StubTransfer) Requests() []TransferRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TransferRequest, len(t.requests))
	copy(out, t.requests)
	return out
}
