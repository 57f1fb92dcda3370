// Package portfolio implements the portfolio aggregate: the single
// authority over one portfolio's command stream. Commands for the same
// portfolio ID execute one at a time; distinct portfolios proceed
// concurrently. The per-ID lock is held only across the local
// check-and-mutate; pricing lookups and execution submission happen
// outside the critical section. Event publication also happens outside it,
// under a dedicated per-ID publish lock acquired at acceptance, so facts
// reach the log in acceptance order without the aggregate lock spanning
// the log call.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stocktrader/portfolio-service/internal/backoff"
	"github.com/stocktrader/portfolio-service/internal/broker"
	"github.com/stocktrader/portfolio-service/internal/events"
	"github.com/stocktrader/portfolio-service/internal/ledger"
	"github.com/stocktrader/portfolio-service/internal/metrics"
	"github.com/stocktrader/portfolio-service/internal/model"
	"github.com/stocktrader/portfolio-service/internal/store"
	"github.com/stocktrader/portfolio-service/internal/validate"
)

// Rejection is a domain rejection: part of the normal command result,
// returned to the caller with a reason, never a fault.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

func reject(format string, args ...any) *Rejection {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// Liquidator drives a portfolio's wind-down once liquidate is accepted.
// Implemented by the liquidation manager; set after construction to break
// the construction cycle between aggregate and workflow.
type Liquidator interface {
	Begin(ctx context.Context, portfolioID string) error
	OnFill(ctx context.Context, portfolioID, security string) error
	OnTransferConfirmed(ctx context.Context, report broker.TransferReport) error
}

// OrderDetails is the payload of a placeOrder command.
type OrderDetails struct {
	Security string          `json:"security"`
	Side     string          `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Service handles portfolio commands: open, placeOrder, liquidate, view,
// plus the fill and transfer webhooks from external collaborators.
type Service struct {
	store   store.Store
	log     events.Log
	pricing broker.Pricing
	exec    broker.Execution
	hub     *events.Hub // optional WebSocket fan-out for OrderPlaced
	liq     Liquidator
	locks   lockTable

	// pubLocks serializes event publication per portfolio. Acquired inside
	// admit's critical section (strictly after the aggregate lock, so no
	// cycle) and released once the fact is appended, pinning log order to
	// acceptance order.
	pubLocks lockTable
}

// NewService creates a new portfolio service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, log events.Log, pricing broker.Pricing, exec broker.Execution, hub *events.Hub) *Service {
	return &Service{
		store:   st,
		log:     log,
		pricing: pricing,
		exec:    exec,
		hub:     hub,
	}
}

// SetLiquidator wires the liquidation workflow. Must be called before the
// service accepts liquidate commands.
func (s *Service) SetLiquidator(l Liquidator) { s.liq = l }

// Open creates a new portfolio in ACTIVE status with zero balance and no
// holdings. Fails only on storage unavailability.
func (s *Service) Open(ctx context.Context, name string) (*model.Portfolio, error) {
	p := &model.Portfolio{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    model.StatusActive,
		Ledger:    ledger.New(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreatePortfolio(ctx, p); err != nil {
		return nil, fmt.Errorf("open portfolio: %w", err)
	}

	slog.Info("portfolio opened", "id", p.ID, "name", name)
	return p, nil
}

// Place handles an externally submitted order.
func (s *Service) Place(ctx context.Context, portfolioID string, d OrderDetails) (*model.Order, error) {
	return s.place(ctx, portfolioID, d, model.OriginExternal, uuid.New().String())
}

// place runs the admission check and tentative ledger delta under the
// portfolio's lock, then publishes the OrderPlaced fact and forwards the
// order to the execution engine outside it.
func (s *Service) place(ctx context.Context, portfolioID string, d OrderDetails, origin, commandID string) (*model.Order, error) {
	start := time.Now()

	order, released, err := s.admit(ctx, portfolioID, d, origin, commandID)
	if err != nil {
		return nil, err
	}

	metrics.OrdersAccepted.WithLabelValues(order.Side, origin).Inc()
	metrics.OrderLatency.WithLabelValues(order.Side).Observe(time.Since(start).Seconds())

	// Publish while holding the publish lock taken at acceptance: a later
	// acceptance for the same portfolio cannot append before this one.
	fact := orderPlacedFact(order)
	if err := backoff.Retry(ctx, 3, func() error {
		return s.log.Append(ctx, order.PortfolioID, fact)
	}); err != nil {
		// Acceptance is already durable and the order stays marked
		// unpublished; ReplayEvents drains it on the next startup.
		slog.Error("order event publish failed, will replay on restart", "order", order.ID, "err", err)
	} else {
		if markErr := s.store.MarkEventPublished(ctx, order.ID); markErr != nil {
			slog.Error("event publish mark failed", "order", order.ID, "err", markErr)
		}
		metrics.EventsPublished.Inc()
		if s.hub != nil {
			s.hub.Broadcast(fact)
		}
	}
	released()

	executionID, err := s.exec.Submit(ctx, order.Security, order.Side, order.Quantity)
	if err != nil {
		// Acceptance stands: the order is recorded and the event emitted.
		// Liquidation sells are re-driven by the workflow; external orders
		// surface through order history as ACCEPTED without an execution ID.
		slog.Error("execution submit failed", "order", order.ID, "err", err)
		return order, nil
	}

	if err := s.store.UpdateOrder(ctx, order.ID, model.OrderAccepted, executionID); err != nil {
		slog.Error("execution id update failed", "order", order.ID, "err", err)
		return order, nil
	}
	order.ExecutionID = executionID

	slog.Info("order placed",
		"order", order.ID,
		"portfolio", order.PortfolioID,
		"security", order.Security,
		"side", order.Side,
		"qty", order.Quantity.String(),
		"origin", origin,
	)
	return order, nil
}

// admit is the serialized check-and-mutate: validate the order against the
// current ledger, reserve sold shares, and record the order. On success it
// also returns the portfolio's publish lock, already held, which the
// caller releases after appending the OrderPlaced fact.
func (s *Service) admit(ctx context.Context, portfolioID string, d OrderDetails, origin, commandID string) (*model.Order, func(), error) {
	unlock := s.locks.acquire(portfolioID)
	defer unlock()

	p, err := s.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case p.Status == model.StatusClosed:
		metrics.OrdersRejected.WithLabelValues(d.Side).Inc()
		return nil, nil, reject("portfolio %s is closed", portfolioID)
	case p.Status == model.StatusLiquidating && origin != model.OriginLiquidation:
		metrics.OrdersRejected.WithLabelValues(d.Side).Inc()
		return nil, nil, reject("portfolio %s is liquidating", portfolioID)
	}

	order := &model.Order{
		ID:          uuid.New().String(),
		CommandID:   commandID,
		PortfolioID: portfolioID,
		Security:    d.Security,
		Side:        d.Side,
		Quantity:    d.Quantity,
		Origin:      origin,
		SubmittedAt: time.Now().UTC(),
	}

	if err := validate.CheckOrder(p.Ledger, d.Side, d.Security, d.Quantity); err != nil {
		order.Status = model.OrderRejected
		if insErr := s.store.InsertOrder(ctx, order); insErr != nil {
			slog.Error("rejected order record failed", "order", order.ID, "err", insErr)
		}
		metrics.OrdersRejected.WithLabelValues(d.Side).Inc()
		return nil, nil, reject("order rejected: %s", err.Error())
	}

	// Tentative delta: a sell reserves the shares immediately so no later
	// order can double-spend them. Cash moves only on the fill report.
	previous := p.Ledger.Clone()
	if d.Side == model.SideSell {
		if err := p.Ledger.ReserveSale(d.Security, d.Quantity); err != nil {
			metrics.OrdersRejected.WithLabelValues(d.Side).Inc()
			return nil, nil, reject("order rejected: %s", err.Error())
		}
		if err := s.store.UpdateLedger(ctx, portfolioID, p.Ledger); err != nil {
			return nil, nil, fmt.Errorf("reserve holdings: %w", err)
		}
	}

	order.Status = model.OrderAccepted
	if err := s.store.InsertOrder(ctx, order); err != nil {
		// Roll the reservation back so a storage failure leaves the
		// aggregate unchanged and the caller can resubmit.
		if d.Side == model.SideSell {
			if rbErr := s.store.UpdateLedger(ctx, portfolioID, previous); rbErr != nil {
				slog.Error("reservation rollback failed", "portfolio", portfolioID, "err", rbErr)
			}
		}
		return nil, nil, fmt.Errorf("record order: %w", err)
	}

	// Taken before the aggregate lock drops, so publish order matches
	// acceptance order.
	return order, s.pubLocks.acquire(portfolioID), nil
}

func orderPlacedFact(o *model.Order) events.OrderPlaced {
	return events.OrderPlaced{
		OrderID:     o.ID,
		PortfolioID: o.PortfolioID,
		Security:    o.Security,
		Side:        o.Side,
		Quantity:    o.Quantity,
		Timestamp:   o.SubmittedAt,
	}
}

// ReplayEvents appends the OrderPlaced fact for every accepted order whose
// publish never reached the log (retries exhausted before a shutdown).
// Called once at startup, before traffic is admitted.
func (s *Service) ReplayEvents(ctx context.Context) error {
	orders, err := s.store.ListUnpublishedOrders(ctx)
	if err != nil {
		return fmt.Errorf("list unpublished orders: %w", err)
	}

	// Skip the rest of a portfolio's backlog after a failure so the
	// partition never observes facts out of acceptance order.
	skip := make(map[string]bool)
	replayed := 0
	for i := range orders {
		o := &orders[i]
		if skip[o.PortfolioID] {
			continue
		}
		if err := s.log.Append(ctx, o.PortfolioID, orderPlacedFact(o)); err != nil {
			slog.Error("event replay failed", "order", o.ID, "err", err)
			skip[o.PortfolioID] = true
			continue
		}
		if err := s.store.MarkEventPublished(ctx, o.ID); err != nil {
			slog.Error("event publish mark failed", "order", o.ID, "err", err)
		}
		metrics.EventsPublished.Inc()
		replayed++
	}

	if replayed > 0 {
		slog.Info("order events replayed", "count", replayed)
	}
	return nil
}

// Liquidate transitions a portfolio into LIQUIDATING and hands control to
// the liquidation workflow. Returns immediately; completion is async.
func (s *Service) Liquidate(ctx context.Context, portfolioID string) error {
	unlock := s.locks.acquire(portfolioID)

	p, err := s.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		unlock()
		return err
	}
	switch p.Status {
	case model.StatusLiquidating:
		unlock()
		return reject("portfolio %s is already liquidating", portfolioID)
	case model.StatusClosed:
		unlock()
		return reject("portfolio %s is closed", portfolioID)
	}

	if err := s.store.UpdateStatus(ctx, portfolioID, model.StatusLiquidating); err != nil {
		unlock()
		return fmt.Errorf("mark liquidating: %w", err)
	}
	unlock()

	slog.Info("liquidation started", "portfolio", portfolioID)

	// Workflow kickoff happens outside the lock; a failure here is
	// recovered by the resume pass, since the status is already durable.
	if err := s.liq.Begin(ctx, portfolioID); err != nil {
		slog.Error("liquidation kickoff failed, will resume", "portfolio", portfolioID, "err", err)
	}
	return nil
}

// View returns the portfolio's status, holdings, and cash balance plus the
// current market valuation of its holdings. The pricing lookup happens
// outside any lock.
func (s *Service) View(ctx context.Context, portfolioID string) (*model.PortfolioView, error) {
	p, err := s.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}

	view := &model.PortfolioView{
		ID:        p.ID,
		Name:      p.Name,
		Status:    p.Status,
		Cash:      p.Ledger.Cash,
		Holdings:  []model.HoldingView{},
		Valuation: decimal.Zero,
	}

	for _, security := range p.Ledger.Securities() {
		qty := p.Ledger.Quantity(security)
		price, err := s.pricing.CurrentPrice(ctx, security)
		if err != nil {
			return nil, fmt.Errorf("value %s: %w", security, err)
		}
		value := qty.Mul(price)
		view.Holdings = append(view.Holdings, model.HoldingView{
			Security:    security,
			Quantity:    qty,
			Price:       price,
			MarketValue: value,
		})
		view.Valuation = view.Valuation.Add(value)
	}
	return view, nil
}

// ApplyFill applies an execution engine fill or failure report to the
// ledger. Duplicate reports for an already-settled order are no-ops.
func (s *Service) ApplyFill(ctx context.Context, report broker.FillReport) (*model.Order, error) {
	o, err := s.store.GetOrderByExecutionID(ctx, report.ExecutionID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.acquire(o.PortfolioID)

	// Re-read under the lock: a concurrent duplicate delivery may have
	// settled the order already.
	o, err = s.store.GetOrder(ctx, o.ID)
	if err != nil {
		unlock()
		return nil, err
	}
	if o.Status == model.OrderFilled || o.Status == model.OrderFailed {
		unlock()
		return o, nil
	}

	p, err := s.store.GetPortfolio(ctx, o.PortfolioID)
	if err != nil {
		unlock()
		return nil, err
	}

	if report.Filled {
		proceeds := o.Quantity.Mul(report.Price)
		if o.Side == model.SideSell {
			p.Ledger.CreditCash(proceeds)
		} else {
			p.Ledger.CreditShares(o.Security, o.Quantity)
			p.Ledger.DebitCash(proceeds)
		}
		if err := s.store.UpdateLedger(ctx, o.PortfolioID, p.Ledger); err != nil {
			unlock()
			return nil, fmt.Errorf("apply fill: %w", err)
		}
		if err := s.store.UpdateOrder(ctx, o.ID, model.OrderFilled, ""); err != nil {
			unlock()
			return nil, fmt.Errorf("apply fill: %w", err)
		}
		o.Status = model.OrderFilled
	} else {
		// A failed sell returns the reserved shares to the ledger.
		if o.Side == model.SideSell {
			p.Ledger.CreditShares(o.Security, o.Quantity)
			if err := s.store.UpdateLedger(ctx, o.PortfolioID, p.Ledger); err != nil {
				unlock()
				return nil, fmt.Errorf("apply failure: %w", err)
			}
		}
		if err := s.store.UpdateOrder(ctx, o.ID, model.OrderFailed, ""); err != nil {
			unlock()
			return nil, fmt.Errorf("apply failure: %w", err)
		}
		o.Status = model.OrderFailed
	}

	liquidating := p.Status == model.StatusLiquidating
	unlock()

	slog.Info("execution report applied",
		"order", o.ID,
		"portfolio", o.PortfolioID,
		"status", o.Status,
		"reason", report.Reason,
	)

	// Let the workflow observe the settlement and advance.
	if liquidating && s.liq != nil {
		if err := s.liq.OnFill(ctx, o.PortfolioID, o.Security); err != nil {
			slog.Error("liquidation advance failed, will resume", "portfolio", o.PortfolioID, "err", err)
		}
	}
	return o, nil
}

// Orders returns the immutable order record for a portfolio.
func (s *Service) Orders(ctx context.Context, portfolioID string) ([]model.Order, error) {
	if _, err := s.store.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, err
	}
	return s.store.ListOrders(ctx, portfolioID)
}

// --- Workflow-facing commands (liquidation.Commands) ---

// LiquidationSell issues a market sell of the full held quantity on behalf
// of the liquidation workflow. commandID deduplicates re-issues: a command
// already recorded as ACCEPTED or FILLED is not issued again.
func (s *Service) LiquidationSell(ctx context.Context, portfolioID, security string, quantity decimal.Decimal, commandID string) error {
	existing, err := s.store.GetOrderByCommandID(ctx, commandID)
	if err == nil && existing.Status != model.OrderFailed {
		return nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	_, err = s.place(ctx, portfolioID, OrderDetails{
		Security: security,
		Side:     model.SideSell,
		Quantity: quantity,
	}, model.OriginLiquidation, commandID)
	return err
}

// Snapshot returns a copy of the portfolio's ledger and its status.
func (s *Service) Snapshot(ctx context.Context, portfolioID string) (ledger.Ledger, string, error) {
	p, err := s.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return ledger.Ledger{}, "", err
	}
	return p.Ledger.Clone(), p.Status, nil
}

// CompleteTransfer debits the transferred amount from the ledger once the
// funds-transfer collaborator confirms it.
func (s *Service) CompleteTransfer(ctx context.Context, portfolioID string, amount decimal.Decimal) error {
	unlock := s.locks.acquire(portfolioID)
	defer unlock()

	p, err := s.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return err
	}
	p.Ledger.DebitCash(amount)
	return s.store.UpdateLedger(ctx, portfolioID, p.Ledger)
}

// ClosePortfolio transitions a LIQUIDATING portfolio to CLOSED. Closing
// requires an empty ledger: no holdings and a balance of exactly zero.
// Closing an already-CLOSED portfolio is a no-op.
func (s *Service) ClosePortfolio(ctx context.Context, portfolioID string) error {
	unlock := s.locks.acquire(portfolioID)
	defer unlock()

	p, err := s.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return err
	}
	if p.Status == model.StatusClosed {
		return nil
	}
	if p.Status != model.StatusLiquidating {
		return fmt.Errorf("close portfolio %s: status is %s", portfolioID, p.Status)
	}
	if !p.Ledger.IsEmpty() {
		return fmt.Errorf("close portfolio %s: holdings remain", portfolioID)
	}
	if !p.Ledger.Cash.IsZero() {
		return fmt.Errorf("close portfolio %s: balance is %s", portfolioID, p.Ledger.Cash)
	}

	if err := s.store.UpdateStatus(ctx, portfolioID, model.StatusClosed); err != nil {
		return fmt.Errorf("close portfolio %s: %w", portfolioID, err)
	}

	slog.Info("portfolio closed", "portfolio", portfolioID)
	return nil
}
