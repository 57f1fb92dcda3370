// Package liquidation implements the portfolio wind-down workflow: sell
// every holding, wait for the sales to settle, transfer the remaining
// funds out, and close the portfolio once the balance is exactly zero.
//
// The workflow is a persisted state machine, not a suspended routine. Its
// progress (pending securities + transfer status) is stored per portfolio,
// so a restart resumes from the record instead of re-issuing duplicate
// sells or transfer requests. Every step is idempotent under re-delivery:
// sells carry deterministic command IDs and a requested transfer is never
// requested twice.
//
// Liquidation is a one-way commitment; there is no cancellation. An
// overdrawn portfolio (negative balance after all sales) halts in
// LIQUIDATING until external intervention corrects the balance.
package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocktrader/portfolio-service/internal/backoff"
	"github.com/stocktrader/portfolio-service/internal/broker"
	"github.com/stocktrader/portfolio-service/internal/ledger"
	"github.com/stocktrader/portfolio-service/internal/metrics"
	"github.com/stocktrader/portfolio-service/internal/model"
	"github.com/stocktrader/portfolio-service/internal/store"
)

// Commands is the slice of the portfolio aggregate the workflow drives.
// All portfolio mutation goes through these so the aggregate's per-ID
// serialization stays the single writer.
type Commands interface {
	LiquidationSell(ctx context.Context, portfolioID, security string, quantity decimal.Decimal, commandID string) error
	CompleteTransfer(ctx context.Context, portfolioID string, amount decimal.Decimal) error
	ClosePortfolio(ctx context.Context, portfolioID string) error
	Snapshot(ctx context.Context, portfolioID string) (ledger.Ledger, string, error)
}

// Manager runs one liquidation workflow per LIQUIDATING portfolio. Steps
// for one portfolio are serialized; distinct portfolios advance
// concurrently.
type Manager struct {
	store    store.Store
	cmds     Commands
	transfer broker.Transfer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a liquidation manager.
func NewManager(st store.Store, cmds Commands, transfer broker.Transfer) *Manager {
	return &Manager{
		store:    st,
		cmds:     cmds,
		transfer: transfer,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) acquire(portfolioID string) func() {
	m.mu.Lock()
	l, ok := m.locks[portfolioID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[portfolioID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Begin starts (or idempotently re-enters) the workflow for a portfolio
// that just entered LIQUIDATING. The pending set is the securities held at
// that moment; a portfolio with nothing to sell advances immediately.
func (m *Manager) Begin(ctx context.Context, portfolioID string) error {
	unlock := m.acquire(portfolioID)
	defer unlock()

	state, err := m.store.GetLiquidation(ctx, portfolioID)
	if err == nil {
		return m.advance(ctx, state)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	snap, status, err := m.cmds.Snapshot(ctx, portfolioID)
	if err != nil {
		return fmt.Errorf("begin liquidation %s: %w", portfolioID, err)
	}
	if status != model.StatusLiquidating {
		return fmt.Errorf("begin liquidation %s: status is %s", portfolioID, status)
	}

	now := time.Now().UTC()
	state = &model.Liquidation{
		PortfolioID:    portfolioID,
		Pending:        make(map[string]bool),
		TransferStatus: model.TransferNotRequested,
		TransferAmount: decimal.Zero,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	for _, security := range snap.Securities() {
		state.Pending[security] = true
	}
	if err := m.store.SaveLiquidation(ctx, state); err != nil {
		return fmt.Errorf("persist liquidation %s: %w", portfolioID, err)
	}
	metrics.ActiveLiquidations.Inc()

	slog.Info("liquidation workflow started",
		"portfolio", portfolioID,
		"pending", state.PendingList(),
	)
	return m.advance(ctx, state)
}

// OnFill is called after an execution report settles an order on a
// LIQUIDATING portfolio. It re-evaluates the pending set and advances.
func (m *Manager) OnFill(ctx context.Context, portfolioID, security string) error {
	unlock := m.acquire(portfolioID)
	defer unlock()

	state, err := m.store.GetLiquidation(ctx, portfolioID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // not liquidating
	}
	if err != nil {
		return err
	}
	return m.advance(ctx, state)
}

// OnTransferConfirmed applies the funds-transfer collaborator's
// confirmation. Duplicate confirmations are no-ops; a failed transfer
// resets the workflow so the request is re-issued.
func (m *Manager) OnTransferConfirmed(ctx context.Context, report broker.TransferReport) error {
	unlock := m.acquire(report.PortfolioID)
	defer unlock()

	state, err := m.store.GetLiquidation(ctx, report.PortfolioID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if state.TransferStatus == model.TransferConfirmed {
		return nil
	}
	if state.TransferStatus != model.TransferRequested || state.TransferID != report.TransferID {
		return fmt.Errorf("transfer %s not pending for portfolio %s", report.TransferID, report.PortfolioID)
	}

	if !report.Completed {
		slog.Warn("funds transfer failed, will re-request",
			"portfolio", report.PortfolioID,
			"transfer", report.TransferID,
			"reason", report.Reason,
		)
		state.TransferStatus = model.TransferNotRequested
		state.TransferID = ""
		state.TransferAmount = decimal.Zero
		// Advance the idempotency key so the re-request is a new transfer,
		// not a dedupe hit on the failed one.
		state.TransferAttempt++
		state.UpdatedAt = time.Now().UTC()
		if err := m.store.SaveLiquidation(ctx, state); err != nil {
			return err
		}
		return m.advance(ctx, state)
	}

	if err := m.cmds.CompleteTransfer(ctx, report.PortfolioID, state.TransferAmount); err != nil {
		return fmt.Errorf("complete transfer %s: %w", report.TransferID, err)
	}

	state.TransferStatus = model.TransferConfirmed
	state.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveLiquidation(ctx, state); err != nil {
		return err
	}

	slog.Info("funds transfer confirmed",
		"portfolio", report.PortfolioID,
		"transfer", report.TransferID,
		"amount", state.TransferAmount.String(),
	)
	return m.advance(ctx, state)
}

// Resume re-drives every portfolio still LIQUIDATING. Called once at
// startup; deterministic command IDs and the persisted transfer status
// make re-driving safe after a crash at any point.
func (m *Manager) Resume(ctx context.Context) error {
	states, err := m.store.ListLiquidating(ctx)
	if err != nil {
		return fmt.Errorf("list liquidating portfolios: %w", err)
	}

	metrics.ActiveLiquidations.Set(float64(len(states)))

	for i := range states {
		state := states[i]
		unlock := m.acquire(state.PortfolioID)
		if err := m.advance(ctx, &state); err != nil {
			slog.Error("liquidation resume failed", "portfolio", state.PortfolioID, "err", err)
		}
		unlock()
	}

	if len(states) > 0 {
		slog.Info("liquidations resumed", "count", len(states))
	}
	return nil
}

// advance is the workflow's single idempotent step function. Called under
// the portfolio's workflow lock, it reconciles the pending set against the
// ledger, issues whatever sells are still outstanding, then runs the
// transfer and closure phases once nothing is pending.
func (m *Manager) advance(ctx context.Context, state *model.Liquidation) error {
	snap, status, err := m.cmds.Snapshot(ctx, state.PortfolioID)
	if err != nil {
		return err
	}
	if status == model.StatusClosed {
		return nil
	}

	orders, err := m.store.ListOrders(ctx, state.PortfolioID)
	if err != nil {
		return err
	}

	// Latest workflow sell per security. Submission order, so a re-issued
	// sell supersedes the failed attempt it replaced.
	latest := make(map[string]*model.Order)
	awaiting := false
	for i := range orders {
		o := &orders[i]
		if o.Status == model.OrderAccepted {
			awaiting = true
		}
		if o.Origin == model.OriginLiquidation {
			latest[o.Security] = o
		}
	}

	// Phase 1: reconcile the pending set against the ledger and the
	// workflow's own sell orders. Any held security enters the set, which
	// covers shares credited by a buy that filled after the workflow
	// started. Acceptance already reserves shares, so the ledger quantity
	// alone cannot distinguish "sold" from "sale in flight": a security
	// leaves the set only once nothing is held and no sale is outstanding.
	changed := false
	for _, security := range snap.Securities() {
		if !state.Pending[security] {
			state.Pending[security] = true
			changed = true
		}
	}
	for _, security := range state.PendingList() {
		o := latest[security]
		if o != nil && o.Status == model.OrderAccepted {
			continue // awaiting settlement
		}

		qty := snap.Quantity(security)
		if !qty.IsPositive() {
			// Sold, or drained by a pre-liquidation sale that settled.
			delete(state.Pending, security)
			changed = true
			continue
		}

		// Held with no sale in flight: issue the sell. The command ID is
		// chained on the superseded order, so a re-issue after a failed
		// sell or a post-fill share credit stays deterministic across
		// restarts.
		cmdID := sellCommandID(state.PortfolioID, security)
		if o != nil {
			cmdID = cmdID + "/" + o.ID
		}
		if err := m.cmds.LiquidationSell(ctx, state.PortfolioID, security, qty, cmdID); err != nil {
			return fmt.Errorf("sell %s for %s: %w", security, state.PortfolioID, err)
		}
	}
	if changed {
		state.UpdatedAt = time.Now().UTC()
		if err := m.store.SaveLiquidation(ctx, state); err != nil {
			return err
		}
	}
	if len(state.Pending) > 0 {
		return nil // awaiting settlement
	}

	// A sale accepted before liquidation started has already reserved its
	// shares, so it never enters the pending set, but its proceeds are
	// still outstanding. Hold the transfer until every order has settled.
	if awaiting {
		return nil
	}

	// Phase 2: all holdings sold. Decide on the cash balance.
	cash := snap.Cash
	switch {
	case cash.IsNegative():
		// Overdrawn: halt without closing. External intervention must
		// correct the balance; the workflow re-evaluates on resume.
		slog.Warn("liquidation halted: portfolio overdrawn",
			"portfolio", state.PortfolioID,
			"balance", cash.String(),
		)
		return nil

	case cash.IsPositive():
		if state.TransferStatus != model.TransferNotRequested {
			return nil // transfer already in flight
		}
		// The key is stable until the attempt counter advances, so a
		// repeat of this request after a crash lands on the same transfer.
		key := transferCommandID(state.PortfolioID, state.TransferAttempt)
		var transferID string
		err := backoff.Retry(ctx, 3, func() error {
			var reqErr error
			transferID, reqErr = m.transfer.TransferOut(ctx, state.PortfolioID, cash, key)
			return reqErr
		})
		if err != nil {
			return fmt.Errorf("request transfer for %s: %w", state.PortfolioID, err)
		}

		state.TransferStatus = model.TransferRequested
		state.TransferID = transferID
		state.TransferAmount = cash
		state.UpdatedAt = time.Now().UTC()
		if err := m.store.SaveLiquidation(ctx, state); err != nil {
			return err
		}
		metrics.TransfersRequested.Inc()

		slog.Info("funds transfer requested",
			"portfolio", state.PortfolioID,
			"transfer", transferID,
			"amount", cash.String(),
		)
		return nil // await confirmation

	default:
		// Phase 3: no holdings, balance exactly zero. Close.
		if err := m.cmds.ClosePortfolio(ctx, state.PortfolioID); err != nil {
			return fmt.Errorf("close %s: %w", state.PortfolioID, err)
		}
		metrics.ActiveLiquidations.Dec()
		metrics.LiquidationsCompleted.Inc()

		slog.Info("liquidation complete", "portfolio", state.PortfolioID)
		return nil
	}
}

func sellCommandID(portfolioID, security string) string {
	return fmt.Sprintf("liquidation/%s/%s", portfolioID, security)
}

func transferCommandID(portfolioID string, attempt int) string {
	return fmt.Sprintf("liquidation/%s/transfer/%d", portfolioID, attempt)
}
