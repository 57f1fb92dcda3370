package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/stocktrader/portfolio-service/internal/ledger"
	"github.com/stocktrader/portfolio-service/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	portfolios   map[string]*model.Portfolio
	orders       []model.Order
	liquidations map[string]*model.Liquidation
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		portfolios:   make(map[string]*model.Portfolio),
		liquidations: make(map[string]*model.Liquidation),
	}
}

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[p.ID]; ok {
		return fmt.Errorf("portfolio %s already exists", p.ID)
	}

	// Store a copy to avoid external mutation.
	cp := *p
	cp.Ledger = p.Ledger.Clone()
	s.portfolios[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, id string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
	}
	cp := *p
	cp.Ledger = p.Ledger.Clone()
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.portfolios[id]
	if !ok {
		return fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
	}
	p.Status = status
	return nil
}

func (s *MemoryStore) UpdateLedger(_ context.Context, id string, l ledger.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.portfolios[id]
	if !ok {
		return fmt.Errorf("portfolio %s: %w", id, ErrNotFound)
	}
	p.Ledger = l.Clone()
	return nil
}

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders = append(s.orders, *o)
	return nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, orderID, status, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.orders {
		if s.orders[i].ID == orderID {
			s.orders[i].Status = status
			if executionID != "" {
				s.orders[i].ExecutionID = executionID
			}
			return nil
		}
	}
	return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.orders {
		if s.orders[i].ID == orderID {
			o := s.orders[i]
			return &o, nil
		}
	}
	return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
}

func (s *MemoryStore) GetOrderByCommandID(_ context.Context, commandID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Most recent first: later records supersede failed attempts.
	for i := len(s.orders) - 1; i >= 0; i-- {
		if s.orders[i].CommandID == commandID {
			o := s.orders[i]
			return &o, nil
		}
	}
	return nil, fmt.Errorf("command %s: %w", commandID, ErrNotFound)
}

func (s *MemoryStore) GetOrderByExecutionID(_ context.Context, executionID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if executionID == "" {
		return nil, fmt.Errorf("empty execution id: %w", ErrNotFound)
	}
	for i := range s.orders {
		if s.orders[i].ExecutionID == executionID {
			o := s.orders[i]
			return &o, nil
		}
	}
	return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
}

func (s *MemoryStore) MarkEventPublished(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.orders {
		if s.orders[i].ID == orderID {
			s.orders[i].EventPublished = true
			return nil
		}
	}
	return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
}

func (s *MemoryStore) ListUnpublishedOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPortfolio := make(map[string][]model.Order)
	var ids []string
	for _, o := range s.orders {
		if o.EventPublished || o.Status == model.OrderRejected {
			continue
		}
		if _, ok := byPortfolio[o.PortfolioID]; !ok {
			ids = append(ids, o.PortfolioID)
		}
		byPortfolio[o.PortfolioID] = append(byPortfolio[o.PortfolioID], o)
	}

	var result []model.Order
	for _, id := range ids {
		result = append(result, byPortfolio[id]...)
	}
	return result, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, portfolioID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.PortfolioID == portfolioID {
			result = append(result, o)
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveLiquidation(_ context.Context, l *model.Liquidation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *l
	cp.Pending = make(map[string]bool, len(l.Pending))
	for sec, v := range l.Pending {
		cp.Pending[sec] = v
	}
	s.liquidations[l.PortfolioID] = &cp
	return nil
}

func (s *MemoryStore) GetLiquidation(_ context.Context, portfolioID string) (*model.Liquidation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.liquidations[portfolioID]
	if !ok {
		return nil, fmt.Errorf("liquidation %s: %w", portfolioID, ErrNotFound)
	}
	cp := *l
	cp.Pending = make(map[string]bool, len(l.Pending))
	for sec, v := range l.Pending {
		cp.Pending[sec] = v
	}
	return &cp, nil
}

func (s *MemoryStore) ListLiquidating(_ context.Context) ([]model.Liquidation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Liquidation
	for id, l := range s.liquidations {
		p, ok := s.portfolios[id]
		if !ok || p.Status != model.StatusLiquidating {
			continue
		}
		cp := *l
		cp.Pending = make(map[string]bool, len(l.Pending))
		for sec, v := range l.Pending {
			cp.Pending[sec] = v
		}
		result = append(result, cp)
	}
	return result, nil
}
