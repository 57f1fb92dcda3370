package portfolio

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stocktrader/portfolio-service/internal/broker"
	"github.com/stocktrader/portfolio-service/internal/model"
	"github.com/stocktrader/portfolio-service/internal/store"
)

// OpenRequest is the JSON body for POST /api/portfolio.
type OpenRequest struct {
	Name string `json:"name"`
}

// HandleOpen handles POST /api/portfolio.
func (s *Service) HandleOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}

	p, err := s.Open(r.Context(), req.Name)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(p)
}

// HandlePlaceOrder handles POST /api/portfolio/{portfolioID}/orders.
func (s *Service) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")

	var d OrderDetails
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order, err := s.Place(r.Context(), portfolioID, d)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}

// HandleLiquidate handles POST /api/portfolio/{portfolioID}/liquidate.
// Responds with an acknowledgement; completion is asynchronous.
func (s *Service) HandleLiquidate(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")

	if err := s.Liquidate(r.Context(), portfolioID); err != nil {
		writeCommandError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"portfolio_id": portfolioID,
		"status":       model.StatusLiquidating,
	})
}

// HandleView handles GET /api/portfolio/{portfolioID}.
func (s *Service) HandleView(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")

	view, err := s.View(r.Context(), portfolioID)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// HandleOrders handles GET /api/portfolio/{portfolioID}/orders.
func (s *Service) HandleOrders(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")

	orders, err := s.Orders(r.Context(), portfolioID)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orders)
}

// HandleFill handles POST /api/execution/fills: the execution engine's
// asynchronous fill/failure webhook. Duplicate deliveries are no-ops.
func (s *Service) HandleFill(w http.ResponseWriter, r *http.Request) {
	var report broker.FillReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if report.ExecutionID == "" {
		writeError(w, "execution_id is required", http.StatusBadRequest)
		return
	}

	order, err := s.ApplyFill(r.Context(), report)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}

// HandleTransferConfirmation handles POST /api/transfers/confirmations:
// the funds-transfer service's asynchronous confirmation webhook.
func (s *Service) HandleTransferConfirmation(w http.ResponseWriter, r *http.Request) {
	var report broker.TransferReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if report.PortfolioID == "" || report.TransferID == "" {
		writeError(w, "portfolio_id and transfer_id are required", http.StatusBadRequest)
		return
	}

	if err := s.liq.OnTransferConfirmed(r.Context(), report); err != nil {
		writeCommandError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeCommandError maps command errors onto HTTP: domain rejections are
// 409 with the reason, missing aggregates 404, everything else 500.
func writeCommandError(w http.ResponseWriter, err error) {
	var rej *Rejection
	switch {
	case errors.As(err, &rej):
		writeError(w, rej.Reason, http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
