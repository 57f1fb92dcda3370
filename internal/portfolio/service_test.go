package portfolio_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stocktrader/portfolio-service/internal/broker"
	"github.com/stocktrader/portfolio-service/internal/events"
	"github.com/stocktrader/portfolio-service/internal/liquidation"
	"github.com/stocktrader/portfolio-service/internal/model"
	"github.com/stocktrader/portfolio-service/internal/portfolio"
	"github.com/stocktrader/portfolio-service/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type env struct {
	svc      *portfolio.Service
	mgr      *liquidation.Manager
	st       *store.MemoryStore
	log      *events.MemoryLog
	exec     *broker.StubExecution
	transfer *broker.StubTransfer
	pricing  *broker.StaticPricing
	router   chi.Router
}

// newTestEnv wires a full service with in-memory store, event log, and
// collaborator stubs, plus a chi router over the HTTP handlers.
func newTestEnv(t *testing.T) *env {
	return newTestEnvLog(t, nil)
}

// newTestEnvLog is newTestEnv with a custom event log wired into the
// service (nil means the env's own MemoryLog).
func newTestEnvLog(t *testing.T, log events.Log) *env {
	t.Helper()

	e := &env{
		st:       store.NewMemoryStore(),
		log:      events.NewMemoryLog(),
		exec:     broker.NewStubExecution(),
		transfer: broker.NewStubTransfer(),
		pricing:  broker.NewStaticPricing(map[string]decimal.Decimal{}),
	}
	if log == nil {
		log = e.log
	}
	e.svc = portfolio.NewService(e.st, log, e.pricing, e.exec, nil)
	e.mgr = liquidation.NewManager(e.st, e.svc, e.transfer)
	e.svc.SetLiquidator(e.mgr)

	r := chi.NewRouter()
	r.Post("/api/portfolio", e.svc.HandleOpen)
	r.Get("/api/portfolio/{portfolioID}", e.svc.HandleView)
	r.Post("/api/portfolio/{portfolioID}/orders", e.svc.HandlePlaceOrder)
	r.Get("/api/portfolio/{portfolioID}/orders", e.svc.HandleOrders)
	r.Post("/api/portfolio/{portfolioID}/liquidate", e.svc.HandleLiquidate)
	r.Post("/api/execution/fills", e.svc.HandleFill)
	r.Post("/api/transfers/confirmations", e.svc.HandleTransferConfirmation)
	e.router = r

	return e
}

func (e *env) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// open creates a portfolio via the API and returns its ID.
func (e *env) open(t *testing.T, name string) string {
	t.Helper()
	w := e.post(t, "/api/portfolio", portfolio.OpenRequest{Name: name})
	if w.Code != http.StatusCreated {
		t.Fatalf("open failed: %d %s", w.Code, w.Body.String())
	}
	var p model.Portfolio
	json.Unmarshal(w.Body.Bytes(), &p)
	return p.ID
}

// seedLedger writes cash and holdings directly into the store.
func (e *env) seedLedger(t *testing.T, id string, cash float64, holdings map[string]float64) {
	t.Helper()
	p, err := e.st.GetPortfolio(context.Background(), id)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	p.Ledger.Cash = d(cash)
	for sec, qty := range holdings {
		p.Ledger.CreditShares(sec, d(qty))
	}
	if err := e.st.UpdateLedger(context.Background(), id, p.Ledger); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (e *env) placeOrder(t *testing.T, id, side, security string, qty float64) *httptest.ResponseRecorder {
	t.Helper()
	return e.post(t, "/api/portfolio/"+id+"/orders", portfolio.OrderDetails{
		Security: security,
		Side:     side,
		Quantity: d(qty),
	})
}

// fillAll reports a fill at the given price for every submission whose
// order is still ACCEPTED.
func (e *env) fillAll(t *testing.T, price float64) {
	t.Helper()
	for _, sub := range e.exec.Submissions() {
		o, err := e.st.GetOrderByExecutionID(context.Background(), sub.ExecutionID)
		if err != nil || o.Status != model.OrderAccepted {
			continue
		}
		w := e.post(t, "/api/execution/fills", broker.FillReport{
			ExecutionID: sub.ExecutionID,
			Filled:      true,
			Price:       d(price),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("fill failed: %d %s", w.Code, w.Body.String())
		}
	}
}

// --- Open ---

func TestOpen_StartsActiveAndEmpty(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")

	p, err := e.st.GetPortfolio(context.Background(), id)
	if err != nil {
		t.Fatalf("portfolio not stored: %v", err)
	}
	if p.Status != model.StatusActive {
		t.Errorf("expected ACTIVE, got %s", p.Status)
	}
	if !p.Ledger.Cash.IsZero() || !p.Ledger.IsEmpty() {
		t.Error("new portfolio should have zero cash and no holdings")
	}
}

func TestOpen_RequiresName(t *testing.T) {
	e := newTestEnv(t)
	w := e.post(t, "/api/portfolio", portfolio.OpenRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- placeOrder ---

func TestPlaceOrder_BuyAccepted(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")

	w := e.placeOrder(t, id, model.SideBuy, "IBM", 10)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var o model.Order
	json.Unmarshal(w.Body.Bytes(), &o)
	if o.Status != model.OrderAccepted {
		t.Errorf("expected ACCEPTED, got %s", o.Status)
	}
	if o.ExecutionID == "" {
		t.Error("expected order forwarded to execution engine")
	}

	// Exactly one OrderPlaced fact on the portfolio's partition.
	facts := e.log.Partition(id)
	if len(facts) != 1 {
		t.Fatalf("expected 1 event, got %d", len(facts))
	}
	if facts[0].OrderID != o.ID || facts[0].Side != model.SideBuy {
		t.Errorf("unexpected event: %+v", facts[0])
	}

	// Buy does not touch the ledger until the fill report.
	p, _ := e.st.GetPortfolio(context.Background(), id)
	if !p.Ledger.IsEmpty() || !p.Ledger.Cash.IsZero() {
		t.Error("ledger should be unchanged before fill")
	}
}

func TestPlaceOrder_SellReservesImmediately(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")
	e.seedLedger(t, id, 0, map[string]float64{"IBM": 10})

	w := e.placeOrder(t, id, model.SideSell, "IBM", 4)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	p, _ := e.st.GetPortfolio(context.Background(), id)
	if !p.Ledger.Quantity("IBM").Equal(d(6)) {
		t.Errorf("acceptance should reserve shares, got %s held", p.Ledger.Quantity("IBM"))
	}
}

func TestPlaceOrder_SellInsufficientRejected(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")
	e.seedLedger(t, id, 0, map[string]float64{"IBM": 5})

	w := e.placeOrder(t, id, model.SideSell, "IBM", 6)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	// Rejection emits no event and leaves holdings intact.
	if len(e.log.Partition(id)) != 0 {
		t.Error("rejected order must not emit an event")
	}
	p, _ := e.st.GetPortfolio(context.Background(), id)
	if !p.Ledger.Quantity("IBM").Equal(d(5)) {
		t.Errorf("holdings changed on rejection: %s", p.Ledger.Quantity("IBM"))
	}
}

func TestPlaceOrder_SellExactQuantityAccepted(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")
	e.seedLedger(t, id, 0, map[string]float64{"IBM": 5})

	w := e.placeOrder(t, id, model.SideSell, "IBM", 5)
	if w.Code != http.StatusOK {
		t.Fatalf("selling exact held quantity should be accepted: %d %s", w.Code, w.Body.String())
	}

	p, _ := e.st.GetPortfolio(context.Background(), id)
	if !p.Ledger.Quantity("IBM").IsZero() {
		t.Errorf("expected zero held, got %s", p.Ledger.Quantity("IBM"))
	}
}

func TestPlaceOrder_UnknownPortfolio(t *testing.T) {
	e := newTestEnv(t)
	w := e.placeOrder(t, "nope", model.SideBuy, "IBM", 1)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestPlaceOrder_RejectedWhileLiquidating(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")
	e.seedLedger(t, id, 0, map[string]float64{"IBM": 5})

	if w := e.post(t, "/api/portfolio/"+id+"/liquidate", nil); w.Code != http.StatusAccepted {
		t.Fatalf("liquidate failed: %d %s", w.Code, w.Body.String())
	}

	w := e.placeOrder(t, id, model.SideBuy, "MSFT", 1)
	if w.Code != http.StatusConflict {
		t.Errorf("external order during liquidation should be 409, got %d", w.Code)
	}
}

func TestPlaceOrder_RejectedWhenClosed(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")

	// Empty portfolio liquidates straight to CLOSED.
	if w := e.post(t, "/api/portfolio/"+id+"/liquidate", nil); w.Code != http.StatusAccepted {
		t.Fatalf("liquidate failed: %d %s", w.Code, w.Body.String())
	}
	p, _ := e.st.GetPortfolio(context.Background(), id)
	if p.Status != model.StatusClosed {
		t.Fatalf("empty portfolio should close immediately, got %s", p.Status)
	}

	w := e.placeOrder(t, id, model.SideBuy, "IBM", 1)
	if w.Code != http.StatusConflict {
		t.Errorf("order on CLOSED portfolio should be 409, got %d", w.Code)
	}
}

// --- Concurrency ---

func TestPlaceOrder_ConcurrentDoubleSell(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")
	e.seedLedger(t, id, 0, map[string]float64{"IBM": 10})

	// Two concurrent sells of the full held quantity: exactly one may win.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.svc.Place(context.Background(), id, portfolio.OrderDetails{
				Security: "IBM",
				Side:     model.SideSell,
				Quantity: d(10),
			})
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range results {
		if err == nil {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly 1 acceptance, got %d", accepted)
	}

	p, _ := e.st.GetPortfolio(context.Background(), id)
	if p.Ledger.Quantity("IBM").IsNegative() {
		t.Fatalf("negative holdings observed: %s", p.Ledger.Quantity("IBM"))
	}
	if !p.Ledger.Quantity("IBM").IsZero() {
		t.Errorf("expected zero held after winning sell, got %s", p.Ledger.Quantity("IBM"))
	}
	if len(e.log.Partition(id)) != 1 {
		t.Errorf("expected exactly 1 event, got %d", len(e.log.Partition(id)))
	}
}

// --- Fills ---

func TestApplyFill_BuySettlement(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")
	e.seedLedger(t, id, 100, nil)

	e.placeOrder(t, id, model.SideBuy, "IBM", 4)
	e.fillAll(t, 20)

	p, _ := e.st.GetPortfolio(context.Background(), id)
	if !p.Ledger.Quantity("IBM").Equal(d(4)) {
		t.Errorf("expected 4 IBM after fill, got %s", p.Ledger.Quantity("IBM"))
	}
	if !p.Ledger.Cash.Equal(d(20)) {
		t.Errorf("expected cash 100-80=20, got %s", p.Ledger.Cash)
	}
}

func TestApplyFill_SellSettlementCreditsCash(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")
	e.seedLedger(t, id, 0, map[string]float64{"IBM": 4})

	e.placeOrder(t, id, model.SideSell, "IBM", 4)
	e.fillAll(t, 25)

	p, _ := e.st.GetPortfolio(context.Background(), id)
	if !p.Ledger.Cash.Equal(d(100)) {
		t.Errorf("expected cash 100, got %s", p.Ledger.Cash)
	}
	if !p.Ledger.IsEmpty() {
		t.Error("expected no holdings after sell settled")
	}
}

func TestApplyFill_DuplicateDeliveryIsNoop(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")
	e.seedLedger(t, id, 0, map[string]float64{"IBM": 4})

	e.placeOrder(t, id, model.SideSell, "IBM", 4)
	sub := e.exec.Submissions()[0]

	report := broker.FillReport{ExecutionID: sub.ExecutionID, Filled: true, Price: d(25)}
	for i := 0; i < 3; i++ {
		w := e.post(t, "/api/execution/fills", report)
		if w.Code != http.StatusOK {
			t.Fatalf("fill delivery %d failed: %d %s", i, w.Code, w.Body.String())
		}
	}

	p, _ := e.st.GetPortfolio(context.Background(), id)
	if !p.Ledger.Cash.Equal(d(100)) {
		t.Errorf("duplicate fills must not credit twice: cash %s", p.Ledger.Cash)
	}
}

func TestApplyFill_FailedSellRestoresShares(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")
	e.seedLedger(t, id, 0, map[string]float64{"IBM": 4})

	e.placeOrder(t, id, model.SideSell, "IBM", 4)
	sub := e.exec.Submissions()[0]

	w := e.post(t, "/api/execution/fills", broker.FillReport{
		ExecutionID: sub.ExecutionID,
		Filled:      false,
		Reason:      "market closed",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("failure report failed: %d %s", w.Code, w.Body.String())
	}

	p, _ := e.st.GetPortfolio(context.Background(), id)
	if !p.Ledger.Quantity("IBM").Equal(d(4)) {
		t.Errorf("failed sell should restore shares, got %s", p.Ledger.Quantity("IBM"))
	}
}

func TestApplyFill_UnknownExecutionID(t *testing.T) {
	e := newTestEnv(t)
	w := e.post(t, "/api/execution/fills", broker.FillReport{ExecutionID: "nope", Filled: true})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- View ---

func TestView_ValuationFromPricing(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")
	e.seedLedger(t, id, 50, map[string]float64{"IBM": 2, "MSFT": 3})
	e.pricing.SetPrice("IBM", d(100))
	e.pricing.SetPrice("MSFT", d(10))

	w := e.get(t, "/api/portfolio/"+id)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var view model.PortfolioView
	json.Unmarshal(w.Body.Bytes(), &view)

	if view.Status != model.StatusActive {
		t.Errorf("expected ACTIVE, got %s", view.Status)
	}
	if !view.Cash.Equal(d(50)) {
		t.Errorf("expected cash 50, got %s", view.Cash)
	}
	if len(view.Holdings) != 2 {
		t.Fatalf("expected 2 holdings, got %d", len(view.Holdings))
	}
	// 2×100 + 3×10
	if !view.Valuation.Equal(d(230)) {
		t.Errorf("expected valuation 230, got %s", view.Valuation)
	}
}

func TestView_NotFound(t *testing.T) {
	e := newTestEnv(t)
	w := e.get(t, "/api/portfolio/nope")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Liquidate command ---

func TestLiquidate_DuplicateRejected(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")
	e.seedLedger(t, id, 0, map[string]float64{"IBM": 5})

	if w := e.post(t, "/api/portfolio/"+id+"/liquidate", nil); w.Code != http.StatusAccepted {
		t.Fatalf("first liquidate failed: %d", w.Code)
	}
	if w := e.post(t, "/api/portfolio/"+id+"/liquidate", nil); w.Code != http.StatusConflict {
		t.Errorf("duplicate liquidate should be 409, got %d", w.Code)
	}
}

func TestLiquidate_UnknownPortfolio(t *testing.T) {
	e := newTestEnv(t)
	w := e.post(t, "/api/portfolio/nope/liquidate", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Events ---

func TestEvents_PerPortfolioOrdering(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")
	other := e.open(t, "bob")
	e.seedLedger(t, id, 0, map[string]float64{"IBM": 10})

	e.placeOrder(t, id, model.SideBuy, "AAPL", 1)
	e.placeOrder(t, other, model.SideBuy, "TSLA", 1)
	e.placeOrder(t, id, model.SideSell, "IBM", 3)
	e.placeOrder(t, id, model.SideSell, "IBM", 7)

	facts := e.log.Partition(id)
	if len(facts) != 3 {
		t.Fatalf("expected 3 events for portfolio, got %d", len(facts))
	}
	if facts[0].Security != "AAPL" || facts[1].Quantity.Cmp(d(3)) != 0 || facts[2].Quantity.Cmp(d(7)) != 0 {
		t.Errorf("events out of acceptance order: %+v", facts)
	}
}

// slowLog stalls the first append so a concurrently accepted order could
// overtake it in the log if publication were unordered.
type slowLog struct {
	inner   *events.MemoryLog
	mu      sync.Mutex
	stalled bool
}

func (l *slowLog) Append(ctx context.Context, key string, fact events.OrderPlaced) error {
	l.mu.Lock()
	first := !l.stalled
	l.stalled = true
	l.mu.Unlock()

	if first {
		time.Sleep(50 * time.Millisecond)
	}
	return l.inner.Append(ctx, key, fact)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEvents_PublishOrderPinnedAtAcceptance(t *testing.T) {
	slow := &slowLog{inner: events.NewMemoryLog()}
	e := newTestEnvLog(t, slow)
	e.log = slow.inner
	id := e.open(t, "alice")
	e.seedLedger(t, id, 0, map[string]float64{"IBM": 10})

	// First sell is accepted, then its append stalls.
	done := make(chan error, 1)
	go func() {
		_, err := e.svc.Place(context.Background(), id, portfolio.OrderDetails{
			Security: "IBM",
			Side:     model.SideSell,
			Quantity: d(6),
		})
		done <- err
	}()
	waitFor(t, func() bool {
		orders, _ := e.st.ListOrders(context.Background(), id)
		return len(orders) == 1
	})

	// Second sell is accepted while the first fact is still in flight.
	if _, err := e.svc.Place(context.Background(), id, portfolio.OrderDetails{
		Security: "IBM",
		Side:     model.SideSell,
		Quantity: d(4),
	}); err != nil {
		t.Fatalf("second sell: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first sell: %v", err)
	}

	facts := e.log.Partition(id)
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(facts))
	}
	if !facts[0].Quantity.Equal(d(6)) || !facts[1].Quantity.Equal(d(4)) {
		t.Errorf("log order differs from acceptance order: %s then %s",
			facts[0].Quantity, facts[1].Quantity)
	}
}

// failingLog rejects appends while fail is set.
type failingLog struct {
	inner *events.MemoryLog
	mu    sync.Mutex
	fail  bool
}

func (l *failingLog) setFail(v bool) {
	l.mu.Lock()
	l.fail = v
	l.mu.Unlock()
}

func (l *failingLog) Append(ctx context.Context, key string, fact events.OrderPlaced) error {
	l.mu.Lock()
	fail := l.fail
	l.mu.Unlock()

	if fail {
		return errors.New("event log unavailable")
	}
	return l.inner.Append(ctx, key, fact)
}

func TestEvents_UnpublishedFactReplayedOnStartup(t *testing.T) {
	flog := &failingLog{inner: events.NewMemoryLog()}
	e := newTestEnvLog(t, flog)
	e.log = flog.inner
	id := e.open(t, "alice")

	flog.setFail(true)
	w := e.placeOrder(t, id, model.SideBuy, "IBM", 3)
	if w.Code != http.StatusOK {
		t.Fatalf("acceptance must survive a log outage: %d %s", w.Code, w.Body.String())
	}
	if n := len(e.log.Partition(id)); n != 0 {
		t.Fatalf("expected no fact while the log is down, got %d", n)
	}

	// Log comes back; the startup drain publishes the backlog.
	flog.setFail(false)
	if err := e.svc.ReplayEvents(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}

	facts := e.log.Partition(id)
	if len(facts) != 1 || !facts[0].Quantity.Equal(d(3)) {
		t.Fatalf("expected the backlogged fact, got %+v", facts)
	}

	// The fact is now marked durable; a second drain must not repeat it.
	if err := e.svc.ReplayEvents(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n := len(e.log.Partition(id)); n != 1 {
		t.Errorf("fact replayed twice: %d", n)
	}
}

// --- Order history ---

func TestOrders_HistoryIncludesRejected(t *testing.T) {
	e := newTestEnv(t)
	id := e.open(t, "alice")
	e.seedLedger(t, id, 0, map[string]float64{"IBM": 5})

	e.placeOrder(t, id, model.SideSell, "IBM", 5)
	e.placeOrder(t, id, model.SideSell, "IBM", 1) // insufficient now

	w := e.get(t, "/api/portfolio/"+id+"/orders")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var orders []model.Order
	json.Unmarshal(w.Body.Bytes(), &orders)
	if len(orders) != 2 {
		t.Fatalf("expected 2 recorded orders, got %d", len(orders))
	}
	if orders[0].Status != model.OrderAccepted || orders[1].Status != model.OrderRejected {
		t.Errorf("unexpected statuses: %s, %s", orders[0].Status, orders[1].Status)
	}
}
