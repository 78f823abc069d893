package campaign

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/config"
	"tradingcore/internal/vre"
	"tradingcore/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fakeMarket struct {
	quotes map[string]types.L1Quote
	bars   map[string][]types.Bar
}

func (m *fakeMarket) GetL1(symbol string) (types.L1Quote, time.Duration, bool) {
	q, ok := m.quotes[symbol]
	return q, 0, ok
}

func (m *fakeMarket) GetBars(symbol string, period types.BarPeriod, n int) []types.Bar {
	return m.bars[symbol]
}

type fakeBreaker struct {
	allow   bool
	reason  string
	trades  []float64
}

func (b *fakeBreaker) CanOpen(portfolio, symbol, cluster string) (bool, string) { return b.allow, b.reason }
func (b *fakeBreaker) RecordTrade(portfolio, symbol string, realizedPnL float64, cluster string) {
	b.trades = append(b.trades, realizedPnL)
}

type fakeRegime struct{ regime types.RegimeLevel }

func (r *fakeRegime) Context(symbol string) types.VREContext {
	return types.VREContext{Symbol: symbol, CurrentRegime: r.regime}
}

type fakeStaleness struct{ states map[string]types.StalenessState }

func (s *fakeStaleness) State(symbol, feed string) (types.StalenessState, bool) {
	st, ok := s.states[symbol]
	return st, ok
}

type fakeSignals struct {
	next         *types.Signal
	changed      bool
	markExecuted bool
	cancelled    bool
}

func (s *fakeSignals) Evaluate(cfg types.SignalConfig, bars []types.Bar, currentPrice, equity decimal.Decimal, breakerSnapshot string, expiryAfter time.Duration, now time.Time) (*types.Signal, bool, error) {
	return s.next, s.changed, nil
}
func (s *fakeSignals) Pending(portfolioID, symbol string) (types.Signal, bool) { return types.Signal{}, false }
func (s *fakeSignals) MarkExecuted(portfolioID, symbol, reason string) (types.Signal, bool) {
	s.markExecuted = true
	return types.Signal{}, s.markExecuted
}
func (s *fakeSignals) Cancel(portfolioID, symbol, reason string) (types.Signal, bool) {
	s.cancelled = true
	return types.Signal{}, false
}

type fakeExchange struct {
	placeErr  error
	cancelErr error
	placed    []types.CampaignOrder
}

func (e *fakeExchange) PlaceOrder(ctx context.Context, order types.CampaignOrder) (*OrderAck, error) {
	if e.placeErr != nil {
		return nil, e.placeErr
	}
	e.placed = append(e.placed, order)
	return &OrderAck{OrderID: "ex-" + order.ID, Status: string(types.OrderOpen)}, nil
}
func (e *fakeExchange) CancelOrder(ctx context.Context, orderID string) error { return e.cancelErr }

type fakeStore struct {
	risk       types.CampaignRiskState
	positions  []types.CampaignPosition
	orders     []types.CampaignOrder
	sigCfg     types.SignalConfig
	statusSet  types.CampaignStatus
	equitySet  decimal.Decimal
}

func (s *fakeStore) GetRiskState(ctx context.Context, campaignID string) (types.CampaignRiskState, error) {
	return s.risk, nil
}
func (s *fakeStore) UpsertRiskState(ctx context.Context, rs types.CampaignRiskState) error {
	s.risk = rs
	return nil
}
func (s *fakeStore) GetOpenPositions(ctx context.Context, campaignID string) ([]types.CampaignPosition, error) {
	return s.positions, nil
}
func (s *fakeStore) UpsertPosition(ctx context.Context, p types.CampaignPosition) error {
	for i, existing := range s.positions {
		if existing.ID == p.ID {
			s.positions[i] = p
			return nil
		}
	}
	s.positions = append(s.positions, p)
	return nil
}
func (s *fakeStore) UpsertOrder(ctx context.Context, o types.CampaignOrder) error {
	for i, existing := range s.orders {
		if existing.ID == o.ID {
			s.orders[i] = o
			return nil
		}
	}
	s.orders = append(s.orders, o)
	return nil
}
func (s *fakeStore) GetOrdersByOCOGroup(ctx context.Context, groupID string) ([]types.CampaignOrder, error) {
	var out []types.CampaignOrder
	for _, o := range s.orders {
		if o.OCOGroupID == groupID {
			out = append(out, o)
		}
	}
	return out, nil
}
func (s *fakeStore) GetSignalConfig(ctx context.Context, portfolioID, symbol string) (types.SignalConfig, error) {
	return s.sigCfg, nil
}
func (s *fakeStore) SaveSignal(ctx context.Context, sig types.Signal, configSnapshotJSON string) error {
	return nil
}
func (s *fakeStore) UpdateSignalStatus(ctx context.Context, id string, status types.SignalStatus, reason string) error {
	return nil
}
func (s *fakeStore) UpdateCampaignStatusAndEquity(ctx context.Context, id string, status types.CampaignStatus, equity decimal.Decimal) error {
	s.statusSet = status
	s.equitySet = equity
	return nil
}

type fakeAudit struct{ events []string }

func (a *fakeAudit) RecordPositionOpened(ctx context.Context, p types.CampaignPosition) error {
	a.events = append(a.events, "position.opened")
	return nil
}
func (a *fakeAudit) RecordPositionClosed(ctx context.Context, p types.CampaignPosition) error {
	a.events = append(a.events, "position.closed")
	return nil
}
func (a *fakeAudit) RecordOrderPlaced(ctx context.Context, o types.CampaignOrder) error {
	a.events = append(a.events, "order.placed")
	return nil
}
func (a *fakeAudit) RecordOrderFilled(ctx context.Context, o types.CampaignOrder) error {
	a.events = append(a.events, "order.filled")
	return nil
}
func (a *fakeAudit) RecordOrderCancelled(ctx context.Context, o types.CampaignOrder) error {
	a.events = append(a.events, "order.cancelled")
	return nil
}
func (a *fakeAudit) RecordSignalGenerated(ctx context.Context, sig types.Signal) error {
	a.events = append(a.events, "signal.generated")
	return nil
}
func (a *fakeAudit) RecordSignalExecuted(ctx context.Context, sig types.Signal) error {
	a.events = append(a.events, "signal.executed")
	return nil
}
func (a *fakeAudit) RecordSignalExpired(ctx context.Context, sig types.Signal) error {
	a.events = append(a.events, "signal.expired")
	return nil
}
func (a *fakeAudit) RecordCampaignStopped(ctx context.Context, campaignID string, finalEquity decimal.Decimal, reason string) error {
	a.events = append(a.events, "campaign.stopped")
	return nil
}
func (a *fakeAudit) RecordManualReconciliationRequired(ctx context.Context, p types.CampaignPosition, reason string) error {
	a.events = append(a.events, "position.manual_reconciliation_required")
	return nil
}

func newTestRobot(t *testing.T) (*Robot, *fakeStore, *fakeExchange, *fakeBreaker, *fakeAudit, *fakeSignals) {
	t.Helper()
	campaign := types.Campaign{
		ID: "c1", PortfolioID: "p1", InvestorProfile: types.ProfileAggressive,
		InitialCapital: d("10000"),
	}
	cfg := config.CampaignConfig{TickInterval: 5 * time.Second, MaxDrawdownThreshold: 0.2}
	market := &fakeMarket{
		quotes: map[string]types.L1Quote{"BTC/USD": {Symbol: "BTC/USD", BidPrice: d("100"), AskPrice: d("100")}},
		bars:   map[string][]types.Bar{"BTC/USD": {{Symbol: "BTC/USD", Close: d("100")}}},
	}
	breaker := &fakeBreaker{allow: true}
	regime := &fakeRegime{regime: types.RegimeNormal}
	staleness := &fakeStaleness{states: map[string]types.StalenessState{}}
	signals := &fakeSignals{}
	exch := &fakeExchange{}
	store := &fakeStore{risk: types.CampaignRiskState{CampaignID: "c1", CurrentTradableSet: []string{"BTC/USD"}}}
	audit := &fakeAudit{}

	r := New(campaign, cfg, market, breaker, regime, staleness, signals, exch, store, audit, nil, testLogger())
	return r, store, exch, breaker, audit, signals
}

func TestTickSkipsWhenCampaignNotActive(t *testing.T) {
	r, store, _, _, _, _ := newTestRobot(t)
	r.campaign.Status = types.CampaignPaused
	if err := r.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if store.risk.LastAuditTS != (time.Time{}) {
		t.Errorf("expected no risk state write while paused")
	}
}

func TestTickOpensOCOBracketOnFiringSignal(t *testing.T) {
	r, store, exch, _, audit, _ := newTestRobot(t)
	r.campaign.Status = types.CampaignActive
	r.signals.(*fakeSignals).next = &types.Signal{
		ID: "sig1", Symbol: "BTC/USD", Side: types.Long, Status: types.SignalPending,
		Price: d("100"), SL: d("95"), TP1: d("110"), PositionSize: d("2"), ATR: d("3"),
	}
	r.signals.(*fakeSignals).changed = true

	if err := r.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(exch.placed) != 3 {
		t.Fatalf("placed orders = %d, want 3 (entry+sl+tp)", len(exch.placed))
	}
	if len(store.positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(store.positions))
	}
	pos := store.positions[0]
	if pos.OCOGroupID == "" {
		t.Error("expected position to carry an oco group id")
	}

	var sawOpened bool
	for _, e := range audit.events {
		if e == "position.opened" {
			sawOpened = true
		}
	}
	if !sawOpened {
		t.Error("expected position.opened audit event")
	}
}

func TestTickClosesPositionOnStopLossHit(t *testing.T) {
	r, store, _, breaker, audit, _ := newTestRobot(t)
	r.campaign.Status = types.CampaignActive
	store.positions = []types.CampaignPosition{{
		ID: "pos1", CampaignID: "c1", Symbol: "BTC/USD", Side: types.Long,
		Quantity: d("1"), EntryPrice: d("100"), StopLoss: d("95"), TakeProfit: d("110"),
		RiskAmount: d("5"), State: types.PositionOpen,
	}}
	r.market.(*fakeMarket).quotes["BTC/USD"] = types.L1Quote{Symbol: "BTC/USD", BidPrice: d("94"), AskPrice: d("94")}

	if err := r.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if store.positions[0].State != types.PositionClosed {
		t.Fatalf("position state = %s, want closed", store.positions[0].State)
	}
	if store.positions[0].CloseReason != types.CloseSLHit {
		t.Errorf("close reason = %s, want sl_hit", store.positions[0].CloseReason)
	}
	if len(breaker.trades) != 1 {
		t.Errorf("expected one breaker trade record, got %d", len(breaker.trades))
	}
	var sawClosed bool
	for _, e := range audit.events {
		if e == "position.closed" {
			sawClosed = true
		}
	}
	if !sawClosed {
		t.Error("expected position.closed audit event")
	}
}

func TestEnforceDrawdownStopsCampaignAndClosesPositions(t *testing.T) {
	r, store, _, _, audit, _ := newTestRobot(t)
	r.campaign.Status = types.CampaignActive
	store.positions = []types.CampaignPosition{{
		ID: "pos1", CampaignID: "c1", Symbol: "BTC/USD", Side: types.Long,
		Quantity: d("1"), EntryPrice: d("100"), StopLoss: d("1"), TakeProfit: d("1000"),
		RiskAmount: d("5"), State: types.PositionOpen,
	}}
	store.risk = types.CampaignRiskState{
		CampaignID: "c1", EquityHighWatermark: d("10000"), CurrentEquity: d("7000"), CurrentDDPct: d("0.3"),
		CurrentTradableSet: []string{"BTC/USD"},
	}

	rs := store.risk
	if err := r.enforceDrawdown(context.Background(), &rs, store.positions, time.Now()); err != nil {
		t.Fatalf("enforceDrawdown: %v", err)
	}

	if r.campaign.Status != types.CampaignStopped {
		t.Errorf("campaign status = %s, want stopped", r.campaign.Status)
	}
	if store.statusSet != types.CampaignStopped {
		t.Errorf("persisted status = %s, want stopped", store.statusSet)
	}
	var sawStopped bool
	for _, e := range audit.events {
		if e == "campaign.stopped" {
			sawStopped = true
		}
	}
	if !sawStopped {
		t.Error("expected campaign.stopped audit event")
	}
}

func TestOpenPositionBlockedByBreakerCancelsSignal(t *testing.T) {
	r, _, exch, _, _, signals := newTestRobot(t)
	r.breaker.(*fakeBreaker).allow = false
	r.breaker.(*fakeBreaker).reason = "cluster_loss_limit"

	sig := types.Signal{ID: "sig1", Symbol: "BTC/USD", Side: types.Long, Price: d("100"), SL: d("95"), PositionSize: d("1")}
	rs := types.CampaignRiskState{}
	if err := r.openPosition(context.Background(), sig, vre.Permission{Allowed: true, SizeMultiplier: 1}, &rs); err != nil {
		t.Fatalf("openPosition: %v", err)
	}

	if len(exch.placed) != 0 {
		t.Errorf("expected no orders placed when breaker blocks open, got %d", len(exch.placed))
	}
	if !signals.cancelled {
		t.Error("expected signal to be cancelled on breaker block")
	}
}

func TestReconcileOCOClosesPositionWhenSiblingFilled(t *testing.T) {
	r, store, _, _, _, _ := newTestRobot(t)
	pos := types.CampaignPosition{
		ID: "pos1", CampaignID: "c1", Symbol: "BTC/USD", Side: types.Long, Quantity: d("1"),
		EntryPrice: d("100"), StopLoss: d("95"), TakeProfit: d("110"), RiskAmount: d("5"),
		State: types.PositionOpen, OCOGroupID: "grp1",
	}
	store.positions = []types.CampaignPosition{pos}
	store.orders = []types.CampaignOrder{
		{ID: "o-tp", OCOGroupID: "grp1", OrderType: types.OrderTakeProfit, Status: types.OrderFilled, Limit: d("110")},
		{ID: "o-sl", OCOGroupID: "grp1", OrderType: types.OrderStopLoss, Status: types.OrderOpen, Stop: d("95")},
	}

	rs := types.CampaignRiskState{}
	if err := r.reconcileOCO(context.Background(), store.positions, &rs); err != nil {
		t.Fatalf("reconcileOCO: %v", err)
	}

	var found bool
	for _, p := range store.positions {
		if p.ID == "pos1" {
			found = true
			if p.State != types.PositionClosed {
				t.Errorf("position state = %s, want closed", p.State)
			}
			if p.CloseReason != types.CloseTPHit {
				t.Errorf("close reason = %s, want tp_hit", p.CloseReason)
			}
		}
	}
	if !found {
		t.Fatal("position not found in store after reconciliation")
	}

	for _, o := range store.orders {
		if o.ID == "o-sl" && o.Status != types.OrderCancelled {
			t.Errorf("sibling sl order status = %s, want cancelled", o.Status)
		}
	}
}

func TestReconcileOCOLeavesPositionClosingWhenSiblingCancelFails(t *testing.T) {
	r, store, exch, breaker, audit, _ := newTestRobot(t)
	exch.cancelErr = errors.New("exchange unreachable")

	pos := types.CampaignPosition{
		ID: "pos1", CampaignID: "c1", Symbol: "BTC/USD", Side: types.Long, Quantity: d("1"),
		EntryPrice: d("100"), StopLoss: d("95"), TakeProfit: d("110"), RiskAmount: d("5"),
		State: types.PositionOpen, OCOGroupID: "grp1",
	}
	store.positions = []types.CampaignPosition{pos}
	store.orders = []types.CampaignOrder{
		{ID: "o-tp", OCOGroupID: "grp1", OrderType: types.OrderTakeProfit, Status: types.OrderFilled, Limit: d("110")},
		{ID: "o-sl", OCOGroupID: "grp1", OrderType: types.OrderStopLoss, Status: types.OrderOpen, Stop: d("95")},
	}

	rs := types.CampaignRiskState{}
	if err := r.reconcileOCO(context.Background(), store.positions, &rs); err != nil {
		t.Fatalf("reconcileOCO: %v", err)
	}

	var found bool
	for _, p := range store.positions {
		if p.ID == "pos1" {
			found = true
			if p.State != types.PositionClosing {
				t.Errorf("position state = %s, want closing (not finalized while a sibling resists cancellation)", p.State)
			}
		}
	}
	if !found {
		t.Fatal("position not found in store after reconciliation")
	}

	for _, o := range store.orders {
		if o.ID == "o-sl" && o.Status == types.OrderCancelled {
			t.Error("sibling sl order should not be marked cancelled when the exchange cancel call failed")
		}
	}

	if len(breaker.trades) != 0 {
		t.Errorf("expected no breaker trade recorded while position remains unreconciled, got %d", len(breaker.trades))
	}

	var sawReconciliation bool
	for _, e := range audit.events {
		if e == "position.manual_reconciliation_required" {
			sawReconciliation = true
		}
	}
	if !sawReconciliation {
		t.Error("expected a manual_reconciliation_required audit event")
	}

	if !hasOpenPosition(store.positions, "BTC/USD") {
		t.Error("a position stuck in closing must still count as open so the robot does not open a new one")
	}
}
