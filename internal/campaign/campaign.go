// Package campaign implements the Campaign Engine of §4.F: one isolated
// 5-second control loop ("robot") per active campaign. It follows the
// "market slot with its own book/inventory/maker goroutine" pattern, turned
// into "campaign slot with its own risk-state/positions/orders goroutine on
// a ticker", with a per-tick select loop structured the same way.
//
// A Robot never reads or mutates another campaign's state: every
// dependency call it makes is already scoped by campaign_id or
// portfolio_id, and Robot itself holds no shared mutable state beyond its
// own campaign snapshot.
package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradingcore/internal/config"
	"tradingcore/internal/vre"
	"tradingcore/pkg/types"
)

// MarketData is the read-only market view a robot needs.
type MarketData interface {
	GetL1(symbol string) (types.L1Quote, time.Duration, bool)
	GetBars(symbol string, period types.BarPeriod, n int) []types.Bar
}

// BreakerService is the process-singleton circuit breaker gate.
type BreakerService interface {
	CanOpen(portfolio, symbol, cluster string) (bool, string)
	RecordTrade(portfolio, symbol string, realizedPnL float64, cluster string)
}

// RegimeProvider exposes the Volatility Regime Engine's current
// classification for a symbol.
type RegimeProvider interface {
	Context(symbol string) types.VREContext
}

// StalenessProvider exposes the Staleness Guard's per-(symbol,feed) state.
type StalenessProvider interface {
	State(symbol, feed string) (types.StalenessState, bool)
}

// SignalGenerator is the Signal Engine capability a robot drives.
type SignalGenerator interface {
	Evaluate(cfg types.SignalConfig, bars []types.Bar, currentPrice, equity decimal.Decimal, breakerSnapshot string, expiryAfter time.Duration, now time.Time) (*types.Signal, bool, error)
	Pending(portfolioID, symbol string) (types.Signal, bool)
	MarkExecuted(portfolioID, symbol, reason string) (types.Signal, bool)
	Cancel(portfolioID, symbol, reason string) (types.Signal, bool)
}

// OrderAck mirrors exchange.OrderAck, narrowed to what a robot consumes.
type OrderAck struct {
	OrderID string
	Status  string
}

// Exchange is the trading-path capability a robot drives.
type Exchange interface {
	PlaceOrder(ctx context.Context, order types.CampaignOrder) (*OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Store is the durable persistence a robot reads and writes, always scoped
// to its own campaign_id/portfolio_id.
type Store interface {
	GetRiskState(ctx context.Context, campaignID string) (types.CampaignRiskState, error)
	UpsertRiskState(ctx context.Context, rs types.CampaignRiskState) error
	GetOpenPositions(ctx context.Context, campaignID string) ([]types.CampaignPosition, error)
	UpsertPosition(ctx context.Context, p types.CampaignPosition) error
	UpsertOrder(ctx context.Context, o types.CampaignOrder) error
	GetOrdersByOCOGroup(ctx context.Context, groupID string) ([]types.CampaignOrder, error)
	GetSignalConfig(ctx context.Context, portfolioID, symbol string) (types.SignalConfig, error)
	SaveSignal(ctx context.Context, sig types.Signal, configSnapshotJSON string) error
	UpdateSignalStatus(ctx context.Context, id string, status types.SignalStatus, reason string) error
	UpdateCampaignStatusAndEquity(ctx context.Context, id string, status types.CampaignStatus, equity decimal.Decimal) error
}

// Audit is the event recorder a robot reports its transitions through.
type Audit interface {
	RecordPositionOpened(ctx context.Context, p types.CampaignPosition) error
	RecordPositionClosed(ctx context.Context, p types.CampaignPosition) error
	RecordOrderPlaced(ctx context.Context, o types.CampaignOrder) error
	RecordOrderFilled(ctx context.Context, o types.CampaignOrder) error
	RecordOrderCancelled(ctx context.Context, o types.CampaignOrder) error
	RecordSignalGenerated(ctx context.Context, sig types.Signal) error
	RecordSignalExecuted(ctx context.Context, sig types.Signal) error
	RecordSignalExpired(ctx context.Context, sig types.Signal) error
	RecordCampaignStopped(ctx context.Context, campaignID string, finalEquity decimal.Decimal, reason string) error
	RecordManualReconciliationRequired(ctx context.Context, p types.CampaignPosition, reason string) error
}

// ClusterOf maps a symbol to its cluster for the breaker's cluster tier
// (e.g. "BTC/USD" -> "majors"). A nil/zero-value func yields "" (no
// cluster breaker participation), which CanOpen treats as "skip".
type ClusterOf func(symbol string) string

// Robot is one campaign's isolated 5-second trading loop.
type Robot struct {
	campaign types.Campaign
	cfg      config.CampaignConfig

	market    MarketData
	breaker   BreakerService
	regime    RegimeProvider
	staleness StalenessProvider
	signals   SignalGenerator
	exchange  Exchange
	store     Store
	audit     Audit
	clusterOf ClusterOf

	logger *slog.Logger

	overrunCount atomic.Int64
}

// New constructs a Robot for one campaign.
func New(campaign types.Campaign, cfg config.CampaignConfig, market MarketData, breaker BreakerService,
	regime RegimeProvider, staleness StalenessProvider, signals SignalGenerator, exch Exchange,
	store Store, audit Audit, clusterOf ClusterOf, logger *slog.Logger) *Robot {

	if clusterOf == nil {
		clusterOf = func(string) string { return "" }
	}
	return &Robot{
		campaign: campaign, cfg: cfg, market: market, breaker: breaker, regime: regime,
		staleness: staleness, signals: signals, exchange: exch, store: store, audit: audit,
		clusterOf: clusterOf, logger: logger.With("component", "campaign", "campaign_id", campaign.ID),
	}
}

// OverrunCount returns how many ticks have been observed running past their
// allotted slot (§5 backpressure).
func (r *Robot) OverrunCount() int64 { return r.overrunCount.Load() }

// Run drives the 5-second control loop until ctx is cancelled. Because this
// is the only goroutine that ever calls Tick for this campaign, ticks are
// naturally serialized — the isolation and ordering guarantees of §5 fall
// out of that, not from any lock.
func (r *Robot) Run(ctx context.Context) error {
	interval := r.cfg.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			start := time.Now()
			if err := r.Tick(ctx, now); err != nil {
				r.logger.Error("tick failed", "error", err)
			}
			if elapsed := time.Since(start); elapsed > interval {
				r.overrunCount.Add(1)
				r.logger.Warn("tick overran its slot", "elapsed", elapsed, "interval", interval)
			}
		}
	}
}

// Tick runs exactly one control-loop iteration per §4.F:
// 1. read market snapshot, 2. check breakers, 3. read VRE + permission
// table, 4. generate/consume signals, 5. size and open with OCO, 6. update
// positions/risk state on fills, 7. exit on SL/TP/signal/rebalance/breaker.
func (r *Robot) Tick(ctx context.Context, now time.Time) error {
	if r.campaign.Status != types.CampaignActive {
		return nil
	}

	rs, err := r.store.GetRiskState(ctx, r.campaign.ID)
	if err != nil {
		return fmt.Errorf("campaign %s: load risk state: %w", r.campaign.ID, err)
	}

	positions, err := r.store.GetOpenPositions(ctx, r.campaign.ID)
	if err != nil {
		return fmt.Errorf("campaign %s: load positions: %w", r.campaign.ID, err)
	}

	if err := r.reconcileOCO(ctx, positions, &rs); err != nil {
		r.logger.Error("oco reconciliation failed", "error", err)
	}

	unrealized := decimal.Zero
	for i := range positions {
		p := &positions[i]
		if p.State == types.PositionClosed {
			continue
		}
		quote, _, ok := r.market.GetL1(p.Symbol)
		if !ok {
			continue
		}
		price := midPrice(quote)
		unrealized = unrealized.Add(positionPnL(*p, price))

		if reason, exit := r.checkExit(p, price, rs); exit {
			if err := r.closePosition(ctx, p, price, reason, &rs); err != nil {
				r.logger.Error("close position failed", "position_id", p.ID, "error", err)
			}
		}
	}

	rs.CurrentEquity = r.campaign.InitialCapital.Add(sumRealized(positions)).Add(unrealized)
	if rs.CurrentEquity.GreaterThan(rs.EquityHighWatermark) {
		rs.EquityHighWatermark = rs.CurrentEquity
	}
	if rs.EquityHighWatermark.IsPositive() {
		dd := rs.EquityHighWatermark.Sub(rs.CurrentEquity).Div(rs.EquityHighWatermark)
		if dd.IsNegative() {
			dd = decimal.Zero
		}
		rs.CurrentDDPct = dd
	}

	if err := r.enforceDrawdown(ctx, &rs, positions, now); err != nil {
		return err
	}

	if r.campaign.Status == types.CampaignActive {
		for _, symbol := range rs.CurrentTradableSet {
			if err := r.evaluateSymbol(ctx, symbol, positions, &rs, now); err != nil {
				r.logger.Error("evaluate symbol failed", "symbol", symbol, "error", err)
			}
		}
	}

	rs.LastAuditTS = now
	if err := r.store.UpsertRiskState(ctx, rs); err != nil {
		return fmt.Errorf("campaign %s: persist risk state: %w", r.campaign.ID, err)
	}
	return nil
}

func midPrice(q types.L1Quote) decimal.Decimal {
	return q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
}

func positionPnL(p types.CampaignPosition, currentPrice decimal.Decimal) decimal.Decimal {
	diff := currentPrice.Sub(p.EntryPrice)
	if p.Side == types.Short {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity)
}

func sumRealized(positions []types.CampaignPosition) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.RealizedPnL)
	}
	return total
}

// checkExit evaluates SL/TP against the live price. Signal-driven and
// rebalance exits are handled by their respective callers (evaluateSymbol,
// the campaign manager), not here.
func (r *Robot) checkExit(p *types.CampaignPosition, price decimal.Decimal, rs types.CampaignRiskState) (types.CloseReason, bool) {
	if p.State != types.PositionOpen {
		return "", false
	}
	switch p.Side {
	case types.Long:
		if price.LessThanOrEqual(p.StopLoss) {
			return types.CloseSLHit, true
		}
		if price.GreaterThanOrEqual(p.TakeProfit) {
			return types.CloseTPHit, true
		}
	case types.Short:
		if price.GreaterThanOrEqual(p.StopLoss) {
			return types.CloseSLHit, true
		}
		if price.LessThanOrEqual(p.TakeProfit) {
			return types.CloseTPHit, true
		}
	}
	return "", false
}

// enforceDrawdown stops the campaign and force-closes every open position
// at market once current_dd_pct reaches the configured threshold.
func (r *Robot) enforceDrawdown(ctx context.Context, rs *types.CampaignRiskState, positions []types.CampaignPosition, now time.Time) error {
	threshold := r.cfg.MaxDrawdownThreshold
	if threshold <= 0 || rs.CurrentDDPct.LessThan(decimal.NewFromFloat(threshold)) {
		return nil
	}

	r.logger.Warn("max drawdown breached, stopping campaign", "dd_pct", rs.CurrentDDPct.String(), "threshold", threshold)
	for i := range positions {
		p := &positions[i]
		if p.State == types.PositionClosed {
			continue
		}
		quote, _, ok := r.market.GetL1(p.Symbol)
		price := p.EntryPrice
		if ok {
			price = midPrice(quote)
		}
		if err := r.closePosition(ctx, p, price, types.CloseBreakerExit, rs); err != nil {
			r.logger.Error("force-close on drawdown failed", "position_id", p.ID, "error", err)
		}
	}

	r.campaign.Status = types.CampaignStopped
	if err := r.store.UpdateCampaignStatusAndEquity(ctx, r.campaign.ID, types.CampaignStopped, rs.CurrentEquity); err != nil {
		return fmt.Errorf("campaign %s: update status to stopped: %w", r.campaign.ID, err)
	}
	return r.audit.RecordCampaignStopped(ctx, r.campaign.ID, rs.CurrentEquity, "max_drawdown_threshold_breached")
}

func hasOpenPosition(positions []types.CampaignPosition, symbol string) bool {
	for _, p := range positions {
		if p.Symbol == symbol && p.State != types.PositionClosed {
			return true
		}
	}
	return false
}

// evaluateSymbol runs staleness/permission gating, signal generation, and
// position opening for one symbol in the campaign's tradable set.
func (r *Robot) evaluateSymbol(ctx context.Context, symbol string, positions []types.CampaignPosition, rs *types.CampaignRiskState, now time.Time) error {
	if st, ok := r.staleness.State(symbol, "tick"); ok {
		switch st.Level {
		case types.StalenessHard, types.StalenessKill, types.StalenessQuarantine:
			if sig, ok := r.signals.Cancel(r.campaign.PortfolioID, symbol, "staleness"); ok {
				return r.audit.RecordSignalExpired(ctx, sig)
			}
			return nil
		case types.StalenessWarn:
			if hasOpenPosition(positions, symbol) {
				return nil // managed positions still get exit checks; just no new opens
			}
			return nil
		}
	}

	if hasOpenPosition(positions, symbol) {
		return nil
	}

	quote, _, ok := r.market.GetL1(symbol)
	if !ok {
		return nil
	}
	bars := r.market.GetBars(symbol, types.Bar1m, 700)
	if len(bars) == 0 {
		return nil
	}

	cfg, err := r.store.GetSignalConfig(ctx, r.campaign.PortfolioID, symbol)
	if err != nil {
		return nil // no tuning row for this pair yet; nothing to evaluate
	}

	vctx := r.regime.Context(symbol)
	permission := vre.Permit(r.campaign.InvestorProfile, vctx.CurrentRegime)
	if !permission.Allowed {
		return nil
	}

	price := midPrice(quote)
	sig, changed, err := r.signals.Evaluate(cfg, bars, price, rs.CurrentEquity, "", r.cfg.OrderFillPollDeadline, now)
	if err != nil {
		return fmt.Errorf("evaluate signal %s: %w", symbol, err)
	}
	if sig == nil || !changed {
		return nil
	}
	snapshot, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal signal config snapshot: %w", err)
	}
	if err := r.store.SaveSignal(ctx, *sig, string(snapshot)); err != nil {
		r.logger.Error("persist signal failed", "symbol", symbol, "error", err)
	}

	switch sig.Status {
	case types.SignalExpired, types.SignalCanceled:
		return r.audit.RecordSignalExpired(ctx, *sig)
	case types.SignalPending:
		if err := r.audit.RecordSignalGenerated(ctx, *sig); err != nil {
			r.logger.Error("record signal generated failed", "error", err)
		}
		return r.openPosition(ctx, *sig, permission, rs)
	}
	return nil
}

// openPosition sizes, gates through the breaker, and submits an OCO
// bracket (entry + SL + TP linked by oco_group_id) for a firing signal.
func (r *Robot) openPosition(ctx context.Context, sig types.Signal, permission vre.Permission, rs *types.CampaignRiskState) error {
	cluster := r.clusterOf(sig.Symbol)
	if ok, reason := r.breaker.CanOpen(r.campaign.PortfolioID, sig.Symbol, cluster); !ok {
		r.logger.Info("position open blocked by breaker", "symbol", sig.Symbol, "reason", reason)
		if _, ok := r.signals.Cancel(r.campaign.PortfolioID, sig.Symbol, "breaker_blocked"); ok {
			return r.audit.RecordSignalExpired(ctx, sig)
		}
		return nil
	}

	quantity := sig.PositionSize.Mul(decimal.NewFromFloat(permission.SizeMultiplier))
	if !quantity.IsPositive() {
		return nil
	}

	riskAmount := sig.Price.Sub(sig.SL).Abs().Mul(quantity)
	ocoGroup := uuid.NewString()
	position := types.CampaignPosition{
		ID: uuid.NewString(), CampaignID: r.campaign.ID, Symbol: sig.Symbol, Side: sig.Side,
		Quantity: quantity, EntryPrice: sig.Price, StopLoss: sig.SL, TakeProfit: sig.TP1,
		ATRAtEntry: sig.ATR, RiskAmount: riskAmount, State: types.PositionOpen,
		OCOGroupID: ocoGroup, OpenedAt: time.Now(), RealizedPnL: decimal.Zero,
	}

	entrySide, exitSide := types.Buy, types.Sell
	if sig.Side == types.Short {
		entrySide, exitSide = types.Sell, types.Buy
	}

	entryOrder := newOrder(r.campaign.ID, sig.Symbol, entrySide, types.OrderMarket, quantity)
	if _, err := r.submitOrder(ctx, entryOrder); err != nil {
		return fmt.Errorf("submit entry order: %w", err)
	}

	slOrder := newOrder(r.campaign.ID, sig.Symbol, exitSide, types.OrderStopLoss, quantity)
	slOrder.Stop = sig.SL
	slOrder.OCOGroupID = ocoGroup
	tpOrder := newOrder(r.campaign.ID, sig.Symbol, exitSide, types.OrderTakeProfit, quantity)
	tpOrder.Limit = sig.TP1
	tpOrder.OCOGroupID = ocoGroup

	for _, o := range []types.CampaignOrder{slOrder, tpOrder} {
		if _, err := r.submitOrder(ctx, o); err != nil {
			r.logger.Error("submit oco leg failed", "order_type", o.OrderType, "error", err)
		}
	}

	if err := r.store.UpsertPosition(ctx, position); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}
	if err := r.audit.RecordPositionOpened(ctx, position); err != nil {
		r.logger.Error("record position opened failed", "error", err)
	}
	if _, ok := r.signals.MarkExecuted(r.campaign.PortfolioID, sig.Symbol, "position_opened"); ok {
		sig.Status = types.SignalExecuted
		if err := r.store.UpdateSignalStatus(ctx, sig.ID, types.SignalExecuted, "position_opened"); err != nil {
			r.logger.Error("update signal status failed", "error", err)
		}
		if err := r.audit.RecordSignalExecuted(ctx, sig); err != nil {
			r.logger.Error("record signal executed failed", "error", err)
		}
	}
	return nil
}

func newOrder(campaignID, symbol string, side types.OrderSide, orderType types.OrderType, quantity decimal.Decimal) types.CampaignOrder {
	now := time.Now()
	return types.CampaignOrder{
		ID: uuid.NewString(), InternalOrderID: uuid.NewString(), CampaignID: campaignID,
		Symbol: symbol, Side: side, OrderType: orderType, Quantity: quantity,
		Status: types.OrderPending, CreatedAt: now, UpdatedAt: now,
	}
}

// submitOrder places an order on the exchange, persists the resulting
// CampaignOrder (status updated from the ack), and audits the placement.
func (r *Robot) submitOrder(ctx context.Context, order types.CampaignOrder) (*OrderAck, error) {
	ack, err := r.exchange.PlaceOrder(ctx, order)
	if err != nil {
		order.Status = types.OrderRejected
		order.CancelReason = err.Error()
		if uerr := r.store.UpsertOrder(ctx, order); uerr != nil {
			r.logger.Error("persist rejected order failed", "error", uerr)
		}
		return nil, err
	}

	order.Status = types.OrderStatus(ack.Status)
	if err := r.store.UpsertOrder(ctx, order); err != nil {
		return ack, fmt.Errorf("persist order: %w", err)
	}
	if err := r.audit.RecordOrderPlaced(ctx, order); err != nil {
		r.logger.Error("record order placed failed", "error", err)
	}
	return &OrderAck{OrderID: ack.OrderID, Status: ack.Status}, nil
}

// closePosition retires a position. It first parks the position in CLOSING
// and cancels its OCO siblings; only once every sibling order is confirmed
// cancelled (or there were none) does it finalize the position as CLOSED
// and record the trade against the risk ledger and breaker. If a sibling
// order won't cancel, the position is left in CLOSING and a
// manual_reconciliation_required event is recorded — hasOpenPosition
// treats CLOSING as still open, so the robot will not open a new position
// on that symbol until an operator reconciles the resting order and the
// next tick's reconciliation succeeds.
func (r *Robot) closePosition(ctx context.Context, p *types.CampaignPosition, exitPrice decimal.Decimal, reason types.CloseReason, rs *types.CampaignRiskState) error {
	p.RealizedPnL = positionPnL(*p, exitPrice)
	p.CloseReason = reason
	p.State = types.PositionClosing

	if err := r.store.UpsertPosition(ctx, *p); err != nil {
		return fmt.Errorf("persist closing position: %w", err)
	}

	ok, err := r.cancelOCOSiblings(ctx, p)
	if err != nil {
		return fmt.Errorf("cancel oco siblings: %w", err)
	}
	if !ok {
		if err := r.audit.RecordManualReconciliationRequired(ctx, *p, "oco_sibling_order_would_not_cancel"); err != nil {
			r.logger.Error("record manual reconciliation required failed", "error", err)
		}
		return nil
	}

	p.State = types.PositionClosed
	p.ClosedAt = time.Now()

	if err := r.store.UpsertPosition(ctx, *p); err != nil {
		return fmt.Errorf("persist closed position: %w", err)
	}
	if err := r.audit.RecordPositionClosed(ctx, *p); err != nil {
		r.logger.Error("record position closed failed", "error", err)
	}

	cluster := r.clusterOf(p.Symbol)
	r.breaker.RecordTrade(r.campaign.PortfolioID, p.Symbol, pnlFloat(p.RealizedPnL), cluster)

	rUnits := decimal.Zero
	if p.RiskAmount.IsPositive() {
		rUnits = p.RealizedPnL.Neg().Div(p.RiskAmount)
	}
	if rs.LossInRByPair == nil {
		rs.LossInRByPair = make(map[string]decimal.Decimal)
	}
	if rUnits.IsPositive() {
		rs.LossInRByPair[p.Symbol] = rs.LossInRByPair[p.Symbol].Add(rUnits)
	}

	return nil
}

func pnlFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
