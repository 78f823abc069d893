// Package campaignmgr implements the Campaign Manager of §4.G: a single
// background scheduler, separate from any per-campaign robot, that sweeps
// every active campaign once a minute for lifecycle events a 5-second tick
// loop doesn't own — end-date expiration, a redundant drawdown check, the
// 8-hour rebalance cadence, and the UTC-midnight daily reset.
//
// Structured as a manageMarkets/reconcileMarkets-style reconciliation loop
// (diff desired vs. running, act on the difference) generalized from
// markets to campaigns, with a daily-reset timer built around
// timeUntilMidnightUTC.
package campaignmgr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/campaign"
	"tradingcore/internal/config"
	"tradingcore/pkg/types"
)

// Store is the durable persistence the manager sweeps and mutates. It
// embeds campaign.Store so the manager can share the same position/order
// close path a robot uses, plus the fleet-wide listing a robot never needs.
type Store interface {
	campaign.Store
	ListActiveCampaigns(ctx context.Context) ([]types.Campaign, error)
}

// Audit is campaign.Audit plus the fleet-level events only the manager
// records.
type Audit interface {
	campaign.Audit
	RecordRebalance(ctx context.Context, campaignID string, previous, next []string) error
	RecordDailyReset(ctx context.Context, campaignID string, previousDailyPnL decimal.Decimal) error
}

// RebalanceSelector recomputes a campaign's tradable symbol set. Nil or an
// unchanged set means "no rebalance action needed".
type RebalanceSelector interface {
	TradableSet(ctx context.Context, c types.Campaign) ([]string, error)
}

// Manager is the fleet-wide background scheduler.
type Manager struct {
	store    Store
	market   campaign.MarketData
	exchange campaign.Exchange
	breaker  campaign.BreakerService
	audit    Audit
	selector RebalanceSelector

	cfg       config.ManagerConfig
	clusterOf campaign.ClusterOf
	logger    *slog.Logger
}

// New constructs a Manager.
func New(store Store, market campaign.MarketData, exch campaign.Exchange, breaker campaign.BreakerService,
	audit Audit, selector RebalanceSelector, clusterOf campaign.ClusterOf, cfg config.ManagerConfig, logger *slog.Logger) *Manager {

	if clusterOf == nil {
		clusterOf = func(string) string { return "" }
	}
	return &Manager{
		store: store, market: market, exchange: exch, breaker: breaker, audit: audit,
		selector: selector, cfg: cfg, clusterOf: clusterOf, logger: logger.With("component", "campaignmgr"),
	}
}

// Run drives the 60s sweep and the UTC-midnight daily reset until ctx is
// cancelled: a fixed-period ticker for the regular sweep, a one-shot timer
// reset after firing for the reset that only ever needs to happen once a
// day.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.TickInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dailyResetTimer := time.NewTimer(timeUntilMidnightUTC())
	defer dailyResetTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := m.Sweep(ctx, now); err != nil {
				m.logger.Error("sweep failed", "error", err)
			}
		case <-dailyResetTimer.C:
			if err := m.dailyReset(ctx, time.Now()); err != nil {
				m.logger.Error("daily reset failed", "error", err)
			}
			dailyResetTimer.Reset(timeUntilMidnightUTC())
		}
	}
}

func timeUntilMidnightUTC() time.Duration {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return midnight.Sub(now)
}

// Sweep runs one full pass over every active campaign.
func (m *Manager) Sweep(ctx context.Context, now time.Time) error {
	campaigns, err := m.store.ListActiveCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("campaignmgr: list active campaigns: %w", err)
	}
	for _, c := range campaigns {
		if err := m.evaluateCampaign(ctx, c, now); err != nil {
			m.logger.Error("evaluate campaign failed", "campaign_id", c.ID, "error", err)
		}
	}
	return nil
}

func (m *Manager) evaluateCampaign(ctx context.Context, c types.Campaign, now time.Time) error {
	if !c.EndDate.IsZero() && now.After(c.EndDate) {
		return m.completeCampaign(ctx, c, now)
	}

	rs, err := m.store.GetRiskState(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}

	threshold := m.cfg.MaxDrawdownThreshold
	if threshold > 0 && rs.CurrentDDPct.GreaterThanOrEqual(decimal.NewFromFloat(threshold)) {
		return m.stopCampaign(ctx, c, rs, "max_drawdown_threshold_breached")
	}

	rebalanceDue := m.cfg.RebalanceInterval > 0 &&
		(rs.LastRebalanceTS.IsZero() || now.Sub(rs.LastRebalanceTS) >= m.cfg.RebalanceInterval)
	if rebalanceDue && m.selector != nil {
		if err := m.rebalance(ctx, c, &rs, now); err != nil {
			return fmt.Errorf("rebalance: %w", err)
		}
	}
	return nil
}

// completeCampaign transitions a campaign past its end_date to the
// completed terminal state. Unlike stopCampaign this is a clean exit, not
// a risk event — open positions are left for the robot's own tick to wind
// down rather than force-closed here.
func (m *Manager) completeCampaign(ctx context.Context, c types.Campaign, now time.Time) error {
	rs, err := m.store.GetRiskState(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("load risk state for completion: %w", err)
	}
	if err := m.store.UpdateCampaignStatusAndEquity(ctx, c.ID, types.CampaignCompleted, rs.CurrentEquity); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	m.logger.Info("campaign completed", "campaign_id", c.ID, "end_date", c.EndDate)
	return m.audit.RecordCampaignStopped(ctx, c.ID, rs.CurrentEquity, "end_date_reached")
}

// stopCampaign is the manager's redundant safety net: a robot already
// enforces the same threshold every tick, but a crashed or stalled robot
// must not leave a blown-through campaign trading unattended for up to a
// full sweep interval.
func (m *Manager) stopCampaign(ctx context.Context, c types.Campaign, rs types.CampaignRiskState, reason string) error {
	positions, err := m.store.GetOpenPositions(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	for i := range positions {
		if err := m.closePositionAtMarket(ctx, c.PortfolioID, &positions[i], types.CloseBreakerExit, &rs); err != nil {
			m.logger.Error("force-close on manager drawdown stop failed", "position_id", positions[i].ID, "error", err)
		}
	}
	if err := m.store.UpdateCampaignStatusAndEquity(ctx, c.ID, types.CampaignStopped, rs.CurrentEquity); err != nil {
		return fmt.Errorf("mark stopped: %w", err)
	}
	m.logger.Warn("campaign stopped by manager safety net", "campaign_id", c.ID, "reason", reason)
	return m.audit.RecordCampaignStopped(ctx, c.ID, rs.CurrentEquity, reason)
}

// rebalance recomputes the campaign's tradable set, records the change,
// and queues rebalance_exit closes for any position in a symbol that fell
// out of the new set.
func (m *Manager) rebalance(ctx context.Context, c types.Campaign, rs *types.CampaignRiskState, now time.Time) error {
	next, err := m.selector.TradableSet(ctx, c)
	if err != nil {
		return fmt.Errorf("compute tradable set: %w", err)
	}
	if next == nil {
		return nil
	}

	previous := rs.CurrentTradableSet
	nextSet := make(map[string]bool, len(next))
	for _, s := range next {
		nextSet[s] = true
	}

	positions, err := m.store.GetOpenPositions(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("load open positions for rebalance: %w", err)
	}
	for i := range positions {
		p := &positions[i]
		if p.State == types.PositionClosed || nextSet[p.Symbol] {
			continue
		}
		if err := m.closePositionAtMarket(ctx, c.PortfolioID, p, types.CloseRebalanceExit, rs); err != nil {
			m.logger.Error("rebalance exit failed", "position_id", p.ID, "symbol", p.Symbol, "error", err)
		}
	}

	rs.CurrentTradableSet = next
	rs.LastRebalanceTS = now
	if err := m.store.UpsertRiskState(ctx, *rs); err != nil {
		return fmt.Errorf("persist rebalanced risk state: %w", err)
	}
	return m.audit.RecordRebalance(ctx, c.ID, previous, next)
}

// dailyReset zeroes every active campaign's daily counters at UTC midnight
// and recomputes staleness-derived tradability (handled upstream by the
// staleness guard; the manager only resets the counters here).
func (m *Manager) dailyReset(ctx context.Context, now time.Time) error {
	campaigns, err := m.store.ListActiveCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("list active campaigns for daily reset: %w", err)
	}
	for _, c := range campaigns {
		rs, err := m.store.GetRiskState(ctx, c.ID)
		if err != nil {
			m.logger.Error("load risk state for daily reset failed", "campaign_id", c.ID, "error", err)
			continue
		}
		previous := rs.DailyPnL
		rs.DailyPnL = decimal.Zero
		rs.DailyLossPct = decimal.Zero
		rs.LastDailyResetTS = now
		if err := m.store.UpsertRiskState(ctx, rs); err != nil {
			m.logger.Error("persist daily reset failed", "campaign_id", c.ID, "error", err)
			continue
		}
		if err := m.audit.RecordDailyReset(ctx, c.ID, previous); err != nil {
			m.logger.Error("record daily reset failed", "campaign_id", c.ID, "error", err)
		}
	}
	return nil
}

// closePositionAtMarket force-closes one position outside the owning
// robot's tick — used by the drawdown safety net and by rebalance exits,
// the two events the manager itself is responsible for rather than the
// robot's own price-driven exit checks. Mirrors campaign.Robot.
// closePosition: the position is parked in CLOSING while its OCO siblings
// are cancelled, and only finalized to CLOSED once every sibling is
// confirmed cancelled (or there were none). A sibling that won't cancel
// after bounded retries leaves the position in CLOSING and records a
// manual_reconciliation_required event instead — hasOpenPosition-style
// callers must treat CLOSING as still open, the same as campaign.Robot does.
func (m *Manager) closePositionAtMarket(ctx context.Context, portfolioID string, p *types.CampaignPosition, reason types.CloseReason, rs *types.CampaignRiskState) error {
	price := p.EntryPrice
	if quote, _, ok := m.market.GetL1(p.Symbol); ok {
		price = quote.BidPrice.Add(quote.AskPrice).Div(decimal.NewFromInt(2))
	}

	diff := price.Sub(p.EntryPrice)
	if p.Side == types.Short {
		diff = diff.Neg()
	}
	p.RealizedPnL = diff.Mul(p.Quantity)
	p.CloseReason = reason
	p.State = types.PositionClosing

	if err := m.store.UpsertPosition(ctx, *p); err != nil {
		return fmt.Errorf("persist closing position: %w", err)
	}

	ok, err := m.cancelOCOSiblings(ctx, p, reason)
	if err != nil {
		return fmt.Errorf("cancel oco siblings: %w", err)
	}
	if !ok {
		if err := m.audit.RecordManualReconciliationRequired(ctx, *p, "oco_sibling_order_would_not_cancel"); err != nil {
			m.logger.Error("record manual reconciliation required failed", "error", err)
		}
		return nil
	}

	p.State = types.PositionClosed
	p.ClosedAt = time.Now()

	if err := m.store.UpsertPosition(ctx, *p); err != nil {
		return fmt.Errorf("persist closed position: %w", err)
	}
	if err := m.audit.RecordPositionClosed(ctx, *p); err != nil {
		m.logger.Error("record position closed failed", "error", err)
	}

	cluster := m.clusterOf(p.Symbol)
	pnl, _ := p.RealizedPnL.Float64()
	m.breaker.RecordTrade(portfolioID, p.Symbol, pnl, cluster)
	return nil
}

// cancelOCOSiblings cancels every still-open order sharing p's OCO group,
// retrying each a bounded number of times. It reports ok=false if any
// sibling would not cancel, so the caller keeps the position in CLOSING.
func (m *Manager) cancelOCOSiblings(ctx context.Context, p *types.CampaignPosition, reason types.CloseReason) (ok bool, err error) {
	if p.OCOGroupID == "" {
		return true, nil
	}
	orders, err := m.store.GetOrdersByOCOGroup(ctx, p.OCOGroupID)
	if err != nil {
		return false, fmt.Errorf("load oco siblings: %w", err)
	}

	const maxAttempts = 3
	ok = true
	for _, o := range orders {
		if o.Status != types.OrderOpen && o.Status != types.OrderPending {
			continue
		}
		var cancelErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			if cancelErr = m.exchange.CancelOrder(ctx, o.ID); cancelErr == nil {
				break
			}
		}
		if cancelErr != nil {
			m.logger.Error("sibling order would not cancel after retries",
				"order_id", o.ID, "position_id", p.ID, "error", cancelErr)
			ok = false
			continue
		}
		o.Status = types.OrderCancelled
		o.CancelReason = string(reason)
		if err := m.store.UpsertOrder(ctx, o); err != nil {
			m.logger.Error("persist cancelled sibling order failed", "order_id", o.ID, "error", err)
			ok = false
			continue
		}
		if err := m.audit.RecordOrderCancelled(ctx, o); err != nil {
			m.logger.Error("record order cancelled failed", "error", err)
		}
	}
	return ok, nil
}
