package audit

import (
	"context"

	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

// Action names are the audit_trail.action values. Kept short and
// dot-namespaced (entity.transition) so a reader scanning the trail can
// group by entity at a glance.
const (
	ActionCampaignCreated              = "campaign.created"
	ActionCampaignStopped              = "campaign.stopped"
	ActionPositionOpened               = "position.opened"
	ActionPositionClosed               = "position.closed"
	ActionOrderPlaced                  = "order.placed"
	ActionOrderFilled                  = "order.filled"
	ActionOrderCancelled               = "order.cancelled"
	ActionSignalGenerated              = "signal.generated"
	ActionSignalExecuted               = "signal.executed"
	ActionSignalExpired                = "signal.expired"
	ActionBreakerTriggered             = "breaker.triggered"
	ActionBreakerReset                 = "breaker.reset"
	ActionCampaignRebalance            = "campaign.rebalance"
	ActionDailyReset                   = "campaign.daily_reset"
	ActionManualReconciliationRequired = "position.manual_reconciliation_required"
)

type campaignCreatedPayload struct {
	PortfolioID     string `json:"portfolio_id"`
	InvestorProfile string `json:"investor_profile"`
	InitialCapital  string `json:"initial_capital"`
}

// RecordCampaignCreated logs a new campaign's starting mandate.
func (r *Recorder) RecordCampaignCreated(ctx context.Context, c types.Campaign) error {
	_, err := r.Record(ctx, ActionCampaignCreated, c.ID, campaignCreatedPayload{
		PortfolioID:     c.PortfolioID,
		InvestorProfile: string(c.InvestorProfile),
		InitialCapital:  c.InitialCapital.String(),
	})
	return err
}

type campaignStoppedPayload struct {
	FinalEquity string `json:"final_equity"`
	Reason      string `json:"reason"`
}

// RecordCampaignStopped logs a campaign's terminal equity and the reason it stopped.
func (r *Recorder) RecordCampaignStopped(ctx context.Context, campaignID string, finalEquity decimal.Decimal, reason string) error {
	_, err := r.Record(ctx, ActionCampaignStopped, campaignID, campaignStoppedPayload{
		FinalEquity: finalEquity.String(),
		Reason:      reason,
	})
	return err
}

type positionOpenedPayload struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Quantity   string `json:"quantity"`
	EntryPrice string `json:"entry_price"`
	StopLoss   string `json:"stop_loss"`
	TakeProfit string `json:"take_profit"`
	RiskAmount string `json:"risk_amount"`
}

// RecordPositionOpened logs a newly opened position.
func (r *Recorder) RecordPositionOpened(ctx context.Context, p types.CampaignPosition) error {
	_, err := r.Record(ctx, ActionPositionOpened, p.ID, positionOpenedPayload{
		Symbol: p.Symbol, Side: string(p.Side), Quantity: p.Quantity.String(),
		EntryPrice: p.EntryPrice.String(), StopLoss: p.StopLoss.String(),
		TakeProfit: p.TakeProfit.String(), RiskAmount: p.RiskAmount.String(),
	})
	return err
}

type positionClosedPayload struct {
	CloseReason string `json:"close_reason"`
	RealizedPnL string `json:"realized_pnl"`
}

// RecordPositionClosed logs why a position closed and its realized result.
func (r *Recorder) RecordPositionClosed(ctx context.Context, p types.CampaignPosition) error {
	_, err := r.Record(ctx, ActionPositionClosed, p.ID, positionClosedPayload{
		CloseReason: string(p.CloseReason),
		RealizedPnL: p.RealizedPnL.String(),
	})
	return err
}

type orderEventPayload struct {
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	OrderType       string `json:"order_type"`
	Quantity        string `json:"quantity"`
	Status          string `json:"status"`
	InternalOrderID string `json:"internal_order_id"`
}

func (r *Recorder) recordOrderEvent(ctx context.Context, action string, o types.CampaignOrder) error {
	_, err := r.Record(ctx, action, o.ID, orderEventPayload{
		Symbol: o.Symbol, Side: string(o.Side), OrderType: string(o.OrderType),
		Quantity: o.Quantity.String(), Status: string(o.Status), InternalOrderID: o.InternalOrderID,
	})
	return err
}

// RecordOrderPlaced logs an order's submission to the exchange.
func (r *Recorder) RecordOrderPlaced(ctx context.Context, o types.CampaignOrder) error {
	return r.recordOrderEvent(ctx, ActionOrderPlaced, o)
}

// RecordOrderFilled logs a fill.
func (r *Recorder) RecordOrderFilled(ctx context.Context, o types.CampaignOrder) error {
	return r.recordOrderEvent(ctx, ActionOrderFilled, o)
}

// RecordOrderCancelled logs a cancellation, including why.
func (r *Recorder) RecordOrderCancelled(ctx context.Context, o types.CampaignOrder) error {
	return r.recordOrderEvent(ctx, ActionOrderCancelled, o)
}

type signalEventPayload struct {
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	PositionSize string `json:"position_size"`
	Reason       string `json:"reason,omitempty"`
}

// RecordSignalGenerated logs a newly generated trading signal.
func (r *Recorder) RecordSignalGenerated(ctx context.Context, sig types.Signal) error {
	_, err := r.Record(ctx, ActionSignalGenerated, sig.ID, signalEventPayload{
		Symbol: sig.Symbol, Side: string(sig.Side), Price: sig.Price.String(), PositionSize: sig.PositionSize.String(),
	})
	return err
}

// RecordSignalExecuted logs a signal converting into a position.
func (r *Recorder) RecordSignalExecuted(ctx context.Context, sig types.Signal) error {
	_, err := r.Record(ctx, ActionSignalExecuted, sig.ID, signalEventPayload{
		Symbol: sig.Symbol, Side: string(sig.Side), Price: sig.Price.String(),
		PositionSize: sig.PositionSize.String(), Reason: sig.ExecutionReason,
	})
	return err
}

// RecordSignalExpired logs a signal that expired unexecuted.
func (r *Recorder) RecordSignalExpired(ctx context.Context, sig types.Signal) error {
	_, err := r.Record(ctx, ActionSignalExpired, sig.ID, signalEventPayload{
		Symbol: sig.Symbol, Side: string(sig.Side), Price: sig.Price.String(),
		PositionSize: sig.PositionSize.String(), Reason: sig.ExpirationReason,
	})
	return err
}

type breakerEventPayload struct {
	Level   string `json:"level"`
	Symbol  string `json:"symbol,omitempty"`
	Cluster string `json:"cluster,omitempty"`
	Reason  string `json:"reason"`
}

// RecordBreakerTriggered logs a circuit breaker trip.
func (r *Recorder) RecordBreakerTriggered(ctx context.Context, ev types.CircuitBreakerEvent) error {
	_, err := r.Record(ctx, ActionBreakerTriggered, ev.ID, breakerEventPayload{
		Level: string(ev.Level), Symbol: ev.Symbol, Cluster: ev.Cluster, Reason: ev.Reason,
	})
	return err
}

// RecordBreakerReset logs a circuit breaker reset (manual or automatic).
func (r *Recorder) RecordBreakerReset(ctx context.Context, ev types.CircuitBreakerEvent) error {
	_, err := r.Record(ctx, ActionBreakerReset, ev.ID, breakerEventPayload{
		Level: string(ev.Level), Symbol: ev.Symbol, Cluster: ev.Cluster, Reason: ev.Reason,
	})
	return err
}

type rebalancePayload struct {
	PreviousSet []string `json:"previous_set"`
	NewSet      []string `json:"new_set"`
}

// RecordRebalance logs a campaign's periodic symbol-set rebalance.
func (r *Recorder) RecordRebalance(ctx context.Context, campaignID string, previous, next []string) error {
	_, err := r.Record(ctx, ActionCampaignRebalance, campaignID, rebalancePayload{PreviousSet: previous, NewSet: next})
	return err
}

type dailyResetPayload struct {
	PreviousDailyPnL string `json:"previous_daily_pnl"`
}

// RecordDailyReset logs the midnight-UTC reset of a campaign's daily counters.
func (r *Recorder) RecordDailyReset(ctx context.Context, campaignID string, previousDailyPnL decimal.Decimal) error {
	_, err := r.Record(ctx, ActionDailyReset, campaignID, dailyResetPayload{PreviousDailyPnL: previousDailyPnL.String()})
	return err
}

type manualReconciliationPayload struct {
	Symbol   string `json:"symbol"`
	OCOGroup string `json:"oco_group_id"`
	Reason   string `json:"reason"`
}

// RecordManualReconciliationRequired logs a position left in CLOSING because
// its OCO sibling order would not cancel after exhausting retries — an
// operator must reconcile the exchange's order state by hand before the
// position can be retired.
func (r *Recorder) RecordManualReconciliationRequired(ctx context.Context, p types.CampaignPosition, reason string) error {
	_, err := r.Record(ctx, ActionManualReconciliationRequired, p.ID, manualReconciliationPayload{
		Symbol: p.Symbol, OCOGroup: p.OCOGroupID, Reason: reason,
	})
	return err
}
