package campaign

import (
	"context"
	"fmt"

	"tradingcore/pkg/types"
)

// reconcileOCO walks every open position's bracket and, if one leg of an
// SL/TP pair has already filled on the exchange (observed via order
// status), retires the position and cancels the other leg. checkExit
// covers the mirror case where the campaign engine's own price watch
// crosses a level before the exchange reports a fill.
func (r *Robot) reconcileOCO(ctx context.Context, positions []types.CampaignPosition, rs *types.CampaignRiskState) error {
	for i := range positions {
		p := &positions[i]
		if p.State != types.PositionOpen || p.OCOGroupID == "" {
			continue
		}
		orders, err := r.store.GetOrdersByOCOGroup(ctx, p.OCOGroupID)
		if err != nil {
			return fmt.Errorf("load oco group %s: %w", p.OCOGroupID, err)
		}
		for _, o := range orders {
			if o.Status != types.OrderFilled {
				continue
			}
			price := o.Price
			if price.IsZero() {
				if o.OrderType == types.OrderStopLoss {
					price = o.Stop
				} else {
					price = o.Limit
				}
			}
			reason := types.CloseTPHit
			if o.OrderType == types.OrderStopLoss {
				reason = types.CloseSLHit
			}
			if err := r.closePosition(ctx, p, price, reason, rs); err != nil {
				r.logger.Error("close position on oco fill failed", "position_id", p.ID, "error", err)
			}
			break
		}
	}
	return nil
}

// cancelOCOSiblings cancels every still-open order sharing an OCO group
// with a position that is closing. Cancellation is retried a bounded
// number of times. It reports ok=false if any sibling would not cancel
// after exhausting retries, so the caller can keep the position in
// CLOSING rather than finalize it as CLOSED over a resting order.
func (r *Robot) cancelOCOSiblings(ctx context.Context, p *types.CampaignPosition) (ok bool, err error) {
	if p.OCOGroupID == "" {
		return true, nil
	}
	orders, err := r.store.GetOrdersByOCOGroup(ctx, p.OCOGroupID)
	if err != nil {
		return false, fmt.Errorf("load sibling orders: %w", err)
	}

	const maxAttempts = 3
	ok = true
	for _, o := range orders {
		if o.Status != types.OrderOpen && o.Status != types.OrderPending {
			continue
		}
		var cancelErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			if cancelErr = r.exchange.CancelOrder(ctx, o.ID); cancelErr == nil {
				break
			}
		}
		if cancelErr != nil {
			r.logger.Error("sibling order would not cancel after retries",
				"order_id", o.ID, "position_id", p.ID, "error", cancelErr)
			ok = false
			continue
		}
		o.Status = types.OrderCancelled
		o.CancelReason = "oco_sibling_closed"
		if err := r.store.UpsertOrder(ctx, o); err != nil {
			r.logger.Error("persist cancelled sibling order failed", "order_id", o.ID, "error", err)
			ok = false
			continue
		}
		if err := r.audit.RecordOrderCancelled(ctx, o); err != nil {
			r.logger.Error("record order cancelled failed", "error", err)
		}
	}
	return ok, nil
}
