package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

const positionColumns = `id, campaign_id, symbol, side, quantity, entry_price, stop_loss,
	take_profit, atr_at_entry, risk_amount, state, close_reason, oco_group_id, opened_at, closed_at, realized_pnl`

// UpsertPosition inserts or updates a campaign position by ID.
func (s *Store) UpsertPosition(ctx context.Context, p types.CampaignPosition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaign_positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			quantity = excluded.quantity,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			state = excluded.state,
			close_reason = excluded.close_reason,
			closed_at = excluded.closed_at,
			realized_pnl = excluded.realized_pnl`,
		p.ID, p.CampaignID, p.Symbol, string(p.Side), p.Quantity.String(), p.EntryPrice.String(), p.StopLoss.String(),
		p.TakeProfit.String(), p.ATRAtEntry.String(), p.RiskAmount.String(), string(p.State), nullCloseReason(p.CloseReason),
		nullString(p.OCOGroupID), p.OpenedAt.UTC(), nullTime(p.ClosedAt), p.RealizedPnL.String())
	if err != nil {
		return fmt.Errorf("durable: upsert position %s: %w", p.ID, err)
	}
	return nil
}

func nullCloseReason(r types.CloseReason) any {
	if r == "" {
		return nil
	}
	return string(r)
}

func scanPosition(row interface{ Scan(...any) error }) (types.CampaignPosition, error) {
	var (
		p                                                      types.CampaignPosition
		side, state                                           string
		quantity, entryPrice, stopLoss, takeProfit, atr, risk string
		realizedPnL                                           string
		closeReason, ocoGroupID                               sql.NullString
		closedAt                                              sql.NullTime
	)
	err := row.Scan(&p.ID, &p.CampaignID, &p.Symbol, &side, &quantity, &entryPrice, &stopLoss,
		&takeProfit, &atr, &risk, &state, &closeReason, &ocoGroupID, &p.OpenedAt, &closedAt, &realizedPnL)
	if err != nil {
		return types.CampaignPosition{}, err
	}
	p.Side = types.Side(side)
	p.State = types.PositionState(state)
	if closeReason.Valid {
		p.CloseReason = types.CloseReason(closeReason.String)
	}
	if ocoGroupID.Valid {
		p.OCOGroupID = ocoGroupID.String
	}
	p.ClosedAt = parseNullTime(closedAt)

	for dst, raw := range map[*decimal.Decimal]string{
		&p.Quantity: quantity, &p.EntryPrice: entryPrice, &p.StopLoss: stopLoss,
		&p.TakeProfit: takeProfit, &p.ATRAtEntry: atr, &p.RiskAmount: risk, &p.RealizedPnL: realizedPnL,
	} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return types.CampaignPosition{}, fmt.Errorf("durable: parse position decimal %q: %w", raw, err)
		}
		*dst = d
	}
	return p, nil
}

// GetOpenPositions returns every open or closing position for a campaign.
func (s *Store) GetOpenPositions(ctx context.Context, campaignID string) ([]types.CampaignPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM campaign_positions
		WHERE campaign_id = ? AND state IN (?, ?)`,
		campaignID, string(types.PositionOpen), string(types.PositionClosing))
	if err != nil {
		return nil, fmt.Errorf("durable: get open positions %s: %w", campaignID, err)
	}
	defer rows.Close()

	var out []types.CampaignPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("durable: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPosition fetches a single position by ID.
func (s *Store) GetPosition(ctx context.Context, id string) (types.CampaignPosition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM campaign_positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CampaignPosition{}, ErrNotFound
	}
	if err != nil {
		return types.CampaignPosition{}, fmt.Errorf("durable: get position %s: %w", id, err)
	}
	return p, nil
}
