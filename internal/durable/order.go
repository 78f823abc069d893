package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

const orderColumns = `id, internal_order_id, campaign_id, symbol, side, order_type, quantity,
	price, stop, limit_price, oco_group_id, status, cancel_reason, created_at, updated_at`

// UpsertOrder inserts or updates a campaign order by ID.
func (s *Store) UpsertOrder(ctx context.Context, o types.CampaignOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaign_orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			cancel_reason = excluded.cancel_reason,
			updated_at = excluded.updated_at`,
		o.ID, o.InternalOrderID, o.CampaignID, o.Symbol, string(o.Side), string(o.OrderType), o.Quantity.String(),
		o.Price.String(), o.Stop.String(), o.Limit.String(), nullString(o.OCOGroupID), string(o.Status),
		nullString(o.CancelReason), o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("durable: upsert order %s: %w", o.ID, err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanOrder(row interface{ Scan(...any) error }) (types.CampaignOrder, error) {
	var (
		o                                   types.CampaignOrder
		side, orderType, status             string
		quantity, price, stop, limitPrice   string
		ocoGroup, cancelReason              sql.NullString
	)
	err := row.Scan(&o.ID, &o.InternalOrderID, &o.CampaignID, &o.Symbol, &side, &orderType, &quantity,
		&price, &stop, &limitPrice, &ocoGroup, &status, &cancelReason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return types.CampaignOrder{}, err
	}
	o.Side = types.OrderSide(side)
	o.OrderType = types.OrderType(orderType)
	o.Status = types.OrderStatus(status)
	if ocoGroup.Valid {
		o.OCOGroupID = ocoGroup.String
	}
	if cancelReason.Valid {
		o.CancelReason = cancelReason.String
	}

	for dst, raw := range map[*decimal.Decimal]string{
		&o.Quantity: quantity, &o.Price: price, &o.Stop: stop, &o.Limit: limitPrice,
	} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return types.CampaignOrder{}, fmt.Errorf("durable: parse order decimal %q: %w", raw, err)
		}
		*dst = d
	}
	return o, nil
}

// GetOrdersForCampaign returns every order belonging to a campaign, newest first.
func (s *Store) GetOrdersForCampaign(ctx context.Context, campaignID string) ([]types.CampaignOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM campaign_orders WHERE campaign_id = ? ORDER BY created_at DESC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("durable: get orders for campaign %s: %w", campaignID, err)
	}
	defer rows.Close()

	var out []types.CampaignOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("durable: scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOrdersByOCOGroup returns the sibling orders of an OCO bracket, used to
// cancel the remaining leg once one leg fills.
func (s *Store) GetOrdersByOCOGroup(ctx context.Context, groupID string) ([]types.CampaignOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM campaign_orders WHERE oco_group_id = ?`, groupID)
	if err != nil {
		return nil, fmt.Errorf("durable: get orders by oco group %s: %w", groupID, err)
	}
	defer rows.Close()

	var out []types.CampaignOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("durable: scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOrderByInternalID looks up an order by its idempotency key, used to
// detect a retried submission before it reaches the exchange.
func (s *Store) GetOrderByInternalID(ctx context.Context, internalID string) (types.CampaignOrder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM campaign_orders WHERE internal_order_id = ?`, internalID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CampaignOrder{}, ErrNotFound
	}
	if err != nil {
		return types.CampaignOrder{}, fmt.Errorf("durable: get order by internal id %s: %w", internalID, err)
	}
	return o, nil
}
