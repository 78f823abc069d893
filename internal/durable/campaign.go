package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

// CreateCampaign inserts a new campaign row.
func (s *Store) CreateCampaign(ctx context.Context, c types.Campaign) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (
			id, portfolio_id, investor_profile, start_date, end_date,
			initial_capital, current_equity, status,
			risk_config_snapshot, selection_config_snapshot
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PortfolioID, string(c.InvestorProfile), c.StartDate.UTC(), c.EndDate.UTC(),
		c.InitialCapital.String(), c.CurrentEquity.String(), string(c.Status),
		c.RiskConfigSnapshot, c.SelectionConfigSnapshot)
	if err != nil {
		return fmt.Errorf("durable: create campaign %s: %w", c.ID, err)
	}
	return nil
}

func scanCampaign(row interface{ Scan(...any) error }) (types.Campaign, error) {
	var (
		c                              types.Campaign
		profile, status                string
		initialCapital, currentEquity  string
	)
	err := row.Scan(&c.ID, &c.PortfolioID, &profile, &c.StartDate, &c.EndDate,
		&initialCapital, &currentEquity, &status,
		&c.RiskConfigSnapshot, &c.SelectionConfigSnapshot)
	if err != nil {
		return types.Campaign{}, err
	}
	c.InvestorProfile = types.InvestorProfile(profile)
	c.Status = types.CampaignStatus(status)
	c.InitialCapital, err = decimal.NewFromString(initialCapital)
	if err != nil {
		return types.Campaign{}, fmt.Errorf("parse initial_capital: %w", err)
	}
	c.CurrentEquity, err = decimal.NewFromString(currentEquity)
	if err != nil {
		return types.Campaign{}, fmt.Errorf("parse current_equity: %w", err)
	}
	return c, nil
}

const campaignColumns = `id, portfolio_id, investor_profile, start_date, end_date,
	initial_capital, current_equity, status, risk_config_snapshot, selection_config_snapshot`

// GetCampaign fetches a campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, id string) (types.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Campaign{}, ErrNotFound
	}
	if err != nil {
		return types.Campaign{}, fmt.Errorf("durable: get campaign %s: %w", id, err)
	}
	return c, nil
}

// ListActiveCampaigns returns every campaign currently in the "active" status,
// the set the campaign manager schedules ticks for.
func (s *Store) ListActiveCampaigns(ctx context.Context) ([]types.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE status = ?`, string(types.CampaignActive))
	if err != nil {
		return nil, fmt.Errorf("durable: list active campaigns: %w", err)
	}
	defer rows.Close()

	var out []types.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("durable: scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCampaignStatusAndEquity persists a status transition alongside the
// equity snapshot that motivated it (e.g. completion at EndDate, or a
// breaker-driven stop).
func (s *Store) UpdateCampaignStatusAndEquity(ctx context.Context, id string, status types.CampaignStatus, equity decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, current_equity = ? WHERE id = ?`,
		string(status), equity.String(), id)
	if err != nil {
		return fmt.Errorf("durable: update campaign %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("durable: update campaign %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
