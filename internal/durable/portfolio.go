package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tradingcore/pkg/types"
)

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("durable: not found")

// CreatePortfolio inserts a new portfolio.
func (s *Store) CreatePortfolio(ctx context.Context, p types.Portfolio) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portfolios (id, name, base_currency, created_at)
		VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.BaseCurrency, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("durable: create portfolio %s: %w", p.ID, err)
	}
	return nil
}

// GetPortfolio fetches a portfolio by ID.
func (s *Store) GetPortfolio(ctx context.Context, id string) (types.Portfolio, error) {
	var p types.Portfolio
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, base_currency, created_at FROM portfolios WHERE id = ?`, id)
	if err := row.Scan(&p.ID, &p.Name, &p.BaseCurrency, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Portfolio{}, ErrNotFound
		}
		return types.Portfolio{}, fmt.Errorf("durable: get portfolio %s: %w", id, err)
	}
	return p, nil
}

// ListPortfolios returns every portfolio, oldest first.
func (s *Store) ListPortfolios(ctx context.Context) ([]types.Portfolio, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, base_currency, created_at FROM portfolios ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("durable: list portfolios: %w", err)
	}
	defer rows.Close()

	var out []types.Portfolio
	for rows.Next() {
		var p types.Portfolio
		if err := rows.Scan(&p.ID, &p.Name, &p.BaseCurrency, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("durable: scan portfolio: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
