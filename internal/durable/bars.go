package durable

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

// WriteBar persists a closed bar. Only 1m and 1h bars are expected to reach
// this (the pipeline only write-throughs closed non-1s bars), but any period
// upserts cleanly on (symbol, period, bar_ts). It satisfies
// internal/marketdata's BarSink interface.
func (s *Store) WriteBar(ctx context.Context, bar types.Bar) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bars (symbol, period, bar_ts, open, high, low, close, volume, trade_count, vwap)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, period, bar_ts) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume,
			trade_count = excluded.trade_count, vwap = excluded.vwap`,
		bar.Symbol, string(bar.Period), bar.BarTS.UTC(), bar.Open.String(), bar.High.String(), bar.Low.String(),
		bar.Close.String(), bar.Volume.String(), bar.TradeCount, bar.VWAP.String())
	if err != nil {
		return fmt.Errorf("durable: write bar %s/%s@%s: %w", bar.Symbol, bar.Period, bar.BarTS, err)
	}
	return nil
}

// GetBars returns up to limit bars for a symbol/period, most recent first.
func (s *Store) GetBars(ctx context.Context, symbol string, period types.BarPeriod, limit int) ([]types.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, period, bar_ts, open, high, low, close, volume, trade_count, vwap
		FROM bars WHERE symbol = ? AND period = ? ORDER BY bar_ts DESC LIMIT ?`,
		symbol, string(period), limit)
	if err != nil {
		return nil, fmt.Errorf("durable: get bars %s/%s: %w", symbol, period, err)
	}
	defer rows.Close()

	var out []types.Bar
	for rows.Next() {
		var (
			b                                 types.Bar
			period                            string
			open, high, low, close, volume, vwap string
		)
		if err := rows.Scan(&b.Symbol, &period, &b.BarTS, &open, &high, &low, &close, &volume, &b.TradeCount, &vwap); err != nil {
			return nil, fmt.Errorf("durable: scan bar: %w", err)
		}
		b.Period = types.BarPeriod(period)
		for dst, raw := range map[*decimal.Decimal]string{
			&b.Open: open, &b.High: high, &b.Low: low, &b.Close: close, &b.Volume: volume, &b.VWAP: vwap,
		} {
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("durable: parse bar decimal %q: %w", raw, err)
			}
			*dst = d
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
