package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

// UpsertSignalConfig inserts or replaces the per-(portfolio, symbol) signal
// tuning row.
func (s *Store) UpsertSignalConfig(ctx context.Context, c types.SignalConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_configs (
			portfolio_id, symbol, long_atr_mult, short_atr_mult, tp1_mult, tp2_mult,
			sl_mult, tp1_close_pct, risk_per_trade_bps, timeframe, enabled
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(portfolio_id, symbol) DO UPDATE SET
			long_atr_mult = excluded.long_atr_mult,
			short_atr_mult = excluded.short_atr_mult,
			tp1_mult = excluded.tp1_mult,
			tp2_mult = excluded.tp2_mult,
			sl_mult = excluded.sl_mult,
			tp1_close_pct = excluded.tp1_close_pct,
			risk_per_trade_bps = excluded.risk_per_trade_bps,
			timeframe = excluded.timeframe,
			enabled = excluded.enabled`,
		c.PortfolioID, c.Symbol, c.LongATRMult.String(), c.ShortATRMult.String(), c.TP1Mult.String(), c.TP2Mult.String(),
		c.SLMult.String(), c.TP1ClosePct.String(), c.RiskPerTradeBps, string(c.Timeframe), c.Enabled)
	if err != nil {
		return fmt.Errorf("durable: upsert signal config %s/%s: %w", c.PortfolioID, c.Symbol, err)
	}
	return nil
}

// GetSignalConfig fetches the tuning row for one (portfolio, symbol) pair.
func (s *Store) GetSignalConfig(ctx context.Context, portfolioID, symbol string) (types.SignalConfig, error) {
	var (
		c                                                        types.SignalConfig
		longMult, shortMult, tp1Mult, tp2Mult, slMult, tp1Close string
		timeframe                                                string
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT portfolio_id, symbol, long_atr_mult, short_atr_mult, tp1_mult, tp2_mult,
			sl_mult, tp1_close_pct, risk_per_trade_bps, timeframe, enabled
		FROM signal_configs WHERE portfolio_id = ? AND symbol = ?`, portfolioID, symbol)
	err := row.Scan(&c.PortfolioID, &c.Symbol, &longMult, &shortMult, &tp1Mult, &tp2Mult,
		&slMult, &tp1Close, &c.RiskPerTradeBps, &timeframe, &c.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SignalConfig{}, ErrNotFound
	}
	if err != nil {
		return types.SignalConfig{}, fmt.Errorf("durable: get signal config %s/%s: %w", portfolioID, symbol, err)
	}
	c.Timeframe = types.BarPeriod(timeframe)

	for dst, raw := range map[*decimal.Decimal]string{
		&c.LongATRMult: longMult, &c.ShortATRMult: shortMult, &c.TP1Mult: tp1Mult,
		&c.TP2Mult: tp2Mult, &c.SLMult: slMult, &c.TP1ClosePct: tp1Close,
	} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return types.SignalConfig{}, fmt.Errorf("durable: parse signal config decimal %q: %w", raw, err)
		}
		*dst = d
	}
	return c, nil
}

const signalColumns = `id, portfolio_id, symbol, side, price, ema12, ema36, atr, tp1, tp2, sl,
	position_size, config_snapshot, risk_per_trade_bps_used, breaker_state_snapshot,
	status, execution_reason, expiration_reason, generated_at`

// SaveSignal inserts an immutable signal snapshot.
func (s *Store) SaveSignal(ctx context.Context, sig types.Signal, configSnapshotJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (`+signalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.PortfolioID, sig.Symbol, string(sig.Side), sig.Price.String(), sig.EMA12.String(), sig.EMA36.String(),
		sig.ATR.String(), sig.TP1.String(), sig.TP2.String(), sig.SL.String(), sig.PositionSize.String(),
		configSnapshotJSON, sig.RiskPerTradeBpsUsed, nullString(sig.BreakerStateSnapshot), string(sig.Status),
		nullString(sig.ExecutionReason), nullString(sig.ExpirationReason), sig.GeneratedAt.UTC())
	if err != nil {
		return fmt.Errorf("durable: save signal %s: %w", sig.ID, err)
	}
	return nil
}

// UpdateSignalStatus transitions a signal's lifecycle status, recording the
// execution or expiration reason.
func (s *Store) UpdateSignalStatus(ctx context.Context, id string, status types.SignalStatus, reason string) error {
	var err error
	switch status {
	case types.SignalExecuted:
		_, err = s.db.ExecContext(ctx, `UPDATE signals SET status = ?, execution_reason = ? WHERE id = ?`, string(status), reason, id)
	default:
		_, err = s.db.ExecContext(ctx, `UPDATE signals SET status = ?, expiration_reason = ? WHERE id = ?`, string(status), reason, id)
	}
	if err != nil {
		return fmt.Errorf("durable: update signal status %s: %w", id, err)
	}
	return nil
}

// GetPendingSignals returns every signal still awaiting execution or
// expiration for a (portfolio, symbol) pair.
func (s *Store) GetPendingSignals(ctx context.Context, portfolioID, symbol string) ([]types.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+signalColumns+` FROM signals
		WHERE portfolio_id = ? AND symbol = ? AND status = ?
		ORDER BY generated_at DESC`, portfolioID, symbol, string(types.SignalPending))
	if err != nil {
		return nil, fmt.Errorf("durable: get pending signals %s/%s: %w", portfolioID, symbol, err)
	}
	defer rows.Close()

	var out []types.Signal
	for rows.Next() {
		sig, _, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("durable: scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func scanSignal(row interface{ Scan(...any) error }) (types.Signal, string, error) {
	var (
		sig                                              types.Signal
		side, status                                     string
		price, ema12, ema36, atr, tp1, tp2, sl, posSize  string
		configSnapshot                                   string
		breakerSnapshot, execReason, expReason           sql.NullString
	)
	err := row.Scan(&sig.ID, &sig.PortfolioID, &sig.Symbol, &side, &price, &ema12, &ema36, &atr, &tp1, &tp2, &sl,
		&posSize, &configSnapshot, &sig.RiskPerTradeBpsUsed, &breakerSnapshot, &status, &execReason, &expReason, &sig.GeneratedAt)
	if err != nil {
		return types.Signal{}, "", err
	}
	sig.Side = types.Side(side)
	sig.Status = types.SignalStatus(status)
	sig.BreakerStateSnapshot = breakerSnapshot.String
	sig.ExecutionReason = execReason.String
	sig.ExpirationReason = expReason.String

	for dst, raw := range map[*decimal.Decimal]string{
		&sig.Price: price, &sig.EMA12: ema12, &sig.EMA36: ema36, &sig.ATR: atr,
		&sig.TP1: tp1, &sig.TP2: tp2, &sig.SL: sl, &sig.PositionSize: posSize,
	} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return types.Signal{}, "", fmt.Errorf("parse signal decimal %q: %w", raw, err)
		}
		*dst = d
	}
	return sig, configSnapshot, nil
}
