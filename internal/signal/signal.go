// Package signal implements the Signal Engine of §4.E: EMA12/EMA36/ATR(14)
// long/short signal generation over 1-minute bars, with an immutable
// per-generation config snapshot, tp1/tp2/sl + position-size computation,
// and idempotent at-most-one-pending-signal-per-(portfolio,symbol) tracking.
package signal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

// minPriceTick is the smallest meaningful price distance, matching the
// spec's 8-fractional-digit quantity/price precision. A stop distance at or
// below this is treated as unsizeable.
var minPriceTick = decimal.New(1, -8)

var bpsDenominator = decimal.NewFromInt(10000)

func key(portfolioID, symbol string) string { return portfolioID + "|" + symbol }

// Engine evaluates SignalConfigs against bar series and tracks at most one
// pending Signal per (portfolio, symbol).
type Engine struct {
	pending map[string]*types.Signal
}

// New constructs an empty signal Engine.
func New() *Engine {
	return &Engine{pending: make(map[string]*types.Signal)}
}

// Pending returns the current pending signal for (portfolioID, symbol), if any.
func (e *Engine) Pending(portfolioID, symbol string) (types.Signal, bool) {
	s, ok := e.pending[key(portfolioID, symbol)]
	if !ok {
		return types.Signal{}, false
	}
	return *s, true
}

// MarkExecuted transitions the pending signal for (portfolioID, symbol) to
// executed and removes it from pending tracking.
func (e *Engine) MarkExecuted(portfolioID, symbol, reason string) (types.Signal, bool) {
	k := key(portfolioID, symbol)
	s, ok := e.pending[k]
	if !ok {
		return types.Signal{}, false
	}
	s.Status = types.SignalExecuted
	s.ExecutionReason = reason
	out := *s
	delete(e.pending, k)
	return out, true
}

// Cancel cancels the pending signal for (portfolioID, symbol) with the given
// expiration_reason (e.g. "staleness" when a symbol enters HARD).
func (e *Engine) Cancel(portfolioID, symbol, reason string) (types.Signal, bool) {
	k := key(portfolioID, symbol)
	s, ok := e.pending[k]
	if !ok {
		return types.Signal{}, false
	}
	s.Status = types.SignalCanceled
	s.ExpirationReason = reason
	out := *s
	delete(e.pending, k)
	return out, true
}

// Evaluate runs one generation cycle for cfg against the most recent bars
// (oldest first) and currentPrice. It returns the resulting Signal (new,
// updated, or an existing untouched pending one) and whether this call
// produced a change worth persisting. A nil Signal with ok=false means no
// condition fired and there was nothing pending.
func (e *Engine) Evaluate(cfg types.SignalConfig, bars []types.Bar, currentPrice decimal.Decimal, equity decimal.Decimal, breakerSnapshot string, expiryAfter time.Duration, now time.Time) (*types.Signal, bool, error) {
	if !cfg.Enabled {
		return nil, false, nil
	}

	k := key(cfg.PortfolioID, cfg.Symbol)

	if existing, ok := e.pending[k]; ok {
		if signalExpiryRespected(expiryAfter, now, *existing) {
			existing.Status = types.SignalExpired
			existing.ExpirationReason = "timeout"
			out := *existing
			delete(e.pending, k)
			return &out, true, nil
		}

		side, holds, err := condition(cfg, bars, currentPrice)
		if err != nil {
			return nil, false, err
		}
		if !holds || side != existing.Side {
			existing.Status = types.SignalExpired
			existing.ExpirationReason = "condition_no_longer_holds"
			out := *existing
			delete(e.pending, k)
			return &out, true, nil
		}

		// Idempotent: the same condition still holds, no new signal emitted.
		out := *existing
		return &out, false, nil
	}

	side, holds, err := condition(cfg, bars, currentPrice)
	if err != nil {
		return nil, false, err
	}
	if !holds {
		return nil, false, nil
	}

	ema12, ema36, atr, err := indicators(bars)
	if err != nil {
		return nil, false, err
	}

	sig, err := build(cfg, side, currentPrice, ema12, ema36, atr, equity, breakerSnapshot, now)
	if err != nil {
		return nil, false, err
	}

	if sig.Status == types.SignalExpired {
		// invalid_sizing: record the rejection but never track it as pending.
		return sig, true, nil
	}

	e.pending[k] = sig
	out := *sig
	return &out, true, nil
}

// signalExpiryRespected reports whether sig has outlived the configured
// expiry horizon as of now.
func signalExpiryRespected(expiry time.Duration, now time.Time, sig types.Signal) bool {
	if expiry <= 0 {
		return false
	}
	return now.Sub(sig.GeneratedAt) > expiry
}

// condition evaluates the long/short threshold rule against currentPrice
// and returns which side (if any) currently holds.
func condition(cfg types.SignalConfig, bars []types.Bar, currentPrice decimal.Decimal) (types.Side, bool, error) {
	ema12, _, atr, err := indicators(bars)
	if err != nil {
		return "", false, err
	}

	longDelta := currentPrice.Sub(ema12)
	if longDelta.GreaterThan(cfg.LongATRMult.Mul(atr)) {
		return types.Long, true, nil
	}

	shortDelta := ema12.Sub(currentPrice)
	if shortDelta.GreaterThan(cfg.ShortATRMult.Mul(atr)) {
		return types.Short, true, nil
	}

	return "", false, nil
}

func build(cfg types.SignalConfig, side types.Side, price, ema12, ema36, atr, equity decimal.Decimal, breakerSnapshot string, now time.Time) (*types.Signal, error) {
	var tp1, tp2, sl decimal.Decimal
	switch side {
	case types.Long:
		tp1 = price.Add(cfg.TP1Mult.Mul(atr))
		tp2 = price.Add(cfg.TP2Mult.Mul(atr))
		sl = price.Sub(cfg.SLMult.Mul(atr))
	case types.Short:
		tp1 = price.Sub(cfg.TP1Mult.Mul(atr))
		tp2 = price.Sub(cfg.TP2Mult.Mul(atr))
		sl = price.Add(cfg.SLMult.Mul(atr))
	default:
		return nil, fmt.Errorf("build signal: unknown side %q", side)
	}

	stopDistance := price.Sub(sl).Abs()

	sig := &types.Signal{
		ID:                   uuid.NewString(),
		PortfolioID:          cfg.PortfolioID,
		Symbol:               cfg.Symbol,
		Side:                 side,
		Price:                price,
		EMA12:                ema12,
		EMA36:                ema36,
		ATR:                  atr,
		TP1:                  tp1,
		TP2:                  tp2,
		SL:                   sl,
		ConfigSnapshot:       cfg,
		RiskPerTradeBpsUsed:  cfg.RiskPerTradeBps,
		BreakerStateSnapshot: breakerSnapshot,
		Status:               types.SignalPending,
		GeneratedAt:          now,
	}

	if stopDistance.LessThanOrEqual(minPriceTick) {
		sig.PositionSize = decimal.Zero
		sig.Status = types.SignalExpired
		sig.ExpirationReason = "invalid_sizing"
		return sig, nil
	}

	riskAmount := equity.Mul(decimal.NewFromInt(int64(cfg.RiskPerTradeBps))).Div(bpsDenominator)
	sig.PositionSize = riskAmount.Div(stopDistance)

	return sig, nil
}

// indicators computes EMA12, EMA36 and ATR(14) from bars (oldest first).
func indicators(bars []types.Bar) (ema12, ema36, atr decimal.Decimal, err error) {
	if len(bars) < 36 {
		return decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("indicators: need at least 36 bars, got %d", len(bars))
	}
	ema12, err = ema(bars, 12)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	ema36, err = ema(bars, 36)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	atr, err = atr14(bars)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	return ema12, ema36, atr, nil
}

// ema computes the exponential moving average over period, seeded with a
// simple moving average over the first `period` closes.
func ema(bars []types.Bar, period int) (decimal.Decimal, error) {
	if len(bars) < period {
		return decimal.Zero, fmt.Errorf("ema(%d): need at least %d bars, got %d", period, period, len(bars))
	}

	seedWindow := bars[:period]
	seed := decimal.Zero
	for _, b := range seedWindow {
		seed = seed.Add(b.Close)
	}
	avg := seed.Div(decimal.NewFromInt(int64(period)))

	alpha := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1)))
	oneMinusAlpha := decimal.NewFromInt(1).Sub(alpha)

	value := avg
	for _, b := range bars[period:] {
		value = b.Close.Mul(alpha).Add(value.Mul(oneMinusAlpha))
	}
	return value, nil
}

// atr14 computes a simple (non-Wilder) moving average of true range over
// the most recent 14 bars.
func atr14(bars []types.Bar) (decimal.Decimal, error) {
	const period = 14
	if len(bars) < period+1 {
		return decimal.Zero, fmt.Errorf("atr14: need at least %d bars, got %d", period+1, len(bars))
	}

	window := bars[len(bars)-period:]
	sum := decimal.Zero
	for i, b := range window {
		var prevClose decimal.Decimal
		if i == 0 {
			prevClose = bars[len(bars)-period-1].Close
		} else {
			prevClose = window[i-1].Close
		}
		highLow := b.High.Sub(b.Low)
		highPrevClose := b.High.Sub(prevClose).Abs()
		lowPrevClose := b.Low.Sub(prevClose).Abs()

		tr := highLow
		if highPrevClose.GreaterThan(tr) {
			tr = highPrevClose
		}
		if lowPrevClose.GreaterThan(tr) {
			tr = lowPrevClose
		}
		sum = sum.Add(tr)
	}

	return sum.Div(decimal.NewFromInt(period)), nil
}
