// Package vre implements the Volatility Regime Engine: a pure, deterministic
// per-symbol classifier of realized volatility into {LOW, NORMAL, HIGH,
// EXTREME}, gated by hysteresis, K-confirmations and a post-transition
// cooldown so the regime does not flip-flop on noise.
//
// The raw classification (classify) takes no mutable state: it maps a
// close-price series onto a method, z, rv_ratio and raw regime. Evaluate
// layers that onto each symbol's VREContext, which the Engine keeps and
// advances on every call; from the same starting context, identical
// (closes, now) inputs always produce byte-identical decisions (including
// the decision hash).
package vre

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"tradingcore/internal/config"
	"tradingcore/pkg/types"
)

// adjacency among regime levels, used to reject non-adjacent raw jumps.
var order = []types.RegimeLevel{types.RegimeLow, types.RegimeNormal, types.RegimeHigh, types.RegimeExtreme}

func indexOf(r types.RegimeLevel) int {
	for i, v := range order {
		if v == r {
			return i
		}
	}
	return -1
}

func adjacent(a, b types.RegimeLevel) bool {
	ia, ib := indexOf(a), indexOf(b)
	if ia < 0 || ib < 0 {
		return false
	}
	d := ia - ib
	if d < 0 {
		d = -d
	}
	return d <= 1
}

// Decision is the result of one Evaluate call: the committed/unchanged
// regime plus the diagnostic values needed to explain and replay it.
type Decision struct {
	Symbol             string
	Method             string // "z_score" or "rv_ratio"
	Z                  float64
	RVRatio            float64
	RawRegime          types.RegimeLevel
	Regime             types.RegimeLevel
	Confidence         float64
	Changed            bool
	BlockedByCooldown  bool
	BlockedByHysteresis bool
	Spike              bool
	DecisionHash       string
	Timestamp          time.Time
}

// Engine holds per-symbol VREContext and the spike-guard/whipsaw-guard
// bookkeeping layered on top of the core regime classifier.
type Engine struct {
	cfg config.VREConfig

	mu       sync.Mutex
	contexts map[string]*types.VREContext
	losses   map[string][]time.Time // realized-loss timestamps for whipsaw guard
	whipsaw  map[string]time.Time    // symbol -> blocked-until
}

// New constructs a VRE engine with the given tuning parameters.
func New(cfg config.VREConfig) *Engine {
	return &Engine{
		cfg:      cfg,
		contexts: make(map[string]*types.VREContext),
		losses:   make(map[string][]time.Time),
		whipsaw:  make(map[string]time.Time),
	}
}

// Context returns a copy of the current VREContext for symbol (zero value
// if never evaluated).
func (e *Engine) Context(symbol string) types.VREContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ctx, ok := e.contexts[symbol]; ok {
		return *ctx
	}
	return types.VREContext{Symbol: symbol, CurrentRegime: types.RegimeNormal}
}

// Evaluate classifies the given close series for symbol, advances its
// persisted VREContext and returns the decision. closes must be ordered
// oldest-first. now is supplied by the caller, not read from the wall
// clock, so that identical (closes, cfg, now) always produces a
// byte-identical decision hash — the determinism property required of
// this engine (matches signal.Engine.Evaluate's own now parameter).
func (e *Engine) Evaluate(symbol string, closes []float64, now time.Time) Decision {
	e.mu.Lock()
	ctx, ok := e.contexts[symbol]
	if !ok {
		ctx = &types.VREContext{Symbol: symbol, CurrentRegime: types.RegimeNormal}
		e.contexts[symbol] = ctx
	}
	e.mu.Unlock()

	method, z, rvRatio, raw, confidence := classify(e.cfg, closes)

	d := Decision{
		Symbol:     symbol,
		Method:     method,
		Z:          z,
		RVRatio:    rvRatio,
		RawRegime:  raw,
		Confidence: confidence,
		Timestamp:  now,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if math.Abs(z) > e.cfg.SpikeZThreshold {
		d.Spike = true
		ctx.SpikeGuardUntil = now.Add(time.Duration(e.cfg.SpikeGuardHours) * time.Hour)
	}

	if ctx.CooldownRemaining > 0 {
		ctx.CooldownRemaining--
		ctx.CyclesInRegime++
		d.Regime = ctx.CurrentRegime
		d.BlockedByCooldown = true
		d.DecisionHash = decisionHash(symbol, d.Regime, z, rvRatio, now)
		return d
	}

	if raw == ctx.CurrentRegime {
		ctx.PendingRegime = ""
		ctx.Confirmations = 0
		ctx.CyclesInRegime++
		d.Regime = ctx.CurrentRegime
		d.DecisionHash = decisionHash(symbol, d.Regime, z, rvRatio, now)
		return d
	}

	if !adjacent(raw, ctx.CurrentRegime) {
		ctx.CyclesInRegime++
		d.Regime = ctx.CurrentRegime
		d.DecisionHash = decisionHash(symbol, d.Regime, z, rvRatio, now)
		return d
	}

	if hysteresisBlocks(e.cfg, ctx.CurrentRegime, raw, z) {
		ctx.CyclesInRegime++
		d.Regime = ctx.CurrentRegime
		d.BlockedByHysteresis = true
		d.DecisionHash = decisionHash(symbol, d.Regime, z, rvRatio, now)
		return d
	}

	if ctx.PendingRegime == raw {
		ctx.Confirmations++
	} else {
		ctx.PendingRegime = raw
		ctx.Confirmations = 1
	}

	if ctx.Confirmations >= e.cfg.KConfirmations {
		ctx.CurrentRegime = raw
		ctx.PendingRegime = ""
		ctx.Confirmations = 0
		ctx.CooldownRemaining = e.cfg.CooldownCycles
		ctx.CyclesInRegime = 0
		ctx.LastRegimeChange = now
		d.Changed = true
	} else {
		ctx.CyclesInRegime++
	}

	d.Regime = ctx.CurrentRegime
	d.DecisionHash = decisionHash(symbol, d.Regime, z, rvRatio, now)
	return d
}

// classify computes the method/z/rv_ratio/raw-regime/confidence tuple for a
// close series. With fewer than WindowLong+1 closes (WindowLong returns) it
// returns the
// boundary default: NORMAL, z_score method, confidence 0.5.
func classify(cfg config.VREConfig, closes []float64) (method string, z, rvRatio float64, raw types.RegimeLevel, confidence float64) {
	if len(closes) < cfg.WindowLong+1 {
		return "z_score", 0, 1, types.RegimeNormal, 0.5
	}

	returns := logReturns(closes)

	rvShort := rv(returns, cfg.WindowShort)
	rvLong := rv(returns, cfg.WindowLong)

	// Rolling series of rv_short values across the long window.
	series := make([]float64, 0, cfg.WindowLong)
	start := len(returns) - cfg.WindowLong
	for i := start; i < len(returns); i++ {
		w := returns[:i+1]
		series = append(series, rv(w, cfg.WindowShort))
	}
	mu, sigma := meanStd(series)

	if rvLong == 0 {
		rvRatio = 1
	} else {
		rvRatio = rvShort / rvLong
	}

	if sigma > 1e-4 {
		method = "z_score"
		z = (rvShort - mu) / sigma
		raw = bucketByZ(cfg, z)
		confidence = math.Min(1, math.Abs(z)/2)
	} else {
		method = "rv_ratio"
		raw = bucketByRVRatio(cfg, rvRatio)
		confidence = math.Min(1, math.Abs(rvRatio-1))
	}

	return method, z, rvRatio, raw, confidence
}

func logReturns(closes []float64) []float64 {
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i] > 0 && closes[i-1] > 0 {
			out = append(out, math.Log(closes[i]/closes[i-1]))
		}
	}
	return out
}

// rv computes realized volatility sqrt(sum(r^2)/window) over the last
// window returns of the given slice.
func rv(returns []float64, window int) float64 {
	if len(returns) == 0 {
		return 0
	}
	n := window
	if n > len(returns) {
		n = len(returns)
	}
	tail := returns[len(returns)-n:]
	var sumSq float64
	for _, r := range tail {
		sumSq += r * r
	}
	return math.Sqrt(sumSq / float64(n))
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))

	if len(xs) < 2 {
		return mean, 0
	}
	var sumSqDiff float64
	for _, x := range xs {
		d := x - mean
		sumSqDiff += d * d
	}
	std = math.Sqrt(sumSqDiff / float64(len(xs)-1))
	return mean, std
}

func bucketByZ(cfg config.VREConfig, z float64) types.RegimeLevel {
	switch {
	case z <= cfg.ZLowNormal:
		return types.RegimeLow
	case z <= cfg.ZNormalHigh:
		return types.RegimeNormal
	case z <= cfg.ZHighExtreme:
		return types.RegimeHigh
	default:
		return types.RegimeExtreme
	}
}

func bucketByRVRatio(cfg config.VREConfig, ratio float64) types.RegimeLevel {
	switch {
	case ratio <= cfg.RVRatioLow:
		return types.RegimeLow
	case ratio <= cfg.RVRatioHigh:
		return types.RegimeNormal
	case ratio <= cfg.RVRatioExtreme:
		return types.RegimeHigh
	default:
		return types.RegimeExtreme
	}
}

// hysteresisBlocks implements the exit-threshold band: re-entry to a lower
// regime is rejected unless z has crossed the documented exit threshold in
// the required direction.
func hysteresisBlocks(cfg config.VREConfig, current, raw types.RegimeLevel, z float64) bool {
	switch {
	case current == types.RegimeExtreme && raw == types.RegimeHigh:
		return z > cfg.ZExtremeToHigh
	case current == types.RegimeHigh && raw == types.RegimeNormal:
		return z > cfg.ZHighToNormal
	case current == types.RegimeNormal && raw == types.RegimeLow:
		return z > cfg.ZNormalToLow
	default:
		return false
	}
}

func decisionHash(symbol string, regime types.RegimeLevel, z, rvRatio float64, ts time.Time) string {
	payload := fmt.Sprintf("%s|%s|%.6f|%.6f|%s", symbol, regime, z, rvRatio, ts.Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// InWhipsawBlock reports whether symbol is currently blocked from new opens
// by the whipsaw guard (>= WhipsawMaxLosses realized losses within the
// rolling window).
func (e *Engine) InWhipsawBlock(symbol string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.whipsaw[symbol]
	return ok && now.Before(until)
}

// RecordLoss registers a realized loss on symbol for whipsaw-guard purposes.
func (e *Engine) RecordLoss(symbol string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	window := time.Duration(e.cfg.WhipsawWindowHrs) * time.Hour
	cutoff := at.Add(-window)
	losses := append(e.losses[symbol], at)

	kept := losses[:0]
	for _, t := range losses {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.losses[symbol] = kept

	if len(kept) >= e.cfg.WhipsawMaxLosses {
		e.whipsaw[symbol] = at.Add(time.Duration(e.cfg.WhipsawBlockHours) * time.Hour)
	}
}

// InSpikeGuard reports whether symbol is currently under the post-spike
// pyramiding/add-on block.
func (e *Engine) InSpikeGuard(symbol string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctx, ok := e.contexts[symbol]
	return ok && now.Before(ctx.SpikeGuardUntil)
}
