package signal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// flatBars builds a 1-minute bar series with a constant close, so EMA12 and
// EMA36 converge to the same price and ATR converges to a fixed range.
func flatBars(n int, close string, high string, low string) []types.Bar {
	bars := make([]types.Bar, n)
	for i := range bars {
		bars[i] = types.Bar{
			Symbol: "BTC/USD",
			Period: types.Bar1m,
			Open:   d(close),
			High:   d(high),
			Low:    d(low),
			Close:  d(close),
			BarTS:  time.Now().Add(time.Duration(i) * time.Minute),
		}
	}
	return bars
}

func testCfg() types.SignalConfig {
	return types.SignalConfig{
		PortfolioID:     "p1",
		Symbol:          "BTC/USD",
		LongATRMult:     d("2.0"),
		ShortATRMult:    d("2.0"),
		TP1Mult:         d("3.0"),
		TP2Mult:         d("5.0"),
		SLMult:          d("1.5"),
		TP1ClosePct:     d("0.5"),
		RiskPerTradeBps: 100,
		Timeframe:       types.Bar1m,
		Enabled:         true,
	}
}

func TestEvaluateGeneratesLongSignal(t *testing.T) {
	t.Parallel()

	bars := flatBars(40, "50000", "50100", "49900")
	e := New()

	sig, changed, err := e.Evaluate(testCfg(), bars, d("50450"), d("10000"), "", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !changed || sig == nil {
		t.Fatalf("expected a new signal, got changed=%v sig=%v", changed, sig)
	}
	if sig.Side != types.Long || sig.Status != types.SignalPending {
		t.Fatalf("sig = %+v, want Long/pending", sig)
	}
	if !sig.SL.LessThan(sig.Price) || !sig.Price.LessThan(sig.TP1) {
		t.Fatalf("expected SL < price < TP1 for a long signal, got SL=%s price=%s TP1=%s", sig.SL, sig.Price, sig.TP1)
	}
}

func TestEvaluateNoConditionProducesNothing(t *testing.T) {
	t.Parallel()

	bars := flatBars(40, "50000", "50100", "49900")
	e := New()

	sig, changed, err := e.Evaluate(testCfg(), bars, d("50050"), d("10000"), "", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if changed || sig != nil {
		t.Fatalf("expected no signal when neither threshold is crossed, got changed=%v sig=%v", changed, sig)
	}
}

func TestEvaluateIsIdempotentWhileConditionHolds(t *testing.T) {
	t.Parallel()

	bars := flatBars(40, "50000", "50100", "49900")
	e := New()
	now := time.Now()

	first, changed1, err := e.Evaluate(testCfg(), bars, d("50450"), d("10000"), "", time.Hour, now)
	if err != nil || !changed1 {
		t.Fatalf("first Evaluate: sig=%v changed=%v err=%v", first, changed1, err)
	}

	second, changed2, err := e.Evaluate(testCfg(), bars, d("50450"), d("10000"), "", time.Hour, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	if changed2 {
		t.Fatal("expected the duplicate emission to collapse into the existing pending signal, not change it")
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same pending signal ID across idempotent calls, got %s vs %s", first.ID, second.ID)
	}
}

func TestEvaluateExpiresOnConditionReversal(t *testing.T) {
	t.Parallel()

	bars := flatBars(40, "50000", "50100", "49900")
	e := New()
	now := time.Now()

	_, changed1, err := e.Evaluate(testCfg(), bars, d("50450"), d("10000"), "", time.Hour, now)
	if err != nil || !changed1 {
		t.Fatalf("first Evaluate: changed=%v err=%v", changed1, err)
	}

	sig, changed2, err := e.Evaluate(testCfg(), bars, d("50050"), d("10000"), "", time.Hour, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	if !changed2 || sig.Status != types.SignalExpired || sig.ExpirationReason != "condition_no_longer_holds" {
		t.Fatalf("sig = %+v, want expired/condition_no_longer_holds", sig)
	}
	if _, ok := e.Pending("p1", "BTC/USD"); ok {
		t.Fatal("expired signal must be removed from pending tracking")
	}
}

func TestEvaluateExpiresOnTimeout(t *testing.T) {
	t.Parallel()

	bars := flatBars(40, "50000", "50100", "49900")
	e := New()
	now := time.Now()

	_, changed1, err := e.Evaluate(testCfg(), bars, d("50450"), d("10000"), "", time.Minute, now)
	if err != nil || !changed1 {
		t.Fatalf("first Evaluate: changed=%v err=%v", changed1, err)
	}

	sig, changed2, err := e.Evaluate(testCfg(), bars, d("50450"), d("10000"), "", time.Minute, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	if !changed2 || sig.Status != types.SignalExpired || sig.ExpirationReason != "timeout" {
		t.Fatalf("sig = %+v, want expired/timeout", sig)
	}
}

func TestEvaluateRejectsInvalidSizing(t *testing.T) {
	t.Parallel()

	bars := flatBars(40, "50000", "50000", "50000")
	cfg := testCfg()
	cfg.SLMult = decimal.Zero

	e := New()
	sig, changed, err := e.Evaluate(cfg, bars, d("50450"), d("10000"), "", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !changed || sig.Status != types.SignalExpired || sig.ExpirationReason != "invalid_sizing" {
		t.Fatalf("sig = %+v, want expired/invalid_sizing", sig)
	}
	if _, ok := e.Pending("p1", "BTC/USD"); ok {
		t.Fatal("a rejected signal must never be tracked as pending")
	}
}

func TestMarkExecutedClearsPending(t *testing.T) {
	t.Parallel()

	bars := flatBars(40, "50000", "50100", "49900")
	e := New()

	_, changed, err := e.Evaluate(testCfg(), bars, d("50450"), d("10000"), "", time.Hour, time.Now())
	if err != nil || !changed {
		t.Fatalf("Evaluate: changed=%v err=%v", changed, err)
	}

	executed, ok := e.MarkExecuted("p1", "BTC/USD", "filled")
	if !ok || executed.Status != types.SignalExecuted {
		t.Fatalf("MarkExecuted: executed=%+v ok=%v", executed, ok)
	}
	if _, ok := e.Pending("p1", "BTC/USD"); ok {
		t.Fatal("executed signal must be removed from pending tracking")
	}
}

func TestConfigSnapshotIsImmutable(t *testing.T) {
	t.Parallel()

	bars := flatBars(40, "50000", "50100", "49900")
	cfg := testCfg()
	e := New()

	sig, _, err := e.Evaluate(cfg, bars, d("50450"), d("10000"), "", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	cfg.LongATRMult = d("99")
	if sig.ConfigSnapshot.LongATRMult.Equal(d("99")) {
		t.Fatal("mutating the live config after generation must not affect the signal's config_snapshot")
	}
}
