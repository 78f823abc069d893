package breaker

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"tradingcore/internal/config"
	"tradingcore/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCfg() config.BreakerConfig {
	cfg := config.Default().Breaker
	cfg.AssetConsecutiveLosses = 3
	cfg.AssetCumulativeLossUSD = 500
	cfg.AssetAutoResetAfter = 24 * time.Hour
	cfg.ClusterLossPct = 0.15
	cfg.ClusterAutoResetAfter = 12 * time.Hour
	cfg.GlobalMaxDailyLossPct = 0.05
	return cfg
}

func TestAssetBreakerTriggersOnConsecutiveLosses(t *testing.T) {
	t.Parallel()

	var events []types.CircuitBreakerEvent
	m := New(testCfg(), testLogger(), func(e types.CircuitBreakerEvent) { events = append(events, e) })

	m.RecordTrade("p1", "BTC/USD", -10, "")
	m.RecordTrade("p1", "BTC/USD", -10, "")
	if ok, _ := m.CanOpen("p1", "BTC/USD", ""); !ok {
		t.Fatal("breaker should not trigger before the third consecutive loss")
	}
	m.RecordTrade("p1", "BTC/USD", -10, "")

	if ok, reason := m.CanOpen("p1", "BTC/USD", ""); ok {
		t.Fatalf("expected breaker to be triggered after 3 consecutive losses, reason=%q", reason)
	}
	if len(events) != 1 || events[0].EventType != types.BreakerTriggered || events[0].Level != types.BreakerAsset {
		t.Fatalf("events = %+v, want one asset-level triggered event", events)
	}
}

func TestAssetBreakerResetsCounterOnWin(t *testing.T) {
	t.Parallel()

	m := New(testCfg(), testLogger(), nil)
	m.RecordTrade("p1", "ETH/USD", -10, "")
	m.RecordTrade("p1", "ETH/USD", -10, "")
	m.RecordTrade("p1", "ETH/USD", 5, "")
	m.RecordTrade("p1", "ETH/USD", -10, "")
	m.RecordTrade("p1", "ETH/USD", -10, "")

	if ok, _ := m.CanOpen("p1", "ETH/USD", ""); !ok {
		t.Fatal("a win should reset the consecutive-loss counter, so 2 losses after it should not trigger")
	}
}

func TestClusterBreakerIndependentOfAsset(t *testing.T) {
	t.Parallel()

	cfg := testCfg()
	cfg.ClusterLossPct = 0.001 // tiny threshold so a single loss trips it
	m := New(cfg, testLogger(), nil)

	m.RecordTrade("p1", "BTC/USD", -100, "majors")

	if ok, reason := m.CanOpen("p1", "ETH/USD", "majors"); ok {
		t.Fatalf("cluster breaker should block a different symbol in the same cluster, reason=%q", reason)
	}
	if ok, _ := m.CanOpen("p1", "ETH/USD", "alts"); !ok {
		t.Fatal("a different cluster should be unaffected")
	}
}

func TestGlobalBreakerTriggersOnDailyLoss(t *testing.T) {
	t.Parallel()

	m := New(testCfg(), testLogger(), nil)
	m.RecordDailyPnL("p1", -0.06)

	if ok, reason := m.CanOpen("p1", "BTC/USD", ""); ok {
		t.Fatalf("expected global breaker to block all opens, reason=%q", reason)
	}
	if ok, _ := m.CanOpen("p2", "BTC/USD", ""); !ok {
		t.Fatal("global breaker for one portfolio must not affect another portfolio")
	}
}

func TestResetClearsTriggeredBreaker(t *testing.T) {
	t.Parallel()

	m := New(testCfg(), testLogger(), nil)
	m.RecordTrade("p1", "BTC/USD", -10, "")
	m.RecordTrade("p1", "BTC/USD", -10, "")
	m.RecordTrade("p1", "BTC/USD", -10, "")

	m.Reset("p1", types.BreakerAsset, "BTC/USD")

	if ok, reason := m.CanOpen("p1", "BTC/USD", ""); !ok {
		t.Fatalf("expected Reset to clear the breaker, reason=%q", reason)
	}
}

func TestAutoResetAfterWindowElapses(t *testing.T) {
	t.Parallel()

	cfg := testCfg()
	cfg.AssetAutoResetAfter = time.Hour
	var events []types.CircuitBreakerEvent
	m := New(cfg, testLogger(), func(e types.CircuitBreakerEvent) { events = append(events, e) })

	m.RecordTrade("p1", "BTC/USD", -10, "")
	m.RecordTrade("p1", "BTC/USD", -10, "")
	m.RecordTrade("p1", "BTC/USD", -10, "")

	now := time.Now()
	m.assets[assetKey("p1", "BTC/USD")].triggeredAt = now.Add(-2 * time.Hour)

	m.AutoReset(now)

	if ok, reason := m.CanOpen("p1", "BTC/USD", ""); !ok {
		t.Fatalf("expected AutoReset to clear an expired breaker, reason=%q", reason)
	}

	var sawAutoReset bool
	for _, e := range events {
		if e.EventType == types.BreakerAutoReset {
			sawAutoReset = true
		}
	}
	if !sawAutoReset {
		t.Fatal("expected an auto_reset event")
	}
}

func TestGlobalAutoResetOnNewUTCDay(t *testing.T) {
	t.Parallel()

	m := New(testCfg(), testLogger(), nil)
	m.RecordDailyPnL("p1", -0.10)

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	m.globals["p1"].triggeredAt = yesterday

	m.AutoReset(time.Now())

	if ok, _ := m.CanOpen("p1", "BTC/USD", ""); !ok {
		t.Fatal("expected the global breaker to auto-reset on a new UTC day")
	}
}
