package staleness

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

func TestEvaluateBoundaryThresholds(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Staleness
	m := New(cfg, testLogger(), nil)

	base := time.Now()
	m.Touch("ex", "BTC/USD", "trade", base)

	tests := []struct {
		elapsed float64
		want    types.StalenessLevel
	}{
		{cfg.WarnSeconds, types.StalenessWarn},
		{cfg.HardSeconds, types.StalenessHard},
		{cfg.KillSeconds, types.StalenessKill},
		{cfg.QuarantineSeconds, types.StalenessQuarantine},
	}

	for _, tt := range tests {
		states := m.Evaluate(base.Add(time.Duration(tt.elapsed * float64(time.Second))))
		if len(states) != 1 || states[0].Level != tt.want {
			t.Errorf("elapsed=%.0fs: level = %+v, want %s", tt.elapsed, states, tt.want)
		}
	}
}

func TestQuarantineAfterSustainedHard(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Staleness
	var events []Event
	m := New(cfg, testLogger(), func(e Event) { events = append(events, e) })

	base := time.Now()
	m.Touch("ex", "BTC/USD", "trade", base)

	// Drive into HARD first so HardSince is set.
	m.Evaluate(base.Add(time.Duration(cfg.HardSeconds) * time.Second))

	// QUARANTINE is measured in seconds since the last update, not since
	// entering HARD, so it lands at cfg.QuarantineSeconds elapsed.
	quarantineAt := base.Add(time.Duration(cfg.QuarantineSeconds) * time.Second)
	states := m.Evaluate(quarantineAt)

	if states[0].Level != types.StalenessQuarantine {
		t.Fatalf("level = %s, want QUARANTINE", states[0].Level)
	}

	var sawQuarantine bool
	for _, e := range events {
		if e.Severity == types.StalenessQuarantine {
			sawQuarantine = true
		}
	}
	if !sawQuarantine {
		t.Fatal("expected a QUARANTINE transition event")
	}
}

func TestTouchResumesFromQuarantine(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Staleness
	var events []Event
	m := New(cfg, testLogger(), func(e Event) { events = append(events, e) })

	base := time.Now()
	m.Touch("ex", "BTC/USD", "trade", base)
	m.Evaluate(base.Add(time.Duration(cfg.HardSeconds) * time.Second))
	quarantineAt := base.Add(time.Duration(cfg.QuarantineSeconds) * time.Second)
	m.Evaluate(quarantineAt)

	m.Touch("ex", "BTC/USD", "trade", quarantineAt.Add(time.Second))

	st, ok := m.State("BTC/USD", "trade")
	if !ok || st.Level != types.StalenessFresh {
		t.Fatalf("state after resume = %+v, ok=%v, want FRESH", st, ok)
	}

	var sawExit bool
	for _, e := range events {
		if e.ActionTaken == "quarantine_exit" {
			sawExit = true
		}
	}
	if !sawExit {
		t.Fatal("expected a quarantine_exit event")
	}
}

func TestGlobalKillIgnoresQuarantinedSymbols(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Staleness
	m := New(cfg, testLogger(), nil)

	base := time.Now()
	m.Touch("ex", "BTC/USD", "trade", base)
	// ETH's last update lands at the moment BTC quarantines.
	m.Touch("ex", "ETH/USD", "trade", base.Add(time.Duration(cfg.QuarantineSeconds)*time.Second))

	// Drive BTC into quarantine.
	m.Evaluate(base.Add(time.Duration(cfg.HardSeconds) * time.Second))
	quarantineAt := base.Add(time.Duration(cfg.QuarantineSeconds) * time.Second)
	m.Evaluate(quarantineAt)

	// ETH goes KILL, but BTC is quarantined and should be excluded.
	killAt := quarantineAt.Add(time.Duration(cfg.KillSeconds) * time.Second)
	m.Evaluate(killAt)

	if !m.GlobalKillActive() {
		t.Fatal("expected global kill active once the only non-quarantined symbol is KILL")
	}
}

func TestAllowRefreshThrottles(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Staleness
	cfg.RefreshThrottle = 50 * time.Millisecond
	m := New(cfg, testLogger(), nil)

	if !m.AllowRefresh("BTC/USD") {
		t.Fatal("first AllowRefresh should succeed")
	}
	if m.AllowRefresh("BTC/USD") {
		t.Fatal("second immediate AllowRefresh should be throttled")
	}
}
