// Package staleness implements the three-tier freshness guard of §4.B: a
// per-(symbol, feed) state machine driven purely by elapsed seconds since
// the last observed update, with a quarantine tier for symbols stuck at or
// above HARD, and per-symbol REST-refresh-callback throttling.
package staleness

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradingcore/internal/config"
	"tradingcore/pkg/types"
)

// RefreshFunc is the signature of a per-symbol REST-refresh callback. The
// Manager does not invoke one itself; AllowRefresh only reports whether the
// per-symbol throttle (once per RefreshThrottle) permits a refresh now.
type RefreshFunc func(symbol string)

// Manager tracks staleness per (symbol, feed) and emits events through the
// onEvent callback on every level transition and on quarantine entry/exit.
type Manager struct {
	cfg    config.StalenessConfig
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*types.StalenessState // key: symbol+"|"+feed

	limiters map[string]*rate.Limiter // per-symbol REST-refresh throttle

	onEvent func(event Event)
}

// Event is an append-only staleness record per §4.B "Emissions".
type Event struct {
	Exchange        string
	Symbol          string
	Feed            string
	StalenessSeconds float64
	Severity        types.StalenessLevel
	ActionTaken     string
	Timestamp       time.Time
}

// New constructs a staleness manager. onEvent, if non-nil, is called
// synchronously for every emitted staleness event (e.g. to append it to the
// audit trail); it must not block.
func New(cfg config.StalenessConfig, logger *slog.Logger, onEvent func(Event)) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "staleness"),
		states:   make(map[string]*types.StalenessState),
		limiters: make(map[string]*rate.Limiter),
		onEvent:  onEvent,
	}
}

func key(symbol, feed string) string { return symbol + "|" + feed }

// Touch records a fresh update for (symbol, feed) at ts, resetting its
// staleness clock. It is the caller's responsibility to discard
// out-of-order ticks before calling Touch (monotonicity is enforced by the
// market data pipeline, not here).
func (m *Manager) Touch(exchange, symbol, feed string, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(symbol, feed)
	st, ok := m.states[k]
	wasQuarantine := ok && st.Level == types.StalenessQuarantine
	m.states[k] = &types.StalenessState{
		Exchange:     exchange,
		Symbol:       symbol,
		FeedType:     feed,
		LastUpdateTS: ts,
		Level:        types.StalenessFresh,
	}

	if wasQuarantine {
		m.emit(Event{
			Exchange: exchange, Symbol: symbol, Feed: feed,
			Severity: types.StalenessFresh, ActionTaken: "quarantine_exit", Timestamp: ts,
		})
	}
}

// Evaluate recomputes the level of every tracked (symbol, feed) as of now
// and returns the updated states. Callers drive this on a >=1Hz ticker.
func (m *Manager) Evaluate(now time.Time) []types.StalenessState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.StalenessState, 0, len(m.states))
	for _, st := range m.states {
		prevLevel := st.Level
		elapsed := now.Sub(st.LastUpdateTS).Seconds()
		st.SecondsSinceUpdate = elapsed

		level := m.classify(elapsed)

		if level == types.StalenessHard || level == types.StalenessKill {
			if st.HardSince.IsZero() {
				st.HardSince = now
			}
		} else if level != types.StalenessQuarantine {
			st.HardSince = time.Time{}
		}

		st.Level = level

		if level != prevLevel {
			m.emit(Event{
				Exchange: st.Exchange, Symbol: st.Symbol, Feed: st.FeedType,
				StalenessSeconds: elapsed, Severity: level,
				ActionTaken: actionFor(level), Timestamp: now,
			})
		}

		out = append(out, *st)
	}
	return out
}

// classify maps seconds-since-last-update directly onto the five levels.
// QUARANTINE keys off the same elapsed clock as WARN/HARD/KILL rather than
// a separate timer started when the symbol first went HARD: the boundary
// checks are defined in seconds since the last tick (at exactly 300s a
// symbol QUARANTINEs), not seconds since entering HARD, so a symbol that
// has gone quiet crosses WARN at 4s, HARD at 12s, KILL at 60s, and
// QUARANTINE at 300s, all measured from the same last-update timestamp.
func (m *Manager) classify(elapsed float64) types.StalenessLevel {
	switch {
	case elapsed < m.cfg.WarnSeconds:
		return types.StalenessFresh
	case elapsed < m.cfg.HardSeconds:
		return types.StalenessWarn
	case elapsed < m.cfg.KillSeconds:
		return types.StalenessHard
	case elapsed < m.cfg.QuarantineSeconds:
		return types.StalenessKill
	default:
		return types.StalenessQuarantine
	}
}

func actionFor(level types.StalenessLevel) string {
	switch level {
	case types.StalenessWarn:
		return "blocked_new_opens"
	case types.StalenessHard:
		return "zeroed_signals"
	case types.StalenessKill:
		return "global_pause_candidate"
	case types.StalenessQuarantine:
		return "quarantined"
	default:
		return "resumed"
	}
}

func (m *Manager) emit(e Event) {
	m.logger.Info("staleness transition",
		"symbol", e.Symbol, "feed", e.Feed, "severity", e.Severity, "action", e.ActionTaken)
	if m.onEvent != nil {
		m.onEvent(e)
	}
}

// State returns a copy of the current state for (symbol, feed).
func (m *Manager) State(symbol, feed string) (types.StalenessState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key(symbol, feed)]
	if !ok {
		return types.StalenessState{}, false
	}
	return *st, true
}

// GlobalKillActive reports whether every non-quarantined tracked symbol is
// at KILL, which pauses global trading per §4.B.
func (m *Manager) GlobalKillActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	any := false
	for _, st := range m.states {
		if st.Level == types.StalenessQuarantine {
			continue
		}
		any = true
		if st.Level != types.StalenessKill {
			return false
		}
	}
	return any
}

// AllowRefresh reports whether a REST-refresh callback may fire now for
// symbol (throttled to at most once per RefreshThrottle).
func (m *Manager) AllowRefresh(symbol string) bool {
	m.mu.Lock()
	lim, ok := m.limiters[symbol]
	if !ok {
		lim = rate.NewLimiter(rate.Every(m.cfg.RefreshThrottle), 1)
		m.limiters[symbol] = lim
	}
	m.mu.Unlock()
	return lim.Allow()
}
