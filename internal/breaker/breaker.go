// Package breaker implements the Circuit Breaker Service: a process
// singleton, shared by every campaign engine, that gates new position
// opens and records realized trade outcomes across three tiers — asset,
// cluster, and global. It has no staleness-derived breakers: staleness
// state is not mirrored into this package.
//
// The three tiers are expressed as tagged variants over a common
// Evaluate(metrics) capability (per the design notes on polymorphic
// breakers) rather than as an inheritance hierarchy: assetBreaker,
// clusterBreaker and globalBreaker all satisfy the breaker interface, and
// Manager dispatches to whichever is relevant for a given check.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"tradingcore/internal/config"
	"tradingcore/pkg/types"
)

// Metrics is the observation fed to a breaker's Evaluate call.
type Metrics struct {
	ConsecutiveLosses int
	CumulativeLossUSD float64
	ClusterLossPct    float64
	DailyPnLPct       float64
}

// breaker is the common capability every tier implements.
type breaker interface {
	Evaluate(m Metrics) (trigger bool, reason string)
	AutoResetAfter() time.Duration
}

type assetBreaker struct{ cfg config.BreakerConfig }

func (b assetBreaker) Evaluate(m Metrics) (bool, string) {
	if m.ConsecutiveLosses >= b.cfg.AssetConsecutiveLosses {
		return true, "consecutive losses threshold breached"
	}
	if m.CumulativeLossUSD >= b.cfg.AssetCumulativeLossUSD {
		return true, "cumulative loss threshold breached"
	}
	return false, ""
}
func (b assetBreaker) AutoResetAfter() time.Duration { return b.cfg.AssetAutoResetAfter }

type clusterBreaker struct{ cfg config.BreakerConfig }

func (b clusterBreaker) Evaluate(m Metrics) (bool, string) {
	if m.ClusterLossPct >= b.cfg.ClusterLossPct {
		return true, "cluster loss percentage threshold breached"
	}
	return false, ""
}
func (b clusterBreaker) AutoResetAfter() time.Duration { return b.cfg.ClusterAutoResetAfter }

type globalBreaker struct{ cfg config.BreakerConfig }

func (b globalBreaker) Evaluate(m Metrics) (bool, string) {
	if m.DailyPnLPct <= -b.cfg.GlobalMaxDailyLossPct {
		return true, "daily loss percentage threshold breached"
	}
	return false, ""
}
func (b globalBreaker) AutoResetAfter() time.Duration { return 0 } // resets at next UTC day, not a fixed duration

// assetState tracks the running metrics behind one (portfolio, symbol)
// asset breaker.
type assetState struct {
	consecutiveLosses int
	cumulativeLossUSD float64
	triggered         bool
	triggeredAt       time.Time
}

type clusterState struct {
	lossPct   float64
	triggered bool
	triggeredAt time.Time
}

type globalState struct {
	dailyPnLPct float64
	triggered   bool
	triggeredAt time.Time
}

// Manager is the process-singleton circuit breaker service.
type Manager struct {
	cfg    config.BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	assets   map[string]*assetState   // key: portfolioID|symbol
	clusters map[string]*clusterState // key: portfolioID|cluster
	globals  map[string]*globalState  // key: portfolioID

	onEvent func(types.CircuitBreakerEvent)
}

// New constructs a breaker Manager. onEvent, if non-nil, is invoked
// synchronously for every triggered/reset/auto_reset event.
func New(cfg config.BreakerConfig, logger *slog.Logger, onEvent func(types.CircuitBreakerEvent)) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "breaker"),
		assets:   make(map[string]*assetState),
		clusters: make(map[string]*clusterState),
		globals:  make(map[string]*globalState),
		onEvent:  onEvent,
	}
}

func assetKey(portfolio, symbol string) string  { return portfolio + "|" + symbol }
func clusterKey(portfolio, cluster string) string { return portfolio + "|" + cluster }

// CanOpen is the single unified gate used before every position open.
func (m *Manager) CanOpen(portfolio, symbol string, cluster string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.assets[assetKey(portfolio, symbol)]; ok && a.triggered {
		return false, "asset breaker triggered for " + symbol
	}
	if cluster != "" {
		if c, ok := m.clusters[clusterKey(portfolio, cluster)]; ok && c.triggered {
			return false, "cluster breaker triggered for " + cluster
		}
	}
	if g, ok := m.globals[portfolio]; ok && g.triggered {
		return false, "global breaker triggered for portfolio"
	}
	return true, ""
}

// RecordTrade updates asset (and optionally cluster) breaker counters for a
// realized trade outcome and may trigger a breaker.
func (m *Manager) RecordTrade(portfolio, symbol string, realizedPnL float64, cluster string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ak := assetKey(portfolio, symbol)
	a, ok := m.assets[ak]
	if !ok {
		a = &assetState{}
		m.assets[ak] = a
	}
	if realizedPnL < 0 {
		a.consecutiveLosses++
		a.cumulativeLossUSD += -realizedPnL
	} else {
		a.consecutiveLosses = 0
		a.cumulativeLossUSD = 0
	}

	if !a.triggered {
		ab := assetBreaker{m.cfg}
		if trig, reason := ab.Evaluate(Metrics{ConsecutiveLosses: a.consecutiveLosses, CumulativeLossUSD: a.cumulativeLossUSD}); trig {
			a.triggered = true
			a.triggeredAt = time.Now()
			m.emit(types.CircuitBreakerEvent{
				PortfolioID: portfolio, Level: types.BreakerAsset, EventType: types.BreakerTriggered,
				Symbol: symbol, Reason: reason, Timestamp: a.triggeredAt,
			})
		}
	}

	if cluster != "" {
		ck := clusterKey(portfolio, cluster)
		c, ok := m.clusters[ck]
		if !ok {
			c = &clusterState{}
			m.clusters[ck] = c
		}
		if realizedPnL < 0 {
			c.lossPct += -realizedPnL / 10000.0 // cluster pct tracked as a running fraction of notional
		}
		if !c.triggered {
			cb := clusterBreaker{m.cfg}
			if trig, reason := cb.Evaluate(Metrics{ClusterLossPct: c.lossPct}); trig {
				c.triggered = true
				c.triggeredAt = time.Now()
				m.emit(types.CircuitBreakerEvent{
					PortfolioID: portfolio, Level: types.BreakerCluster, EventType: types.BreakerTriggered,
					Cluster: cluster, Reason: reason, Timestamp: c.triggeredAt,
				})
			}
		}
	}
}

// RecordDailyPnL updates the global breaker's daily P&L percentage and may
// trigger the global breaker.
func (m *Manager) RecordDailyPnL(portfolio string, dailyPnLPct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.globals[portfolio]
	if !ok {
		g = &globalState{}
		m.globals[portfolio] = g
	}
	g.dailyPnLPct = dailyPnLPct

	if !g.triggered {
		gb := globalBreaker{m.cfg}
		if trig, reason := gb.Evaluate(Metrics{DailyPnLPct: dailyPnLPct}); trig {
			g.triggered = true
			g.triggeredAt = time.Now()
			m.emit(types.CircuitBreakerEvent{
				PortfolioID: portfolio, Level: types.BreakerGlobal, EventType: types.BreakerTriggered,
				Reason: reason, Timestamp: g.triggeredAt,
			})
		}
	}
}

// Reset explicitly clears a breaker at the given level/key, emitting a
// reset event.
func (m *Manager) Reset(portfolio string, level types.BreakerLevel, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	switch level {
	case types.BreakerAsset:
		if a, ok := m.assets[assetKey(portfolio, key)]; ok {
			*a = assetState{}
			m.emit(types.CircuitBreakerEvent{PortfolioID: portfolio, Level: level, EventType: types.BreakerReset, Symbol: key, Timestamp: now})
		}
	case types.BreakerCluster:
		if c, ok := m.clusters[clusterKey(portfolio, key)]; ok {
			*c = clusterState{}
			m.emit(types.CircuitBreakerEvent{PortfolioID: portfolio, Level: level, EventType: types.BreakerReset, Cluster: key, Timestamp: now})
		}
	case types.BreakerGlobal:
		if g, ok := m.globals[portfolio]; ok {
			*g = globalState{}
			m.emit(types.CircuitBreakerEvent{PortfolioID: portfolio, Level: level, EventType: types.BreakerReset, Timestamp: now})
		}
	}
}

// AutoReset inspects every triggered breaker and resets any whose
// auto-reset window has elapsed, emitting auto_reset events. Callers drive
// this every minute per §4.D.
func (m *Manager) AutoReset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ab := assetBreaker{m.cfg}
	for k, a := range m.assets {
		if a.triggered && now.Sub(a.triggeredAt) >= ab.AutoResetAfter() {
			*a = assetState{}
			portfolio, symbol := splitKey(k)
			m.emit(types.CircuitBreakerEvent{PortfolioID: portfolio, Level: types.BreakerAsset, EventType: types.BreakerAutoReset, Symbol: symbol, Timestamp: now})
		}
	}

	cb := clusterBreaker{m.cfg}
	for k, c := range m.clusters {
		if c.triggered && now.Sub(c.triggeredAt) >= cb.AutoResetAfter() {
			*c = clusterState{}
			portfolio, cluster := splitKey(k)
			m.emit(types.CircuitBreakerEvent{PortfolioID: portfolio, Level: types.BreakerCluster, EventType: types.BreakerAutoReset, Cluster: cluster, Timestamp: now})
		}
	}

	for portfolio, g := range m.globals {
		if g.triggered && isNewUTCDay(g.triggeredAt, now) {
			*g = globalState{}
			m.emit(types.CircuitBreakerEvent{PortfolioID: portfolio, Level: types.BreakerGlobal, EventType: types.BreakerAutoReset, Timestamp: now})
		}
	}
}

func isNewUTCDay(then, now time.Time) bool {
	ty, tm, td := then.UTC().Date()
	ny, nm, nd := now.UTC().Date()
	return ny != ty || nm != tm || nd != td
}

func splitKey(k string) (string, string) {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == '|' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

func (m *Manager) emit(e types.CircuitBreakerEvent) {
	m.logger.Warn("circuit breaker event",
		"level", e.Level, "type", e.EventType, "symbol", e.Symbol, "cluster", e.Cluster, "reason", e.Reason)
	if m.onEvent != nil {
		m.onEvent(e)
	}
}
