// Package durable is the relational store of §6: Portfolio, Campaign,
// CampaignRiskState, CampaignPosition, CampaignOrder, CircuitBreakerEvent,
// StalenessLog, Bars (1m/1h), Signal, SignalConfig, VREDecisionLog, and
// AuditTrail. Financial fields are stored as TEXT (decimal.Decimal's exact
// string form, never REAL) so persistence never reintroduces the binary
// floating-point error the rest of the system was built to avoid.
package durable

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS portfolios (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	base_currency TEXT NOT NULL,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS campaigns (
	id                         TEXT PRIMARY KEY,
	portfolio_id               TEXT NOT NULL,
	investor_profile           TEXT NOT NULL,
	start_date                 DATETIME NOT NULL,
	end_date                   DATETIME NOT NULL,
	initial_capital            TEXT NOT NULL,
	current_equity             TEXT NOT NULL,
	status                     TEXT NOT NULL,
	risk_config_snapshot       TEXT NOT NULL,
	selection_config_snapshot  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_campaigns_portfolio ON campaigns(portfolio_id);
CREATE INDEX IF NOT EXISTS idx_campaigns_status    ON campaigns(status);

CREATE TABLE IF NOT EXISTS campaign_risk_states (
	campaign_id           TEXT PRIMARY KEY,
	current_equity        TEXT NOT NULL,
	equity_high_watermark TEXT NOT NULL,
	daily_pnl             TEXT NOT NULL,
	daily_loss_pct        TEXT NOT NULL,
	current_dd_pct        TEXT NOT NULL,
	loss_in_r_by_pair     TEXT NOT NULL,
	cb_pair_triggered     TEXT NOT NULL,
	cb_daily_triggered    INTEGER NOT NULL,
	cb_campaign_triggered INTEGER NOT NULL,
	cb_cooldown_until     DATETIME,
	current_tradable_set  TEXT NOT NULL,
	last_rebalance_ts     DATETIME,
	last_audit_ts         DATETIME,
	last_daily_reset_ts   DATETIME
);

CREATE TABLE IF NOT EXISTS campaign_positions (
	id           TEXT PRIMARY KEY,
	campaign_id  TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	quantity     TEXT NOT NULL,
	entry_price  TEXT NOT NULL,
	stop_loss    TEXT NOT NULL,
	take_profit  TEXT NOT NULL,
	atr_at_entry TEXT NOT NULL,
	risk_amount  TEXT NOT NULL,
	state        TEXT NOT NULL,
	close_reason TEXT,
	oco_group_id TEXT,
	opened_at    DATETIME NOT NULL,
	closed_at    DATETIME,
	realized_pnl TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_campaign ON campaign_positions(campaign_id);
CREATE INDEX IF NOT EXISTS idx_positions_state    ON campaign_positions(state);

CREATE TABLE IF NOT EXISTS campaign_orders (
	id                TEXT PRIMARY KEY,
	internal_order_id TEXT NOT NULL UNIQUE,
	campaign_id       TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	order_type        TEXT NOT NULL,
	quantity          TEXT NOT NULL,
	price             TEXT NOT NULL,
	stop              TEXT NOT NULL,
	limit_price       TEXT NOT NULL,
	oco_group_id      TEXT,
	status            TEXT NOT NULL,
	cancel_reason     TEXT,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_campaign ON campaign_orders(campaign_id);
CREATE INDEX IF NOT EXISTS idx_orders_oco      ON campaign_orders(oco_group_id);

CREATE TABLE IF NOT EXISTS circuit_breaker_events (
	id           TEXT PRIMARY KEY,
	portfolio_id TEXT NOT NULL,
	level        TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	symbol       TEXT,
	cluster      TEXT,
	reason       TEXT,
	metadata     TEXT,
	timestamp    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cb_events_portfolio ON circuit_breaker_events(portfolio_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS staleness_logs (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	exchange          TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	feed              TEXT NOT NULL,
	staleness_seconds REAL NOT NULL,
	severity          TEXT NOT NULL,
	action_taken      TEXT NOT NULL,
	timestamp         DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_staleness_symbol ON staleness_logs(symbol, timestamp DESC);

CREATE TABLE IF NOT EXISTS bars (
	symbol      TEXT NOT NULL,
	period      TEXT NOT NULL,
	bar_ts      DATETIME NOT NULL,
	open        TEXT NOT NULL,
	high        TEXT NOT NULL,
	low         TEXT NOT NULL,
	close       TEXT NOT NULL,
	volume      TEXT NOT NULL,
	trade_count INTEGER NOT NULL,
	vwap        TEXT NOT NULL,
	PRIMARY KEY (symbol, period, bar_ts)
);

CREATE TABLE IF NOT EXISTS signal_configs (
	portfolio_id        TEXT NOT NULL,
	symbol              TEXT NOT NULL,
	long_atr_mult       TEXT NOT NULL,
	short_atr_mult      TEXT NOT NULL,
	tp1_mult            TEXT NOT NULL,
	tp2_mult            TEXT NOT NULL,
	sl_mult             TEXT NOT NULL,
	tp1_close_pct       TEXT NOT NULL,
	risk_per_trade_bps  INTEGER NOT NULL,
	timeframe           TEXT NOT NULL,
	enabled             INTEGER NOT NULL,
	PRIMARY KEY (portfolio_id, symbol)
);

CREATE TABLE IF NOT EXISTS signals (
	id                      TEXT PRIMARY KEY,
	portfolio_id            TEXT NOT NULL,
	symbol                  TEXT NOT NULL,
	side                    TEXT NOT NULL,
	price                   TEXT NOT NULL,
	ema12                   TEXT NOT NULL,
	ema36                   TEXT NOT NULL,
	atr                     TEXT NOT NULL,
	tp1                     TEXT NOT NULL,
	tp2                     TEXT NOT NULL,
	sl                      TEXT NOT NULL,
	position_size           TEXT NOT NULL,
	config_snapshot         TEXT NOT NULL,
	risk_per_trade_bps_used INTEGER NOT NULL,
	breaker_state_snapshot  TEXT,
	status                  TEXT NOT NULL,
	execution_reason        TEXT,
	expiration_reason       TEXT,
	generated_at            DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_portfolio_symbol ON signals(portfolio_id, symbol, generated_at DESC);

CREATE TABLE IF NOT EXISTS vre_decision_logs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol        TEXT NOT NULL,
	regime        TEXT NOT NULL,
	z_score       REAL,
	rv_ratio      REAL,
	decision_hash TEXT NOT NULL,
	timestamp     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vre_symbol ON vre_decision_logs(symbol, timestamp DESC);

CREATE TABLE IF NOT EXISTS audit_trail (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	action    TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	payload   TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash      TEXT NOT NULL,
	timestamp DATETIME NOT NULL
);
`

// Store is the durable relational store. A single *sql.DB connection is
// kept open (SQLite is single-writer); CampaignRiskState writes additionally
// pass through an in-memory cache so a tick that left risk state unchanged
// never hits disk.
type Store struct {
	db *sql.DB

	riskCacheMu sync.Mutex
	riskCache   map[string]string // campaign_id -> last-written state fingerprint
}

// Open creates (or opens) the SQLite database at dsn and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("durable.Open: open %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("durable.Open: apply schema: %w", err)
	}

	return &Store{db: db, riskCache: make(map[string]string)}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func parseNullTime(raw sql.NullTime) time.Time {
	if !raw.Valid {
		return time.Time{}
	}
	return raw.Time
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
