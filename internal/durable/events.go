package durable

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"tradingcore/pkg/types"
)

// AppendBreakerEvent records one append-only circuit breaker transition.
func (s *Store) AppendBreakerEvent(ctx context.Context, ev types.CircuitBreakerEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_breaker_events (id, portfolio_id, level, event_type, symbol, cluster, reason, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.PortfolioID, string(ev.Level), string(ev.EventType), nullString(ev.Symbol), nullString(ev.Cluster),
		nullString(ev.Reason), nullString(ev.Metadata), ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("durable: append breaker event %s: %w", ev.ID, err)
	}
	return nil
}

// ListBreakerEvents returns the most recent breaker events for a portfolio,
// newest first, capped at limit.
func (s *Store) ListBreakerEvents(ctx context.Context, portfolioID string, limit int) ([]types.CircuitBreakerEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, portfolio_id, level, event_type, symbol, cluster, reason, metadata, timestamp
		FROM circuit_breaker_events WHERE portfolio_id = ? ORDER BY timestamp DESC LIMIT ?`, portfolioID, limit)
	if err != nil {
		return nil, fmt.Errorf("durable: list breaker events %s: %w", portfolioID, err)
	}
	defer rows.Close()

	var out []types.CircuitBreakerEvent
	for rows.Next() {
		var (
			ev                      types.CircuitBreakerEvent
			level, eventType        string
			symbol, cluster, reason sql.NullString
			metadata                sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.PortfolioID, &level, &eventType, &symbol, &cluster, &reason, &metadata, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("durable: scan breaker event: %w", err)
		}
		ev.Level = types.BreakerLevel(level)
		ev.EventType = types.BreakerEventType(eventType)
		ev.Symbol = symbol.String
		ev.Cluster = cluster.String
		ev.Reason = reason.String
		ev.Metadata = metadata.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AppendStalenessLog records a staleness level transition for one
// (exchange, symbol, feed) triple.
func (s *Store) AppendStalenessLog(ctx context.Context, exchange, symbol, feed string, stalenessSeconds float64, level types.StalenessLevel, actionTaken string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staleness_logs (exchange, symbol, feed, staleness_seconds, severity, action_taken, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exchange, symbol, feed, stalenessSeconds, string(level), actionTaken, ts.UTC())
	if err != nil {
		return fmt.Errorf("durable: append staleness log %s/%s: %w", symbol, feed, err)
	}
	return nil
}

// AppendVREDecisionLog records one regime classification decision.
func (s *Store) AppendVREDecisionLog(ctx context.Context, symbol string, regime types.RegimeLevel, zScore, rvRatio float64, decisionHash string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vre_decision_logs (symbol, regime, z_score, rv_ratio, decision_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		symbol, string(regime), zScore, rvRatio, decisionHash, ts.UTC())
	if err != nil {
		return fmt.Errorf("durable: append vre decision log %s: %w", symbol, err)
	}
	return nil
}

// AppendAuditRecord appends one audit entry, computing its hash over the
// previous entry's hash so the chain breaks visibly if any row is altered
// or removed out of band. Callers do not set PrevHash/Hash/Seq; the store
// reads the tail of the chain and fills them in under a transaction.
func (s *Store) AppendAuditRecord(ctx context.Context, action, entityID, payload string, ts time.Time) (types.AuditRecord, error) {
	var rec types.AuditRecord
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var prevHash string
		row := tx.QueryRowContext(ctx, `SELECT hash FROM audit_trail ORDER BY seq DESC LIMIT 1`)
		switch err := row.Scan(&prevHash); {
		case errors.Is(err, sql.ErrNoRows):
			prevHash = ""
		case err != nil:
			return fmt.Errorf("read chain tail: %w", err)
		}

		hash := auditHash(prevHash, action, entityID, payload, ts)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO audit_trail (action, entity_id, payload, prev_hash, hash, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
			action, entityID, payload, prevHash, hash, ts.UTC())
		if err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("get audit seq: %w", err)
		}

		rec = types.AuditRecord{
			Seq: seq, Action: action, EntityID: entityID, Payload: payload,
			PrevHash: prevHash, Hash: hash, Timestamp: ts.UTC(),
		}
		return nil
	})
	if err != nil {
		return types.AuditRecord{}, fmt.Errorf("durable: append audit record: %w", err)
	}
	return rec, nil
}

func auditHash(prevHash, action, entityID, payload string, ts time.Time) string {
	sum := sha256.Sum256([]byte(prevHash + "|" + action + "|" + entityID + "|" + payload + "|" + ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// VerifyAuditChain walks the full audit_trail table in sequence order and
// reports whether every row's hash still matches its recomputed digest.
func (s *Store) VerifyAuditChain(ctx context.Context) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, action, entity_id, payload, prev_hash, hash, timestamp FROM audit_trail ORDER BY seq ASC`)
	if err != nil {
		return false, fmt.Errorf("durable: verify audit chain: %w", err)
	}
	defer rows.Close()

	expectedPrev := ""
	for rows.Next() {
		var rec types.AuditRecord
		if err := rows.Scan(&rec.Seq, &rec.Action, &rec.EntityID, &rec.Payload, &rec.PrevHash, &rec.Hash, &rec.Timestamp); err != nil {
			return false, fmt.Errorf("durable: scan audit record: %w", err)
		}
		if rec.PrevHash != expectedPrev {
			return false, nil
		}
		if auditHash(rec.PrevHash, rec.Action, rec.EntityID, rec.Payload, rec.Timestamp) != rec.Hash {
			return false, nil
		}
		expectedPrev = rec.Hash
	}
	return true, rows.Err()
}
