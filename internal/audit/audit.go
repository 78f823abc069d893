// Package audit turns the domain's lifecycle transitions into typed entries
// in the hash-chained append-only trail, using the same event vocabulary a
// dashboard would stream over FillEvent/OrderEvent/PositionEvent/KillEvent,
// with the HTTP/WebSocket transport stripped out: here an event is recorded,
// not streamed.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tradingcore/pkg/types"
)

// Store is the narrow persistence dependency this package needs — the
// hash-chain append call internal/durable.Store exposes.
type Store interface {
	AppendAuditRecord(ctx context.Context, action, entityID, payload string, ts time.Time) (types.AuditRecord, error)
}

// Recorder records typed domain events to the audit trail.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// New builds a Recorder over the given store.
func New(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger.With("component", "audit")}
}

// Record marshals payload to JSON and appends one entry to the chain.
func (r *Recorder) Record(ctx context.Context, action, entityID string, payload any) (types.AuditRecord, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return types.AuditRecord{}, fmt.Errorf("audit: marshal %s payload: %w", action, err)
	}

	rec, err := r.store.AppendAuditRecord(ctx, action, entityID, string(b), time.Now())
	if err != nil {
		r.logger.Error("append audit record failed", "action", action, "entity_id", entityID, "error", err)
		return types.AuditRecord{}, fmt.Errorf("audit: append %s: %w", action, err)
	}

	r.logger.Debug("recorded audit entry", "action", action, "entity_id", entityID, "seq", rec.Seq)
	return rec, nil
}
