package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

type fakeStore struct {
	records []struct {
		action, entityID, payload string
	}
}

func (f *fakeStore) AppendAuditRecord(ctx context.Context, action, entityID, payload string, ts time.Time) (types.AuditRecord, error) {
	f.records = append(f.records, struct{ action, entityID, payload string }{action, entityID, payload})
	return types.AuditRecord{Seq: int64(len(f.records)), Action: action, EntityID: entityID, Payload: payload, Timestamp: ts}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRecordCampaignCreatedMarshalsExpectedFields(t *testing.T) {
	store := &fakeStore{}
	r := New(store, testLogger())

	c := types.Campaign{ID: "c1", PortfolioID: "p1", InvestorProfile: types.ProfileAggressive, InitialCapital: decimal.NewFromInt(5000)}
	if err := r.RecordCampaignCreated(context.Background(), c); err != nil {
		t.Fatalf("RecordCampaignCreated: %v", err)
	}

	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
	rec := store.records[0]
	if rec.action != ActionCampaignCreated || rec.entityID != "c1" {
		t.Errorf("action/entity = %s/%s", rec.action, rec.entityID)
	}

	var payload campaignCreatedPayload
	if err := json.Unmarshal([]byte(rec.payload), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.InvestorProfile != "A" || payload.InitialCapital != "5000" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestRecordOrderEventsUseDistinctActions(t *testing.T) {
	store := &fakeStore{}
	r := New(store, testLogger())
	ctx := context.Background()

	order := types.CampaignOrder{ID: "o1", Symbol: "BTC/USD", Side: types.Buy, OrderType: types.OrderMarket, Quantity: decimal.NewFromInt(1)}

	if err := r.RecordOrderPlaced(ctx, order); err != nil {
		t.Fatalf("RecordOrderPlaced: %v", err)
	}
	if err := r.RecordOrderFilled(ctx, order); err != nil {
		t.Fatalf("RecordOrderFilled: %v", err)
	}
	if err := r.RecordOrderCancelled(ctx, order); err != nil {
		t.Fatalf("RecordOrderCancelled: %v", err)
	}

	if len(store.records) != 3 {
		t.Fatalf("records = %d, want 3", len(store.records))
	}
	wantActions := []string{ActionOrderPlaced, ActionOrderFilled, ActionOrderCancelled}
	for i, want := range wantActions {
		if store.records[i].action != want {
			t.Errorf("record %d action = %s, want %s", i, store.records[i].action, want)
		}
	}
}

func TestRecordBreakerTriggeredIncludesScope(t *testing.T) {
	store := &fakeStore{}
	r := New(store, testLogger())

	ev := types.CircuitBreakerEvent{ID: "ev1", Level: types.BreakerGlobal, Reason: "global_dd_exceeded"}
	if err := r.RecordBreakerTriggered(context.Background(), ev); err != nil {
		t.Fatalf("RecordBreakerTriggered: %v", err)
	}

	var payload breakerEventPayload
	if err := json.Unmarshal([]byte(store.records[0].payload), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Level != "global" || payload.Reason != "global_dd_exceeded" {
		t.Errorf("payload = %+v", payload)
	}
}
