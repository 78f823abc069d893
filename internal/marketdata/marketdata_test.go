package marketdata

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/internal/config"
	"tradingcore/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeFeed struct {
	mu          sync.Mutex
	failSymbols map[string]bool
	ticks       chan types.Tick
	quotes      chan types.L1Quote
	books       chan types.L2Book
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		failSymbols: make(map[string]bool),
		ticks:       make(chan types.Tick, 16),
		quotes:      make(chan types.L1Quote, 16),
		books:       make(chan types.L2Book, 16),
	}
}

func (f *fakeFeed) Subscribe(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range symbols {
		if f.failSymbols[s] {
			return errSubscribeRejected
		}
	}
	return nil
}
func (f *fakeFeed) Unsubscribe(symbols []string) error { return nil }
func (f *fakeFeed) Ticks() <-chan types.Tick           { return f.ticks }
func (f *fakeFeed) Quotes() <-chan types.L1Quote       { return f.quotes }
func (f *fakeFeed) Books() <-chan types.L2Book         { return f.books }
func (f *fakeFeed) Run(ctx context.Context) error      { <-ctx.Done(); return ctx.Err() }

type errString string

func (e errString) Error() string { return string(e) }

const errSubscribeRejected = errString("symbol rejected")

type fakeRESTQuoter struct{}

func (fakeRESTQuoter) GetL1Quote(ctx context.Context, symbol string) (*types.L1Quote, error) {
	return &types.L1Quote{Symbol: symbol, BidPrice: decimal.NewFromInt(10), AskPrice: decimal.NewFromInt(11), Timestamp: time.Now()}, nil
}
func (fakeRESTQuoter) GetL2Book(ctx context.Context, symbol string) (*types.L2Book, error) {
	return &types.L2Book{Symbol: symbol, Timestamp: time.Now()}, nil
}

type fakeStaleness struct {
	mu     sync.Mutex
	touched []string
}

func (f *fakeStaleness) Touch(exchange, symbol, feed string, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, symbol+"|"+feed)
}

type fakeBarSink struct {
	mu   sync.Mutex
	bars []types.Bar
}

func (f *fakeBarSink) WriteBar(ctx context.Context, bar types.Bar) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars = append(f.bars, bar)
	return nil
}

func testCfg() config.MarketDataConfig {
	return config.MarketDataConfig{
		RESTFallbackAfter:    60 * time.Second,
		RESTFallbackInterval: 10 * time.Second,
		SubscribeRetryLimit:  3,
		TickCacheTTL:         5 * time.Minute,
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	feed := newFakeFeed()
	p := New(testCfg(), "test-exchange", "http://localhost", feed, fakeRESTQuoter{}, nil, nil, testLogger())

	p.Subscribe([]string{"BTC/USD"})
	p.Subscribe([]string{"BTC/USD"})

	if p.IsUnsupported("BTC/USD") {
		t.Fatal("a successfully subscribed symbol must not be unsupported")
	}
}

func TestSubscribeMarksUnsupportedAfterRetryLimit(t *testing.T) {
	t.Parallel()
	feed := newFakeFeed()
	feed.failSymbols["BAD/USD"] = true
	cfg := testCfg()
	cfg.SubscribeRetryLimit = 2
	p := New(cfg, "test-exchange", "http://localhost", feed, fakeRESTQuoter{}, nil, nil, testLogger())

	p.Subscribe([]string{"BAD/USD"})
	if p.IsUnsupported("BAD/USD") {
		t.Fatal("should not be unsupported after only one failure")
	}
	p.Subscribe([]string{"BAD/USD"})
	if !p.IsUnsupported("BAD/USD") {
		t.Fatal("should be unsupported after reaching the retry limit")
	}
}

func TestIngestTickUpdatesRecentTicksAndStaleness(t *testing.T) {
	t.Parallel()
	feed := newFakeFeed()
	st := &fakeStaleness{}
	p := New(testCfg(), "test-exchange", "http://localhost", feed, fakeRESTQuoter{}, st, nil, testLogger())

	now := time.Now()
	p.ingestTick(context.Background(), tick("BTC/USD", "100", "1", now))

	recent := p.GetRecentTicks("BTC/USD", 10)
	if len(recent) != 1 {
		t.Fatalf("recent ticks = %d, want 1", len(recent))
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.touched) != 1 || st.touched[0] != "BTC/USD|tick" {
		t.Errorf("touched = %v", st.touched)
	}
}

func TestCascadeWritesClosedBarsThroughToSink(t *testing.T) {
	t.Parallel()
	feed := newFakeFeed()
	sink := &fakeBarSink{}
	p := New(testCfg(), "test-exchange", "http://localhost", feed, fakeRESTQuoter{}, nil, sink, testLogger())

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// Two ticks a second apart close the first 1s bar; that alone isn't
	// enough to close a 1m bar, so the sink should stay empty.
	p.ingestTick(ctx, tick("BTC/USD", "100", "1", base))
	p.ingestTick(ctx, tick("BTC/USD", "101", "1", base.Add(time.Second)))

	sink.mu.Lock()
	got := len(sink.bars)
	sink.mu.Unlock()
	if got != 0 {
		t.Fatalf("bars written = %d, want 0 before a minute boundary is crossed", got)
	}

	bars1s := p.GetBars("BTC/USD", types.Bar1s, 10)
	if len(bars1s) != 1 {
		t.Fatalf("1s bars = %d, want 1", len(bars1s))
	}

	// The first 1s bar of the next minute closes once a later tick arrives;
	// it rolls the 1m aggregator over, which writes the finished 1m bar.
	p.ingestTick(ctx, tick("BTC/USD", "102", "1", base.Add(time.Minute)))
	p.ingestTick(ctx, tick("BTC/USD", "103", "1", base.Add(time.Minute+time.Second)))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.bars) != 1 || sink.bars[0].Period != types.Bar1m {
		t.Fatalf("bars written = %+v, want one 1m bar after the minute boundary", sink.bars)
	}
}

func TestGetL1AndGetL2ReturnAgeOfCachedData(t *testing.T) {
	t.Parallel()
	feed := newFakeFeed()
	p := New(testCfg(), "test-exchange", "http://localhost", feed, fakeRESTQuoter{}, nil, nil, testLogger())

	p.ingestQuote(types.L1Quote{Symbol: "BTC/USD", BidPrice: decimal.NewFromInt(10), AskPrice: decimal.NewFromInt(11), Timestamp: time.Now()})

	q, age, ok := p.GetL1("BTC/USD")
	if !ok {
		t.Fatal("expected cached L1 quote")
	}
	if age < 0 || age > time.Second {
		t.Errorf("age = %v, want small positive duration", age)
	}
	if !q.Spread().Equal(decimal.NewFromInt(1)) {
		t.Errorf("spread = %s, want 1", q.Spread())
	}

	if _, _, ok := p.GetL2("ETH/USD"); ok {
		t.Fatal("expected no cached L2 book for an untouched symbol")
	}
}

func TestEvaluateFallbackEngagesAfterSilence(t *testing.T) {
	t.Parallel()
	feed := newFakeFeed()
	cfg := testCfg()
	cfg.RESTFallbackAfter = 0 // engage immediately for the test
	p := New(cfg, "test-exchange", "http://localhost", feed, fakeRESTQuoter{}, nil, nil, testLogger())
	p.Subscribe([]string{"BTC/USD"})

	p.lastTickMu.Lock()
	p.lastTickAt = time.Now().Add(-time.Hour)
	p.lastTickMu.Unlock()

	p.evaluateFallback(context.Background())

	if !p.fallbackActive.Load() {
		t.Fatal("expected fallback to be active after prolonged silence")
	}

	q, _, ok := p.GetL1("BTC/USD")
	if !ok || !q.BidPrice.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected the REST fallback quote to have been ingested, got %+v ok=%v", q, ok)
	}
}
