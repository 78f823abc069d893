// Package marketdata maintains a near-realtime view of exchange market data
// for a configured symbol universe and produces aggregated bars (§4.A).
//
// A WebSocket feed is the primary data source; ticks are mirrored into a
// tick/L1/L2 cache and cascaded into 1s -> 1m -> 1h bars. If no tick arrives
// on any non-quarantined symbol for RESTFallbackAfter, a REST polling loop
// engages until the feed resumes.
package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tradingcore/internal/cache"
	"tradingcore/internal/config"
	"tradingcore/pkg/types"
)

const recentTickCapacity = 500

// Feed is the subset of exchange.WSFeed the pipeline depends on.
type Feed interface {
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	Ticks() <-chan types.Tick
	Quotes() <-chan types.L1Quote
	Books() <-chan types.L2Book
	Run(ctx context.Context) error
}

// RESTQuoter is the subset of exchange.Client the REST fallback loop uses.
type RESTQuoter interface {
	GetL1Quote(ctx context.Context, symbol string) (*types.L1Quote, error)
	GetL2Book(ctx context.Context, symbol string) (*types.L2Book, error)
}

// StalenessTouch is satisfied by *staleness.Manager; kept as a narrow
// interface so the pipeline can be tested without a real staleness manager.
type StalenessTouch interface {
	Touch(exchange, symbol, feed string, ts time.Time)
}

// BarSink persists closed 1m/1h bars to the durable store. 1s bars are
// short-lived and never written through.
type BarSink interface {
	WriteBar(ctx context.Context, bar types.Bar) error
}

type symbolState struct {
	symbol            string
	unsupported       bool
	subscribeAttempts int
}

// Pipeline is the Market Data Pipeline of §4.A.
type Pipeline struct {
	cfg          config.MarketDataConfig
	exchangeName string
	logger       *slog.Logger

	feed      Feed
	rest      RESTQuoter
	staleness StalenessTouch
	barSink   BarSink // nil is valid; writes are skipped

	mu      sync.Mutex
	symbols map[string]*symbolState

	tickCache *cache.TTL[[]types.Tick]
	l1Cache   *cache.TTL[types.L1Quote]
	l2Cache   *cache.TTL[types.L2Book]
	bar1sTTL  *cache.TTL[[]types.Bar]

	barsMu sync.Mutex
	bars1m map[string][]types.Bar
	bars1h map[string][]types.Bar

	agg1s *periodAggregator
	agg1m *periodAggregator
	agg1h *periodAggregator

	lastTickMu sync.Mutex
	lastTickAt time.Time

	fallback       *restFallback
	fallbackActive atomic.Bool
}

// New constructs a Market Data Pipeline. barSink may be nil during tests or
// before the durable store is wired in. restBaseURL is used only by the
// fallback loop's own HTTP client (distinct from rest, which serves typed
// L1 quote refreshes).
func New(cfg config.MarketDataConfig, exchangeName, restBaseURL string, feed Feed, rest RESTQuoter, staleness StalenessTouch, barSink BarSink, logger *slog.Logger) *Pipeline {
	l := logger.With("component", "marketdata")
	return &Pipeline{
		cfg:          cfg,
		exchangeName: exchangeName,
		logger:       l,
		feed:         feed,
		rest:         rest,
		staleness:    staleness,
		barSink:      barSink,
		symbols:      make(map[string]*symbolState),
		tickCache:    cache.New[[]types.Tick](cfg.TickCacheTTL),
		l1Cache:      cache.New[types.L1Quote](cfg.TickCacheTTL),
		l2Cache:      cache.New[types.L2Book](cfg.TickCacheTTL),
		bar1sTTL:     cache.New[[]types.Bar](cfg.TickCacheTTL),
		bars1m:       make(map[string][]types.Bar),
		bars1h:       make(map[string][]types.Bar),
		agg1s:        newPeriodAggregator(time.Second),
		agg1m:        newPeriodAggregator(time.Minute),
		agg1h:        newPeriodAggregator(time.Hour),
		fallback:     newRESTFallback(restBaseURL, l),
	}
}

// Subscribe adds symbols to the tracked universe. It is idempotent: symbols
// already subscribed or already UNSUPPORTED are skipped. Each symbol is
// subscribed individually so that one exchange rejection does not affect
// its siblings; after cfg.SubscribeRetryLimit consecutive failures a symbol
// becomes UNSUPPORTED and is dropped from the tracked set.
func (p *Pipeline) Subscribe(symbols []string) {
	for _, sym := range symbols {
		p.mu.Lock()
		st, ok := p.symbols[sym]
		if !ok {
			st = &symbolState{symbol: sym}
			p.symbols[sym] = st
		}
		alreadyTracked := ok && !st.unsupported && st.subscribeAttempts == 0
		p.mu.Unlock()

		if alreadyTracked {
			continue
		}
		if ok && st.unsupported {
			continue
		}

		if err := p.feed.Subscribe([]string{sym}); err != nil {
			p.mu.Lock()
			st.subscribeAttempts++
			if st.subscribeAttempts >= p.cfg.SubscribeRetryLimit {
				st.unsupported = true
				p.logger.Warn("symbol marked unsupported after repeated subscribe failures",
					"symbol", sym, "attempts", st.subscribeAttempts, "error", err)
			} else {
				p.logger.Warn("subscribe failed, will retry", "symbol", sym, "attempt", st.subscribeAttempts, "error", err)
			}
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		st.subscribeAttempts = 0
		p.mu.Unlock()
		p.logger.Info("subscribed", "symbol", sym)
	}
}

// IsUnsupported reports whether symbol has exhausted its subscribe retries.
func (p *Pipeline) IsUnsupported(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.symbols[symbol]
	return ok && st.unsupported
}

// Run consumes the feed's channels and drives bar aggregation and the REST
// fallback loop. Blocks until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.lastTickMu.Lock()
	p.lastTickAt = time.Now()
	p.lastTickMu.Unlock()

	fallbackTicker := time.NewTicker(p.cfg.RESTFallbackInterval)
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case tick, ok := <-p.feed.Ticks():
			if !ok {
				continue
			}
			p.ingestTick(ctx, tick)

		case quote, ok := <-p.feed.Quotes():
			if !ok {
				continue
			}
			p.ingestQuote(quote)

		case book, ok := <-p.feed.Books():
			if !ok {
				continue
			}
			p.ingestBook(book)

		case <-fallbackTicker.C:
			p.evaluateFallback(ctx)
		}
	}
}

func (p *Pipeline) ingestTick(ctx context.Context, tick types.Tick) {
	p.lastTickMu.Lock()
	p.lastTickAt = time.Now()
	p.lastTickMu.Unlock()

	if p.staleness != nil {
		p.staleness.Touch(tick.Exchange, tick.Symbol, "tick", tick.Timestamp)
	}

	recent, _ := p.tickCache.Get(tick.Symbol)
	recent = append(recent, tick)
	if len(recent) > recentTickCapacity {
		recent = recent[len(recent)-recentTickCapacity:]
	}
	p.tickCache.Set(tick.Symbol, recent)

	if bar, closed := p.agg1s.ingest(tick.Symbol, tickContribution(tick)); closed {
		p.publish1s(tick.Symbol, bar)
		p.cascade(ctx, tick.Symbol, bar)
	}
}

func (p *Pipeline) ingestQuote(quote types.L1Quote) {
	if p.staleness != nil {
		p.staleness.Touch(p.exchangeName, quote.Symbol, "l1", quote.Timestamp)
	}
	p.l1Cache.Set(quote.Symbol, quote)
}

func (p *Pipeline) ingestBook(book types.L2Book) {
	if p.staleness != nil {
		p.staleness.Touch(p.exchangeName, book.Symbol, "l2", book.Timestamp)
	}
	p.l2Cache.Set(book.Symbol, book)
}

func (p *Pipeline) publish1s(symbol string, bar types.Bar) {
	bars, _ := p.bar1sTTL.Get(symbol)
	bars = append(bars, bar)
	if len(bars) > recentTickCapacity {
		bars = bars[len(bars)-recentTickCapacity:]
	}
	p.bar1sTTL.Set(symbol, bars)
}

// cascade feeds a closed 1s bar into the 1m aggregator, and a closed 1m bar
// into the 1h aggregator, writing 1m/1h bars through to the durable store.
func (p *Pipeline) cascade(ctx context.Context, symbol string, closed1s types.Bar) {
	bar1m, closedMin := p.agg1m.ingest(symbol, barContribution(closed1s))
	if !closedMin {
		return
	}
	p.storeBar(symbol, types.Bar1m, bar1m)
	if err := p.writeThrough(ctx, bar1m); err != nil {
		p.logger.Error("write 1m bar", "symbol", symbol, "error", err)
	}

	bar1h, closedHour := p.agg1h.ingest(symbol, barContribution(bar1m))
	if !closedHour {
		return
	}
	p.storeBar(symbol, types.Bar1h, bar1h)
	if err := p.writeThrough(ctx, bar1h); err != nil {
		p.logger.Error("write 1h bar", "symbol", symbol, "error", err)
	}
}

func (p *Pipeline) storeBar(symbol string, period types.BarPeriod, bar types.Bar) {
	p.barsMu.Lock()
	defer p.barsMu.Unlock()

	var store map[string][]types.Bar
	switch period {
	case types.Bar1m:
		store = p.bars1m
	case types.Bar1h:
		store = p.bars1h
	default:
		return
	}

	bars := append(store[symbol], bar)
	if len(bars) > recentTickCapacity {
		bars = bars[len(bars)-recentTickCapacity:]
	}
	store[symbol] = bars
}

func (p *Pipeline) writeThrough(ctx context.Context, bar types.Bar) error {
	if p.barSink == nil {
		return nil
	}
	return p.barSink.WriteBar(ctx, bar)
}

// GetL1 returns the cached best bid/ask for symbol and its age.
func (p *Pipeline) GetL1(symbol string) (types.L1Quote, time.Duration, bool) {
	q, ok := p.l1Cache.Get(symbol)
	if !ok {
		return types.L1Quote{}, 0, false
	}
	return q, time.Since(q.Timestamp), true
}

// GetL2 returns the cached order book for symbol and its age.
func (p *Pipeline) GetL2(symbol string) (types.L2Book, time.Duration, bool) {
	b, ok := p.l2Cache.Get(symbol)
	if !ok {
		return types.L2Book{}, 0, false
	}
	return b, time.Since(b.Timestamp), true
}

// GetRecentTicks returns up to n of the most recent ticks for symbol,
// newest last.
func (p *Pipeline) GetRecentTicks(symbol string, n int) []types.Tick {
	ticks, ok := p.tickCache.Get(symbol)
	if !ok || n <= 0 {
		return nil
	}
	if n >= len(ticks) {
		return append([]types.Tick(nil), ticks...)
	}
	return append([]types.Tick(nil), ticks[len(ticks)-n:]...)
}

// GetBars returns up to n of the most recent bars for symbol at period,
// oldest first.
func (p *Pipeline) GetBars(symbol string, period types.BarPeriod, n int) []types.Bar {
	if n <= 0 {
		return nil
	}

	if period == types.Bar1s {
		bars, _ := p.bar1sTTL.Get(symbol)
		return lastN(bars, n)
	}

	p.barsMu.Lock()
	defer p.barsMu.Unlock()

	switch period {
	case types.Bar1m:
		return lastN(p.bars1m[symbol], n)
	case types.Bar1h:
		return lastN(p.bars1h[symbol], n)
	default:
		return nil
	}
}

func lastN(bars []types.Bar, n int) []types.Bar {
	if n >= len(bars) {
		return append([]types.Bar(nil), bars...)
	}
	return append([]types.Bar(nil), bars[len(bars)-n:]...)
}

// evaluateFallback engages or disengages the REST fallback loop based on
// whether any tick has arrived across all tracked, non-unsupported symbols
// within RESTFallbackAfter.
func (p *Pipeline) evaluateFallback(ctx context.Context) {
	p.lastTickMu.Lock()
	elapsed := time.Since(p.lastTickAt)
	p.lastTickMu.Unlock()

	shouldEngage := elapsed >= p.cfg.RESTFallbackAfter
	was := p.fallbackActive.Swap(shouldEngage)

	if shouldEngage && !was {
		p.logger.Warn("no ticks received, engaging REST fallback", "elapsed", elapsed)
	} else if !shouldEngage && was {
		p.logger.Info("websocket recovered, disengaging REST fallback")
	}
	if !shouldEngage {
		return
	}

	for _, sym := range p.trackedSymbols() {
		if quote, err := p.rest.GetL1Quote(ctx, sym); err == nil && quote != nil {
			p.ingestQuote(*quote)
		} else if err != nil {
			p.logger.Debug("rest fallback quote failed", "symbol", sym, "error", err)
		}

		if book, err := p.fallback.fetchBook(ctx, sym); err == nil {
			p.ingestBook(book)
		} else {
			p.logger.Debug("rest fallback book failed", "symbol", sym, "error", err)
		}
	}
}

func (p *Pipeline) trackedSymbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.symbols))
	for sym, st := range p.symbols {
		if !st.unsupported {
			out = append(out, sym)
		}
	}
	return out
}
