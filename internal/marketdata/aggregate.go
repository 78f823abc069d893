package marketdata

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

// contribution is the common shape a tick or a closed child bar contributes
// to the bar currently being built for the next period up.
type contribution struct {
	ts                         time.Time
	open, high, low, close     decimal.Decimal
	volume, pv                 decimal.Decimal
	trades                     int
}

func tickContribution(t types.Tick) contribution {
	return contribution{
		ts:     t.Timestamp,
		open:   t.Price,
		high:   t.Price,
		low:    t.Price,
		close:  t.Price,
		volume: t.Quantity,
		pv:     t.Price.Mul(t.Quantity),
		trades: 1,
	}
}

func barContribution(b types.Bar) contribution {
	return contribution{
		ts:     b.BarTS,
		open:   b.Open,
		high:   b.High,
		low:    b.Low,
		close:  b.Close,
		volume: b.Volume,
		pv:     b.VWAP.Mul(b.Volume),
		trades: b.TradeCount,
	}
}

type building struct {
	bucketStart time.Time
	open        decimal.Decimal
	high        decimal.Decimal
	low         decimal.Decimal
	close       decimal.Decimal
	volume      decimal.Decimal
	pv          decimal.Decimal
	trades      int
}

func (b *building) finalize(symbol string, period types.BarPeriod) types.Bar {
	vwap := b.close
	if b.volume.IsPositive() {
		vwap = b.pv.Div(b.volume)
	}
	return types.Bar{
		Symbol:     symbol,
		Period:     period,
		Open:       b.open,
		High:       b.high,
		Low:        b.low,
		Close:      b.close,
		Volume:     b.volume,
		TradeCount: b.trades,
		VWAP:       vwap,
		BarTS:      b.bucketStart,
	}
}

// periodAggregator cascades contributions (ticks or child bars) into bars
// of a fixed period, one independent building bar per symbol. A bar of
// period P starts at the earliest contribution whose timestamp floors to
// the bar boundary; its close is the last contribution's close before the
// window rolls over.
type periodAggregator struct {
	period time.Duration
	label  types.BarPeriod

	mu      sync.Mutex
	current map[string]*building
}

func newPeriodAggregator(period time.Duration) *periodAggregator {
	var label types.BarPeriod
	switch period {
	case time.Second:
		label = types.Bar1s
	case time.Minute:
		label = types.Bar1m
	case time.Hour:
		label = types.Bar1h
	}
	return &periodAggregator{
		period:  period,
		label:   label,
		current: make(map[string]*building),
	}
}

// ingest folds c into the bar currently being built for symbol. It returns
// the just-closed bar and true when c's bucket is newer than the bar in
// progress; otherwise it returns the zero value and false. Contributions
// older than the bar in progress are dropped as out-of-order.
func (a *periodAggregator) ingest(symbol string, c contribution) (types.Bar, bool) {
	bucketStart := c.ts.Truncate(a.period)

	a.mu.Lock()
	defer a.mu.Unlock()

	cur, ok := a.current[symbol]
	if !ok {
		a.current[symbol] = &building{
			bucketStart: bucketStart,
			open:        c.open, high: c.high, low: c.low, close: c.close,
			volume: c.volume, pv: c.pv, trades: c.trades,
		}
		return types.Bar{}, false
	}

	if bucketStart.Before(cur.bucketStart) {
		return types.Bar{}, false
	}

	if bucketStart.Equal(cur.bucketStart) {
		if c.high.GreaterThan(cur.high) {
			cur.high = c.high
		}
		if c.low.LessThan(cur.low) {
			cur.low = c.low
		}
		cur.close = c.close
		cur.volume = cur.volume.Add(c.volume)
		cur.pv = cur.pv.Add(c.pv)
		cur.trades += c.trades
		return types.Bar{}, false
	}

	closed := cur.finalize(symbol, a.label)
	a.current[symbol] = &building{
		bucketStart: bucketStart,
		open:        c.open, high: c.high, low: c.low, close: c.close,
		volume: c.volume, pv: c.pv, trades: c.trades,
	}
	return closed, true
}
