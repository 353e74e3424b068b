// Package aggregate derives wider-interval candlesticks from the stored
// 1-minute bars. Nothing is synthesized: minutes with no stored bar simply
// contribute nothing, so a bucket's bar summarizes whatever bars exist in it.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/candleproxy/candleproxy/exchange/common"
	"github.com/candleproxy/candleproxy/internal/store"
)

// Aggregator reads 1m bars from the store and folds them into wider
// intervals on demand.
type Aggregator struct {
	store *store.Store
}

// New constructs an Aggregator over the store.
func New(s *store.Store) *Aggregator {
	return &Aggregator{store: s}
}

// Range aggregates the pair's bars within [fromMs, toMs] (inclusive,
// negative means unbounded) into bars of the given interval. 1m requests
// pass the stored bars through untouched. A positive limit keeps only the
// last limit bars.
func (a *Aggregator) Range(ctx context.Context, pair string, interval time.Duration, fromMs, toMs int64, limit int) ([]common.Candlestick, error) {
	if interval < time.Minute {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidInterval, interval)
	}

	bars, err := a.store.Scan(ctx, pair, fromMs, toMs, 0)
	if err != nil {
		return nil, err
	}

	if interval != time.Minute {
		bars = Fold(bars, interval.Milliseconds())
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// Latest returns the pair's last limit bars of the interval. The window is
// anchored on the most recent stored bar: everything from limit interval
// widths before it onwards is aggregated, then cut to the last limit bars.
// Pairs with no data yield an empty list.
func (a *Aggregator) Latest(ctx context.Context, pair string, interval time.Duration, limit int) ([]common.Candlestick, error) {
	latest, ok, err := a.store.Latest(ctx, pair)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []common.Candlestick{}, nil
	}

	fromMs := latest.Timestamp - int64(limit)*interval.Milliseconds()
	if fromMs < 0 {
		fromMs = 0
	}
	return a.Range(ctx, pair, interval, fromMs, -1, limit)
}

// Fold groups ascending 1m bars into buckets of intervalMs width. A bar at
// timestamp ts belongs to the bucket ts/intervalMs and the bucket's bar
// opens at the bucket boundary: open from the bucket's first bar, close from
// its last, the extremes of high/low, and both volumes summed. Buckets with
// no bars produce nothing, including at the window edges.
func Fold(bars []common.Candlestick, intervalMs int64) []common.Candlestick {
	out := []common.Candlestick{}
	if intervalMs <= 0 {
		return out
	}

	var (
		current common.Candlestick
		bucket  int64
		started bool
	)
	for _, bar := range bars {
		b := bar.Timestamp / intervalMs
		if !started || b != bucket {
			if started {
				out = append(out, current)
			}
			started = true
			bucket = b
			current = common.Candlestick{
				Timestamp:   b * intervalMs,
				Open:        bar.Open,
				High:        bar.High,
				Low:         bar.Low,
				Close:       bar.Close,
				Volume:      bar.Volume,
				QuoteVolume: bar.QuoteVolume,
				Confirm:     1,
			}
			continue
		}
		if bar.High > current.High {
			current.High = bar.High
		}
		if bar.Low < current.Low {
			current.Low = bar.Low
		}
		current.Close = bar.Close
		current.Volume += bar.Volume
		current.QuoteVolume += bar.QuoteVolume
	}
	if started {
		out = append(out, current)
	}
	return out
}
