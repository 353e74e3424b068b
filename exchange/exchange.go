// Package exchange ties the per-venue integrations together: a registry that
// constructs them by identifier, and a Fetcher that layers pagination, rate
// limit pacing and response caching over the raw candlestick requests.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/candleproxy/candleproxy/exchange/binance"
	"github.com/candleproxy/candleproxy/exchange/cache"
	"github.com/candleproxy/candleproxy/exchange/common"
	"github.com/candleproxy/candleproxy/exchange/kucoin"
	"github.com/candleproxy/candleproxy/exchange/okx"
)

// ErrUnknownExchange means: the exchange identifier is not in the registry
var ErrUnknownExchange = errors.New("unknown exchange")

// Names returns the identifiers of all registered exchanges.
func Names() []string {
	return []string{common.BINANCE, common.KUCOIN, common.OKX}
}

// New constructs an Exchange by identifier, e.g. "okx".
func New(name string) (common.Exchange, error) {
	switch strings.ToLower(name) {
	case common.BINANCE:
		return binance.NewBinance(), nil
	case common.KUCOIN:
		return kucoin.NewKuCoin(), nil
	case common.OKX:
		return okx.NewOKX(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, name)
	}
}

const (
	// DefaultLimit is how many candlesticks a limit-mode fetch returns when
	// the caller doesn't say.
	DefaultLimit = 100

	// MaxLimit caps limit-mode fetches.
	MaxLimit = 1000

	// pageStopThreshold ends a paginated walk: a page shorter than this means
	// the exchange has no further data for the range yet.
	pageStopThreshold = 100
)

// Request describes one candlestick fetch.
type Request struct {
	Pair     common.Pair
	Interval time.Duration

	// SinceMs is the inclusive window start in milliseconds since UTC Epoch.
	// Negative means limit-mode: fetch the most recent Limit candlesticks.
	SinceMs int64

	// Limit caps limit-mode fetches. Zero means DefaultLimit.
	Limit int

	// BypassCache skips the response cache in both directions. Backfills set
	// it so that they always observe the exchange.
	BypassCache bool
}

// Fetcher runs candlestick requests against one exchange. Since-mode
// requests page through the exchange's history, pausing between pages per
// the exchange's rate limits; limit-mode requests fetch the most recent
// window. Responses are cached by request fingerprint with per-interval
// TTLs, unless the request bypasses the cache.
type Fetcher struct {
	exchange common.Exchange
	cache    *cache.MemoryCache
	limiter  *rate.Limiter
	timeNow  func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithCache enables response caching.
func WithCache(c *cache.MemoryCache) Option {
	return func(f *Fetcher) { f.cache = c }
}

// WithTimeNow overrides the clock, for testing.
func WithTimeNow(timeNow func() time.Time) Option {
	return func(f *Fetcher) { f.timeNow = timeNow }
}

// NewFetcher constructs a Fetcher over the given exchange. Without
// WithCache, nothing is cached.
func NewFetcher(exchange common.Exchange, options ...Option) *Fetcher {
	f := &Fetcher{
		exchange: exchange,
		limiter:  rate.NewLimiter(rate.Every(exchange.RateLimitDelay()), 1),
		timeNow:  time.Now,
	}
	for _, option := range options {
		option(f)
	}
	return f
}

// Exchange returns the underlying exchange.
func (f *Fetcher) Exchange() common.Exchange {
	return f.exchange
}

// Fetch runs one request. Since-mode walks from SinceMs to now; limit-mode
// returns the most recent Limit candlesticks. Results are ascending.
func (f *Fetcher) Fetch(ctx context.Context, req Request) ([]common.Candlestick, error) {
	if req.Interval <= 0 {
		return nil, common.ErrInvalidInterval
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	key := cache.Key{
		Exchange: f.exchange.Name(),
		Pair:     req.Pair.String(),
		Interval: common.IntervalLabel(req.Interval),
	}
	if req.SinceMs >= 0 {
		key.SinceMs = req.SinceMs
		key.Limit = 0
	} else {
		key.SinceMs = -1
		key.Limit = limit
	}

	useCache := f.cache != nil && !req.BypassCache
	if useCache {
		if candlesticks, err := f.cache.Get(key); err == nil {
			return candlesticks, nil
		}
	}

	var (
		candlesticks []common.Candlestick
		err          error
	)
	if req.SinceMs >= 0 {
		candlesticks, err = f.FetchRange(ctx, req.Pair, req.Interval, req.SinceMs, f.timeNow().UnixMilli())
	} else {
		candlesticks, err = f.fetchLatest(ctx, req.Pair, req.Interval, limit)
	}
	if err != nil {
		return nil, err
	}

	if useCache {
		f.cache.Put(key, candlesticks)
	}
	return candlesticks, nil
}

// FetchRange pages through [fromMs, toMs] (inclusive both ends), advancing
// past the last candlestick of each page and pacing between pages. The walk
// ends early on a short page or when the exchange runs out of data; running
// out is not an error. Results are ascending and never cached.
func (f *Fetcher) FetchRange(ctx context.Context, pair common.Pair, interval time.Duration, fromMs, toMs int64) ([]common.Candlestick, error) {
	intervalMs := interval.Milliseconds()
	stopThreshold := pageStopThreshold
	if pageSize := f.exchange.PageSize(); pageSize < stopThreshold {
		stopThreshold = pageSize
	}

	var out []common.Candlestick
	sinceMs := fromMs
	for sinceMs <= toMs {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		page, err := f.exchange.RequestCandlesticks(ctx, pair, sinceMs, interval)
		if err != nil {
			if errors.Is(err, common.ErrOutOfCandlesticks) {
				break
			}
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, candlestick := range page {
			if candlestick.Timestamp >= fromMs && candlestick.Timestamp <= toMs {
				out = append(out, candlestick)
			}
		}

		if len(page) < stopThreshold {
			break
		}
		next := page[len(page)-1].Timestamp + intervalMs
		if next <= sinceMs {
			break
		}
		sinceMs = next
	}
	return out, nil
}

// fetchLatest returns the most recent limit candlesticks by walking one
// window of limit intervals back from now.
func (f *Fetcher) fetchLatest(ctx context.Context, pair common.Pair, interval time.Duration, limit int) ([]common.Candlestick, error) {
	toMs := f.timeNow().UnixMilli()
	fromMs := toMs - int64(limit)*interval.Milliseconds()
	candlesticks, err := f.FetchRange(ctx, pair, interval, fromMs, toMs)
	if err != nil {
		return nil, err
	}
	if len(candlesticks) > limit {
		candlesticks = candlesticks[len(candlesticks)-limit:]
	}
	return candlesticks, nil
}

// CacheStats returns the response cache's request and miss counters. Both
// are zero when caching is disabled.
func (f *Fetcher) CacheStats() (requests, misses int) {
	if f.cache == nil {
		return 0, 0
	}
	return f.cache.Stats()
}
