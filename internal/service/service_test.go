package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/candleproxy/candleproxy/exchange"
	"github.com/candleproxy/candleproxy/exchange/common"
	"github.com/candleproxy/candleproxy/internal/aggregate"
	"github.com/candleproxy/candleproxy/internal/store"
)

var pairBTCUSDT = common.Pair{Base: "BTC", Quote: "USDT"}

// now is hour-aligned so that aggregation buckets land on round timestamps.
const now = int64(1_700_002_800_000)

const hourMs = int64(60) * common.MinuteMs

func f(v float64) common.JSONFloat64 {
	return common.JSONFloat64(v)
}

// fakeExchange serves pre-canned pages (or errors) in call order and records
// the startTimeMs of every request it receives.
type fakeExchange struct {
	pages [][]common.Candlestick
	errs  []error
	calls []int64
}

func (e *fakeExchange) RequestCandlesticks(ctx context.Context, pair common.Pair, startTimeMs int64, interval time.Duration) ([]common.Candlestick, error) {
	i := len(e.calls)
	e.calls = append(e.calls, startTimeMs)
	if i < len(e.errs) && e.errs[i] != nil {
		return nil, e.errs[i]
	}
	if i >= len(e.pages) {
		return nil, common.CandleReqError{IsNotRetryable: false, Err: common.ErrOutOfCandlesticks}
	}
	return e.pages[i], nil
}

func (e *fakeExchange) PageSize() int { return 100 }

func (e *fakeExchange) RateLimitDelay() time.Duration { return 0 }

func (e *fakeExchange) Name() string { return "fake" }

func (e *fakeExchange) SetDebug(debug bool) {}

func (e *fakeExchange) SetRetryPolicy(strategy common.RetryStrategy) {}

func minuteBars(startMs int64, count int) []common.Candlestick {
	out := make([]common.Candlestick, count)
	for i := range out {
		out[i] = common.Candlestick{
			Timestamp:   startMs + int64(i)*common.MinuteMs,
			Open:        f(100),
			High:        f(101),
			Low:         f(99),
			Close:       f(100.5),
			Volume:      f(10),
			QuoteVolume: f(1000),
			Confirm:     1,
		}
	}
	return out
}

func newTestService(t *testing.T, fake *fakeExchange, options ...Option) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.Nil(t, err)
	t.Cleanup(func() { st.Close() })

	options = append([]Option{WithTimeNow(func() time.Time { return time.UnixMilli(now) })}, options...)
	return New(st, exchange.NewFetcher(fake), aggregate.New(st), options...), st
}

func TestGetCandlesColdRead(t *testing.T) {
	// Empty store, limit-mode request: the window spans limit+1 intervals
	// back from now, gets backfilled in full, and the last 3 aggregates come
	// out.
	windowStart := now - 4*hourMs
	fake := &fakeExchange{
		pages: [][]common.Candlestick{
			minuteBars(windowStart, 241),
		},
	}
	svc, _ := newTestService(t, fake)

	got, err := svc.GetCandles(context.Background(), Request{Pair: pairBTCUSDT, Interval: time.Hour, Limit: 3, SinceMs: -1})
	require.Nil(t, err)

	require.Equal(t, []int64{windowStart}, fake.calls)
	require.Len(t, got, 3)
	require.Equal(t, now-2*hourMs, got[0].Timestamp)
	require.Equal(t, now-hourMs, got[1].Timestamp)
	require.Equal(t, now, got[2].Timestamp)

	// Full buckets sum 60 bars; the bucket at now only has the bar at now.
	require.Equal(t, f(600), got[0].Volume)
	require.Equal(t, f(10), got[2].Volume)
}

func TestGetCandlesWarmTailGapResumesAfterLatest(t *testing.T) {
	// The store is current up to 10 minutes ago. A 30-minute window is
	// incomplete, but the backfill resumes right after the newest stored bar
	// instead of re-fetching the whole window.
	fake := &fakeExchange{
		pages: [][]common.Candlestick{
			minuteBars(now-9*common.MinuteMs, 10),
		},
	}
	svc, st := newTestService(t, fake)
	ctx := context.Background()

	require.Nil(t, st.UpsertBatch(ctx, pairBTCUSDT.String(), minuteBars(now-40*common.MinuteMs, 31)))

	got, err := svc.GetCandles(ctx, Request{Pair: pairBTCUSDT, Interval: 5 * time.Minute, Limit: 6, SinceMs: now - 30*common.MinuteMs})
	require.Nil(t, err)

	require.Equal(t, []int64{now - 9*common.MinuteMs}, fake.calls)
	require.Len(t, got, 6)
	require.Equal(t, now-25*common.MinuteMs, got[0].Timestamp)
	require.Equal(t, now, got[5].Timestamp)
}

func TestGetCandlesRelaxedThresholdForShortTail(t *testing.T) {
	// 91 of 100 expected bars stored and only a 10-minute tail missing: the
	// relaxed threshold accepts the window, so no backfill runs.
	fake := &fakeExchange{}
	svc, st := newTestService(t, fake)
	ctx := context.Background()

	require.Nil(t, st.UpsertBatch(ctx, pairBTCUSDT.String(), minuteBars(now-100*common.MinuteMs, 91)))

	got, err := svc.GetCandles(ctx, Request{Pair: pairBTCUSDT, Interval: time.Minute, Limit: 1000, SinceMs: now - 100*common.MinuteMs})
	require.Nil(t, err)
	require.Empty(t, fake.calls)
	require.Len(t, got, 91)
}

func TestGetCandlesStrictThresholdWhenTailTooLong(t *testing.T) {
	// Same coverage ratio, but the missing tail spans 20% of the window, so
	// the strict threshold applies and the gap is backfilled.
	fake := &fakeExchange{}
	svc, st := newTestService(t, fake)
	ctx := context.Background()

	require.Nil(t, st.UpsertBatch(ctx, pairBTCUSDT.String(), minuteBars(now-100*common.MinuteMs, 81)))

	_, err := svc.GetCandles(ctx, Request{Pair: pairBTCUSDT, Interval: time.Minute, Limit: 1000, SinceMs: now - 100*common.MinuteMs})
	require.Nil(t, err)
	require.Equal(t, []int64{now - 19*common.MinuteMs}, fake.calls)
}

func TestWithThresholdsOverride(t *testing.T) {
	fake := &fakeExchange{}
	svc, st := newTestService(t, fake, WithThresholds(0.5, 0.3))
	ctx := context.Background()

	require.Nil(t, st.UpsertBatch(ctx, pairBTCUSDT.String(), minuteBars(now-100*common.MinuteMs, 81)))

	_, err := svc.GetCandles(ctx, Request{Pair: pairBTCUSDT, Interval: time.Minute, Limit: 1000, SinceMs: now - 100*common.MinuteMs})
	require.Nil(t, err)
	require.Empty(t, fake.calls)
}

func TestGetCandlesEmptyWindowIsComplete(t *testing.T) {
	fake := &fakeExchange{}
	svc, _ := newTestService(t, fake)

	got, err := svc.GetCandles(context.Background(), Request{Pair: pairBTCUSDT, Interval: time.Minute, SinceMs: now})
	require.Nil(t, err)
	require.Empty(t, fake.calls)
	require.Empty(t, got)
}

func TestGetCandlesSkipsBackfillWhenStoreIsAhead(t *testing.T) {
	// Coverage is poor but the newest stored bar already sits at the window
	// end, so there is nothing left to fetch.
	fake := &fakeExchange{}
	svc, st := newTestService(t, fake)
	ctx := context.Background()

	require.Nil(t, st.UpsertBar(ctx, pairBTCUSDT.String(), minuteBars(now, 1)[0]))

	got, err := svc.GetCandles(ctx, Request{Pair: pairBTCUSDT, Interval: time.Minute, SinceMs: now - 10*common.MinuteMs})
	require.Nil(t, err)
	require.Empty(t, fake.calls)
	require.Len(t, got, 1)
}

func TestGetCandlesRejectsUnsupportedInterval(t *testing.T) {
	fake := &fakeExchange{}
	svc, _ := newTestService(t, fake)

	_, err := svc.GetCandles(context.Background(), Request{Pair: pairBTCUSDT, Interval: 3 * time.Minute, SinceMs: -1})
	require.Error(t, err)
	require.ErrorIs(t, err, common.ErrInvalidInterval)
}

func TestGetCandlesBackfillFailureDegradesButAnswers(t *testing.T) {
	fake := &fakeExchange{
		errs: []error{common.CandleReqError{IsNotRetryable: false, Err: common.ErrRateLimit}},
	}
	svc, st := newTestService(t, fake)
	ctx := context.Background()

	require.Nil(t, st.UpsertBatch(ctx, pairBTCUSDT.String(), minuteBars(now-100*common.MinuteMs, 50)))

	got, err := svc.GetCandles(ctx, Request{Pair: pairBTCUSDT, Interval: time.Minute, Limit: 1000, SinceMs: now - 100*common.MinuteMs})
	require.Nil(t, err)
	require.Len(t, fake.calls, 1)
	require.Len(t, got, 50)
}

func TestBackfillWalksDayChunks(t *testing.T) {
	fake := &fakeExchange{}
	svc, _ := newTestService(t, fake)

	dayMs := 24 * hourMs
	fromMs := now - 3*dayMs
	toMs := fromMs + 3*dayMs - common.MinuteMs

	written, failedChunks := svc.Backfill(context.Background(), pairBTCUSDT, fromMs, toMs)
	require.Zero(t, written)
	require.Zero(t, failedChunks)
	require.Equal(t, []int64{fromMs, fromMs + dayMs, fromMs + 2*dayMs}, fake.calls)
}

func TestBackfillCountsFailedChunksAndContinues(t *testing.T) {
	dayMs := 24 * hourMs
	fromMs := now - 3*dayMs
	toMs := fromMs + 3*dayMs - common.MinuteMs

	fake := &fakeExchange{
		errs: []error{common.CandleReqError{IsNotRetryable: false, Err: common.ErrRateLimit}},
		pages: [][]common.Candlestick{
			nil, // consumed by the failing first chunk
			minuteBars(fromMs+dayMs, 60),
		},
	}
	svc, st := newTestService(t, fake)

	written, failedChunks := svc.Backfill(context.Background(), pairBTCUSDT, fromMs, toMs)
	require.Equal(t, int64(60), written)
	require.Equal(t, 1, failedChunks)
	require.Len(t, fake.calls, 3)

	count, err := st.Count(context.Background(), pairBTCUSDT.String(), -1, -1)
	require.Nil(t, err)
	require.Equal(t, int64(60), count)
}

func TestBackfillConfirmsBarsAndSubstitutesQuoteVolume(t *testing.T) {
	fromMs := now - 10*common.MinuteMs
	bars := minuteBars(fromMs, 3)
	for i := range bars {
		bars[i].Confirm = 0
		bars[i].QuoteVolume = 0
	}

	fake := &fakeExchange{pages: [][]common.Candlestick{bars}}
	svc, st := newTestService(t, fake)

	written, failedChunks := svc.Backfill(context.Background(), pairBTCUSDT, fromMs, now)
	require.Equal(t, int64(3), written)
	require.Zero(t, failedChunks)

	got, err := st.Scan(context.Background(), pairBTCUSDT.String(), -1, -1, 0)
	require.Nil(t, err)
	require.Len(t, got, 3)
	for _, b := range got {
		require.Equal(t, 1, b.Confirm)
		require.Equal(t, b.Volume, b.QuoteVolume)
	}
}

func TestBackfillIsIdempotent(t *testing.T) {
	fromMs := now - 10*common.MinuteMs
	fake := &fakeExchange{
		pages: [][]common.Candlestick{
			minuteBars(fromMs, 5),
			minuteBars(fromMs, 5),
		},
	}
	svc, st := newTestService(t, fake)
	ctx := context.Background()

	svc.Backfill(ctx, pairBTCUSDT, fromMs, now)
	first, err := st.Scan(ctx, pairBTCUSDT.String(), -1, -1, 0)
	require.Nil(t, err)

	svc.Backfill(ctx, pairBTCUSDT, fromMs, now)
	second, err := st.Scan(ctx, pairBTCUSDT.String(), -1, -1, 0)
	require.Nil(t, err)
	require.Equal(t, first, second)
}

func TestBackfillStopsOnCancelledContext(t *testing.T) {
	fake := &fakeExchange{}
	svc, _ := newTestService(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	written, failedChunks := svc.Backfill(ctx, pairBTCUSDT, now-hourMs, now)
	require.Zero(t, written)
	require.Zero(t, failedChunks)
	require.Empty(t, fake.calls)
}

func TestVerifyCoverage(t *testing.T) {
	fake := &fakeExchange{}
	svc, st := newTestService(t, fake, WithRetentionDays(1))
	ctx := context.Background()

	require.Nil(t, st.AddWatchPair(ctx, "BTC-USDT", true))
	require.Nil(t, st.AddWatchPair(ctx, "ETH-USDT", true))
	require.Nil(t, st.AddWatchPair(ctx, "DOGE-USDT", false))

	// Half the one-day window is stored for BTC-USDT; nothing for ETH-USDT.
	windowStart := now - 24*hourMs
	require.Nil(t, st.UpsertBatch(ctx, "BTC-USDT", minuteBars(windowStart, 720)))

	reports, err := svc.VerifyCoverage(ctx)
	require.Nil(t, err)
	require.Len(t, reports, 2)

	btc := reports[0]
	require.Equal(t, "BTC-USDT", btc.CoinPair)
	require.Equal(t, windowStart, btc.WindowStart)
	require.Equal(t, now, btc.WindowEnd)
	require.Equal(t, int64(1440), btc.ExpectedBars)
	require.Equal(t, int64(720), btc.ActualBars)
	require.InDelta(t, 0.5, btc.Completeness, 0.001)
	require.NotNil(t, btc.LatestTimestamp)
	require.Equal(t, windowStart+719*common.MinuteMs, *btc.LatestTimestamp)

	eth := reports[1]
	require.Equal(t, "ETH-USDT", eth.CoinPair)
	require.Zero(t, eth.ActualBars)
	require.Zero(t, eth.Completeness)
	require.Nil(t, eth.LatestTimestamp)
}

func TestCacheStatsWithoutCache(t *testing.T) {
	svc, _ := newTestService(t, &fakeExchange{})
	requests, misses := svc.CacheStats()
	require.Zero(t, requests)
	require.Zero(t, misses)
}
