package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestRetrierWorksFirstTime(t *testing.T) {
	var (
		candlestick1       = Candlestick{Timestamp: 60000, Open: 2, High: 5, Low: 1, Close: 3}
		candlestick2       = Candlestick{Timestamp: 120000, Open: 7, High: 10, Low: 6, Close: 8}
		sampleCandlesticks = []Candlestick{candlestick1, candlestick2}
		fn, callCount      = testFn([]response{{candlesticks: sampleCandlesticks, err: nil}})
		requester          = NewRequesterWithRetry(fn, pBool(true))
	)
	requester.Strategy = RetryStrategy{Attempts: 3, FirstSleepTime: 1 * time.Millisecond, SleepTimeMultiplier: 1}

	candlesticks, err := requester.Request(context.Background(), Pair{Base: "BTC", Quote: "USDT"}, 0, time.Minute)

	require.Equal(t, sampleCandlesticks, candlesticks)
	require.Equal(t, nil, err)
	require.Equal(t, 1, *callCount)
}

func TestRequestRetrierWorksSecondTime(t *testing.T) {
	var (
		sampleCandlesticks = []Candlestick{{Timestamp: 60000, Open: 2, High: 5, Low: 1, Close: 3}}
		call1              = response{candlesticks: nil, err: CandleReqError{IsNotRetryable: false, Err: ErrRateLimit}}
		call2              = response{candlesticks: sampleCandlesticks, err: nil}
		fn, callCount      = testFn([]response{call1, call2})
		requester          = NewRequesterWithRetry(fn, pBool(true))
	)
	requester.Strategy = RetryStrategy{Attempts: 3, FirstSleepTime: 1 * time.Millisecond, SleepTimeMultiplier: 1}

	candlesticks, err := requester.Request(context.Background(), Pair{Base: "BTC", Quote: "USDT"}, 0, time.Minute)

	require.Equal(t, sampleCandlesticks, candlesticks)
	require.Equal(t, nil, err)
	require.Equal(t, 2, *callCount)
}

func TestRequestRetrierDoesNotRetryBecauseUnretryable(t *testing.T) {
	var (
		errInvalidMarketPair = CandleReqError{IsNotRetryable: true, Err: ErrInvalidMarketPair}
		fn, callCount        = testFn([]response{{candlesticks: nil, err: errInvalidMarketPair}})
		requester            = NewRequesterWithRetry(fn, pBool(true))
	)
	requester.Strategy = RetryStrategy{Attempts: 3, FirstSleepTime: 1 * time.Millisecond, SleepTimeMultiplier: 1}

	candlesticks, err := requester.Request(context.Background(), Pair{Base: "BTC", Quote: "USDT"}, 0, time.Minute)

	require.Nil(t, candlesticks)
	require.Equal(t, errInvalidMarketPair, err)
	require.Equal(t, 1, *callCount)
}

func TestRequestRetrierWorksThirdTime(t *testing.T) {
	var (
		sampleCandlesticks = []Candlestick{{Timestamp: 60000, Open: 2, High: 5, Low: 1, Close: 3}}
		call1              = response{candlesticks: nil, err: CandleReqError{IsNotRetryable: false, Err: ErrRateLimit, RetryAfter: 1 * time.Millisecond}}
		call2              = response{candlesticks: nil, err: CandleReqError{IsNotRetryable: false, Err: ErrRateLimit}}
		call3              = response{candlesticks: sampleCandlesticks, err: nil}
		fn, callCount      = testFn([]response{call1, call2, call3})
		requester          = NewRequesterWithRetry(fn, pBool(true))
	)
	requester.Strategy = RetryStrategy{Attempts: 3, FirstSleepTime: 1 * time.Millisecond, SleepTimeMultiplier: 1}

	candlesticks, err := requester.Request(context.Background(), Pair{Base: "BTC", Quote: "USDT"}, 0, time.Minute)

	require.Equal(t, sampleCandlesticks, candlesticks)
	require.Equal(t, nil, err)
	require.Equal(t, 3, *callCount)
}

func TestRequestRetrierGivesUpAtThirdAttempt(t *testing.T) {
	var (
		errRateLimit  = CandleReqError{IsNotRetryable: false, Err: ErrRateLimit}
		fn, callCount = testFn([]response{
			{candlesticks: nil, err: errRateLimit},
			{candlesticks: nil, err: errRateLimit},
			{candlesticks: nil, err: errRateLimit},
		})
		requester = NewRequesterWithRetry(fn, pBool(true))
	)
	requester.Strategy = RetryStrategy{Attempts: 3, FirstSleepTime: 1 * time.Millisecond, SleepTimeMultiplier: 1}

	candlesticks, err := requester.Request(context.Background(), Pair{Base: "BTC", Quote: "USDT"}, 0, time.Minute)

	require.Nil(t, candlesticks)
	require.Equal(t, errRateLimit, err)
	require.Equal(t, 3, *callCount)
}

func TestRequestRetrierDefaultStrategy(t *testing.T) {
	fn, _ := testFn([]response{{candlesticks: nil, err: nil}})
	requester := NewRequesterWithRetry(fn, pBool(false))

	// 4 attempts in total means the request is retried up to 3 times.
	require.Equal(t, 4, requester.Strategy.Attempts)
	require.Equal(t, 1*time.Second, requester.Strategy.FirstSleepTime)
	require.Equal(t, 2.0, requester.Strategy.SleepTimeMultiplier)
}

func TestRequestRetrierContextCancelledDuringBackoff(t *testing.T) {
	var (
		errRateLimit  = CandleReqError{IsNotRetryable: false, Err: ErrRateLimit}
		fn, callCount = testFn([]response{{candlesticks: nil, err: errRateLimit}})
		requester     = NewRequesterWithRetry(fn, pBool(false))
	)
	requester.Strategy = RetryStrategy{Attempts: 3, FirstSleepTime: 1 * time.Hour, SleepTimeMultiplier: 1}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := requester.Request(ctx, Pair{Base: "BTC", Quote: "USDT"}, 0, time.Minute)

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, *callCount)
}

func pBool(b bool) *bool { return &b }

type response struct {
	candlesticks []Candlestick
	err          error
}

func testFn(responses []response) (func(ctx context.Context, pair Pair, startTimeMs int64, interval time.Duration) ([]Candlestick, error), *int) {
	callCount := 0
	fn := func(ctx context.Context, pair Pair, startTimeMs int64, interval time.Duration) ([]Candlestick, error) {
		res := responses[callCount%len(responses)]
		callCount++
		return res.candlesticks, res.err
	}
	return fn, &callCount
}
