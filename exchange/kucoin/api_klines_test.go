package kucoin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/candleproxy/candleproxy/exchange/common"
)

var pairBTCUSDT = common.Pair{Base: "BTC", Quote: "USDT"}

func f(v float64) common.JSONFloat64 {
	return common.JSONFloat64(v)
}

func TestHappyToCandlesticks(t *testing.T) {
	// Real KuCoin response format: [time(sec), open, close, high, low,
	// volume, turnover], newest first. Note the unusual field order.
	testResponse := `{
		"code": "200000",
		"data": [
			["1566789780", "10411.5", "10401.9", "10411.5", "10396.3", "29.11", "302889.30"],
			["1566789720", "10416.4", "10411.5", "10416.4", "10405.4", "10.58", "110110.32"]
		]
	}`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/market/candles", r.URL.Path)
		require.Equal(t, "BTC-USDT", r.URL.Query().Get("symbol"))
		require.Equal(t, "1min", r.URL.Query().Get("type"))
		require.Equal(t, "1566789720", r.URL.Query().Get("startAt"))
		fmt.Fprintln(w, testResponse)
	}))
	defer ts.Close()

	k := NewKuCoin()
	k.SetDebug(true)
	k.requester.Strategy = common.RetryStrategy{Attempts: 1}
	k.apiURL = ts.URL + "/api/v1/"

	expected := []common.Candlestick{
		{
			// Oldest first (reversed from API response), time scaled to ms.
			Timestamp:   1566789720000,
			Open:        f(10416.4),
			High:        f(10416.4),
			Low:         f(10405.4),
			Close:       f(10411.5),
			Volume:      f(10.58),
			QuoteVolume: f(110110.32),
			Confirm:     1,
		},
		{
			Timestamp:   1566789780000,
			Open:        f(10411.5),
			High:        f(10411.5),
			Low:         f(10396.3),
			Close:       f(10401.9),
			Volume:      f(29.11),
			QuoteVolume: f(302889.30),
			Confirm:     1,
		},
	}

	actual, err := k.RequestCandlesticks(context.Background(), pairBTCUSDT, 1566789720000, time.Minute)
	require.Nil(t, err)
	require.Equal(t, expected, actual)
}

func TestRequestWindowParameters(t *testing.T) {
	testResponse := `{
		"code": "200000",
		"data": [
			["1566789720", "10416.4", "10411.5", "10416.4", "10405.4", "10.58", "110110.32"]
		]
	}`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// startAt is the window start floored to seconds; endAt spans
		// maxLimit intervals past it.
		require.Equal(t, "1566789720", r.URL.Query().Get("startAt"))
		require.Equal(t, "1566879720", r.URL.Query().Get("endAt"))
		fmt.Fprintln(w, testResponse)
	}))
	defer ts.Close()

	k := NewKuCoin()
	k.requester.Strategy = common.RetryStrategy{Attempts: 1}
	k.apiURL = ts.URL + "/api/v1/"

	_, err := k.RequestCandlesticks(context.Background(), pairBTCUSDT, 1566789720000, time.Minute)
	require.Nil(t, err)
}

func TestOutOfCandlesticks(t *testing.T) {
	testResponse := `{
		"code": "200000",
		"data": []
	}`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, testResponse)
	}))
	defer ts.Close()

	k := NewKuCoin()
	k.requester.Strategy = common.RetryStrategy{Attempts: 1}
	k.apiURL = ts.URL + "/api/v1/"

	_, err := k.RequestCandlesticks(context.Background(), pairBTCUSDT, 1566789720000, time.Minute)
	require.Error(t, err)
	require.ErrorIs(t, err.(common.CandleReqError).Err, common.ErrOutOfCandlesticks)
}

func TestErrUnsupportedCandlestickInterval(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"code": "200000", "data": []}`)
	}))
	defer ts.Close()

	k := NewKuCoin()
	k.requester.Strategy = common.RetryStrategy{Attempts: 1}
	k.apiURL = ts.URL + "/api/v1/"

	_, err := k.RequestCandlesticks(context.Background(), pairBTCUSDT, 1566789720000, 160*time.Minute)
	require.Error(t, err)
	require.ErrorIs(t, err.(common.CandleReqError).Err, common.ErrUnsupportedCandlestickInterval)
	require.True(t, err.(common.CandleReqError).IsNotRetryable)
}

func TestErrInvalidMarketPair(t *testing.T) {
	testResponse := `{
		"code": "400100",
		"msg": "This pair is not provided at present."
	}`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, testResponse)
	}))
	defer ts.Close()

	k := NewKuCoin()
	k.requester.Strategy = common.RetryStrategy{Attempts: 1}
	k.apiURL = ts.URL + "/api/v1/"

	_, err := k.RequestCandlesticks(context.Background(), pairBTCUSDT, 1566789720000, time.Minute)
	require.Error(t, err)
	require.ErrorIs(t, err.(common.CandleReqError).Err, common.ErrInvalidMarketPair)
	require.True(t, err.(common.CandleReqError).IsNotRetryable)
}

func TestErrTooManyRequestsUsesCooldown(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"code": "429000", "msg": "Too Many Requests"}`)
	}))
	defer ts.Close()

	k := NewKuCoin()
	k.requester.Strategy = common.RetryStrategy{Attempts: 1}
	k.apiURL = ts.URL + "/api/v1/"

	_, err := k.RequestCandlesticks(context.Background(), pairBTCUSDT, 1566789720000, time.Minute)
	require.Error(t, err)
	require.ErrorIs(t, err.(common.CandleReqError).Err, common.ErrRateLimit)
	require.Equal(t, rateLimitCooldown, err.(common.CandleReqError).RetryAfter)
}

func TestErrInvalidJSONResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `not json`)
	}))
	defer ts.Close()

	k := NewKuCoin()
	k.requester.Strategy = common.RetryStrategy{Attempts: 1}
	k.apiURL = ts.URL + "/api/v1/"

	_, err := k.RequestCandlesticks(context.Background(), pairBTCUSDT, 1566789720000, time.Minute)
	require.Error(t, err)
	require.ErrorIs(t, err.(common.CandleReqError).Err, common.ErrInvalidJSONResponse)
}

func TestErrInvalidCandlestickFormat(t *testing.T) {
	testResponse := `{
		"code": "200000",
		"data": [
			["1566789720", "10416.4", "10411.5"]
		]
	}`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, testResponse)
	}))
	defer ts.Close()

	k := NewKuCoin()
	k.requester.Strategy = common.RetryStrategy{Attempts: 1}
	k.apiURL = ts.URL + "/api/v1/"

	_, err := k.RequestCandlesticks(context.Background(), pairBTCUSDT, 1566789720000, time.Minute)
	require.Error(t, err)
	require.Contains(t, err.Error(), "had 3 fields")
}

func TestErrorCodeIsSurfaced(t *testing.T) {
	testResponse := `{
		"code": "500000",
		"msg": "Internal Server Error"
	}`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, testResponse)
	}))
	defer ts.Close()

	k := NewKuCoin()
	k.requester.Strategy = common.RetryStrategy{Attempts: 1}
	k.apiURL = ts.URL + "/api/v1/"

	_, err := k.RequestCandlesticks(context.Background(), pairBTCUSDT, 1566789720000, time.Minute)
	require.Error(t, err)
	require.Contains(t, err.Error(), "KuCoin returned error code 500000")
}

func TestErrInvalidPriceFormat(t *testing.T) {
	testResponse := `{
		"code": "200000",
		"data": [
			["1566789720", "INVALID", "10411.5", "10416.4", "10405.4", "10.58", "110110.32"]
		]
	}`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, testResponse)
	}))
	defer ts.Close()

	k := NewKuCoin()
	k.requester.Strategy = common.RetryStrategy{Attempts: 1}
	k.apiURL = ts.URL + "/api/v1/"

	_, err := k.RequestCandlesticks(context.Background(), pairBTCUSDT, 1566789720000, time.Minute)
	require.Error(t, err)
	require.Contains(t, err.Error(), "had open =")
}

func TestAllSupportedIntervals(t *testing.T) {
	testResponse := `{
		"code": "200000",
		"data": [
			["1566789720", "10416.4", "10411.5", "10416.4", "10405.4", "10.58", "110110.32"]
		]
	}`

	supportedIntervals := []struct {
		name     string
		interval time.Duration
		expected string
	}{
		{"1min", 1 * time.Minute, "1min"},
		{"3min", 3 * time.Minute, "3min"},
		{"5min", 5 * time.Minute, "5min"},
		{"15min", 15 * time.Minute, "15min"},
		{"30min", 30 * time.Minute, "30min"},
		{"1hour", 1 * time.Hour, "1hour"},
		{"2hour", 2 * time.Hour, "2hour"},
		{"4hour", 4 * time.Hour, "4hour"},
		{"6hour", 6 * time.Hour, "6hour"},
		{"8hour", 8 * time.Hour, "8hour"},
		{"12hour", 12 * time.Hour, "12hour"},
		{"1day", 24 * time.Hour, "1day"},
		{"1week", 7 * 24 * time.Hour, "1week"},
	}

	for _, tc := range supportedIntervals {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, tc.expected, r.URL.Query().Get("type"))
				fmt.Fprintln(w, testResponse)
			}))
			defer ts.Close()

			k := NewKuCoin()
			k.requester.Strategy = common.RetryStrategy{Attempts: 1}
			k.apiURL = ts.URL + "/api/v1/"

			_, err := k.RequestCandlesticks(context.Background(), pairBTCUSDT, 1566789720000, tc.interval)
			require.Nil(t, err, "Interval %s should be supported", tc.name)
		})
	}
}
