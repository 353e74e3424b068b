// Package kucoin integrates with the KuCoin crypto exchange's market candles
// API for historical candlesticks.
package kucoin

import (
	"context"
	"sync"
	"time"

	"github.com/candleproxy/candleproxy/exchange/common"
)

// KuCoin struct enables requesting candlesticks from KuCoin
type KuCoin struct {
	apiURL    string
	debug     bool
	lock      sync.Mutex
	requester common.RequesterWithRetry
}

// NewKuCoin is the constructor for KuCoin
func NewKuCoin() *KuCoin {
	e := &KuCoin{apiURL: apiURL}

	e.requester = common.NewRequesterWithRetry(
		e.requestCandlesticks,
		&e.debug,
	)

	return e
}

const apiURL = "https://api.kucoin.com/api/v1/"

// RequestCandlesticks requests candlesticks for the given market pair and
// interval, starting at startTimeMs (milliseconds since UTC Epoch). They are
// returned in ascending order, at most PageSize() per call.
func (e *KuCoin) RequestCandlesticks(ctx context.Context, pair common.Pair, startTimeMs int64, interval time.Duration) ([]common.Candlestick, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.requester.Request(ctx, pair, startTimeMs, interval)
}

// PageSize returns the candlestick cap of the market candles endpoint.
func (e *KuCoin) PageSize() int { return maxLimit }

// RateLimitDelay returns the pause between paginated requests.
func (e *KuCoin) RateLimitDelay() time.Duration { return 100 * time.Millisecond }

// Name returns the exchange's identifier.
func (e *KuCoin) Name() string { return common.KUCOIN }

// SetDebug sets exchange-wide debug logging. It's useful to know how many
// requests are being sent to the exchange and what they return.
func (e *KuCoin) SetDebug(debug bool) {
	e.debug = debug
}

// SetRetryPolicy overrides how failed candlestick requests are retried.
func (e *KuCoin) SetRetryPolicy(strategy common.RetryStrategy) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.requester.Strategy = strategy
}
