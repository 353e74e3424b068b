// Package okx integrates with the OKX crypto exchange: historical
// candlesticks over its v5 REST API and live candlesticks and tickers over
// its v5 websocket channels.
package okx

import (
	"context"
	"sync"
	"time"

	"github.com/candleproxy/candleproxy/exchange/common"
)

// OKX struct enables requesting candlesticks from OKX
type OKX struct {
	apiURL    string
	debug     bool
	lock      sync.Mutex
	requester common.RequesterWithRetry
}

// NewOKX is the constructor for OKX
func NewOKX() *OKX {
	e := &OKX{apiURL: apiURL}

	e.requester = common.NewRequesterWithRetry(
		e.requestCandlesticks,
		&e.debug,
	)

	return e
}

const apiURL = "https://www.okx.com/api/v5/"

// RequestCandlesticks requests candlesticks for the given market pair and
// interval, starting at startTimeMs (milliseconds since UTC Epoch). They are
// returned in ascending order, at most PageSize() per call.
func (e *OKX) RequestCandlesticks(ctx context.Context, pair common.Pair, startTimeMs int64, interval time.Duration) ([]common.Candlestick, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.requester.Request(ctx, pair, startTimeMs, interval)
}

// PageSize returns the candlestick cap of the history-candles endpoint.
func (e *OKX) PageSize() int { return maxLimit }

// RateLimitDelay returns the pause between paginated requests. OKX advertises
// 20 requests per 2 seconds on the history-candles endpoint.
func (e *OKX) RateLimitDelay() time.Duration { return 100 * time.Millisecond }

// Name returns the exchange's identifier.
func (e *OKX) Name() string { return common.OKX }

// SetDebug sets exchange-wide debug logging. It's useful to know how many
// requests are being sent to the exchange and what they return.
func (e *OKX) SetDebug(debug bool) {
	e.debug = debug
}

// SetRetryPolicy overrides how failed candlestick requests are retried.
func (e *OKX) SetRetryPolicy(strategy common.RetryStrategy) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.requester.Strategy = strategy
}
