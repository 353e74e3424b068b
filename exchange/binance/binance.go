// Package binance integrates with the Binance crypto exchange's spot klines
// API for historical candlesticks.
package binance

import (
	"context"
	"sync"
	"time"

	"github.com/candleproxy/candleproxy/exchange/common"
)

// Binance struct enables requesting candlesticks from Binance
type Binance struct {
	apiURL    string
	debug     bool
	lock      sync.Mutex
	requester common.RequesterWithRetry
}

// NewBinance is the constructor for Binance
func NewBinance() *Binance {
	e := &Binance{apiURL: apiURL}

	e.requester = common.NewRequesterWithRetry(
		e.requestCandlesticks,
		&e.debug,
	)

	return e
}

const apiURL = "https://api.binance.com/api/v3/"

// RequestCandlesticks requests candlesticks for the given market pair and
// interval, starting at startTimeMs (milliseconds since UTC Epoch). They are
// returned in ascending order, at most PageSize() per call.
func (e *Binance) RequestCandlesticks(ctx context.Context, pair common.Pair, startTimeMs int64, interval time.Duration) ([]common.Candlestick, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.requester.Request(ctx, pair, startTimeMs, interval)
}

// PageSize returns the candlestick cap of the klines endpoint.
func (e *Binance) PageSize() int { return maxLimit }

// RateLimitDelay returns the pause between paginated requests.
func (e *Binance) RateLimitDelay() time.Duration { return 50 * time.Millisecond }

// Name returns the exchange's identifier.
func (e *Binance) Name() string { return common.BINANCE }

// SetDebug sets exchange-wide debug logging. It's useful to know how many
// requests are being sent to the exchange and what they return.
func (e *Binance) SetDebug(debug bool) {
	e.debug = debug
}

// SetRetryPolicy overrides how failed candlestick requests are retried.
func (e *Binance) SetRetryPolicy(strategy common.RetryStrategy) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.requester.Strategy = strategy
}
