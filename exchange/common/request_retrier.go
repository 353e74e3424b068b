package common

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryStrategy is the single policy object governing how candlestick
// requests are retried: how many attempts in total, how long the first
// backoff sleep is, and how the sleep grows between attempts. Exchanges that
// report a rate limit cooldown override the sleep with it.
type RetryStrategy struct {
	Attempts            int
	FirstSleepTime      time.Duration
	SleepTimeMultiplier float64
}

// RequesterWithRetry wraps an exchange's raw candlestick request function
// with the retry policy. Only transient errors are retried: a CandleReqError
// with IsNotRetryable set fails immediately.
type RequesterWithRetry struct {
	request  func(ctx context.Context, pair Pair, startTimeMs int64, interval time.Duration) ([]Candlestick, error)
	Strategy RetryStrategy
	debug    *bool
}

// NewRequesterWithRetry constructs a RequesterWithRetry with the default
// strategy: 4 attempts in total, sleeping 1s, 2s and 4s between them.
func NewRequesterWithRetry(request func(ctx context.Context, pair Pair, startTimeMs int64, interval time.Duration) ([]Candlestick, error), debug *bool) RequesterWithRetry {
	strategy := RetryStrategy{
		Attempts:            4,
		FirstSleepTime:      1 * time.Second,
		SleepTimeMultiplier: 2.0,
	}
	return RequesterWithRetry{request: request, Strategy: strategy, debug: debug}
}

// Request runs the wrapped request, retrying per the strategy. The response
// of the last attempt is returned. Context cancellation cuts the backoff
// sleep short and returns the context's error.
func (r RequesterWithRetry) Request(ctx context.Context, pair Pair, startTimeMs int64, interval time.Duration) ([]Candlestick, error) {
	attempts := r.Strategy.Attempts
	sleepTime := r.Strategy.FirstSleepTime

	var (
		candlesticks []Candlestick
		err          error
	)
	for {
		candlesticks, err = r.request(ctx, pair, startTimeMs, interval)
		if err == nil {
			break
		}
		candleReqError, ok := err.(CandleReqError)
		if !ok || candleReqError.IsNotRetryable {
			break
		}
		if candleReqError.RetryAfter > 0 {
			sleepTime = candleReqError.RetryAfter
		}
		attempts--
		if attempts <= 0 {
			break
		}
		if r.debug != nil && *r.debug {
			log.Info().
				Str("market", pair.String()).
				Dur("sleepTime", sleepTime).
				Int("attemptsLeft", attempts).
				Msgf("Retrying exchange request due to error: %v", err)
		}
		select {
		case <-time.After(sleepTime):
		case <-ctx.Done():
			return candlesticks, ctx.Err()
		}
		sleepTime = time.Duration(float64(sleepTime) * r.Strategy.SleepTimeMultiplier)
	}
	return candlesticks, err
}
