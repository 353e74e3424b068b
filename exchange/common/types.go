package common

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Exchange identifiers, as used in configuration, cache keys and logs.
const (
	BINANCE = "binance"
	KUCOIN  = "kucoin"
	OKX     = "okx"
)

// MinuteMs is the width of the base ingestion interval in milliseconds.
// Every candlestick persisted by this service sits on this grid.
const MinuteMs int64 = 60_000

// CandlestickProvider wraps a single exchange's API for requesting historical
// candlesticks.
type CandlestickProvider interface {
	// RequestCandlesticks requests candlesticks of the given interval for the
	// given market pair, starting at startTimeMs (milliseconds since UTC
	// Epoch, inclusive).
	//
	// Candlesticks are returned in ascending timestamp order, at most
	// PageSize() of them per call. Started-but-unfinished candlesticks are
	// not returned.
	//
	// Errors are always of type CandleReqError.
	RequestCandlesticks(ctx context.Context, pair Pair, startTimeMs int64, interval time.Duration) ([]Candlestick, error)

	// PageSize returns the maximum candlestick count a single request can
	// return on this exchange.
	PageSize() int

	// RateLimitDelay returns how long a paginated walk should wait between
	// consecutive requests to stay under the exchange's rate limits.
	RateLimitDelay() time.Duration

	// Name returns the exchange's identifier, e.g. "okx".
	Name() string
}

// Exchange is a CandlestickProvider with debug logging and retry policy
// control.
type Exchange interface {
	CandlestickProvider
	SetDebug(debug bool)
	SetRetryPolicy(strategy RetryStrategy)
}

// Pair identifies a spot market as a base and a quote asset symbol, e.g.
// BTC-USDT means "how many USDT is 1 BTC worth".
type Pair struct {
	Base  string
	Quote string
}

// ParsePair reads a market pair in either dash ("BTC-USDT") or slash
// ("BTC/USDT") form. Symbols are upper-cased.
func ParsePair(s string) (Pair, error) {
	sep := "-"
	if strings.Contains(s, "/") {
		sep = "/"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("%w: %q must be of the form BASE-QUOTE or BASE/QUOTE", ErrInvalidMarketPair, s)
	}
	return Pair{Base: strings.ToUpper(parts[0]), Quote: strings.ToUpper(parts[1])}, nil
}

// String returns the dash form used for storage and subscriptions, e.g.
// "BTC-USDT".
func (p Pair) String() string {
	return p.Base + "-" + p.Quote
}

// APIForm returns the slash form used on the public query surface, e.g.
// "BTC/USDT".
func (p Pair) APIForm() string {
	return p.Base + "/" + p.Quote
}

// Candlestick is the summary of an asset's price movements over the interval
// that opens at Timestamp.
type Candlestick struct {
	// Timestamp is the number of milliseconds since UTC Epoch at which the
	// candlestick opened. Always a multiple of the interval width.
	Timestamp int64 `json:"timestamp" db:"timestamp"`

	// Open is the first traded price in the interval.
	Open JSONFloat64 `json:"open" db:"open"`

	// High is the highest traded price in the interval.
	High JSONFloat64 `json:"high" db:"high"`

	// Low is the lowest traded price in the interval.
	Low JSONFloat64 `json:"low" db:"low"`

	// Close is the last traded price in the interval.
	Close JSONFloat64 `json:"close" db:"close"`

	// Volume is the amount traded over the interval, in base currency.
	Volume JSONFloat64 `json:"volume" db:"volume"`

	// QuoteVolume is the amount traded over the interval, in quote currency.
	// Exchanges that don't report it get Volume substituted instead.
	QuoteVolume JSONFloat64 `json:"volume_quote" db:"volume_quote"`

	// Confirm is 1 once the interval has closed and the candlestick can no
	// longer change. It never appears on the wire.
	Confirm int `json:"-" db:"confirm"`
}

// IsEmpty returns true when the candlestick is uninitialized.
func (c Candlestick) IsEmpty() bool {
	return c == Candlestick{}
}

// HasValidOHLC returns false when the prices contradict each other, e.g. the
// high is below the low.
func (c Candlestick) HasValidOHLC() bool {
	h, l, o, cl := float64(c.High), float64(c.Low), float64(c.Open), float64(c.Close)
	return h >= l && o >= l && o <= h && cl >= l && cl <= h
}

// CandleReqError is the error type returned by all exchange candlestick
// requests.
type CandleReqError struct {
	// IsNotRetryable is set when the error is permanent, e.g. an invalid
	// market pair, so that retrying the identical request cannot succeed.
	IsNotRetryable bool

	// IsExchangeSide is set when the exchange reported the failure, as
	// opposed to a transport or decoding problem on this side.
	IsExchangeSide bool

	// Code is the HTTP status code, when available.
	Code int

	Err error

	// RetryAfter is the cooldown the exchange asked for on rate limiting.
	RetryAfter time.Duration
}

func (e CandleReqError) Error() string {
	return e.Err.Error()
}

func (e CandleReqError) Unwrap() error {
	return e.Err
}

var (
	// ErrInvalidInterval means: the candlestick interval could not be parsed, or is not in the supported set
	ErrInvalidInterval = errors.New("invalid candlestick interval")

	// ErrUnsupportedCandlestickInterval means: exchange does not support the requested candlestick interval
	ErrUnsupportedCandlestickInterval = errors.New("exchange does not support the requested candlestick interval")

	// ErrExecutingRequest means: there was an error executing the client.Do() http request method
	ErrExecutingRequest = errors.New("error executing client.Do() http request method")

	// ErrBrokenBodyResponse means: exchange returned broken body response
	ErrBrokenBodyResponse = errors.New("exchange returned broken body response")

	// ErrInvalidJSONResponse means: exchange returned invalid JSON response
	ErrInvalidJSONResponse = errors.New("exchange returned invalid JSON response")

	// ErrInvalidMarketPair means: market pair does not exist on exchange
	ErrInvalidMarketPair = errors.New("market pair does not exist on exchange")

	// ErrRateLimit means: exchange asked us to enhance our calm
	ErrRateLimit = errors.New("exchange asked us to enhance our calm")

	// ErrOutOfCandlesticks means: exchange ran out of candlesticks for the requested period
	ErrOutOfCandlesticks = errors.New("exchange ran out of candlesticks for the requested period")
)

// JSONFloat64 exists only so that float64 serialization doesn't use
// scientific notation for large numbers.
type JSONFloat64 float64

func (jf JSONFloat64) MarshalJSON() ([]byte, error) {
	f := float64(jf)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, errors.New("unsupported value")
	}
	bs := []byte(fmt.Sprintf("%.12f", f))
	var i int
	for i = len(bs) - 1; i >= 0; i-- {
		if bs[i] == '0' {
			continue
		}
		if bs[i] == '.' {
			i--
		}
		break
	}
	return bs[:i+1], nil
}
