package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/candleproxy/candleproxy/exchange/common"
)

// OKX v5 market data endpoint docs:
// https://www.okx.com/docs-v5/en/#order-book-trading-market-data-get-candlesticks-history
const (
	// maxLimit is the largest candlestick count the history-candles endpoint
	// returns per request.
	maxLimit = 100
)

type errorResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

type successfulResponse struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

// Candlesticks are returned as arrays of strings:
// [ts, open, high, low, close, vol, volCcy, volCcyQuote, confirm]
// in descending timestamp order, with "confirm" being "0" while the
// candlestick is still forming.
func (e *OKX) requestCandlesticks(ctx context.Context, pair common.Pair, startTimeMs int64, interval time.Duration) ([]common.Candlestick, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%vmarket/history-candles", e.apiURL), nil)
	if err != nil {
		return nil, common.CandleReqError{IsNotRetryable: false, Err: err}
	}

	q := req.URL.Query()
	q.Add("instId", pair.String())

	switch interval {
	case 1 * time.Minute:
		q.Add("bar", "1m")
	case 3 * time.Minute:
		q.Add("bar", "3m")
	case 5 * time.Minute:
		q.Add("bar", "5m")
	case 15 * time.Minute:
		q.Add("bar", "15m")
	case 30 * time.Minute:
		q.Add("bar", "30m")
	case 1 * time.Hour:
		q.Add("bar", "1H")
	case 2 * time.Hour:
		q.Add("bar", "2H")
	case 4 * time.Hour:
		q.Add("bar", "4H")
	case 6 * time.Hour:
		q.Add("bar", "6H")
	case 12 * time.Hour:
		q.Add("bar", "12H")
	case 24 * time.Hour:
		q.Add("bar", "1D")
	case 7 * 24 * time.Hour:
		q.Add("bar", "1W")
	default:
		return nil, common.CandleReqError{IsNotRetryable: true, Err: common.ErrUnsupportedCandlestickInterval}
	}

	// OKX paginates with exclusive bounds: "before" returns records with a
	// newer ts, "after" returns records with an older ts. Bounding both sides
	// yields exactly the window [startTimeMs, startTimeMs + maxLimit*interval).
	q.Add("before", fmt.Sprintf("%v", startTimeMs-1))
	q.Add("after", fmt.Sprintf("%v", startTimeMs+maxLimit*interval.Milliseconds()))
	q.Add("limit", fmt.Sprintf("%v", maxLimit))

	req.URL.RawQuery = q.Encode()

	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Do(req)
	if err != nil {
		return nil, common.CandleReqError{IsNotRetryable: false, Err: common.ErrExecutingRequest}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, common.CandleReqError{IsNotRetryable: false, IsExchangeSide: true, Code: resp.StatusCode, Err: common.ErrRateLimit}
	}

	byts, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.CandleReqError{IsNotRetryable: false, IsExchangeSide: true, Code: resp.StatusCode, Err: common.ErrBrokenBodyResponse}
	}

	maybeErrorResponse := errorResponse{}
	err = json.Unmarshal(byts, &maybeErrorResponse)
	if err == nil && maybeErrorResponse.Code != "" && maybeErrorResponse.Code != "0" {
		if maybeErrorResponse.Code == "51001" || strings.Contains(maybeErrorResponse.Msg, "Instrument ID does not exist") {
			return nil, common.CandleReqError{IsNotRetryable: true, IsExchangeSide: true, Code: resp.StatusCode, Err: common.ErrInvalidMarketPair}
		}
		return nil, common.CandleReqError{IsNotRetryable: false, IsExchangeSide: true, Code: resp.StatusCode, Err: fmt.Errorf("OKX returned error code %v: %v", maybeErrorResponse.Code, maybeErrorResponse.Msg)}
	}

	response := successfulResponse{}
	err = json.Unmarshal(byts, &response)
	if err != nil {
		return nil, common.CandleReqError{IsNotRetryable: false, IsExchangeSide: true, Code: resp.StatusCode, Err: common.ErrInvalidJSONResponse}
	}

	if len(response.Data) == 0 {
		return nil, common.CandleReqError{IsNotRetryable: false, IsExchangeSide: true, Code: resp.StatusCode, Err: common.ErrOutOfCandlesticks}
	}

	candlesticks := make([]common.Candlestick, 0, len(response.Data))
	for i, raw := range response.Data {
		if len(raw) < 6 {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had %v fields! Invalid syntax from OKX", i, len(raw))}
		}
		ts, err := strconv.ParseInt(raw[0], 10, 64)
		if err != nil {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had timestamp = %v! Invalid syntax from OKX", i, raw[0])}
		}
		open, err := strconv.ParseFloat(raw[1], 64)
		if err != nil {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had open = %v! Invalid syntax from OKX", i, raw[1])}
		}
		high, err := strconv.ParseFloat(raw[2], 64)
		if err != nil {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had high = %v! Invalid syntax from OKX", i, raw[2])}
		}
		low, err := strconv.ParseFloat(raw[3], 64)
		if err != nil {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had low = %v! Invalid syntax from OKX", i, raw[3])}
		}
		clos, err := strconv.ParseFloat(raw[4], 64)
		if err != nil {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had close = %v! Invalid syntax from OKX", i, raw[4])}
		}
		volume, err := strconv.ParseFloat(raw[5], 64)
		if err != nil {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had volume = %v! Invalid syntax from OKX", i, raw[5])}
		}
		quoteVolume := volume
		if len(raw) > 7 {
			quoteVolume, err = strconv.ParseFloat(raw[7], 64)
			if err != nil {
				return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had quote volume = %v! Invalid syntax from OKX", i, raw[7])}
			}
		}
		// Unfinished candlesticks are not returned.
		if len(raw) > 8 && raw[8] == "0" {
			continue
		}

		candlesticks = append(candlesticks, common.Candlestick{
			Timestamp:   ts,
			Open:        common.JSONFloat64(open),
			High:        common.JSONFloat64(high),
			Low:         common.JSONFloat64(low),
			Close:       common.JSONFloat64(clos),
			Volume:      common.JSONFloat64(volume),
			QuoteVolume: common.JSONFloat64(quoteVolume),
			Confirm:     1,
		})
	}

	// OKX returns candlesticks in descending order.
	for i, j := 0, len(candlesticks)-1; i < j; i, j = i+1, j-1 {
		candlesticks[i], candlesticks[j] = candlesticks[j], candlesticks[i]
	}

	if e.debug {
		log.Info().
			Str("exchange", "OKX").
			Str("market", pair.String()).
			Int("candlestick_count", len(candlesticks)).
			Msg("Candlestick request successful!")
	}

	return candlesticks, nil
}
