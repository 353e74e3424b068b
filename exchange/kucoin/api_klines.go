package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/candleproxy/candleproxy/exchange/common"
)

// KuCoin klines docs:
// https://www.kucoin.com/docs/rest/spot-trading/market-data/get-klines
const (
	// maxLimit is the largest candlestick count the market candles endpoint
	// returns per request.
	maxLimit = 1500

	// rateLimitCooldown is used when KuCoin rate-limits us, since it does not
	// send a Retry-After header.
	rateLimitCooldown = 11 * time.Second
)

type response struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

// Candlesticks are returned as arrays of strings:
// [time, open, close, high, low, volume, turnover]
// with "time" in SECONDS since UTC Epoch, in descending timestamp order.
// Note the unusual open/close/high/low field order.
func (e *KuCoin) requestCandlesticks(ctx context.Context, pair common.Pair, startTimeMs int64, interval time.Duration) ([]common.Candlestick, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%vmarket/candles", e.apiURL), nil)
	if err != nil {
		return nil, common.CandleReqError{IsNotRetryable: false, Err: err}
	}

	q := req.URL.Query()
	q.Add("symbol", pair.String())

	switch interval {
	case 1 * time.Minute:
		q.Add("type", "1min")
	case 3 * time.Minute:
		q.Add("type", "3min")
	case 5 * time.Minute:
		q.Add("type", "5min")
	case 15 * time.Minute:
		q.Add("type", "15min")
	case 30 * time.Minute:
		q.Add("type", "30min")
	case 1 * time.Hour:
		q.Add("type", "1hour")
	case 2 * time.Hour:
		q.Add("type", "2hour")
	case 4 * time.Hour:
		q.Add("type", "4hour")
	case 6 * time.Hour:
		q.Add("type", "6hour")
	case 8 * time.Hour:
		q.Add("type", "8hour")
	case 12 * time.Hour:
		q.Add("type", "12hour")
	case 24 * time.Hour:
		q.Add("type", "1day")
	case 7 * 24 * time.Hour:
		q.Add("type", "1week")
	default:
		return nil, common.CandleReqError{IsNotRetryable: true, Err: common.ErrUnsupportedCandlestickInterval}
	}

	intervalSeconds := int64(interval / time.Second)
	startAt := startTimeMs / 1000
	q.Add("startAt", fmt.Sprintf("%v", startAt))
	q.Add("endAt", fmt.Sprintf("%v", startAt+maxLimit*intervalSeconds))

	req.URL.RawQuery = q.Encode()

	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Do(req)
	if err != nil {
		return nil, common.CandleReqError{IsNotRetryable: false, Err: common.ErrExecutingRequest}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, common.CandleReqError{
			IsNotRetryable: false,
			IsExchangeSide: true,
			Code:           resp.StatusCode,
			Err:            common.ErrRateLimit,
			RetryAfter:     rateLimitCooldown,
		}
	}

	byts, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.CandleReqError{IsNotRetryable: false, IsExchangeSide: true, Code: resp.StatusCode, Err: common.ErrBrokenBodyResponse}
	}

	r := response{}
	if err := json.Unmarshal(byts, &r); err != nil {
		return nil, common.CandleReqError{IsNotRetryable: false, IsExchangeSide: true, Code: resp.StatusCode, Err: common.ErrInvalidJSONResponse}
	}

	if r.Code != "200000" {
		if r.Code == "400100" {
			return nil, common.CandleReqError{IsNotRetryable: true, IsExchangeSide: true, Code: resp.StatusCode, Err: common.ErrInvalidMarketPair}
		}
		return nil, common.CandleReqError{IsNotRetryable: false, IsExchangeSide: true, Code: resp.StatusCode, Err: fmt.Errorf("KuCoin returned error code %v: %v", r.Code, r.Msg)}
	}

	if len(r.Data) == 0 {
		return nil, common.CandleReqError{IsNotRetryable: false, IsExchangeSide: true, Code: resp.StatusCode, Err: common.ErrOutOfCandlesticks}
	}

	nowSec := time.Now().Unix()
	candlesticks := make([]common.Candlestick, 0, len(r.Data))
	for i, raw := range r.Data {
		if len(raw) < 7 {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had %v fields! Invalid syntax from KuCoin", i, len(raw))}
		}
		ts, err := strconv.ParseInt(raw[0], 10, 64)
		if err != nil {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had time = %v! Invalid syntax from KuCoin", i, raw[0])}
		}
		open, err := strconv.ParseFloat(raw[1], 64)
		if err != nil {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had open = %v! Invalid syntax from KuCoin", i, raw[1])}
		}
		clos, err := strconv.ParseFloat(raw[2], 64)
		if err != nil {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had close = %v! Invalid syntax from KuCoin", i, raw[2])}
		}
		high, err := strconv.ParseFloat(raw[3], 64)
		if err != nil {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had high = %v! Invalid syntax from KuCoin", i, raw[3])}
		}
		low, err := strconv.ParseFloat(raw[4], 64)
		if err != nil {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had low = %v! Invalid syntax from KuCoin", i, raw[4])}
		}
		volume, err := strconv.ParseFloat(raw[5], 64)
		if err != nil {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had volume = %v! Invalid syntax from KuCoin", i, raw[5])}
		}
		turnover, err := strconv.ParseFloat(raw[6], 64)
		if err != nil {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had turnover = %v! Invalid syntax from KuCoin", i, raw[6])}
		}
		// Unfinished candlesticks are not returned.
		if ts+intervalSeconds > nowSec {
			continue
		}

		candlesticks = append(candlesticks, common.Candlestick{
			Timestamp:   ts * 1000,
			Open:        common.JSONFloat64(open),
			High:        common.JSONFloat64(high),
			Low:         common.JSONFloat64(low),
			Close:       common.JSONFloat64(clos),
			Volume:      common.JSONFloat64(volume),
			QuoteVolume: common.JSONFloat64(turnover),
			Confirm:     1,
		})
	}

	// KuCoin returns candlesticks in descending order.
	for i, j := 0, len(candlesticks)-1; i < j; i, j = i+1, j-1 {
		candlesticks[i], candlesticks[j] = candlesticks[j], candlesticks[i]
	}

	if e.debug {
		log.Info().
			Str("exchange", "KuCoin").
			Str("market", pair.String()).
			Int("candlestick_count", len(candlesticks)).
			Msg("Candlestick request successful!")
	}

	return candlesticks, nil
}
