package binance

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

// Binance spot klines docs:
// https://binance-docs.github.io/apidocs/spot/en/#kline-candlestick-data
const (
	// maxLimit is the largest candlestick count the klines endpoint returns
	// per request.
	maxLimit = 1000

	eRRINVALIDSYMBOL = -1121
)

type errorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e errorResponse) toError() error {
	switch {
	case e.Code == 0 && e.Msg == "":
		return nil
	case e.Code == eRRINVALIDSYMBOL:
		return common.ErrInvalidMarketPair
	default:
		return fmt.Errorf("binance returned error code %v: %v", e.Code, e.Msg)
	}
}

// Klines come as arrays of mixed types:
// [openTime, open, high, low, close, volume, closeTime, quoteAssetVolume,
// trades, takerBuyBaseVolume, takerBuyQuoteVolume, ignore]
// with numbers for the timestamps and strings for everything else.
type binanceCandlestick struct {
	openAt           int64
	closeAt          int64
	openPrice        float64
	highPrice        float64
	lowPrice         float64
	closePrice       float64
	volume           float64
	quoteAssetVolume float64
}

func (c binanceCandlestick) toCandlestick() common.Candlestick {
	return common.Candlestick{
		Timestamp:   c.openAt,
		Open:        common.JSONFloat64(c.openPrice),
		High:        common.JSONFloat64(c.highPrice),
		Low:         common.JSONFloat64(c.lowPrice),
		Close:       common.JSONFloat64(c.closePrice),
		Volume:      common.JSONFloat64(c.volume),
		QuoteVolume: common.JSONFloat64(c.quoteAssetVolume),
		Confirm:     1,
	}
}

func interfaceToFloatRoundInt(i interface{}) (int64, bool) {
	f, ok := i.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func interfaceToStringFloat(i interface{}) (float64, bool) {
	s, ok := i.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (e *Binance) requestCandlesticks(ctx context.Context, pair common.Pair, startTimeMs int64, interval time.Duration) ([]common.Candlestick, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%vklines", e.apiURL), nil)
	if err != nil {
		return nil, common.CandleReqError{IsNotRetryable: false, Err: err}
	}

	q := req.URL.Query()
	q.Add("symbol", pair.Base+pair.Quote)

	switch interval {
	case 1 * time.Minute:
		q.Add("interval", "1m")
	case 3 * time.Minute:
		q.Add("interval", "3m")
	case 5 * time.Minute:
		q.Add("interval", "5m")
	case 15 * time.Minute:
		q.Add("interval", "15m")
	case 30 * time.Minute:
		q.Add("interval", "30m")
	case 1 * time.Hour:
		q.Add("interval", "1h")
	case 2 * time.Hour:
		q.Add("interval", "2h")
	case 4 * time.Hour:
		q.Add("interval", "4h")
	case 6 * time.Hour:
		q.Add("interval", "6h")
	case 8 * time.Hour:
		q.Add("interval", "8h")
	case 12 * time.Hour:
		q.Add("interval", "12h")
	case 24 * time.Hour:
		q.Add("interval", "1d")
	case 3 * 24 * time.Hour:
		q.Add("interval", "3d")
	case 7 * 24 * time.Hour:
		q.Add("interval", "1w")
	default:
		return nil, common.CandleReqError{IsNotRetryable: true, Err: common.ErrUnsupportedCandlestickInterval}
	}

	q.Add("startTime", fmt.Sprintf("%v", startTimeMs))
	q.Add("limit", fmt.Sprintf("%v", maxLimit))

	req.URL.RawQuery = q.Encode()

	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Do(req)
	if err != nil {
		return nil, common.CandleReqError{IsNotRetryable: false, Err: common.ErrExecutingRequest}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		seconds, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return nil, common.CandleReqError{
			IsNotRetryable: false,
			IsExchangeSide: true,
			Code:           resp.StatusCode,
			Err:            common.ErrRateLimit,
			RetryAfter:     time.Duration(seconds) * time.Second,
		}
	}

	byts, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.CandleReqError{IsNotRetryable: false, IsExchangeSide: true, Code: resp.StatusCode, Err: common.ErrBrokenBodyResponse}
	}

	maybeErrorResponse := errorResponse{}
	if err := json.Unmarshal(byts, &maybeErrorResponse); err == nil {
		if wrapped := maybeErrorResponse.toError(); wrapped != nil {
			return nil, common.CandleReqError{
				IsNotRetryable: wrapped == common.ErrInvalidMarketPair,
				IsExchangeSide: true,
				Code:           resp.StatusCode,
				Err:            wrapped,
			}
		}
	}

	rawCandlesticks := [][]interface{}{}
	if err := json.Unmarshal(byts, &rawCandlesticks); err != nil {
		return nil, common.CandleReqError{IsNotRetryable: false, IsExchangeSide: true, Code: resp.StatusCode, Err: common.ErrInvalidJSONResponse}
	}

	if len(rawCandlesticks) == 0 {
		return nil, common.CandleReqError{IsNotRetryable: false, IsExchangeSide: true, Code: resp.StatusCode, Err: common.ErrOutOfCandlesticks}
	}

	nowMs := time.Now().UnixMilli()
	candlesticks := make([]common.Candlestick, 0, len(rawCandlesticks))
	for i, raw := range rawCandlesticks {
		if len(raw) < 8 {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had %v fields! Invalid syntax from Binance", i, len(raw))}
		}
		c := binanceCandlestick{}
		var ok bool
		if c.openAt, ok = interfaceToFloatRoundInt(raw[0]); !ok {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had open time = %v! Invalid syntax from Binance", i, raw[0])}
		}
		if c.openPrice, ok = interfaceToStringFloat(raw[1]); !ok {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had open = %v! Invalid syntax from Binance", i, raw[1])}
		}
		if c.highPrice, ok = interfaceToStringFloat(raw[2]); !ok {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had high = %v! Invalid syntax from Binance", i, raw[2])}
		}
		if c.lowPrice, ok = interfaceToStringFloat(raw[3]); !ok {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had low = %v! Invalid syntax from Binance", i, raw[3])}
		}
		if c.closePrice, ok = interfaceToStringFloat(raw[4]); !ok {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had close = %v! Invalid syntax from Binance", i, raw[4])}
		}
		if c.volume, ok = interfaceToStringFloat(raw[5]); !ok {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had volume = %v! Invalid syntax from Binance", i, raw[5])}
		}
		if c.closeAt, ok = interfaceToFloatRoundInt(raw[6]); !ok {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had close time = %v! Invalid syntax from Binance", i, raw[6])}
		}
		if c.quoteAssetVolume, ok = interfaceToStringFloat(raw[7]); !ok {
			return nil, common.CandleReqError{IsNotRetryable: false, Err: fmt.Errorf("candlestick %v had quote asset volume = %v! Invalid syntax from Binance", i, raw[7])}
		}
		// Unfinished candlesticks are not returned.
		if c.closeAt >= nowMs {
			continue
		}
		candlesticks = append(candlesticks, c.toCandlestick())
	}

	if e.debug {
		log.Info().
			Str("exchange", "Binance").
			Str("market", pair.String()).
			Int("candlestick_count", len(candlesticks)).
			Msg("Candlestick request successful!")
	}

	return candlesticks, nil
}
