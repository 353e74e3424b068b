package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/candleproxy/candleproxy/exchange/common"
	"github.com/candleproxy/candleproxy/internal/service"
	"github.com/candleproxy/candleproxy/internal/store"
)

// codeEnvelope is the response shape of the /data endpoints: code 0 on
// success, 1 on failure.
type codeEnvelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type historicalRequest struct {
	Interval string `json:"interval"`
	CoinPair string `json:"coinpair"`
	Limit    int    `json:"limit"`
	Since    *int64 `json:"since"`
}

type historicalResponse struct {
	Success bool                 `json:"success"`
	Data    []common.Candlestick `json:"data"`
	Count   int                  `json:"count"`
	Request historicalRequest    `json:"request"`
	Source  string               `json:"source"`
}

type historicalError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type cacheStats struct {
	Requests int `json:"requests"`
	Misses   int `json:"misses"`
}

type statsPayload struct {
	store.Stats
	Cache cacheStats `json:"cache"`
}

type watchPairItem struct {
	store.WatchPair
	DataCount          int64   `json:"data_count"`
	FirstData          *int64  `json:"first_data"`
	LastData           *int64  `json:"last_data"`
	FirstDataFormatted *string `json:"first_data_formatted"`
	LastDataFormatted  *string `json:"last_data_formatted"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func codeOK(w http.ResponseWriter, message string, data interface{}) {
	writeJSON(w, http.StatusOK, codeEnvelope{Code: 0, Message: message, Data: data})
}

func codeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, codeEnvelope{Code: 1, Message: message})
}

func legacyError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, historicalError{Success: false, Error: message})
}

// statusForError maps request-shaped failures to 400 and everything else to
// 500.
func statusForError(err error) int {
	if errors.Is(err, common.ErrInvalidInterval) || errors.Is(err, common.ErrInvalidMarketPair) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "candleproxy",
		"version": Version,
		"status":  "running",
		"endpoints": map[string]string{
			"historical":  "/candlestick/historical",
			"candles":     "/data/candles",
			"stats":       "/data/stats",
			"integrity":   "/data/integrity",
			"watch_pairs": "/data/watch-pairs",
			"ticker_ws":   "/ws/ticker",
			"health":      "/health",
			"metrics":     "/metrics",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	payload := map[string]interface{}{
		"status":   "healthy",
		"service":  "candleproxy",
		"version":  Version,
		"database": "ok",
	}
	if err := s.store.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		payload["status"] = "unhealthy"
		payload["database"] = err.Error()
	}
	if s.collector != nil {
		payload["watched_pairs"] = len(s.collector.WatchedPairs())
	}
	writeJSON(w, status, payload)
}

// handleHistorical serves GET /candlestick/historical. This is the full read
// path: window planning, coverage check, backfill on gaps, aggregation.
func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	rawInterval := q.Get("interval")
	rawPair := q.Get("coinpair")
	if rawInterval == "" || rawPair == "" {
		legacyError(w, http.StatusBadRequest, "interval and coinpair are required")
		return
	}

	interval, err := common.ParseInterval(rawInterval)
	if err != nil {
		legacyError(w, http.StatusBadRequest,
			fmt.Sprintf("unsupported interval %q, valid intervals: %v", rawInterval, strings.Join(common.SupportedIntervals, ", ")))
		return
	}
	if !strings.Contains(rawPair, "/") {
		legacyError(w, http.StatusBadRequest, "coinpair must use the BASE/QUOTE form, e.g. BTC/USDT")
		return
	}
	pair, err := common.ParsePair(rawPair)
	if err != nil {
		legacyError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := service.DefaultLimit
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > service.MaxLimit {
			legacyError(w, http.StatusBadRequest,
				fmt.Sprintf("limit must be an integer between 1 and %v", service.MaxLimit))
			return
		}
	}

	sinceMs := int64(-1)
	var since *int64
	if raw := q.Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			legacyError(w, http.StatusBadRequest, "since must be a non-negative millisecond timestamp")
			return
		}
		sinceMs = v
		since = &v
	}

	bars, err := s.svc.GetCandles(r.Context(), service.Request{
		Pair:     pair,
		Interval: interval,
		Limit:    limit,
		SinceMs:  sinceMs,
	})
	if err != nil {
		legacyError(w, statusForError(err), err.Error())
		return
	}
	if bars == nil {
		bars = []common.Candlestick{}
	}

	writeJSON(w, http.StatusOK, historicalResponse{
		Success: true,
		Data:    bars,
		Count:   len(bars),
		Request: historicalRequest{
			Interval: rawInterval,
			CoinPair: pair.APIForm(),
			Limit:    limit,
			Since:    since,
		},
		Source: "database",
	})
}

// handleCandles serves GET /data/candles: an aggregated read over what the
// store already holds, with no backfill.
func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	rawPair := q.Get("coin_pair")
	if rawPair == "" {
		codeError(w, http.StatusBadRequest, "coin_pair is required")
		return
	}
	pair, err := common.ParsePair(rawPair)
	if err != nil {
		codeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rawInterval := q.Get("interval")
	if rawInterval == "" {
		rawInterval = "1m"
	}
	interval, err := common.ParseInterval(rawInterval)
	if err != nil {
		codeError(w, http.StatusBadRequest,
			fmt.Sprintf("unsupported interval %q, valid intervals: %v", rawInterval, strings.Join(common.SupportedIntervals, ", ")))
		return
	}

	limit := service.DefaultLimit
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > service.MaxLimit {
			codeError(w, http.StatusBadRequest,
				fmt.Sprintf("limit must be an integer between 1 and %v", service.MaxLimit))
			return
		}
	}

	var bars []common.Candlestick
	startRaw, endRaw := q.Get("start_time"), q.Get("end_time")
	if startRaw != "" || endRaw != "" {
		nowMs := time.Now().UnixMilli()
		startMs := nowMs - 24*60*common.MinuteMs
		endMs := nowMs
		if startRaw != "" {
			startMs, err = strconv.ParseInt(startRaw, 10, 64)
			if err != nil || startMs < 0 {
				codeError(w, http.StatusBadRequest, "start_time must be a non-negative millisecond timestamp")
				return
			}
		}
		if endRaw != "" {
			endMs, err = strconv.ParseInt(endRaw, 10, 64)
			if err != nil || endMs < 0 {
				codeError(w, http.StatusBadRequest, "end_time must be a non-negative millisecond timestamp")
				return
			}
		}
		bars, err = s.agg.Range(r.Context(), pair.String(), interval, startMs, endMs, limit)
	} else {
		bars, err = s.agg.Latest(r.Context(), pair.String(), interval, limit)
	}
	if err != nil {
		codeError(w, statusForError(err), err.Error())
		return
	}
	if bars == nil {
		bars = []common.Candlestick{}
	}

	codeOK(w, "success", map[string]interface{}{
		"coin_pair": pair.String(),
		"interval":  rawInterval,
		"count":     len(bars),
		"candles":   bars,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	pairFilter := ""
	if raw := r.URL.Query().Get("coin_pair"); raw != "" {
		pair, err := common.ParsePair(raw)
		if err != nil {
			codeError(w, http.StatusBadRequest, err.Error())
			return
		}
		pairFilter = pair.String()
	}

	st, err := s.store.Stats(r.Context(), pairFilter)
	if err != nil {
		codeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	requests, misses := s.svc.CacheStats()

	codeOK(w, "success", statsPayload{
		Stats: st,
		Cache: cacheStats{Requests: requests, Misses: misses},
	})
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	reports, err := s.svc.VerifyCoverage(r.Context())
	if err != nil {
		codeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reports == nil {
		reports = []service.CoverageReport{}
	}
	codeOK(w, "success", map[string]interface{}{
		"count":   len(reports),
		"reports": reports,
	})
}

func (s *Server) handleListWatchPairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.store.ListWatchPairs(r.Context(), false)
	if err != nil {
		codeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]watchPairItem, 0, len(pairs))
	for _, wp := range pairs {
		st, err := s.store.Stats(r.Context(), wp.CoinPair)
		if err != nil {
			codeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		items = append(items, watchPairItem{
			WatchPair:          wp,
			DataCount:          st.TotalCount,
			FirstData:          st.MinTimestamp,
			LastData:           st.MaxTimestamp,
			FirstDataFormatted: formatMinute(st.MinTimestamp),
			LastDataFormatted:  formatMinute(st.MaxTimestamp),
		})
	}

	codeOK(w, "success", map[string]interface{}{
		"count": len(items),
		"pairs": items,
	})
}

func (s *Server) handleAddWatchPair(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	rawPair := q.Get("coin_pair")
	if rawPair == "" {
		codeError(w, http.StatusBadRequest, "coin_pair is required")
		return
	}
	pair, err := common.ParsePair(rawPair)
	if err != nil {
		codeError(w, http.StatusBadRequest, err.Error())
		return
	}

	enabled := true
	if raw := q.Get("enabled"); raw != "" {
		enabled, err = strconv.ParseBool(raw)
		if err != nil {
			codeError(w, http.StatusBadRequest, "enabled must be a boolean")
			return
		}
	}

	if err := s.collector.AddPair(r.Context(), pair.String(), enabled); err != nil {
		codeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	codeOK(w, "watch pair added", map[string]interface{}{
		"coin_pair": pair.String(),
		"enabled":   enabled,
	})
}

func (s *Server) handleRemoveWatchPair(w http.ResponseWriter, r *http.Request) {
	rawPair := r.URL.Query().Get("coin_pair")
	if rawPair == "" {
		codeError(w, http.StatusBadRequest, "coin_pair is required")
		return
	}
	pair, err := common.ParsePair(rawPair)
	if err != nil {
		codeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.collector.RemovePair(r.Context(), pair.String()); err != nil {
		codeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	codeOK(w, "watch pair removed", map[string]interface{}{
		"coin_pair": pair.String(),
	})
}

func (s *Server) handleToggleWatchPair(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	rawPair := q.Get("coin_pair")
	if rawPair == "" {
		codeError(w, http.StatusBadRequest, "coin_pair is required")
		return
	}
	pair, err := common.ParsePair(rawPair)
	if err != nil {
		codeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rawEnabled := q.Get("enabled")
	if rawEnabled == "" {
		codeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	enabled, err := strconv.ParseBool(rawEnabled)
	if err != nil {
		codeError(w, http.StatusBadRequest, "enabled must be a boolean")
		return
	}

	if err := s.collector.SetPairEnabled(r.Context(), pair.String(), enabled); err != nil {
		codeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	codeOK(w, "watch pair updated", map[string]interface{}{
		"coin_pair": pair.String(),
		"enabled":   enabled,
	})
}

// handleDeleteCandles removes one local calendar day of bars, optionally for
// a single pair.
func (s *Server) handleDeleteCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	date := q.Get("date")
	if date == "" {
		codeError(w, http.StatusBadRequest, "date is required (YYYY-MM-DD)")
		return
	}
	if _, err := time.ParseInLocation("2006-01-02", date, time.Local); err != nil {
		codeError(w, http.StatusBadRequest, "date must be formatted YYYY-MM-DD")
		return
	}

	pairFilter := ""
	if raw := q.Get("coin_pair"); raw != "" {
		pair, err := common.ParsePair(raw)
		if err != nil {
			codeError(w, http.StatusBadRequest, err.Error())
			return
		}
		pairFilter = pair.String()
	}

	deleted, err := s.store.DeleteOnDay(r.Context(), date, pairFilter)
	if err != nil {
		codeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	codeOK(w, "success", map[string]interface{}{
		"date":      date,
		"coin_pair": pairFilter,
		"deleted":   deleted,
	})
}

func formatMinute(ms *int64) *string {
	if ms == nil {
		return nil
	}
	formatted := time.UnixMilli(*ms).Local().Format("2006-01-02 15:04")
	return &formatted
}
