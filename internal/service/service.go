// Package service orchestrates candlestick reads. Every query follows the
// same path: plan the 1m window the request implies, check how completely
// the store covers it, backfill any gap from the exchange, then aggregate
// the stored bars into the requested interval. Queries are always answered
// from the store, never straight from the exchange.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/candleproxy/candleproxy/exchange"
	"github.com/candleproxy/candleproxy/exchange/common"
	"github.com/candleproxy/candleproxy/internal/aggregate"
	"github.com/candleproxy/candleproxy/internal/metrics"
	"github.com/candleproxy/candleproxy/internal/store"
)

const (
	// DefaultLimit applies when a request names no bar count.
	DefaultLimit = 100

	// MaxLimit caps requested bar counts.
	MaxLimit = 1000

	// tailShare is the fraction of the window a missing tail may span for
	// the relaxed completeness threshold to apply.
	tailShare = 0.10

	// chunkSpanMs is the width of one backfill chunk: one day of minutes.
	chunkSpanMs = int64(24) * 60 * common.MinuteMs
)

// Service answers candlestick queries over one exchange and one store.
type Service struct {
	store   *store.Store
	fetcher *exchange.Fetcher
	agg     *aggregate.Aggregator

	completeThreshold float64
	tailThreshold     float64
	retentionDays     int
	timeNow           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithThresholds overrides the completeness thresholds: complete is the
// normal bar-coverage ratio to accept, tail the relaxed one applied when
// only a short tail is missing.
func WithThresholds(complete, tail float64) Option {
	return func(s *Service) {
		if complete > 0 {
			s.completeThreshold = complete
		}
		if tail > 0 {
			s.tailThreshold = tail
		}
	}
}

// WithRetentionDays sets the window size used by coverage verification.
func WithRetentionDays(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.retentionDays = days
		}
	}
}

// WithTimeNow overrides the clock, for testing.
func WithTimeNow(timeNow func() time.Time) Option {
	return func(s *Service) { s.timeNow = timeNow }
}

// New constructs a Service with 0.95/0.80 completeness thresholds and a 30
// day verification window.
func New(st *store.Store, fetcher *exchange.Fetcher, agg *aggregate.Aggregator, options ...Option) *Service {
	s := &Service{
		store:             st,
		fetcher:           fetcher,
		agg:               agg,
		completeThreshold: 0.95,
		tailThreshold:     0.80,
		retentionDays:     30,
		timeNow:           time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Request is one candlestick query.
type Request struct {
	Pair     common.Pair
	Interval time.Duration

	// Limit caps the returned bars. Zero means DefaultLimit.
	Limit int

	// SinceMs is the inclusive window start in milliseconds since UTC Epoch.
	// Negative means absent: the window is derived from Limit instead.
	SinceMs int64
}

func (r Request) effectiveLimit() int {
	limit := r.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return limit
}

// GetCandles answers one query: it ensures the store covers the implied
// window, backfilling from the exchange when it doesn't, and returns the
// window aggregated to the requested interval. Backfill failures degrade the
// answer but never fail it.
func (s *Service) GetCandles(ctx context.Context, req Request) ([]common.Candlestick, error) {
	if !common.IsSupportedInterval(req.Interval) {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidInterval, req.Interval)
	}

	startMs, endMs := s.planWindow(req)
	pair := req.Pair.String()

	complete, err := s.coverage(ctx, pair, startMs, endMs)
	if err != nil {
		return nil, err
	}
	if !complete {
		s.fillGaps(ctx, req.Pair, startMs, endMs)
	}

	return s.agg.Range(ctx, pair, req.Interval, startMs, endMs, req.effectiveLimit())
}

// planWindow derives the 1m window a request implies. An explicit since
// starts there; otherwise the window spans the requested bar count plus one
// extra interval of slack, so that a just-opened interval doesn't eat into
// the count.
func (s *Service) planWindow(req Request) (startMs, endMs int64) {
	endMs = s.timeNow().UnixMilli()
	if req.SinceMs >= 0 {
		return req.SinceMs, endMs
	}
	intervalMs := req.Interval.Milliseconds()
	startMs = endMs - int64(req.effectiveLimit())*intervalMs - intervalMs
	return startMs, endMs
}

// coverage reports whether the store's bars cover enough of [startMs,
// endMs]. Coverage is the ratio of stored to expected 1m bars. When the
// pair's newest bar lies inside the window and the region after it spans at
// most tailShare of the window, only a recent tail can be missing and the
// relaxed threshold applies.
func (s *Service) coverage(ctx context.Context, pair string, startMs, endMs int64) (bool, error) {
	expected := (endMs - startMs) / common.MinuteMs
	if expected <= 0 {
		return true, nil
	}

	actual, err := s.store.Count(ctx, pair, startMs, endMs)
	if err != nil {
		return false, err
	}
	latest, ok, err := s.store.Latest(ctx, pair)
	if err != nil {
		return false, err
	}

	threshold := s.completeThreshold
	if ok && latest.Timestamp >= startMs && latest.Timestamp < endMs {
		tailMs := endMs - latest.Timestamp
		if float64(tailMs) <= tailShare*float64(endMs-startMs) {
			threshold = s.tailThreshold
		}
	}

	ratio := float64(actual) / float64(expected)
	if ratio >= threshold {
		return true, nil
	}
	log.Debug().
		Str("pair", pair).
		Int64("expected", expected).
		Int64("actual", actual).
		Float64("threshold", threshold).
		Msg("Store coverage below threshold")
	return false, nil
}

// fillGaps backfills the window, resuming after the newest stored bar
// instead of re-fetching what's already held. Failures are logged, never
// raised.
func (s *Service) fillGaps(ctx context.Context, pair common.Pair, startMs, endMs int64) {
	resumeMs := startMs
	latest, ok, err := s.store.Latest(ctx, pair.String())
	if err != nil {
		log.Warn().Err(err).Str("pair", pair.String()).Msg("Backfill skipped: latest bar lookup failed")
		return
	}
	if ok && latest.Timestamp+common.MinuteMs > resumeMs {
		resumeMs = latest.Timestamp + common.MinuteMs
	}
	if resumeMs > endMs {
		return
	}
	s.Backfill(ctx, pair, resumeMs, endMs)
}

// Backfill walks [fromMs, toMs] in day-sized chunks, fetching each chunk's
// 1m bars from the exchange (bypassing the response cache) and upserting
// them as confirmed bars. A failed chunk is logged and skipped; the walk
// carries on and never returns an error. Returns how many bars were written
// and how many chunks failed.
func (s *Service) Backfill(ctx context.Context, pair common.Pair, fromMs, toMs int64) (written int64, failedChunks int) {
	chunkStart := fromMs
	for chunkStart <= toMs {
		if ctx.Err() != nil {
			log.Warn().Str("pair", pair.String()).Msg("Backfill stopped: context cancelled")
			return written, failedChunks
		}
		chunkEnd := chunkStart + chunkSpanMs - common.MinuteMs
		if chunkEnd > toMs {
			chunkEnd = toMs
		}

		n, err := s.backfillChunk(ctx, pair, chunkStart, chunkEnd)
		if err != nil {
			failedChunks++
			metrics.BackfillChunkFailures.WithLabelValues(pair.String()).Inc()
			log.Warn().Err(err).
				Str("pair", pair.String()).
				Int64("chunk_start", chunkStart).
				Int64("chunk_end", chunkEnd).
				Msg("Backfill chunk failed, skipping")
		} else {
			written += n
		}

		chunkStart = chunkEnd + common.MinuteMs
	}
	return written, failedChunks
}

func (s *Service) backfillChunk(ctx context.Context, pair common.Pair, chunkStart, chunkEnd int64) (int64, error) {
	bars, err := s.fetcher.FetchRange(ctx, pair, time.Minute, chunkStart, chunkEnd)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, nil
	}

	for i := range bars {
		bars[i].Confirm = 1
		if bars[i].QuoteVolume == 0 && bars[i].Volume != 0 {
			bars[i].QuoteVolume = bars[i].Volume
			metrics.QuoteVolumeSubstituted.Inc()
		}
	}

	if err := s.store.UpsertBatch(ctx, pair.String(), bars); err != nil {
		return 0, err
	}
	metrics.BarsBackfilled.WithLabelValues(pair.String()).Add(float64(len(bars)))

	log.Info().
		Str("pair", pair.String()).
		Int64("chunk_start", chunkStart).
		Int64("chunk_end", chunkEnd).
		Int("bars", len(bars)).
		Msg("Backfill chunk stored")
	return int64(len(bars)), nil
}

// CacheStats returns the exchange response cache's request/miss counters.
func (s *Service) CacheStats() (requests, misses int) {
	return s.fetcher.CacheStats()
}
