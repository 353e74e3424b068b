// Package retention prunes bars that have aged out of the retention window,
// once a day at a configured local wall-clock time.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/candleproxy/candleproxy/exchange/common"
	"github.com/candleproxy/candleproxy/internal/metrics"
	"github.com/candleproxy/candleproxy/internal/store"
)

// Scheduler fires a retention cleanup every day at hour:minute local time,
// deleting bars older than the retention window.
type Scheduler struct {
	store        *store.Store
	days         int
	hour, minute int
	timeNow      func() time.Time
}

// New constructs a Scheduler keeping days of data and firing at hour:minute.
// Non-positive days fall back to 30.
func New(st *store.Store, days, hour, minute int) *Scheduler {
	if days <= 0 {
		days = 30
	}
	return &Scheduler{
		store:   st,
		days:    days,
		hour:    hour,
		minute:  minute,
		timeNow: time.Now,
	}
}

// Run fires the cleanup on schedule until the context is cancelled. A
// cleanup failure is logged and the next run is scheduled regardless. A run
// already in progress is never cut short: cancellation is only observed
// between runs, so callers that wait for Run to return get the in-flight
// delete completed.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := s.nextRun(s.timeNow())
		timer := time.NewTimer(next.Sub(s.timeNow()))
		log.Info().Time("next_run", next).Int("retention_days", s.days).Msg("Retention: cleanup scheduled")

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		deleted, err := s.RunOnce(context.Background())
		if err != nil {
			metrics.RetentionRuns.WithLabelValues("failure").Inc()
			log.Error().Err(err).Msg("Retention: cleanup failed")
			continue
		}
		metrics.RetentionRuns.WithLabelValues("success").Inc()
		metrics.RetentionDeletedBars.Add(float64(deleted))
		log.Info().Int64("deleted", deleted).Msg("Retention: cleanup done")
	}
}

// RunOnce deletes everything older than the retention window right now and
// returns how many bars went.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoffMs := s.timeNow().UnixMilli() - int64(s.days)*24*60*common.MinuteMs
	return s.store.DeleteOlderThan(ctx, cutoffMs)
}

// nextRun returns the next hour:minute wall-clock firing strictly after now.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
