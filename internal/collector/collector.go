// Package collector keeps a live 1m candle subscription for every watched
// pair and writes the confirmed bars those subscriptions push into the
// store. Still-forming bars are dropped; a bar is only persisted once the
// exchange closes it.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/candleproxy/candleproxy/exchange/okx"
	"github.com/candleproxy/candleproxy/internal/metrics"
	"github.com/candleproxy/candleproxy/internal/store"
)

// Stream is the candle subscription surface the collector drives. Register
// is the pre-connection path; Subscribe and Unsubscribe act on the live
// connection and keep the re-subscription registry in step.
type Stream interface {
	Register(kind okx.ChannelKind, instID string, h okx.StreamHandler)
	Subscribe(kind okx.ChannelKind, instID string, h okx.StreamHandler) error
	Unsubscribe(kind okx.ChannelKind, instID string) error
	Run(ctx context.Context)
}

// Collector owns the watch-pair lifecycle: the persisted watch list, the
// in-memory set of currently watched pairs, and the stream subscriptions
// backing them.
type Collector struct {
	store  *store.Store
	stream Stream

	mu      sync.Mutex
	watched map[string]struct{}

	runCtx context.Context
}

// New constructs a Collector. Nothing subscribes until Start.
func New(st *store.Store, stream Stream) *Collector {
	return &Collector{
		store:   st,
		stream:  stream,
		watched: map[string]struct{}{},
	}
}

// Start loads the enabled watch pairs, pre-registers a candle handler for
// each so the stream's first connect subscribes them all at once, and then
// launches the stream. It returns once the stream is running; the context
// governs its lifetime.
func (c *Collector) Start(ctx context.Context) error {
	c.runCtx = ctx

	pairs, err := c.store.ListWatchPairs(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to load watch pairs: %w", err)
	}

	c.mu.Lock()
	for _, wp := range pairs {
		c.watched[wp.CoinPair] = struct{}{}
		c.stream.Register(okx.ChannelCandle1m, wp.CoinPair, c.candleHandler(wp.CoinPair))
	}
	c.mu.Unlock()

	log.Info().Int("pairs", len(pairs)).Msg("Collector: watch pairs registered")
	go c.stream.Run(ctx)
	return nil
}

// AddPair persists the pair on the watch list and, when enabled, subscribes
// its live candles. A pair that is already watched is a no-op. When the
// subscription cannot be established the watched set is left untouched; the
// persisted row remains and is picked up on the next start.
func (c *Collector) AddPair(ctx context.Context, pair string, enabled bool) error {
	if err := c.store.AddWatchPair(ctx, pair, enabled); err != nil {
		return err
	}
	if !enabled {
		c.unwatch(pair)
		return nil
	}
	return c.watch(pair)
}

// RemovePair deletes the pair from the watch list and drops its
// subscription. Removing an unknown pair is a no-op.
func (c *Collector) RemovePair(ctx context.Context, pair string) error {
	if err := c.store.RemoveWatchPair(ctx, pair); err != nil {
		return err
	}
	c.unwatch(pair)
	return nil
}

// SetPairEnabled flips the pair's enabled flag and aligns the subscription
// with it. The watch list row is kept either way.
func (c *Collector) SetPairEnabled(ctx context.Context, pair string, enabled bool) error {
	if err := c.store.SetWatchPairEnabled(ctx, pair, enabled); err != nil {
		return err
	}
	if enabled {
		return c.watch(pair)
	}
	c.unwatch(pair)
	return nil
}

// WatchedPairs returns the currently watched pairs, sorted by nothing in
// particular.
func (c *Collector) WatchedPairs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	pairs := make([]string, 0, len(c.watched))
	for pair := range c.watched {
		pairs = append(pairs, pair)
	}
	return pairs
}

func (c *Collector) watch(pair string) error {
	c.mu.Lock()
	_, already := c.watched[pair]
	c.mu.Unlock()
	if already {
		return nil
	}

	if err := c.stream.Subscribe(okx.ChannelCandle1m, pair, c.candleHandler(pair)); err != nil {
		return fmt.Errorf("failed to subscribe candles for %v: %w", pair, err)
	}

	c.mu.Lock()
	c.watched[pair] = struct{}{}
	c.mu.Unlock()
	log.Info().Str("pair", pair).Msg("Collector: pair watched")
	return nil
}

func (c *Collector) unwatch(pair string) {
	c.mu.Lock()
	_, ok := c.watched[pair]
	delete(c.watched, pair)
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := c.stream.Unsubscribe(okx.ChannelCandle1m, pair); err != nil {
		log.Warn().Err(err).Str("pair", pair).Msg("Collector: unsubscribe failed")
	}
	log.Info().Str("pair", pair).Msg("Collector: pair unwatched")
}

func (c *Collector) ingestCtx() context.Context {
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

// candleHandler builds the stream handler for one pair. Each pushed row is
// parsed, unconfirmed rows are dropped, and confirmed bars are upserted so
// a re-pushed bar overwrites its earlier version.
func (c *Collector) candleHandler(pair string) okx.StreamHandler {
	return func(arg okx.StreamArg, data []json.RawMessage) {
		for _, row := range data {
			bar, err := okx.ParseCandlePayload(row)
			if err != nil {
				log.Warn().Err(err).Str("pair", pair).Msg("Collector: undecodable candle row")
				continue
			}
			if bar.Confirm != 1 {
				metrics.BarsDropped.WithLabelValues(pair).Inc()
				continue
			}

			if err := c.store.UpsertBar(c.ingestCtx(), pair, bar); err != nil {
				log.Error().Err(err).Str("pair", pair).Int64("timestamp", bar.Timestamp).Msg("Collector: bar dropped on store error")
				continue
			}
			metrics.BarsIngested.WithLabelValues(pair).Inc()
			log.Debug().Str("pair", pair).Int64("timestamp", bar.Timestamp).Msg("Collector: bar stored")
		}
	}
}
