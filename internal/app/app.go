// Package app wires the runtime together: store, exchange, cache, service,
// collector, retention and the HTTP server, all constructed from one Config.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/candleproxy/candleproxy/exchange"
	"github.com/candleproxy/candleproxy/exchange/cache"
	"github.com/candleproxy/candleproxy/exchange/common"
	"github.com/candleproxy/candleproxy/exchange/okx"
	"github.com/candleproxy/candleproxy/internal/aggregate"
	"github.com/candleproxy/candleproxy/internal/collector"
	"github.com/candleproxy/candleproxy/internal/config"
	"github.com/candleproxy/candleproxy/internal/metrics"
	"github.com/candleproxy/candleproxy/internal/retention"
	"github.com/candleproxy/candleproxy/internal/server"
	"github.com/candleproxy/candleproxy/internal/service"
	"github.com/candleproxy/candleproxy/internal/store"
)

const shutdownTimeout = 10 * time.Second

// App owns every long-lived component of the proxy.
type App struct {
	cfg       config.Config
	store     *store.Store
	fetcher   *exchange.Fetcher
	svc       *service.Service
	collector *collector.Collector
	retention *retention.Scheduler
	server    *server.Server
	hub       *server.TickerHub
}

// New builds the full component graph from the configuration. Nothing is
// started; Run does that.
func New(cfg config.Config) (*App, error) {
	setupLogging(cfg.Logging)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	exch, err := exchange.New(cfg.Exchange.Type)
	if err != nil {
		st.Close()
		return nil, err
	}
	exch.SetDebug(zerolog.GlobalLevel() <= zerolog.DebugLevel)
	exch.SetRetryPolicy(common.RetryStrategy{
		Attempts:            cfg.Retry.MaxRetries + 1,
		FirstSleepTime:      1 * time.Second,
		SleepTimeMultiplier: 2.0,
	})

	var fetcherOptions []exchange.Option
	if cfg.Cache.Enabled {
		fetcherOptions = append(fetcherOptions, exchange.WithCache(cache.New(cfg.Cache.Size, cfg.Cache.TTLs())))
	}
	fetcher := exchange.NewFetcher(exch, fetcherOptions...)

	agg := aggregate.New(st)
	svc := service.New(st, fetcher, agg,
		service.WithThresholds(cfg.Service.CompleteThreshold, cfg.Service.TailThreshold),
		service.WithRetentionDays(cfg.Retention.Days),
	)

	wsURL := cfg.Exchange.WSURL
	if wsURL == "" {
		wsURL = okx.BusinessWSURL
	}
	stream := okx.NewStreamClient(wsURL)
	stream.OnReconnect(func() { metrics.StreamReconnects.Inc() })
	coll := collector.New(st, stream)

	publicWSURL := cfg.Exchange.PublicWSURL
	if publicWSURL == "" {
		publicWSURL = okx.PublicWSURL
	}
	hub := server.NewTickerHub(publicWSURL, cfg.Server.TickerPair)

	return &App{
		cfg:       cfg,
		store:     st,
		fetcher:   fetcher,
		svc:       svc,
		collector: coll,
		retention: retention.New(st, cfg.Retention.Days, cfg.Retention.Hour, cfg.Retention.Minute),
		server:    server.New(cfg.Server, svc, agg, st, coll, hub),
		hub:       hub,
	}, nil
}

// Run starts the collector, the retention scheduler and the HTTP server,
// then blocks until the context is cancelled and shuts everything down. An
// in-flight retention delete is waited for, not interrupted.
func (a *App) Run(ctx context.Context) error {
	log.Info().
		Str("version", server.Version).
		Str("exchange", a.fetcher.Exchange().Name()).
		Str("addr", a.cfg.Server.Addr()).
		Msg("Starting candleproxy")

	if err := a.collector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start collector: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.retention.Run(ctx)
	}()

	if err := a.server.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	a.hub.Close()
	wg.Wait()

	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close error")
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

// Close releases resources without a full Run lifecycle. One-shot commands
// use it.
func (a *App) Close() error {
	a.hub.Close()
	return a.store.Close()
}

// Store returns the candlestick store.
func (a *App) Store() *store.Store { return a.store }

// Service returns the query service.
func (a *App) Service() *service.Service { return a.svc }

// Retention returns the retention scheduler.
func (a *App) Retention() *retention.Scheduler { return a.retention }

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
