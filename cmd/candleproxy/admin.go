package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/candleproxy/candleproxy/exchange/common"
	"github.com/candleproxy/candleproxy/internal/app"
	"github.com/candleproxy/candleproxy/internal/config"
)

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete candlesticks older than the retention window and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			deleted, err := a.Retention().RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Int64("deleted", deleted).Msg("Cleanup complete")
			return nil
		},
	}
}

func purgeCmd() *cobra.Command {
	var date, pair string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete one local calendar day of candlesticks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			pairFilter := ""
			if pair != "" {
				p, err := common.ParsePair(pair)
				if err != nil {
					return err
				}
				pairFilter = p.String()
			}

			deleted, err := a.Store().DeleteOnDay(cmd.Context(), date, pairFilter)
			if err != nil {
				return err
			}
			log.Info().Str("date", date).Str("pair", pairFilter).Int64("deleted", deleted).Msg("Purge complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to delete, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&pair, "pair", "", "restrict to one market pair, e.g. BTC-USDT")
	cmd.MarkFlagRequired("date")
	return cmd
}

func backfillCmd() *cobra.Command {
	var pair string
	var days int
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Fetch historical 1m candlesticks into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := common.ParsePair(pair)
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			nowMs := time.Now().UnixMilli()
			fromMs := common.AlignToMinute(nowMs - int64(days)*24*60*common.MinuteMs)
			written, failedChunks := a.Service().Backfill(ctx, p, fromMs, nowMs)
			log.Info().
				Str("pair", p.String()).
				Int64("bars", written).
				Int("failed_chunks", failedChunks).
				Msg("Backfill finished")
			if failedChunks > 0 {
				return fmt.Errorf("%v backfill chunks failed", failedChunks)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pair, "pair", "", "market pair, e.g. BTC-USDT (required)")
	cmd.Flags().IntVar(&days, "days", 30, "how many days back to fetch")
	cmd.MarkFlagRequired("pair")
	return cmd
}

func openApp() (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(cfg)
}
