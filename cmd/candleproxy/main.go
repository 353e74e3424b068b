// Command candleproxy runs the candlestick caching proxy: it ingests live
// 1m bars over the exchange websocket, backfills history over REST on
// demand, and serves aggregated candlesticks over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "candleproxy",
		Short: "Caching candlestick proxy for crypto spot exchanges",
		Long: `candleproxy sits between clients and a crypto exchange. Live 1m
candlesticks stream into a local SQLite store; historical queries are
answered from the store, with gaps backfilled from the exchange's REST
API and bars aggregated to the requested interval on the way out.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to INI configuration file")
	root.AddCommand(serveCmd(), cleanupCmd(), purgeCmd(), backfillCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
