package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "ledgersync",
		Short:        "Synchronize offering contributions from chain into the investment ledger",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file path")
	flags.String("rpc", "", "JSON-RPC URL")
	flags.String("ws", "", "websocket URL for subscribe mode (defaults to --rpc)")
	flags.Uint64("window-size", 2000, "initial blocks per eth_getLogs window")
	flags.Duration("request-timeout", 30*time.Second, "timeout for a single RPC call")
	flags.Duration("dial-timeout", 30*time.Second, "how long to keep retrying the initial connection")
	flags.Float64("rps", 0, "RPC requests per second (0 means unlimited)")
	flags.Int("burst", 1, "RPC rate limiter burst")
	flags.String("abi", "", "contract ABI or artifact JSON (empty uses the built-in ABI)")
	flags.String("native-symbol", "MON", "currency symbol for native contributions")
	flags.String("store", "sqlite", "ledger backend (postgres, sqlite)")
	flags.String("pg-dsn", "", "Postgres DSN")
	flags.String("sqlite-path", "./data/ledger.db", "SQLite database path")
	flags.String("cursor-file", "", "keep cursors in this JSON file instead of the ledger database")
	flags.String("offerings-file", "", "YAML offerings list imported into the ledger database")
	flags.String("directory-file", "", "YAML wallet directory used instead of the ledger database")
	flags.String("audit-file", "./data/audit.jsonl", "JSONL file for gap skips and decode errors")
	flags.Bool("reset", false, "reset every cursor before starting")
	flags.StringSlice("reset-offerings", nil, "offering ids whose cursors are reset before starting")
	flags.StringSlice("offering-ids", nil, "only sync these offering ids")
	flags.Uint64("start-block", 0, "first block to scan when no cursor or ledger row exists")
	flags.Int("workers", 4, "offerings synced concurrently")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Scan every offering from its cursor to the current tip once",
		RunE:  runBackfill,
	}
	root.AddCommand(backfillCmd)

	pollCmd := &cobra.Command{
		Use:   "poll",
		Short: "Follow the chain tip by polling",
		RunE:  runPoll,
	}
	pollCmd.Flags().Duration("poll-interval", 5*time.Second, "time between polls")
	pollCmd.Flags().Uint64("poll-step", 20, "blocks per poll request")
	root.AddCommand(pollCmd)

	subscribeCmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Catch up, then follow the chain tip over a push subscription",
		RunE:  runSubscribe,
	}
	subscribeCmd.Flags().Duration("poll-interval", 5*time.Second, "time between polls when push is unavailable")
	subscribeCmd.Flags().Uint64("poll-step", 20, "blocks per poll request when push is unavailable")
	subscribeCmd.Flags().Duration("redial-timeout", time.Minute, "how long to keep reconnecting after the subscription drops")
	root.AddCommand(subscribeCmd)

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset cursors so the next run rescans from the start block",
		RunE:  runReset,
	}
	root.AddCommand(resetCmd)

	investmentsCmd := &cobra.Command{
		Use:   "investments",
		Short: "Print an offering's ledger rows as JSON lines",
		RunE:  runInvestments,
	}
	investmentsCmd.Flags().Int64("offering", 0, "offering id")
	investmentsCmd.Flags().Bool("summary", false, "print funding totals instead of rows")
	_ = investmentsCmd.MarkFlagRequired("offering")
	root.AddCommand(investmentsCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
