package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "poolsync",
		Short:        "Keep DEX pool state in sync with the chain",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Follow pool logs and keep subscribed pools current",
		RunE:  runSync,
	}
	addCommonFlags(runCmd.Flags())
	runCmd.Flags().Uint64("from", 0, "first block to apply when no checkpoint exists, 0 means head")
	runCmd.Flags().Uint64("to", 0, "last block to apply, 0 follows the head")
	runCmd.Flags().Uint64("batch-size", 100, "blocks per log query")
	runCmd.Flags().Uint64("confirmations", 0, "blocks to stay behind the head")
	runCmd.Flags().Duration("head-interval", 2*time.Second, "head polling interval once caught up")
	runCmd.Flags().Int("max-retries", 5, "maximum retry attempts per rpc call")
	runCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	runCmd.Flags().String("checkpoint", "./data/checkpoint.json", "checkpoint file path, empty disables")
	runCmd.Flags().String("checkpoint-name", "poolsync", "checkpoint row name for the postgres backend")
	runCmd.Flags().String("topic0-map", "", "extra topic0->event mappings (comma-separated key=value)")
	runCmd.Flags().Int("parallelism", 8, "pools applying one block concurrently")
	runCmd.Flags().String("snapshot-out", "./data/snapshots.jsonl", "snapshot JSONL path, empty disables")
	runCmd.Flags().Uint64("snapshot-every", 100, "blocks between snapshots")
	root.AddCommand(runCmd)

	pollCmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll pool summaries and publish them to the shared cache",
		RunE:  runPoll,
	}
	addCommonFlags(pollCmd.Flags())
	pollCmd.Flags().Duration("poll-interval", 12*time.Second, "polling cycle interval")
	pollCmd.Flags().Uint64("max-allowed-delay-blocks", 2, "blocks a memory state may lag a request")
	pollCmd.Flags().Bool("liquidity-tracked", false, "gate polling on the liquidity estimate")
	pollCmd.Flags().Float64("liquidity-threshold-usd", 10_000, "minimum liquidity to keep polling")
	pollCmd.Flags().Duration("liquidity-update-period", 2*time.Minute, "expected liquidity estimate period")
	pollCmd.Flags().Duration("liquidity-allowed-delay", 10*time.Minute, "age after which an estimate is ignored")
	pollCmd.Flags().String("writer-id", "", "writer id stamped on cache entries, random when empty")
	pollCmd.Flags().String("snapshot-out", "./data/snapshots.jsonl", "snapshot JSONL path, empty disables")
	root.AddCommand(pollCmd)

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Read the full state of each pool once and print it as JSON lines",
		RunE:  runSnapshot,
	}
	addCommonFlags(snapshotCmd.Flags())
	snapshotCmd.Flags().Uint64("block", 0, "block to read at, 0 means head")
	root.AddCommand(snapshotCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCommonFlags(flags *pflag.FlagSet) {
	flags.String("rpc", "", "RPC URL")
	flags.Uint64("network", 0, "chain id, 0 asks the rpc")
	flags.String("dex", "uniswapv3", "dex name used in entity identities")
	flags.StringSlice("pool", nil, "pool addresses (comma-separated)")
	flags.String("cache-backend", "memory", "shared cache backend (memory, postgres)")
	flags.String("pg-dsn", "", "Postgres DSN")
	flags.String("role", "master", "cache role (master, replica)")
	flags.String("prefix", "poolsync", "cache key prefix")
	flags.String("multicall-address", "", "Multicall3 address, empty uses the canonical deployment")
	flags.Int("max-calls-per-chunk", 500, "calls per multicall round-trip")
	flags.Int("chunk-concurrency", 4, "multicall round-trips in flight")
	flags.Bool("allow-failure", true, "keep reverted calls local to their entity")
	flags.Duration("suppress-window", time.Minute, "window for repeated entity errors")
	flags.String("metrics-addr", "", "address serving /metrics, empty disables")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
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
