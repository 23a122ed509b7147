package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"poolSync/internal/config"
	"poolSync/internal/engine"
	"poolSync/internal/feed"
	"poolSync/internal/model"
	"poolSync/internal/storage"
)

func runSync(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	s.serveMetrics(ctx)

	topic0 := s.decoder.Topics()
	var checkpoint feed.Checkpointer
	switch {
	case s.pg != nil:
		checkpoint = feed.NewTableCheckpoint(s.pg, s.cfg.CheckpointName)
	case s.cfg.Checkpoint != "":
		checkpoint = feed.NewFileCheckpoint(s.cfg.Checkpoint)
	}

	f := feed.New(feed.Config{
		FromBlock:     s.cfg.FromBlock,
		ToBlock:       s.cfg.ToBlock,
		BatchSize:     s.cfg.BatchSize,
		Confirmations: s.cfg.Confirmations,
		PollInterval:  s.cfg.HeadInterval,
		Topic0:        topic0,
		Retry:         feed.RetryPolicy{MaxRetries: s.cfg.MaxRetries, Backoff: s.cfg.RetryBackoff},
	}, s.client, checkpoint, s.logger, s.metrics)

	start, err := f.StartBlock(ctx)
	if err != nil {
		return fmt.Errorf("resolve start block: %w", err)
	}
	initAt := start
	if initAt > 0 {
		initAt--
	}

	e, err := s.newEngine(nil)
	if err != nil {
		return err
	}
	for _, pool := range s.pools {
		if err := e.Subscribe(ctx, pool, initAt); err != nil {
			return err
		}
	}

	sink := snapshotSink(s.cfg, e, s.logger)

	s.logger.Info("sync start",
		zap.String("rpc", s.cfg.RPCURL),
		zap.Uint64("network", s.network),
		zap.String("dex", s.cfg.Dex),
		zap.Int("pools", len(s.pools)),
		zap.Uint64("start", start),
		zap.Uint64("to", s.cfg.ToBlock),
		zap.Uint64("batch_size", s.cfg.BatchSize),
		zap.String("cache_backend", s.cfg.CacheBackend),
	)

	err = f.Run(ctx, e.Addresses(), sink)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// snapshotSink applies every block to the engine and writes all states every
// SnapshotEvery blocks.
func snapshotSink(cfg config.Config, e *engine.Engine, logger *zap.Logger) feed.Sink {
	var out storage.Sink
	if cfg.SnapshotOut != "" && cfg.SnapshotEvery > 0 {
		out = storage.NewJsonlStorage(cfg.SnapshotOut)
	}
	return feed.SinkFunc(func(ctx context.Context, header model.BlockHeader, logs []types.Log) error {
		if err := e.HandleBatch(ctx, header, logs); err != nil {
			return err
		}
		if out == nil || header.Number%cfg.SnapshotEvery != 0 {
			return nil
		}
		snapshots := e.Snapshots()
		if err := out.PutSnapshots(snapshots); err != nil {
			logger.Warn("write snapshots failed", zap.Uint64("block", header.Number), zap.Error(err))
			return nil
		}
		logger.Debug("snapshots written", zap.Uint64("block", header.Number), zap.Int("entities", len(snapshots)))
		return nil
	})
}
