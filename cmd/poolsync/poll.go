package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"poolSync/internal/poller"
	"poolSync/internal/storage"
)

func runPoll(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	s.serveMetrics(ctx)

	scheduler := poller.NewScheduler(s.aggregator, s.cfg.PollInterval, s.logger, s.suppressor, s.metrics)
	if s.cfg.Role.CanWrite() {
		scheduler.UseStore(s.store)
	}
	e, err := s.newEngine(scheduler)
	if err != nil {
		return err
	}
	for _, pool := range s.pools {
		if err := e.Track(ctx, pool); err != nil {
			return err
		}
	}

	s.logger.Info("poll start",
		zap.String("rpc", s.cfg.RPCURL),
		zap.Uint64("network", s.network),
		zap.Int("pools", len(s.pools)),
		zap.Duration("interval", s.cfg.PollInterval),
		zap.String("role", s.cfg.Role.String()),
		zap.String("writer_id", s.cfg.WriterID),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return scheduler.Run(groupCtx)
	})
	if s.cfg.SnapshotOut != "" {
		out := storage.NewJsonlStorage(s.cfg.SnapshotOut)
		group.Go(func() error {
			ticker := time.NewTicker(s.cfg.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					if err := out.PutSnapshots(e.Snapshots()); err != nil {
						s.logger.Warn("write snapshots failed", zap.Error(err))
					}
				}
			}
		})
	}

	err = group.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
