package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"poolSync/internal/model"
	"poolSync/internal/storage"
	"poolSync/internal/uniswapv3"
)

func runSnapshot(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	atBlock, _ := cmd.Flags().GetUint64("block")

	writer := bufio.NewWriter(cmd.OutOrStdout())
	defer writer.Flush()

	for _, pool := range s.pools {
		state, block, err := uniswapv3.FetchPoolState(ctx, s.aggregator, s.metas, pool, atBlock)
		if err != nil {
			return fmt.Errorf("read pool %s: %w", pool.Hex(), err)
		}
		id := model.NewEntityIdentity(s.cfg.Dex, s.network, pool)
		snapshot := storage.NewSnapshot(id, model.Versioned[*uniswapv3.PoolState]{
			Value:      state,
			AsOfBlock:  block,
			ObservedAt: time.Now(),
		})

		line, err := sonnet.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return err
		}
		if err := writer.WriteByte('\n'); err != nil {
			return err
		}
		s.logger.Debug("pool read",
			zap.String("entity", id.Key()),
			zap.Uint64("block", block),
			zap.Int("ticks", len(state.Ticks)),
		)
	}
	return nil
}
