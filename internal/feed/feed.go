// Package feed follows the chain head and hands every block's logs for a
// set of addresses to a sink, strictly in block order.
package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"poolSync/internal/metrics"
	"poolSync/internal/model"
)

// Chain is the subset of the chain client the feed reads.
type Chain interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	Header(ctx context.Context, number uint64) (model.BlockHeader, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// Sink receives one block at a time. Returning an error stops the feed
// before the block is checkpointed.
type Sink interface {
	HandleBatch(ctx context.Context, header model.BlockHeader, logs []types.Log) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, header model.BlockHeader, logs []types.Log) error

func (f SinkFunc) HandleBatch(ctx context.Context, header model.BlockHeader, logs []types.Log) error {
	return f(ctx, header, logs)
}

type Config struct {
	// FromBlock is the first block delivered when no checkpoint exists.
	// Zero starts at the current head.
	FromBlock uint64
	// ToBlock stops the feed once delivered. Zero follows the head forever.
	ToBlock uint64
	// BatchSize bounds the blocks of one log query.
	BatchSize uint64
	// Confirmations keeps the feed this many blocks behind the head.
	Confirmations uint64
	PollInterval  time.Duration
	Topic0        []common.Hash
	Retry         RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	return c
}

// Feed delivers blocks that carry logs for the addresses, plus the last block
// of every queried range so consumers keep advancing through quiet stretches.
type Feed struct {
	cfg        Config
	chain      Chain
	checkpoint Checkpointer
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu    sync.Mutex
	start *uint64
}

// New builds a Feed; checkpoint may be nil to always start at FromBlock.
func New(cfg Config, chain Chain, checkpoint Checkpointer, logger *zap.Logger, m *metrics.Metrics) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		cfg:        cfg.withDefaults(),
		chain:      chain,
		checkpoint: checkpoint,
		logger:     logger,
		metrics:    m,
	}
}

// Run delivers blocks until ctx ends, the sink fails or ToBlock is reached.
func (f *Feed) Run(ctx context.Context, addresses []common.Address, sink Sink) error {
	if f.chain == nil {
		return fmt.Errorf("chain client is nil")
	}
	if sink == nil {
		return fmt.Errorf("sink is nil")
	}
	if len(addresses) == 0 {
		return fmt.Errorf("at least one address is required")
	}

	next, err := f.StartBlock(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.start = nil
	f.mu.Unlock()

	for {
		if f.cfg.ToBlock > 0 && next > f.cfg.ToBlock {
			f.logger.Info("feed reached end block", zap.Uint64("to", f.cfg.ToBlock))
			return nil
		}

		head, err := f.safeHead(ctx)
		if err != nil {
			return err
		}
		if next > head {
			if err := sleep(ctx, f.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}

		ranges, err := SplitRange(next, head, f.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, r := range ranges {
			if err := f.deliverRange(ctx, addresses, r, sink); err != nil {
				return err
			}
			next = r.To + 1
		}
	}
}

// StartBlock is the first block the next Run will deliver: the block after
// the checkpoint, else FromBlock, else the confirmed head. The result is pinned
// until Run consumes it, so a head that moves in between skips nothing.
func (f *Feed) StartBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.start != nil {
		return *f.start, nil
	}
	from, err := f.resolveStart(ctx)
	if err != nil {
		return 0, err
	}
	f.start = &from
	return from, nil
}

func (f *Feed) resolveStart(ctx context.Context) (uint64, error) {
	from := f.cfg.FromBlock
	if from == 0 {
		head, err := f.safeHead(ctx)
		if err != nil {
			return 0, err
		}
		from = head
	}

	if f.checkpoint != nil {
		last, ok, err := f.checkpoint.Load(ctx)
		if err != nil {
			return 0, err
		}
		if ok && last >= from {
			from = last + 1
			f.logger.Info("resume from checkpoint", zap.Uint64("last_delivered", last), zap.Uint64("from", from))
		}
	}
	return from, nil
}

func (f *Feed) safeHead(ctx context.Context) (uint64, error) {
	var head uint64
	err := withRetry(ctx, f.cfg.Retry, f.logger, "latest block", func(ctx context.Context) error {
		var err error
		head, err = f.chain.LatestBlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, &model.TransportError{Op: "get latest block", Err: err}
	}
	if head < f.cfg.Confirmations {
		return 0, nil
	}
	head -= f.cfg.Confirmations
	if f.cfg.ToBlock > 0 && head > f.cfg.ToBlock {
		head = f.cfg.ToBlock
	}
	return head, nil
}

func (f *Feed) deliverRange(ctx context.Context, addresses []common.Address, r BlockRange, sink Sink) error {
	var logs []types.Log
	err := withRetry(ctx, f.cfg.Retry, f.logger, "filter logs", func(ctx context.Context) error {
		var err error
		logs, err = f.chain.FilterLogs(ctx, r.From, r.To, addresses, f.cfg.Topic0)
		return err
	})
	if err != nil {
		return &model.TransportError{Op: fmt.Sprintf("filter logs %d-%d", r.From, r.To), Err: err}
	}

	blocks := groupByBlock(logs)
	if n := len(blocks); n == 0 || blocks[n-1].number != r.To {
		blocks = append(blocks, blockLogs{number: r.To})
	}

	for _, b := range blocks {
		header, err := f.header(ctx, b.number)
		if err != nil {
			return err
		}
		if err := sink.HandleBatch(ctx, header, b.logs); err != nil {
			return fmt.Errorf("handle block %d: %w", b.number, err)
		}
		f.metrics.ObserveDelivered(b.number, len(b.logs))
	}

	if f.checkpoint != nil {
		if err := f.checkpoint.Save(ctx, r.To); err != nil {
			return err
		}
	}
	f.logger.Debug("range delivered", zap.Uint64("from", r.From), zap.Uint64("to", r.To), zap.Int("logs", len(logs)))
	return nil
}

func (f *Feed) header(ctx context.Context, number uint64) (model.BlockHeader, error) {
	var header model.BlockHeader
	err := withRetry(ctx, f.cfg.Retry, f.logger, "block header", func(ctx context.Context) error {
		var err error
		header, err = f.chain.Header(ctx, number)
		return err
	})
	if err != nil {
		return model.BlockHeader{}, &model.TransportError{Op: fmt.Sprintf("header %d", number), Err: err}
	}
	return header, nil
}

type blockLogs struct {
	number uint64
	logs   []types.Log
}

// groupByBlock orders logs by (block, index), drops removed and repeated
// entries and splits them per block.
func groupByBlock(logs []types.Log) []blockLogs {
	sorted := make([]types.Log, 0, len(logs))
	for _, lg := range logs {
		if !lg.Removed {
			sorted = append(sorted, lg)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BlockNumber != sorted[j].BlockNumber {
			return sorted[i].BlockNumber < sorted[j].BlockNumber
		}
		return sorted[i].Index < sorted[j].Index
	})

	var out []blockLogs
	for i, lg := range sorted {
		if i > 0 && lg.BlockNumber == sorted[i-1].BlockNumber && lg.Index == sorted[i-1].Index && lg.TxHash == sorted[i-1].TxHash {
			continue
		}
		if len(out) == 0 || out[len(out)-1].number != lg.BlockNumber {
			out = append(out, blockLogs{number: lg.BlockNumber})
		}
		last := &out[len(out)-1]
		last.logs = append(last.logs, lg)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
