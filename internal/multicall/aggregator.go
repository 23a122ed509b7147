package multicall

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"poolSync/internal/metrics"
	"poolSync/internal/model"
)

// Config controls chunking and failure tolerance.
type Config struct {
	// MaxCallsPerChunk bounds the number of calls in one round-trip, the
	// leading block number call included.
	MaxCallsPerChunk int
	// MaxChunkCost bounds the summed Call.Cost of one round-trip. The leading
	// call is charged DefaultCallCost.
	MaxChunkCost uint64
	// AllowFailure turns reverted or undecodable calls into per-call errors
	// instead of failing the whole aggregate.
	AllowFailure bool
	// Concurrency bounds the chunks in flight after the first one.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxCallsPerChunk <= 0 {
		c.MaxCallsPerChunk = 500
	}
	if c.MaxChunkCost == 0 {
		c.MaxChunkCost = 30_000_000
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Batch is the merged outcome of one aggregate.
type Batch struct {
	// BlockNumber is the height every chunk was read against.
	BlockNumber uint64
	Results     []Result
}

// Aggregator groups calls into chunked round-trips at one block height.
type Aggregator struct {
	transport Transport
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewAggregator(transport Transport, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		transport: transport,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		metrics:   m,
	}
}

type chunk struct {
	start int
	end   int
}

// Aggregate executes calls at atBlock (zero means the live head) and returns
// one result per call in input order. When reading the live head, the height
// reported by the first chunk pins every later chunk.
func (a *Aggregator) Aggregate(ctx context.Context, calls []Call, atBlock uint64) (Batch, error) {
	if len(calls) == 0 {
		return Batch{BlockNumber: atBlock}, nil
	}
	if a.transport == nil {
		return Batch{}, fmt.Errorf("transport is nil")
	}

	started := time.Now()
	chunks := splitChunks(calls, a.cfg.MaxCallsPerChunk, a.cfg.MaxChunkCost)
	results := make([]Result, len(calls))

	first := chunks[0]
	height, err := a.executeChunk(ctx, calls, first, atBlock, results)
	if err != nil {
		return Batch{}, err
	}
	if atBlock == 0 {
		atBlock = height
	}

	if len(chunks) > 1 {
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(a.cfg.Concurrency)
		for _, c := range chunks[1:] {
			group.Go(func() error {
				_, err := a.executeChunk(groupCtx, calls, c, atBlock, results)
				return err
			})
		}
		if err := group.Wait(); err != nil {
			return Batch{}, err
		}
	}

	a.metrics.ObserveBatch(len(chunks), started)
	a.logger.Debug("aggregate complete",
		zap.Int("calls", len(calls)),
		zap.Int("chunks", len(chunks)),
		zap.Uint64("block", atBlock),
	)

	return Batch{BlockNumber: atBlock, Results: results}, nil
}

func (a *Aggregator) executeChunk(ctx context.Context, calls []Call, c chunk, atBlock uint64, results []Result) (uint64, error) {
	raw := make([]RawCall, 0, c.end-c.start+1)
	raw = append(raw, a.transport.BlockNumberCall())
	for _, call := range calls[c.start:c.end] {
		raw = append(raw, RawCall{Target: call.Target, Data: call.Data, AllowFailure: a.cfg.AllowFailure})
	}

	var block *big.Int
	if atBlock > 0 {
		block = new(big.Int).SetUint64(atBlock)
	}

	out, err := a.transport.Execute(ctx, raw, block)
	if err != nil {
		return 0, &model.TransportError{Op: "execute batch", Err: err}
	}
	if len(out) != len(raw) {
		return 0, fmt.Errorf("transport returned %d results for %d calls", len(out), len(raw))
	}

	leading := out[0]
	if !leading.Success {
		return 0, fmt.Errorf("block number call failed")
	}
	heightValue, err := DecodeUint256(leading.ReturnData)
	if err != nil {
		return 0, fmt.Errorf("decode block number: %w", err)
	}
	height := heightValue.(*big.Int).Uint64()
	if atBlock > 0 && height != atBlock {
		return 0, fmt.Errorf("chunk read at block %d, want %d", height, atBlock)
	}

	for i, res := range out[1:] {
		idx := c.start + i
		results[idx], err = a.decodeResult(calls[idx], res, height)
		if err != nil {
			return 0, fmt.Errorf("call %d to %s: %w", idx, calls[idx].Target.Hex(), err)
		}
	}

	return height, nil
}

func (a *Aggregator) decodeResult(call Call, res RawResult, height uint64) (Result, error) {
	if !res.Success {
		a.metrics.ObserveCall("reverted")
		if a.cfg.AllowFailure {
			return Result{Err: ErrCallReverted}, nil
		}
		return Result{}, ErrCallReverted
	}

	if call.Decode == nil {
		a.metrics.ObserveCall("ok")
		return Result{Value: res.ReturnData}, nil
	}

	value, err := call.Decode(res.ReturnData)
	if err != nil {
		a.metrics.ObserveCall("decode_error")
		decodeErr := &model.DecodeError{Source: "call", BlockNumber: height, Err: err}
		if a.cfg.AllowFailure {
			return Result{Err: decodeErr}, nil
		}
		return Result{}, decodeErr
	}

	a.metrics.ObserveCall("ok")
	return Result{Value: value}, nil
}

// splitChunks partitions calls so each chunk, counted together with its
// leading block number call, respects both bounds. A single call above the
// remaining cost still gets a chunk of its own.
func splitChunks(calls []Call, maxCalls int, maxCost uint64) []chunk {
	maxCalls--
	if maxCalls < 1 {
		maxCalls = 1
	}
	if maxCost > DefaultCallCost {
		maxCost -= DefaultCallCost
	} else {
		maxCost = 0
	}
	chunks := make([]chunk, 0, len(calls)/maxCalls+1)
	start := 0
	var cost uint64
	for i, call := range calls {
		c := call.cost()
		if i > start && (i-start >= maxCalls || cost+c > maxCost) {
			chunks = append(chunks, chunk{start: start, end: i})
			start = i
			cost = 0
		}
		cost += c
	}
	return append(chunks, chunk{start: start, end: len(calls)})
}
