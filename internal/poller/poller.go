// Package poller keeps entity state current through periodic batched reads,
// answering lookups from memory, the shared cache, or a live read in that
// order.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"poolSync/internal/cache"
	"poolSync/internal/logsuppress"
	"poolSync/internal/metrics"
	"poolSync/internal/model"
	"poolSync/internal/multicall"
)

// DefaultLiquidityUpdatePeriod is how often liquidity estimates are expected.
const DefaultLiquidityUpdatePeriod = 2 * time.Minute

// liquidityTTLMargin keeps a cached estimate alive past its update period so
// replicas survive a late master.
const liquidityTTLMargin = 10 * time.Minute

// Model builds the reads of one entity and parses their results. ParseState
// receives results in the order of Calls, with the block number call already
// stripped.
type Model[S any] interface {
	Calls() ([]multicall.Call, error)
	ParseState(results []multicall.Result) (S, error)
}

// Aggregator is the batched read used for live fetches.
type Aggregator interface {
	Aggregate(ctx context.Context, calls []multicall.Call, atBlock uint64) (multicall.Batch, error)
}

// TrackingController is notified whenever an entity enters or leaves the
// polling schedule.
type TrackingController interface {
	EnableStateTracking(id model.EntityIdentity)
	DisableStateTracking(id model.EntityIdentity)
}

type Config struct {
	// Prefix namespaces every cache key.
	Prefix string
	// MaxAllowedDelayBlocks is how far memory may lag the requested block.
	MaxAllowedDelayBlocks uint64
	// LiquidityThresholdUSD is the estimate below which polling is paused.
	LiquidityThresholdUSD float64
	// LiquidityUpdateAllowedDelay is how old an estimate may be before it is
	// ignored and polling resumes.
	LiquidityUpdateAllowedDelay time.Duration
	// LiquidityUpdatePeriod sizes the TTL of cached estimates.
	LiquidityUpdatePeriod time.Duration
	IsLiquidityTracked    bool
	Role                  cache.Role
	// WriterID tags cache entries written by this process.
	WriterID string
}

type Options struct {
	Store      cache.Store
	Aggregator Aggregator
	Controller TrackingController
	Logger     *zap.Logger
	Suppressor *logsuppress.Suppressor
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Poller owns the state of one polled entity.
type Poller[S any] struct {
	id         model.EntityIdentity
	model      Model[S]
	cfg        Config
	store      cache.Store
	agg        Aggregator
	controller TrackingController
	logger     *zap.Logger
	suppressor *logsuppress.Suppressor
	metrics    *metrics.Metrics
	now        func() time.Time

	statesKey    string
	liquidityKey string

	state     atomic.Pointer[model.Versioned[S]]
	liquidity atomic.Pointer[model.Versioned[float64]]

	trackMu sync.Mutex
	tracked bool
}

func New[S any](id model.EntityIdentity, m Model[S], cfg Config, opts Options) *Poller[S] {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if cfg.LiquidityUpdatePeriod <= 0 {
		cfg.LiquidityUpdatePeriod = DefaultLiquidityUpdatePeriod
	}
	return &Poller[S]{
		id:           id,
		model:        m,
		cfg:          cfg,
		store:        opts.Store,
		agg:          opts.Aggregator,
		controller:   opts.Controller,
		logger:       opts.Logger.With(zap.String("entity", id.Key())),
		suppressor:   opts.Suppressor,
		metrics:      opts.Metrics,
		now:          opts.Now,
		statesKey:    cache.StatesKey(cfg.Prefix, id.Network, id.Dex),
		liquidityKey: cache.LiquidityKey(cfg.Prefix, id.Network, id.Dex, id.Key()),
		tracked:      true,
	}
}

func (p *Poller[S]) Identity() model.EntityIdentity {
	return p.id
}

// Memory returns the in-memory value without consulting other tiers.
func (p *Poller[S]) Memory() *model.Versioned[S] {
	return p.state.Load()
}

// GetState answers from memory when it lags atBlock by at most the allowed
// delay, then from the shared cache as stored, then from one live read. It
// reports false only when every tier failed.
func (p *Poller[S]) GetState(ctx context.Context, atBlock uint64) (*model.Versioned[S], bool) {
	if mem := p.state.Load(); mem != nil {
		if mem.BlocksBehind(atBlock) <= p.cfg.MaxAllowedDelayBlocks {
			p.metrics.ObserveLookup(metrics.TierMemory)
			return mem, true
		}
		p.logger.Debug("memory state outdated",
			zap.Uint64("as_of_block", mem.AsOfBlock),
			zap.Uint64("requested_block", atBlock),
		)
	}

	if cached, err := p.fromCache(ctx); err != nil {
		p.suppressor.Error(p.id, "cache_read", "fetch state from cache failed", zap.Error(err))
	} else if cached != nil {
		p.metrics.ObserveLookup(metrics.TierCache)
		return cached, true
	}

	p.suppressor.Warn(p.id, "fallback_live", "state not available from cache, falling back to live read")
	live, err := p.FetchLatest(ctx)
	if err != nil {
		p.suppressor.Error(p.id, "live_read", "fetch state from rpc failed", zap.Error(err))
		p.metrics.ObserveLookup(metrics.TierMiss)
		return nil, false
	}
	p.metrics.ObserveLookup(metrics.TierLive)
	return live, true
}

func (p *Poller[S]) fromCache(ctx context.Context) (*model.Versioned[S], error) {
	if p.store == nil {
		return nil, nil
	}
	data, ok, err := p.store.HashGet(ctx, p.statesKey, p.id.Key())
	if err != nil {
		return nil, &model.TransportError{Op: "hget " + p.statesKey, Err: err}
	}
	if !ok {
		return nil, nil
	}
	v, _, err := cache.Decode[S](data)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// FetchLatest reads the entity at the live head and stores the result.
func (p *Poller[S]) FetchLatest(ctx context.Context) (*model.Versioned[S], error) {
	if p.agg == nil {
		return nil, errors.New("no aggregator configured")
	}
	calls, err := p.model.Calls()
	if err != nil {
		return nil, fmt.Errorf("build calls: %w", err)
	}
	observedAt := p.now()
	batch, err := p.agg.Aggregate(ctx, calls, 0)
	if err != nil {
		return nil, err
	}
	state, err := p.model.ParseState(batch.Results)
	if err != nil {
		return nil, fmt.Errorf("parse state at block %d: %w", batch.BlockNumber, err)
	}
	return p.SetState(ctx, state, batch.BlockNumber, observedAt), nil
}

// Calls returns the reads of one polling cycle.
func (p *Poller[S]) Calls() ([]multicall.Call, error) {
	return p.model.Calls()
}

// Update parses the results of Calls read at block and stores the state.
func (p *Poller[S]) Update(ctx context.Context, results []multicall.Result, block uint64) error {
	return p.UpdateBatch(ctx, results, block, nil)
}

// UpdateBatch is Update with the cache write staged into batch instead of
// sent. A nil batch writes immediately.
func (p *Poller[S]) UpdateBatch(ctx context.Context, results []multicall.Result, block uint64, batch *cache.Batch) error {
	state, err := p.model.ParseState(results)
	if err != nil {
		return fmt.Errorf("parse state at block %d: %w", block, err)
	}
	p.setState(ctx, state, block, p.now(), batch)
	return nil
}

// SetState replaces the in-memory value. The master also writes it to the
// shared cache; a failed write is logged and otherwise ignored.
func (p *Poller[S]) SetState(ctx context.Context, state S, block uint64, observedAt time.Time) *model.Versioned[S] {
	return p.setState(ctx, state, block, observedAt, nil)
}

func (p *Poller[S]) setState(ctx context.Context, state S, block uint64, observedAt time.Time, batch *cache.Batch) *model.Versioned[S] {
	v := &model.Versioned[S]{Value: state, AsOfBlock: block, ObservedAt: observedAt}
	p.state.Store(v)

	if !p.cfg.Role.CanWrite() {
		return v
	}
	var err error
	switch {
	case batch != nil:
		err = p.stageState(batch, *v)
	case p.store != nil:
		err = p.persistState(ctx, *v)
	}
	if err != nil {
		p.metrics.ObserveCacheWriteError()
		p.suppressor.Error(p.id, "cache_write_state", "save state in cache failed", zap.Error(err))
	}
	return v
}

func (p *Poller[S]) persistState(ctx context.Context, v model.Versioned[S]) error {
	data, err := cache.Encode(p.cfg.WriterID, v)
	if err != nil {
		return &model.PersistenceError{Key: p.statesKey, Err: err}
	}
	if err := p.store.HashSet(ctx, p.statesKey, p.id.Key(), data); err != nil {
		return &model.PersistenceError{Key: p.statesKey, Err: err}
	}
	return nil
}

func (p *Poller[S]) stageState(batch *cache.Batch, v model.Versioned[S]) error {
	data, err := cache.Encode(p.cfg.WriterID, v)
	if err != nil {
		return &model.PersistenceError{Key: p.statesKey, Err: err}
	}
	batch.HashSet(p.statesKey, p.id.Key(), data)
	return nil
}

// SetLiquidityEstimate records the entity's liquidity in USD and re-evaluates
// whether it is polled.
func (p *Poller[S]) SetLiquidityEstimate(ctx context.Context, usd float64, block uint64) {
	v := &model.Versioned[float64]{Value: usd, AsOfBlock: block, ObservedAt: p.now()}
	p.liquidity.Store(v)
	p.adjustTracking()

	if p.cfg.Role.CanWrite() && p.store != nil {
		if err := p.persistLiquidity(ctx, *v); err != nil {
			p.metrics.ObserveCacheWriteError()
			p.suppressor.Error(p.id, "cache_write_liquidity", "save liquidity in cache failed", zap.Error(err))
		}
	}
}

func (p *Poller[S]) persistLiquidity(ctx context.Context, v model.Versioned[float64]) error {
	data, err := cache.Encode(p.cfg.WriterID, v)
	if err != nil {
		return &model.PersistenceError{Key: p.liquidityKey, Err: err}
	}
	ttl := p.cfg.LiquidityUpdatePeriod + liquidityTTLMargin
	if err := p.store.SetWithTTL(ctx, p.liquidityKey, data, ttl); err != nil {
		return &model.PersistenceError{Key: p.liquidityKey, Err: err}
	}
	return nil
}

// LiquidityEstimate returns the last recorded estimate, if any.
func (p *Poller[S]) LiquidityEstimate() *model.Versioned[float64] {
	return p.liquidity.Load()
}

// IsTracked reports whether the entity takes part in polling. A missing or
// outdated estimate always keeps it tracked.
func (p *Poller[S]) IsTracked() bool {
	if !p.cfg.IsLiquidityTracked {
		return true
	}
	est := p.liquidity.Load()
	if est == nil || p.now().Sub(est.ObservedAt) > p.cfg.LiquidityUpdateAllowedDelay {
		return true
	}
	return est.Value >= p.cfg.LiquidityThresholdUSD
}

// RefreshTracking picks up a newer estimate written by the master and
// re-evaluates tracking, which also catches estimates that went stale.
func (p *Poller[S]) RefreshTracking(ctx context.Context) {
	if p.store != nil && !p.cfg.Role.CanWrite() {
		data, ok, err := p.store.Get(ctx, p.liquidityKey)
		switch {
		case err != nil:
			p.suppressor.Warn(p.id, "cache_read_liquidity", "fetch liquidity from cache failed", zap.Error(err))
		case ok:
			v, _, err := cache.Decode[float64](data)
			if err != nil {
				p.suppressor.Warn(p.id, "cache_read_liquidity", "decode cached liquidity failed", zap.Error(err))
				break
			}
			if cur := p.liquidity.Load(); cur == nil || v.ObservedAt.After(cur.ObservedAt) {
				p.liquidity.Store(&v)
			}
		}
	}
	p.adjustTracking()
}

func (p *Poller[S]) adjustTracking() {
	tracked := p.IsTracked()

	p.trackMu.Lock()
	defer p.trackMu.Unlock()
	if tracked == p.tracked {
		return
	}
	p.tracked = tracked
	if est := p.liquidity.Load(); tracked && est != nil && p.now().Sub(est.ObservedAt) > p.cfg.LiquidityUpdateAllowedDelay {
		p.suppressor.Warn(p.id, "liquidity_outdated", "liquidity estimate outdated, polling resumed",
			zap.Time("last_updated", est.ObservedAt))
	}
	if p.controller == nil {
		return
	}
	if tracked {
		p.controller.EnableStateTracking(p.id)
	} else {
		p.controller.DisableStateTracking(p.id)
	}
}
