// Package engine is the registry of tracked pools. It routes delivered blocks
// to subscribed pools, keeps polled pools on the scheduler and answers state
// and quote requests for both.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"poolSync/internal/cache"
	"poolSync/internal/dex"
	"poolSync/internal/logsuppress"
	"poolSync/internal/metrics"
	"poolSync/internal/model"
	"poolSync/internal/poller"
	"poolSync/internal/storage"
	"poolSync/internal/subscriber"
	"poolSync/internal/uniswapv3"
)

var (
	ErrAlreadyRegistered = errors.New("entity already registered")
	ErrUnknownEntity     = errors.New("unknown entity")
	ErrNotPolled         = errors.New("entity is not polled")
	ErrStateUnavailable  = errors.New("state unavailable")
)

// Aggregator is the batched read shared by every entity.
type Aggregator interface {
	uniswapv3.Aggregator
	poller.Aggregator
}

type Config struct {
	Dex     string
	Network uint64
	// Parallelism bounds the entities applying one block concurrently.
	Parallelism int
	// Poller is the template applied to every polled entity.
	Poller poller.Config
}

type Options struct {
	Aggregator Aggregator
	Decoder    dex.Decoder
	Metas      *dex.PoolMetaCache
	Store      cache.Store
	Scheduler  *poller.Scheduler
	Logger     *zap.Logger
	Suppressor *logsuppress.Suppressor
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

type poolSubscriber = subscriber.Subscriber[*uniswapv3.PoolState, model.PoolEvent]
type summaryPoller = poller.Poller[uniswapv3.Summary]

// State is the latest view of one entity. Pool is set for subscribed pools,
// Summary for polled ones.
type State struct {
	Identity   model.EntityIdentity
	AsOfBlock  uint64
	ObservedAt time.Time
	Pool       *uniswapv3.PoolState
	Summary    *uniswapv3.Summary
}

type Engine struct {
	cfg  Config
	opts Options

	statesKey string

	mu          sync.RWMutex
	subscribers map[string]*poolSubscriber
	pollers     map[string]*summaryPoller
	routes      map[common.Address]*poolSubscriber

	writeMu sync.Mutex
	written map[*poolSubscriber]*model.Versioned[*uniswapv3.PoolState]
}

func New(cfg Config, opts Options) (*Engine, error) {
	if opts.Aggregator == nil {
		return nil, fmt.Errorf("aggregator is nil")
	}
	if opts.Decoder == nil {
		return nil, fmt.Errorf("decoder is nil")
	}
	if cfg.Dex == "" {
		return nil, fmt.Errorf("dex name is required")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metas == nil {
		opts.Metas = dex.NewPoolMetaCache()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		cfg:         cfg,
		opts:        opts,
		statesKey:   cache.StatesKey(cfg.Poller.Prefix, cfg.Network, cfg.Dex),
		subscribers: make(map[string]*poolSubscriber),
		pollers:     make(map[string]*summaryPoller),
		routes:      make(map[common.Address]*poolSubscriber),
		written:     make(map[*poolSubscriber]*model.Versioned[*uniswapv3.PoolState]),
	}, nil
}

func (e *Engine) Identity(address common.Address) model.EntityIdentity {
	return model.NewEntityIdentity(e.cfg.Dex, e.cfg.Network, address)
}

func (e *Engine) registered(key string) bool {
	_, sub := e.subscribers[key]
	_, poll := e.pollers[key]
	return sub || poll
}

// Subscribe starts keeping pool current from its logs, reading its full state
// at atBlock first.
func (e *Engine) Subscribe(ctx context.Context, pool common.Address, atBlock uint64) error {
	id := e.Identity(pool)
	sub := subscriber.New[*uniswapv3.PoolState, model.PoolEvent](id,
		uniswapv3.NewPool(pool, e.opts.Decoder, e.opts.Aggregator, e.opts.Metas),
		subscriber.Options{
			Logger:     e.opts.Logger,
			Suppressor: e.opts.Suppressor,
			Metrics:    e.opts.Metrics,
			Now:        e.opts.Now,
		})

	e.mu.Lock()
	if e.registered(id.Key()) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	e.subscribers[id.Key()] = sub
	e.routes[pool] = sub
	e.mu.Unlock()

	if _, err := sub.Initialize(ctx, atBlock); err != nil && !errors.Is(err, subscriber.ErrSuperseded) {
		e.Unsubscribe(id)
		return fmt.Errorf("initialize %s: %w", id, err)
	}
	e.persistSnapshots(ctx, []*poolSubscriber{sub})
	e.opts.Logger.Info("pool subscribed", zap.String("entity", id.Key()), zap.Uint64("block", atBlock))
	return nil
}

// Track adds pool to the polling schedule.
func (e *Engine) Track(ctx context.Context, pool common.Address) error {
	id := e.Identity(pool)
	e.mu.RLock()
	exists := e.registered(id.Key())
	e.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}

	meta, err := uniswapv3.FetchPoolMeta(ctx, e.opts.Aggregator, e.opts.Metas, pool, 0)
	if err != nil {
		return err
	}

	var controller poller.TrackingController
	if e.opts.Scheduler != nil {
		controller = e.opts.Scheduler
	}
	p := poller.New[uniswapv3.Summary](id, uniswapv3.NewSummaryModel(pool, meta), e.cfg.Poller, poller.Options{
		Store:      e.opts.Store,
		Aggregator: e.opts.Aggregator,
		Controller: controller,
		Logger:     e.opts.Logger,
		Suppressor: e.opts.Suppressor,
		Metrics:    e.opts.Metrics,
		Now:        e.opts.Now,
	})

	e.mu.Lock()
	if e.registered(id.Key()) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	e.pollers[id.Key()] = p
	e.mu.Unlock()

	if e.opts.Scheduler != nil {
		e.opts.Scheduler.Register(p)
	}
	e.opts.Logger.Info("pool tracked", zap.String("entity", id.Key()))
	return nil
}

// Initialize re-reads a subscribed pool at atBlock, or at its current height
// when that is newer, replacing its snapshot.
func (e *Engine) Initialize(ctx context.Context, id model.EntityIdentity, atBlock uint64) error {
	e.mu.RLock()
	sub, ok := e.subscribers[id.Key()]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	_, err := sub.Initialize(ctx, atBlock)
	if err != nil && !errors.Is(err, subscriber.ErrSuperseded) {
		return err
	}
	e.persistSnapshots(ctx, []*poolSubscriber{sub})
	return nil
}

// Unsubscribe drops an entity of either kind. Unknown identities are ignored.
func (e *Engine) Unsubscribe(id model.EntityIdentity) {
	e.mu.Lock()
	if sub, ok := e.subscribers[id.Key()]; ok {
		for _, addr := range sub.Addresses() {
			if e.routes[addr] == sub {
				delete(e.routes, addr)
			}
		}
		delete(e.subscribers, id.Key())
		e.writeMu.Lock()
		delete(e.written, sub)
		e.writeMu.Unlock()
	}
	_, polled := e.pollers[id.Key()]
	delete(e.pollers, id.Key())
	e.mu.Unlock()

	if polled && e.opts.Scheduler != nil {
		e.opts.Scheduler.Remove(id)
	}
	e.opts.Suppressor.Forget(id)
}

// GetState returns the entity's state at atBlock (zero accepts any height).
func (e *Engine) GetState(ctx context.Context, id model.EntityIdentity, atBlock uint64) (State, bool) {
	e.mu.RLock()
	sub, subscribed := e.subscribers[id.Key()]
	p, polled := e.pollers[id.Key()]
	e.mu.RUnlock()

	switch {
	case subscribed:
		v, ok := sub.Current(ctx, atBlock)
		if !ok {
			return State{}, false
		}
		return State{Identity: id, AsOfBlock: v.AsOfBlock, ObservedAt: v.ObservedAt, Pool: v.Value}, true
	case polled:
		v, ok := p.GetState(ctx, atBlock)
		if !ok {
			return State{}, false
		}
		summary := v.Value
		return State{Identity: id, AsOfBlock: v.AsOfBlock, ObservedAt: v.ObservedAt, Summary: &summary}, true
	}
	return State{}, false
}

// SetLiquidityEstimate records the USD liquidity of a polled entity.
func (e *Engine) SetLiquidityEstimate(ctx context.Context, id model.EntityIdentity, usd float64, block uint64) error {
	e.mu.RLock()
	p, ok := e.pollers[id.Key()]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPolled, id)
	}
	p.SetLiquidityEstimate(ctx, usd, block)
	return nil
}

// Quote simulates an exact-input swap against a subscribed pool.
func (e *Engine) Quote(ctx context.Context, id model.EntityIdentity, amountIn *big.Int, zeroForOne bool, atBlock uint64) (uniswapv3.Quote, uint64, error) {
	e.mu.RLock()
	sub, ok := e.subscribers[id.Key()]
	e.mu.RUnlock()
	if !ok {
		return uniswapv3.Quote{}, 0, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	v, ok := sub.Current(ctx, atBlock)
	if !ok {
		return uniswapv3.Quote{}, 0, fmt.Errorf("%w: %s", ErrStateUnavailable, id)
	}
	q, err := v.Value.QuoteExactInput(amountIn, zeroForOne)
	if err != nil {
		return uniswapv3.Quote{}, v.AsOfBlock, fmt.Errorf("quote %s: %w", id, err)
	}
	return q, v.AsOfBlock, nil
}

// Addresses lists the addresses whose logs the subscribed pools consume.
func (e *Engine) Addresses() []common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]common.Address, 0, len(e.routes))
	for addr := range e.routes {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}

// HandleBatch applies one block to every subscribed pool, running pools in
// parallel. Per-entity failures are logged and leave the entity to resync;
// only cancellation is returned.
func (e *Engine) HandleBatch(ctx context.Context, header model.BlockHeader, logs []types.Log) error {
	e.mu.RLock()
	perEntity := make(map[*poolSubscriber][]types.Log, len(e.subscribers))
	for _, sub := range e.subscribers {
		perEntity[sub] = nil
	}
	for _, lg := range logs {
		if sub, ok := e.routes[lg.Address]; ok {
			perEntity[sub] = append(perEntity[sub], lg)
		}
	}
	e.mu.RUnlock()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.cfg.Parallelism)
	subs := make([]*poolSubscriber, 0, len(perEntity))
	for sub, entityLogs := range perEntity {
		subs = append(subs, sub)
		group.Go(func() error {
			if err := sub.HandleBlock(groupCtx, header, entityLogs); err != nil {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				e.opts.Suppressor.Error(sub.Identity(), "handle_block", "apply block failed",
					zap.Uint64("block", header.Number), zap.Error(err))
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	e.persistSnapshots(ctx, subs)
	return nil
}

// persistSnapshots writes the usable snapshots that moved since their last
// write to the shared states hash, one batch per call. Only the master
// writes; a failed write is logged and otherwise ignored.
func (e *Engine) persistSnapshots(ctx context.Context, subs []*poolSubscriber) {
	if !e.cfg.Poller.Role.CanWrite() || e.opts.Store == nil || len(subs) == 0 {
		return
	}
	batch := cache.NewBatch(e.opts.Store)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	for _, sub := range subs {
		v := sub.Snapshot()
		if v == nil || v.Value == nil || e.written[sub] == v || v.Value.Check() != nil {
			continue
		}
		data, err := cache.Encode(e.cfg.Poller.WriterID, *v)
		if err != nil {
			e.opts.Metrics.ObserveCacheWriteError()
			e.opts.Suppressor.Error(sub.Identity(), "cache_write_state", "encode pool state failed",
				zap.Error(&model.PersistenceError{Key: e.statesKey, Err: err}))
			continue
		}
		batch.HashSet(e.statesKey, sub.Identity().Key(), data)
		e.written[sub] = v
	}
	if batch.Len() == 0 {
		return
	}
	staged := batch.Len()
	if err := batch.Flush(ctx); err != nil {
		e.opts.Metrics.ObserveCacheWriteError()
		e.opts.Logger.Warn("save pool states failed", zap.Int("states", staged),
			zap.Error(&model.PersistenceError{Key: e.statesKey, Err: err}))
	}
}

// Snapshots collects the last published state of every entity for a
// snapshot sink. It never reads the chain.
func (e *Engine) Snapshots() []storage.Snapshot {
	e.mu.RLock()
	out := make([]storage.Snapshot, 0, len(e.subscribers)+len(e.pollers))
	for _, sub := range e.subscribers {
		if v := sub.Snapshot(); v != nil {
			out = append(out, storage.NewSnapshot(sub.Identity(), *v))
		}
	}
	for _, p := range e.pollers {
		if v := p.Memory(); v != nil {
			out = append(out, storage.NewSnapshot(p.Identity(), *v))
		}
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
