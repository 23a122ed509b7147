package subscriber

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"poolSync/internal/logsuppress"
	"poolSync/internal/metrics"
	"poolSync/internal/model"
)

// Options carries the collaborators shared by every subscriber of a process.
type Options struct {
	Logger     *zap.Logger
	Suppressor *logsuppress.Suppressor
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Subscriber owns the snapshot of one entity. HandleBlock must be called from
// a single goroutine in increasing block order; Snapshot and Current are safe
// for concurrent readers.
type Subscriber[S, E any] struct {
	id         model.EntityIdentity
	model      Model[S, E]
	addresses  map[common.Address]struct{}
	logger     *zap.Logger
	suppressor *logsuppress.Suppressor
	metrics    *metrics.Metrics
	now        func() time.Time

	snapshot      atomic.Pointer[model.Versioned[S]]
	resyncPending atomic.Bool
	generation    atomic.Uint64
	publishMu     sync.Mutex
	// publishedGen is the generation of the last published resync, guarded by
	// publishMu.
	publishedGen uint64
}

func New[S, E any](id model.EntityIdentity, m Model[S, E], opts Options) *Subscriber[S, E] {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	addresses := make(map[common.Address]struct{})
	for _, addr := range m.Addresses() {
		addresses[addr] = struct{}{}
	}
	return &Subscriber[S, E]{
		id:         id,
		model:      m,
		addresses:  addresses,
		logger:     opts.Logger.With(zap.String("entity", id.Key())),
		suppressor: opts.Suppressor,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
}

func (s *Subscriber[S, E]) Identity() model.EntityIdentity {
	return s.id
}

// Addresses lists every log emitter the entity consumes.
func (s *Subscriber[S, E]) Addresses() []common.Address {
	return s.model.Addresses()
}

// Snapshot returns the latest published snapshot without triggering a resync.
func (s *Subscriber[S, E]) Snapshot() *model.Versioned[S] {
	return s.snapshot.Load()
}

// ResyncPending reports whether the next access will re-read the state.
func (s *Subscriber[S, E]) ResyncPending() bool {
	return s.resyncPending.Load()
}

// Initialize reads the full state at atBlock and publishes it. A height below
// the current snapshot is raised to it, so versions never go backwards. The
// result is discarded as superseded when a newer height, or a later resync of
// the same height, was published in the meantime. It does not retry.
func (s *Subscriber[S, E]) Initialize(ctx context.Context, atBlock uint64) (model.Versioned[S], error) {
	gen := s.generation.Add(1)
	if cur := s.snapshot.Load(); cur != nil && atBlock < cur.AsOfBlock {
		s.logger.Debug("resync height raised to current snapshot",
			zap.Uint64("requested_block", atBlock),
			zap.Uint64("block", cur.AsOfBlock),
		)
		atBlock = cur.AsOfBlock
	}
	state, err := s.model.Fetch(ctx, atBlock)
	if err != nil {
		s.metrics.ObserveResync(s.id.Dex, "failed")
		return model.Versioned[S]{}, err
	}
	v := model.Versioned[S]{Value: state, AsOfBlock: atBlock, ObservedAt: s.now()}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if latest := s.snapshot.Load(); latest != nil &&
		(latest.AsOfBlock > atBlock || (latest.AsOfBlock == atBlock && s.publishedGen > gen)) {
		s.logger.Debug("resync result discarded", zap.Uint64("block", atBlock), zap.Uint64("generation", gen))
		return v, ErrSuperseded
	}
	s.snapshot.Store(&v)
	s.publishedGen = gen
	if checkErr := s.model.Check(state); checkErr != nil {
		s.resyncPending.Store(true)
		s.suppressor.Warn(s.id, "invalid_after_resync", "state invalid after full read",
			zap.Uint64("block", atBlock), zap.Error(checkErr))
	} else {
		s.resyncPending.Store(false)
	}
	s.metrics.ObserveResync(s.id.Dex, "ok")
	s.logger.Debug("state initialized", zap.Uint64("block", atBlock))
	return v, nil
}

// ApplyBlock applies logs in order to prev. It reports false when no log in
// the batch is relevant, in which case prev should be kept. The returned state
// may be invalid; application stops at the first event that invalidates it.
func (s *Subscriber[S, E]) ApplyBlock(prev S, logs []types.Log, header model.BlockHeader) (S, bool) {
	next, _, ok := s.applyBlock(prev, logs, header)
	return next, ok
}

func (s *Subscriber[S, E]) applyBlock(prev S, logs []types.Log, header model.BlockHeader) (S, int, bool) {
	var (
		state   S
		applied int
	)
	for _, lg := range logs {
		if _, ok := s.addresses[lg.Address]; !ok {
			continue
		}
		event, err := s.model.Decode(lg)
		if err != nil {
			if errors.Is(err, ErrUnrecognized) {
				continue
			}
			s.metrics.ObserveDecodeFailure(s.id.Dex)
			s.suppressor.Warn(s.id, "decode", "skip undecodable log",
				zap.Uint64("block", header.Number),
				zap.String("tx", lg.TxHash.Hex()),
				zap.Uint("log_index", lg.Index),
				zap.Error(err),
			)
			continue
		}
		if applied == 0 {
			state = s.model.Clone(prev)
		}
		state = s.model.Apply(state, event, header)
		applied++
		if s.model.Check(state) != nil {
			break
		}
	}
	if applied == 0 {
		return prev, 0, false
	}
	return state, applied, true
}

// HandleBlock advances the entity by one delivered block. A missing or
// invalid snapshot is replaced by a full read at the block instead.
func (s *Subscriber[S, E]) HandleBlock(ctx context.Context, header model.BlockHeader, logs []types.Log) error {
	cur := s.snapshot.Load()
	if cur == nil || s.resyncPending.Load() {
		_, err := s.Initialize(ctx, header.Number)
		if errors.Is(err, ErrSuperseded) {
			return nil
		}
		return err
	}
	if header.Number <= cur.AsOfBlock {
		return nil
	}

	value, applied, ok := s.applyBlock(cur.Value, logs, header)
	invalid := false
	if ok {
		if err := s.model.Check(value); err != nil {
			invalid = true
			s.suppressor.Warn(s.id, "invalid", "state invalidated, resync scheduled",
				zap.Uint64("block", header.Number), zap.Error(err))
		}
	}
	next := &model.Versioned[S]{Value: value, AsOfBlock: header.Number, ObservedAt: s.now()}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if latest := s.snapshot.Load(); latest != cur {
		// a resync published while this block was being applied
		return nil
	}
	s.snapshot.Store(next)
	if invalid {
		s.resyncPending.Store(true)
	}
	s.metrics.ObserveBlock(s.id.Dex, header.Number, applied)
	return nil
}

// Current returns the snapshot for readers, first re-reading the state when a
// resync is pending. The re-read happens at atBlock or at the snapshot height,
// whichever is newer. It reports false when no usable state exists.
func (s *Subscriber[S, E]) Current(ctx context.Context, atBlock uint64) (*model.Versioned[S], bool) {
	if s.resyncPending.Load() {
		if _, err := s.Initialize(ctx, atBlock); err != nil && !errors.Is(err, ErrSuperseded) {
			s.suppressor.Error(s.id, "resync", "resync failed", zap.Uint64("block", atBlock), zap.Error(err))
			return nil, false
		}
	}
	cur := s.snapshot.Load()
	if cur == nil || s.model.Check(cur.Value) != nil {
		return nil, false
	}
	return cur, true
}
