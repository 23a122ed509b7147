package poller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"poolSync/internal/cache"
	"poolSync/internal/logsuppress"
	"poolSync/internal/metrics"
	"poolSync/internal/model"
	"poolSync/internal/multicall"
)

// Pollable is the type-erased view of a Poller used by the Scheduler.
type Pollable interface {
	Identity() model.EntityIdentity
	Calls() ([]multicall.Call, error)
	Update(ctx context.Context, results []multicall.Result, block uint64) error
	RefreshTracking(ctx context.Context)
	IsTracked() bool
}

// BatchUpdater is implemented by pollers whose cache writes can join the
// cycle's batch.
type BatchUpdater interface {
	UpdateBatch(ctx context.Context, results []multicall.Result, block uint64, batch *cache.Batch) error
}

// Scheduler runs the process-wide polling cycle. Every cycle merges the reads
// of all tracked entities into one aggregate and hands each entity back its
// slice of the results.
type Scheduler struct {
	agg        Aggregator
	interval   time.Duration
	logger     *zap.Logger
	suppressor *logsuppress.Suppressor
	metrics    *metrics.Metrics
	store      cache.Store

	mu      sync.Mutex
	pollers map[string]Pollable
	tracked map[string]struct{}
}

func NewScheduler(agg Aggregator, interval time.Duration, logger *zap.Logger, suppressor *logsuppress.Suppressor, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 12 * time.Second
	}
	return &Scheduler{
		agg:        agg,
		interval:   interval,
		logger:     logger,
		suppressor: suppressor,
		metrics:    m,
		pollers:    make(map[string]Pollable),
		tracked:    make(map[string]struct{}),
	}
}

// UseStore makes every cycle collect the state writes of its pollers and send
// them to store together once all results are applied.
func (s *Scheduler) UseStore(store cache.Store) {
	s.store = store
}

// Register adds a poller to the schedule according to its current tracking.
func (s *Scheduler) Register(p Pollable) {
	key := p.Identity().Key()
	tracked := p.IsTracked()

	s.mu.Lock()
	s.pollers[key] = p
	if tracked {
		s.tracked[key] = struct{}{}
	} else {
		delete(s.tracked, key)
	}
	n := len(s.tracked)
	s.mu.Unlock()
	s.metrics.SetTracked(n)
}

func (s *Scheduler) Remove(id model.EntityIdentity) {
	s.mu.Lock()
	delete(s.pollers, id.Key())
	delete(s.tracked, id.Key())
	n := len(s.tracked)
	s.mu.Unlock()
	s.metrics.SetTracked(n)
}

func (s *Scheduler) EnableStateTracking(id model.EntityIdentity) {
	s.mu.Lock()
	if _, ok := s.pollers[id.Key()]; ok {
		s.tracked[id.Key()] = struct{}{}
	}
	n := len(s.tracked)
	s.mu.Unlock()
	s.metrics.SetTracked(n)
	s.logger.Debug("state tracking enabled", zap.String("entity", id.Key()))
}

func (s *Scheduler) DisableStateTracking(id model.EntityIdentity) {
	s.mu.Lock()
	delete(s.tracked, id.Key())
	n := len(s.tracked)
	s.mu.Unlock()
	s.metrics.SetTracked(n)
	s.logger.Debug("state tracking disabled", zap.String("entity", id.Key()))
}

// Tracked lists the identity keys polled by the next cycle.
func (s *Scheduler) Tracked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tracked))
	for key := range s.tracked {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Scheduler) all() []Pollable {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pollable, 0, len(s.pollers))
	for _, p := range s.pollers {
		out = append(out, p)
	}
	return out
}

func (s *Scheduler) trackedPollers() []Pollable {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tracked))
	for key := range s.tracked {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]Pollable, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.pollers[key])
	}
	return out
}

// RunOnce performs one polling cycle and returns the block it was read at.
func (s *Scheduler) RunOnce(ctx context.Context) (uint64, error) {
	for _, p := range s.all() {
		p.RefreshTracking(ctx)
	}

	type span struct {
		poller Pollable
		start  int
		end    int
	}
	var (
		calls []multicall.Call
		spans []span
	)
	for _, p := range s.trackedPollers() {
		pc, err := p.Calls()
		if err != nil {
			s.suppressor.Warn(p.Identity(), "build_calls", "build poll calls failed", zap.Error(err))
			continue
		}
		spans = append(spans, span{poller: p, start: len(calls), end: len(calls) + len(pc)})
		calls = append(calls, pc...)
	}
	if len(calls) == 0 {
		return 0, nil
	}

	batch, err := s.agg.Aggregate(ctx, calls, 0)
	if err != nil {
		return 0, fmt.Errorf("poll cycle: %w", err)
	}
	var writes *cache.Batch
	if s.store != nil {
		writes = cache.NewBatch(s.store)
	}
	for _, sp := range spans {
		results := batch.Results[sp.start:sp.end]
		var err error
		if bu, ok := sp.poller.(BatchUpdater); ok && writes != nil {
			err = bu.UpdateBatch(ctx, results, batch.BlockNumber, writes)
		} else {
			err = sp.poller.Update(ctx, results, batch.BlockNumber)
		}
		if err != nil {
			s.suppressor.Warn(sp.poller.Identity(), "poll_update", "apply polled state failed", zap.Error(err))
		}
	}
	if writes != nil && writes.Len() > 0 {
		staged := writes.Len()
		if err := writes.Flush(ctx); err != nil {
			s.metrics.ObserveCacheWriteError()
			s.logger.Warn("save polled states failed", zap.Int("states", staged), zap.Error(err))
		}
	}
	s.logger.Debug("poll cycle complete",
		zap.Int("entities", len(spans)),
		zap.Int("calls", len(calls)),
		zap.Uint64("block", batch.BlockNumber),
	)
	return batch.BlockNumber, nil
}

// Run polls every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("poll cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
