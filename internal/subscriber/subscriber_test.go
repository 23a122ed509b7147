package subscriber

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"poolSync/internal/logsuppress"
	"poolSync/internal/model"
)

var (
	topicAdd    = common.HexToHash("0x01")
	topicBroken = common.HexToHash("0x02")
	topicOther  = common.HexToHash("0x03")

	baseAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	ownAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	otherAddr = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type counter struct {
	Sum    int64
	Events []int64
}

type counterModel struct {
	addr common.Address

	mu      sync.Mutex
	fetches []uint64
	fetch   func(ctx context.Context, block uint64) (counter, error)
}

func (m *counterModel) Addresses() []common.Address { return []common.Address{m.addr} }

func (m *counterModel) Decode(lg types.Log) (int64, error) {
	switch lg.Topics[0] {
	case topicAdd:
		if len(lg.Data) != 8 {
			return 0, errors.New("bad payload")
		}
		return int64(binary.BigEndian.Uint64(lg.Data)), nil
	case topicBroken:
		return 0, errors.New("broken log")
	default:
		return 0, ErrUnrecognized
	}
}

func (m *counterModel) Apply(state counter, ev int64, _ model.BlockHeader) counter {
	state.Sum += ev
	state.Events = append(state.Events, ev)
	return state
}

func (m *counterModel) Clone(state counter) counter {
	state.Events = append([]int64(nil), state.Events...)
	return state
}

func (m *counterModel) Check(state counter) error {
	if state.Sum < 0 {
		return errors.New("negative sum")
	}
	return nil
}

func (m *counterModel) Fetch(ctx context.Context, block uint64) (counter, error) {
	m.mu.Lock()
	m.fetches = append(m.fetches, block)
	fetch := m.fetch
	m.mu.Unlock()
	if fetch != nil {
		return fetch(ctx, block)
	}
	return counter{Sum: 100}, nil
}

func (m *counterModel) fetchedAt() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.fetches...)
}

func addLog(addr common.Address, v int64) types.Log {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(v))
	return types.Log{Address: addr, Topics: []common.Hash{topicAdd}, Data: data}
}

func topicLog(addr common.Address, topic common.Hash) types.Log {
	return types.Log{Address: addr, Topics: []common.Hash{topic}}
}

var testID = model.NewEntityIdentity("toy", 1, baseAddr)

func newCounterSubscriber(m *counterModel, opts Options) *Subscriber[counter, int64] {
	return New[counter, int64](testID, m, opts)
}

func TestApplyBlockSkipsDecodeFailure(t *testing.T) {
	sub := newCounterSubscriber(&counterModel{addr: baseAddr}, Options{})
	prev := counter{Sum: 0, Events: make([]int64, 0, 8)}

	next, ok := sub.ApplyBlock(prev, []types.Log{
		addLog(baseAddr, 1),
		addLog(baseAddr, 2),
		topicLog(baseAddr, topicBroken),
		addLog(baseAddr, 3),
		addLog(baseAddr, 4),
	}, model.BlockHeader{Number: 5})

	require.True(t, ok)
	assert.Equal(t, int64(10), next.Sum)
	assert.Equal(t, []int64{1, 2, 3, 4}, next.Events)
	assert.Empty(t, prev.Events, "previous snapshot is untouched")
}

func TestApplyBlockIrrelevantBatch(t *testing.T) {
	sub := newCounterSubscriber(&counterModel{addr: baseAddr}, Options{})
	prev := counter{Sum: 7}

	next, ok := sub.ApplyBlock(prev, []types.Log{
		addLog(otherAddr, 5),
		topicLog(baseAddr, topicOther),
	}, model.BlockHeader{Number: 5})

	assert.False(t, ok)
	assert.Equal(t, prev, next)
}

func TestApplyBlockStopsAtFirstInvalidEvent(t *testing.T) {
	sub := newCounterSubscriber(&counterModel{addr: baseAddr}, Options{})

	next, ok := sub.ApplyBlock(counter{}, []types.Log{
		addLog(baseAddr, 1),
		addLog(baseAddr, -5),
		addLog(baseAddr, 10),
	}, model.BlockHeader{Number: 5})

	require.True(t, ok)
	assert.Equal(t, []int64{1, -5}, next.Events)
}

func TestHandleBlockResyncsOnNextAccess(t *testing.T) {
	m := &counterModel{addr: baseAddr}
	sub := newCounterSubscriber(m, Options{})
	ctx := context.Background()

	require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: 10}, nil))
	assert.Equal(t, []uint64{10}, m.fetchedAt())

	require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: 11}, []types.Log{addLog(baseAddr, 5)}))
	assert.Equal(t, int64(105), sub.Snapshot().Value.Sum)

	require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: 12}, []types.Log{addLog(baseAddr, -200)}))
	assert.True(t, sub.ResyncPending())
	assert.Equal(t, uint64(12), sub.Snapshot().AsOfBlock)

	require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: 13}, []types.Log{addLog(baseAddr, 1)}))
	assert.Equal(t, []uint64{10, 13}, m.fetchedAt(), "invalid state is re-read, never incremented")
	assert.False(t, sub.ResyncPending())
	assert.Equal(t, int64(100), sub.Snapshot().Value.Sum)
	assert.Equal(t, uint64(13), sub.Snapshot().AsOfBlock)
}

func TestHandleBlockIrrelevantAdvancesHeight(t *testing.T) {
	m := &counterModel{addr: baseAddr}
	sub := newCounterSubscriber(m, Options{})
	ctx := context.Background()

	require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: 10}, nil))
	before := sub.Snapshot()
	require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: 11}, []types.Log{addLog(otherAddr, 1)}))
	after := sub.Snapshot()

	assert.Equal(t, uint64(11), after.AsOfBlock)
	assert.Equal(t, before.Value, after.Value)

	require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: 11}, []types.Log{addLog(baseAddr, 1)}))
	assert.Same(t, after, sub.Snapshot(), "replayed heights are ignored")
}

func TestCurrentTriggersPendingResync(t *testing.T) {
	m := &counterModel{addr: baseAddr}
	sub := newCounterSubscriber(m, Options{})
	ctx := context.Background()

	require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: 10}, nil))
	require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: 11}, []types.Log{addLog(baseAddr, -500)}))

	got, ok := sub.Current(ctx, 15)
	require.True(t, ok)
	assert.Equal(t, uint64(15), got.AsOfBlock)
	assert.Equal(t, []uint64{10, 15}, m.fetchedAt())
}

func TestCurrentReportsFailedResync(t *testing.T) {
	m := &counterModel{addr: baseAddr}
	sub := newCounterSubscriber(m, Options{})
	ctx := context.Background()

	require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: 10}, nil))
	require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: 11}, []types.Log{addLog(baseAddr, -500)}))
	m.fetch = func(context.Context, uint64) (counter, error) { return counter{}, errors.New("rpc down") }

	_, ok := sub.Current(ctx, 12)
	assert.False(t, ok)
	assert.True(t, sub.ResyncPending())
}

func TestInitializeLatestResyncWins(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	m := &counterModel{addr: baseAddr}
	m.fetch = func(_ context.Context, block uint64) (counter, error) {
		if block == 1 {
			close(entered)
			<-release
		}
		return counter{Sum: int64(block)}, nil
	}
	sub := newCounterSubscriber(m, Options{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := sub.Initialize(ctx, 1)
		done <- err
	}()
	<-entered

	_, err := sub.Initialize(ctx, 2)
	require.NoError(t, err)
	close(release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("first resync did not finish")
	}
	assert.Equal(t, int64(2), sub.Snapshot().Value.Sum)
}

func TestCurrentNeverResyncsBelowSnapshot(t *testing.T) {
	m := &counterModel{addr: baseAddr}
	sub := newCounterSubscriber(m, Options{})
	ctx := context.Background()

	require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: 10}, nil))
	require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: 11}, []types.Log{addLog(baseAddr, -500)}))
	require.True(t, sub.ResyncPending())

	got, ok := sub.Current(ctx, 5)
	require.True(t, ok)
	assert.Equal(t, uint64(11), got.AsOfBlock)
	assert.Equal(t, []uint64{10, 11}, m.fetchedAt())

	require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: 12}, []types.Log{addLog(baseAddr, 1)}))
	assert.Equal(t, uint64(12), sub.Snapshot().AsOfBlock)
	assert.Equal(t, int64(101), sub.Snapshot().Value.Sum)
}

func TestInitializeBelowSnapshotIsRaised(t *testing.T) {
	m := &counterModel{addr: baseAddr}
	sub := newCounterSubscriber(m, Options{})
	ctx := context.Background()

	_, err := sub.Initialize(ctx, 20)
	require.NoError(t, err)
	v, err := sub.Initialize(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), v.AsOfBlock)
	assert.Equal(t, []uint64{20, 20}, m.fetchedAt())
}

func TestNewerHeightSurvivesLaterLowerResync(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	m := &counterModel{addr: baseAddr}
	var held bool
	m.fetch = func(_ context.Context, block uint64) (counter, error) {
		if block == 11 && !held {
			held = true
			close(entered)
			<-release
		}
		return counter{Sum: int64(block)}, nil
	}
	sub := newCounterSubscriber(m, Options{})
	ctx := context.Background()
	_, err := sub.Initialize(ctx, 10)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sub.Initialize(ctx, 11)
		done <- err
	}()
	<-entered

	// started later, so it carries the newer generation but the older height
	v, err := sub.Initialize(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), v.AsOfBlock)
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("resync at 11 did not finish")
	}
	assert.Equal(t, uint64(11), sub.Snapshot().AsOfBlock)
	assert.Equal(t, int64(11), sub.Snapshot().Value.Sum)

	_, err = sub.Initialize(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), sub.Snapshot().AsOfBlock)
}

func TestSnapshotVersionsNeverDecrease(t *testing.T) {
	m := &counterModel{addr: baseAddr}
	sub := newCounterSubscriber(m, Options{})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	var last uint64
	check := func(step int) {
		cur := sub.Snapshot()
		if cur == nil {
			return
		}
		require.GreaterOrEqual(t, cur.AsOfBlock, last, "step %d", step)
		last = cur.AsOfBlock
	}

	head := uint64(10)
	for step := 0; step < 500; step++ {
		switch rng.Intn(4) {
		case 0, 1:
			head++
			delta := int64(rng.Intn(10))
			if rng.Intn(5) == 0 {
				delta = -1000
			}
			require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: head}, []types.Log{addLog(baseAddr, delta)}))
		case 2:
			sub.Current(ctx, uint64(rng.Int63n(int64(head)+3)))
		case 3:
			_, err := sub.Initialize(ctx, uint64(rng.Int63n(int64(head)+3)))
			require.NoError(t, err)
		}
		check(step)
	}
}

func TestSnapshotVersionsNeverDecreaseConcurrently(t *testing.T) {
	m := &counterModel{addr: baseAddr}
	sub := newCounterSubscriber(m, Options{})
	ctx := context.Background()
	require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: 10}, nil))

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func(seed int64) {
			defer readers.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
				}
				height := uint64(rng.Int63n(220))
				if rng.Intn(2) == 0 {
					sub.Current(ctx, height)
				} else {
					_, _ = sub.Initialize(ctx, height)
				}
			}
		}(int64(r))
	}

	regressed := make(chan uint64, 1)
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		var last uint64
		for {
			select {
			case <-stop:
				return
			default:
			}
			if cur := sub.Snapshot(); cur != nil {
				if cur.AsOfBlock < last {
					select {
					case regressed <- cur.AsOfBlock:
					default:
					}
					return
				}
				last = cur.AsOfBlock
			}
		}
	}()

	for block := uint64(11); block <= 200; block++ {
		delta := int64(1)
		if block%17 == 0 {
			delta = -1000
		}
		require.NoError(t, sub.HandleBlock(ctx, model.BlockHeader{Number: block}, []types.Log{addLog(baseAddr, delta)}))
	}
	close(stop)
	readers.Wait()
	watcher.Wait()

	select {
	case got := <-regressed:
		t.Fatalf("snapshot went back to block %d", got)
	default:
	}
	assert.GreaterOrEqual(t, sub.Snapshot().AsOfBlock, uint64(200))
}

func TestDecodeFailuresAreSuppressed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	sub := newCounterSubscriber(&counterModel{addr: baseAddr}, Options{
		Logger:     logger,
		Suppressor: logsuppress.New(logger, time.Hour, nil),
	})

	sub.ApplyBlock(counter{}, []types.Log{
		topicLog(baseAddr, topicBroken),
		topicLog(baseAddr, topicBroken),
		topicLog(baseAddr, topicBroken),
	}, model.BlockHeader{Number: 1})

	assert.Equal(t, 1, logs.FilterMessage("skip undecodable log").Len())
}
