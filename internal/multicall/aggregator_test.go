package multicall

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolSync/internal/metrics"
	"poolSync/internal/model"
)

var blockTarget = common.HexToAddress("0x00000000000000000000000000000000000000b1")

type fakeTransport struct {
	mu       sync.Mutex
	head     uint64
	reverts  map[common.Address]bool
	failWith error
	batches  [][]RawCall
	blocks   []*big.Int
}

func (f *fakeTransport) BlockNumberCall() RawCall {
	return RawCall{Target: blockTarget, Data: []byte{0x42, 0xcb, 0xb1, 0x5c}}
}

func (f *fakeTransport) Execute(_ context.Context, calls []RawCall, block *big.Int) ([]RawResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, calls)
	f.blocks = append(f.blocks, block)
	if f.failWith != nil {
		return nil, f.failWith
	}

	height := f.head
	if block != nil {
		height = block.Uint64()
	}

	out := make([]RawResult, len(calls))
	for i, call := range calls {
		if call.Target == blockTarget {
			out[i] = RawResult{Success: true, ReturnData: common.BigToHash(new(big.Int).SetUint64(height)).Bytes()}
			continue
		}
		if f.reverts[call.Target] {
			out[i] = RawResult{Success: false}
			continue
		}
		out[i] = RawResult{Success: true, ReturnData: append([]byte(nil), call.Data...)}
	}
	return out, nil
}

func echoCall(target common.Address, payload byte) Call {
	return Call{
		Target: target,
		Data:   []byte{payload},
		Decode: func(ret []byte) (any, error) {
			if len(ret) != 1 {
				return nil, errors.New("unexpected payload")
			}
			return int(ret[0]), nil
		},
	}
}

func addr(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(1000 + i)))
}

func TestAggregatePreservesOrderAcrossChunks(t *testing.T) {
	transport := &fakeTransport{head: 500}
	agg := NewAggregator(transport, Config{MaxCallsPerChunk: 3, Concurrency: 2}, nil, metrics.New(prometheus.NewRegistry()))

	calls := make([]Call, 0, 10)
	for i := 0; i < 10; i++ {
		calls = append(calls, echoCall(addr(i), byte(i)))
	}

	batch, err := agg.Aggregate(context.Background(), calls, 0)
	require.NoError(t, err)
	require.Len(t, batch.Results, len(calls))
	assert.Equal(t, uint64(500), batch.BlockNumber)

	for i, res := range batch.Results {
		v, err := Value[int](res)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	require.Len(t, transport.batches, 5)
	for _, raw := range transport.batches {
		assert.Equal(t, blockTarget, raw[0].Target, "every chunk leads with the block number call")
		assert.LessOrEqual(t, len(raw), 3)
	}
	assert.Nil(t, transport.blocks[0], "first chunk reads the live head")
	for _, block := range transport.blocks[1:] {
		require.NotNil(t, block)
		assert.Equal(t, uint64(500), block.Uint64(), "later chunks are pinned to the first height")
	}
}

func TestAggregateAtFixedBlock(t *testing.T) {
	transport := &fakeTransport{head: 900}
	agg := NewAggregator(transport, Config{}, nil, nil)

	batch, err := agg.Aggregate(context.Background(), []Call{echoCall(addr(1), 7)}, 123)
	require.NoError(t, err)
	assert.Equal(t, uint64(123), batch.BlockNumber)
	assert.Equal(t, uint64(123), transport.blocks[0].Uint64())
}

func TestAggregateTolerantModeMarksReverts(t *testing.T) {
	transport := &fakeTransport{head: 10, reverts: map[common.Address]bool{addr(1): true}}
	agg := NewAggregator(transport, Config{AllowFailure: true}, nil, nil)

	batch, err := agg.Aggregate(context.Background(), []Call{
		echoCall(addr(0), 1),
		echoCall(addr(1), 2),
		echoCall(addr(2), 3),
	}, 0)
	require.NoError(t, err)

	assert.NoError(t, batch.Results[0].Err)
	assert.ErrorIs(t, batch.Results[1].Err, ErrCallReverted)
	assert.NoError(t, batch.Results[2].Err)
	for _, call := range transport.batches[0][1:] {
		assert.True(t, call.AllowFailure)
	}
}

func TestAggregateTolerantModeKeepsDecodeFailuresLocal(t *testing.T) {
	transport := &fakeTransport{head: 10}
	agg := NewAggregator(transport, Config{AllowFailure: true}, nil, nil)

	bad := Call{Target: addr(3), Data: []byte{1, 2}, Decode: func([]byte) (any, error) {
		return nil, errors.New("short")
	}}
	batch, err := agg.Aggregate(context.Background(), []Call{echoCall(addr(0), 1), bad}, 0)
	require.NoError(t, err)

	var decodeErr *model.DecodeError
	require.ErrorAs(t, batch.Results[1].Err, &decodeErr)
	assert.Equal(t, uint64(10), decodeErr.BlockNumber)
	assert.NoError(t, batch.Results[0].Err)
}

func TestAggregateStrictModeFailsWholeBatch(t *testing.T) {
	transport := &fakeTransport{head: 10, reverts: map[common.Address]bool{addr(1): true}}
	agg := NewAggregator(transport, Config{}, nil, nil)

	_, err := agg.Aggregate(context.Background(), []Call{echoCall(addr(0), 1), echoCall(addr(1), 2)}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallReverted)
}

func TestAggregateTransportErrorIsTyped(t *testing.T) {
	transport := &fakeTransport{failWith: errors.New("connection refused")}
	agg := NewAggregator(transport, Config{}, nil, nil)

	_, err := agg.Aggregate(context.Background(), []Call{echoCall(addr(0), 1)}, 5)
	var transportErr *model.TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestAggregateEmptyIssuesNoRoundTrip(t *testing.T) {
	transport := &fakeTransport{}
	agg := NewAggregator(transport, Config{}, nil, nil)

	batch, err := agg.Aggregate(context.Background(), nil, 77)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), batch.BlockNumber)
	assert.Empty(t, transport.batches)
}

func TestSplitChunksRespectsCost(t *testing.T) {
	calls := []Call{
		{Cost: 40},
		{Cost: 40},
		{Cost: 40},
		{Cost: 200},
		{Cost: 10},
	}
	got := splitChunks(calls, 10, 100+DefaultCallCost)
	assert.Equal(t, []chunk{{0, 2}, {2, 3}, {3, 4}, {4, 5}}, got)
}

func TestSplitChunksReservesLeadingCall(t *testing.T) {
	calls := make([]Call, 7)
	assert.Equal(t, []chunk{{0, 3}, {3, 6}, {6, 7}}, splitChunks(calls, 4, 1<<40))
	assert.Equal(t, []chunk{{0, 2}, {2, 4}, {4, 6}, {6, 7}}, splitChunks(calls, 10, 3*DefaultCallCost))

	got := splitChunks(calls[:3], 1, 1<<40)
	assert.Equal(t, []chunk{{0, 1}, {1, 2}, {2, 3}}, got, "a chunk always carries at least one call")
}

func TestAggregateRoundTripsStayWithinBounds(t *testing.T) {
	transport := &fakeTransport{head: 40}
	cfg := Config{MaxCallsPerChunk: 4, MaxChunkCost: 4 * DefaultCallCost}
	agg := NewAggregator(transport, cfg, nil, nil)

	calls := make([]Call, 0, 9)
	for i := 0; i < 9; i++ {
		calls = append(calls, echoCall(addr(i), byte(i)))
	}
	_, err := agg.Aggregate(context.Background(), calls, 0)
	require.NoError(t, err)

	require.Len(t, transport.batches, 3)
	for _, raw := range transport.batches {
		assert.LessOrEqual(t, len(raw), cfg.MaxCallsPerChunk)
		assert.LessOrEqual(t, uint64(len(raw))*DefaultCallCost, cfg.MaxChunkCost)
	}
}

func TestValueTypeMismatch(t *testing.T) {
	_, err := Value[string](Result{Value: 3})
	require.Error(t, err)
}
