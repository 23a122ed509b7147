package engine

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolSync/internal/cache"
	"poolSync/internal/dex"
	"poolSync/internal/model"
	"poolSync/internal/multicall"
	"poolSync/internal/poller"
	"poolSync/internal/uniswapv3"
)

var (
	poolA  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	poolB  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	token0 = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	token1 = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

// fakeChain serves every pool as a fee 3000 pool at tick 0 with one position
// spanning [-600, 600).
type fakeChain struct {
	t    *testing.T
	head uint64

	mu    sync.Mutex
	calls int
}

func (f *fakeChain) Aggregate(_ context.Context, calls []multicall.Call, atBlock uint64) (multicall.Batch, error) {
	f.mu.Lock()
	f.calls += len(calls)
	f.mu.Unlock()

	block := atBlock
	if block == 0 {
		block = f.head
	}
	results := make([]multicall.Result, len(calls))
	for i, call := range calls {
		value, err := call.Decode(f.answer(call))
		require.NoError(f.t, err)
		results[i] = multicall.Result{Value: value}
	}
	return multicall.Batch{BlockNumber: block, Results: results}, nil
}

func deep() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
}

func (f *fakeChain) answer(call multicall.Call) []byte {
	poolABI, err := dex.V3PoolABI()
	require.NoError(f.t, err)
	erc20, err := dex.ERC20ABI()
	require.NoError(f.t, err)

	id := call.Data[:4]
	if method, err := erc20.MethodById(id); err == nil {
		return f.pack(method, deep())
	}
	method, err := poolABI.MethodById(id)
	require.NoError(f.t, err)
	args, err := method.Inputs.Unpack(call.Data[4:])
	require.NoError(f.t, err)

	zero := new(big.Int)
	switch method.Name {
	case "token0":
		return f.pack(method, token0)
	case "token1":
		return f.pack(method, token1)
	case "fee":
		return f.pack(method, big.NewInt(3000))
	case "tickSpacing":
		return f.pack(method, big.NewInt(60))
	case "slot0":
		sqrt, err := uniswapv3.GetSqrtRatioAtTick(0)
		require.NoError(f.t, err)
		return f.pack(method, sqrt, zero, uint16(0), uint16(1), uint16(1), uint8(0), true)
	case "liquidity":
		return f.pack(method, deep())
	case "tickBitmap":
		switch args[0].(int16) {
		case -1:
			return f.pack(method, new(big.Int).Lsh(big.NewInt(1), 246))
		case 0:
			return f.pack(method, new(big.Int).Lsh(big.NewInt(1), 10))
		}
		return f.pack(method, zero)
	case "ticks":
		tick := args[0].(*big.Int).Int64()
		net := deep()
		if tick > 0 {
			net.Neg(net)
		}
		return f.pack(method, deep(), net, zero, zero, zero, zero, uint32(0), true)
	case "observations":
		return f.pack(method, uint32(100), zero, zero, true)
	}
	f.t.Fatalf("unexpected method %s", method.Name)
	return nil
}

func (f *fakeChain) pack(method *abi.Method, values ...any) []byte {
	out, err := method.Outputs.Pack(values...)
	require.NoError(f.t, err)
	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeChain, *poller.Scheduler) {
	t.Helper()
	chain := &fakeChain{t: t, head: 1000}
	decoder, err := dex.NewV3PoolDecoder(dex.DecoderConfig{})
	require.NoError(t, err)
	scheduler := poller.NewScheduler(chain, time.Second, nil, nil, nil)
	e, err := New(Config{
		Dex:     "uniswapv3",
		Network: 1,
		Poller:  poller.Config{Prefix: "test", Role: cache.RoleMaster, WriterID: "engine-test"},
	}, Options{
		Aggregator: chain,
		Decoder:    decoder,
		Store:      cache.NewMemory(),
		Scheduler:  scheduler,
	})
	require.NoError(t, err)
	return e, chain, scheduler
}

func tickTopic(tick int32) common.Hash {
	v := big.NewInt(int64(tick))
	if tick < 0 {
		v.Add(v, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return common.BigToHash(v)
}

func mintLog(t *testing.T, pool common.Address, lower, upper int32, amount int64) types.Log {
	t.Helper()
	poolABI, err := dex.V3PoolABI()
	require.NoError(t, err)
	event := poolABI.Events["Mint"]
	data, err := event.Inputs.NonIndexed().Pack(common.HexToAddress("0x0a"), big.NewInt(amount), big.NewInt(5), big.NewInt(7))
	require.NoError(t, err)
	owner := common.BytesToHash(common.HexToAddress("0x0b").Bytes())
	return types.Log{
		Address: pool,
		Topics:  []common.Hash{event.ID, owner, tickTopic(lower), tickTopic(upper)},
		Data:    data,
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Config{Dex: "uniswapv3"}, Options{})
	require.Error(t, err)

	chain := &fakeChain{t: t}
	_, err = New(Config{}, Options{Aggregator: chain, Decoder: &dex.V3PoolDecoder{}})
	require.Error(t, err)
}

func TestSubscribeAndRouteBlocks(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Subscribe(ctx, poolA, 1000))
	require.NoError(t, e.Subscribe(ctx, poolB, 1000))
	assert.Equal(t, []common.Address{poolA, poolB}, e.Addresses())

	header := model.BlockHeader{Number: 1001, Timestamp: 200}
	require.NoError(t, e.HandleBatch(ctx, header, []types.Log{mintLog(t, poolA, -60, 60, 500)}))

	a, ok := e.GetState(ctx, e.Identity(poolA), 1001)
	require.True(t, ok)
	require.NotNil(t, a.Pool)
	assert.Equal(t, uint64(1001), a.AsOfBlock)
	want := new(big.Int).Add(deep(), big.NewInt(500))
	assert.Equal(t, want.String(), a.Pool.Liquidity.String())

	b, ok := e.GetState(ctx, e.Identity(poolB), 1001)
	require.True(t, ok)
	assert.Equal(t, uint64(1001), b.AsOfBlock, "pools without logs still advance")
	assert.Equal(t, deep().String(), b.Pool.Liquidity.String())
}

func TestRegisteringTwiceFails(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Subscribe(ctx, poolA, 1000))
	assert.ErrorIs(t, e.Subscribe(ctx, poolA, 1000), ErrAlreadyRegistered)
	assert.ErrorIs(t, e.Track(ctx, poolA), ErrAlreadyRegistered)

	require.NoError(t, e.Track(ctx, poolB))
	assert.ErrorIs(t, e.Subscribe(ctx, poolB, 1000), ErrAlreadyRegistered)
}

func TestTrackedPoolIsPolled(t *testing.T) {
	e, _, scheduler := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Track(ctx, poolB))
	id := e.Identity(poolB)
	assert.Equal(t, []string{id.Key()}, scheduler.Tracked())

	block, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), block)

	st, ok := e.GetState(ctx, id, 1000)
	require.True(t, ok)
	require.NotNil(t, st.Summary)
	assert.Nil(t, st.Pool)
	assert.Equal(t, deep().String(), st.Summary.Liquidity.String())
	assert.Equal(t, deep().String(), st.Summary.Balance1.String())

	require.NoError(t, e.SetLiquidityEstimate(ctx, id, 2_000_000, 1000))
	assert.ErrorIs(t, e.SetLiquidityEstimate(ctx, e.Identity(poolA), 1, 1000), ErrNotPolled)

	snaps := e.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, id.Key(), snaps[0].Identity)
}

func TestUnsubscribeRemovesEntity(t *testing.T) {
	e, _, scheduler := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Subscribe(ctx, poolA, 1000))
	require.NoError(t, e.Track(ctx, poolB))

	e.Unsubscribe(e.Identity(poolA))
	e.Unsubscribe(e.Identity(poolB))

	assert.Empty(t, e.Addresses())
	assert.Empty(t, scheduler.Tracked())
	_, ok := e.GetState(ctx, e.Identity(poolA), 0)
	assert.False(t, ok)
	assert.ErrorIs(t, e.Initialize(ctx, e.Identity(poolA), 1000), ErrUnknownEntity)

	require.NoError(t, e.Subscribe(ctx, poolA, 1000), "identity can be registered again")
}

func TestQuoteAgainstSubscribedPool(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Subscribe(ctx, poolA, 1000))

	q, block, err := e.Quote(ctx, e.Identity(poolA), big.NewInt(1_000_000), true, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), block)
	assert.Equal(t, 1, q.AmountOut.Sign())
	assert.True(t, q.AmountOut.Cmp(big.NewInt(1_000_000)) < 0)

	_, _, err = e.Quote(ctx, e.Identity(poolA), big.NewInt(0), true, 0)
	assert.ErrorIs(t, err, uniswapv3.ErrInvalidAmount)

	_, _, err = e.Quote(ctx, e.Identity(poolB), big.NewInt(1), true, 0)
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestMasterWritesSubscribedStatesToCache(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	store := e.opts.Store
	key := cache.StatesKey("test", 1, "uniswapv3")
	field := e.Identity(poolA).Key()

	type cachedPool struct {
		Liquidity *big.Int `json:"liquidity"`
	}
	read := func() model.Versioned[cachedPool] {
		t.Helper()
		data, ok, err := store.HashGet(ctx, key, field)
		require.NoError(t, err)
		require.True(t, ok)
		v, writer, err := cache.Decode[cachedPool](data)
		require.NoError(t, err)
		assert.Equal(t, "engine-test", writer)
		return v
	}

	require.NoError(t, e.Subscribe(ctx, poolA, 1000))
	v := read()
	assert.Equal(t, uint64(1000), v.AsOfBlock)
	assert.Equal(t, deep().String(), v.Value.Liquidity.String())

	header := model.BlockHeader{Number: 1001, Timestamp: 200}
	require.NoError(t, e.HandleBatch(ctx, header, []types.Log{mintLog(t, poolA, -60, 60, 500)}))
	v = read()
	assert.Equal(t, uint64(1001), v.AsOfBlock)
	want := new(big.Int).Add(deep(), big.NewInt(500))
	assert.Equal(t, want.String(), v.Value.Liquidity.String())
}

func TestReplicaLeavesCacheUntouched(t *testing.T) {
	chain := &fakeChain{t: t, head: 1000}
	decoder, err := dex.NewV3PoolDecoder(dex.DecoderConfig{})
	require.NoError(t, err)
	store := cache.NewMemory()
	e, err := New(Config{
		Dex:     "uniswapv3",
		Network: 1,
		Poller:  poller.Config{Prefix: "test", Role: cache.RoleReplica},
	}, Options{Aggregator: chain, Decoder: decoder, Store: store})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.Subscribe(ctx, poolA, 1000))
	require.NoError(t, e.HandleBatch(ctx, model.BlockHeader{Number: 1001}, nil))

	_, ok, err := store.HashGet(ctx, cache.StatesKey("test", 1, "uniswapv3"), e.Identity(poolA).Key())
	require.NoError(t, err)
	assert.False(t, ok)
}
