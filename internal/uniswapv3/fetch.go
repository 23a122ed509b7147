package uniswapv3

import (
	"context"
	"fmt"
	"math/big"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"poolSync/internal/dex"
	"poolSync/internal/model"
	"poolSync/internal/multicall"
)

// Aggregator is the batched read the full fetch runs on.
type Aggregator interface {
	Aggregate(ctx context.Context, calls []multicall.Call, atBlock uint64) (multicall.Batch, error)
}

// FetchPoolState reads the complete state of pool at atBlock (zero reads the
// live head) and returns it with the height it reflects. Every phase after
// the first is pinned to the first phase's height.
func FetchPoolState(ctx context.Context, agg Aggregator, metas *dex.PoolMetaCache, pool common.Address, atBlock uint64) (*PoolState, uint64, error) {
	meta, err := FetchPoolMeta(ctx, agg, metas, pool, atBlock)
	if err != nil {
		return nil, 0, err
	}

	s, block, err := fetchSlots(ctx, agg, pool, meta, atBlock)
	if err != nil {
		return nil, 0, err
	}

	words, err := fetchWindow(ctx, agg, s, block)
	if err != nil {
		return nil, 0, err
	}

	if err := fetchTicks(ctx, agg, s, words, block); err != nil {
		return nil, 0, err
	}
	return s, block, nil
}

// FetchPoolMeta returns the immutable parameters of pool, reading them once
// per cache.
func FetchPoolMeta(ctx context.Context, agg Aggregator, metas *dex.PoolMetaCache, pool common.Address, atBlock uint64) (model.PoolMeta, error) {
	if meta, ok := metas.Get(pool); ok {
		return meta, nil
	}
	calls, err := dex.PoolMetaCalls(pool)
	if err != nil {
		return model.PoolMeta{}, err
	}
	batch, err := agg.Aggregate(ctx, calls, atBlock)
	if err != nil {
		return model.PoolMeta{}, fmt.Errorf("read pool meta %s: %w", pool.Hex(), err)
	}
	meta, err := dex.ParsePoolMeta(batch.Results)
	if err != nil {
		return model.PoolMeta{}, fmt.Errorf("parse pool meta %s: %w", pool.Hex(), err)
	}
	metas.Set(pool, meta)
	return meta, nil
}

func fetchSlots(ctx context.Context, agg Aggregator, pool common.Address, meta model.PoolMeta, atBlock uint64) (*PoolState, uint64, error) {
	slot0Call, err := dex.Slot0Call(pool)
	if err != nil {
		return nil, 0, err
	}
	liquidityCall, err := dex.LiquidityCall(pool)
	if err != nil {
		return nil, 0, err
	}
	balance0Call, err := dex.BalanceOfCall(meta.Token0, pool)
	if err != nil {
		return nil, 0, err
	}
	balance1Call, err := dex.BalanceOfCall(meta.Token1, pool)
	if err != nil {
		return nil, 0, err
	}

	batch, err := agg.Aggregate(ctx, []multicall.Call{slot0Call, liquidityCall, balance0Call, balance1Call}, atBlock)
	if err != nil {
		return nil, 0, fmt.Errorf("read pool slots %s: %w", pool.Hex(), err)
	}
	slot0, err := multicall.Value[dex.Slot0](batch.Results[0])
	if err != nil {
		return nil, 0, fmt.Errorf("slot0: %w", err)
	}
	liquidity, err := multicall.Value[*big.Int](batch.Results[1])
	if err != nil {
		return nil, 0, fmt.Errorf("liquidity: %w", err)
	}
	balance0, err := multicall.Value[*big.Int](batch.Results[2])
	if err != nil {
		return nil, 0, fmt.Errorf("balance0: %w", err)
	}
	balance1, err := multicall.Value[*big.Int](batch.Results[3])
	if err != nil {
		return nil, 0, fmt.Errorf("balance1: %w", err)
	}

	s := NewPoolState(pool, meta, slot0.Tick)
	s.SqrtPriceX96 = slot0.SqrtPriceX96
	s.FeeProtocol = slot0.FeeProtocol
	s.ObservationIndex = slot0.ObservationIndex
	s.ObservationCardinality = slot0.ObservationCardinality
	s.ObservationCardinalityNext = slot0.ObservationCardinalityNext
	s.Liquidity = liquidity
	s.Balance0 = balance0
	s.Balance1 = balance1
	return s, batch.BlockNumber, nil
}

func fetchWindow(ctx context.Context, agg Aggregator, s *PoolState, block uint64) ([]int16, error) {
	obsCall, err := dex.ObservationsCall(s.Pool, s.ObservationIndex)
	if err != nil {
		return nil, err
	}
	words := s.WindowWords()
	calls := make([]multicall.Call, 0, len(words)+1)
	calls = append(calls, obsCall)
	for _, w := range words {
		call, err := dex.TickBitmapCall(s.Pool, w)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}

	batch, err := agg.Aggregate(ctx, calls, block)
	if err != nil {
		return nil, fmt.Errorf("read bitmap %s: %w", s.Pool.Hex(), err)
	}
	obs, err := multicall.Value[dex.Observation](batch.Results[0])
	if err != nil {
		return nil, fmt.Errorf("observation %d: %w", s.ObservationIndex, err)
	}
	s.setObservation(s.ObservationIndex, Observation{
		BlockTimestamp:                    obs.BlockTimestamp,
		TickCumulative:                    obs.TickCumulative,
		SecondsPerLiquidityCumulativeX128: obs.SecondsPerLiquidityCumulativeX128,
		Initialized:                       obs.Initialized,
	})

	for i, w := range words {
		raw, err := multicall.Value[*big.Int](batch.Results[i+1])
		if err != nil {
			return nil, fmt.Errorf("bitmap word %d: %w", w, err)
		}
		word, overflow := uint256.FromBig(raw)
		if overflow {
			return nil, fmt.Errorf("bitmap word %d overflows 256 bits", w)
		}
		if !word.IsZero() {
			s.setWord(w, word)
		}
	}
	return words, nil
}

// initializedTicks lists the ticks whose bits are set in word.
func initializedTicks(word int16, value *uint256.Int, spacing int32) []int32 {
	var out []int32
	limbs := [4]uint64(*value)
	for i, limb := range limbs {
		for limb != 0 {
			bit := bits.TrailingZeros64(limb)
			limb &= limb - 1
			compressed := int32(word)<<8 + int32(i*64+bit)
			out = append(out, compressed*spacing)
		}
	}
	return out
}

func fetchTicks(ctx context.Context, agg Aggregator, s *PoolState, words []int16, block uint64) error {
	var ticks []int32
	for _, w := range words {
		if value, ok := s.Bitmap[w]; ok {
			ticks = append(ticks, initializedTicks(w, value, s.Meta.TickSpacing)...)
		}
	}
	if len(ticks) == 0 {
		return nil
	}

	calls := make([]multicall.Call, 0, len(ticks))
	for _, tick := range ticks {
		call, err := dex.TicksCall(s.Pool, tick)
		if err != nil {
			return err
		}
		calls = append(calls, call)
	}
	batch, err := agg.Aggregate(ctx, calls, block)
	if err != nil {
		return fmt.Errorf("read ticks %s: %w", s.Pool.Hex(), err)
	}
	for i, tick := range ticks {
		info, err := multicall.Value[dex.TickInfo](batch.Results[i])
		if err != nil {
			return fmt.Errorf("tick %d: %w", tick, err)
		}
		if info.LiquidityGross == nil || info.LiquidityGross.Sign() == 0 {
			continue
		}
		s.setTick(tick, TickInfo{LiquidityGross: info.LiquidityGross, LiquidityNet: info.LiquidityNet})
	}
	return nil
}
