package dex

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"poolSync/internal/multicall"
)

// Slot0 is the decoded slot0 of a V3 pool.
type Slot0 struct {
	SqrtPriceX96               *big.Int
	Tick                       int32
	ObservationIndex           uint16
	ObservationCardinality     uint16
	ObservationCardinalityNext uint16
	FeeProtocol                uint8
}

// TickInfo is the subset of a ticks() record the tick model keeps.
type TickInfo struct {
	LiquidityGross *big.Int
	LiquidityNet   *big.Int
	Initialized    bool
}

// Observation is one decoded oracle slot.
type Observation struct {
	BlockTimestamp                    uint32
	TickCumulative                    *big.Int
	SecondsPerLiquidityCumulativeX128 *big.Int
	Initialized                       bool
}

func poolCall(pool common.Address, method string, decode func([]interface{}) (any, error), args ...any) (multicall.Call, error) {
	poolABI, err := V3PoolABI()
	if err != nil {
		return multicall.Call{}, fmt.Errorf("parse pool abi: %w", err)
	}
	return unpackingCall(poolABI, pool, method, decode, args...)
}

func unpackingCall(parsed abi.ABI, target common.Address, method string, decode func([]interface{}) (any, error), args ...any) (multicall.Call, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return multicall.Call{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return multicall.Call{
		Target: target,
		Data:   data,
		Decode: func(ret []byte) (any, error) {
			values, err := parsed.Unpack(method, ret)
			if err != nil {
				return nil, fmt.Errorf("unpack %s: %w", method, err)
			}
			return decode(values)
		},
	}, nil
}

func singleBigInt(values []interface{}) (any, error) {
	if len(values) != 1 {
		return nil, fmt.Errorf("expected 1 value, got %d", len(values))
	}
	return asBigInt(values[0])
}

// Slot0Call reads slot0 and decodes it to Slot0.
func Slot0Call(pool common.Address) (multicall.Call, error) {
	return poolCall(pool, "slot0", func(values []interface{}) (any, error) {
		if len(values) < 6 {
			return nil, fmt.Errorf("slot0 returned %d values", len(values))
		}
		sqrt, err := asBigInt(values[0])
		if err != nil {
			return nil, err
		}
		tickInt, err := asBigInt(values[1])
		if err != nil {
			return nil, err
		}
		tick, err := int24FromBig(tickInt)
		if err != nil {
			return nil, err
		}
		var obs [3]uint16
		for i := range obs {
			if obs[i], err = asUint16(values[2+i]); err != nil {
				return nil, err
			}
		}
		feeProtocol, err := asUint8(values[5])
		if err != nil {
			return nil, err
		}
		return Slot0{
			SqrtPriceX96:               sqrt,
			Tick:                       tick,
			ObservationIndex:           obs[0],
			ObservationCardinality:     obs[1],
			ObservationCardinalityNext: obs[2],
			FeeProtocol:                feeProtocol,
		}, nil
	})
}

// LiquidityCall reads the in-range liquidity as *big.Int.
func LiquidityCall(pool common.Address) (multicall.Call, error) {
	return poolCall(pool, "liquidity", singleBigInt)
}

// TickBitmapCall reads one bitmap word as *big.Int.
func TickBitmapCall(pool common.Address, word int16) (multicall.Call, error) {
	return poolCall(pool, "tickBitmap", singleBigInt, word)
}

// TicksCall reads one tick record and decodes it to TickInfo.
func TicksCall(pool common.Address, tick int32) (multicall.Call, error) {
	return poolCall(pool, "ticks", func(values []interface{}) (any, error) {
		if len(values) != 8 {
			return nil, fmt.Errorf("ticks returned %d values", len(values))
		}
		gross, err := asBigInt(values[0])
		if err != nil {
			return nil, err
		}
		net, err := asBigInt(values[1])
		if err != nil {
			return nil, err
		}
		initialized, ok := values[7].(bool)
		if !ok {
			return nil, fmt.Errorf("unsupported bool type %T", values[7])
		}
		return TickInfo{LiquidityGross: gross, LiquidityNet: net, Initialized: initialized}, nil
	}, big.NewInt(int64(tick)))
}

// ObservationsCall reads one oracle slot and decodes it to Observation.
func ObservationsCall(pool common.Address, index uint16) (multicall.Call, error) {
	return poolCall(pool, "observations", func(values []interface{}) (any, error) {
		if len(values) != 4 {
			return nil, fmt.Errorf("observations returned %d values", len(values))
		}
		ts, ok := values[0].(uint32)
		if !ok {
			return nil, fmt.Errorf("unsupported uint32 type %T", values[0])
		}
		tickCumulative, err := asBigInt(values[1])
		if err != nil {
			return nil, err
		}
		secondsPerLiquidity, err := asBigInt(values[2])
		if err != nil {
			return nil, err
		}
		initialized, ok := values[3].(bool)
		if !ok {
			return nil, fmt.Errorf("unsupported bool type %T", values[3])
		}
		return Observation{
			BlockTimestamp:                    ts,
			TickCumulative:                    tickCumulative,
			SecondsPerLiquidityCumulativeX128: secondsPerLiquidity,
			Initialized:                       initialized,
		}, nil
	}, new(big.Int).SetUint64(uint64(index)))
}

// BalanceOfCall reads an ERC20 balance as *big.Int.
func BalanceOfCall(token, owner common.Address) (multicall.Call, error) {
	erc20, err := ERC20ABI()
	if err != nil {
		return multicall.Call{}, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return unpackingCall(erc20, token, "balanceOf", singleBigInt, owner)
}
