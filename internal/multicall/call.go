package multicall

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultCallCost is the cost charged for a call without an explicit weight.
const DefaultCallCost uint64 = 50_000

// ErrCallReverted marks a result whose call reverted in a tolerant batch.
var ErrCallReverted = errors.New("call reverted")

// DecodeFunc turns raw return data into a typed value.
type DecodeFunc func([]byte) (any, error)

// Call is one read to aggregate. Cost approximates gas so chunks stay under
// the transport's round-trip bound.
type Call struct {
	Target common.Address
	Data   []byte
	Cost   uint64
	Decode DecodeFunc
}

func (c Call) cost() uint64 {
	if c.Cost == 0 {
		return DefaultCallCost
	}
	return c.Cost
}

// Result is the decoded outcome of one Call.
type Result struct {
	Value any
	Err   error
}

// Value extracts a typed value from a result.
func Value[T any](r Result) (T, error) {
	var zero T
	if r.Err != nil {
		return zero, r.Err
	}
	v, ok := r.Value.(T)
	if !ok {
		return zero, fmt.Errorf("result type %T, want %T", r.Value, zero)
	}
	return v, nil
}

// MethodCall builds a Call that packs method with args and unpacks its outputs
// with the same ABI. Single-output methods decode to the bare value.
func MethodCall(parsed abi.ABI, target common.Address, method string, args ...any) (Call, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return Call{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return Call{
		Target: target,
		Data:   data,
		Decode: func(ret []byte) (any, error) {
			values, err := parsed.Unpack(method, ret)
			if err != nil {
				return nil, fmt.Errorf("unpack %s: %w", method, err)
			}
			if len(values) == 1 {
				return values[0], nil
			}
			return values, nil
		},
	}, nil
}

// DecodeUint256 reads a single uint256 word.
func DecodeUint256(ret []byte) (any, error) {
	if len(ret) < 32 {
		return nil, fmt.Errorf("uint256 return size %d", len(ret))
	}
	return new(big.Int).SetBytes(ret[:32]), nil
}
