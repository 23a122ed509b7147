package multicall

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// RawCall is one encoded read against a target contract.
type RawCall struct {
	Target       common.Address
	Data         []byte
	AllowFailure bool
}

// RawResult is the undecoded outcome of a RawCall.
type RawResult struct {
	Success    bool
	ReturnData []byte
}

// Transport executes encoded calls at a block height and returns raw results in order.
type Transport interface {
	Execute(ctx context.Context, calls []RawCall, block *big.Int) ([]RawResult, error)
	// BlockNumberCall encodes a call whose result is the height the batch executed at.
	BlockNumberCall() RawCall
}

// ContractCaller is the eth_call surface the Multicall3 transport needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Multicall3Transport batches calls through Multicall3.aggregate3.
type Multicall3Transport struct {
	caller   ContractCaller
	address  common.Address
	abi      abi.ABI
	blockReq []byte
}

func NewMulticall3Transport(caller ContractCaller, address common.Address) (*Multicall3Transport, error) {
	if caller == nil {
		return nil, fmt.Errorf("contract caller is nil")
	}
	if address == (common.Address{}) {
		address = DefaultAddress
	}
	parsed, err := Multicall3ABI()
	if err != nil {
		return nil, fmt.Errorf("parse multicall3 abi: %w", err)
	}
	blockReq, err := parsed.Pack("getBlockNumber")
	if err != nil {
		return nil, fmt.Errorf("pack getBlockNumber: %w", err)
	}
	return &Multicall3Transport{caller: caller, address: address, abi: parsed, blockReq: blockReq}, nil
}

func (t *Multicall3Transport) BlockNumberCall() RawCall {
	return RawCall{Target: t.address, Data: t.blockReq}
}

// Execute encodes calls into one aggregate3 eth_call. With AllowFailure unset
// on any call, a revert of that call reverts the whole batch.
func (t *Multicall3Transport) Execute(ctx context.Context, calls []RawCall, block *big.Int) ([]RawResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	packed := make([]call3, 0, len(calls))
	for _, call := range calls {
		packed = append(packed, call3{Target: call.Target, AllowFailure: call.AllowFailure, CallData: call.Data})
	}

	data, err := t.abi.Pack("aggregate3", packed)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}

	to := t.address
	resp, err := t.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("call aggregate3: %w", err)
	}

	values, err := t.abi.Unpack("aggregate3", resp)
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate3: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("aggregate3 return size %d", len(values))
	}

	decoded := *abi.ConvertType(values[0], new([]call3Result)).(*[]call3Result)
	if len(decoded) != len(calls) {
		return nil, fmt.Errorf("aggregate3 returned %d results for %d calls", len(decoded), len(calls))
	}

	out := make([]RawResult, len(decoded))
	for i, res := range decoded {
		out[i] = RawResult{Success: res.Success, ReturnData: res.ReturnData}
	}
	return out, nil
}
