package uniswapv3

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"poolSync/internal/dex"
	"poolSync/internal/model"
	"poolSync/internal/multicall"
	"poolSync/internal/poller"
)

// Summary is the price and reserve view of a pool reconciled by polling.
type Summary struct {
	SqrtPriceX96 *big.Int `json:"sqrt_price_x96"`
	Tick         int32    `json:"tick"`
	Liquidity    *big.Int `json:"liquidity"`
	FeeProtocol  uint8    `json:"fee_protocol"`
	Balance0     *big.Int `json:"balance0"`
	Balance1     *big.Int `json:"balance1"`
}

// SummaryModel reads a Summary in one batch.
type SummaryModel struct {
	pool common.Address
	meta model.PoolMeta
}

var _ poller.Model[Summary] = (*SummaryModel)(nil)

func NewSummaryModel(pool common.Address, meta model.PoolMeta) *SummaryModel {
	return &SummaryModel{pool: pool, meta: meta}
}

func (m *SummaryModel) Calls() ([]multicall.Call, error) {
	slot0, err := dex.Slot0Call(m.pool)
	if err != nil {
		return nil, err
	}
	liquidity, err := dex.LiquidityCall(m.pool)
	if err != nil {
		return nil, err
	}
	balance0, err := dex.BalanceOfCall(m.meta.Token0, m.pool)
	if err != nil {
		return nil, err
	}
	balance1, err := dex.BalanceOfCall(m.meta.Token1, m.pool)
	if err != nil {
		return nil, err
	}
	return []multicall.Call{slot0, liquidity, balance0, balance1}, nil
}

func (m *SummaryModel) ParseState(results []multicall.Result) (Summary, error) {
	if len(results) != 4 {
		return Summary{}, fmt.Errorf("summary expects 4 results, got %d", len(results))
	}
	slot0, err := multicall.Value[dex.Slot0](results[0])
	if err != nil {
		return Summary{}, fmt.Errorf("slot0: %w", err)
	}
	liquidity, err := multicall.Value[*big.Int](results[1])
	if err != nil {
		return Summary{}, fmt.Errorf("liquidity: %w", err)
	}
	balance0, err := multicall.Value[*big.Int](results[2])
	if err != nil {
		return Summary{}, fmt.Errorf("balance0: %w", err)
	}
	balance1, err := multicall.Value[*big.Int](results[3])
	if err != nil {
		return Summary{}, fmt.Errorf("balance1: %w", err)
	}
	return Summary{
		SqrtPriceX96: slot0.SqrtPriceX96,
		Tick:         slot0.Tick,
		Liquidity:    liquidity,
		FeeProtocol:  slot0.FeeProtocol,
		Balance0:     balance0,
		Balance1:     balance1,
	}, nil
}
