package uniswapv3

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"poolSync/internal/dex"
	"poolSync/internal/model"
	"poolSync/internal/subscriber"
)

// Pool is the incremental model of one pool, driven by its logs.
type Pool struct {
	address common.Address
	decoder dex.Decoder
	agg     Aggregator
	metas   *dex.PoolMetaCache
}

var _ subscriber.Model[*PoolState, model.PoolEvent] = (*Pool)(nil)

func NewPool(address common.Address, decoder dex.Decoder, agg Aggregator, metas *dex.PoolMetaCache) *Pool {
	if metas == nil {
		metas = dex.NewPoolMetaCache()
	}
	return &Pool{address: address, decoder: decoder, agg: agg, metas: metas}
}

func (p *Pool) Addresses() []common.Address {
	return []common.Address{p.address}
}

func (p *Pool) Decode(log types.Log) (model.PoolEvent, error) {
	if len(log.Topics) == 0 || !p.decoder.CanDecode(log.Topics[0]) {
		return nil, subscriber.ErrUnrecognized
	}
	ev, err := p.decoder.Decode(log)
	if errors.Is(err, dex.ErrUnsupportedTopic) {
		return nil, subscriber.ErrUnrecognized
	}
	return ev, err
}

func (p *Pool) Apply(s *PoolState, ev model.PoolEvent, h model.BlockHeader) *PoolState {
	return Apply(s, ev, h)
}

func (p *Pool) Clone(s *PoolState) *PoolState {
	return s.Clone()
}

func (p *Pool) Check(s *PoolState) error {
	return s.Check()
}

func (p *Pool) Fetch(ctx context.Context, block uint64) (*PoolState, error) {
	s, _, err := FetchPoolState(ctx, p.agg, p.metas, p.address, block)
	return s, err
}
