package model

import "github.com/ethereum/go-ethereum/common"

// PoolMeta captures immutable pool parameters.
type PoolMeta struct {
	Token0      common.Address `json:"token0"`
	Token1      common.Address `json:"token1"`
	Fee         uint32         `json:"fee"`
	TickSpacing int32          `json:"tick_spacing"`
}
