package model

import "time"

// Versioned pairs a value with the block it reflects and when it was observed.
type Versioned[T any] struct {
	Value      T         `json:"value"`
	AsOfBlock  uint64    `json:"as_of_block"`
	ObservedAt time.Time `json:"observed_at"`
}

// BlocksBehind reports how many blocks the value lags atBlock. Values ahead of
// atBlock are zero blocks behind.
func (v Versioned[T]) BlocksBehind(atBlock uint64) uint64 {
	if atBlock <= v.AsOfBlock {
		return 0
	}
	return atBlock - v.AsOfBlock
}
