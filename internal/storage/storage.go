package storage

import (
	"time"

	"poolSync/internal/model"
)

// Snapshot is one entity state as of a block, as written to a snapshot sink.
type Snapshot struct {
	Identity    string    `json:"identity"`
	Dex         string    `json:"dex"`
	Network     uint64    `json:"network"`
	Address     string    `json:"address"`
	BlockNumber uint64    `json:"block_number"`
	ObservedAt  time.Time `json:"observed_at"`
	State       any       `json:"state"`
}

func NewSnapshot[T any](id model.EntityIdentity, v model.Versioned[T]) Snapshot {
	return Snapshot{
		Identity:    id.Key(),
		Dex:         id.Dex,
		Network:     id.Network,
		Address:     id.Address.Hex(),
		BlockNumber: v.AsOfBlock,
		ObservedAt:  v.ObservedAt,
		State:       v.Value,
	}
}

// Sink receives snapshot batches.
type Sink interface {
	PutSnapshots(snapshots []Snapshot) error
}
