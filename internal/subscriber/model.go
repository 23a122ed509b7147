// Package subscriber keeps one entity's state current by applying its ordered
// per-block logs, falling back to a full read whenever the state turns invalid.
package subscriber

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"poolSync/internal/model"
)

// ErrUnrecognized is returned by Model.Decode for logs the model does not
// handle. Such logs are ignored without being reported.
var ErrUnrecognized = errors.New("unrecognized event")

// ErrSuperseded is returned by Initialize when a newer resync started before
// this one finished. Its result was discarded.
var ErrSuperseded = errors.New("resync superseded")

// Model is the state-transition model of one entity kind.
//
// Apply receives a state obtained from Clone and may modify it in place; the
// previously published snapshot is never passed to Apply directly. Check
// returns nil when the state may keep being updated incrementally, and an
// error when the next access must re-read it in full.
type Model[S, E any] interface {
	Addresses() []common.Address
	Decode(log types.Log) (E, error)
	Apply(state S, event E, header model.BlockHeader) S
	Clone(state S) S
	Check(state S) error
	Fetch(ctx context.Context, block uint64) (S, error)
}
