package model

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrOutOfTrackedRange is matched by every OutOfTrackedRangeError.
var ErrOutOfTrackedRange = errors.New("outside tracked range")

// DecodeError records a log or call result that could not be parsed.
type DecodeError struct {
	Source      string
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Topic0      common.Hash
	Err         error
}

func (e *DecodeError) Error() string {
	if e.Source == "call" {
		return fmt.Sprintf("decode call result at block %d: %v", e.BlockNumber, e.Err)
	}
	return fmt.Sprintf("decode log %s/%d at block %d (topic0 %s): %v", e.TxHash.Hex(), e.LogIndex, e.BlockNumber, e.Topic0.Hex(), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// InvariantViolation marks a transition that the protocol can never produce.
type InvariantViolation struct {
	BlockNumber uint64
	Reason      string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("block %d: invariant violated: %s", e.BlockNumber, e.Reason)
}

// OutOfTrackedRangeError reports a tick outside the tracked bitmap window.
type OutOfTrackedRangeError struct {
	Tick    int32
	Lowest  int32
	Highest int32
}

func (e *OutOfTrackedRangeError) Error() string {
	return fmt.Sprintf("tick %d outside tracked range [%d, %d]", e.Tick, e.Lowest, e.Highest)
}

func (e *OutOfTrackedRangeError) Unwrap() error {
	return ErrOutOfTrackedRange
}

// TransportError wraps an unreachable RPC endpoint or cache.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a failed cache write.
type PersistenceError struct {
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
