package dex

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"poolSync/internal/model"
)

// ErrUnsupportedTopic is returned for logs whose topic0 no decoder handles.
var ErrUnsupportedTopic = errors.New("unsupported topic0")

// Decoder defines a log decoder.
type Decoder interface {
	CanDecode(topic0 common.Hash) bool
	Decode(log types.Log) (model.PoolEvent, error)
}
