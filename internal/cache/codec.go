package cache

import (
	"fmt"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"poolSync/internal/model"
)

// envelope is the serialized form of a versioned value in the cache.
type envelope[T any] struct {
	Writer       string `json:"writer"`
	BlockNumber  uint64 `json:"block_number"`
	ObservedAtMs int64  `json:"observed_at_ms"`
	Value        T      `json:"value"`
}

// Encode serializes v with the writer's instance id.
func Encode[T any](writer string, v model.Versioned[T]) ([]byte, error) {
	data, err := sonnet.Marshal(envelope[T]{
		Writer:       writer,
		BlockNumber:  v.AsOfBlock,
		ObservedAtMs: v.ObservedAt.UnixMilli(),
		Value:        v.Value,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry: %w", err)
	}
	return data, nil
}

// Decode parses an entry written by Encode and returns its writer id.
func Decode[T any](data []byte) (model.Versioned[T], string, error) {
	var env envelope[T]
	if err := sonnet.Unmarshal(data, &env); err != nil {
		return model.Versioned[T]{}, "", fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return model.Versioned[T]{
		Value:      env.Value,
		AsOfBlock:  env.BlockNumber,
		ObservedAt: time.UnixMilli(env.ObservedAtMs),
	}, env.Writer, nil
}
