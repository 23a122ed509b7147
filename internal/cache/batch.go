package cache

import (
	"context"
	"errors"
	"sort"
)

// Batch collects hash writes and flushes them grouped by hash. Stores that
// implement HashBatchSetter receive one call per hash; the rest get one
// HashSet per field.
type Batch struct {
	store  Store
	hashes map[string]map[string][]byte
}

func NewBatch(store Store) *Batch {
	return &Batch{store: store, hashes: make(map[string]map[string][]byte)}
}

// HashSet stages a write. A later write to the same field wins.
func (b *Batch) HashSet(mapKey, field string, value []byte) {
	fields, ok := b.hashes[mapKey]
	if !ok {
		fields = make(map[string][]byte)
		b.hashes[mapKey] = fields
	}
	fields[field] = value
}

// Len counts the staged fields across all hashes.
func (b *Batch) Len() int {
	n := 0
	for _, fields := range b.hashes {
		n += len(fields)
	}
	return n
}

// Flush writes every staged field and empties the batch. Failures of one hash
// do not stop the others; all of them are returned joined.
func (b *Batch) Flush(ctx context.Context) error {
	if b.store == nil || len(b.hashes) == 0 {
		b.hashes = make(map[string]map[string][]byte)
		return nil
	}
	keys := make([]string, 0, len(b.hashes))
	for key := range b.hashes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var errs []error
	batcher, many := b.store.(HashBatchSetter)
	for _, key := range keys {
		fields := b.hashes[key]
		if many {
			if err := batcher.HashSetMany(ctx, key, fields); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		for field, value := range fields {
			if err := b.store.HashSet(ctx, key, field, value); err != nil {
				errs = append(errs, err)
			}
		}
	}
	b.hashes = make(map[string]map[string][]byte)
	return errors.Join(errs...)
}
