package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	*Memory
	many   []string
	single int
	fail   string
}

func (c *countingStore) HashSet(ctx context.Context, mapKey, field string, value []byte) error {
	c.single++
	return c.Memory.HashSet(ctx, mapKey, field, value)
}

func (c *countingStore) HashSetMany(ctx context.Context, mapKey string, values map[string][]byte) error {
	c.many = append(c.many, mapKey)
	if mapKey == c.fail {
		return errors.New("write refused")
	}
	return c.Memory.HashSetMany(ctx, mapKey, values)
}

// plainStore hides HashSetMany so only the Store methods are visible.
type plainStore struct{ Store }

func TestBatchFlushUsesOneWritePerHash(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Memory: NewMemory()}
	batch := NewBatch(store)
	batch.HashSet("b_states", "x", []byte("1"))
	batch.HashSet("a_states", "y", []byte("2"))
	batch.HashSet("a_states", "z", []byte("3"))
	batch.HashSet("a_states", "y", []byte("4"))
	assert.Equal(t, 3, batch.Len())

	require.NoError(t, batch.Flush(ctx))
	assert.Equal(t, []string{"a_states", "b_states"}, store.many)
	assert.Zero(t, store.single)
	assert.Zero(t, batch.Len())

	got, ok, err := store.HashGet(ctx, "a_states", "y")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "4", string(got))
}

func TestBatchFlushFallsBackToSingleWrites(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	batch := NewBatch(plainStore{mem})
	batch.HashSet("states", "a", []byte("1"))
	batch.HashSet("states", "b", []byte("2"))
	require.NoError(t, batch.Flush(ctx))

	for _, field := range []string{"a", "b"} {
		_, ok, err := mem.HashGet(ctx, "states", field)
		require.NoError(t, err)
		assert.True(t, ok, field)
	}
}

func TestBatchFlushKeepsGoingAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Memory: NewMemory(), fail: "a_states"}
	batch := NewBatch(store)
	batch.HashSet("a_states", "x", []byte("1"))
	batch.HashSet("b_states", "x", []byte("1"))

	require.Error(t, batch.Flush(ctx))
	_, ok, err := store.HashGet(ctx, "b_states", "x")
	require.NoError(t, err)
	assert.True(t, ok)
}
