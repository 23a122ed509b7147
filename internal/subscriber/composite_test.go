package subscriber

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolSync/internal/model"
)

// selfMarker flags base events caused by the composite itself.
const selfMarker = 1000

type derived struct {
	Sum      int64
	SeenBase int64
}

// derivedModel pushes every own event into the base as well, the way a
// wrapping pool moves liquidity through the pool it wraps.
type derivedModel struct {
	counterModel
}

func (m *derivedModel) Apply(own derived, base counter, ev int64, _ model.BlockHeader) (derived, counter) {
	own.Sum += ev
	base.Sum += ev
	own.SeenBase = base.Sum
	return own, base
}

func (m *derivedModel) Clone(own derived) derived { return own }

func (m *derivedModel) Check(own derived, _ counter) error {
	if own.Sum < 0 {
		return errors.New("negative derived sum")
	}
	return nil
}

func (m *derivedModel) Fetch(_ context.Context, _ uint64, base counter) (derived, error) {
	return derived{SeenBase: base.Sum}, nil
}

func newComposite(t *testing.T) *Composite[counter, derived, int64, int64] {
	t.Helper()
	comp, err := NewComposite[counter, derived, int64, int64](
		&counterModel{addr: baseAddr},
		&derivedModel{counterModel{addr: ownAddr}},
		func(ev int64) bool { return ev >= selfMarker },
	)
	require.NoError(t, err)
	return comp
}

func TestCompositeRoutesByAddress(t *testing.T) {
	comp := newComposite(t)
	sub := New[CompositeState[counter, derived], CompositeEvent[int64, int64]](testID, comp, Options{})

	state, err := comp.Fetch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), state.Own.SeenBase)

	next, ok := sub.ApplyBlock(state, []types.Log{
		addLog(baseAddr, 5),
		addLog(ownAddr, 2),
		addLog(baseAddr, selfMarker),
		addLog(otherAddr, 9),
	}, model.BlockHeader{Number: 2})

	require.True(t, ok)
	assert.Equal(t, int64(107), next.Base.Sum, "self-caused base event is not counted twice")
	assert.Equal(t, []int64{5}, next.Base.Events)
	assert.Equal(t, int64(2), next.Own.Sum)
	assert.Equal(t, int64(107), next.Own.SeenBase, "own handler sees the updated base")
	assert.Equal(t, int64(100), state.Base.Sum)
}

func TestCompositeRejectsOverlappingAddresses(t *testing.T) {
	_, err := NewComposite[counter, derived, int64, int64](
		&counterModel{addr: baseAddr},
		&derivedModel{counterModel{addr: baseAddr}},
		nil,
	)
	require.Error(t, err)

	empty := &emptyOwn{}
	_, err = NewComposite[counter, derived, int64, int64](&counterModel{addr: baseAddr}, empty, nil)
	require.Error(t, err)
}

func TestCompositeCheckCombinesParts(t *testing.T) {
	comp := newComposite(t)
	err := comp.Check(CompositeState[counter, derived]{Base: counter{Sum: -1}, Own: derived{Sum: -1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative sum")
	assert.Contains(t, err.Error(), "negative derived sum")
}

type emptyOwn struct {
	derivedModel
}

func (*emptyOwn) Addresses() []common.Address { return nil }
