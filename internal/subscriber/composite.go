package subscriber

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"poolSync/internal/model"
)

// OwnModel is the part of a composite entity layered on top of a base entity.
// Apply sees the base state as already updated by earlier logs and may return
// a modified base.
type OwnModel[B, O, E any] interface {
	Addresses() []common.Address
	Decode(log types.Log) (E, error)
	Apply(own O, base B, event E, header model.BlockHeader) (O, B)
	Clone(own O) O
	Check(own O, base B) error
	Fetch(ctx context.Context, block uint64, base B) (O, error)
}

type CompositeState[B, O any] struct {
	Base B
	Own  O
}

// CompositeEvent carries an event for exactly one part.
type CompositeEvent[EB, EO any] struct {
	FromBase bool
	Base     EB
	Own      EO
}

// Composite routes every log to the base or own part by emitter address. Base
// events for which fromComposite reports true were caused by the composite
// itself and are dropped, since the own part accounts for them.
type Composite[B, O, EB, EO any] struct {
	base          Model[B, EB]
	own           OwnModel[B, O, EO]
	fromComposite func(EB) bool
	baseAddrs     map[common.Address]struct{}
	ownAddrs      map[common.Address]struct{}
}

func NewComposite[B, O, EB, EO any](base Model[B, EB], own OwnModel[B, O, EO], fromComposite func(EB) bool) (*Composite[B, O, EB, EO], error) {
	c := &Composite[B, O, EB, EO]{
		base:          base,
		own:           own,
		fromComposite: fromComposite,
		baseAddrs:     make(map[common.Address]struct{}),
		ownAddrs:      make(map[common.Address]struct{}),
	}
	for _, addr := range base.Addresses() {
		c.baseAddrs[addr] = struct{}{}
	}
	for _, addr := range own.Addresses() {
		if _, dup := c.baseAddrs[addr]; dup {
			return nil, fmt.Errorf("address %s owned by both base and composite", addr.Hex())
		}
		c.ownAddrs[addr] = struct{}{}
	}
	if len(c.baseAddrs) == 0 || len(c.ownAddrs) == 0 {
		return nil, fmt.Errorf("composite parts need at least one address each")
	}
	return c, nil
}

func (c *Composite[B, O, EB, EO]) Addresses() []common.Address {
	out := make([]common.Address, 0, len(c.baseAddrs)+len(c.ownAddrs))
	out = append(out, c.base.Addresses()...)
	return append(out, c.own.Addresses()...)
}

func (c *Composite[B, O, EB, EO]) Decode(lg types.Log) (CompositeEvent[EB, EO], error) {
	if _, ok := c.baseAddrs[lg.Address]; ok {
		ev, err := c.base.Decode(lg)
		if err != nil {
			return CompositeEvent[EB, EO]{}, err
		}
		if c.fromComposite != nil && c.fromComposite(ev) {
			return CompositeEvent[EB, EO]{}, ErrUnrecognized
		}
		return CompositeEvent[EB, EO]{FromBase: true, Base: ev}, nil
	}
	if _, ok := c.ownAddrs[lg.Address]; ok {
		ev, err := c.own.Decode(lg)
		if err != nil {
			return CompositeEvent[EB, EO]{}, err
		}
		return CompositeEvent[EB, EO]{Own: ev}, nil
	}
	return CompositeEvent[EB, EO]{}, ErrUnrecognized
}

func (c *Composite[B, O, EB, EO]) Apply(state CompositeState[B, O], ev CompositeEvent[EB, EO], header model.BlockHeader) CompositeState[B, O] {
	if ev.FromBase {
		state.Base = c.base.Apply(state.Base, ev.Base, header)
		return state
	}
	state.Own, state.Base = c.own.Apply(state.Own, state.Base, ev.Own, header)
	return state
}

func (c *Composite[B, O, EB, EO]) Clone(state CompositeState[B, O]) CompositeState[B, O] {
	return CompositeState[B, O]{Base: c.base.Clone(state.Base), Own: c.own.Clone(state.Own)}
}

func (c *Composite[B, O, EB, EO]) Check(state CompositeState[B, O]) error {
	return errors.Join(c.base.Check(state.Base), c.own.Check(state.Own, state.Base))
}

func (c *Composite[B, O, EB, EO]) Fetch(ctx context.Context, block uint64) (CompositeState[B, O], error) {
	base, err := c.base.Fetch(ctx, block)
	if err != nil {
		return CompositeState[B, O]{}, fmt.Errorf("fetch base: %w", err)
	}
	own, err := c.own.Fetch(ctx, block, base)
	if err != nil {
		return CompositeState[B, O]{}, fmt.Errorf("fetch composite: %w", err)
	}
	return CompositeState[B, O]{Base: base, Own: own}, nil
}
