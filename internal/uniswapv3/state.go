// Package uniswapv3 is the tick-based AMM model: pool state, the event
// transitions that advance it, the full state read and exact-input quotes.
package uniswapv3

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"poolSync/internal/model"
)

// Window sizing, in bitmap words on each side of the start word.
const (
	TickBitmapToUse  = 4
	TickBitmapBuffer = 8
	windowRange      = TickBitmapToUse + TickBitmapBuffer
)

// TickInfo is one initialized tick.
type TickInfo struct {
	LiquidityGross *big.Int `json:"liquidity_gross"`
	LiquidityNet   *big.Int `json:"liquidity_net"`
}

// Observation is one oracle ring slot.
type Observation struct {
	BlockTimestamp                    uint32   `json:"block_timestamp"`
	TickCumulative                    *big.Int `json:"tick_cumulative"`
	SecondsPerLiquidityCumulativeX128 *big.Int `json:"seconds_per_liquidity_cumulative_x128"`
	Initialized                       bool     `json:"initialized"`
}

// PoolState is an immutable snapshot once published. Big integers held by a
// state are never mutated in place, and the maps are copied before the first
// write after Clone, so a clone can be modified while readers keep the
// original.
type PoolState struct {
	Pool common.Address `json:"pool"`
	Meta model.PoolMeta `json:"meta"`

	SqrtPriceX96 *big.Int `json:"sqrt_price_x96"`
	Tick         int32    `json:"tick"`
	Liquidity    *big.Int `json:"liquidity"`
	FeeProtocol  uint8    `json:"fee_protocol"`

	ObservationIndex           uint16 `json:"observation_index"`
	ObservationCardinality     uint16 `json:"observation_cardinality"`
	ObservationCardinalityNext uint16 `json:"observation_cardinality_next"`

	Balance0 *big.Int `json:"balance0"`
	Balance1 *big.Int `json:"balance1"`

	StartWord        int16 `json:"start_word"`
	LowestKnownTick  int32 `json:"lowest_known_tick"`
	HighestKnownTick int32 `json:"highest_known_tick"`

	Ticks        map[int32]TickInfo     `json:"ticks"`
	Bitmap       map[int16]*uint256.Int `json:"bitmap"`
	Observations map[uint16]Observation `json:"observations"`

	Valid         bool   `json:"valid"`
	OutOfRange    bool   `json:"out_of_range"`
	InvalidAt     uint64 `json:"invalid_at,omitempty"`
	InvalidReason string `json:"invalid_reason,omitempty"`

	ownTicks        bool
	ownBitmap       bool
	ownObservations bool
}

// NewPoolState builds a valid state centred on tick. The maps are adopted,
// not copied.
func NewPoolState(pool common.Address, meta model.PoolMeta, tick int32) *PoolState {
	s := &PoolState{
		Pool:         pool,
		Meta:         meta,
		SqrtPriceX96: new(big.Int),
		Tick:         tick,
		Liquidity:    new(big.Int),
		Balance0:     new(big.Int),
		Balance1:     new(big.Int),
		Ticks:        map[int32]TickInfo{},
		Bitmap:       map[int16]*uint256.Int{},
		Observations: map[uint16]Observation{},
		Valid:        true,

		ownTicks:        true,
		ownBitmap:       true,
		ownObservations: true,
	}
	s.centre(tick)
	return s
}

// StartWordFor is the bitmap word holding tick's compressed position.
func StartWordFor(tick, spacing int32) int16 {
	word, _ := position(compress(tick, spacing))
	return word
}

func (s *PoolState) centre(tick int32) {
	if s.Meta.TickSpacing <= 0 {
		s.invalidate(0, "tick spacing %d is not positive", s.Meta.TickSpacing)
		return
	}
	s.StartWord = StartWordFor(tick, s.Meta.TickSpacing)
	start := int32(s.StartWord)
	spacing := s.Meta.TickSpacing
	s.LowestKnownTick = ((start - windowRange) << 8) * spacing
	s.HighestKnownTick = (((start + windowRange) << 8) + 255) * spacing
}

// WindowWords lists the bitmap words the state tracks, lowest first.
func (s *PoolState) WindowWords() []int16 {
	words := make([]int16, 0, 2*windowRange+1)
	for w := int32(s.StartWord) - windowRange; w <= int32(s.StartWord)+windowRange; w++ {
		words = append(words, int16(w))
	}
	return words
}

func (s *PoolState) tickInWindow(tick int32) bool {
	return tick >= s.LowestKnownTick && tick <= s.HighestKnownTick
}

func (s *PoolState) wordInWindow(word int16) bool {
	return int32(word) >= int32(s.StartWord)-windowRange && int32(word) <= int32(s.StartWord)+windowRange
}

// Clone returns a state sharing the maps of s until either side writes.
func (s *PoolState) Clone() *PoolState {
	if s == nil {
		return nil
	}
	c := *s
	c.ownTicks = false
	c.ownBitmap = false
	c.ownObservations = false
	return &c
}

// Check reports why the state can no longer be updated incrementally.
func (s *PoolState) Check() error {
	if s == nil {
		return fmt.Errorf("pool state is nil")
	}
	if s.OutOfRange {
		return &model.OutOfTrackedRangeError{Tick: s.Tick, Lowest: s.LowestKnownTick, Highest: s.HighestKnownTick}
	}
	if !s.Valid {
		return &model.InvariantViolation{BlockNumber: s.InvalidAt, Reason: s.InvalidReason}
	}
	return nil
}

func (s *PoolState) invalidate(block uint64, format string, args ...any) {
	if !s.Valid {
		return
	}
	s.Valid = false
	s.InvalidAt = block
	s.InvalidReason = fmt.Sprintf(format, args...)
}

func (s *PoolState) markOutOfRange(block uint64, tick int32) {
	s.invalidate(block, "tick %d left window [%d, %d]", tick, s.LowestKnownTick, s.HighestKnownTick)
	s.OutOfRange = true
}

// TickInfo returns the record of an initialized tick.
func (s *PoolState) TickInfo(tick int32) (TickInfo, bool) {
	info, ok := s.Ticks[tick]
	return info, ok
}

func (s *PoolState) ownTickTable() {
	if s.ownTicks {
		return
	}
	copied := make(map[int32]TickInfo, len(s.Ticks)+1)
	for k, v := range s.Ticks {
		copied[k] = v
	}
	s.Ticks = copied
	s.ownTicks = true
}

func (s *PoolState) setTick(tick int32, info TickInfo) {
	s.ownTickTable()
	s.Ticks[tick] = info
}

func (s *PoolState) deleteTick(tick int32) {
	if _, ok := s.Ticks[tick]; !ok {
		return
	}
	s.ownTickTable()
	delete(s.Ticks, tick)
}

func (s *PoolState) setWord(word int16, value *uint256.Int) {
	if !s.ownBitmap {
		copied := make(map[int16]*uint256.Int, len(s.Bitmap)+1)
		for k, v := range s.Bitmap {
			copied[k] = v
		}
		s.Bitmap = copied
		s.ownBitmap = true
	}
	s.Bitmap[word] = value
}

func (s *PoolState) setObservation(index uint16, obs Observation) {
	if !s.ownObservations {
		copied := make(map[uint16]Observation, len(s.Observations)+1)
		for k, v := range s.Observations {
			copied[k] = v
		}
		s.Observations = copied
		s.ownObservations = true
	}
	s.Observations[index] = obs
}

// word returns the bitmap word at pos, failing for words outside the window.
func (s *PoolState) word(pos int16) (*uint256.Int, error) {
	if !s.wordInWindow(pos) {
		return nil, &model.OutOfTrackedRangeError{
			Tick:    (int32(pos) << 8) * s.Meta.TickSpacing,
			Lowest:  s.LowestKnownTick,
			Highest: s.HighestKnownTick,
		}
	}
	if w, ok := s.Bitmap[pos]; ok && w != nil {
		return w, nil
	}
	return new(uint256.Int), nil
}

// flipTick toggles tick's bit. The new word replaces the old one.
func (s *PoolState) flipTick(tick int32) error {
	spacing := s.Meta.TickSpacing
	if tick%spacing != 0 {
		return fmt.Errorf("tick %d not a multiple of spacing %d", tick, spacing)
	}
	pos, bit := position(tick / spacing)
	current, err := s.word(pos)
	if err != nil {
		return err
	}
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), uint(bit))
	s.setWord(pos, new(uint256.Int).Xor(current, mask))
	return nil
}
