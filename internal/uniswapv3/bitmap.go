package uniswapv3

import (
	"math/bits"

	"github.com/holiman/uint256"
)

// compress floors tick to its spacing index.
func compress(tick, spacing int32) int32 {
	c := tick / spacing
	if tick < 0 && tick%spacing != 0 {
		c--
	}
	return c
}

func position(compressed int32) (int16, uint8) {
	return int16(compressed >> 8), uint8(compressed & 0xff)
}

func mostSignificantBit(x *uint256.Int) uint8 {
	return uint8(x.BitLen() - 1)
}

func leastSignificantBit(x *uint256.Int) uint8 {
	limbs := [4]uint64(*x)
	for i, limb := range limbs {
		if limb != 0 {
			return uint8(i*64 + bits.TrailingZeros64(limb))
		}
	}
	return 0
}

// nextInitializedTickWithinOneWord returns the next initialized tick in the
// word holding tick, searching left (lte) or right. When none is set it
// returns the word boundary with initialized false.
func (s *PoolState) nextInitializedTickWithinOneWord(tick int32, lte bool) (int32, bool, error) {
	spacing := s.Meta.TickSpacing
	compressed := compress(tick, spacing)

	if lte {
		pos, bit := position(compressed)
		word, err := s.word(pos)
		if err != nil {
			return 0, false, err
		}
		one := uint256.NewInt(1)
		mask := new(uint256.Int).Lsh(one, uint(bit))
		mask.Sub(mask, one)
		mask.Add(mask, new(uint256.Int).Lsh(one, uint(bit)))
		masked := new(uint256.Int).And(word, mask)
		if masked.IsZero() {
			return (compressed - int32(bit)) * spacing, false, nil
		}
		return (compressed - int32(bit-mostSignificantBit(masked))) * spacing, true, nil
	}

	pos, bit := position(compressed + 1)
	word, err := s.word(pos)
	if err != nil {
		return 0, false, err
	}
	one := uint256.NewInt(1)
	mask := new(uint256.Int).Lsh(one, uint(bit))
	mask.Sub(mask, one)
	mask.Not(mask)
	masked := new(uint256.Int).And(word, mask)
	if masked.IsZero() {
		return (compressed + 1 + int32(255-bit)) * spacing, false, nil
	}
	return (compressed + 1 + int32(leastSignificantBit(masked)-bit)) * spacing, true, nil
}
