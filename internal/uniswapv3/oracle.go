package uniswapv3

import "math/big"

// writeObservation records tick and liquidity as of the previous block in
// the oracle ring, at most once per timestamp.
func (s *PoolState) writeObservation(timestamp uint64, tick int32, liquidity *big.Int) {
	last, ok := s.Observations[s.ObservationIndex]
	if !ok {
		return
	}
	ts := uint32(timestamp)
	if last.BlockTimestamp == ts {
		return
	}

	cardinality := s.ObservationCardinality
	if s.ObservationCardinalityNext > cardinality && uint32(s.ObservationIndex) == uint32(cardinality)-1 {
		cardinality = s.ObservationCardinalityNext
	}
	if cardinality == 0 {
		return
	}
	index := uint16((uint32(s.ObservationIndex) + 1) % uint32(cardinality))

	delta := new(big.Int).SetUint64(uint64(ts - last.BlockTimestamp))
	tickCumulative := new(big.Int).Mul(big.NewInt(int64(tick)), delta)
	tickCumulative.Add(tickCumulative, orZero(last.TickCumulative))

	divisor := orZero(liquidity)
	if divisor.Sign() <= 0 {
		divisor = big.NewInt(1)
	}
	secondsPerLiquidity := new(big.Int).Lsh(delta, 128)
	secondsPerLiquidity.Quo(secondsPerLiquidity, divisor)
	secondsPerLiquidity.Add(secondsPerLiquidity, orZero(last.SecondsPerLiquidityCumulativeX128))

	s.setObservation(index, Observation{
		BlockTimestamp:                    ts,
		TickCumulative:                    tickCumulative,
		SecondsPerLiquidityCumulativeX128: secondsPerLiquidity,
		Initialized:                       true,
	})
	s.ObservationIndex = index
	s.ObservationCardinality = cardinality
}
