package uniswapv3

import (
	"math/big"

	"poolSync/internal/model"
)

type handler func(s *PoolState, ev model.PoolEvent, h model.BlockHeader)

var handlers = [model.NumEventKinds]handler{
	model.EventSwap:                               on(applySwap),
	model.EventMint:                               on(applyMint),
	model.EventBurn:                               on(applyBurn),
	model.EventCollect:                            on(applyCollect),
	model.EventCollectProtocol:                    on(applyCollectProtocol),
	model.EventFlash:                              on(applyFlash),
	model.EventSetFeeProtocol:                     on(applySetFeeProtocol),
	model.EventIncreaseObservationCardinalityNext: on(applyIncreaseObservationCardinalityNext),
}

func on[T model.PoolEvent](fn func(*PoolState, T, model.BlockHeader)) handler {
	return func(s *PoolState, ev model.PoolEvent, h model.BlockHeader) {
		typed, ok := ev.(T)
		if !ok {
			s.invalidate(h.Number, "%s event has type %T", ev.Kind(), ev)
			return
		}
		fn(s, typed, h)
	}
}

// Apply advances s by one event in place. s must be a clone the caller owns.
// Transitions the protocol cannot produce leave s invalid; Apply never panics
// on event content.
func Apply(s *PoolState, ev model.PoolEvent, h model.BlockHeader) *PoolState {
	if s == nil || ev == nil || !s.Valid {
		return s
	}
	kind := ev.Kind()
	if kind >= model.NumEventKinds || handlers[kind] == nil {
		return s
	}
	handlers[kind](s, ev, h)
	return s
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// credit adds signed deltas to both balances and rejects a negative result.
func (s *PoolState) credit(block uint64, delta0, delta1 *big.Int) {
	b0 := new(big.Int).Add(s.Balance0, orZero(delta0))
	b1 := new(big.Int).Add(s.Balance1, orZero(delta1))
	if b0.Sign() < 0 || b1.Sign() < 0 {
		s.invalidate(block, "negative balance %s/%s", b0, b1)
		return
	}
	s.Balance0 = b0
	s.Balance1 = b1
}

func (s *PoolState) debit(block uint64, amount0, amount1 *big.Int) {
	s.credit(block, new(big.Int).Neg(orZero(amount0)), new(big.Int).Neg(orZero(amount1)))
}

func applySwap(s *PoolState, ev model.SwapEvent, h model.BlockHeader) {
	amount0, amount1 := orZero(ev.Amount0), orZero(ev.Amount1)
	if ev.SqrtPriceX96 == nil || ev.Liquidity == nil {
		s.invalidate(h.Number, "swap without price or liquidity")
		return
	}
	zeroForOne := amount0.Sign() > 0
	if zeroForOne && amount1.Sign() >= 0 {
		s.invalidate(h.Number, "swap pays in both tokens")
		return
	}
	if !zeroForOne && amount1.Sign() < 0 {
		s.invalidate(h.Number, "swap pays out both tokens: %s/%s", amount0, amount1)
		return
	}

	s.credit(h.Number, amount0, amount1)
	if !s.Valid {
		return
	}

	oldTick, oldLiquidity := s.Tick, s.Liquidity
	if ev.Tick != oldTick {
		s.writeObservation(h.Timestamp, oldTick, oldLiquidity)
	}
	s.SqrtPriceX96 = ev.SqrtPriceX96
	s.Tick = ev.Tick

	if !s.tickInWindow(ev.Tick) {
		s.Liquidity = ev.Liquidity
		s.markOutOfRange(h.Number, ev.Tick)
		return
	}

	walked, crossed, err := s.crossTicks(oldTick, ev.Tick, oldLiquidity)
	if err != nil {
		s.Liquidity = ev.Liquidity
		s.markOutOfRange(h.Number, ev.Tick)
		return
	}
	if crossed == 0 {
		s.Liquidity = ev.Liquidity
		return
	}
	if walked.Sign() < 0 {
		s.invalidate(h.Number, "liquidity %s below zero after crossing %d ticks", walked, crossed)
		return
	}
	s.Liquidity = walked
}

// crossTicks applies liquidityNet of every initialized tick passed while
// moving from one tick to another.
func (s *PoolState) crossTicks(from, to int32, liquidity *big.Int) (*big.Int, int, error) {
	out := new(big.Int).Set(liquidity)
	crossed := 0
	tick := from

	if to > from {
		for {
			next, initialized, err := s.nextInitializedTickWithinOneWord(tick, false)
			if err != nil {
				return nil, 0, err
			}
			if next > to {
				return out, crossed, nil
			}
			if initialized {
				out.Add(out, orZero(s.Ticks[next].LiquidityNet))
				crossed++
			}
			tick = next
		}
	}

	for to < from {
		next, initialized, err := s.nextInitializedTickWithinOneWord(tick, true)
		if err != nil {
			return nil, 0, err
		}
		if next <= to {
			break
		}
		if initialized {
			out.Sub(out, orZero(s.Ticks[next].LiquidityNet))
			crossed++
		}
		tick = next - 1
	}
	return out, crossed, nil
}

func applyMint(s *PoolState, ev model.MintEvent, h model.BlockHeader) {
	s.modifyPosition(ev.TickLower, ev.TickUpper, orZero(ev.Amount), h)
	if s.Valid {
		s.credit(h.Number, ev.Amount0, ev.Amount1)
	}
}

func applyBurn(s *PoolState, ev model.BurnEvent, h model.BlockHeader) {
	s.modifyPosition(ev.TickLower, ev.TickUpper, new(big.Int).Neg(orZero(ev.Amount)), h)
}

func (s *PoolState) modifyPosition(lower, upper int32, delta *big.Int, h model.BlockHeader) {
	if lower >= upper || lower < MinTick || upper > MaxTick {
		s.invalidate(h.Number, "position range [%d, %d) is invalid", lower, upper)
		return
	}
	if delta.Sign() == 0 {
		return
	}

	if !s.updateTick(lower, delta, false, h.Number) || !s.updateTick(upper, delta, true, h.Number) {
		return
	}

	if lower <= s.Tick && s.Tick < upper {
		s.writeObservation(h.Timestamp, s.Tick, s.Liquidity)
		next := new(big.Int).Add(s.Liquidity, delta)
		if next.Sign() < 0 {
			s.invalidate(h.Number, "liquidity %s below zero", next)
			return
		}
		s.Liquidity = next
	}
}

// updateTick moves gross and net liquidity at one boundary. Boundaries outside
// the window are not recorded.
func (s *PoolState) updateTick(tick int32, delta *big.Int, upper bool, block uint64) bool {
	if !s.tickInWindow(tick) {
		return true
	}
	if tick%s.Meta.TickSpacing != 0 {
		s.invalidate(block, "tick %d not a multiple of spacing %d", tick, s.Meta.TickSpacing)
		return false
	}

	info := s.Ticks[tick]
	grossBefore := orZero(info.LiquidityGross)
	grossAfter := new(big.Int).Add(grossBefore, delta)
	if grossAfter.Sign() < 0 {
		s.invalidate(block, "tick %d gross liquidity %s below zero", tick, grossAfter)
		return false
	}

	netAfter := new(big.Int)
	if upper {
		netAfter.Sub(orZero(info.LiquidityNet), delta)
	} else {
		netAfter.Add(orZero(info.LiquidityNet), delta)
	}

	if (grossBefore.Sign() == 0) != (grossAfter.Sign() == 0) {
		if err := s.flipTick(tick); err != nil {
			s.invalidate(block, "flip tick %d: %v", tick, err)
			return false
		}
	}
	if grossAfter.Sign() == 0 {
		s.deleteTick(tick)
		return true
	}
	s.setTick(tick, TickInfo{LiquidityGross: grossAfter, LiquidityNet: netAfter})
	return true
}

func applyCollect(s *PoolState, ev model.CollectEvent, h model.BlockHeader) {
	s.debit(h.Number, ev.Amount0, ev.Amount1)
}

func applyCollectProtocol(s *PoolState, ev model.CollectProtocolEvent, h model.BlockHeader) {
	s.debit(h.Number, ev.Amount0, ev.Amount1)
}

func applyFlash(s *PoolState, ev model.FlashEvent, h model.BlockHeader) {
	s.credit(h.Number, ev.Paid0, ev.Paid1)
}

func applySetFeeProtocol(s *PoolState, ev model.SetFeeProtocolEvent, _ model.BlockHeader) {
	s.FeeProtocol = ev.FeeProtocol0New + ev.FeeProtocol1New<<4
}

func applyIncreaseObservationCardinalityNext(s *PoolState, ev model.IncreaseObservationCardinalityNextEvent, _ model.BlockHeader) {
	s.ObservationCardinalityNext = ev.New
}
