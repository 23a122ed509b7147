package uniswapv3

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrInvalidAmount         = errors.New("amount in must be positive")
	ErrInsufficientLiquidity = errors.New("price limit reached before amount was consumed")
	ErrInsufficientBalance   = errors.New("output exceeds pool balance")
)

// Quote is the outcome of an exact-input swap simulated against a state.
type Quote struct {
	AmountIn       *big.Int `json:"amount_in"`
	AmountOut      *big.Int `json:"amount_out"`
	Fee            *big.Int `json:"fee"`
	SqrtPriceAfter *big.Int `json:"sqrt_price_after"`
	TickAfter      int32    `json:"tick_after"`
	TicksCrossed   int      `json:"ticks_crossed"`
}

// QuoteExactInput simulates swapping amountIn of token0 (zeroForOne) or
// token1 from the current price. Reaching a bitmap word outside the tracked
// window fails the quote with an OutOfTrackedRangeError. s is not modified.
func (s *PoolState) QuoteExactInput(amountIn *big.Int, zeroForOne bool) (Quote, error) {
	if err := s.Check(); err != nil {
		return Quote{}, err
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return Quote{}, ErrInvalidAmount
	}

	limit := new(big.Int).Add(MinSqrtRatio, big.NewInt(1))
	if !zeroForOne {
		limit = new(big.Int).Sub(MaxSqrtRatio, big.NewInt(1))
	}

	remaining := new(big.Int).Set(amountIn)
	out := new(big.Int)
	fees := new(big.Int)
	sqrtP := new(big.Int).Set(s.SqrtPriceX96)
	tick := s.Tick
	liquidity := new(big.Int).Set(s.Liquidity)
	crossed := 0

	for remaining.Sign() > 0 && sqrtP.Cmp(limit) != 0 {
		next, initialized, err := s.nextInitializedTickWithinOneWord(tick, zeroForOne)
		if err != nil {
			return Quote{}, err
		}
		if next < MinTick {
			next = MinTick
		} else if next > MaxTick {
			next = MaxTick
		}
		sqrtNext, err := GetSqrtRatioAtTick(next)
		if err != nil {
			return Quote{}, err
		}

		target := sqrtNext
		if (zeroForOne && sqrtNext.Cmp(limit) < 0) || (!zeroForOne && sqrtNext.Cmp(limit) > 0) {
			target = limit
		}

		step := computeSwapStep(sqrtP, target, liquidity, remaining, s.Meta.Fee)
		sqrtStart := sqrtP
		sqrtP = step.sqrtNext
		remaining.Sub(remaining, step.amountIn)
		remaining.Sub(remaining, step.fee)
		out.Add(out, step.amountOut)
		fees.Add(fees, step.fee)

		if sqrtP.Cmp(sqrtNext) == 0 {
			if initialized {
				net := orZero(s.Ticks[next].LiquidityNet)
				if zeroForOne {
					liquidity.Sub(liquidity, net)
				} else {
					liquidity.Add(liquidity, net)
				}
				if liquidity.Sign() < 0 {
					return Quote{}, fmt.Errorf("liquidity below zero crossing tick %d", next)
				}
				crossed++
			}
			if zeroForOne {
				tick = next - 1
			} else {
				tick = next
			}
		} else if sqrtP.Cmp(sqrtStart) != 0 {
			if tick, err = GetTickAtSqrtRatio(sqrtP); err != nil {
				return Quote{}, err
			}
		}
	}

	if remaining.Sign() > 0 {
		return Quote{}, ErrInsufficientLiquidity
	}

	balance := s.Balance1
	if !zeroForOne {
		balance = s.Balance0
	}
	if out.Cmp(orZero(balance)) > 0 {
		return Quote{}, fmt.Errorf("%w: %s > %s", ErrInsufficientBalance, out, orZero(balance))
	}

	return Quote{
		AmountIn:       new(big.Int).Set(amountIn),
		AmountOut:      out,
		Fee:            fees,
		SqrtPriceAfter: sqrtP,
		TickAfter:      tick,
		TicksCrossed:   crossed,
	}, nil
}
