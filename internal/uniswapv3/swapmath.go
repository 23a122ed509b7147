package uniswapv3

import "math/big"

const feeDenominator = 1_000_000

func mulDiv(a, b, denominator *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, denominator)
}

func mulDivRoundingUp(a, b, denominator *big.Int) *big.Int {
	product := new(big.Int).Mul(a, b)
	out, rem := new(big.Int).QuoRem(product, denominator, new(big.Int))
	if rem.Sign() != 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}

func divRoundingUp(a, b *big.Int) *big.Int {
	out, rem := new(big.Int).QuoRem(a, b, new(big.Int))
	if rem.Sign() != 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}

func sortedPrices(a, b *big.Int) (*big.Int, *big.Int) {
	if a.Cmp(b) > 0 {
		return b, a
	}
	return a, b
}

// getAmount0Delta is the token0 amount between two prices for liquidity.
func getAmount0Delta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) *big.Int {
	sqrtA, sqrtB = sortedPrices(sqrtA, sqrtB)
	numerator1 := new(big.Int).Lsh(liquidity, 96)
	numerator2 := new(big.Int).Sub(sqrtB, sqrtA)
	if roundUp {
		return divRoundingUp(mulDivRoundingUp(numerator1, numerator2, sqrtB), sqrtA)
	}
	return new(big.Int).Quo(mulDiv(numerator1, numerator2, sqrtB), sqrtA)
}

// getAmount1Delta is the token1 amount between two prices for liquidity.
func getAmount1Delta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) *big.Int {
	sqrtA, sqrtB = sortedPrices(sqrtA, sqrtB)
	diff := new(big.Int).Sub(sqrtB, sqrtA)
	if roundUp {
		return mulDivRoundingUp(liquidity, diff, q96)
	}
	return mulDiv(liquidity, diff, q96)
}

func getNextSqrtPriceFromAmount0RoundingUp(sqrtP, liquidity, amount *big.Int) *big.Int {
	if amount.Sign() == 0 {
		return new(big.Int).Set(sqrtP)
	}
	numerator1 := new(big.Int).Lsh(liquidity, 96)
	denominator := new(big.Int).Mul(amount, sqrtP)
	denominator.Add(denominator, numerator1)
	return mulDivRoundingUp(numerator1, sqrtP, denominator)
}

func getNextSqrtPriceFromAmount1RoundingDown(sqrtP, liquidity, amount *big.Int) *big.Int {
	quotient := new(big.Int).Lsh(amount, 96)
	quotient.Quo(quotient, liquidity)
	return quotient.Add(quotient, sqrtP)
}

func getNextSqrtPriceFromInput(sqrtP, liquidity, amountIn *big.Int, zeroForOne bool) *big.Int {
	if zeroForOne {
		return getNextSqrtPriceFromAmount0RoundingUp(sqrtP, liquidity, amountIn)
	}
	return getNextSqrtPriceFromAmount1RoundingDown(sqrtP, liquidity, amountIn)
}

type swapStep struct {
	sqrtNext  *big.Int
	amountIn  *big.Int
	amountOut *big.Int
	fee       *big.Int
}

// computeSwapStep moves an exact-input swap from sqrtCurrent toward
// sqrtTarget, stopping early once amountRemaining is consumed.
func computeSwapStep(sqrtCurrent, sqrtTarget, liquidity, amountRemaining *big.Int, feePips uint32) swapStep {
	zeroForOne := sqrtCurrent.Cmp(sqrtTarget) >= 0
	fee := big.NewInt(int64(feePips))
	feeComplement := big.NewInt(int64(feeDenominator - feePips))

	remainingLessFee := mulDiv(amountRemaining, feeComplement, big.NewInt(feeDenominator))

	var amountIn *big.Int
	if zeroForOne {
		amountIn = getAmount0Delta(sqrtTarget, sqrtCurrent, liquidity, true)
	} else {
		amountIn = getAmount1Delta(sqrtCurrent, sqrtTarget, liquidity, true)
	}

	var sqrtNext *big.Int
	if remainingLessFee.Cmp(amountIn) >= 0 {
		sqrtNext = new(big.Int).Set(sqrtTarget)
	} else {
		sqrtNext = getNextSqrtPriceFromInput(sqrtCurrent, liquidity, remainingLessFee, zeroForOne)
	}
	reachedTarget := sqrtNext.Cmp(sqrtTarget) == 0

	var amountOut *big.Int
	if zeroForOne {
		if !reachedTarget {
			amountIn = getAmount0Delta(sqrtNext, sqrtCurrent, liquidity, true)
		}
		amountOut = getAmount1Delta(sqrtNext, sqrtCurrent, liquidity, false)
	} else {
		if !reachedTarget {
			amountIn = getAmount1Delta(sqrtCurrent, sqrtNext, liquidity, true)
		}
		amountOut = getAmount0Delta(sqrtCurrent, sqrtNext, liquidity, false)
	}

	var feeAmount *big.Int
	if !reachedTarget {
		feeAmount = new(big.Int).Sub(amountRemaining, amountIn)
	} else {
		feeAmount = mulDivRoundingUp(amountIn, fee, feeComplement)
	}

	return swapStep{sqrtNext: sqrtNext, amountIn: amountIn, amountOut: amountOut, fee: feeAmount}
}
