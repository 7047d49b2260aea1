package math

// Unit/index conversions. A unit is a proportional claim on a pool; the
// index converts units to underlying amount and only grows as interest
// accrues. Minting rounds toward the pool, valuation rounds toward zero.

// ToUnits converts a native amount into pool units at the given index:
// units = amount / index, carried at UnitDecimals.
func ToUnits(amount uint64, tokenDecimals int, index uint64, mode RoundingMode) (uint64, error) {
	return Div(UnitDecimals, amount, tokenDecimals, index, IndexDecimals, mode)
}

// ToAmount converts pool units back to a native amount at the given index:
// amount = units * index, carried at tokenDecimals.
func ToAmount(units uint64, tokenDecimals int, index uint64, mode RoundingMode) (uint64, error) {
	return Mul(tokenDecimals, units, UnitDecimals, index, IndexDecimals, mode)
}

// ComputeIndex derives a pool index from its fund total and unit supply:
// index = fundTotal / unitSupply at IndexDecimals.
func ComputeIndex(fundTotal uint64, tokenDecimals int, unitSupply uint64) (uint64, error) {
	return Div(IndexDecimals, fundTotal, tokenDecimals, unitSupply, UnitDecimals, RoundFloor)
}

// ApplyPercent computes amount * rate where rate is scaled so that
// PercentMax means 100%. Fees use RoundCeil so dust favors the protocol.
func ApplyPercent(amount uint64, tokenDecimals int, rate uint64, mode RoundingMode) (uint64, error) {
	scaled, err := Mul(tokenDecimals, amount, tokenDecimals, rate, PercentDecimals, mode)
	if err != nil {
		return 0, err
	}
	return Div(tokenDecimals, scaled, tokenDecimals, 100, 0, mode)
}

// MinOutput applies a slippage bound: value * (PercentMax - slippageRate),
// rounded up so the bound never understates the acceptable output.
func MinOutput(value uint64, tokenDecimals int, slippageRate uint64) (uint64, error) {
	if slippageRate > PercentMax {
		return 0, ErrArithmeticOverflow
	}
	return ApplyPercent(value, tokenDecimals, PercentMax-slippageRate, RoundCeil)
}

// ConvertByPrice converts an amount of one asset into another through a
// pair of oracle prices: amount * priceFrom / priceTo, rescaled between
// the two assets' decimal bases.
func ConvertByPrice(
	amount uint64, fromDecimals int,
	priceFrom uint64, priceFromExpo int,
	priceTo uint64, priceToExpo int,
	toDecimals int,
	mode RoundingMode,
) (uint64, error) {
	valued, err := Mul(priceFromExpo, amount, fromDecimals, priceFrom, priceFromExpo, RoundFloor)
	if err != nil {
		return 0, err
	}
	return Div(toDecimals, valued, priceFromExpo, priceTo, priceToExpo, mode)
}
