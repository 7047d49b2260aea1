package math

import (
	"errors"
	"math/big"
	"sync"
)

// All monetary amounts are unsigned integers in the asset's smallest native
// unit. Intermediate products are carried in big.Int so a u64*u64 product
// never wraps; every operation either fits back into uint64 or fails with
// ErrArithmeticOverflow.
var (
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrDivisionByZero     = errors.New("division by zero")
)

// Fixed decimal bases shared across the ledger.
const (
	IndexDecimals   = 12 // index 1.0 = 10^12
	UnitDecimals    = 6  // pool units carry 6 decimal places
	PercentDecimals = 3  // percent 1% = 10^3
)

var (
	IndexScale  = uint64(1_000_000_000_000) // 10^IndexDecimals
	UnitScale   = uint64(1_000_000)         // 10^UnitDecimals
	PercentOne  = uint64(1_000)             // 1%
	PercentMax  = uint64(100_000)           // 100%
	LeverageOne = uint64(1_000)             // leverage 1.0x
)

type RoundingMode int

const (
	RoundFloor RoundingMode = iota // truncate toward zero (credit to users)
	RoundCeil                      // round away from zero (debt owed to the pool)
	RoundHalfEven
)

var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

func pow10(exp int) *big.Int {
	p := getInt()
	p.Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
	return p
}

// divRound divides num by den applying the rounding mode and returns the
// quotient as uint64. den must be positive.
func divRound(num, den *big.Int, mode RoundingMode) (uint64, error) {
	quo := getInt()
	rem := getInt()
	defer putInt(quo)
	defer putInt(rem)

	quo.QuoRem(num, den, rem)

	switch mode {
	case RoundCeil:
		if rem.Sign() != 0 {
			quo.Add(quo, big.NewInt(1))
		}
	case RoundHalfEven:
		twice := getInt()
		twice.Lsh(rem, 1)
		cmp := twice.Cmp(den)
		putInt(twice)
		if cmp > 0 || (cmp == 0 && quo.Bit(0) == 1) {
			quo.Add(quo, big.NewInt(1))
		}
	}

	if quo.Sign() < 0 || quo.Cmp(maxUint64) > 0 {
		return 0, ErrArithmeticOverflow
	}
	return quo.Uint64(), nil
}

// Mul computes a*b where a carries aDecimals and b carries bDecimals,
// rescaled to targetDecimals: a*b*10^target / 10^(aDec+bDec).
func Mul(targetDecimals int, a uint64, aDecimals int, b uint64, bDecimals int, mode RoundingMode) (uint64, error) {
	num := getInt()
	defer putInt(num)
	num.Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))

	scaleUp := pow10(targetDecimals)
	defer putInt(scaleUp)
	num.Mul(num, scaleUp)

	den := pow10(aDecimals + bDecimals)
	defer putInt(den)

	return divRound(num, den, mode)
}

// Div computes a/b where a carries aDecimals and b carries bDecimals,
// rescaled to targetDecimals: a*10^(target+bDec) / (b*10^aDec).
func Div(targetDecimals int, a uint64, aDecimals int, b uint64, bDecimals int, mode RoundingMode) (uint64, error) {
	if b == 0 {
		return 0, ErrDivisionByZero
	}

	num := getInt()
	defer putInt(num)
	scaleNum := pow10(targetDecimals + bDecimals)
	defer putInt(scaleNum)
	num.Mul(new(big.Int).SetUint64(a), scaleNum)

	den := getInt()
	defer putInt(den)
	scaleDen := pow10(aDecimals)
	defer putInt(scaleDen)
	den.Mul(new(big.Int).SetUint64(b), scaleDen)

	return divRound(num, den, mode)
}

// MulDiv computes floor(a*b/c) with a wide intermediate.
func MulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrDivisionByZero
	}
	num := getInt()
	defer putInt(num)
	num.Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	return divRound(num, new(big.Int).SetUint64(c), RoundFloor)
}

// Scale rescales amount from one decimal base to another. Scaling down
// truncates; the caller picks a wider target when the dust matters.
func Scale(amount uint64, decimalsFrom, decimalsTo int) (uint64, error) {
	if decimalsFrom == decimalsTo {
		return amount, nil
	}
	num := getInt()
	defer putInt(num)
	num.SetUint64(amount)
	if decimalsTo > decimalsFrom {
		f := pow10(decimalsTo - decimalsFrom)
		defer putInt(f)
		num.Mul(num, f)
		if num.Cmp(maxUint64) > 0 {
			return 0, ErrArithmeticOverflow
		}
		return num.Uint64(), nil
	}
	den := pow10(decimalsFrom - decimalsTo)
	defer putInt(den)
	return divRound(num, den, RoundFloor)
}

// WeightedAvg computes (w1*v1 + w2*v2) / (w1+w2) floored, for cost-basis
// index averaging. Fails with ErrDivisionByZero when both weights are zero.
func WeightedAvg(w1, v1, w2, v2 uint64) (uint64, error) {
	den := getInt()
	defer putInt(den)
	den.Add(new(big.Int).SetUint64(w1), new(big.Int).SetUint64(w2))
	if den.Sign() == 0 {
		return 0, ErrDivisionByZero
	}

	num := getInt()
	defer putInt(num)
	t2 := getInt()
	defer putInt(t2)
	num.Mul(new(big.Int).SetUint64(w1), new(big.Int).SetUint64(v1))
	t2.Mul(new(big.Int).SetUint64(w2), new(big.Int).SetUint64(v2))
	num.Add(num, t2)

	return divRound(num, den, RoundFloor)
}

// CheckedAdd returns a+b or ErrArithmeticOverflow on wrap.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}

// CheckedSub returns a-b or ErrArithmeticOverflow on underflow.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrArithmeticOverflow
	}
	return a - b, nil
}
