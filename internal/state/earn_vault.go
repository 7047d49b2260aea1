package state

import (
	vmath "VaultLedger/internal/math"
)

// EarnVault is the per-asset pooled-lending ledger. Lender claims are
// tracked as units; the index converts units to underlying amount and
// grows only when interest is pushed into the pool. All counters are in
// the asset's smallest native unit except UnitSupply (UnitDecimals) and
// Index (IndexDecimals).
//
// Invariants: Index never decreases; FundTotal = FundLent + FundReward -
// FundWithdrawn; UnitSupply*Index (scaled) equals total lender claims.
type EarnVault struct {
	Key           RecordKey
	Version       uint8
	Asset         AssetID
	TokenDecimals int

	Index            uint64
	LastIndexUpdated int64
	UnitSupply       uint64

	FundLent      uint64
	FundReward    uint64
	FundWithdrawn uint64
	FundTotal     uint64

	FundBorrowed         uint64
	FundLeverage         uint64
	FundBorrowInterest   uint64
	FundLeverageInterest uint64
	FundInterestTotal    uint64
	FundBorrowRepaid     uint64
	FundLeverageRepaid   uint64
	FundRepaidTotal      uint64
	FundBorrowTotal      uint64

	LastInterestUpdated int64

	OracleFeed PriceFeed
}

func NewEarnVault(asset AssetID, tokenDecimals int, feed PriceFeed, now int64) *EarnVault {
	return &EarnVault{
		Key:              EarnVaultKey(asset),
		Version:          1,
		Asset:            asset,
		TokenDecimals:    tokenDecimals,
		Index:            vmath.IndexScale,
		LastIndexUpdated: now,
		OracleFeed:       feed,
	}
}

// AccrualStrategy decides how the index moves with elapsed time. The
// shipped strategy treats interest as externally pushed (ApplyInterest
// events recompute the index), so time alone never moves it; alternative
// curves plug in here without touching the ledger.
type AccrualStrategy interface {
	Accrue(v *EarnVault, now int64) (uint64, error)
}

// PushedInterestAccrual is the default: the index is already current
// because every interest event recomputed it, so accrual just returns it.
type PushedInterestAccrual struct{}

func (PushedInterestAccrual) Accrue(v *EarnVault, now int64) (uint64, error) {
	return v.Index, nil
}

// AccrueIndex brings the index up to now. Idempotent: a repeated call at
// the same timestamp is a no-op. Called as a precondition of every
// mutating pool operation so all lenders see interest up to the moment
// their operation changes the unit/amount ratio.
func (v *EarnVault) AccrueIndex(strategy AccrualStrategy, now int64) error {
	if now == v.LastIndexUpdated {
		return nil
	}
	index, err := strategy.Accrue(v, now)
	if err != nil {
		return err
	}
	if index < v.Index {
		return ErrInvalidParameter
	}
	v.Index = index
	v.LastIndexUpdated = now
	return nil
}

// Deposit adds lent liquidity and mints units at the current index.
func (v *EarnVault) Deposit(amount uint64) (minted uint64, err error) {
	lent, err := vmath.CheckedAdd(v.FundLent, amount)
	if err != nil {
		return 0, err
	}
	total, err := vmath.CheckedAdd(v.FundTotal, amount)
	if err != nil {
		return 0, err
	}
	units, err := vmath.ToUnits(amount, v.TokenDecimals, v.Index, vmath.RoundFloor)
	if err != nil {
		return 0, err
	}
	supply, err := vmath.CheckedAdd(v.UnitSupply, units)
	if err != nil {
		return 0, err
	}

	v.FundLent = lent
	v.FundTotal = total
	v.UnitSupply = supply
	return units, nil
}

// Withdraw removes liquidity and burns the equivalent units. The caller
// checks available liquidity first; the checked subtraction is the last
// line of defense.
func (v *EarnVault) Withdraw(amount uint64) (burned uint64, err error) {
	withdrawn, err := vmath.CheckedAdd(v.FundWithdrawn, amount)
	if err != nil {
		return 0, err
	}
	total, err := vmath.CheckedSub(v.FundTotal, amount)
	if err != nil {
		return 0, ErrInsufficientLiquidity
	}
	units, err := vmath.ToUnits(amount, v.TokenDecimals, v.Index, vmath.RoundFloor)
	if err != nil {
		return 0, err
	}
	supply, err := vmath.CheckedSub(v.UnitSupply, units)
	if err != nil {
		return 0, ErrInsufficientLiquidity
	}

	v.FundWithdrawn = withdrawn
	v.FundTotal = total
	v.UnitSupply = supply
	return units, nil
}

// Borrow moves pool liquidity into a plain loan.
func (v *EarnVault) Borrow(amount uint64) error {
	borrowed, err := vmath.CheckedAdd(v.FundBorrowed, amount)
	if err != nil {
		return err
	}
	outstanding, err := vmath.CheckedAdd(v.FundBorrowTotal, amount)
	if err != nil {
		return err
	}
	v.FundBorrowed = borrowed
	v.FundBorrowTotal = outstanding
	return nil
}

// Repay settles plain-loan principal.
func (v *EarnVault) Repay(amount uint64) error {
	repaid, err := vmath.CheckedAdd(v.FundBorrowRepaid, amount)
	if err != nil {
		return err
	}
	repaidTotal, err := vmath.CheckedAdd(v.FundRepaidTotal, amount)
	if err != nil {
		return err
	}
	outstanding, err := vmath.CheckedSub(v.FundBorrowTotal, amount)
	if err != nil {
		return err
	}
	v.FundBorrowRepaid = repaid
	v.FundRepaidTotal = repaidTotal
	v.FundBorrowTotal = outstanding
	return nil
}

// Lever moves pool liquidity into a leveraged position's borrow leg.
func (v *EarnVault) Lever(amount uint64) error {
	leverage, err := vmath.CheckedAdd(v.FundLeverage, amount)
	if err != nil {
		return err
	}
	outstanding, err := vmath.CheckedAdd(v.FundBorrowTotal, amount)
	if err != nil {
		return err
	}
	v.FundLeverage = leverage
	v.FundBorrowTotal = outstanding
	return nil
}

// Delever settles a leveraged borrow leg.
func (v *EarnVault) Delever(amount uint64) error {
	repaid, err := vmath.CheckedAdd(v.FundLeverageRepaid, amount)
	if err != nil {
		return err
	}
	repaidTotal, err := vmath.CheckedAdd(v.FundRepaidTotal, amount)
	if err != nil {
		return err
	}
	outstanding, err := vmath.CheckedSub(v.FundBorrowTotal, amount)
	if err != nil {
		return err
	}
	v.FundLeverageRepaid = repaid
	v.FundRepaidTotal = repaidTotal
	v.FundBorrowTotal = outstanding
	return nil
}

type interestKind int

const (
	borrowInterest interestKind = iota
	leverageInterest
)

// ApplyBorrowInterest credits pushed interest from plain borrows to the
// pool and recomputes the index.
func (v *EarnVault) ApplyBorrowInterest(amount uint64, now int64) error {
	return v.applyInterest(borrowInterest, amount, now)
}

// ApplyLeverageInterest credits pushed interest from leveraged borrows.
func (v *EarnVault) ApplyLeverageInterest(amount uint64, now int64) error {
	return v.applyInterest(leverageInterest, amount, now)
}

func (v *EarnVault) applyInterest(kind interestKind, amount uint64, now int64) error {
	staged := *v

	var err error
	if staged.FundReward, err = vmath.CheckedAdd(staged.FundReward, amount); err != nil {
		return err
	}
	if staged.FundTotal, err = vmath.CheckedAdd(staged.FundTotal, amount); err != nil {
		return err
	}
	switch kind {
	case borrowInterest:
		if staged.FundBorrowInterest, err = vmath.CheckedAdd(staged.FundBorrowInterest, amount); err != nil {
			return err
		}
	case leverageInterest:
		if staged.FundLeverageInterest, err = vmath.CheckedAdd(staged.FundLeverageInterest, amount); err != nil {
			return err
		}
	}
	if staged.FundInterestTotal, err = vmath.CheckedAdd(staged.FundInterestTotal, amount); err != nil {
		return err
	}
	if staged.FundBorrowTotal, err = vmath.CheckedAdd(staged.FundBorrowTotal, amount); err != nil {
		return err
	}
	staged.LastInterestUpdated = now

	if staged.UnitSupply > 0 {
		index, err := vmath.ComputeIndex(staged.FundTotal, staged.TokenDecimals, staged.UnitSupply)
		if err != nil {
			return err
		}
		if index < staged.Index {
			// Rounding of fundTotal/unitSupply may only move the index up.
			index = staged.Index
		}
		staged.Index = index
		staged.LastIndexUpdated = now
	}

	*v = staged
	return nil
}

// UtilizationRate returns outstanding borrows over the pool total at the
// percent scale.
func (v *EarnVault) UtilizationRate() (uint64, error) {
	if v.FundTotal == 0 {
		return 0, nil
	}
	return vmath.MulDiv(v.FundBorrowTotal, vmath.PercentMax, v.FundTotal)
}

// BorrowableAmount is the LTV-bounded borrow ceiling: fundTotal*ltv/100%.
func (v *EarnVault) BorrowableAmount(ltv uint64) (uint64, error) {
	return vmath.MulDiv(v.FundTotal, ltv, vmath.PercentMax)
}

// BorrowAvailable is the remaining headroom under the borrow ceiling.
func (v *EarnVault) BorrowAvailable(ltv uint64) (uint64, error) {
	ceiling, err := v.BorrowableAmount(ltv)
	if err != nil {
		return 0, err
	}
	if ceiling <= v.FundBorrowTotal {
		return 0, nil
	}
	return ceiling - v.FundBorrowTotal, nil
}

// AvailableLiquidity is the cash actually on hand: pool total minus
// outstanding borrows. A withdrawal above this fails.
func (v *EarnVault) AvailableLiquidity() uint64 {
	if v.FundBorrowTotal >= v.FundTotal {
		return 0
	}
	return v.FundTotal - v.FundBorrowTotal
}
