package state

import (
	vmath "VaultLedger/internal/math"
)

// LeverageVault is the per-asset-pair ledger behind leveraged positions.
// It carries two unit/index pairs mirroring the dual-currency nature of a
// position: the collateral side (native-collateral units held by funded
// positions) and the borrowing side (debt units owed back to the earn
// vault). BorrowAsset names the earn vault the borrow leg draws from.
type LeverageVault struct {
	Key                RecordKey
	Version            uint8
	Collateral         AssetID // asset users fund with and debt is owed in
	Native             AssetID // asset positions actually hold after the swap
	BorrowAsset        AssetID
	CollateralDecimals int
	NativeDecimals     int

	UnitSupply uint64 // native-collateral units across all positions
	Index      uint64

	BorrowingUnitSupply uint64 // debt units across all positions
	BorrowingIndex      uint64

	CollateralFeed PriceFeed
	NativeFeed     PriceFeed

	LastUpdated int64
}

func NewLeverageVault(collateral, native AssetID, collateralDecimals, nativeDecimals int, collateralFeed, nativeFeed PriceFeed, now int64) *LeverageVault {
	return &LeverageVault{
		Key:                LeverageVaultKey(collateral, native),
		Version:            1,
		Collateral:         collateral,
		Native:             native,
		BorrowAsset:        collateral,
		CollateralDecimals: collateralDecimals,
		NativeDecimals:     nativeDecimals,
		Index:              vmath.IndexScale,
		BorrowingIndex:     vmath.IndexScale,
		CollateralFeed:     collateralFeed,
		NativeFeed:         nativeFeed,
		LastUpdated:        now,
	}
}

// MintCollateral adds native-collateral units for a newly funded position.
func (v *LeverageVault) MintCollateral(units uint64, now int64) error {
	supply, err := vmath.CheckedAdd(v.UnitSupply, units)
	if err != nil {
		return err
	}
	v.UnitSupply = supply
	v.LastUpdated = now
	return nil
}

// BurnCollateral removes units released by a closing position.
func (v *LeverageVault) BurnCollateral(units uint64, now int64) error {
	supply, err := vmath.CheckedSub(v.UnitSupply, units)
	if err != nil {
		return ErrInsufficientLiquidity
	}
	v.UnitSupply = supply
	v.LastUpdated = now
	return nil
}

// MintBorrow adds debt units for a position's borrow leg.
func (v *LeverageVault) MintBorrow(units uint64, now int64) error {
	supply, err := vmath.CheckedAdd(v.BorrowingUnitSupply, units)
	if err != nil {
		return err
	}
	v.BorrowingUnitSupply = supply
	v.LastUpdated = now
	return nil
}

// BurnBorrow removes debt units repaid by a position.
func (v *LeverageVault) BurnBorrow(units uint64, now int64) error {
	supply, err := vmath.CheckedSub(v.BorrowingUnitSupply, units)
	if err != nil {
		return ErrInsufficientLiquidity
	}
	v.BorrowingUnitSupply = supply
	v.LastUpdated = now
	return nil
}

// ApplyLeverageInterest grows the borrowing index so every position's debt
// (borrowingUnit * borrowingIndex) accretes the pushed interest. The
// collateral-side index is price-neutral and does not move here.
func (v *LeverageVault) ApplyLeverageInterest(amount uint64, now int64) error {
	if v.BorrowingUnitSupply == 0 {
		return nil
	}
	// outstanding debt before interest, rounded up
	debt, err := vmath.ToAmount(v.BorrowingUnitSupply, v.CollateralDecimals, v.BorrowingIndex, vmath.RoundCeil)
	if err != nil {
		return err
	}
	debt, err = vmath.CheckedAdd(debt, amount)
	if err != nil {
		return err
	}
	index, err := vmath.ComputeIndex(debt, v.CollateralDecimals, v.BorrowingUnitSupply)
	if err != nil {
		return err
	}
	if index < v.BorrowingIndex {
		index = v.BorrowingIndex
	}
	v.BorrowingIndex = index
	v.LastUpdated = now
	return nil
}

// ChangePriceOracle swaps both feed identifiers. Privileged; no
// re-valuation happens until the next price-dependent operation.
func (v *LeverageVault) ChangePriceOracle(collateralFeed, nativeFeed PriceFeed, now int64) {
	v.CollateralFeed = collateralFeed
	v.NativeFeed = nativeFeed
	v.LastUpdated = now
}
