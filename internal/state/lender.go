package state

import (
	"github.com/google/uuid"

	vmath "VaultLedger/internal/math"
)

// Lender is one depositor's claim on one earn vault: unit holdings plus
// the index seen at the last interaction. Realized interest since then is
// unit * (currentIndex - Index).
type Lender struct {
	Key           RecordKey
	Version       uint8
	Owner         uuid.UUID
	Asset         AssetID
	TokenDecimals int

	Principal   uint64
	Unit        uint64
	Index       uint64
	LastUpdated int64
}

func NewLender(asset AssetID, owner uuid.UUID, tokenDecimals int, now int64) *Lender {
	return &Lender{
		Key:           LenderKey(asset, owner),
		Version:       1,
		Owner:         owner,
		Asset:         asset,
		TokenDecimals: tokenDecimals,
		LastUpdated:   now,
	}
}

// Valuation is the lender's current claim in native amount at the given
// vault index, rounded down.
func (l *Lender) Valuation(index uint64) (uint64, error) {
	if l.Unit == 0 {
		return 0, nil
	}
	return vmath.ToAmount(l.Unit, l.TokenDecimals, index, vmath.RoundFloor)
}

// Deposit mints units for the lender at the vault's current index.
func (l *Lender) Deposit(index, amount uint64, now int64) (minted uint64, err error) {
	principal, err := vmath.CheckedAdd(l.Principal, amount)
	if err != nil {
		return 0, err
	}
	units, err := vmath.ToUnits(amount, l.TokenDecimals, index, vmath.RoundFloor)
	if err != nil {
		return 0, err
	}
	unit, err := vmath.CheckedAdd(l.Unit, units)
	if err != nil {
		return 0, err
	}

	l.Principal = principal
	l.Unit = unit
	l.Index = index
	l.LastUpdated = now
	return units, nil
}

// Withdraw burns the units equivalent to amount at the current index.
// Accrued interest means the burn can exceed remaining principal; the
// principal floor is zero, not an error.
func (l *Lender) Withdraw(index, amount uint64, now int64) (burned uint64, err error) {
	units, err := vmath.ToUnits(amount, l.TokenDecimals, index, vmath.RoundFloor)
	if err != nil {
		return 0, err
	}
	unit, err := vmath.CheckedSub(l.Unit, units)
	if err != nil {
		return 0, ErrInsufficientLiquidity
	}

	if amount >= l.Principal {
		l.Principal = 0
	} else {
		l.Principal -= amount
	}
	l.Unit = unit
	l.Index = index
	l.LastUpdated = now
	return units, nil
}
