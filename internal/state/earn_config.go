package state

import (
	"github.com/google/uuid"

	vmath "VaultLedger/internal/math"
)

// EarnConfig is the per-asset lending policy record. Created once per
// asset, mutated only by privileged config instructions, never deleted.
// Rates use the percent scale (PercentMax = 100%).
type EarnConfig struct {
	Key     RecordKey
	Version uint8
	Asset   AssetID
	Frozen  bool

	ProtocolFee  uint64
	LTV          uint64 // loan-to-value bound on pool borrowing
	DepositFee   uint64
	WithdrawFee  uint64
	BorrowFee    uint64
	FloorCapRate uint64

	MinDeposit  uint64
	MaxDeposit  uint64
	MinWithdraw uint64
	MaxWithdraw uint64
	MinBorrow   uint64
	MaxBorrow   uint64

	Owner    uuid.UUID // protocol authority for this asset
	Indexer  uuid.UUID // may push interest accrual
	FeeVault uuid.UUID // fee-collection target account

	LastUpdated int64
}

// EarnConfigParams carries the mutable policy fields of ConfigCreate/Set.
type EarnConfigParams struct {
	Frozen       bool
	ProtocolFee  uint64
	LTV          uint64
	DepositFee   uint64
	WithdrawFee  uint64
	BorrowFee    uint64
	FloorCapRate uint64
	MinDeposit   uint64
	MaxDeposit   uint64
	MinWithdraw  uint64
	MaxWithdraw  uint64
	MinBorrow    uint64
	MaxBorrow    uint64
}

// DefaultEarnConfigParams mirrors the shipped per-asset defaults:
// 50% LTV, zero fees, wide open limits.
func DefaultEarnConfigParams() EarnConfigParams {
	return EarnConfigParams{
		LTV:          50_000,
		FloorCapRate: vmath.PercentMax,
		MinDeposit:   1,
		MaxDeposit:   1_000_000_000,
		MinWithdraw:  1,
		MaxWithdraw:  1_000_000_000,
		MinBorrow:    1,
		MaxBorrow:    1_000_000_000,
	}
}

// Validate checks config bounds before any field is applied.
func (p EarnConfigParams) Validate() error {
	for _, rate := range []uint64{p.ProtocolFee, p.LTV, p.DepositFee, p.WithdrawFee, p.BorrowFee, p.FloorCapRate} {
		if rate > vmath.PercentMax {
			return ErrInvalidParameter
		}
	}
	if p.LTV == 0 || p.FloorCapRate == 0 {
		return ErrInvalidParameter
	}
	if p.MinDeposit > p.MaxDeposit || p.MinWithdraw > p.MaxWithdraw || p.MinBorrow > p.MaxBorrow {
		return ErrInvalidParameter
	}
	return nil
}

func NewEarnConfig(asset AssetID, owner, indexer, feeVault uuid.UUID, params EarnConfigParams, now int64) (*EarnConfig, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	cfg := &EarnConfig{
		Key:      EarnConfigKey(asset),
		Version:  1,
		Asset:    asset,
		Owner:    owner,
		Indexer:  indexer,
		FeeVault: feeVault,
	}
	cfg.apply(params, now)
	return cfg, nil
}

// Set replaces the policy fields. Only the owner may call it.
func (c *EarnConfig) Set(caller uuid.UUID, params EarnConfigParams, now int64) error {
	if caller != c.Owner {
		return ErrUnauthorized
	}
	if err := params.Validate(); err != nil {
		return err
	}
	c.apply(params, now)
	return nil
}

func (c *EarnConfig) apply(params EarnConfigParams, now int64) {
	c.Frozen = params.Frozen
	c.ProtocolFee = params.ProtocolFee
	c.LTV = params.LTV
	c.DepositFee = params.DepositFee
	c.WithdrawFee = params.WithdrawFee
	c.BorrowFee = params.BorrowFee
	c.FloorCapRate = params.FloorCapRate
	c.MinDeposit = params.MinDeposit
	c.MaxDeposit = params.MaxDeposit
	c.MinWithdraw = params.MinWithdraw
	c.MaxWithdraw = params.MaxWithdraw
	c.MinBorrow = params.MinBorrow
	c.MaxBorrow = params.MaxBorrow
	c.LastUpdated = now
}

// ChangeIndexer rotates the accrual authority. No ledger effect.
func (c *EarnConfig) ChangeIndexer(caller, indexer uuid.UUID, now int64) error {
	if caller != c.Owner {
		return ErrUnauthorized
	}
	c.Indexer = indexer
	c.LastUpdated = now
	return nil
}

// CheckFrozen gates every mutating earn-vault operation.
func (c *EarnConfig) CheckFrozen() error {
	if c.Frozen {
		return ErrVaultFrozen
	}
	return nil
}
