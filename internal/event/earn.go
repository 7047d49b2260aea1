package event

import (
	"VaultLedger/internal/state"
)

type EarnVaultCreate struct {
	Instruction
	Asset         state.AssetID
	TokenDecimals int
	OracleFeed    state.PriceFeed
}

func (e *EarnVaultCreate) EventType() EventType { return EventTypeEarnVaultCreate }
func (e *EarnVaultCreate) VaultKey() *string    { return earnPartition(e.Asset) }

type EarnVaultDeposit struct {
	Instruction
	Asset  state.AssetID
	Amount uint64
}

func (e *EarnVaultDeposit) EventType() EventType { return EventTypeEarnVaultDeposit }
func (e *EarnVaultDeposit) VaultKey() *string    { return earnPartition(e.Asset) }

type EarnVaultWithdraw struct {
	Instruction
	Asset        state.AssetID
	Amount       uint64
	MinAmountOut uint64
}

func (e *EarnVaultWithdraw) EventType() EventType { return EventTypeEarnVaultWithdraw }
func (e *EarnVaultWithdraw) VaultKey() *string    { return earnPartition(e.Asset) }

type EarnVaultChangeOracle struct {
	Instruction
	Asset state.AssetID
	Feed  state.PriceFeed
}

func (e *EarnVaultChangeOracle) EventType() EventType { return EventTypeEarnVaultChangeOracle }
func (e *EarnVaultChangeOracle) VaultKey() *string    { return earnPartition(e.Asset) }

// EarnInterestAccrue pushes accrued interest into the pool. Only the
// configured indexer may send it; the vault index recomputes as a result.
type EarnInterestAccrue struct {
	Instruction
	Asset            state.AssetID
	BorrowInterest   uint64
	LeverageInterest uint64
}

func (e *EarnInterestAccrue) EventType() EventType { return EventTypeEarnInterestAccrue }
func (e *EarnInterestAccrue) VaultKey() *string    { return earnPartition(e.Asset) }

// OraclePriceUpdate is a pushed price observation for one feed.
type OraclePriceUpdate struct {
	Instruction
	Feed        state.PriceFeed
	Price       uint64
	Expo        int
	PublishTime int64
}

func (e *OraclePriceUpdate) EventType() EventType { return EventTypeOraclePriceUpdate }
func (e *OraclePriceUpdate) VaultKey() *string    { return nil }
