package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"VaultLedger/internal/state"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypePositionCollateral AccountSubType = iota
	SubTypePositionNative

	// System sub-types
	SubTypeSystemEarnPool
	SubTypeSystemFeeVault
	SubTypeSystemTreasury

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalSwap
)

var assetNames = map[state.AssetID]string{
	1: "USDC",
	2: "USDT",
	3: "SOL",
	4: "ETH",
	5: "BTC",
}

func AssetName(id state.AssetID) string {
	if name, ok := assetNames[id]; ok {
		return name
	}
	return fmt.Sprintf("asset-%d", id)
}

// AccountKey is the in-memory key for balance tracking (21 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, short name for system accounts
	SubType  AccountSubType
	AssetID  state.AssetID
}

// NewUserAccountKey creates a key for per-owner position accounts
func NewUserAccountKey(owner uuid.UUID, subType AccountSubType, assetID state.AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for protocol-level accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID state.AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID state.AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// EarnPoolKey is the liquid-funds account of one earn vault. Its balance
// tracks the vault's available liquidity (deposits in, withdrawals and
// deployed borrows out).
func EarnPoolKey(assetID state.AssetID) AccountKey {
	return NewSystemAccountKey("earn", SubTypeSystemEarnPool, assetID)
}

func FeeVaultKey(assetID state.AssetID) AccountKey {
	return NewSystemAccountKey("fees", SubTypeSystemFeeVault, assetID)
}

func TreasuryKey(assetID state.AssetID) AccountKey {
	return NewSystemAccountKey("treasury", SubTypeSystemTreasury, assetID)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName := AssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypePositionCollateral:
		return "position_collateral"
	case SubTypePositionNative:
		return "position_native"
	case SubTypeSystemEarnPool:
		return "earn_pool"
	case SubTypeSystemFeeVault:
		return "fee_vault"
	case SubTypeSystemTreasury:
		return "treasury"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeExternalSwap:
		return "swap"
	default:
		return "unknown"
	}
}
