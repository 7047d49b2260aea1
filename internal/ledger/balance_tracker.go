package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"VaultLedger/internal/state"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// SetBalance overwrites an account balance (snapshot restore only)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// GetPoolBalance returns the liquid funds of an earn vault
func (bt *BalanceTracker) GetPoolBalance(assetID state.AssetID) int64 {
	return bt.GetBalance(EarnPoolKey(assetID))
}

// GetFeeBalance returns the accumulated protocol fees in an asset
func (bt *BalanceTracker) GetFeeBalance(assetID state.AssetID) int64 {
	return bt.GetBalance(FeeVaultKey(assetID))
}

// GetTreasuryBalance returns confiscated and protocol-share funds
func (bt *BalanceTracker) GetTreasuryBalance(assetID state.AssetID) int64 {
	return bt.GetBalance(TreasuryKey(assetID))
}

// GetPositionCollateral returns funds held against an owner's positions
// in the collateral asset
func (bt *BalanceTracker) GetPositionCollateral(owner uuid.UUID, assetID state.AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(owner, SubTypePositionCollateral, assetID))
}

// GetPositionNative returns funds held against an owner's positions in
// the native asset
func (bt *BalanceTracker) GetPositionNative(owner uuid.UUID, assetID state.AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(owner, SubTypePositionNative, assetID))
}

// ValidateSufficientPool checks the earn pool can cover an outflow
func (bt *BalanceTracker) ValidateSufficientPool(assetID state.AssetID, required int64) error {
	pool := bt.GetPoolBalance(assetID)
	if pool < required {
		return fmt.Errorf("insufficient pool balance for %s: have=%d, need=%d",
			AssetName(assetID), pool, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 per asset
// for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[state.AssetID]int64 {
	totals := make(map[state.AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
