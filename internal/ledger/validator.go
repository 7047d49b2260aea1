package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"VaultLedger/internal/state"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies a batch is well-formed before it applies
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidatePoolMatchesVault verifies the pool account agrees with the
// vault record's available liquidity
func (v *InvariantValidator) ValidatePoolMatchesVault(assetID state.AssetID, available uint64) error {
	balance := v.tracker.GetPoolBalance(assetID)
	if balance < 0 || uint64(balance) != available {
		return fmt.Errorf("pool balance for %s is %d, vault reports %d",
			AssetName(assetID), balance, available)
	}
	return nil
}

// ValidatePositionAccountsNonNegative checks an owner's position
// accounts never go negative
func (v *InvariantValidator) ValidatePositionAccountsNonNegative(owner uuid.UUID, collateralAsset, nativeAsset state.AssetID) error {
	if err := v.tracker.ValidateNonNegative(NewUserAccountKey(owner, SubTypePositionCollateral, collateralAsset)); err != nil {
		return err
	}
	return v.tracker.ValidateNonNegative(NewUserAccountKey(owner, SubTypePositionNative, nativeAsset))
}

// ValidateGlobalBalance verifies the system is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", AssetName(assetID), total)
		}
	}

	return nil
}
