package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"VaultLedger/internal/state"
)

// JournalGenerator creates balanced journal batches from applied
// instructions. Amounts arrive pre-computed by the state handlers; the
// generator only expresses them as fund flows.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// SetSequence resets the generator sequence (snapshot restore only)
func (jg *JournalGenerator) SetSequence(sequence int64) {
	jg.sequence = sequence
}

func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64, legs int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, legs),
	}
}

func (jg *JournalGenerator) appendJournal(b *Batch, debit, credit AccountKey, assetID state.AssetID, amount int64, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateDeposit records a lender deposit entering the earn pool.
// external:deposits -> system:earn_pool, fee split to system:fee_vault.
func (jg *JournalGenerator) GenerateDeposit(
	eventRef string,
	assetID state.AssetID,
	amount int64,
	fee int64,
	timestamp int64,
) (*Batch, error) {
	if fee > amount {
		return nil, fmt.Errorf("deposit fee %d exceeds amount %d", fee, amount)
	}

	batch := jg.newBatch(eventRef, timestamp, 2)
	jg.appendJournal(batch,
		EarnPoolKey(assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		assetID, amount-fee, JournalTypeDeposit)
	if fee > 0 {
		jg.appendJournal(batch,
			FeeVaultKey(assetID),
			NewExternalAccountKey(SubTypeExternalDeposits, assetID),
			assetID, fee, JournalTypeDepositFee)
	}

	jg.sequence++
	return batch, nil
}

// GenerateWithdraw records a lender withdrawal leaving the earn pool.
// Pre-check: the pool must hold the full outflow.
func (jg *JournalGenerator) GenerateWithdraw(
	eventRef string,
	assetID state.AssetID,
	payout int64,
	fee int64,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientPool(assetID, payout+fee); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp, 2)
	jg.appendJournal(batch,
		NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		EarnPoolKey(assetID),
		assetID, payout, JournalTypeWithdrawal)
	if fee > 0 {
		jg.appendJournal(batch,
			FeeVaultKey(assetID),
			EarnPoolKey(assetID),
			assetID, fee, JournalTypeWithdrawalFee)
	}

	jg.sequence++
	return batch, nil
}

// PositionFundFlows carries the collateral-asset legs of a position open
type PositionFundFlows struct {
	FundAmount   int64 // collateral brought by the owner
	LeverageFee  int64
	BorrowAmount int64 // drawn from the earn pool
	BorrowFee    int64
	SwapOut      int64 // leveraged amount sent to the entry swap
}

// GeneratePositionFund records a position open: collateral in, fees out,
// pool borrow in, leveraged amount out to the swap.
// Pre-check: the pool must hold the borrow.
func (jg *JournalGenerator) GeneratePositionFund(
	eventRef string,
	owner uuid.UUID,
	collateralAsset state.AssetID,
	flows PositionFundFlows,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientPool(collateralAsset, flows.BorrowAmount); err != nil {
		return nil, fmt.Errorf("borrow pre-check failed: %w", err)
	}

	collateralAcct := NewUserAccountKey(owner, SubTypePositionCollateral, collateralAsset)

	batch := jg.newBatch(eventRef, timestamp, 5)
	jg.appendJournal(batch,
		collateralAcct,
		NewExternalAccountKey(SubTypeExternalDeposits, collateralAsset),
		collateralAsset, flows.FundAmount, JournalTypeCollateralIn)
	if flows.LeverageFee > 0 {
		jg.appendJournal(batch,
			FeeVaultKey(collateralAsset), collateralAcct,
			collateralAsset, flows.LeverageFee, JournalTypeLeverageFee)
	}
	if flows.BorrowAmount > 0 {
		jg.appendJournal(batch,
			collateralAcct, EarnPoolKey(collateralAsset),
			collateralAsset, flows.BorrowAmount, JournalTypeBorrow)
	}
	if flows.BorrowFee > 0 {
		jg.appendJournal(batch,
			FeeVaultKey(collateralAsset), collateralAcct,
			collateralAsset, flows.BorrowFee, JournalTypeBorrowFee)
	}
	jg.appendJournal(batch,
		NewExternalAccountKey(SubTypeExternalSwap, collateralAsset), collateralAcct,
		collateralAsset, flows.SwapOut, JournalTypeSwapOut)

	jg.sequence++
	return batch, nil
}

// GeneratePositionEntry records the entry swap output arriving in the
// native asset
func (jg *JournalGenerator) GeneratePositionEntry(
	eventRef string,
	owner uuid.UUID,
	nativeAsset state.AssetID,
	swapIn int64,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.appendJournal(batch,
		NewUserAccountKey(owner, SubTypePositionNative, nativeAsset),
		NewExternalAccountKey(SubTypeExternalSwap, nativeAsset),
		nativeAsset, swapIn, JournalTypeSwapIn)

	jg.sequence++
	return batch, nil
}

// GeneratePositionRelease records native funds leaving for the unwind swap
func (jg *JournalGenerator) GeneratePositionRelease(
	eventRef string,
	owner uuid.UUID,
	nativeAsset state.AssetID,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.appendJournal(batch,
		NewExternalAccountKey(SubTypeExternalSwap, nativeAsset),
		NewUserAccountKey(owner, SubTypePositionNative, nativeAsset),
		nativeAsset, amount, JournalTypeSwapOut)

	jg.sequence++
	return batch, nil
}

// GeneratePositionRepay records the unwind swap proceeds arriving in the
// collateral asset and the debt returning to the pool
func (jg *JournalGenerator) GeneratePositionRepay(
	eventRef string,
	owner uuid.UUID,
	collateralAsset state.AssetID,
	proceeds int64,
	repayAmount int64,
	timestamp int64,
) (*Batch, error) {
	collateralAcct := NewUserAccountKey(owner, SubTypePositionCollateral, collateralAsset)

	batch := jg.newBatch(eventRef, timestamp, 2)
	if proceeds > 0 {
		jg.appendJournal(batch,
			collateralAcct,
			NewExternalAccountKey(SubTypeExternalSwap, collateralAsset),
			collateralAsset, proceeds, JournalTypeSwapIn)
	}
	if repayAmount > 0 {
		jg.appendJournal(batch,
			EarnPoolKey(collateralAsset), collateralAcct,
			collateralAsset, repayAmount, JournalTypeRepay)
	}
	if len(batch.Journals) == 0 {
		// Forced unwind whose swap produced nothing
		return nil, nil
	}

	jg.sequence++
	return batch, nil
}

// GeneratePositionClosing records the final payout of a closed position
func (jg *JournalGenerator) GeneratePositionClosing(
	eventRef string,
	owner uuid.UUID,
	collateralAsset state.AssetID,
	payout int64,
	closingFee int64,
	timestamp int64,
) (*Batch, error) {
	collateralAcct := NewUserAccountKey(owner, SubTypePositionCollateral, collateralAsset)

	batch := jg.newBatch(eventRef, timestamp, 2)
	if payout > 0 {
		jg.appendJournal(batch,
			NewExternalAccountKey(SubTypeExternalWithdrawals, collateralAsset),
			collateralAcct,
			collateralAsset, payout, JournalTypePayout)
	}
	if closingFee > 0 {
		jg.appendJournal(batch,
			FeeVaultKey(collateralAsset), collateralAcct,
			collateralAsset, closingFee, JournalTypeClosingFee)
	}
	if len(batch.Journals) == 0 {
		// Nothing left after debt repayment; no flows to record
		return nil, nil
	}

	jg.sequence++
	return batch, nil
}

// GenerateLiquidationFee splits the liquidation penalty between the fee
// vault and the treasury per the configured protocol ratio
func (jg *JournalGenerator) GenerateLiquidationFee(
	eventRef string,
	owner uuid.UUID,
	collateralAsset state.AssetID,
	feeShare int64,
	protocolShare int64,
	timestamp int64,
) (*Batch, error) {
	collateralAcct := NewUserAccountKey(owner, SubTypePositionCollateral, collateralAsset)

	batch := jg.newBatch(eventRef, timestamp, 2)
	if feeShare > 0 {
		jg.appendJournal(batch,
			FeeVaultKey(collateralAsset), collateralAcct,
			collateralAsset, feeShare, JournalTypeLiquidationFee)
	}
	if protocolShare > 0 {
		jg.appendJournal(batch,
			TreasuryKey(collateralAsset), collateralAcct,
			collateralAsset, protocolShare, JournalTypeLiquidationFee)
	}
	if len(batch.Journals) == 0 {
		return nil, nil
	}

	jg.sequence++
	return batch, nil
}

// GenerateConfiscation reclaims the remaining funds of an interrupted
// position into the treasury
func (jg *JournalGenerator) GenerateConfiscation(
	eventRef string,
	owner uuid.UUID,
	collateralAsset state.AssetID,
	collateralAmount int64,
	nativeAsset state.AssetID,
	nativeAmount int64,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 2)
	if collateralAmount > 0 {
		jg.appendJournal(batch,
			TreasuryKey(collateralAsset),
			NewUserAccountKey(owner, SubTypePositionCollateral, collateralAsset),
			collateralAsset, collateralAmount, JournalTypeConfiscation)
	}
	if nativeAmount > 0 {
		jg.appendJournal(batch,
			TreasuryKey(nativeAsset),
			NewUserAccountKey(owner, SubTypePositionNative, nativeAsset),
			nativeAsset, nativeAmount, JournalTypeConfiscation)
	}
	if len(batch.Journals) == 0 {
		return nil, nil
	}

	jg.sequence++
	return batch, nil
}
