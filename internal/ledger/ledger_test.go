package ledger_test

import (
	"testing"

	"github.com/google/uuid"

	"VaultLedger/internal/ledger"
	"VaultLedger/internal/state"
)

const (
	usdc state.AssetID = 1
	sol  state.AssetID = 3
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	owner := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(owner, ledger.SubTypePositionCollateral, usdc)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:position_collateral:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	path := ledger.EarnPoolKey(usdc).AccountPath()
	if path != "system:earn_pool:USDC" {
		t.Errorf("got %q, want %q", path, "system:earn_pool:USDC")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalSwap, sol)

	path := key.AccountPath()
	if path != "external:swap:SOL" {
		t.Errorf("got %q, want %q", path, "external:swap:SOL")
	}
}

func TestAssetName_Unknown(t *testing.T) {
	name := ledger.AssetName(999)
	if name != "asset-999" {
		t.Errorf("got %q, want %q", name, "asset-999")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if bt.GetPoolBalance(usdc) != 0 {
		t.Errorf("initial pool balance should be 0, got %d", bt.GetPoolBalance(usdc))
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	j := ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.EarnPoolKey(usdc),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc),
		AssetID:       usdc,
		Amount:        1_000_000,
	}

	bt.ApplyJournal(j)

	if bt.GetPoolBalance(usdc) != 1_000_000 {
		t.Errorf("pool: got %d, want 1_000_000", bt.GetPoolBalance(usdc))
	}
}

func TestBalanceTracker_ValidateSufficientPool(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if err := bt.ValidateSufficientPool(usdc, 100); err == nil {
		t.Error("expected error for empty pool")
	}

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.EarnPoolKey(usdc),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc),
		AssetID:       usdc,
		Amount:        1_000,
	})

	if err := bt.ValidateSufficientPool(usdc, 1_000); err != nil {
		t.Errorf("pool should cover 1_000: %v", err)
	}
	if err := bt.ValidateSufficientPool(usdc, 1_001); err == nil {
		t.Error("expected error for 1_001 > 1_000")
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.EarnPoolKey(usdc),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc),
		AssetID:       usdc,
		Amount:        999,
	})

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k] = 0
	}

	if bt.GetPoolBalance(usdc) != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	for _, amount := range []int64{0, -100} {
		batchID := uuid.New()
		batch := &ledger.Batch{
			BatchID: batchID,
			Journals: []ledger.Journal{
				{
					JournalID:     uuid.New(),
					BatchID:       batchID,
					DebitAccount:  ledger.EarnPoolKey(usdc),
					CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc),
					AssetID:       usdc,
					Amount:        amount,
				},
			},
		}

		if err := batch.Validate(); err == nil {
			t.Errorf("amount %d should fail validation", amount)
		}
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	sameAccount := ledger.EarnPoolKey(usdc)

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  sameAccount,
				CreditAccount: sameAccount,
				AssetID:       usdc,
				Amount:        100,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_CrossAssetJournal_Fails(t *testing.T) {
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.EarnPoolKey(usdc),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalSwap, sol),
				AssetID:       usdc,
				Amount:        100,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("cross-asset journal should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       uuid.New(),
				DebitAccount:  ledger.EarnPoolKey(usdc),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc),
				AssetID:       usdc,
				Amount:        100,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

// ============================================================================
// Test: JournalGenerator flows
// ============================================================================

func TestGenerator_Deposit_SplitsFee(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)

	batch, err := jg.GenerateDeposit("dep-1", usdc, 100_000, 1_000, 1_700_000_000)
	if err != nil {
		t.Fatalf("GenerateDeposit failed: %v", err)
	}
	if len(batch.Journals) != 2 {
		t.Fatalf("expected 2 journals, got %d", len(batch.Journals))
	}

	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if bt.GetPoolBalance(usdc) != 99_000 {
		t.Errorf("pool: got %d, want 99_000", bt.GetPoolBalance(usdc))
	}
	if bt.GetFeeBalance(usdc) != 1_000 {
		t.Errorf("fees: got %d, want 1_000", bt.GetFeeBalance(usdc))
	}
}

func TestGenerator_Deposit_FeeExceedsAmount_Fails(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)

	_, err := jg.GenerateDeposit("dep-2", usdc, 100, 101, 1_700_000_000)
	if err == nil {
		t.Error("expected error when fee exceeds amount")
	}
}

func TestGenerator_Withdraw_PoolPrecheck(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)

	if _, err := jg.GenerateWithdraw("wd-1", usdc, 50_000, 0, 1_700_000_000); err == nil {
		t.Error("expected pre-check failure on empty pool")
	}

	batch, err := jg.GenerateDeposit("dep-3", usdc, 100_000, 0, 1_700_000_000)
	if err != nil {
		t.Fatalf("GenerateDeposit failed: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	batch, err = jg.GenerateWithdraw("wd-2", usdc, 49_500, 500, 1_700_000_100)
	if err != nil {
		t.Fatalf("GenerateWithdraw failed: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if bt.GetPoolBalance(usdc) != 50_000 {
		t.Errorf("pool: got %d, want 50_000", bt.GetPoolBalance(usdc))
	}
	if bt.GetFeeBalance(usdc) != 500 {
		t.Errorf("fees: got %d, want 500", bt.GetFeeBalance(usdc))
	}
}

// Full position lifecycle: fund, entry, release, repay, closing.
// Verifies zero-sum holds at every step and the position accounts drain
// back to zero.
func TestGenerator_PositionLifecycle_ZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	v := ledger.NewInvariantValidator(bt)
	owner := uuid.New()

	apply := func(batch *ledger.Batch, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		if batch == nil {
			return
		}
		if err := bt.ApplyBatch(batch); err != nil {
			t.Fatalf("ApplyBatch failed: %v", err)
		}
		if err := v.ValidateGlobalBalance(); err != nil {
			t.Fatalf("zero-sum violated: %v", err)
		}
	}

	// Seed the pool with lender deposits
	apply(jg.GenerateDeposit("dep-1", usdc, 1_000_000, 0, 1_700_000_000))

	// Open: 10_000 collateral, 100 leverage fee, 9_900 borrowed, 99 borrow
	// fee, 19_701 out to the entry swap
	apply(jg.GeneratePositionFund("fund-1", owner, usdc, ledger.PositionFundFlows{
		FundAmount:   10_000,
		LeverageFee:  100,
		BorrowAmount: 9_900,
		BorrowFee:    99,
		SwapOut:      19_701,
	}, 1_700_000_100))

	if bt.GetPoolBalance(usdc) != 990_100 {
		t.Errorf("pool after borrow: got %d, want 990_100", bt.GetPoolBalance(usdc))
	}
	if bt.GetPositionCollateral(owner, usdc) != 0 {
		t.Errorf("collateral account should be drained, got %d", bt.GetPositionCollateral(owner, usdc))
	}

	// Entry swap lands 39_000 native units
	apply(jg.GeneratePositionEntry("fund-1", owner, sol, 39_000, 1_700_000_100))

	if bt.GetPositionNative(owner, sol) != 39_000 {
		t.Errorf("native account: got %d, want 39_000", bt.GetPositionNative(owner, sol))
	}

	// Close: release all native, swap back to 20_500 collateral
	apply(jg.GeneratePositionRelease("close-1", owner, sol, 39_000, 1_700_000_200))
	apply(jg.GeneratePositionRepay("close-1", owner, usdc, 20_500, 9_900, 1_700_000_200))

	if bt.GetPoolBalance(usdc) != 1_000_000 {
		t.Errorf("pool after repay: got %d, want 1_000_000", bt.GetPoolBalance(usdc))
	}

	// Closing: pay out the surplus minus closing fee
	surplus := bt.GetPositionCollateral(owner, usdc)
	if surplus != 10_600 {
		t.Fatalf("surplus: got %d, want 10_600", surplus)
	}
	apply(jg.GeneratePositionClosing("close-1", owner, usdc, surplus-106, 106, 1_700_000_200))

	if bt.GetPositionCollateral(owner, usdc) != 0 {
		t.Errorf("collateral account should be empty, got %d", bt.GetPositionCollateral(owner, usdc))
	}
	if bt.GetPositionNative(owner, sol) != 0 {
		t.Errorf("native account should be empty, got %d", bt.GetPositionNative(owner, sol))
	}
	if err := v.ValidatePositionAccountsNonNegative(owner, usdc, sol); err != nil {
		t.Errorf("position accounts went negative: %v", err)
	}
}

func TestGenerator_PositionFund_InsufficientPool_Fails(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)

	_, err := jg.GeneratePositionFund("fund-x", uuid.New(), usdc, ledger.PositionFundFlows{
		FundAmount:   10_000,
		BorrowAmount: 9_900,
		SwapOut:      19_900,
	}, 1_700_000_000)
	if err == nil {
		t.Error("expected pre-check failure when pool cannot cover borrow")
	}
}

func TestGenerator_Confiscation_MovesToTreasury(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	owner := uuid.New()

	// Stage funds in the position accounts
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserAccountKey(owner, ledger.SubTypePositionCollateral, usdc),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalSwap, usdc),
		AssetID:       usdc,
		Amount:        5_000,
	})

	batch, err := jg.GenerateConfiscation("conf-1", owner, usdc, 5_000, sol, 0, 1_700_000_000)
	if err != nil {
		t.Fatalf("GenerateConfiscation failed: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if bt.GetTreasuryBalance(usdc) != 5_000 {
		t.Errorf("treasury: got %d, want 5_000", bt.GetTreasuryBalance(usdc))
	}
	if bt.GetPositionCollateral(owner, usdc) != 0 {
		t.Errorf("collateral should be confiscated, got %d", bt.GetPositionCollateral(owner, usdc))
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.EarnPoolKey(usdc),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc),
		AssetID:       usdc,
		Amount:        1_000_000,
	})

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
}

func TestInvariantValidator_PoolMatchesVault(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.EarnPoolKey(usdc),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc),
		AssetID:       usdc,
		Amount:        250_000,
	})

	if err := v.ValidatePoolMatchesVault(usdc, 250_000); err != nil {
		t.Errorf("pool should match vault: %v", err)
	}
	if err := v.ValidatePoolMatchesVault(usdc, 250_001); err == nil {
		t.Error("expected mismatch error")
	}
}
