package state_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	vmath "VaultLedger/internal/math"
	"VaultLedger/internal/state"
)

func newTestVault(t *testing.T) *state.EarnVault {
	t.Helper()
	return state.NewEarnVault(1, 6, state.PriceFeed{}, 1_700_000_000)
}

// ====== Test: deposit/withdraw round trip ======

func TestDepositWithdrawRoundTrip(t *testing.T) {
	v := newTestVault(t)

	minted, err := v.Deposit(100_000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if minted != 100_000 {
		t.Errorf("minted units: got %d, want 100000 (index 1.0)", minted)
	}
	if v.FundTotal != 100_000 || v.FundLent != 100_000 || v.UnitSupply != 100_000 {
		t.Errorf("vault after deposit: total=%d lent=%d supply=%d", v.FundTotal, v.FundLent, v.UnitSupply)
	}

	burned, err := v.Withdraw(100_000)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if burned != 100_000 {
		t.Errorf("burned units: got %d, want 100000", burned)
	}
	if v.FundTotal != 0 || v.UnitSupply != 0 || v.FundWithdrawn != 100_000 {
		t.Errorf("vault after withdraw: total=%d supply=%d withdrawn=%d", v.FundTotal, v.UnitSupply, v.FundWithdrawn)
	}
}

func TestWithdrawBeyondPoolFailsUnchanged(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit(50_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	before := *v
	_, err := v.Withdraw(60_000)
	if !errors.Is(err, state.ErrInsufficientLiquidity) {
		t.Fatalf("got %v, want ErrInsufficientLiquidity", err)
	}
	if *v != before {
		t.Errorf("failed withdraw mutated the vault")
	}
}

// ====== Test: interest accrual moves the index ======

func TestInterestGrowsIndexMonotonically(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit(1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := v.Lever(400_000); err != nil {
		t.Fatalf("lever: %v", err)
	}

	prev := v.Index
	for i := 0; i < 5; i++ {
		if err := v.ApplyLeverageInterest(10_000, 1_700_000_100+int64(i)); err != nil {
			t.Fatalf("interest %d: %v", i, err)
		}
		if v.Index < prev {
			t.Fatalf("index decreased: %d -> %d", prev, v.Index)
		}
		prev = v.Index
	}

	// 1_050_000 total over 1_000_000 units -> index 1.05
	want := vmath.IndexScale + vmath.IndexScale/20
	if v.Index != want {
		t.Errorf("index: got %d, want %d", v.Index, want)
	}
	if v.FundTotal != 1_050_000 || v.FundReward != 50_000 {
		t.Errorf("funds: total=%d reward=%d", v.FundTotal, v.FundReward)
	}
}

func TestLenderClaimsMatchUnitSupply(t *testing.T) {
	v := newTestVault(t)
	now := int64(1_700_000_000)
	lenders := []*state.Lender{
		state.NewLender(1, uuid.New(), 6, now),
		state.NewLender(1, uuid.New(), 6, now),
		state.NewLender(1, uuid.New(), 6, now),
	}
	amounts := []uint64{100_000, 250_000, 333_333}

	for i, l := range lenders {
		vaultMint, err := v.Deposit(amounts[i])
		if err != nil {
			t.Fatalf("vault deposit %d: %v", i, err)
		}
		lenderMint, err := l.Deposit(v.Index, amounts[i], now)
		if err != nil {
			t.Fatalf("lender deposit %d: %v", i, err)
		}
		if vaultMint != lenderMint {
			t.Errorf("deposit %d: vault minted %d, lender minted %d", i, vaultMint, lenderMint)
		}
	}

	if err := v.Lever(100_000); err != nil {
		t.Fatalf("lever: %v", err)
	}
	if err := v.ApplyLeverageInterest(68_333, now+60); err != nil {
		t.Fatalf("interest: %v", err)
	}

	// sum of lender units must equal the vault's unit supply exactly
	var unitSum uint64
	for _, l := range lenders {
		unitSum += l.Unit
	}
	if unitSum != v.UnitSupply {
		t.Errorf("unit supply: vault=%d lenders=%d", v.UnitSupply, unitSum)
	}

	// valuation at the same index differs from the pool total only by
	// per-lender flooring dust
	var claimSum uint64
	for _, l := range lenders {
		val, err := l.Valuation(v.Index)
		if err != nil {
			t.Fatalf("valuation: %v", err)
		}
		claimSum += val
	}
	poolValue, err := vmath.ToAmount(v.UnitSupply, 6, v.Index, vmath.RoundFloor)
	if err != nil {
		t.Fatalf("pool valuation: %v", err)
	}
	if poolValue < claimSum || poolValue-claimSum > uint64(len(lenders)) {
		t.Errorf("claims %d vs pool value %d drift beyond rounding", claimSum, poolValue)
	}
}

// ====== Test: accrual is idempotent per timestamp ======

func TestAccrueIndexIdempotent(t *testing.T) {
	v := newTestVault(t)
	strategy := state.PushedInterestAccrual{}

	if err := v.AccrueIndex(strategy, v.LastIndexUpdated); err != nil {
		t.Fatalf("same-time accrue: %v", err)
	}
	before := *v
	if err := v.AccrueIndex(strategy, v.LastIndexUpdated+10); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if v.Index != before.Index {
		t.Errorf("pushed-interest accrual moved the index: %d -> %d", before.Index, v.Index)
	}
	if v.LastIndexUpdated != before.LastIndexUpdated+10 {
		t.Errorf("lastIndexUpdated not stamped")
	}
}

// ====== Test: borrow headroom ======

func TestBorrowAvailableUnderLTV(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Deposit(1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	avail, err := v.BorrowAvailable(50_000) // 50% LTV
	if err != nil {
		t.Fatalf("borrow available: %v", err)
	}
	if avail != 500_000 {
		t.Errorf("got %d, want 500000", avail)
	}

	if err := v.Borrow(500_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	avail, err = v.BorrowAvailable(50_000)
	if err != nil {
		t.Fatalf("borrow available: %v", err)
	}
	if avail != 0 {
		t.Errorf("after full borrow: got %d, want 0", avail)
	}
	if v.AvailableLiquidity() != 500_000 {
		t.Errorf("cash on hand: got %d, want 500000", v.AvailableLiquidity())
	}

	if err := v.Repay(500_000); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if v.FundBorrowTotal != 0 || v.FundRepaidTotal != 500_000 {
		t.Errorf("after repay: outstanding=%d repaid=%d", v.FundBorrowTotal, v.FundRepaidTotal)
	}
}

// ====== Test: lender withdraw beyond holdings ======

func TestLenderWithdrawBeyondHoldings(t *testing.T) {
	l := state.NewLender(1, uuid.New(), 6, 0)
	if _, err := l.Deposit(vmath.IndexScale, 1_000, 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, err := l.Withdraw(vmath.IndexScale, 2_000, 0)
	if !errors.Is(err, state.ErrInsufficientLiquidity) {
		t.Errorf("got %v, want ErrInsufficientLiquidity", err)
	}
	if l.Unit != 1_000 {
		t.Errorf("failed withdraw mutated units: %d", l.Unit)
	}
}
