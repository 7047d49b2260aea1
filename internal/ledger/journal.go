package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"VaultLedger/internal/state"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeDepositFee
	JournalTypeWithdrawal
	JournalTypeWithdrawalFee
	JournalTypeInterestAccrual
	JournalTypeCollateralIn
	JournalTypeLeverageFee
	JournalTypeBorrow
	JournalTypeBorrowFee
	JournalTypeSwapOut
	JournalTypeSwapIn
	JournalTypeRepay
	JournalTypeClosingFee
	JournalTypeLiquidationFee
	JournalTypePayout
	JournalTypeConfiscation
	JournalTypeAdjustment
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeDepositFee:
		return "deposit_fee"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeWithdrawalFee:
		return "withdrawal_fee"
	case JournalTypeInterestAccrual:
		return "interest_accrual"
	case JournalTypeCollateralIn:
		return "collateral_in"
	case JournalTypeLeverageFee:
		return "leverage_fee"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeBorrowFee:
		return "borrow_fee"
	case JournalTypeSwapOut:
		return "swap_out"
	case JournalTypeSwapIn:
		return "swap_in"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeClosingFee:
		return "closing_fee"
	case JournalTypeLiquidationFee:
		return "liquidation_fee"
	case JournalTypePayout:
		return "payout"
	case JournalTypeConfiscation:
		return "confiscation"
	case JournalTypeAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID     // Unique identifier
	BatchID       uuid.UUID     // Groups related entries
	EventRef      string        // Idempotency key of source instruction
	Sequence      int64         // Global event sequence
	DebitAccount  AccountKey    // Account receiving debit (balance increases)
	CreditAccount AccountKey    // Account receiving credit (balance decreases)
	AssetID       state.AssetID // Asset being transferred
	Amount        int64         // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType   // Entry type
	Timestamp     int64         // Versioned input timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal entry is a balanced transfer by construction: a single
// positive amount moves from credit account to debit account, so
// debits == credits holds per entry. Multi-leg flows (e.g. deposit with
// fee) use multiple entries under one batch_id.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s crosses assets", j.JournalID)
		}
	}

	return nil
}
