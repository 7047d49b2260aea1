package query

import (
	"github.com/google/uuid"
)

// BalanceResponse aggregates one owner's projected account balances.
type BalanceResponse struct {
	Owner uuid.UUID `json:"owner"`

	// Per-account balances from the journal projection
	Accounts []AccountBalance `json:"accounts"`

	// Last projected event sequence; responses lag the core by at most
	// the projection channel depth
	AsOfSequence int64 `json:"as_of_sequence"`
}
