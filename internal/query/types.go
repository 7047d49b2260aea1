package query

import "github.com/google/uuid"

// AccountBalance is one projected ledger account balance.
type AccountBalance struct {
	AccountPath  string `json:"account_path"`
	AssetID      uint16 `json:"asset_id"`
	Balance      int64  `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// PositionHistoryResponse is one position lifecycle event for API queries.
type PositionHistoryResponse struct {
	Owner        string `json:"owner"`
	VaultKey     string `json:"vault_key"`
	EventType    string `json:"event_type"`
	Failure      string `json:"failure,omitempty"`
	Sequence     int64  `json:"sequence"`
	Timestamp    int64  `json:"timestamp"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry is one journal leg for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// PoolLiquidityResponse is the liquid balance of one earn pool.
type PoolLiquidityResponse struct {
	Asset        string `json:"asset"`
	Liquidity    int64  `json:"liquidity"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// EventLogEntry is one processed envelope for API queries.
type EventLogEntry struct {
	Sequence       int64  `json:"sequence"`
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
	VaultKey       string `json:"vault_key,omitempty"`
	Failure        string `json:"failure,omitempty"`
	SourceSequence int64  `json:"source_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose global balance sum is non-zero.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}

// nilIfZero keeps optional owner filters out of queries.
func nilIfZero(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
