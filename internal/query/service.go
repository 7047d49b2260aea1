package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// QueryService provides read-only access to the projection tables and the
// event log. Queries are served via gRPC and HTTP/JSON (gRPC-Gateway); all
// responses carry as_of_sequence so callers can reason about freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalances returns all projected account balances for an owner: position
// collateral and position native accounts across assets.
func (qs *QueryService) GetBalances(
	ctx context.Context,
	owner uuid.UUID,
) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	accountPrefix := fmt.Sprintf("user:%s:%%", owner)
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset_id, balance, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path
	`, accountPrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalanceResponse{
		Owner:        owner,
		AsOfSequence: asOfSeq,
	}

	for rows.Next() {
		var a AccountBalance
		if err := rows.Scan(&a.AccountPath, &a.AssetID, &a.Balance, &a.LastSequence); err != nil {
			return nil, err
		}
		resp.Accounts = append(resp.Accounts, a)
	}

	return resp, rows.Err()
}

// GetPoolLiquidity returns the liquid balance of one earn pool.
func (qs *QueryService) GetPoolLiquidity(
	ctx context.Context,
	asset string,
) (*PoolLiquidityResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	accountPath := fmt.Sprintf("system:earn_pool:%s", asset)
	var liquidity int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&liquidity)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	return &PoolLiquidityResponse{
		Asset:        asset,
		Liquidity:    liquidity,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetPositionHistory returns position lifecycle events, optionally filtered
// by owner and vault. Supports cursor-based pagination on sequence.
func (qs *QueryService) GetPositionHistory(
	ctx context.Context,
	owner uuid.UUID,
	vaultKey *string,
	limit int,
	afterSequence *int64,
) ([]PositionHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, event_type, vault_key, owner, failure, timestamp
		FROM projections.position_history
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if id := nilIfZero(owner); id != nil {
		query += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, id.String())
		argIdx++
	}

	if vaultKey != nil {
		query += fmt.Sprintf(" AND vault_key = $%d", argIdx)
		args = append(args, *vaultKey)
		argIdx++
	}

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []PositionHistoryResponse
	for rows.Next() {
		var h PositionHistoryResponse
		h.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&h.Sequence, &h.EventType, &h.VaultKey, &h.Owner, &h.Failure, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// GetJournalHistory returns journal entries touching an owner's accounts,
// with cursor-based pagination on sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", owner)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetEventLog pages through processed envelopes, newest first.
func (qs *QueryService) GetEventLog(
	ctx context.Context,
	limit int,
	afterSequence *int64,
) ([]EventLogEntry, error) {
	query := `
		SELECT sequence, event_type, idempotency_key, COALESCE(vault_key, ''), failure, source_sequence
		FROM event_log.events
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EventLogEntry
	for rows.Next() {
		var e EventLogEntry
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.VaultKey, &e.Failure, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and the global zero-sum
// invariant per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Every journal leg moves value between two accounts, so balances sum
	// to zero per asset across the whole ledger
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
