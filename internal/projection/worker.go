package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"VaultLedger/internal/observability"
)

// ProjectionOutput mirrors the data projection workers need. The
// orchestrator in cmd bridges from the core's output so this package never
// imports the core.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	VaultKey       *string
	Failure        string
	JournalEntries []JournalEntry
	Timestamp      int64
}

// JournalEntry is a flattened journal leg for projection consumption.
// Debit accounts gain the amount, credit accounts lose it.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   string
}

// ProjectionWorker updates the queryable read models from processed events.
// The projection channel is non-blocking with drop: if this worker falls
// behind, missed events are recovered by rebuilding from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	history   *PositionHistoryProjection
	lastSeq   int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan ProjectionOutput,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   NewPositionHistoryProjection(),
		metrics:   metrics,
		log:       log,
	}
}

// History exposes the in-memory position history for query serving.
func (pw *ProjectionWorker) History() *PositionHistoryProjection {
	return pw.history
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent; rebuild recovers
				pw.log.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	if entry, ok := historyEntryFor(output); ok {
		pw.history.AddEntry(entry)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.JournalEntries {
		if err := pw.updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if isLifecycleEvent(output.EventType) {
		if err := pw.insertPositionHistory(ctx, tx, output); err != nil {
			return fmt.Errorf("position history projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, j JournalEntry, sequence int64) error {
	// Debit account gains the amount
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.DebitAccount, j.AssetID, j.Amount, sequence); err != nil {
		return err
	}

	// Credit account loses the amount
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.CreditAccount, j.AssetID, j.Amount, sequence); err != nil {
		return err
	}

	return nil
}

func (pw *ProjectionWorker) insertPositionHistory(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	vaultKey := ""
	if output.VaultKey != nil {
		vaultKey = *output.VaultKey
	}

	owner := ""
	if id, ok := ownerFromJournals(output.JournalEntries); ok {
		owner = id.String()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.position_history (sequence, event_type, vault_key, owner, failure, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO NOTHING
	`, output.Sequence, output.EventType, vaultKey, owner, output.Failure, output.Timestamp)
	return err
}

// isLifecycleEvent reports whether the event type belongs to the position
// open/close pipeline.
func isLifecycleEvent(eventType string) bool {
	switch eventType {
	case "LeverageVaultFund",
		"LeverageVaultClose",
		"LeverageVaultRelease",
		"LeverageVaultRepayBorrow",
		"LeverageVaultClosing",
		"LeverageVaultLiquidate",
		"LeverageVaultEject",
		"LeverageVaultConfiscate":
		return true
	}
	return false
}

// RebuildProjections truncates and rebuilds all projection tables from the
// event log.
func RebuildProjections(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.position_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debit legs add
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset_id,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY debit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Credit legs subtract
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset_id,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY credit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.position_history (sequence, event_type, vault_key, owner, failure, timestamp)
		SELECT
			sequence,
			event_type,
			COALESCE(vault_key, ''),
			'',
			failure,
			EXTRACT(EPOCH FROM timestamp)::BIGINT
		FROM event_log.events
		WHERE event_type IN (
			'LeverageVaultFund', 'LeverageVaultClose', 'LeverageVaultRelease',
			'LeverageVaultRepayBorrow', 'LeverageVaultClosing', 'LeverageVaultLiquidate',
			'LeverageVaultEject', 'LeverageVaultConfiscate'
		)
		ON CONFLICT (sequence) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("rebuild position history: %w", err)
	}

	log.Info().Msg("projection rebuild complete")
	return nil
}

// ownerFromAccountPath extracts the owner id from a user-scoped account
// path of the form "user:<uuid>:<sub_type>:<asset>".
func ownerFromAccountPath(path string) (string, bool) {
	if !strings.HasPrefix(path, "user:") {
		return "", false
	}
	parts := strings.SplitN(path, ":", 3)
	if len(parts) < 3 {
		return "", false
	}
	return parts[1], true
}
