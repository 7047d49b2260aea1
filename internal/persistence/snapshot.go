package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"VaultLedger/internal/core"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/state"
)

// SnapshotManager persists point-in-time core state for warm restarts.
// On startup the latest verified snapshot loads first, then the event log
// replays from snapshot.sequence+1.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable form of core.SnapshotState. Account and
// feed keys flatten to rows because struct-keyed maps don't survive JSON.
type SnapshotData struct {
	Sequence        int64             `json:"sequence"`
	StateHash       []byte            `json:"state_hash"`
	Balances        []BalanceSnapshot `json:"balances"`
	Records         *state.Snapshot   `json:"records"`
	Prices          []PriceSnapshot   `json:"prices"`
	SequenceState   map[string]int64  `json:"sequence_state"`
	IdempotencyKeys []string          `json:"idempotency_keys"`
	CreatedAt       time.Time         `json:"created_at"`
}

// BalanceSnapshot is one ledger account balance.
type BalanceSnapshot struct {
	Scope    uint8  `json:"scope"`
	EntityID string `json:"entity_id"` // hex-encoded 16 bytes
	SubType  uint8  `json:"sub_type"`
	AssetID  uint16 `json:"asset_id"`
	Balance  int64  `json:"balance"`
}

// PriceSnapshot is one cached oracle observation.
type PriceSnapshot struct {
	Feed        string `json:"feed"` // hex-encoded 32 bytes
	Price       uint64 `json:"price"`
	Expo        int    `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// FromCoreSnapshot flattens the core's in-memory snapshot for storage.
func FromCoreSnapshot(snap *core.SnapshotState, createdAt time.Time) *SnapshotData {
	balances := make([]BalanceSnapshot, 0, len(snap.Balances))
	for key, balance := range snap.Balances {
		balances = append(balances, BalanceSnapshot{
			Scope:    uint8(key.Scope),
			EntityID: hex.EncodeToString(key.EntityID[:]),
			SubType:  uint8(key.SubType),
			AssetID:  uint16(key.AssetID),
			Balance:  balance,
		})
	}

	prices := make([]PriceSnapshot, 0, len(snap.Prices))
	for feed, price := range snap.Prices {
		prices = append(prices, PriceSnapshot{
			Feed:        hex.EncodeToString(feed[:]),
			Price:       price.Price,
			Expo:        price.Expo,
			PublishTime: price.PublishTime,
		})
	}

	return &SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       snap.StateHash[:],
		Balances:        balances,
		Records:         snap.Records,
		Prices:          prices,
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
}

// ToCoreSnapshot rebuilds the core's in-memory snapshot from storage.
func (sd *SnapshotData) ToCoreSnapshot() (*core.SnapshotState, error) {
	snap := &core.SnapshotState{
		Sequence:        sd.Sequence,
		Balances:        make(map[ledger.AccountKey]int64, len(sd.Balances)),
		Records:         sd.Records,
		Prices:          make(map[state.PriceFeed]state.OraclePrice, len(sd.Prices)),
		SequenceState:   sd.SequenceState,
		IdempotencyKeys: sd.IdempotencyKeys,
	}

	if len(sd.StateHash) != len(snap.StateHash) {
		return nil, fmt.Errorf("snapshot state hash: want %d bytes, got %d", len(snap.StateHash), len(sd.StateHash))
	}
	copy(snap.StateHash[:], sd.StateHash)

	for _, b := range sd.Balances {
		raw, err := hex.DecodeString(b.EntityID)
		if err != nil {
			return nil, fmt.Errorf("snapshot entity id: %w", err)
		}
		var entityID [16]byte
		if len(raw) != len(entityID) {
			return nil, fmt.Errorf("snapshot entity id: want %d bytes, got %d", len(entityID), len(raw))
		}
		copy(entityID[:], raw)

		key := ledger.AccountKey{
			Scope:    ledger.AccountScope(b.Scope),
			EntityID: entityID,
			SubType:  ledger.AccountSubType(b.SubType),
			AssetID:  state.AssetID(b.AssetID),
		}
		snap.Balances[key] = b.Balance
	}

	for _, p := range sd.Prices {
		raw, err := hex.DecodeString(p.Feed)
		if err != nil {
			return nil, fmt.Errorf("snapshot price feed: %w", err)
		}
		var feed state.PriceFeed
		if len(raw) != len(feed) {
			return nil, fmt.Errorf("snapshot price feed: want %d bytes, got %d", len(feed), len(raw))
		}
		copy(feed[:], raw)

		snap.Prices[feed] = state.OraclePrice{
			Price:       p.Price,
			Expo:        p.Expo,
			PublishTime: p.PublishTime,
		}
	}

	return snap, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Snapshots are written unverified and
// promoted after an integrity check replays events against them.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot returns the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified promotes a snapshot after its integrity check passes.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom pages through the event log for startup replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, vault_key, payload, failure,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.VaultKey,
			&e.Payload, &e.Failure, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
