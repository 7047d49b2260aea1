package projection

import (
	"github.com/google/uuid"
)

// PositionHistoryEntry is one lifecycle step of a leveraged position.
type PositionHistoryEntry struct {
	Owner     uuid.UUID
	VaultKey  string
	EventType string
	Failure   string
	Sequence  int64
	Timestamp int64
}

// PositionHistoryProjection keeps a queryable in-memory history of position
// lifecycle events, newest first per query.
type PositionHistoryProjection struct {
	entries []PositionHistoryEntry
}

func NewPositionHistoryProjection() *PositionHistoryProjection {
	return &PositionHistoryProjection{
		entries: make([]PositionHistoryEntry, 0),
	}
}

// AddEntry records a lifecycle event.
func (p *PositionHistoryProjection) AddEntry(entry PositionHistoryEntry) {
	p.entries = append(p.entries, entry)
}

// QueryByOwner returns the most recent lifecycle events for an owner.
func (p *PositionHistoryProjection) QueryByOwner(owner uuid.UUID, limit int) []PositionHistoryEntry {
	result := make([]PositionHistoryEntry, 0)

	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if p.entries[i].Owner == owner {
			result = append(result, p.entries[i])
		}
	}

	return result
}

// QueryByVault returns the most recent lifecycle events for a vault.
func (p *PositionHistoryProjection) QueryByVault(vaultKey string, limit int) []PositionHistoryEntry {
	result := make([]PositionHistoryEntry, 0)

	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if p.entries[i].VaultKey == vaultKey {
			result = append(result, p.entries[i])
		}
	}

	return result
}

// historyEntryFor converts a processed output into a history entry; only
// position lifecycle events qualify.
func historyEntryFor(output ProjectionOutput) (PositionHistoryEntry, bool) {
	if !isLifecycleEvent(output.EventType) {
		return PositionHistoryEntry{}, false
	}

	entry := PositionHistoryEntry{
		EventType: output.EventType,
		Failure:   output.Failure,
		Sequence:  output.Sequence,
		Timestamp: output.Timestamp,
	}
	if output.VaultKey != nil {
		entry.VaultKey = *output.VaultKey
	}
	if owner, ok := ownerFromJournals(output.JournalEntries); ok {
		entry.Owner = owner
	}

	return entry, true
}

// ownerFromJournals finds the first user-scoped account in the batch and
// returns its owner id.
func ownerFromJournals(entries []JournalEntry) (uuid.UUID, bool) {
	for _, j := range entries {
		for _, path := range []string{j.DebitAccount, j.CreditAccount} {
			if raw, ok := ownerFromAccountPath(path); ok {
				if id, err := uuid.Parse(raw); err == nil {
					return id, true
				}
			}
		}
	}
	return uuid.Nil, false
}
