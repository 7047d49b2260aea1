package event

import (
	"github.com/google/uuid"

	"VaultLedger/internal/state"
)

// Instruction carries the fields common to every instruction payload.
// Embedding it gives each event the shared Event plumbing; the concrete
// type supplies EventType and VaultKey.
type Instruction struct {
	InstructionID uuid.UUID
	Caller        uuid.UUID
	Sequence      int64
	Time          int64 // unix seconds, assigned upstream
}

func (i *Instruction) IdempotencyKey() string {
	return i.InstructionID.String()
}

func (i *Instruction) SourceSequence() int64 {
	return i.Sequence
}

func (i *Instruction) EventTime() int64 {
	return i.Time
}

func earnPartition(asset state.AssetID) *string {
	key := state.EarnVaultKey(asset).String()
	return &key
}

func pairPartition(collateral, native state.AssetID) *string {
	key := state.LeverageVaultKey(collateral, native).String()
	return &key
}
