package event

import (
	"github.com/google/uuid"

	"VaultLedger/internal/state"
)

type ProtocolCreate struct {
	Instruction
	Owner uuid.UUID
	Flags state.ProtocolFlags
}

func (e *ProtocolCreate) EventType() EventType { return EventTypeProtocolCreate }
func (e *ProtocolCreate) VaultKey() *string    { return nil }

type ProtocolSet struct {
	Instruction
	Flags state.ProtocolFlags
}

func (e *ProtocolSet) EventType() EventType { return EventTypeProtocolSet }
func (e *ProtocolSet) VaultKey() *string    { return nil }

type ProtocolChangeOwner struct {
	Instruction
	Owner uuid.UUID
}

func (e *ProtocolChangeOwner) EventType() EventType { return EventTypeProtocolChangeOwner }
func (e *ProtocolChangeOwner) VaultKey() *string    { return nil }

type EarnConfigCreate struct {
	Instruction
	Asset    state.AssetID
	Indexer  uuid.UUID
	FeeVault uuid.UUID
	Params   state.EarnConfigParams
}

func (e *EarnConfigCreate) EventType() EventType { return EventTypeEarnConfigCreate }
func (e *EarnConfigCreate) VaultKey() *string    { return earnPartition(e.Asset) }

type EarnConfigSet struct {
	Instruction
	Asset  state.AssetID
	Params state.EarnConfigParams
}

func (e *EarnConfigSet) EventType() EventType { return EventTypeEarnConfigSet }
func (e *EarnConfigSet) VaultKey() *string    { return earnPartition(e.Asset) }

type EarnConfigChangeIndexer struct {
	Instruction
	Asset   state.AssetID
	Indexer uuid.UUID
}

func (e *EarnConfigChangeIndexer) EventType() EventType { return EventTypeEarnConfigChangeIndexer }
func (e *EarnConfigChangeIndexer) VaultKey() *string    { return earnPartition(e.Asset) }

type LeverageConfigCreate struct {
	Instruction
	Collateral state.AssetID
	Native     state.AssetID
	Keeper     uuid.UUID
	Indexer    uuid.UUID
	FeeVault   uuid.UUID
	Params     state.LeverageConfigParams
}

func (e *LeverageConfigCreate) EventType() EventType { return EventTypeLeverageConfigCreate }
func (e *LeverageConfigCreate) VaultKey() *string    { return pairPartition(e.Collateral, e.Native) }

type LeverageConfigSet struct {
	Instruction
	Collateral state.AssetID
	Native     state.AssetID
	Params     state.LeverageConfigParams
}

func (e *LeverageConfigSet) EventType() EventType { return EventTypeLeverageConfigSet }
func (e *LeverageConfigSet) VaultKey() *string    { return pairPartition(e.Collateral, e.Native) }

type LeverageConfigChangeKeeper struct {
	Instruction
	Collateral state.AssetID
	Native     state.AssetID
	Keeper     uuid.UUID
}

func (e *LeverageConfigChangeKeeper) EventType() EventType {
	return EventTypeLeverageConfigChangeKeeper
}
func (e *LeverageConfigChangeKeeper) VaultKey() *string { return pairPartition(e.Collateral, e.Native) }

type LeverageConfigChangeIndexer struct {
	Instruction
	Collateral state.AssetID
	Native     state.AssetID
	Indexer    uuid.UUID
}

func (e *LeverageConfigChangeIndexer) EventType() EventType {
	return EventTypeLeverageConfigChangeIndexer
}
func (e *LeverageConfigChangeIndexer) VaultKey() *string { return pairPartition(e.Collateral, e.Native) }
