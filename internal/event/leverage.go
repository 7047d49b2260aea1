package event

import (
	"github.com/google/uuid"

	"VaultLedger/internal/state"
)

type LeverageVaultCreate struct {
	Instruction
	Collateral         state.AssetID
	Native             state.AssetID
	CollateralDecimals int
	NativeDecimals     int
	CollateralFeed     state.PriceFeed
	NativeFeed         state.PriceFeed
}

func (e *LeverageVaultCreate) EventType() EventType { return EventTypeLeverageVaultCreate }
func (e *LeverageVaultCreate) VaultKey() *string    { return pairPartition(e.Collateral, e.Native) }

// LeverageVaultCreateLiquidity provisions the pair's journal accounts so
// the first fund instruction finds them in place.
type LeverageVaultCreateLiquidity struct {
	Instruction
	Collateral state.AssetID
	Native     state.AssetID
}

func (e *LeverageVaultCreateLiquidity) EventType() EventType {
	return EventTypeLeverageVaultCreateLiquidity
}
func (e *LeverageVaultCreateLiquidity) VaultKey() *string {
	return pairPartition(e.Collateral, e.Native)
}

type LeverageVaultChangeOracle struct {
	Instruction
	Collateral     state.AssetID
	Native         state.AssetID
	CollateralFeed state.PriceFeed
	NativeFeed     state.PriceFeed
}

func (e *LeverageVaultChangeOracle) EventType() EventType { return EventTypeLeverageVaultChangeOracle }
func (e *LeverageVaultChangeOracle) VaultKey() *string    { return pairPartition(e.Collateral, e.Native) }

// LeverageVaultFund opens a position atomically: collateral in, leverage
// fee out, borrow from the earn vault, entry swap output checked against
// the slippage bound, units minted, slot Funded. SwapOutput is the
// already-executed entry swap result supplied by the external collaborator.
type LeverageVaultFund struct {
	Instruction
	Collateral state.AssetID
	Native     state.AssetID
	Settings   state.PositionSettings
	Amount     uint64
	Leverage   uint64
	SwapOutput uint64
}

func (e *LeverageVaultFund) EventType() EventType { return EventTypeLeverageVaultFund }
func (e *LeverageVaultFund) VaultKey() *string    { return pairPartition(e.Collateral, e.Native) }

// positionRef identifies one slot of an obligation. Owner is zero when the
// caller targets their own obligation; keeper-driven instructions set it to
// the obligation owner.
type positionRef struct {
	Collateral state.AssetID
	Native     state.AssetID
	Number     int
	Owner      uuid.UUID
}

type LeverageVaultClose struct {
	Instruction
	positionRef
}

func (e *LeverageVaultClose) EventType() EventType { return EventTypeLeverageVaultClose }
func (e *LeverageVaultClose) VaultKey() *string    { return pairPartition(e.Collateral, e.Native) }

type LeverageVaultRelease struct {
	Instruction
	positionRef
}

func (e *LeverageVaultRelease) EventType() EventType { return EventTypeLeverageVaultRelease }
func (e *LeverageVaultRelease) VaultKey() *string    { return pairPartition(e.Collateral, e.Native) }

// LeverageVaultRepayBorrow confirms the unwind swap: Proceeds is the
// collateral-asset output handed back by the external collaborator.
type LeverageVaultRepayBorrow struct {
	Instruction
	positionRef
	Proceeds uint64
}

func (e *LeverageVaultRepayBorrow) EventType() EventType { return EventTypeLeverageVaultRepayBorrow }
func (e *LeverageVaultRepayBorrow) VaultKey() *string    { return pairPartition(e.Collateral, e.Native) }

type LeverageVaultClosing struct {
	Instruction
	positionRef
}

func (e *LeverageVaultClosing) EventType() EventType { return EventTypeLeverageVaultClosing }
func (e *LeverageVaultClosing) VaultKey() *string    { return pairPartition(e.Collateral, e.Native) }

// LeverageVaultLiquidate is keeper-only; the ref's Owner names the
// obligation owner.
type LeverageVaultLiquidate struct {
	Instruction
	positionRef
}

func (e *LeverageVaultLiquidate) EventType() EventType { return EventTypeLeverageVaultLiquidate }
func (e *LeverageVaultLiquidate) VaultKey() *string    { return pairPartition(e.Collateral, e.Native) }

type LeverageVaultEject struct {
	Instruction
	positionRef
}

func (e *LeverageVaultEject) EventType() EventType { return EventTypeLeverageVaultEject }
func (e *LeverageVaultEject) VaultKey() *string    { return pairPartition(e.Collateral, e.Native) }

// LeverageVaultConfiscate is the privileged recovery path: it force-closes
// an interrupted unwind (e.g. after a repayment shortfall), reclaiming the
// remaining funds into the protocol treasury.
type LeverageVaultConfiscate struct {
	Instruction
	positionRef
}

func (e *LeverageVaultConfiscate) EventType() EventType { return EventTypeLeverageVaultConfiscate }
func (e *LeverageVaultConfiscate) VaultKey() *string    { return pairPartition(e.Collateral, e.Native) }

type SetSafetyMode struct {
	Instruction
	positionRef
	Enabled bool
}

func (e *SetSafetyMode) EventType() EventType { return EventTypeSetSafetyMode }
func (e *SetSafetyMode) VaultKey() *string    { return pairPartition(e.Collateral, e.Native) }

type SetEmergencyEject struct {
	Instruction
	positionRef
	Enabled bool
}

func (e *SetEmergencyEject) EventType() EventType { return EventTypeSetEmergencyEject }
func (e *SetEmergencyEject) VaultKey() *string    { return pairPartition(e.Collateral, e.Native) }

type SetProfitTaker struct {
	Instruction
	positionRef
	Enabled    bool
	TargetRate uint64
	TakingRate uint64
}

func (e *SetProfitTaker) EventType() EventType { return EventTypeSetProfitTaker }
func (e *SetProfitTaker) VaultKey() *string    { return pairPartition(e.Collateral, e.Native) }
