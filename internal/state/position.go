package state

import (
	"encoding/binary"

	vmath "VaultLedger/internal/math"
)

// PositionStatus is the lifecycle state of one position slot.
type PositionStatus uint8

const (
	PositionEmpty PositionStatus = iota
	PositionFunded
	PositionClosing
	PositionLiquidating
	PositionEjected
	PositionClosed
)

func (s PositionStatus) String() string {
	switch s {
	case PositionEmpty:
		return "EMPTY"
	case PositionFunded:
		return "FUNDED"
	case PositionClosing:
		return "CLOSING"
	case PositionLiquidating:
		return "LIQUIDATING"
	case PositionEjected:
		return "EJECTED"
	case PositionClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// validTransitions encodes the lifecycle graph. A closed slot is reusable,
// so Closed behaves like Empty for the next entry.
var validTransitions = map[PositionStatus][]PositionStatus{
	PositionEmpty:       {PositionFunded},
	PositionFunded:      {PositionClosing, PositionLiquidating, PositionEjected},
	PositionClosing:     {PositionClosed},
	PositionLiquidating: {PositionClosed},
	PositionEjected:     {PositionClosed},
	PositionClosed:      {PositionFunded},
}

func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// LeverageAction is the unwind intent recorded when a pipeline starts.
type LeverageAction uint8

const (
	ActionNone LeverageAction = iota
	ActionOpen
	ActionClose
	ActionLiquidate
	ActionEject
	ActionTakeProfit
	ActionSaver
)

// PipelineStep tracks progress through the two-phase flows that bracket
// the external swap. Each instruction requires the exact prior step, so an
// out-of-order or replayed step fails before touching the slot.
type PipelineStep uint8

const (
	StepNone PipelineStep = iota
	StepFunded
	StepBorrowed
	StepTaken
	StepLeveraged
	StepCloseBegun
	StepReleased
	StepRepaid
)

// PendingState is the in-flight working set of an open or close pipeline.
// It lives on the slot only between the first and last step of a flow.
type PendingState struct {
	Action LeverageAction
	Step   PipelineStep

	// open pipeline
	FundAmount      uint64 // collateral in, net of the leverage fee
	FundFee         uint64
	BorrowAmount    uint64 // gross borrow from the earn vault
	BorrowFee       uint64
	BorrowUnit      uint64
	BorrowIndex     uint64
	LeveragedAmount uint64 // fund + borrow net of fees, sent to the swap
	MinNativeOutput uint64

	// close pipeline
	ReleaseAmount    uint64 // native collateral handed to the swap
	ReleaseUnit      uint64
	ReleaseMinOutput uint64
	RepayAmount      uint64 // debt due at the current borrowing index
	SurplusAmount    uint64 // proceeds left after repay, owed to this slot alone

	CollateralPrice     uint64
	CollateralPriceExpo int
	NativePrice         uint64
	NativePriceExpo     int
}

// Position is one slot of an obligation. Slots are reused: a finished
// lifecycle resets the slot to a closed, zeroed state rather than removing
// it.
type Position struct {
	ID     uint64
	Status PositionStatus

	Unit               uint64 // native-collateral units held
	AvgIndex           uint64 // cost-basis collateral index at entry
	BorrowingUnit      uint64
	AvgBorrowingIndex  uint64
	TokenToNativeRatio uint64 // entry exchange rate, IndexDecimals scale

	SafetyMode       bool
	EmergencyEject   bool
	ProfitTaker      bool
	ProfitTargetRate uint64
	ProfitTakingRate uint64

	Pending PendingState

	OpenedAt    int64
	LastUpdated int64
}

func (p *Position) transitionTo(next PositionStatus) error {
	if !p.Status.CanTransitionTo(next) {
		return ErrInvalidPositionState
	}
	p.Status = next
	return nil
}

// Occupied reports whether the slot currently holds value or an in-flight
// pipeline and therefore cannot take a new entry.
func (p *Position) Occupied() bool {
	if p.Pending.Step != StepNone {
		return true
	}
	return p.Status != PositionEmpty && p.Status != PositionClosed
}

// PositionSettings are the per-position policy flags supplied at funding.
type PositionSettings struct {
	SafetyMode       bool
	EmergencyEject   bool
	ProfitTaker      bool
	ProfitTargetRate uint64
	ProfitTakingRate uint64
}

func (s PositionSettings) Validate() error {
	if s.ProfitTargetRate > 0 && s.ProfitTakingRate == 0 {
		return ErrInvalidParameter
	}
	if s.ProfitTakingRate > s.ProfitTargetRate {
		return ErrInvalidParameter
	}
	return nil
}

// LeverageSafetyCap is the leverage above which safety mode is forced off.
const LeverageSafetyCap = 5_000

// Fund starts the open pipeline on a free slot. amount is gross collateral
// in; fee is the leverage fee already carved out of it.
func (p *Position) Fund(id uint64, settings PositionSettings, amount, fee uint64, leverage uint64, now int64) error {
	if p.Occupied() {
		return ErrInvalidPositionState
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	net, err := vmath.CheckedSub(amount, fee)
	if err != nil || net == 0 {
		return ErrInvalidParameter
	}

	p.ID = id
	p.SafetyMode = settings.SafetyMode
	p.EmergencyEject = settings.EmergencyEject
	p.ProfitTaker = settings.ProfitTaker
	if settings.ProfitTaker {
		p.ProfitTargetRate = settings.ProfitTargetRate
		p.ProfitTakingRate = settings.ProfitTakingRate
	}
	if leverage > LeverageSafetyCap {
		p.SafetyMode = false
	}

	p.Pending = PendingState{
		Action:     ActionOpen,
		Step:       StepFunded,
		FundAmount: net,
		FundFee:    fee,
	}
	p.LastUpdated = now
	return nil
}

// BorrowFund records the earn-vault borrow leg. amount is gross; fee is
// withheld by the earn vault; unit/index fix the debt at today's borrowing
// index (units round up, debt favors the pool).
func (p *Position) BorrowFund(amount, fee, unit, index uint64, now int64) error {
	if p.Pending.Action != ActionOpen || p.Pending.Step != StepFunded {
		return ErrInvalidPositionState
	}
	p.Pending.BorrowAmount = amount
	p.Pending.BorrowFee = fee
	p.Pending.BorrowUnit = unit
	p.Pending.BorrowIndex = index
	p.Pending.Step = StepBorrowed
	p.LastUpdated = now
	return nil
}

// TakeFund marks the pooled funds as handed to the swap leg.
func (p *Position) TakeFund(now int64) error {
	if p.Pending.Action != ActionOpen || p.Pending.Step != StepBorrowed {
		return ErrInvalidPositionState
	}
	net, err := vmath.CheckedSub(p.Pending.BorrowAmount, p.Pending.BorrowFee)
	if err != nil {
		return err
	}
	leveraged, err := vmath.CheckedAdd(p.Pending.FundAmount, net)
	if err != nil {
		return err
	}
	p.Pending.LeveragedAmount = leveraged
	p.Pending.Step = StepTaken
	p.LastUpdated = now
	return nil
}

// Lever records the slippage bound the swap output must clear.
func (p *Position) Lever(minNativeOutput uint64, now int64) error {
	if p.Pending.Action != ActionOpen || p.Pending.Step != StepTaken {
		return ErrInvalidPositionState
	}
	p.Pending.MinNativeOutput = minNativeOutput
	p.Pending.Step = StepLeveraged
	p.LastUpdated = now
	return nil
}

// ConfirmEntry completes the open pipeline with the swap's native output,
// already converted to units at the vault index. The slot becomes Funded;
// cost-basis indices are volume-weighted across re-entries of a reused
// slot.
func (p *Position) ConfirmEntry(nativeOutput, units, index, ratio uint64, now int64) error {
	if p.Pending.Action != ActionOpen || p.Pending.Step != StepLeveraged {
		return ErrInvalidPositionState
	}
	if nativeOutput < p.Pending.MinNativeOutput {
		return ErrSlippageExceeded
	}

	avgIndex := index
	if p.Unit > 0 {
		avg, err := vmath.WeightedAvg(p.Unit, p.AvgIndex, units, index)
		if err != nil {
			return err
		}
		avgIndex = avg
	}
	unit, err := vmath.CheckedAdd(p.Unit, units)
	if err != nil {
		return err
	}

	avgBorrowingIndex := p.Pending.BorrowIndex
	if p.BorrowingUnit > 0 {
		avg, err := vmath.WeightedAvg(p.BorrowingUnit, p.AvgBorrowingIndex, p.Pending.BorrowUnit, p.Pending.BorrowIndex)
		if err != nil {
			return err
		}
		avgBorrowingIndex = avg
	}
	borrowingUnit, err := vmath.CheckedAdd(p.BorrowingUnit, p.Pending.BorrowUnit)
	if err != nil {
		return err
	}

	if err := p.transitionTo(PositionFunded); err != nil {
		return err
	}
	p.Unit = unit
	p.AvgIndex = avgIndex
	p.BorrowingUnit = borrowingUnit
	p.AvgBorrowingIndex = avgBorrowingIndex
	p.TokenToNativeRatio = ratio
	p.Pending = PendingState{}
	p.OpenedAt = now
	p.LastUpdated = now
	return nil
}

// BeginUnwind starts the close pipeline with the given intent. The slot
// leaves Funded immediately so no second flow can race it.
func (p *Position) BeginUnwind(action LeverageAction, releaseAmount, releaseUnit, releaseMinOutput, repayAmount uint64, collateral, native OraclePrice, now int64) error {
	if p.Pending.Step != StepNone {
		return ErrInvalidPositionState
	}

	var next PositionStatus
	switch action {
	case ActionClose, ActionTakeProfit, ActionSaver:
		next = PositionClosing
	case ActionLiquidate:
		next = PositionLiquidating
	case ActionEject:
		next = PositionEjected
	default:
		return ErrInvalidPositionState
	}
	if err := p.transitionTo(next); err != nil {
		return err
	}

	p.Pending = PendingState{
		Action:              action,
		Step:                StepCloseBegun,
		ReleaseAmount:       releaseAmount,
		ReleaseUnit:         releaseUnit,
		ReleaseMinOutput:    releaseMinOutput,
		RepayAmount:         repayAmount,
		CollateralPrice:     collateral.Price,
		CollateralPriceExpo: collateral.Expo,
		NativePrice:         native.Price,
		NativePriceExpo:     native.Expo,
	}
	p.LastUpdated = now
	return nil
}

// Release burns the held collateral units back to tradeable form for the
// external swap.
func (p *Position) Release(now int64) error {
	if p.Pending.Step != StepCloseBegun {
		return ErrInvalidPositionState
	}
	unit, err := vmath.CheckedSub(p.Unit, p.Pending.ReleaseUnit)
	if err != nil {
		return ErrInvalidPositionState
	}
	p.Unit = unit
	p.Pending.Step = StepReleased
	p.LastUpdated = now
	return nil
}

// RepayBorrow applies swap proceeds to the debt leg. Proceeds below the
// due amount fail with RepaymentShortfall and leave the slot in the
// released state for escalation toward liquidation.
func (p *Position) RepayBorrow(proceeds uint64, now int64) (surplus uint64, err error) {
	if p.Pending.Step != StepReleased {
		return 0, ErrInvalidPositionState
	}
	if proceeds < p.Pending.RepayAmount {
		return 0, ErrRepaymentShortfall
	}
	surplus = proceeds - p.Pending.RepayAmount
	p.BorrowingUnit = 0
	p.AvgBorrowingIndex = 0
	p.Pending.SurplusAmount = surplus
	p.Pending.Step = StepRepaid
	p.LastUpdated = now
	return surplus, nil
}

// ForceRepay settles the debt leg during liquidation where a shortfall is
// absorbed by the pool instead of failing the pipeline.
func (p *Position) ForceRepay(now int64) error {
	if p.Pending.Step != StepReleased {
		return ErrInvalidPositionState
	}
	if p.Pending.Action != ActionLiquidate && p.Pending.Action != ActionEject {
		return ErrInvalidPositionState
	}
	p.BorrowingUnit = 0
	p.AvgBorrowingIndex = 0
	p.Pending.SurplusAmount = 0
	p.Pending.Step = StepRepaid
	p.LastUpdated = now
	return nil
}

// FinishClosing finalizes the pipeline and resets the slot for reuse.
func (p *Position) FinishClosing(now int64) error {
	if p.Pending.Step != StepRepaid {
		return ErrInvalidPositionState
	}
	if err := p.transitionTo(PositionClosed); err != nil {
		return err
	}
	id := p.ID
	*p = Position{ID: id, Status: PositionClosed, LastUpdated: now}
	return nil
}

// SetSafetyMode toggles the keeper-consulted policy flag. No funds move.
func (p *Position) SetSafetyMode(enabled bool, now int64) error {
	if p.Status != PositionFunded {
		return ErrInvalidPositionState
	}
	p.SafetyMode = enabled
	p.LastUpdated = now
	return nil
}

func (p *Position) SetEmergencyEject(enabled bool, now int64) error {
	if p.Status != PositionFunded {
		return ErrInvalidPositionState
	}
	p.EmergencyEject = enabled
	p.LastUpdated = now
	return nil
}

func (p *Position) SetProfitTaker(enabled bool, targetRate, takingRate uint64, now int64) error {
	if p.Status != PositionFunded {
		return ErrInvalidPositionState
	}
	if enabled {
		if takingRate == 0 || takingRate > targetRate {
			return ErrInvalidParameter
		}
		p.ProfitTargetRate = targetRate
		p.ProfitTakingRate = takingRate
	}
	p.ProfitTaker = enabled
	p.LastUpdated = now
	return nil
}

// DebtAmount is the position's current debt at the given borrowing index,
// rounded up.
func (p *Position) DebtAmount(borrowingIndex uint64, collateralDecimals int) (uint64, error) {
	if p.BorrowingUnit == 0 {
		return 0, nil
	}
	return vmath.ToAmount(p.BorrowingUnit, collateralDecimals, borrowingIndex, vmath.RoundCeil)
}

// CollateralAmount is the position's held collateral at the given index,
// rounded down.
func (p *Position) CollateralAmount(index uint64, nativeDecimals int) (uint64, error) {
	if p.Unit == 0 {
		return 0, nil
	}
	return vmath.ToAmount(p.Unit, nativeDecimals, index, vmath.RoundFloor)
}

// CanonicalBytes serializes the slot deterministically for state hashing.
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = appendUint64LE(buf, p.ID)
	buf = append(buf, byte(p.Status), byte(p.Pending.Action), byte(p.Pending.Step))
	buf = appendUint64LE(buf, p.Unit)
	buf = appendUint64LE(buf, p.AvgIndex)
	buf = appendUint64LE(buf, p.BorrowingUnit)
	buf = appendUint64LE(buf, p.AvgBorrowingIndex)
	buf = appendUint64LE(buf, p.TokenToNativeRatio)
	buf = appendUint64LE(buf, p.Pending.FundAmount)
	buf = appendUint64LE(buf, p.Pending.BorrowAmount)
	buf = appendUint64LE(buf, p.Pending.ReleaseAmount)
	buf = appendUint64LE(buf, p.Pending.RepayAmount)
	buf = appendUint64LE(buf, p.Pending.SurplusAmount)
	return buf
}

func appendUint64LE(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
