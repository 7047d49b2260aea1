package ingestion

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"VaultLedger/internal/event"
	"VaultLedger/internal/state"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// instructions before they reach the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "ProtocolCreate":
		return parseProtocolCreate(raw.Data)
	case "ProtocolSet":
		return parseProtocolSet(raw.Data)
	case "ProtocolChangeOwner":
		return parseProtocolChangeOwner(raw.Data)
	case "EarnConfigCreate":
		return parseEarnConfigCreate(raw.Data)
	case "EarnConfigSet":
		return parseEarnConfigSet(raw.Data)
	case "EarnConfigChangeIndexer":
		return parseEarnConfigChangeIndexer(raw.Data)
	case "LeverageConfigCreate":
		return parseLeverageConfigCreate(raw.Data)
	case "LeverageConfigSet":
		return parseLeverageConfigSet(raw.Data)
	case "LeverageConfigChangeKeeper":
		return parseLeverageConfigChangeKeeper(raw.Data)
	case "LeverageConfigChangeIndexer":
		return parseLeverageConfigChangeIndexer(raw.Data)
	case "EarnVaultCreate":
		return parseEarnVaultCreate(raw.Data)
	case "EarnVaultDeposit":
		return parseEarnVaultDeposit(raw.Data)
	case "EarnVaultWithdraw":
		return parseEarnVaultWithdraw(raw.Data)
	case "EarnVaultChangeOracle":
		return parseEarnVaultChangeOracle(raw.Data)
	case "EarnInterestAccrue":
		return parseEarnInterestAccrue(raw.Data)
	case "LeverageVaultCreate":
		return parseLeverageVaultCreate(raw.Data)
	case "LeverageVaultCreateLiquidity":
		return parseLeverageVaultCreateLiquidity(raw.Data)
	case "LeverageVaultChangeOracle":
		return parseLeverageVaultChangeOracle(raw.Data)
	case "LeverageVaultFund":
		return parseLeverageVaultFund(raw.Data)
	case "LeverageVaultClose":
		return parsePositionLifecycle(raw.Data, eventType)
	case "LeverageVaultRelease":
		return parsePositionLifecycle(raw.Data, eventType)
	case "LeverageVaultRepayBorrow":
		return parseLeverageVaultRepayBorrow(raw.Data)
	case "LeverageVaultClosing":
		return parsePositionLifecycle(raw.Data, eventType)
	case "LeverageVaultLiquidate":
		return parsePositionLifecycle(raw.Data, eventType)
	case "LeverageVaultEject":
		return parsePositionLifecycle(raw.Data, eventType)
	case "LeverageVaultConfiscate":
		return parsePositionLifecycle(raw.Data, eventType)
	case "SetSafetyMode":
		return parseSetSafetyMode(raw.Data)
	case "SetEmergencyEject":
		return parseSetEmergencyEject(raw.Data)
	case "SetProfitTaker":
		return parseSetProfitTaker(raw.Data)
	case "OraclePriceUpdate":
		return parseOraclePriceUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

// instructionJSON carries the common instruction header.
type instructionJSON struct {
	InstructionID string `json:"instruction_id"`
	Caller        string `json:"caller"`
	Sequence      int64  `json:"sequence"`
	Time          int64  `json:"time"`
}

func (j instructionJSON) toInstruction() (event.Instruction, error) {
	id, err := uuid.Parse(j.InstructionID)
	if err != nil {
		return event.Instruction{}, fmt.Errorf("parse instruction_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return event.Instruction{}, fmt.Errorf("parse caller: %w", err)
	}
	return event.Instruction{
		InstructionID: id,
		Caller:        caller,
		Sequence:      j.Sequence,
		Time:          j.Time,
	}, nil
}

func parseFeed(s string) (state.PriceFeed, error) {
	var feed state.PriceFeed
	raw, err := hex.DecodeString(s)
	if err != nil {
		return feed, fmt.Errorf("parse feed: %w", err)
	}
	if len(raw) != len(feed) {
		return feed, fmt.Errorf("parse feed: want %d bytes, got %d", len(feed), len(raw))
	}
	copy(feed[:], raw)
	return feed, nil
}

type protocolFlagsJSON struct {
	Freeze      bool `json:"freeze"`
	FreezeEarn  bool `json:"freeze_earn"`
	FreezeLend  bool `json:"freeze_lend"`
	FreezeLever bool `json:"freeze_lever"`
}

func (j protocolFlagsJSON) toFlags() state.ProtocolFlags {
	return state.ProtocolFlags{
		Freeze:      j.Freeze,
		FreezeEarn:  j.FreezeEarn,
		FreezeLend:  j.FreezeLend,
		FreezeLever: j.FreezeLever,
	}
}

type protocolCreateJSON struct {
	instructionJSON
	Owner string            `json:"owner"`
	Flags protocolFlagsJSON `json:"flags"`
}

func parseProtocolCreate(data []byte) (*event.ProtocolCreate, error) {
	var j protocolCreateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ProtocolCreate: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	return &event.ProtocolCreate{Instruction: instr, Owner: owner, Flags: j.Flags.toFlags()}, nil
}

type protocolSetJSON struct {
	instructionJSON
	Flags protocolFlagsJSON `json:"flags"`
}

func parseProtocolSet(data []byte) (*event.ProtocolSet, error) {
	var j protocolSetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ProtocolSet: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	return &event.ProtocolSet{Instruction: instr, Flags: j.Flags.toFlags()}, nil
}

type protocolChangeOwnerJSON struct {
	instructionJSON
	Owner string `json:"owner"`
}

func parseProtocolChangeOwner(data []byte) (*event.ProtocolChangeOwner, error) {
	var j protocolChangeOwnerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ProtocolChangeOwner: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	return &event.ProtocolChangeOwner{Instruction: instr, Owner: owner}, nil
}

type earnConfigParamsJSON struct {
	Frozen       bool   `json:"frozen"`
	ProtocolFee  uint64 `json:"protocol_fee"`
	LTV          uint64 `json:"ltv"`
	DepositFee   uint64 `json:"deposit_fee"`
	WithdrawFee  uint64 `json:"withdraw_fee"`
	BorrowFee    uint64 `json:"borrow_fee"`
	FloorCapRate uint64 `json:"floor_cap_rate"`
	MinDeposit   uint64 `json:"min_deposit"`
	MaxDeposit   uint64 `json:"max_deposit"`
	MinWithdraw  uint64 `json:"min_withdraw"`
	MaxWithdraw  uint64 `json:"max_withdraw"`
	MinBorrow    uint64 `json:"min_borrow"`
	MaxBorrow    uint64 `json:"max_borrow"`
}

func (j earnConfigParamsJSON) toParams() state.EarnConfigParams {
	return state.EarnConfigParams{
		Frozen:       j.Frozen,
		ProtocolFee:  j.ProtocolFee,
		LTV:          j.LTV,
		DepositFee:   j.DepositFee,
		WithdrawFee:  j.WithdrawFee,
		BorrowFee:    j.BorrowFee,
		FloorCapRate: j.FloorCapRate,
		MinDeposit:   j.MinDeposit,
		MaxDeposit:   j.MaxDeposit,
		MinWithdraw:  j.MinWithdraw,
		MaxWithdraw:  j.MaxWithdraw,
		MinBorrow:    j.MinBorrow,
		MaxBorrow:    j.MaxBorrow,
	}
}

type earnConfigCreateJSON struct {
	instructionJSON
	Asset    uint16               `json:"asset_id"`
	Indexer  string               `json:"indexer"`
	FeeVault string               `json:"fee_vault"`
	Params   earnConfigParamsJSON `json:"params"`
}

func parseEarnConfigCreate(data []byte) (*event.EarnConfigCreate, error) {
	var j earnConfigCreateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EarnConfigCreate: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	indexer, err := uuid.Parse(j.Indexer)
	if err != nil {
		return nil, fmt.Errorf("parse indexer: %w", err)
	}
	feeVault, err := uuid.Parse(j.FeeVault)
	if err != nil {
		return nil, fmt.Errorf("parse fee_vault: %w", err)
	}
	return &event.EarnConfigCreate{
		Instruction: instr,
		Asset:       state.AssetID(j.Asset),
		Indexer:     indexer,
		FeeVault:    feeVault,
		Params:      j.Params.toParams(),
	}, nil
}

type earnConfigSetJSON struct {
	instructionJSON
	Asset  uint16               `json:"asset_id"`
	Params earnConfigParamsJSON `json:"params"`
}

func parseEarnConfigSet(data []byte) (*event.EarnConfigSet, error) {
	var j earnConfigSetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EarnConfigSet: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	return &event.EarnConfigSet{
		Instruction: instr,
		Asset:       state.AssetID(j.Asset),
		Params:      j.Params.toParams(),
	}, nil
}

type earnConfigChangeIndexerJSON struct {
	instructionJSON
	Asset   uint16 `json:"asset_id"`
	Indexer string `json:"indexer"`
}

func parseEarnConfigChangeIndexer(data []byte) (*event.EarnConfigChangeIndexer, error) {
	var j earnConfigChangeIndexerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EarnConfigChangeIndexer: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	indexer, err := uuid.Parse(j.Indexer)
	if err != nil {
		return nil, fmt.Errorf("parse indexer: %w", err)
	}
	return &event.EarnConfigChangeIndexer{
		Instruction: instr,
		Asset:       state.AssetID(j.Asset),
		Indexer:     indexer,
	}, nil
}

type leverageConfigParamsJSON struct {
	Frozen              bool   `json:"frozen"`
	LeverageFee         uint64 `json:"leverage_fee"`
	DeleverageFee       uint64 `json:"deleverage_fee"`
	ClosingFee          uint64 `json:"closing_fee"`
	ProtocolFeeOnProfit uint64 `json:"protocol_fee_on_profit"`

	MinLeverage  uint64 `json:"min_leverage"`
	MaxLeverage  uint64 `json:"max_leverage"`
	LeverageStep uint64 `json:"leverage_step"`
	MinAmount    uint64 `json:"min_amount"`
	MaxAmount    uint64 `json:"max_amount"`

	LiquidationThreshold     uint64 `json:"liquidation_threshold"`
	LiquidationFee           uint64 `json:"liquidation_fee"`
	LiquidationProtocolRatio uint64 `json:"liquidation_protocol_ratio"`
	SlippageRate             uint64 `json:"slippage_rate"`

	EmergencyEjectPeriod int64  `json:"emergency_eject_period"`
	SaverThreshold       uint64 `json:"saver_threshold"`
	SaverTargetReduction uint64 `json:"saver_target_reduction"`
}

func (j leverageConfigParamsJSON) toParams() state.LeverageConfigParams {
	return state.LeverageConfigParams{
		Frozen:                   j.Frozen,
		LeverageFee:              j.LeverageFee,
		DeleverageFee:            j.DeleverageFee,
		ClosingFee:               j.ClosingFee,
		ProtocolFeeOnProfit:      j.ProtocolFeeOnProfit,
		MinLeverage:              j.MinLeverage,
		MaxLeverage:              j.MaxLeverage,
		LeverageStep:             j.LeverageStep,
		MinAmount:                j.MinAmount,
		MaxAmount:                j.MaxAmount,
		LiquidationThreshold:     j.LiquidationThreshold,
		LiquidationFee:           j.LiquidationFee,
		LiquidationProtocolRatio: j.LiquidationProtocolRatio,
		SlippageRate:             j.SlippageRate,
		EmergencyEjectPeriod:     j.EmergencyEjectPeriod,
		SaverThreshold:           j.SaverThreshold,
		SaverTargetReduction:     j.SaverTargetReduction,
	}
}

type leverageConfigCreateJSON struct {
	instructionJSON
	Collateral uint16                   `json:"collateral_id"`
	Native     uint16                   `json:"native_id"`
	Keeper     string                   `json:"keeper"`
	Indexer    string                   `json:"indexer"`
	FeeVault   string                   `json:"fee_vault"`
	Params     leverageConfigParamsJSON `json:"params"`
}

func parseLeverageConfigCreate(data []byte) (*event.LeverageConfigCreate, error) {
	var j leverageConfigCreateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LeverageConfigCreate: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	keeper, err := uuid.Parse(j.Keeper)
	if err != nil {
		return nil, fmt.Errorf("parse keeper: %w", err)
	}
	indexer, err := uuid.Parse(j.Indexer)
	if err != nil {
		return nil, fmt.Errorf("parse indexer: %w", err)
	}
	feeVault, err := uuid.Parse(j.FeeVault)
	if err != nil {
		return nil, fmt.Errorf("parse fee_vault: %w", err)
	}
	return &event.LeverageConfigCreate{
		Instruction: instr,
		Collateral:  state.AssetID(j.Collateral),
		Native:      state.AssetID(j.Native),
		Keeper:      keeper,
		Indexer:     indexer,
		FeeVault:    feeVault,
		Params:      j.Params.toParams(),
	}, nil
}

type leverageConfigSetJSON struct {
	instructionJSON
	Collateral uint16                   `json:"collateral_id"`
	Native     uint16                   `json:"native_id"`
	Params     leverageConfigParamsJSON `json:"params"`
}

func parseLeverageConfigSet(data []byte) (*event.LeverageConfigSet, error) {
	var j leverageConfigSetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LeverageConfigSet: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	return &event.LeverageConfigSet{
		Instruction: instr,
		Collateral:  state.AssetID(j.Collateral),
		Native:      state.AssetID(j.Native),
		Params:      j.Params.toParams(),
	}, nil
}

type leverageConfigChangeKeeperJSON struct {
	instructionJSON
	Collateral uint16 `json:"collateral_id"`
	Native     uint16 `json:"native_id"`
	Keeper     string `json:"keeper"`
}

func parseLeverageConfigChangeKeeper(data []byte) (*event.LeverageConfigChangeKeeper, error) {
	var j leverageConfigChangeKeeperJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LeverageConfigChangeKeeper: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	keeper, err := uuid.Parse(j.Keeper)
	if err != nil {
		return nil, fmt.Errorf("parse keeper: %w", err)
	}
	return &event.LeverageConfigChangeKeeper{
		Instruction: instr,
		Collateral:  state.AssetID(j.Collateral),
		Native:      state.AssetID(j.Native),
		Keeper:      keeper,
	}, nil
}

type leverageConfigChangeIndexerJSON struct {
	instructionJSON
	Collateral uint16 `json:"collateral_id"`
	Native     uint16 `json:"native_id"`
	Indexer    string `json:"indexer"`
}

func parseLeverageConfigChangeIndexer(data []byte) (*event.LeverageConfigChangeIndexer, error) {
	var j leverageConfigChangeIndexerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LeverageConfigChangeIndexer: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	indexer, err := uuid.Parse(j.Indexer)
	if err != nil {
		return nil, fmt.Errorf("parse indexer: %w", err)
	}
	return &event.LeverageConfigChangeIndexer{
		Instruction: instr,
		Collateral:  state.AssetID(j.Collateral),
		Native:      state.AssetID(j.Native),
		Indexer:     indexer,
	}, nil
}

type earnVaultCreateJSON struct {
	instructionJSON
	Asset         uint16 `json:"asset_id"`
	TokenDecimals int    `json:"token_decimals"`
	OracleFeed    string `json:"oracle_feed"`
}

func parseEarnVaultCreate(data []byte) (*event.EarnVaultCreate, error) {
	var j earnVaultCreateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EarnVaultCreate: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	feed, err := parseFeed(j.OracleFeed)
	if err != nil {
		return nil, err
	}
	return &event.EarnVaultCreate{
		Instruction:   instr,
		Asset:         state.AssetID(j.Asset),
		TokenDecimals: j.TokenDecimals,
		OracleFeed:    feed,
	}, nil
}

type earnVaultDepositJSON struct {
	instructionJSON
	Asset  uint16 `json:"asset_id"`
	Amount uint64 `json:"amount"`
}

func parseEarnVaultDeposit(data []byte) (*event.EarnVaultDeposit, error) {
	var j earnVaultDepositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EarnVaultDeposit: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	return &event.EarnVaultDeposit{
		Instruction: instr,
		Asset:       state.AssetID(j.Asset),
		Amount:      j.Amount,
	}, nil
}

type earnVaultWithdrawJSON struct {
	instructionJSON
	Asset        uint16 `json:"asset_id"`
	Amount       uint64 `json:"amount"`
	MinAmountOut uint64 `json:"min_amount_out"`
}

func parseEarnVaultWithdraw(data []byte) (*event.EarnVaultWithdraw, error) {
	var j earnVaultWithdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EarnVaultWithdraw: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	return &event.EarnVaultWithdraw{
		Instruction:  instr,
		Asset:        state.AssetID(j.Asset),
		Amount:       j.Amount,
		MinAmountOut: j.MinAmountOut,
	}, nil
}

type earnVaultChangeOracleJSON struct {
	instructionJSON
	Asset uint16 `json:"asset_id"`
	Feed  string `json:"feed"`
}

func parseEarnVaultChangeOracle(data []byte) (*event.EarnVaultChangeOracle, error) {
	var j earnVaultChangeOracleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EarnVaultChangeOracle: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	feed, err := parseFeed(j.Feed)
	if err != nil {
		return nil, err
	}
	return &event.EarnVaultChangeOracle{
		Instruction: instr,
		Asset:       state.AssetID(j.Asset),
		Feed:        feed,
	}, nil
}

type earnInterestAccrueJSON struct {
	instructionJSON
	Asset            uint16 `json:"asset_id"`
	BorrowInterest   uint64 `json:"borrow_interest"`
	LeverageInterest uint64 `json:"leverage_interest"`
}

func parseEarnInterestAccrue(data []byte) (*event.EarnInterestAccrue, error) {
	var j earnInterestAccrueJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EarnInterestAccrue: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	return &event.EarnInterestAccrue{
		Instruction:      instr,
		Asset:            state.AssetID(j.Asset),
		BorrowInterest:   j.BorrowInterest,
		LeverageInterest: j.LeverageInterest,
	}, nil
}

type leverageVaultCreateJSON struct {
	instructionJSON
	Collateral         uint16 `json:"collateral_id"`
	Native             uint16 `json:"native_id"`
	CollateralDecimals int    `json:"collateral_decimals"`
	NativeDecimals     int    `json:"native_decimals"`
	CollateralFeed     string `json:"collateral_feed"`
	NativeFeed         string `json:"native_feed"`
}

func parseLeverageVaultCreate(data []byte) (*event.LeverageVaultCreate, error) {
	var j leverageVaultCreateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LeverageVaultCreate: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	collateralFeed, err := parseFeed(j.CollateralFeed)
	if err != nil {
		return nil, err
	}
	nativeFeed, err := parseFeed(j.NativeFeed)
	if err != nil {
		return nil, err
	}
	return &event.LeverageVaultCreate{
		Instruction:        instr,
		Collateral:         state.AssetID(j.Collateral),
		Native:             state.AssetID(j.Native),
		CollateralDecimals: j.CollateralDecimals,
		NativeDecimals:     j.NativeDecimals,
		CollateralFeed:     collateralFeed,
		NativeFeed:         nativeFeed,
	}, nil
}

type pairJSON struct {
	instructionJSON
	Collateral uint16 `json:"collateral_id"`
	Native     uint16 `json:"native_id"`
}

func parseLeverageVaultCreateLiquidity(data []byte) (*event.LeverageVaultCreateLiquidity, error) {
	var j pairJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LeverageVaultCreateLiquidity: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	return &event.LeverageVaultCreateLiquidity{
		Instruction: instr,
		Collateral:  state.AssetID(j.Collateral),
		Native:      state.AssetID(j.Native),
	}, nil
}

type leverageVaultChangeOracleJSON struct {
	instructionJSON
	Collateral     uint16 `json:"collateral_id"`
	Native         uint16 `json:"native_id"`
	CollateralFeed string `json:"collateral_feed"`
	NativeFeed     string `json:"native_feed"`
}

func parseLeverageVaultChangeOracle(data []byte) (*event.LeverageVaultChangeOracle, error) {
	var j leverageVaultChangeOracleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LeverageVaultChangeOracle: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	collateralFeed, err := parseFeed(j.CollateralFeed)
	if err != nil {
		return nil, err
	}
	nativeFeed, err := parseFeed(j.NativeFeed)
	if err != nil {
		return nil, err
	}
	return &event.LeverageVaultChangeOracle{
		Instruction:    instr,
		Collateral:     state.AssetID(j.Collateral),
		Native:         state.AssetID(j.Native),
		CollateralFeed: collateralFeed,
		NativeFeed:     nativeFeed,
	}, nil
}

type positionSettingsJSON struct {
	SafetyMode       bool   `json:"safety_mode"`
	EmergencyEject   bool   `json:"emergency_eject"`
	ProfitTaker      bool   `json:"profit_taker"`
	ProfitTargetRate uint64 `json:"profit_target_rate"`
	ProfitTakingRate uint64 `json:"profit_taking_rate"`
}

type leverageVaultFundJSON struct {
	instructionJSON
	Collateral uint16               `json:"collateral_id"`
	Native     uint16               `json:"native_id"`
	Settings   positionSettingsJSON `json:"settings"`
	Amount     uint64               `json:"amount"`
	Leverage   uint64               `json:"leverage"`
	SwapOutput uint64               `json:"swap_output"`
}

func parseLeverageVaultFund(data []byte) (*event.LeverageVaultFund, error) {
	var j leverageVaultFundJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LeverageVaultFund: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	return &event.LeverageVaultFund{
		Instruction: instr,
		Collateral:  state.AssetID(j.Collateral),
		Native:      state.AssetID(j.Native),
		Settings: state.PositionSettings{
			SafetyMode:       j.Settings.SafetyMode,
			EmergencyEject:   j.Settings.EmergencyEject,
			ProfitTaker:      j.Settings.ProfitTaker,
			ProfitTargetRate: j.Settings.ProfitTargetRate,
			ProfitTakingRate: j.Settings.ProfitTakingRate,
		},
		Amount:     j.Amount,
		Leverage:   j.Leverage,
		SwapOutput: j.SwapOutput,
	}, nil
}

// positionRefJSON identifies one slot of an obligation on the wire. Owner is
// omitted when the caller targets their own obligation.
type positionRefJSON struct {
	instructionJSON
	Collateral uint16 `json:"collateral_id"`
	Native     uint16 `json:"native_id"`
	Number     int    `json:"number"`
	Owner      string `json:"owner,omitempty"`
}

func (j positionRefJSON) parts() (event.Instruction, state.AssetID, state.AssetID, int, uuid.UUID, error) {
	instr, err := j.toInstruction()
	if err != nil {
		return event.Instruction{}, 0, 0, 0, uuid.Nil, err
	}
	owner := uuid.Nil
	if j.Owner != "" {
		owner, err = uuid.Parse(j.Owner)
		if err != nil {
			return event.Instruction{}, 0, 0, 0, uuid.Nil, fmt.Errorf("parse owner: %w", err)
		}
	}
	return instr, state.AssetID(j.Collateral), state.AssetID(j.Native), j.Number, owner, nil
}

// parsePositionLifecycle handles the close-pipeline instructions that carry
// nothing but a position reference.
func parsePositionLifecycle(data []byte, eventType string) (event.Event, error) {
	var j positionRefJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", eventType, err)
	}
	instr, collateral, native, number, owner, err := j.parts()
	if err != nil {
		return nil, err
	}

	switch eventType {
	case "LeverageVaultClose":
		e := &event.LeverageVaultClose{Instruction: instr}
		e.Collateral, e.Native, e.Number, e.Owner = collateral, native, number, owner
		return e, nil
	case "LeverageVaultRelease":
		e := &event.LeverageVaultRelease{Instruction: instr}
		e.Collateral, e.Native, e.Number, e.Owner = collateral, native, number, owner
		return e, nil
	case "LeverageVaultClosing":
		e := &event.LeverageVaultClosing{Instruction: instr}
		e.Collateral, e.Native, e.Number, e.Owner = collateral, native, number, owner
		return e, nil
	case "LeverageVaultLiquidate":
		e := &event.LeverageVaultLiquidate{Instruction: instr}
		e.Collateral, e.Native, e.Number, e.Owner = collateral, native, number, owner
		return e, nil
	case "LeverageVaultEject":
		e := &event.LeverageVaultEject{Instruction: instr}
		e.Collateral, e.Native, e.Number, e.Owner = collateral, native, number, owner
		return e, nil
	case "LeverageVaultConfiscate":
		e := &event.LeverageVaultConfiscate{Instruction: instr}
		e.Collateral, e.Native, e.Number, e.Owner = collateral, native, number, owner
		return e, nil
	default:
		return nil, fmt.Errorf("unknown lifecycle event type: %s", eventType)
	}
}

type leverageVaultRepayBorrowJSON struct {
	positionRefJSON
	Proceeds uint64 `json:"proceeds"`
}

func parseLeverageVaultRepayBorrow(data []byte) (*event.LeverageVaultRepayBorrow, error) {
	var j leverageVaultRepayBorrowJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LeverageVaultRepayBorrow: %w", err)
	}
	instr, collateral, native, number, owner, err := j.parts()
	if err != nil {
		return nil, err
	}
	e := &event.LeverageVaultRepayBorrow{Instruction: instr, Proceeds: j.Proceeds}
	e.Collateral, e.Native, e.Number, e.Owner = collateral, native, number, owner
	return e, nil
}

type setSafetyModeJSON struct {
	positionRefJSON
	Enabled bool `json:"enabled"`
}

func parseSetSafetyMode(data []byte) (*event.SetSafetyMode, error) {
	var j setSafetyModeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetSafetyMode: %w", err)
	}
	instr, collateral, native, number, owner, err := j.parts()
	if err != nil {
		return nil, err
	}
	e := &event.SetSafetyMode{Instruction: instr, Enabled: j.Enabled}
	e.Collateral, e.Native, e.Number, e.Owner = collateral, native, number, owner
	return e, nil
}

func parseSetEmergencyEject(data []byte) (*event.SetEmergencyEject, error) {
	var j setSafetyModeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetEmergencyEject: %w", err)
	}
	instr, collateral, native, number, owner, err := j.parts()
	if err != nil {
		return nil, err
	}
	e := &event.SetEmergencyEject{Instruction: instr, Enabled: j.Enabled}
	e.Collateral, e.Native, e.Number, e.Owner = collateral, native, number, owner
	return e, nil
}

type setProfitTakerJSON struct {
	positionRefJSON
	Enabled    bool   `json:"enabled"`
	TargetRate uint64 `json:"target_rate"`
	TakingRate uint64 `json:"taking_rate"`
}

func parseSetProfitTaker(data []byte) (*event.SetProfitTaker, error) {
	var j setProfitTakerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetProfitTaker: %w", err)
	}
	instr, collateral, native, number, owner, err := j.parts()
	if err != nil {
		return nil, err
	}
	e := &event.SetProfitTaker{
		Instruction: instr,
		Enabled:     j.Enabled,
		TargetRate:  j.TargetRate,
		TakingRate:  j.TakingRate,
	}
	e.Collateral, e.Native, e.Number, e.Owner = collateral, native, number, owner
	return e, nil
}

type oraclePriceUpdateJSON struct {
	instructionJSON
	Feed        string `json:"feed"`
	Price       uint64 `json:"price"`
	Expo        int    `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

func parseOraclePriceUpdate(data []byte) (*event.OraclePriceUpdate, error) {
	var j oraclePriceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OraclePriceUpdate: %w", err)
	}
	instr, err := j.toInstruction()
	if err != nil {
		return nil, err
	}
	feed, err := parseFeed(j.Feed)
	if err != nil {
		return nil, err
	}
	return &event.OraclePriceUpdate{
		Instruction: instr,
		Feed:        feed,
		Price:       j.Price,
		Expo:        j.Expo,
		PublishTime: j.PublishTime,
	}, nil
}
