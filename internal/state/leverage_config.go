package state

import (
	"github.com/google/uuid"

	vmath "VaultLedger/internal/math"
)

// LeverageConfig is the per-asset-pair policy for leveraged positions.
// Leverage values use the LeverageOne scale (1000 = 1.0x); rates use the
// percent scale; the health-factor thresholds use the LeverageOne scale
// (1000 = 1.0).
type LeverageConfig struct {
	Key        RecordKey
	Version    uint8
	Collateral AssetID
	Native     AssetID
	Frozen     bool

	LeverageFee         uint64
	DeleverageFee       uint64
	ClosingFee          uint64
	ProtocolFeeOnProfit uint64

	MinLeverage  uint64
	MaxLeverage  uint64
	LeverageStep uint64
	MinAmount    uint64 // per-position collateral limits
	MaxAmount    uint64

	LiquidationThreshold     uint64 // risk-adjusts collateral value in the health factor
	LiquidationFee           uint64
	LiquidationProtocolRatio uint64 // share of the liquidation fee sent to the protocol
	SlippageRate             uint64

	EmergencyEjectPeriod int64 // seconds a position may stay in-flight before forced unwind
	SaverThreshold       uint64
	SaverTargetReduction uint64

	Owner    uuid.UUID
	Keeper   uuid.UUID // may liquidate, eject and drive saver mode
	Indexer  uuid.UUID
	FeeVault uuid.UUID

	LastUpdated int64
}

type LeverageConfigParams struct {
	Frozen              bool
	LeverageFee         uint64
	DeleverageFee       uint64
	ClosingFee          uint64
	ProtocolFeeOnProfit uint64

	MinLeverage  uint64
	MaxLeverage  uint64
	LeverageStep uint64
	MinAmount    uint64
	MaxAmount    uint64

	LiquidationThreshold     uint64
	LiquidationFee           uint64
	LiquidationProtocolRatio uint64
	SlippageRate             uint64

	EmergencyEjectPeriod int64
	SaverThreshold       uint64
	SaverTargetReduction uint64
}

// DefaultLeverageConfigParams mirrors the shipped pair defaults: 1.1x-7x
// range in 0.1x steps, 1.05 saver threshold delevering by 0.5x, one-day
// emergency eject window.
func DefaultLeverageConfigParams() LeverageConfigParams {
	return LeverageConfigParams{
		MinLeverage:              1_100,
		MaxLeverage:              7_000,
		LeverageStep:             100,
		MinAmount:                1,
		MaxAmount:                1_000_000_000,
		LiquidationThreshold:     90_000,
		LiquidationFee:           1_000,
		LiquidationProtocolRatio: 50_000,
		SlippageRate:             500,
		EmergencyEjectPeriod:     86_400,
		SaverThreshold:           1_050,
		SaverTargetReduction:     500,
	}
}

func (p LeverageConfigParams) Validate() error {
	rates := []uint64{
		p.LeverageFee, p.DeleverageFee, p.ClosingFee, p.ProtocolFeeOnProfit,
		p.LiquidationThreshold, p.LiquidationFee, p.LiquidationProtocolRatio,
		p.SlippageRate,
	}
	for _, rate := range rates {
		if rate > vmath.PercentMax {
			return ErrInvalidParameter
		}
	}
	if p.MinLeverage <= vmath.LeverageOne || p.MaxLeverage < p.MinLeverage {
		return ErrInvalidParameter
	}
	if p.LeverageStep == 0 || p.SlippageRate == 0 {
		return ErrInvalidParameter
	}
	if p.MinAmount > p.MaxAmount {
		return ErrInvalidParameter
	}
	if p.EmergencyEjectPeriod <= 0 {
		return ErrInvalidParameter
	}
	if p.SaverThreshold == 0 {
		return ErrInvalidParameter
	}
	if p.SaverTargetReduction < p.LeverageStep || p.SaverTargetReduction%p.LeverageStep != 0 {
		return ErrInvalidParameter
	}
	return nil
}

func NewLeverageConfig(collateral, native AssetID, owner, keeper, indexer, feeVault uuid.UUID, params LeverageConfigParams, now int64) (*LeverageConfig, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	cfg := &LeverageConfig{
		Key:        LeverageConfigKey(collateral, native),
		Version:    1,
		Collateral: collateral,
		Native:     native,
		Owner:      owner,
		Keeper:     keeper,
		Indexer:    indexer,
		FeeVault:   feeVault,
	}
	cfg.apply(params, now)
	return cfg, nil
}

func (c *LeverageConfig) Set(caller uuid.UUID, params LeverageConfigParams, now int64) error {
	if caller != c.Owner {
		return ErrUnauthorized
	}
	if err := params.Validate(); err != nil {
		return err
	}
	c.apply(params, now)
	return nil
}

func (c *LeverageConfig) apply(params LeverageConfigParams, now int64) {
	c.Frozen = params.Frozen
	c.LeverageFee = params.LeverageFee
	c.DeleverageFee = params.DeleverageFee
	c.ClosingFee = params.ClosingFee
	c.ProtocolFeeOnProfit = params.ProtocolFeeOnProfit
	c.MinLeverage = params.MinLeverage
	c.MaxLeverage = params.MaxLeverage
	c.LeverageStep = params.LeverageStep
	c.MinAmount = params.MinAmount
	c.MaxAmount = params.MaxAmount
	c.LiquidationThreshold = params.LiquidationThreshold
	c.LiquidationFee = params.LiquidationFee
	c.LiquidationProtocolRatio = params.LiquidationProtocolRatio
	c.SlippageRate = params.SlippageRate
	c.EmergencyEjectPeriod = params.EmergencyEjectPeriod
	c.SaverThreshold = params.SaverThreshold
	c.SaverTargetReduction = params.SaverTargetReduction
	c.LastUpdated = now
}

func (c *LeverageConfig) ChangeKeeper(caller, keeper uuid.UUID, now int64) error {
	if caller != c.Owner {
		return ErrUnauthorized
	}
	c.Keeper = keeper
	c.LastUpdated = now
	return nil
}

func (c *LeverageConfig) ChangeIndexer(caller, indexer uuid.UUID, now int64) error {
	if caller != c.Owner {
		return ErrUnauthorized
	}
	c.Indexer = indexer
	c.LastUpdated = now
	return nil
}

// CheckLeverage validates a requested leverage ratio against the bounds.
func (c *LeverageConfig) CheckLeverage(leverage uint64) error {
	if leverage < c.MinLeverage || leverage > c.MaxLeverage {
		return ErrLeverageOutOfBounds
	}
	return nil
}

func (c *LeverageConfig) CheckFrozen() error {
	if c.Frozen {
		return ErrVaultFrozen
	}
	return nil
}
