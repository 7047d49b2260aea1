package state

import (
	vmath "VaultLedger/internal/math"
)

// HealthStatus classifies a funded position for the keeper.
type HealthStatus int

const (
	HealthOK HealthStatus = iota
	HealthSaver        // below saver threshold, delever instead of liquidating
	HealthLiquidatable // below 1.0, keeper may liquidate
)

func (s HealthStatus) String() string {
	switch s {
	case HealthOK:
		return "OK"
	case HealthSaver:
		return "SAVER"
	case HealthLiquidatable:
		return "LIQUIDATABLE"
	default:
		return "UNKNOWN"
	}
}

// HealthOne is a health factor of exactly 1.0 (LeverageOne scale).
const HealthOne = 1_000

// HealthCalculator computes position health factors from oracle prices.
// Health = risk-adjusted collateral value over debt value, scaled so
// HealthOne means 1.0; liquidation triggers strictly below that.
type HealthCalculator struct {
	oracle *OracleAdapter
}

func NewHealthCalculator(oracle *OracleAdapter) *HealthCalculator {
	return &HealthCalculator{oracle: oracle}
}

// HealthFactor values the position's collateral and debt through the
// vault's configured feeds. A position with no debt is always healthy.
func (h *HealthCalculator) HealthFactor(pos *Position, vault *LeverageVault, cfg *LeverageConfig, now int64) (uint64, error) {
	debt, err := pos.DebtAmount(vault.BorrowingIndex, vault.CollateralDecimals)
	if err != nil {
		return 0, err
	}
	if debt == 0 {
		return ^uint64(0), nil
	}

	collateral, err := pos.CollateralAmount(vault.Index, vault.NativeDecimals)
	if err != nil {
		return 0, err
	}

	nativePrice, err := h.oracle.Price(vault.NativeFeed, vault.NativeFeed, now)
	if err != nil {
		return 0, err
	}
	collateralPrice, err := h.oracle.Price(vault.CollateralFeed, vault.CollateralFeed, now)
	if err != nil {
		return 0, err
	}

	// collateral valued in the debt asset, floored
	collateralValue, err := vmath.ConvertByPrice(
		collateral, vault.NativeDecimals,
		nativePrice.Price, nativePrice.Expo,
		collateralPrice.Price, collateralPrice.Expo,
		vault.CollateralDecimals,
		vmath.RoundFloor,
	)
	if err != nil {
		return 0, err
	}

	adjusted, err := vmath.ApplyPercent(collateralValue, vault.CollateralDecimals, cfg.LiquidationThreshold, vmath.RoundFloor)
	if err != nil {
		return 0, err
	}

	// hf = adjusted/debt at the HealthOne scale
	return vmath.MulDiv(adjusted, HealthOne, debt)
}

// Assess maps a health factor to the keeper action class.
func (h *HealthCalculator) Assess(healthFactor uint64, cfg *LeverageConfig) HealthStatus {
	switch {
	case healthFactor < HealthOne:
		return HealthLiquidatable
	case healthFactor < cfg.SaverThreshold:
		return HealthSaver
	default:
		return HealthOK
	}
}

// CheckLiquidatable gates the Liquidate instruction: only a health factor
// strictly below 1.0 permits it.
func (h *HealthCalculator) CheckLiquidatable(pos *Position, vault *LeverageVault, cfg *LeverageConfig, now int64) error {
	hf, err := h.HealthFactor(pos, vault, cfg, now)
	if err != nil {
		return err
	}
	if hf >= HealthOne {
		return ErrInvalidPositionState
	}
	return nil
}

// EjectEligible reports whether the emergency-eject path is open: the
// position opted in and the configured period has elapsed since entry.
func EjectEligible(pos *Position, cfg *LeverageConfig, now int64) bool {
	if !pos.EmergencyEject || pos.Status != PositionFunded {
		return false
	}
	return now-pos.OpenedAt >= cfg.EmergencyEjectPeriod
}

// SaverTargetLeverage is the leverage a saver delever should aim for:
// current leverage reduced by the configured step-aligned reduction,
// floored at the configured minimum.
func SaverTargetLeverage(current uint64, cfg *LeverageConfig) uint64 {
	if current <= cfg.SaverTargetReduction {
		return cfg.MinLeverage
	}
	target := current - cfg.SaverTargetReduction
	if target < cfg.MinLeverage {
		return cfg.MinLeverage
	}
	return target
}
