package state_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	vmath "VaultLedger/internal/math"
	"VaultLedger/internal/state"
)

func newPairFixture(t *testing.T) (*state.LeverageVault, *state.LeverageConfig, *state.OracleAdapter, *state.HealthCalculator) {
	t.Helper()
	collateralFeed := state.PriceFeed{1}
	nativeFeed := state.PriceFeed{2}
	vault := state.NewLeverageVault(1, 2, 6, 9, collateralFeed, nativeFeed, 0)

	cfg, err := state.NewLeverageConfig(1, 2, uuid.New(), uuid.New(), uuid.New(), uuid.New(), state.DefaultLeverageConfigParams(), 0)
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	oracle := state.NewOracleAdapter(300)
	calc := state.NewHealthCalculator(oracle)
	return vault, cfg, oracle, calc
}

func setPrices(t *testing.T, oracle *state.OracleAdapter, vault *state.LeverageVault, collateralUSD, nativeUSD uint64, now int64) {
	t.Helper()
	if err := oracle.SetPrice(vault.CollateralFeed, state.OraclePrice{Price: collateralUSD, Expo: 8, PublishTime: now}); err != nil {
		t.Fatalf("set collateral price: %v", err)
	}
	if err := oracle.SetPrice(vault.NativeFeed, state.OraclePrice{Price: nativeUSD, Expo: 8, PublishTime: now}); err != nil {
		t.Fatalf("set native price: %v", err)
	}
}

// ====== Test: health factor thresholds ======

func TestHealthFactorAboveOneBlocksLiquidation(t *testing.T) {
	vault, cfg, oracle, calc := newPairFixture(t)
	now := int64(1_000)

	// 20 native units (9dp) collateral, 10 collateral units (6dp) debt,
	// both assets at $1: hf = 20*0.9/10 = 1.8
	pos := &state.Position{
		Status:            state.PositionFunded,
		Unit:              20_000_000, // 20.0 at UnitDecimals
		AvgIndex:          vmath.IndexScale,
		BorrowingUnit:     10_000_000,
		AvgBorrowingIndex: vmath.IndexScale,
	}
	setPrices(t, oracle, vault, 100_000_000, 100_000_000, now)

	hf, err := calc.HealthFactor(pos, vault, cfg, now)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if hf != 1_800 {
		t.Errorf("hf: got %d, want 1800", hf)
	}
	if got := calc.Assess(hf, cfg); got != state.HealthOK {
		t.Errorf("assess: got %s, want OK", got)
	}
	if err := calc.CheckLiquidatable(pos, vault, cfg, now); !errors.Is(err, state.ErrInvalidPositionState) {
		t.Errorf("liquidation above threshold: got %v, want ErrInvalidPositionState", err)
	}
}

func TestHealthFactorBelowOnePermitsLiquidation(t *testing.T) {
	vault, cfg, oracle, calc := newPairFixture(t)
	now := int64(1_000)

	// native price halves: hf = 20*0.5*0.9/10 = 0.9
	pos := &state.Position{
		Status:            state.PositionFunded,
		Unit:              20_000_000,
		AvgIndex:          vmath.IndexScale,
		BorrowingUnit:     10_000_000,
		AvgBorrowingIndex: vmath.IndexScale,
	}
	setPrices(t, oracle, vault, 100_000_000, 50_000_000, now)

	hf, err := calc.HealthFactor(pos, vault, cfg, now)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if hf != 900 {
		t.Errorf("hf: got %d, want 900", hf)
	}
	if got := calc.Assess(hf, cfg); got != state.HealthLiquidatable {
		t.Errorf("assess: got %s, want LIQUIDATABLE", got)
	}
	if err := calc.CheckLiquidatable(pos, vault, cfg, now); err != nil {
		t.Errorf("liquidation below threshold: %v", err)
	}
}

func TestSaverBandBetweenThresholds(t *testing.T) {
	_, cfg, _, calc := newPairFixture(t)

	// defaults: saver threshold 1050
	if got := calc.Assess(1_020, cfg); got != state.HealthSaver {
		t.Errorf("hf 1.02: got %s, want SAVER", got)
	}
	if got := calc.Assess(1_050, cfg); got != state.HealthOK {
		t.Errorf("hf 1.05: got %s, want OK", got)
	}
	if got := calc.Assess(999, cfg); got != state.HealthLiquidatable {
		t.Errorf("hf 0.999: got %s, want LIQUIDATABLE", got)
	}
}

func TestDebtFreePositionAlwaysHealthy(t *testing.T) {
	vault, cfg, oracle, calc := newPairFixture(t)
	now := int64(1_000)
	setPrices(t, oracle, vault, 100_000_000, 100_000_000, now)

	pos := &state.Position{Status: state.PositionFunded, Unit: 1_000_000, AvgIndex: vmath.IndexScale}
	hf, err := calc.HealthFactor(pos, vault, cfg, now)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if hf != ^uint64(0) {
		t.Errorf("hf: got %d, want max", hf)
	}
}

// ====== Test: stale and mismatched oracle prices ======

func TestStalePriceRejected(t *testing.T) {
	vault, cfg, oracle, calc := newPairFixture(t)
	setPrices(t, oracle, vault, 100_000_000, 100_000_000, 1_000)

	pos := &state.Position{
		Status:            state.PositionFunded,
		Unit:              1_000_000,
		AvgIndex:          vmath.IndexScale,
		BorrowingUnit:     1_000_000,
		AvgBorrowingIndex: vmath.IndexScale,
	}
	_, err := calc.HealthFactor(pos, vault, cfg, 2_000)
	if !errors.Is(err, state.ErrInvalidParameter) {
		t.Errorf("stale price: got %v, want ErrInvalidParameter", err)
	}
}

func TestFeedMismatchRejected(t *testing.T) {
	oracle := state.NewOracleAdapter(300)
	if err := oracle.SetPrice(state.PriceFeed{9}, state.OraclePrice{Price: 1, Expo: 8, PublishTime: 10}); err != nil {
		t.Fatalf("set price: %v", err)
	}
	_, err := oracle.Price(state.PriceFeed{1}, state.PriceFeed{9}, 10)
	if !errors.Is(err, state.ErrInvalidParameter) {
		t.Errorf("mismatch: got %v, want ErrInvalidParameter", err)
	}
}

// ====== Test: emergency eject window ======

func TestEjectEligibility(t *testing.T) {
	_, cfg, _, _ := newPairFixture(t)

	pos := &state.Position{Status: state.PositionFunded, EmergencyEject: true, OpenedAt: 1_000}
	if state.EjectEligible(pos, cfg, 1_000+cfg.EmergencyEjectPeriod-1) {
		t.Errorf("eligible before the period elapsed")
	}
	if !state.EjectEligible(pos, cfg, 1_000+cfg.EmergencyEjectPeriod) {
		t.Errorf("not eligible after the period elapsed")
	}

	pos.EmergencyEject = false
	if state.EjectEligible(pos, cfg, 1_000+cfg.EmergencyEjectPeriod) {
		t.Errorf("eligible without opting in")
	}
}

// ====== Test: saver delever target ======

func TestSaverTargetLeverage(t *testing.T) {
	_, cfg, _, _ := newPairFixture(t)

	// defaults: reduction 500, min 1100
	if got := state.SaverTargetLeverage(3_000, cfg); got != 2_500 {
		t.Errorf("3.0x: got %d, want 2500", got)
	}
	if got := state.SaverTargetLeverage(1_400, cfg); got != cfg.MinLeverage {
		t.Errorf("1.4x: got %d, want floor %d", got, cfg.MinLeverage)
	}
	if got := state.SaverTargetLeverage(400, cfg); got != cfg.MinLeverage {
		t.Errorf("0.4x: got %d, want floor %d", got, cfg.MinLeverage)
	}
}
