package core

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	vmath "VaultLedger/internal/math"
	"VaultLedger/internal/state"
)

// dispatchEvent routes an instruction to its handler. Handlers stage all
// record mutations on copies and commit only after every check passed, so
// a rejected instruction leaves no partial state behind.
func (c *DeterministicCore) dispatchEvent(evt event.Event) ([]*ledger.Batch, error) {
	switch e := evt.(type) {
	case *event.ProtocolCreate:
		return c.handleProtocolCreate(e)
	case *event.ProtocolSet:
		return c.handleProtocolSet(e)
	case *event.ProtocolChangeOwner:
		return c.handleProtocolChangeOwner(e)
	case *event.EarnConfigCreate:
		return c.handleEarnConfigCreate(e)
	case *event.EarnConfigSet:
		return c.handleEarnConfigSet(e)
	case *event.EarnConfigChangeIndexer:
		return c.handleEarnConfigChangeIndexer(e)
	case *event.LeverageConfigCreate:
		return c.handleLeverageConfigCreate(e)
	case *event.LeverageConfigSet:
		return c.handleLeverageConfigSet(e)
	case *event.LeverageConfigChangeKeeper:
		return c.handleLeverageConfigChangeKeeper(e)
	case *event.LeverageConfigChangeIndexer:
		return c.handleLeverageConfigChangeIndexer(e)
	case *event.EarnVaultCreate:
		return c.handleEarnVaultCreate(e)
	case *event.EarnVaultDeposit:
		return c.handleEarnVaultDeposit(e)
	case *event.EarnVaultWithdraw:
		return c.handleEarnVaultWithdraw(e)
	case *event.EarnVaultChangeOracle:
		return c.handleEarnVaultChangeOracle(e)
	case *event.EarnInterestAccrue:
		return c.handleEarnInterestAccrue(e)
	case *event.OraclePriceUpdate:
		return c.handleOraclePriceUpdate(e)
	case *event.LeverageVaultCreate:
		return c.handleLeverageVaultCreate(e)
	case *event.LeverageVaultCreateLiquidity:
		return c.handleLeverageVaultCreateLiquidity(e)
	case *event.LeverageVaultChangeOracle:
		return c.handleLeverageVaultChangeOracle(e)
	case *event.LeverageVaultFund:
		return c.handleLeverageVaultFund(e)
	case *event.LeverageVaultClose:
		return c.handleLeverageVaultClose(e)
	case *event.LeverageVaultRelease:
		return c.handleLeverageVaultRelease(e)
	case *event.LeverageVaultRepayBorrow:
		return c.handleLeverageVaultRepayBorrow(e)
	case *event.LeverageVaultClosing:
		return c.handleLeverageVaultClosing(e)
	case *event.LeverageVaultLiquidate:
		return c.handleLeverageVaultLiquidate(e)
	case *event.LeverageVaultEject:
		return c.handleLeverageVaultEject(e)
	case *event.LeverageVaultConfiscate:
		return c.handleLeverageVaultConfiscate(e)
	case *event.SetSafetyMode:
		return c.handleSetSafetyMode(e)
	case *event.SetEmergencyEject:
		return c.handleSetEmergencyEject(e)
	case *event.SetProfitTaker:
		return c.handleSetProfitTaker(e)
	default:
		return nil, fmt.Errorf("unknown event type: %s", evt.EventType())
	}
}

// ownerOf resolves a position reference's owner: zero means the caller
// targets their own obligation.
func ownerOf(refOwner, caller uuid.UUID) uuid.UUID {
	if refOwner == uuid.Nil {
		return caller
	}
	return refOwner
}

// resolveOwner additionally enforces that only the pair's keeper may act
// on another user's obligation.
func resolveOwner(caller, refOwner uuid.UUID, cfg *state.LeverageConfig) (uuid.UUID, error) {
	owner := ownerOf(refOwner, caller)
	if owner != caller && caller != cfg.Keeper {
		return uuid.Nil, state.ErrUnauthorized
	}
	return owner, nil
}

func pairLabel(collateral, native state.AssetID) string {
	return fmt.Sprintf("%s/%s", ledger.AssetName(collateral), ledger.AssetName(native))
}

// --- Protocol & Config ---

func (c *DeterministicCore) handleProtocolCreate(e *event.ProtocolCreate) ([]*ledger.Batch, error) {
	p := state.NewProtocol(e.Caller, e.Owner, e.Flags, e.EventTime())
	if err := c.store.CreateProtocol(p); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleProtocolSet(e *event.ProtocolSet) ([]*ledger.Batch, error) {
	p, err := c.store.Protocol()
	if err != nil {
		return nil, err
	}
	return nil, p.Set(e.Caller, e.Flags, e.EventTime())
}

func (c *DeterministicCore) handleProtocolChangeOwner(e *event.ProtocolChangeOwner) ([]*ledger.Batch, error) {
	p, err := c.store.Protocol()
	if err != nil {
		return nil, err
	}
	return nil, p.ChangeOwner(e.Caller, e.Owner, e.EventTime())
}

func (c *DeterministicCore) handleEarnConfigCreate(e *event.EarnConfigCreate) ([]*ledger.Batch, error) {
	p, err := c.store.Protocol()
	if err != nil {
		return nil, err
	}
	if e.Caller != p.Owner {
		return nil, state.ErrUnauthorized
	}
	cfg, err := state.NewEarnConfig(e.Asset, e.Caller, e.Indexer, e.FeeVault, e.Params, e.EventTime())
	if err != nil {
		return nil, err
	}
	return nil, c.store.CreateEarnConfig(cfg)
}

func (c *DeterministicCore) handleEarnConfigSet(e *event.EarnConfigSet) ([]*ledger.Batch, error) {
	cfg, err := c.store.EarnConfig(e.Asset)
	if err != nil {
		return nil, err
	}
	return nil, cfg.Set(e.Caller, e.Params, e.EventTime())
}

func (c *DeterministicCore) handleEarnConfigChangeIndexer(e *event.EarnConfigChangeIndexer) ([]*ledger.Batch, error) {
	cfg, err := c.store.EarnConfig(e.Asset)
	if err != nil {
		return nil, err
	}
	return nil, cfg.ChangeIndexer(e.Caller, e.Indexer, e.EventTime())
}

func (c *DeterministicCore) handleLeverageConfigCreate(e *event.LeverageConfigCreate) ([]*ledger.Batch, error) {
	p, err := c.store.Protocol()
	if err != nil {
		return nil, err
	}
	if e.Caller != p.Owner {
		return nil, state.ErrUnauthorized
	}
	cfg, err := state.NewLeverageConfig(e.Collateral, e.Native, e.Caller, e.Keeper, e.Indexer, e.FeeVault, e.Params, e.EventTime())
	if err != nil {
		return nil, err
	}
	return nil, c.store.CreateLeverageConfig(cfg)
}

func (c *DeterministicCore) handleLeverageConfigSet(e *event.LeverageConfigSet) ([]*ledger.Batch, error) {
	cfg, err := c.store.LeverageConfig(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	return nil, cfg.Set(e.Caller, e.Params, e.EventTime())
}

func (c *DeterministicCore) handleLeverageConfigChangeKeeper(e *event.LeverageConfigChangeKeeper) ([]*ledger.Batch, error) {
	cfg, err := c.store.LeverageConfig(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	return nil, cfg.ChangeKeeper(e.Caller, e.Keeper, e.EventTime())
}

func (c *DeterministicCore) handleLeverageConfigChangeIndexer(e *event.LeverageConfigChangeIndexer) ([]*ledger.Batch, error) {
	cfg, err := c.store.LeverageConfig(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	return nil, cfg.ChangeIndexer(e.Caller, e.Indexer, e.EventTime())
}

// --- Earn Vault ---

func (c *DeterministicCore) handleEarnVaultCreate(e *event.EarnVaultCreate) ([]*ledger.Batch, error) {
	cfg, err := c.store.EarnConfig(e.Asset)
	if err != nil {
		return nil, err
	}
	if e.Caller != cfg.Owner {
		return nil, state.ErrUnauthorized
	}
	v := state.NewEarnVault(e.Asset, e.TokenDecimals, e.OracleFeed, e.EventTime())
	return nil, c.store.CreateEarnVault(v)
}

func (c *DeterministicCore) handleEarnVaultChangeOracle(e *event.EarnVaultChangeOracle) ([]*ledger.Batch, error) {
	cfg, err := c.store.EarnConfig(e.Asset)
	if err != nil {
		return nil, err
	}
	if e.Caller != cfg.Owner {
		return nil, state.ErrUnauthorized
	}
	v, err := c.store.EarnVault(e.Asset)
	if err != nil {
		return nil, err
	}
	v.OracleFeed = e.Feed
	return nil, nil
}

func (c *DeterministicCore) handleEarnVaultDeposit(e *event.EarnVaultDeposit) ([]*ledger.Batch, error) {
	p, err := c.store.Protocol()
	if err != nil {
		return nil, err
	}
	if err := p.CheckEarn(); err != nil {
		return nil, err
	}
	cfg, err := c.store.EarnConfig(e.Asset)
	if err != nil {
		return nil, err
	}
	if err := cfg.CheckFrozen(); err != nil {
		return nil, err
	}
	if e.Amount < cfg.MinDeposit || e.Amount > cfg.MaxDeposit {
		return nil, state.ErrLimitExceeded
	}
	vault, err := c.store.EarnVault(e.Asset)
	if err != nil {
		return nil, err
	}

	now := e.EventTime()
	staged := *vault
	if err := staged.AccrueIndex(c.accrual, now); err != nil {
		return nil, err
	}

	fee, err := vmath.ApplyPercent(e.Amount, staged.TokenDecimals, cfg.DepositFee, vmath.RoundCeil)
	if err != nil {
		return nil, err
	}
	net, err := vmath.CheckedSub(e.Amount, fee)
	if err != nil || net == 0 {
		return nil, state.ErrInvalidParameter
	}

	if _, err := staged.Deposit(net); err != nil {
		return nil, err
	}

	lender := c.store.LenderOrNew(e.Asset, e.Caller, staged.TokenDecimals, now)
	stagedLender := *lender
	if _, err := stagedLender.Deposit(staged.Index, net, now); err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateDeposit(e.IdempotencyKey(), e.Asset, int64(e.Amount), int64(fee), now)
	if err != nil {
		return nil, err
	}

	*vault = staged
	*lender = stagedLender

	if c.metrics != nil {
		asset := ledger.AssetName(e.Asset)
		c.metrics.EarnDeposits.WithLabelValues(asset).Inc()
		c.metrics.EarnVaultIndex.WithLabelValues(asset).Set(float64(vault.Index))
		c.metrics.EarnPoolLiquidity.WithLabelValues(asset).Set(float64(vault.AvailableLiquidity()))
	}
	return []*ledger.Batch{batch}, nil
}

func (c *DeterministicCore) handleEarnVaultWithdraw(e *event.EarnVaultWithdraw) ([]*ledger.Batch, error) {
	p, err := c.store.Protocol()
	if err != nil {
		return nil, err
	}
	if err := p.CheckEarn(); err != nil {
		return nil, err
	}
	cfg, err := c.store.EarnConfig(e.Asset)
	if err != nil {
		return nil, err
	}
	if err := cfg.CheckFrozen(); err != nil {
		return nil, err
	}
	if e.Amount < cfg.MinWithdraw || e.Amount > cfg.MaxWithdraw {
		return nil, state.ErrLimitExceeded
	}
	vault, err := c.store.EarnVault(e.Asset)
	if err != nil {
		return nil, err
	}
	lender, err := c.store.Lender(e.Asset, e.Caller)
	if err != nil {
		return nil, err
	}

	now := e.EventTime()
	staged := *vault
	if err := staged.AccrueIndex(c.accrual, now); err != nil {
		return nil, err
	}
	if e.Amount > staged.AvailableLiquidity() {
		return nil, state.ErrInsufficientLiquidity
	}

	fee, err := vmath.ApplyPercent(e.Amount, staged.TokenDecimals, cfg.WithdrawFee, vmath.RoundCeil)
	if err != nil {
		return nil, err
	}
	payout, err := vmath.CheckedSub(e.Amount, fee)
	if err != nil {
		return nil, state.ErrInvalidParameter
	}
	if payout == 0 {
		return nil, state.ErrInvalidParameter
	}
	if payout < e.MinAmountOut {
		return nil, state.ErrSlippageExceeded
	}

	stagedLender := *lender
	if _, err := stagedLender.Withdraw(staged.Index, e.Amount, now); err != nil {
		return nil, err
	}
	if _, err := staged.Withdraw(e.Amount); err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateWithdraw(e.IdempotencyKey(), e.Asset, int64(payout), int64(fee), now)
	if err != nil {
		return nil, err
	}

	*vault = staged
	*lender = stagedLender

	if c.metrics != nil {
		asset := ledger.AssetName(e.Asset)
		c.metrics.EarnWithdrawals.WithLabelValues(asset).Inc()
		c.metrics.EarnPoolLiquidity.WithLabelValues(asset).Set(float64(vault.AvailableLiquidity()))
	}
	return []*ledger.Batch{batch}, nil
}

// handleEarnInterestAccrue credits pushed interest as a receivable: the
// vault's fund total and outstanding borrows grow together, so available
// liquidity is unchanged and no cash journal is emitted. The cash arrives
// later through repayments at the grown borrowing index.
func (c *DeterministicCore) handleEarnInterestAccrue(e *event.EarnInterestAccrue) ([]*ledger.Batch, error) {
	cfg, err := c.store.EarnConfig(e.Asset)
	if err != nil {
		return nil, err
	}
	if e.Caller != cfg.Indexer {
		return nil, state.ErrUnauthorized
	}
	if err := cfg.CheckFrozen(); err != nil {
		return nil, err
	}
	total, err := vmath.CheckedAdd(e.BorrowInterest, e.LeverageInterest)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, state.ErrInvalidParameter
	}
	vault, err := c.store.EarnVault(e.Asset)
	if err != nil {
		return nil, err
	}

	now := e.EventTime()
	staged := *vault
	if e.BorrowInterest > 0 {
		if err := staged.ApplyBorrowInterest(e.BorrowInterest, now); err != nil {
			return nil, err
		}
	}
	if e.LeverageInterest > 0 {
		if err := staged.ApplyLeverageInterest(e.LeverageInterest, now); err != nil {
			return nil, err
		}
	}

	// Leverage interest accretes onto the pair vaults borrowing this asset,
	// split proportionally by outstanding debt; the last vault takes the
	// rounding remainder.
	type stagedPair struct {
		target *state.LeverageVault
		copy   state.LeverageVault
		debt   uint64
	}
	var pairs []stagedPair
	if e.LeverageInterest > 0 {
		var totalDebt uint64
		for _, lv := range c.store.SortedLeverageVaults() {
			if lv.BorrowAsset != e.Asset || lv.BorrowingUnitSupply == 0 {
				continue
			}
			debt, err := vmath.ToAmount(lv.BorrowingUnitSupply, lv.CollateralDecimals, lv.BorrowingIndex, vmath.RoundCeil)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, stagedPair{target: lv, copy: *lv, debt: debt})
			if totalDebt, err = vmath.CheckedAdd(totalDebt, debt); err != nil {
				return nil, err
			}
		}
		if len(pairs) == 0 {
			return nil, state.ErrInvalidParameter
		}
		remaining := e.LeverageInterest
		for i := range pairs {
			share := remaining
			if i < len(pairs)-1 {
				share, err = vmath.MulDiv(e.LeverageInterest, pairs[i].debt, totalDebt)
				if err != nil {
					return nil, err
				}
				if share > remaining {
					share = remaining
				}
			}
			if err := pairs[i].copy.ApplyLeverageInterest(share, now); err != nil {
				return nil, err
			}
			remaining -= share
		}
	}

	*vault = staged
	for i := range pairs {
		*pairs[i].target = pairs[i].copy
	}

	if c.metrics != nil {
		asset := ledger.AssetName(e.Asset)
		if e.BorrowInterest > 0 {
			c.metrics.EarnInterestAccrued.WithLabelValues(asset, "borrow").Add(float64(e.BorrowInterest))
		}
		if e.LeverageInterest > 0 {
			c.metrics.EarnInterestAccrued.WithLabelValues(asset, "leverage").Add(float64(e.LeverageInterest))
		}
		c.metrics.EarnVaultIndex.WithLabelValues(asset).Set(float64(vault.Index))
	}
	return nil, nil
}

// --- Oracle ---

func (c *DeterministicCore) handleOraclePriceUpdate(e *event.OraclePriceUpdate) ([]*ledger.Batch, error) {
	err := c.oracle.SetPrice(e.Feed, state.OraclePrice{
		Price:       e.Price,
		Expo:        e.Expo,
		PublishTime: e.PublishTime,
	})
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.OraclePriceUpdates.WithLabelValues(feedLabel(e.Feed)).Inc()
	}
	return nil, nil
}

func (c *DeterministicCore) readPrice(feed state.PriceFeed, now int64) (state.OraclePrice, error) {
	price, err := c.oracle.Price(feed, feed, now)
	if err != nil && c.metrics != nil {
		c.metrics.OracleStaleReads.WithLabelValues(feedLabel(feed)).Inc()
	}
	return price, err
}

// --- Leverage Vault ---

func (c *DeterministicCore) handleLeverageVaultCreate(e *event.LeverageVaultCreate) ([]*ledger.Batch, error) {
	cfg, err := c.store.LeverageConfig(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	if e.Caller != cfg.Owner {
		return nil, state.ErrUnauthorized
	}
	// The borrow leg draws from the collateral asset's earn vault, which
	// must exist first.
	if _, err := c.store.EarnVault(e.Collateral); err != nil {
		return nil, err
	}
	now := e.EventTime()
	v := state.NewLeverageVault(e.Collateral, e.Native, e.CollateralDecimals, e.NativeDecimals, e.CollateralFeed, e.NativeFeed, now)
	if err := c.store.CreateLeverageVault(v); err != nil {
		return nil, err
	}
	c.store.StatsOrNew(e.Collateral, e.Native, now)
	return nil, nil
}

func (c *DeterministicCore) handleLeverageVaultCreateLiquidity(e *event.LeverageVaultCreateLiquidity) ([]*ledger.Batch, error) {
	cfg, err := c.store.LeverageConfig(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	if e.Caller != cfg.Owner {
		return nil, state.ErrUnauthorized
	}
	lv, err := c.store.LeverageVault(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	// Journal accounts materialize lazily on first use; provisioning only
	// stamps the vault.
	lv.LastUpdated = e.EventTime()
	return nil, nil
}

func (c *DeterministicCore) handleLeverageVaultChangeOracle(e *event.LeverageVaultChangeOracle) ([]*ledger.Batch, error) {
	cfg, err := c.store.LeverageConfig(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	if e.Caller != cfg.Owner {
		return nil, state.ErrUnauthorized
	}
	lv, err := c.store.LeverageVault(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	lv.ChangePriceOracle(e.CollateralFeed, e.NativeFeed, e.EventTime())
	return nil, nil
}

// handleLeverageVaultFund runs the whole open pipeline atomically: fund,
// borrow, take, lever and entry confirmation all succeed or the slot is
// untouched.
func (c *DeterministicCore) handleLeverageVaultFund(e *event.LeverageVaultFund) ([]*ledger.Batch, error) {
	p, err := c.store.Protocol()
	if err != nil {
		return nil, err
	}
	if err := p.CheckLeverage(); err != nil {
		return nil, err
	}
	cfg, err := c.store.LeverageConfig(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	if err := cfg.CheckFrozen(); err != nil {
		return nil, err
	}
	if err := cfg.CheckLeverage(e.Leverage); err != nil {
		return nil, err
	}
	if (e.Leverage-cfg.MinLeverage)%cfg.LeverageStep != 0 {
		return nil, state.ErrInvalidParameter
	}
	if e.Amount < cfg.MinAmount || e.Amount > cfg.MaxAmount {
		return nil, state.ErrLimitExceeded
	}
	if e.SwapOutput == 0 {
		return nil, state.ErrInvalidParameter
	}
	ecfg, err := c.store.EarnConfig(e.Collateral)
	if err != nil {
		return nil, err
	}
	if err := ecfg.CheckFrozen(); err != nil {
		return nil, err
	}
	lv, err := c.store.LeverageVault(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	evault, err := c.store.EarnVault(e.Collateral)
	if err != nil {
		return nil, err
	}

	// A first-time owner gets a detached obligation that is only inserted
	// once the whole pipeline has succeeded. A rejected fund must not leave
	// an empty record in the state digest.
	now := e.EventTime()
	obligation, err := c.store.Obligation(e.Collateral, e.Native, e.Caller)
	isNew := err != nil
	if isNew {
		obligation = state.NewObligation(e.Collateral, e.Native, e.Caller, now)
	}
	wasEmpty := obligation.IsEmpty()
	slot, _, err := obligation.FreeSlot()
	if err != nil {
		return nil, err
	}

	pos := *slot
	lvStaged := *lv
	evStaged := *evault
	if err := evStaged.AccrueIndex(c.accrual, now); err != nil {
		return nil, err
	}

	fee, err := vmath.ApplyPercent(e.Amount, lv.CollateralDecimals, cfg.LeverageFee, vmath.RoundCeil)
	if err != nil {
		return nil, err
	}
	if err := pos.Fund(obligation.NextPositionID, e.Settings, e.Amount, fee, e.Leverage, now); err != nil {
		return nil, err
	}

	// gross borrow = net collateral * (leverage - 1.0)
	net := e.Amount - fee
	borrowGross, err := vmath.MulDiv(net, e.Leverage-vmath.LeverageOne, vmath.LeverageOne)
	if err != nil {
		return nil, err
	}
	if borrowGross > ecfg.MaxBorrow {
		return nil, state.ErrLimitExceeded
	}
	headroom, err := evStaged.BorrowAvailable(ecfg.LTV)
	if err != nil {
		return nil, err
	}
	if borrowGross > headroom {
		return nil, state.ErrLimitExceeded
	}
	if borrowGross > evStaged.AvailableLiquidity() {
		return nil, state.ErrInsufficientLiquidity
	}
	borrowFee, err := vmath.ApplyPercent(borrowGross, lv.CollateralDecimals, ecfg.BorrowFee, vmath.RoundCeil)
	if err != nil {
		return nil, err
	}
	if err := evStaged.Lever(borrowGross); err != nil {
		return nil, err
	}

	// Debt units round up: the position owes the pool, never the reverse.
	debtUnits, err := vmath.ToUnits(borrowGross, lv.CollateralDecimals, lvStaged.BorrowingIndex, vmath.RoundCeil)
	if err != nil {
		return nil, err
	}
	if err := pos.BorrowFund(borrowGross, borrowFee, debtUnits, lvStaged.BorrowingIndex, now); err != nil {
		return nil, err
	}
	if err := pos.TakeFund(now); err != nil {
		return nil, err
	}
	leveraged := pos.Pending.LeveragedAmount

	cp, err := c.readPrice(lv.CollateralFeed, now)
	if err != nil {
		return nil, err
	}
	np, err := c.readPrice(lv.NativeFeed, now)
	if err != nil {
		return nil, err
	}
	expected, err := vmath.ConvertByPrice(
		leveraged, lv.CollateralDecimals,
		cp.Price, cp.Expo,
		np.Price, np.Expo,
		lv.NativeDecimals,
		vmath.RoundFloor,
	)
	if err != nil {
		return nil, err
	}
	minOut, err := vmath.MinOutput(expected, lv.NativeDecimals, cfg.SlippageRate)
	if err != nil {
		return nil, err
	}
	if err := pos.Lever(minOut, now); err != nil {
		return nil, err
	}

	nativeUnits, err := vmath.ToUnits(e.SwapOutput, lv.NativeDecimals, lvStaged.Index, vmath.RoundFloor)
	if err != nil {
		return nil, err
	}
	if nativeUnits == 0 {
		return nil, state.ErrInvalidParameter
	}
	ratio, err := vmath.Div(vmath.IndexDecimals, e.SwapOutput, lv.NativeDecimals, leveraged, lv.CollateralDecimals, vmath.RoundFloor)
	if err != nil {
		return nil, err
	}
	if err := pos.ConfirmEntry(e.SwapOutput, nativeUnits, lvStaged.Index, ratio, now); err != nil {
		if errors.Is(err, state.ErrSlippageExceeded) && c.metrics != nil {
			c.metrics.SlippageRejections.WithLabelValues(pairLabel(e.Collateral, e.Native)).Inc()
		}
		return nil, err
	}
	if err := lvStaged.MintCollateral(nativeUnits, now); err != nil {
		return nil, err
	}
	if err := lvStaged.MintBorrow(debtUnits, now); err != nil {
		return nil, err
	}

	fundBatch, err := c.journalGen.GeneratePositionFund(e.IdempotencyKey(), e.Caller, e.Collateral, ledger.PositionFundFlows{
		FundAmount:   int64(e.Amount),
		LeverageFee:  int64(fee),
		BorrowAmount: int64(borrowGross),
		BorrowFee:    int64(borrowFee),
		SwapOut:      int64(leveraged),
	}, now)
	if err != nil {
		return nil, err
	}
	entryBatch, err := c.journalGen.GeneratePositionEntry(e.IdempotencyKey(), e.Caller, e.Native, int64(e.SwapOutput), now)
	if err != nil {
		return nil, err
	}

	if isNew {
		if err := c.store.CreateObligation(obligation); err != nil {
			return nil, err
		}
	}
	*slot = pos
	*lv = lvStaged
	*evault = evStaged
	obligation.GenerateID()
	obligation.LastUpdated = now
	if wasEmpty {
		c.store.StatsOrNew(e.Collateral, e.Native, now).AddUser(now)
	}

	if c.metrics != nil {
		pair := pairLabel(e.Collateral, e.Native)
		c.metrics.PositionsOpened.WithLabelValues(pair).Inc()
		c.metrics.ActivePositions.WithLabelValues(pair).Inc()
		c.metrics.EarnPoolLiquidity.WithLabelValues(ledger.AssetName(e.Collateral)).Set(float64(evault.AvailableLiquidity()))
	}
	return []*ledger.Batch{fundBatch, entryBatch}, nil
}

// --- Unwind pipeline ---

type unwindPlan struct {
	releaseAmount    uint64
	releaseUnit      uint64
	releaseMinOutput uint64
	repayAmount      uint64
	collateralPrice  state.OraclePrice
	nativePrice      state.OraclePrice
}

// computeUnwind values a full unwind of the position at current prices:
// all held units released, debt due at the current borrowing index, and
// the slippage bound the unwind swap must clear.
func (c *DeterministicCore) computeUnwind(pos *state.Position, lv *state.LeverageVault, cfg *state.LeverageConfig, now int64) (unwindPlan, error) {
	var plan unwindPlan

	cp, err := c.readPrice(lv.CollateralFeed, now)
	if err != nil {
		return plan, err
	}
	np, err := c.readPrice(lv.NativeFeed, now)
	if err != nil {
		return plan, err
	}

	releaseAmount, err := pos.CollateralAmount(lv.Index, lv.NativeDecimals)
	if err != nil {
		return plan, err
	}
	repay, err := pos.DebtAmount(lv.BorrowingIndex, lv.CollateralDecimals)
	if err != nil {
		return plan, err
	}
	expected, err := vmath.ConvertByPrice(
		releaseAmount, lv.NativeDecimals,
		np.Price, np.Expo,
		cp.Price, cp.Expo,
		lv.CollateralDecimals,
		vmath.RoundFloor,
	)
	if err != nil {
		return plan, err
	}
	minOut, err := vmath.MinOutput(expected, lv.CollateralDecimals, cfg.SlippageRate)
	if err != nil {
		return plan, err
	}

	plan = unwindPlan{
		releaseAmount:    releaseAmount,
		releaseUnit:      pos.Unit,
		releaseMinOutput: minOut,
		repayAmount:      repay,
		collateralPrice:  cp,
		nativePrice:      np,
	}
	return plan, nil
}

func (c *DeterministicCore) handleLeverageVaultClose(e *event.LeverageVaultClose) ([]*ledger.Batch, error) {
	cfg, err := c.store.LeverageConfig(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	owner, err := resolveOwner(e.Caller, e.Owner, cfg)
	if err != nil {
		return nil, err
	}
	obligation, err := c.store.Obligation(e.Collateral, e.Native, owner)
	if err != nil {
		return nil, err
	}
	slot, err := obligation.PositionAt(e.Number)
	if err != nil {
		return nil, err
	}
	lv, err := c.store.LeverageVault(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}

	now := e.EventTime()
	pos := *slot

	action := state.ActionClose
	if owner != e.Caller {
		// Keeper-driven close: take profit on a healthy opted-in position,
		// or delever one under the saver threshold. Liquidatable positions
		// go through Liquidate instead.
		hf, err := c.health.HealthFactor(&pos, lv, cfg, now)
		if err != nil {
			return nil, err
		}
		switch c.health.Assess(hf, cfg) {
		case state.HealthSaver:
			if !pos.SafetyMode {
				return nil, state.ErrInvalidPositionState
			}
			action = state.ActionSaver
		case state.HealthOK:
			if !pos.ProfitTaker {
				return nil, state.ErrInvalidPositionState
			}
			action = state.ActionTakeProfit
		default:
			return nil, state.ErrInvalidPositionState
		}
	}

	plan, err := c.computeUnwind(&pos, lv, cfg, now)
	if err != nil {
		return nil, err
	}
	if err := pos.BeginUnwind(action, plan.releaseAmount, plan.releaseUnit, plan.releaseMinOutput, plan.repayAmount, plan.collateralPrice, plan.nativePrice, now); err != nil {
		return nil, err
	}

	*slot = pos
	obligation.LastUpdated = now
	return nil, nil
}

func (c *DeterministicCore) handleLeverageVaultRelease(e *event.LeverageVaultRelease) ([]*ledger.Batch, error) {
	cfg, err := c.store.LeverageConfig(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	owner, err := resolveOwner(e.Caller, e.Owner, cfg)
	if err != nil {
		return nil, err
	}
	obligation, err := c.store.Obligation(e.Collateral, e.Native, owner)
	if err != nil {
		return nil, err
	}
	slot, err := obligation.PositionAt(e.Number)
	if err != nil {
		return nil, err
	}
	lv, err := c.store.LeverageVault(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}

	now := e.EventTime()
	pos := *slot
	lvStaged := *lv
	if err := pos.Release(now); err != nil {
		return nil, err
	}
	if err := lvStaged.BurnCollateral(pos.Pending.ReleaseUnit, now); err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GeneratePositionRelease(e.IdempotencyKey(), owner, e.Native, int64(pos.Pending.ReleaseAmount), now)
	if err != nil {
		return nil, err
	}

	*slot = pos
	*lv = lvStaged
	obligation.LastUpdated = now
	return []*ledger.Batch{batch}, nil
}

func (c *DeterministicCore) handleLeverageVaultRepayBorrow(e *event.LeverageVaultRepayBorrow) ([]*ledger.Batch, error) {
	cfg, err := c.store.LeverageConfig(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	owner, err := resolveOwner(e.Caller, e.Owner, cfg)
	if err != nil {
		return nil, err
	}
	obligation, err := c.store.Obligation(e.Collateral, e.Native, owner)
	if err != nil {
		return nil, err
	}
	slot, err := obligation.PositionAt(e.Number)
	if err != nil {
		return nil, err
	}
	lv, err := c.store.LeverageVault(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	evault, err := c.store.EarnVault(e.Collateral)
	if err != nil {
		return nil, err
	}

	now := e.EventTime()
	pos := *slot
	debtUnits := pos.BorrowingUnit
	repayDue := pos.Pending.RepayAmount

	var repayActual uint64
	switch pos.Pending.Action {
	case state.ActionLiquidate, state.ActionEject:
		// Forced unwinds absorb a shortfall: whatever the swap produced
		// settles the debt and the pool eats the difference.
		if e.Proceeds >= repayDue {
			if _, err := pos.RepayBorrow(e.Proceeds, now); err != nil {
				return nil, err
			}
			repayActual = repayDue
		} else {
			if err := pos.ForceRepay(now); err != nil {
				return nil, err
			}
			repayActual = e.Proceeds
			if c.metrics != nil {
				c.metrics.RepaymentShortfalls.WithLabelValues(pairLabel(e.Collateral, e.Native)).Inc()
			}
		}
	default:
		if pos.Pending.Step == state.StepReleased && e.Proceeds < pos.Pending.ReleaseMinOutput {
			return nil, state.ErrSlippageExceeded
		}
		// A shortfall on an owner-driven close fails here and leaves the
		// slot released, pending escalation.
		if _, err := pos.RepayBorrow(e.Proceeds, now); err != nil {
			return nil, err
		}
		repayActual = repayDue
	}

	lvStaged := *lv
	if debtUnits > 0 {
		if err := lvStaged.BurnBorrow(debtUnits, now); err != nil {
			return nil, err
		}
	}
	evStaged := *evault
	if err := evStaged.AccrueIndex(c.accrual, now); err != nil {
		return nil, err
	}
	if repayActual > 0 {
		if err := evStaged.Delever(repayActual); err != nil {
			return nil, err
		}
	}

	batch, err := c.journalGen.GeneratePositionRepay(e.IdempotencyKey(), owner, e.Collateral, int64(e.Proceeds), int64(repayActual), now)
	if err != nil {
		return nil, err
	}

	*slot = pos
	*lv = lvStaged
	*evault = evStaged
	obligation.LastUpdated = now

	if c.metrics != nil {
		c.metrics.EarnPoolLiquidity.WithLabelValues(ledger.AssetName(e.Collateral)).Set(float64(evault.AvailableLiquidity()))
	}
	return []*ledger.Batch{batch}, nil
}

func actionLabel(action state.LeverageAction) string {
	switch action {
	case state.ActionClose:
		return "close"
	case state.ActionTakeProfit:
		return "take_profit"
	case state.ActionSaver:
		return "saver"
	case state.ActionLiquidate:
		return "liquidate"
	case state.ActionEject:
		return "eject"
	default:
		return "unknown"
	}
}

func (c *DeterministicCore) handleLeverageVaultClosing(e *event.LeverageVaultClosing) ([]*ledger.Batch, error) {
	cfg, err := c.store.LeverageConfig(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	owner, err := resolveOwner(e.Caller, e.Owner, cfg)
	if err != nil {
		return nil, err
	}
	obligation, err := c.store.Obligation(e.Collateral, e.Native, owner)
	if err != nil {
		return nil, err
	}
	slot, err := obligation.PositionAt(e.Number)
	if err != nil {
		return nil, err
	}
	lv, err := c.store.LeverageVault(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}

	now := e.EventTime()
	pos := *slot
	if pos.Pending.Step != state.StepRepaid {
		return nil, state.ErrInvalidPositionState
	}
	action := pos.Pending.Action

	// The payout settles this slot's own surplus, captured at repay time.
	// The owner's tracked collateral balance aggregates every in-flight
	// slot, so it cannot be read as a per-position amount.
	surplus := pos.Pending.SurplusAmount
	if bal := c.balanceTracker.GetPositionCollateral(owner, e.Collateral); bal < 0 || uint64(bal) < surplus {
		return nil, fmt.Errorf("position balance for %s below slot surplus: %d < %d", owner, bal, surplus)
	}

	var batches []*ledger.Batch
	switch action {
	case state.ActionLiquidate, state.ActionEject:
		liqFee, err := vmath.ApplyPercent(surplus, lv.CollateralDecimals, cfg.LiquidationFee, vmath.RoundCeil)
		if err != nil {
			return nil, err
		}
		if liqFee > surplus {
			liqFee = surplus
		}
		protocolShare, err := vmath.ApplyPercent(liqFee, lv.CollateralDecimals, cfg.LiquidationProtocolRatio, vmath.RoundFloor)
		if err != nil {
			return nil, err
		}
		feeShare := liqFee - protocolShare
		feeBatch, err := c.journalGen.GenerateLiquidationFee(e.IdempotencyKey(), owner, e.Collateral, int64(feeShare), int64(protocolShare), now)
		if err != nil {
			return nil, err
		}
		payoutBatch, err := c.journalGen.GeneratePositionClosing(e.IdempotencyKey(), owner, e.Collateral, int64(surplus-liqFee), 0, now)
		if err != nil {
			return nil, err
		}
		batches = []*ledger.Batch{feeBatch, payoutBatch}
	default:
		closingFee, err := vmath.ApplyPercent(surplus, lv.CollateralDecimals, cfg.ClosingFee, vmath.RoundCeil)
		if err != nil {
			return nil, err
		}
		if closingFee > surplus {
			closingFee = surplus
		}
		payoutBatch, err := c.journalGen.GeneratePositionClosing(e.IdempotencyKey(), owner, e.Collateral, int64(surplus-closingFee), int64(closingFee), now)
		if err != nil {
			return nil, err
		}
		batches = []*ledger.Batch{payoutBatch}
	}

	if err := pos.FinishClosing(now); err != nil {
		return nil, err
	}

	*slot = pos
	obligation.LastUpdated = now
	if obligation.IsEmpty() {
		c.store.StatsOrNew(e.Collateral, e.Native, now).RemoveUser(now)
	}

	if c.metrics != nil {
		pair := pairLabel(e.Collateral, e.Native)
		c.metrics.PositionsClosed.WithLabelValues(pair, actionLabel(action)).Inc()
		c.metrics.ActivePositions.WithLabelValues(pair).Dec()
	}
	return batches, nil
}

func (c *DeterministicCore) handleLeverageVaultLiquidate(e *event.LeverageVaultLiquidate) ([]*ledger.Batch, error) {
	cfg, err := c.store.LeverageConfig(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	if e.Caller != cfg.Keeper {
		return nil, state.ErrUnauthorized
	}
	if e.Owner == uuid.Nil {
		return nil, state.ErrInvalidParameter
	}
	obligation, err := c.store.Obligation(e.Collateral, e.Native, e.Owner)
	if err != nil {
		return nil, err
	}
	slot, err := obligation.PositionAt(e.Number)
	if err != nil {
		return nil, err
	}
	lv, err := c.store.LeverageVault(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}

	now := e.EventTime()
	pos := *slot
	if err := c.health.CheckLiquidatable(&pos, lv, cfg, now); err != nil {
		return nil, err
	}
	plan, err := c.computeUnwind(&pos, lv, cfg, now)
	if err != nil {
		return nil, err
	}
	if err := pos.BeginUnwind(state.ActionLiquidate, plan.releaseAmount, plan.releaseUnit, plan.releaseMinOutput, plan.repayAmount, plan.collateralPrice, plan.nativePrice, now); err != nil {
		return nil, err
	}

	*slot = pos
	obligation.LastUpdated = now
	if c.metrics != nil {
		c.metrics.PositionsLiquidated.WithLabelValues(pairLabel(e.Collateral, e.Native)).Inc()
	}
	return nil, nil
}

func (c *DeterministicCore) handleLeverageVaultEject(e *event.LeverageVaultEject) ([]*ledger.Batch, error) {
	cfg, err := c.store.LeverageConfig(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	if e.Caller != cfg.Keeper {
		return nil, state.ErrUnauthorized
	}
	if e.Owner == uuid.Nil {
		return nil, state.ErrInvalidParameter
	}
	obligation, err := c.store.Obligation(e.Collateral, e.Native, e.Owner)
	if err != nil {
		return nil, err
	}
	slot, err := obligation.PositionAt(e.Number)
	if err != nil {
		return nil, err
	}
	lv, err := c.store.LeverageVault(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}

	now := e.EventTime()
	pos := *slot
	if !state.EjectEligible(&pos, cfg, now) {
		return nil, state.ErrInvalidPositionState
	}
	plan, err := c.computeUnwind(&pos, lv, cfg, now)
	if err != nil {
		return nil, err
	}
	if err := pos.BeginUnwind(state.ActionEject, plan.releaseAmount, plan.releaseUnit, plan.releaseMinOutput, plan.repayAmount, plan.collateralPrice, plan.nativePrice, now); err != nil {
		return nil, err
	}

	*slot = pos
	obligation.LastUpdated = now
	if c.metrics != nil {
		c.metrics.PositionsEjected.WithLabelValues(pairLabel(e.Collateral, e.Native)).Inc()
	}
	return nil, nil
}

// handleLeverageVaultConfiscate is the recovery path for an unwind that
// stalled between steps (typically after a repayment shortfall left the
// slot released). Whatever remains in the position accounts moves to the
// treasury, the slot resets, and any unrepaid debt stays on the earn
// vault's books as a recorded loss.
func (c *DeterministicCore) handleLeverageVaultConfiscate(e *event.LeverageVaultConfiscate) ([]*ledger.Batch, error) {
	cfg, err := c.store.LeverageConfig(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}
	p, err := c.store.Protocol()
	if err != nil {
		return nil, err
	}
	if e.Caller != cfg.Keeper && e.Caller != p.Owner {
		return nil, state.ErrUnauthorized
	}
	if e.Owner == uuid.Nil {
		return nil, state.ErrInvalidParameter
	}
	obligation, err := c.store.Obligation(e.Collateral, e.Native, e.Owner)
	if err != nil {
		return nil, err
	}
	slot, err := obligation.PositionAt(e.Number)
	if err != nil {
		return nil, err
	}
	lv, err := c.store.LeverageVault(e.Collateral, e.Native)
	if err != nil {
		return nil, err
	}

	now := e.EventTime()
	pos := *slot
	if pos.Pending.Step != state.StepCloseBegun && pos.Pending.Step != state.StepReleased {
		return nil, state.ErrInvalidPositionState
	}

	lvStaged := *lv
	if pos.Unit > 0 {
		if err := lvStaged.BurnCollateral(pos.Unit, now); err != nil {
			return nil, err
		}
	}
	if pos.BorrowingUnit > 0 {
		if err := lvStaged.BurnBorrow(pos.BorrowingUnit, now); err != nil {
			return nil, err
		}
	}

	collateralBal := c.balanceTracker.GetPositionCollateral(e.Owner, e.Collateral)
	nativeBal := c.balanceTracker.GetPositionNative(e.Owner, e.Native)
	batch, err := c.journalGen.GenerateConfiscation(e.IdempotencyKey(), e.Owner, e.Collateral, collateralBal, e.Native, nativeBal, now)
	if err != nil {
		return nil, err
	}

	*slot = state.Position{ID: pos.ID, Status: state.PositionClosed, LastUpdated: now}
	*lv = lvStaged
	obligation.LastUpdated = now
	if obligation.IsEmpty() {
		c.store.StatsOrNew(e.Collateral, e.Native, now).RemoveUser(now)
	}

	if c.metrics != nil {
		pair := pairLabel(e.Collateral, e.Native)
		c.metrics.PositionsConfiscated.WithLabelValues(pair).Inc()
		c.metrics.ActivePositions.WithLabelValues(pair).Dec()
	}
	return []*ledger.Batch{batch}, nil
}

// --- Position policy flags ---

func (c *DeterministicCore) handleSetSafetyMode(e *event.SetSafetyMode) ([]*ledger.Batch, error) {
	slot, obligation, err := c.resolveSlot(e.Caller, e.Owner, e.Collateral, e.Native, e.Number)
	if err != nil {
		return nil, err
	}
	now := e.EventTime()
	if err := slot.SetSafetyMode(e.Enabled, now); err != nil {
		return nil, err
	}
	obligation.LastUpdated = now
	return nil, nil
}

func (c *DeterministicCore) handleSetEmergencyEject(e *event.SetEmergencyEject) ([]*ledger.Batch, error) {
	slot, obligation, err := c.resolveSlot(e.Caller, e.Owner, e.Collateral, e.Native, e.Number)
	if err != nil {
		return nil, err
	}
	now := e.EventTime()
	if err := slot.SetEmergencyEject(e.Enabled, now); err != nil {
		return nil, err
	}
	obligation.LastUpdated = now
	return nil, nil
}

func (c *DeterministicCore) handleSetProfitTaker(e *event.SetProfitTaker) ([]*ledger.Batch, error) {
	slot, obligation, err := c.resolveSlot(e.Caller, e.Owner, e.Collateral, e.Native, e.Number)
	if err != nil {
		return nil, err
	}
	now := e.EventTime()
	if err := slot.SetProfitTaker(e.Enabled, e.TargetRate, e.TakingRate, now); err != nil {
		return nil, err
	}
	obligation.LastUpdated = now
	return nil, nil
}

func (c *DeterministicCore) resolveSlot(caller, refOwner uuid.UUID, collateral, native state.AssetID, number int) (*state.Position, *state.Obligation, error) {
	cfg, err := c.store.LeverageConfig(collateral, native)
	if err != nil {
		return nil, nil, err
	}
	owner, err := resolveOwner(caller, refOwner, cfg)
	if err != nil {
		return nil, nil, err
	}
	obligation, err := c.store.Obligation(collateral, native, owner)
	if err != nil {
		return nil, nil, err
	}
	slot, err := obligation.PositionAt(number)
	if err != nil {
		return nil, nil, err
	}
	return slot, obligation, nil
}
