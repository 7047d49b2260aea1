package core_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	vmath "VaultLedger/internal/math"
	"VaultLedger/internal/state"
)

const (
	assetUSDC state.AssetID = 1
	assetSOL  state.AssetID = 3

	usdcDecimals = 6
	solDecimals  = 9

	baseTime = int64(1_700_000_000)
)

var (
	usdcFeed = state.PriceFeed{0x01, 0xaa}
	solFeed  = state.PriceFeed{0x03, 0xbb}
)

// --- Test harness ---

type harness struct {
	core        *core.DeterministicCore
	persistChan chan core.CoreOutput
	projChan    chan core.CoreOutput

	admin   uuid.UUID
	keeper  uuid.UUID
	indexer uuid.UUID
	alice   uuid.UUID
	bob     uuid.UUID

	now int64

	seqs      map[string]int64
	priceSeqs map[state.PriceFeed]int64
}

func newHarness() *harness {
	persistChan := make(chan core.CoreOutput, 4096)
	projChan := make(chan core.CoreOutput, 4096)
	return &harness{
		core:        core.NewDeterministicCore(0, persistChan, projChan, nil, nil),
		persistChan: persistChan,
		projChan:    projChan,
		admin:       uuid.New(),
		keeper:      uuid.New(),
		indexer:     uuid.New(),
		alice:       uuid.New(),
		bob:         uuid.New(),
		now:         baseTime,
		seqs:        make(map[string]int64),
		priceSeqs:   make(map[state.PriceFeed]int64),
	}
}

func (h *harness) instr(caller uuid.UUID) event.Instruction {
	return event.Instruction{
		InstructionID: uuid.New(),
		Caller:        caller,
		Time:          h.now,
	}
}

// stamp assigns the next per-partition source sequence.
func (h *harness) stamp(evt event.Event, set func(int64)) event.Event {
	partition := "global"
	if key := evt.VaultKey(); key != nil {
		partition = *key
	}
	set(h.seqs[partition])
	h.seqs[partition]++
	return evt
}

func (h *harness) process(t *testing.T, evt event.Event) {
	t.Helper()
	if err := h.core.ProcessEvent(evt); err != nil {
		t.Fatalf("ProcessEvent(%s) failed: %v", evt.EventType(), err)
	}
}

func (h *harness) pushPrice(t *testing.T, feed state.PriceFeed, price uint64) {
	t.Helper()
	evt := &event.OraclePriceUpdate{
		Instruction: h.instr(h.indexer),
		Feed:        feed,
		Price:       price,
		Expo:        8,
		PublishTime: h.now,
	}
	evt.Sequence = h.priceSeqs[feed]
	h.priceSeqs[feed]++
	h.process(t, evt)
}

// bootstrap stands up the protocol, the USDC earn vault and the USDC/SOL
// pair with default params and live prices ($1 USDC, $100 SOL).
func (h *harness) bootstrap(t *testing.T) {
	t.Helper()

	create := &event.ProtocolCreate{Instruction: h.instr(h.admin), Owner: h.admin}
	h.stamp(create, func(s int64) { create.Sequence = s })
	h.process(t, create)

	earnCfg := &event.EarnConfigCreate{
		Instruction: h.instr(h.admin),
		Asset:       assetUSDC,
		Indexer:     h.indexer,
		FeeVault:    uuid.New(),
		Params:      state.DefaultEarnConfigParams(),
	}
	h.stamp(earnCfg, func(s int64) { earnCfg.Sequence = s })
	h.process(t, earnCfg)

	earnVault := &event.EarnVaultCreate{
		Instruction:   h.instr(h.admin),
		Asset:         assetUSDC,
		TokenDecimals: usdcDecimals,
		OracleFeed:    usdcFeed,
	}
	h.stamp(earnVault, func(s int64) { earnVault.Sequence = s })
	h.process(t, earnVault)

	levCfg := &event.LeverageConfigCreate{
		Instruction: h.instr(h.admin),
		Collateral:  assetUSDC,
		Native:      assetSOL,
		Keeper:      h.keeper,
		Indexer:     h.indexer,
		FeeVault:    uuid.New(),
		Params:      state.DefaultLeverageConfigParams(),
	}
	h.stamp(levCfg, func(s int64) { levCfg.Sequence = s })
	h.process(t, levCfg)

	levVault := &event.LeverageVaultCreate{
		Instruction:        h.instr(h.admin),
		Collateral:         assetUSDC,
		Native:             assetSOL,
		CollateralDecimals: usdcDecimals,
		NativeDecimals:     solDecimals,
		CollateralFeed:     usdcFeed,
		NativeFeed:         solFeed,
	}
	h.stamp(levVault, func(s int64) { levVault.Sequence = s })
	h.process(t, levVault)

	h.pushPrice(t, usdcFeed, 100_000_000)   // $1.00
	h.pushPrice(t, solFeed, 10_000_000_000) // $100.00
}

func (h *harness) deposit(t *testing.T, caller uuid.UUID, amount uint64) {
	t.Helper()
	evt := &event.EarnVaultDeposit{Instruction: h.instr(caller), Asset: assetUSDC, Amount: amount}
	h.stamp(evt, func(s int64) { evt.Sequence = s })
	h.process(t, evt)
}

func (h *harness) withdraw(t *testing.T, caller uuid.UUID, amount, minOut uint64) {
	t.Helper()
	evt := &event.EarnVaultWithdraw{Instruction: h.instr(caller), Asset: assetUSDC, Amount: amount, MinAmountOut: minOut}
	h.stamp(evt, func(s int64) { evt.Sequence = s })
	h.process(t, evt)
}

func (h *harness) fund(t *testing.T, caller uuid.UUID, amount, leverage, swapOutput uint64, settings state.PositionSettings) {
	t.Helper()
	evt := &event.LeverageVaultFund{
		Instruction: h.instr(caller),
		Collateral:  assetUSDC,
		Native:      assetSOL,
		Settings:    settings,
		Amount:      amount,
		Leverage:    leverage,
		SwapOutput:  swapOutput,
	}
	h.stamp(evt, func(s int64) { evt.Sequence = s })
	h.process(t, evt)
}

func (h *harness) closePos(t *testing.T, caller uuid.UUID, owner uuid.UUID, number int) {
	t.Helper()
	evt := &event.LeverageVaultClose{Instruction: h.instr(caller)}
	evt.Collateral = assetUSDC
	evt.Native = assetSOL
	evt.Number = number
	evt.Owner = owner
	h.stamp(evt, func(s int64) { evt.Sequence = s })
	h.process(t, evt)
}

func (h *harness) release(t *testing.T, caller uuid.UUID, owner uuid.UUID, number int) {
	t.Helper()
	evt := &event.LeverageVaultRelease{Instruction: h.instr(caller)}
	evt.Collateral = assetUSDC
	evt.Native = assetSOL
	evt.Number = number
	evt.Owner = owner
	h.stamp(evt, func(s int64) { evt.Sequence = s })
	h.process(t, evt)
}

func (h *harness) repay(t *testing.T, caller uuid.UUID, owner uuid.UUID, number int, proceeds uint64) {
	t.Helper()
	evt := &event.LeverageVaultRepayBorrow{Instruction: h.instr(caller), Proceeds: proceeds}
	evt.Collateral = assetUSDC
	evt.Native = assetSOL
	evt.Number = number
	evt.Owner = owner
	h.stamp(evt, func(s int64) { evt.Sequence = s })
	h.process(t, evt)
}

func (h *harness) closing(t *testing.T, caller uuid.UUID, owner uuid.UUID, number int) {
	t.Helper()
	evt := &event.LeverageVaultClosing{Instruction: h.instr(caller)}
	evt.Collateral = assetUSDC
	evt.Native = assetSOL
	evt.Number = number
	evt.Owner = owner
	h.stamp(evt, func(s int64) { evt.Sequence = s })
	h.process(t, evt)
}

func (h *harness) drainPersist() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-h.persistChan:
			out = append(out, o)
		default:
			return out
		}
	}
}

func (h *harness) mustPosition(t *testing.T, owner uuid.UUID, number int) *state.Position {
	t.Helper()
	obligation, err := h.core.Store().Obligation(assetUSDC, assetSOL, owner)
	if err != nil {
		t.Fatalf("obligation not found: %v", err)
	}
	pos, err := obligation.PositionAt(number)
	if err != nil {
		t.Fatalf("position %d not found: %v", number, err)
	}
	return pos
}

func (h *harness) mustEarnVault(t *testing.T) *state.EarnVault {
	t.Helper()
	v, err := h.core.Store().EarnVault(assetUSDC)
	if err != nil {
		t.Fatalf("earn vault not found: %v", err)
	}
	return v
}

func (h *harness) mustLeverageVault(t *testing.T) *state.LeverageVault {
	t.Helper()
	v, err := h.core.Store().LeverageVault(assetUSDC, assetSOL)
	if err != nil {
		t.Fatalf("leverage vault not found: %v", err)
	}
	return v
}

func lastEnvelope(t *testing.T, outputs []core.CoreOutput) *event.EventEnvelope {
	t.Helper()
	if len(outputs) == 0 {
		t.Fatal("no outputs emitted")
	}
	return outputs[len(outputs)-1].Envelope
}

// ====== Test: Bootstrap & hash chain ======

func TestBootstrapHashChain(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)

	outputs := h.drainPersist()
	if len(outputs) != 7 {
		t.Fatalf("expected 7 envelopes, got %d", len(outputs))
	}

	genesis := core.NewStateHasher().GetPrevHash()
	prev := genesis
	for i, o := range outputs {
		env := o.Envelope
		if env.Sequence != int64(i) {
			t.Errorf("envelope %d has sequence %d", i, env.Sequence)
		}
		if env.PrevHash != prev {
			t.Errorf("envelope %d breaks the hash chain", i)
		}
		if env.Failure != "" {
			t.Errorf("envelope %d unexpectedly failed: %s", i, env.Failure)
		}
		prev = env.StateHash
	}
	if h.core.GetStateHash() != prev {
		t.Error("chain tip does not match last envelope")
	}
	if h.core.GetSequence() != 7 {
		t.Errorf("expected sequence 7, got %d", h.core.GetSequence())
	}
}

// ====== Test: Deposit and withdraw round trip ======

func TestEarnDepositWithdraw(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.drainPersist()

	h.deposit(t, h.alice, 1_000_000_000) // 1000 USDC

	vault := h.mustEarnVault(t)
	if vault.FundTotal != 1_000_000_000 {
		t.Fatalf("fund total = %d", vault.FundTotal)
	}
	if vault.UnitSupply != 1_000_000_000 {
		t.Fatalf("unit supply = %d", vault.UnitSupply)
	}
	if got := h.core.Balances().GetPoolBalance(assetUSDC); got != 1_000_000_000 {
		t.Fatalf("pool balance = %d", got)
	}

	lender, err := h.core.Store().Lender(assetUSDC, h.alice)
	if err != nil {
		t.Fatalf("lender record missing: %v", err)
	}
	valuation, err := lender.Valuation(vault.Index)
	if err != nil {
		t.Fatal(err)
	}
	if valuation != 1_000_000_000 {
		t.Fatalf("lender valuation = %d", valuation)
	}

	h.withdraw(t, h.alice, 400_000_000, 400_000_000)

	vault = h.mustEarnVault(t)
	if vault.FundTotal != 600_000_000 {
		t.Fatalf("fund total after withdraw = %d", vault.FundTotal)
	}
	if got := h.core.Balances().GetPoolBalance(assetUSDC); got != 600_000_000 {
		t.Fatalf("pool balance after withdraw = %d", got)
	}

	outputs := h.drainPersist()
	if len(outputs) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(outputs))
	}
	for _, o := range outputs {
		if o.Batch == nil || len(o.Batch.Journals) == 0 {
			t.Error("expected fund-flow batches for deposit/withdraw")
		}
	}
}

// ====== Test: Rejected instruction gets a failure envelope ======

func TestDepositOverLimitRejected(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.drainPersist()
	seqBefore := h.core.GetSequence()

	h.deposit(t, h.alice, 2_000_000_000) // above default MaxDeposit

	env := lastEnvelope(t, h.drainPersist())
	if env.Failure != "LimitExceeded" {
		t.Fatalf("failure = %q, want LimitExceeded", env.Failure)
	}
	// rejection is final: it consumes a sequence and joins the chain
	if h.core.GetSequence() != seqBefore+1 {
		t.Fatalf("sequence = %d, want %d", h.core.GetSequence(), seqBefore+1)
	}
	if h.mustEarnVault(t).FundTotal != 0 {
		t.Error("rejected deposit mutated the vault")
	}

	// a replay of the rejected instruction is a no-op
	if err := h.core.ProcessEvent(replayableDeposit(h, env)); err != nil {
		t.Fatalf("replay errored: %v", err)
	}
	if got := len(h.drainPersist()); got != 0 {
		t.Fatalf("replay emitted %d envelopes", got)
	}
}

// replayableDeposit rebuilds the rejected deposit from its envelope key so
// the replay carries the identical idempotency key and source sequence.
func replayableDeposit(h *harness, env *event.EventEnvelope) *event.EarnVaultDeposit {
	id, _ := uuid.Parse(env.IdempotencyKey)
	return &event.EarnVaultDeposit{
		Instruction: event.Instruction{
			InstructionID: id,
			Caller:        h.alice,
			Sequence:      env.SourceSequence,
			Time:          env.Timestamp,
		},
		Asset:  assetUSDC,
		Amount: 2_000_000_000,
	}
}

// ====== Test: Idempotent replay ======

func TestIdempotentReplay(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)

	evt := &event.EarnVaultDeposit{Instruction: h.instr(h.alice), Asset: assetUSDC, Amount: 500_000_000}
	h.stamp(evt, func(s int64) { evt.Sequence = s })
	h.process(t, evt)
	h.drainPersist()

	seqBefore := h.core.GetSequence()
	if err := h.core.ProcessEvent(evt); err != nil {
		t.Fatalf("replay errored: %v", err)
	}
	if h.core.GetSequence() != seqBefore {
		t.Error("replay advanced the sequence")
	}
	if got := len(h.drainPersist()); got != 0 {
		t.Fatalf("replay emitted %d envelopes", got)
	}
	if h.mustEarnVault(t).FundTotal != 500_000_000 {
		t.Error("replay double-applied the deposit")
	}
}

// ====== Test: Source sequence gap is rejected ======

func TestSequenceGapRejected(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)

	evt := &event.EarnVaultDeposit{Instruction: h.instr(h.alice), Asset: assetUSDC, Amount: 100_000_000}
	h.stamp(evt, func(s int64) { evt.Sequence = s })
	evt.Sequence += 5 // introduce a gap

	if err := h.core.ProcessEvent(evt); err == nil {
		t.Fatal("expected sequence gap error")
	}

	// the correct sequence still processes
	evt.Sequence -= 5
	h.process(t, evt)
	if h.mustEarnVault(t).FundTotal != 100_000_000 {
		t.Error("deposit at correct sequence not applied")
	}
}

// ====== Test: Fund opens a position atomically ======

func TestFundOpensPosition(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.deposit(t, h.alice, 1_000_000_000)
	h.drainPersist()

	// 100 USDC at 2.0x: borrow 100, swap 200 USDC -> 1.995 SOL
	h.fund(t, h.bob, 100_000_000, 2_000, 1_995_000_000, state.PositionSettings{})

	pos := h.mustPosition(t, h.bob, 0)
	if pos.Status != state.PositionFunded {
		t.Fatalf("status = %s", pos.Status)
	}
	if pos.Unit != 1_995_000 {
		t.Errorf("unit = %d", pos.Unit)
	}
	if pos.BorrowingUnit != 100_000_000 {
		t.Errorf("borrowing unit = %d", pos.BorrowingUnit)
	}
	if pos.Pending.Step != state.StepNone {
		t.Errorf("pending step not cleared: %d", pos.Pending.Step)
	}

	vault := h.mustEarnVault(t)
	if vault.FundBorrowTotal != 100_000_000 {
		t.Errorf("outstanding borrow = %d", vault.FundBorrowTotal)
	}
	if got := h.core.Balances().GetPoolBalance(assetUSDC); got != 900_000_000 {
		t.Errorf("pool balance = %d", got)
	}

	lv := h.mustLeverageVault(t)
	if lv.UnitSupply != 1_995_000 {
		t.Errorf("lv unit supply = %d", lv.UnitSupply)
	}
	if lv.BorrowingUnitSupply != 100_000_000 {
		t.Errorf("lv borrowing unit supply = %d", lv.BorrowingUnitSupply)
	}

	stats := h.core.Store().StatsOrNew(assetUSDC, assetSOL, h.now)
	if stats.ActiveUsers != 1 {
		t.Errorf("active users = %d", stats.ActiveUsers)
	}

	outputs := h.drainPersist()
	if len(outputs) != 2 {
		t.Fatalf("expected 2 envelopes (fund + entry), got %d", len(outputs))
	}
	for _, o := range outputs {
		if o.Batch == nil {
			t.Error("fund pipeline envelope missing its batch")
		}
	}
}

// ====== Test: Leverage bounds ======

func TestFundLeverageOutOfBounds(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.deposit(t, h.alice, 1_000_000_000)
	h.drainPersist()

	h.fund(t, h.bob, 100_000_000, 500, 1_995_000_000, state.PositionSettings{})

	env := lastEnvelope(t, h.drainPersist())
	if env.Failure != "LeverageOutOfBounds" {
		t.Fatalf("failure = %q, want LeverageOutOfBounds", env.Failure)
	}
	obligation, err := h.core.Store().Obligation(assetUSDC, assetSOL, h.bob)
	if err == nil && !obligation.IsEmpty() {
		t.Error("rejected fund occupied a slot")
	}
}

// ====== Test: Entry slippage bound ======

func TestFundEntrySlippageRejected(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.deposit(t, h.alice, 1_000_000_000)
	h.drainPersist()

	// expected 2 SOL, bound 1.99; swap returned only 1.9
	h.fund(t, h.bob, 100_000_000, 2_000, 1_900_000_000, state.PositionSettings{})

	env := lastEnvelope(t, h.drainPersist())
	if env.Failure != "SlippageExceeded" {
		t.Fatalf("failure = %q, want SlippageExceeded", env.Failure)
	}
	if h.mustEarnVault(t).FundBorrowTotal != 0 {
		t.Error("rejected fund left a borrow outstanding")
	}
	if got := h.core.Balances().GetPoolBalance(assetUSDC); got != 1_000_000_000 {
		t.Errorf("pool balance = %d", got)
	}
}

// ====== Test: Rejected fund leaves no obligation behind ======

func TestRejectedFundLeavesNoObligation(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.deposit(t, h.alice, 1_000_000_000)
	h.drainPersist()

	// first-ever fund for bob fails deep in the pipeline, at entry slippage
	h.fund(t, h.bob, 100_000_000, 2_000, 1_900_000_000, state.PositionSettings{})

	env := lastEnvelope(t, h.drainPersist())
	if env.Failure != "SlippageExceeded" {
		t.Fatalf("failure = %q, want SlippageExceeded", env.Failure)
	}
	if _, err := h.core.Store().Obligation(assetUSDC, assetSOL, h.bob); err == nil {
		t.Fatal("rejected fund created an obligation record")
	}

	// a successful retry creates the record normally
	h.fund(t, h.bob, 100_000_000, 2_000, 1_995_000_000, state.PositionSettings{})
	obligation, err := h.core.Store().Obligation(assetUSDC, assetSOL, h.bob)
	if err != nil {
		t.Fatalf("obligation missing after successful fund: %v", err)
	}
	if obligation.IsEmpty() {
		t.Error("obligation has no funded slot")
	}
}

// ====== Test: Full close pipeline ======

func TestCloseLifecycle(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.deposit(t, h.alice, 1_000_000_000)
	h.fund(t, h.bob, 100_000_000, 2_000, 1_995_000_000, state.PositionSettings{})
	h.drainPersist()

	h.closePos(t, h.bob, uuid.Nil, 0)
	pos := h.mustPosition(t, h.bob, 0)
	if pos.Status != state.PositionClosing {
		t.Fatalf("status after close = %s", pos.Status)
	}
	if pos.Pending.RepayAmount != 100_000_000 {
		t.Errorf("repay due = %d", pos.Pending.RepayAmount)
	}
	if pos.Pending.ReleaseAmount != 1_995_000_000 {
		t.Errorf("release amount = %d", pos.Pending.ReleaseAmount)
	}

	h.release(t, h.bob, uuid.Nil, 0)
	pos = h.mustPosition(t, h.bob, 0)
	if pos.Unit != 0 {
		t.Errorf("unit after release = %d", pos.Unit)
	}
	if h.mustLeverageVault(t).UnitSupply != 0 {
		t.Error("lv unit supply not burned")
	}

	// swap produced 199 USDC against a 100 USDC debt
	h.repay(t, h.bob, uuid.Nil, 0, 199_000_000)
	pos = h.mustPosition(t, h.bob, 0)
	if pos.BorrowingUnit != 0 {
		t.Error("debt not cleared")
	}
	if got := h.core.Balances().GetPoolBalance(assetUSDC); got != 1_000_000_000 {
		t.Errorf("pool balance after repay = %d", got)
	}
	if h.mustEarnVault(t).FundBorrowTotal != 0 {
		t.Errorf("outstanding borrow = %d", h.mustEarnVault(t).FundBorrowTotal)
	}

	h.closing(t, h.bob, uuid.Nil, 0)
	pos = h.mustPosition(t, h.bob, 0)
	if pos.Status != state.PositionClosed {
		t.Fatalf("status = %s", pos.Status)
	}
	if got := h.core.Balances().GetPositionCollateral(h.bob, assetUSDC); got != 0 {
		t.Errorf("residual position collateral = %d", got)
	}
	stats := h.core.Store().StatsOrNew(assetUSDC, assetSOL, h.now)
	if stats.ActiveUsers != 0 {
		t.Errorf("active users = %d", stats.ActiveUsers)
	}
}

// ====== Test: Concurrent unwinds settle per slot ======

func TestConcurrentUnwindsSettlePerSlot(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.deposit(t, h.alice, 1_000_000_000)
	h.fund(t, h.bob, 100_000_000, 2_000, 1_995_000_000, state.PositionSettings{})
	h.fund(t, h.bob, 100_000_000, 2_000, 1_995_000_000, state.PositionSettings{})
	h.drainPersist()

	// drive both slots through release and repay before either finalizes
	for number := 0; number < 2; number++ {
		h.closePos(t, h.bob, uuid.Nil, number)
		h.release(t, h.bob, uuid.Nil, number)
		h.repay(t, h.bob, uuid.Nil, number, 199_000_000)
	}

	// each slot carries its own 99 USDC surplus
	for number := 0; number < 2; number++ {
		pos := h.mustPosition(t, h.bob, number)
		if pos.Pending.SurplusAmount != 99_000_000 {
			t.Fatalf("slot %d surplus = %d, want 99_000_000", number, pos.Pending.SurplusAmount)
		}
	}
	if got := h.core.Balances().GetPositionCollateral(h.bob, assetUSDC); got != 198_000_000 {
		t.Fatalf("combined position collateral = %d", got)
	}

	// finalizing slot 0 must not sweep slot 1's surplus
	h.closing(t, h.bob, uuid.Nil, 0)
	if got := h.core.Balances().GetPositionCollateral(h.bob, assetUSDC); got != 99_000_000 {
		t.Fatalf("position collateral after first closing = %d, want 99_000_000", got)
	}
	sibling := h.mustPosition(t, h.bob, 1)
	if sibling.Pending.Step != state.StepRepaid {
		t.Fatalf("sibling slot disturbed: step = %d", sibling.Pending.Step)
	}

	h.closing(t, h.bob, uuid.Nil, 1)
	if got := h.core.Balances().GetPositionCollateral(h.bob, assetUSDC); got != 0 {
		t.Errorf("residual position collateral = %d", got)
	}
	stats := h.core.Store().StatsOrNew(assetUSDC, assetSOL, h.now)
	if stats.ActiveUsers != 0 {
		t.Errorf("active users = %d", stats.ActiveUsers)
	}
}

// ====== Test: Liquidation absorbs a shortfall ======

func TestLiquidationShortfall(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.deposit(t, h.alice, 1_000_000_000)
	h.fund(t, h.bob, 100_000_000, 2_000, 1_995_000_000, state.PositionSettings{})
	h.drainPersist()

	// SOL drops to $45: collateral value ~89.8 vs debt 100
	h.pushPrice(t, solFeed, 4_500_000_000)

	liq := &event.LeverageVaultLiquidate{Instruction: h.instr(h.keeper)}
	liq.Collateral = assetUSDC
	liq.Native = assetSOL
	liq.Number = 0
	liq.Owner = h.bob
	h.stamp(liq, func(s int64) { liq.Sequence = s })
	h.process(t, liq)

	pos := h.mustPosition(t, h.bob, 0)
	if pos.Status != state.PositionLiquidating {
		t.Fatalf("status = %s", pos.Status)
	}

	h.release(t, h.keeper, h.bob, 0)
	// unwind swap produced only 89 USDC against a 100 USDC debt
	h.repay(t, h.keeper, h.bob, 0, 89_000_000)

	pos = h.mustPosition(t, h.bob, 0)
	if pos.BorrowingUnit != 0 {
		t.Error("forced repay did not clear the debt units")
	}
	if got := h.core.Balances().GetPoolBalance(assetUSDC); got != 989_000_000 {
		t.Errorf("pool balance = %d", got)
	}
	// the uncovered 11 USDC stays on the vault's books
	if h.mustEarnVault(t).FundBorrowTotal != 11_000_000 {
		t.Errorf("residual outstanding borrow = %d", h.mustEarnVault(t).FundBorrowTotal)
	}

	h.closing(t, h.keeper, h.bob, 0)
	pos = h.mustPosition(t, h.bob, 0)
	if pos.Status != state.PositionClosed {
		t.Fatalf("status = %s", pos.Status)
	}
}

// ====== Test: Liquidating a healthy position is refused ======

func TestLiquidateHealthyRejected(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.deposit(t, h.alice, 1_000_000_000)
	h.fund(t, h.bob, 100_000_000, 2_000, 1_995_000_000, state.PositionSettings{})
	h.drainPersist()

	liq := &event.LeverageVaultLiquidate{Instruction: h.instr(h.keeper)}
	liq.Collateral = assetUSDC
	liq.Native = assetSOL
	liq.Number = 0
	liq.Owner = h.bob
	h.stamp(liq, func(s int64) { liq.Sequence = s })
	h.process(t, liq)

	env := lastEnvelope(t, h.drainPersist())
	if env.Failure != "InvalidPositionState" {
		t.Fatalf("failure = %q, want InvalidPositionState", env.Failure)
	}

	// a non-keeper cannot liquidate at all
	liq2 := &event.LeverageVaultLiquidate{Instruction: h.instr(h.alice)}
	liq2.Collateral = assetUSDC
	liq2.Native = assetSOL
	liq2.Number = 0
	liq2.Owner = h.bob
	h.stamp(liq2, func(s int64) { liq2.Sequence = s })
	h.process(t, liq2)

	env = lastEnvelope(t, h.drainPersist())
	if env.Failure != "Unauthorized" {
		t.Fatalf("failure = %q, want Unauthorized", env.Failure)
	}
}

// ====== Test: Emergency eject window ======

func TestEmergencyEject(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.deposit(t, h.alice, 1_000_000_000)
	h.fund(t, h.bob, 100_000_000, 2_000, 1_995_000_000, state.PositionSettings{EmergencyEject: true})
	h.drainPersist()

	eject := func() {
		evt := &event.LeverageVaultEject{Instruction: h.instr(h.keeper)}
		evt.Collateral = assetUSDC
		evt.Native = assetSOL
		evt.Number = 0
		evt.Owner = h.bob
		h.stamp(evt, func(s int64) { evt.Sequence = s })
		h.process(t, evt)
	}

	// before the configured period the eject is refused
	eject()
	env := lastEnvelope(t, h.drainPersist())
	if env.Failure != "InvalidPositionState" {
		t.Fatalf("failure = %q, want InvalidPositionState", env.Failure)
	}

	// one day later (with fresh prices) it goes through
	h.now += 86_401
	h.pushPrice(t, usdcFeed, 100_000_000)
	h.pushPrice(t, solFeed, 10_000_000_000)
	h.drainPersist()
	eject()

	pos := h.mustPosition(t, h.bob, 0)
	if pos.Status != state.PositionEjected {
		t.Fatalf("status = %s", pos.Status)
	}
}

// ====== Test: Interest accrual grows both indexes ======

func TestInterestAccrual(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.deposit(t, h.alice, 1_000_000_000)
	h.fund(t, h.bob, 100_000_000, 2_000, 1_995_000_000, state.PositionSettings{})
	h.drainPersist()

	h.now += 3600
	accrue := &event.EarnInterestAccrue{
		Instruction:      h.instr(h.indexer),
		Asset:            assetUSDC,
		LeverageInterest: 1_000_000, // 1 USDC
	}
	h.stamp(accrue, func(s int64) { accrue.Sequence = s })
	h.process(t, accrue)

	vault := h.mustEarnVault(t)
	if vault.Index != 1_001_000_000_000 {
		t.Errorf("earn index = %d", vault.Index)
	}
	if vault.FundTotal != 1_001_000_000 {
		t.Errorf("fund total = %d", vault.FundTotal)
	}
	if vault.FundBorrowTotal != 101_000_000 {
		t.Errorf("outstanding borrow = %d", vault.FundBorrowTotal)
	}
	// no cash moved: interest is a receivable until repayment
	if got := h.core.Balances().GetPoolBalance(assetUSDC); got != 900_000_000 {
		t.Errorf("pool balance = %d", got)
	}

	lv := h.mustLeverageVault(t)
	if lv.BorrowingIndex != 1_010_000_000_000 {
		t.Errorf("borrowing index = %d", lv.BorrowingIndex)
	}

	// the position now owes 101 USDC
	pos := h.mustPosition(t, h.bob, 0)
	debt, err := pos.DebtAmount(lv.BorrowingIndex, usdcDecimals)
	if err != nil {
		t.Fatal(err)
	}
	if debt != 101_000_000 {
		t.Errorf("position debt = %d", debt)
	}

	// only the configured indexer may accrue
	rogue := &event.EarnInterestAccrue{
		Instruction:      h.instr(h.alice),
		Asset:            assetUSDC,
		LeverageInterest: 1_000_000,
	}
	h.stamp(rogue, func(s int64) { rogue.Sequence = s })
	h.process(t, rogue)
	env := lastEnvelope(t, h.drainPersist())
	if env.Failure != "Unauthorized" {
		t.Fatalf("failure = %q, want Unauthorized", env.Failure)
	}
}

// ====== Test: Shortfall on an owner close escalates to confiscation ======

func TestShortfallEscalatesToConfiscation(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.deposit(t, h.alice, 1_000_000_000)
	h.fund(t, h.bob, 100_000_000, 2_000, 1_995_000_000, state.PositionSettings{})
	h.drainPersist()

	h.closePos(t, h.bob, uuid.Nil, 0)
	h.release(t, h.bob, uuid.Nil, 0)

	// proceeds below the slippage bound fail the owner's repay and leave
	// the slot released
	h.repay(t, h.bob, uuid.Nil, 0, 150_000_000)
	env := lastEnvelope(t, h.drainPersist())
	if env.Failure != "SlippageExceeded" {
		t.Fatalf("failure = %q, want SlippageExceeded", env.Failure)
	}
	pos := h.mustPosition(t, h.bob, 0)
	if pos.Pending.Step != state.StepReleased {
		t.Fatalf("pending step = %d, want released", pos.Pending.Step)
	}

	confiscate := &event.LeverageVaultConfiscate{Instruction: h.instr(h.keeper)}
	confiscate.Collateral = assetUSDC
	confiscate.Native = assetSOL
	confiscate.Number = 0
	confiscate.Owner = h.bob
	h.stamp(confiscate, func(s int64) { confiscate.Sequence = s })
	h.process(t, confiscate)

	pos = h.mustPosition(t, h.bob, 0)
	if pos.Status != state.PositionClosed {
		t.Fatalf("status = %s", pos.Status)
	}
	if pos.Pending.Step != state.StepNone {
		t.Error("pending state not reset")
	}
	lv := h.mustLeverageVault(t)
	if lv.BorrowingUnitSupply != 0 {
		t.Error("debt units not written off")
	}
}

// ====== Test: Position policy flags ======

func TestPositionPolicyFlags(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.deposit(t, h.alice, 1_000_000_000)
	h.fund(t, h.bob, 100_000_000, 2_000, 1_995_000_000, state.PositionSettings{})
	h.drainPersist()

	setEject := &event.SetEmergencyEject{Instruction: h.instr(h.bob), Enabled: true}
	setEject.Collateral = assetUSDC
	setEject.Native = assetSOL
	setEject.Number = 0
	h.stamp(setEject, func(s int64) { setEject.Sequence = s })
	h.process(t, setEject)

	setTaker := &event.SetProfitTaker{Instruction: h.instr(h.bob), Enabled: true, TargetRate: 10_000, TakingRate: 5_000}
	setTaker.Collateral = assetUSDC
	setTaker.Native = assetSOL
	setTaker.Number = 0
	h.stamp(setTaker, func(s int64) { setTaker.Sequence = s })
	h.process(t, setTaker)

	pos := h.mustPosition(t, h.bob, 0)
	if !pos.EmergencyEject || !pos.ProfitTaker {
		t.Error("policy flags not applied")
	}
	if pos.ProfitTargetRate != 10_000 || pos.ProfitTakingRate != 5_000 {
		t.Error("profit taker rates not applied")
	}

	// another user cannot toggle someone else's flags
	rogue := &event.SetSafetyMode{Instruction: h.instr(h.alice), Enabled: true}
	rogue.Collateral = assetUSDC
	rogue.Native = assetSOL
	rogue.Number = 0
	rogue.Owner = h.bob
	h.stamp(rogue, func(s int64) { rogue.Sequence = s })
	h.process(t, rogue)
	env := lastEnvelope(t, h.drainPersist())
	if env.Failure != "Unauthorized" {
		t.Fatalf("failure = %q, want Unauthorized", env.Failure)
	}
}

// ====== Test: Pause flags gate instruction families ======

func TestProtocolPause(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.drainPersist()

	pause := &event.ProtocolSet{Instruction: h.instr(h.admin), Flags: state.ProtocolFlags{FreezeEarn: true}}
	h.stamp(pause, func(s int64) { pause.Sequence = s })
	h.process(t, pause)

	h.deposit(t, h.alice, 100_000_000)
	outputs := h.drainPersist()
	env := lastEnvelope(t, outputs)
	if env.Failure != "ProtocolPaused" {
		t.Fatalf("failure = %q, want ProtocolPaused", env.Failure)
	}

	unpause := &event.ProtocolSet{Instruction: h.instr(h.admin), Flags: state.ProtocolFlags{}}
	h.stamp(unpause, func(s int64) { unpause.Sequence = s })
	h.process(t, unpause)

	h.deposit(t, h.alice, 100_000_000)
	if h.mustEarnVault(t).FundTotal != 100_000_000 {
		t.Error("deposit after unpause not applied")
	}
}

// ====== Test: Protocol owner rotation ======

func TestProtocolOwnerRotation(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.drainPersist()

	successor := uuid.New()

	rogue := &event.ProtocolChangeOwner{Instruction: h.instr(h.alice), Owner: successor}
	h.stamp(rogue, func(s int64) { rogue.Sequence = s })
	h.process(t, rogue)
	env := lastEnvelope(t, h.drainPersist())
	if env.Failure != "Unauthorized" {
		t.Fatalf("failure = %q, want Unauthorized", env.Failure)
	}

	change := &event.ProtocolChangeOwner{Instruction: h.instr(h.admin), Owner: successor}
	h.stamp(change, func(s int64) { change.Sequence = s })
	h.process(t, change)

	p, err := h.core.Store().Protocol()
	if err != nil {
		t.Fatal(err)
	}
	if p.Owner != successor {
		t.Fatalf("owner = %s, want %s", p.Owner, successor)
	}

	// the old owner lost its privileges with the rotation
	pause := &event.ProtocolSet{Instruction: h.instr(h.admin), Flags: state.ProtocolFlags{Freeze: true}}
	h.stamp(pause, func(s int64) { pause.Sequence = s })
	h.process(t, pause)
	env = lastEnvelope(t, h.drainPersist())
	if env.Failure != "Unauthorized" {
		t.Fatalf("failure = %q, want Unauthorized", env.Failure)
	}

	pause2 := &event.ProtocolSet{Instruction: h.instr(successor), Flags: state.ProtocolFlags{Freeze: true}}
	h.stamp(pause2, func(s int64) { pause2.Sequence = s })
	h.process(t, pause2)
	p, _ = h.core.Store().Protocol()
	if !p.Freeze {
		t.Error("successor could not exercise owner privileges")
	}
}

// ====== Test: Leverage pair indexer rotation ======

func TestLeverageIndexerRotation(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.drainPersist()

	successor := uuid.New()

	rogue := &event.LeverageConfigChangeIndexer{
		Instruction: h.instr(h.keeper),
		Collateral:  assetUSDC,
		Native:      assetSOL,
		Indexer:     successor,
	}
	h.stamp(rogue, func(s int64) { rogue.Sequence = s })
	h.process(t, rogue)
	env := lastEnvelope(t, h.drainPersist())
	if env.Failure != "Unauthorized" {
		t.Fatalf("failure = %q, want Unauthorized", env.Failure)
	}

	change := &event.LeverageConfigChangeIndexer{
		Instruction: h.instr(h.admin),
		Collateral:  assetUSDC,
		Native:      assetSOL,
		Indexer:     successor,
	}
	h.stamp(change, func(s int64) { change.Sequence = s })
	h.process(t, change)

	cfg, err := h.core.Store().LeverageConfig(assetUSDC, assetSOL)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Indexer != successor {
		t.Fatalf("indexer = %s, want %s", cfg.Indexer, successor)
	}
}

// ====== Test: Stale price observations are dropped ======

func TestStalePriceDropped(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.drainPersist()

	// replay an older price sequence for the SOL feed
	evt := &event.OraclePriceUpdate{
		Instruction: h.instr(h.indexer),
		Feed:        solFeed,
		Price:       1, // would corrupt valuations if applied
		Expo:        8,
		PublishTime: h.now,
	}
	evt.Sequence = 0 // already consumed during bootstrap
	evt.InstructionID = uuid.New()
	if err := h.core.ProcessEvent(evt); err != nil {
		t.Fatalf("stale price errored: %v", err)
	}
	if got := len(h.drainPersist()); got != 0 {
		t.Fatalf("stale price emitted %d envelopes", got)
	}

	// a later sequence (gaps tolerated) is accepted
	h.priceSeqs[solFeed] = 5
	h.pushPrice(t, solFeed, 11_000_000_000)
	if got := len(h.drainPersist()); got != 1 {
		t.Fatalf("expected 1 envelope, got %d", got)
	}
}

// ====== Test: Snapshot and restore ======

func TestSnapshotRestore(t *testing.T) {
	h := newHarness()
	h.bootstrap(t)
	h.deposit(t, h.alice, 1_000_000_000)
	h.fund(t, h.bob, 100_000_000, 2_000, 1_995_000_000, state.PositionSettings{})
	h.drainPersist()

	snap := h.core.CreateSnapshotState()
	if snap.Sequence != h.core.GetSequence()-1 {
		t.Fatalf("snapshot sequence = %d", snap.Sequence)
	}

	restored := core.NewDeterministicCore(0, nil, nil, nil, nil)
	restored.RestoreFromSnapshot(snap)
	restored.WarmLRU(snap.IdempotencyKeys)

	if restored.GetSequence() != h.core.GetSequence() {
		t.Errorf("restored sequence = %d, want %d", restored.GetSequence(), h.core.GetSequence())
	}
	if restored.GetStateHash() != h.core.GetStateHash() {
		t.Error("restored chain tip differs")
	}
	if got := restored.Balances().GetPoolBalance(assetUSDC); got != 900_000_000 {
		t.Errorf("restored pool balance = %d", got)
	}

	obligation, err := restored.Store().Obligation(assetUSDC, assetSOL, h.bob)
	if err != nil {
		t.Fatalf("restored obligation missing: %v", err)
	}
	pos, err := obligation.PositionAt(0)
	if err != nil {
		t.Fatal(err)
	}
	if pos.Status != state.PositionFunded || pos.Unit != 1_995_000 {
		t.Error("restored position state differs")
	}
}

// ====== Test: Typed failure taxonomy ======

func TestErrorTaxonomy(t *testing.T) {
	if !errors.Is(state.ErrVaultFrozen, state.ErrVaultFrozen) {
		t.Fatal("sentinel identity broken")
	}
	// distinct sentinels must not alias
	sentinels := []error{
		state.ErrInvalidParameter,
		state.ErrVaultFrozen,
		state.ErrProtocolPaused,
		state.ErrInsufficientLiquidity,
		state.ErrLimitExceeded,
		state.ErrLeverageOutOfBounds,
		state.ErrSlippageExceeded,
		state.ErrRepaymentShortfall,
		state.ErrInvalidPositionState,
		state.ErrUnauthorized,
		vmath.ErrArithmeticOverflow,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Errorf("sentinel %d aliases %d", i, j)
			}
		}
	}
}
