package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	vmath "VaultLedger/internal/math"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/state"
)

// DeterministicCore is the single-threaded instruction processor. It owns
// every record and balance; all timestamps are versioned inputs and the
// core never reads the wall clock for state decisions.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	store             *state.Store
	oracle            *state.OracleAdapter
	health            *state.HealthCalculator
	accrual           state.AccrualStrategy
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
}

func NewDeterministicCore(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	balanceTracker := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(balanceTracker)
	journalGen := ledger.NewJournalGenerator(startSequence, balanceTracker)
	oracle := state.NewOracleAdapter(state.DefaultMaxPriceAge)

	// Initialize with capacity of 1M entries (configurable)
	idempotencyChecker := NewIdempotencyChecker(1_000_000, dbChecker)
	sequenceValidator := NewSequenceValidator()

	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		store:             state.NewStore(),
		oracle:            oracle,
		health:            state.NewHealthCalculator(oracle),
		accrual:           state.PushedInterestAccrual{},
		balanceTracker:    balanceTracker,
		journalGen:        journalGen,
		validator:         validator,
		idempotency:       idempotencyChecker,
		sequenceValidator: sequenceValidator,
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation
	partition := c.getPartition(evt)
	sourceSequence := evt.SourceSequence()

	// Price observations are sequenced per feed and tolerate gaps; stale
	// observations are dropped without entering the log.
	if priceEvt, ok := evt.(*event.OraclePriceUpdate); ok {
		feed := feedLabel(priceEvt.Feed)
		expected := c.sequenceValidator.GetExpectedSequence("price:" + feed)
		if err := c.sequenceValidator.ValidatePriceSequence(feed, sourceSequence); err != nil {
			return err
		}
		if sourceSequence < expected {
			if c.metrics != nil {
				c.metrics.CoreEventsRejected.WithLabelValues(eventType, "stale").Inc()
			}
			return nil
		}
	} else {
		if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, idempotencyKey, isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Event dispatch
	batches, dispatchErr := c.dispatchEvent(evt)
	if dispatchErr != nil {
		// Rejected instructions still enter the log: the envelope records
		// the typed failure and the hash chain advances over unchanged state.
		c.recordRejection(evt, dispatchErr)
		return nil
	}

	// Drop nil batches from handlers whose flows produced no journals;
	// an instruction with no fund flows still gets one envelope.
	applied := batches[:0]
	for _, b := range batches {
		if b != nil {
			applied = append(applied, b)
		}
	}
	if len(applied) == 0 {
		applied = []*ledger.Batch{nil}
	}

	// Step 4-9: Process each batch
	outputs := make([]CoreOutput, 0, len(applied))
	payload, _ := json.Marshal(evt)

	for i, batch := range applied {
		if batch != nil && len(batch.Journals) > 0 {
			// Validate batch balance
			if err := c.validator.ValidateBatchBalance(batch); err != nil {
				panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
			}

			// Apply batch to balances
			if err := c.balanceTracker.ApplyBatch(batch); err != nil {
				return fmt.Errorf("apply batch failed: %w", err)
			}

			if c.metrics != nil {
				for _, j := range batch.Journals {
					c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
				}
			}
		}

		// Compute state digest and hash
		hashStart := time.Now()
		stateDigest := c.computeStateDigest(batch)
		prevHash := c.hasher.GetPrevHash()
		stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
		if c.metrics != nil {
			c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
		}

		envelope := &event.EventEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: idempotencyKey,
			EventType:      evt.EventType(),
			VaultKey:       evt.VaultKey(),
			Timestamp:      evt.EventTime(),
			SourceSequence: sourceSequence,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		}
		if i == 0 {
			envelope.Payload = payload
		}

		outputs = append(outputs, CoreOutput{
			Envelope:   envelope,
			Batch:      batch,
			StateDelta: stateDigest,
		})
		c.sequence++
	}

	// Step 10: Post-checks
	if err := c.postCheckInvariants(evt); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 11: Emit outputs. Persist channel uses a BLOCKING send so no
	// applied event is ever lost; projection channel is NON-BLOCKING with
	// silent drop (projections rebuild from the event log).
	for _, output := range outputs {
		c.emitOutput(output)
	}

	// Step 12: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return nil
}

func (c *DeterministicCore) emitOutput(output CoreOutput) {
	if c.persistChan != nil {
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			// Dropped; the projection catches up from the event log
		}
	}
}

// recordRejection writes a failure envelope for a dispatched instruction
// that was refused. The rejection is final: it consumes a sequence, joins
// the hash chain and is marked processed so a replay cannot re-execute it.
func (c *DeterministicCore) recordRejection(evt event.Event, cause error) {
	eventType := evt.EventType().String()
	failure := failureName(cause)

	stateDigest := c.computeStateDigest(nil)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	payload, _ := json.Marshal(evt)

	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			VaultKey:       evt.VaultKey(),
			Timestamp:      evt.EventTime(),
			SourceSequence: evt.SourceSequence(),
			Payload:        payload,
			Failure:        failure,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		StateDelta: stateDigest,
	}
	c.sequence++

	c.emitOutput(output)
	c.idempotency.MarkProcessed(eventType, evt.IdempotencyKey())

	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, failure).Inc()
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}
}

// failureName maps the typed failure taxonomy to the envelope field.
func failureName(err error) string {
	switch {
	case errors.Is(err, state.ErrInvalidParameter):
		return "InvalidParameter"
	case errors.Is(err, state.ErrVaultFrozen):
		return "VaultFrozen"
	case errors.Is(err, state.ErrProtocolPaused):
		return "ProtocolPaused"
	case errors.Is(err, state.ErrInsufficientLiquidity):
		return "InsufficientLiquidity"
	case errors.Is(err, state.ErrLimitExceeded):
		return "LimitExceeded"
	case errors.Is(err, state.ErrLeverageOutOfBounds):
		return "LeverageOutOfBounds"
	case errors.Is(err, state.ErrSlippageExceeded):
		return "SlippageExceeded"
	case errors.Is(err, state.ErrRepaymentShortfall):
		return "RepaymentShortfall"
	case errors.Is(err, state.ErrInvalidPositionState):
		return "InvalidPositionState"
	case errors.Is(err, state.ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, vmath.ErrArithmeticOverflow):
		return "ArithmeticOverflow"
	case errors.Is(err, vmath.ErrDivisionByZero):
		return "DivisionByZero"
	default:
		return "Internal"
	}
}

// getPartition determines the partition key for sequence validation
func (c *DeterministicCore) getPartition(evt event.Event) string {
	if key := evt.VaultKey(); key != nil {
		return *key
	}
	return "global"
}

func feedLabel(feed state.PriceFeed) string {
	return fmt.Sprintf("%x", feed[:8])
}

// computeStateDigest creates canonical bytes for the state hash: the
// balances the batch touched (sorted by account path) followed by the
// record store in key order.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch) []byte {
	affectedAccounts := make(map[ledger.AccountKey]bool)

	if batch != nil {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, 256)

	for _, key := range accounts {
		balance := c.balanceTracker.GetBalance(key)
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, balance)
	}

	for _, v := range c.store.SortedEarnVaults() {
		digest = appendRecordDigest(digest, v.Key.String(),
			v.Index, v.UnitSupply, v.FundTotal, v.FundBorrowTotal)
	}
	for _, v := range c.store.SortedLeverageVaults() {
		digest = appendRecordDigest(digest, v.Key.String(),
			v.Index, v.UnitSupply, v.BorrowingIndex, v.BorrowingUnitSupply)
	}
	for _, l := range c.store.SortedLenders() {
		digest = appendRecordDigest(digest, l.Key.String(),
			l.Principal, l.Unit, l.Index)
	}
	for _, o := range c.store.SortedObligations() {
		digest = append(digest, o.CanonicalBytes()...)
	}

	return digest
}

func appendRecordDigest(buf []byte, key string, vals ...uint64) []byte {
	buf = append(buf, byte(len(key)))
	buf = append(buf, []byte(key)...)
	for _, v := range vals {
		buf = appendInt64LE(buf, int64(v))
	}
	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after batch application
func (c *DeterministicCore) postCheckInvariants(evt event.Event) error {
	// The earn pool account must agree with the vault's available liquidity
	// after any operation that moves pool funds.
	checkPool := func(asset state.AssetID) error {
		v, err := c.store.EarnVault(asset)
		if err != nil {
			return err
		}
		return c.validator.ValidatePoolMatchesVault(asset, v.AvailableLiquidity())
	}

	switch e := evt.(type) {
	case *event.EarnVaultDeposit:
		if err := checkPool(e.Asset); err != nil {
			return fmt.Errorf("post-check pool: %w", err)
		}
	case *event.EarnVaultWithdraw:
		if err := checkPool(e.Asset); err != nil {
			return fmt.Errorf("post-check pool: %w", err)
		}
	case *event.EarnInterestAccrue:
		if err := checkPool(e.Asset); err != nil {
			return fmt.Errorf("post-check pool: %w", err)
		}
	case *event.LeverageVaultFund:
		if err := checkPool(e.Collateral); err != nil {
			return fmt.Errorf("post-check pool: %w", err)
		}
		if err := c.validator.ValidatePositionAccountsNonNegative(e.Caller, e.Collateral, e.Native); err != nil {
			return fmt.Errorf("post-check position accounts: %w", err)
		}
	case *event.LeverageVaultRepayBorrow:
		if err := checkPool(e.Collateral); err != nil {
			return fmt.Errorf("post-check pool: %w", err)
		}
		if err := c.validator.ValidatePositionAccountsNonNegative(ownerOf(e.Owner, e.Caller), e.Collateral, e.Native); err != nil {
			return fmt.Errorf("post-check position accounts: %w", err)
		}
	case *event.LeverageVaultRelease:
		if err := c.validator.ValidatePositionAccountsNonNegative(ownerOf(e.Owner, e.Caller), e.Collateral, e.Native); err != nil {
			return fmt.Errorf("post-check position accounts: %w", err)
		}
	case *event.LeverageVaultClosing:
		if err := c.validator.ValidatePositionAccountsNonNegative(ownerOf(e.Owner, e.Caller), e.Collateral, e.Native); err != nil {
			return fmt.Errorf("post-check position accounts: %w", err)
		}
	}

	// Periodic whole-ledger zero-sum check
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check global balance (at seq %d): %w", c.sequence, err)
		}
	}

	return nil
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]int64
	Records         *state.Snapshot
	Prices          map[state.PriceFeed]state.OraclePrice
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart the latest snapshot loads first, then the event log
// replays from the snapshot sequence.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1 // next sequence to assign
	c.hasher.SetPrevHash(snap.StateHash)

	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}

	if snap.Records != nil {
		c.store.RestoreSnapshot(snap.Records)
	}

	c.oracle.Restore(snap.Prices)

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, nextSeq)
	}

	c.journalGen.SetSequence(snap.Sequence + 1)
}

// WarmLRU loads recent idempotency keys into the LRU cache so recently
// processed instructions skip the cold-path DB lookup after restart.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the current global sequence number.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Store exposes the record store for read-only query access. Callers must
// not mutate records outside the core goroutine.
func (c *DeterministicCore) Store() *state.Store {
	return c.store
}

// Balances exposes the balance tracker for read-only query access.
func (c *DeterministicCore) Balances() *ledger.BalanceTracker {
	return c.balanceTracker
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1, // last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balanceTracker.Snapshot(),
		Records:         c.store.CreateSnapshot(),
		Prices:          c.oracle.Snapshot(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
