package ingestion_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/ingestion"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

// testFeed is a 32-byte feed id in hex.
var testFeed = strings.Repeat("ab", 32)

func TestParseEarnVaultDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "550e8400-e29b-41d4-a716-446655440000",
		"caller":         "660e8400-e29b-41d4-a716-446655440001",
		"sequence":       int64(7),
		"time":           int64(1_700_000_000),
		"asset_id":       1,
		"amount":         uint64(1_000_000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "EarnVaultDeposit")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	d, ok := evt.(*event.EarnVaultDeposit)
	if !ok {
		t.Fatalf("expected *event.EarnVaultDeposit, got %T", evt)
	}

	if d.Asset != 1 {
		t.Errorf("asset: got %d, want 1", d.Asset)
	}
	if d.Amount != 1_000_000 {
		t.Errorf("amount: got %d, want 1_000_000", d.Amount)
	}
	if d.SourceSequence() != 7 {
		t.Errorf("sequence: got %d, want 7", d.SourceSequence())
	}
	if d.EventTime() != 1_700_000_000 {
		t.Errorf("time: got %d, want 1_700_000_000", d.EventTime())
	}
	if d.EventType() != event.EventTypeEarnVaultDeposit {
		t.Errorf("event type: got %v, want EarnVaultDeposit", d.EventType())
	}
	if d.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %s", d.IdempotencyKey())
	}
}

func TestParseLeverageVaultFund(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "550e8400-e29b-41d4-a716-446655440000",
		"caller":         "660e8400-e29b-41d4-a716-446655440001",
		"sequence":       int64(3),
		"time":           int64(1_700_000_000),
		"collateral_id":  1,
		"native_id":      3,
		"settings": map[string]interface{}{
			"safety_mode":     true,
			"emergency_eject": true,
		},
		"amount":      uint64(100_000_000),
		"leverage":    uint64(2_000),
		"swap_output": uint64(1_995_000_000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "LeverageVaultFund")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	f, ok := evt.(*event.LeverageVaultFund)
	if !ok {
		t.Fatalf("expected *event.LeverageVaultFund, got %T", evt)
	}

	if f.Collateral != 1 || f.Native != 3 {
		t.Errorf("pair: got %d/%d, want 1/3", f.Collateral, f.Native)
	}
	if f.Leverage != 2_000 {
		t.Errorf("leverage: got %d, want 2_000", f.Leverage)
	}
	if f.SwapOutput != 1_995_000_000 {
		t.Errorf("swap_output: got %d, want 1_995_000_000", f.SwapOutput)
	}
	if !f.Settings.SafetyMode || !f.Settings.EmergencyEject {
		t.Error("settings flags not carried through")
	}
	if f.VaultKey() == nil {
		t.Error("fund instruction must carry its pair partition")
	}
}

func TestParseLeverageVaultRepayBorrow(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "550e8400-e29b-41d4-a716-446655440000",
		"caller":         "660e8400-e29b-41d4-a716-446655440001",
		"sequence":       int64(9),
		"time":           int64(1_700_000_100),
		"collateral_id":  1,
		"native_id":      3,
		"number":         2,
		"owner":          "770e8400-e29b-41d4-a716-446655440002",
		"proceeds":       uint64(199_000_000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "LeverageVaultRepayBorrow")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	r, ok := evt.(*event.LeverageVaultRepayBorrow)
	if !ok {
		t.Fatalf("expected *event.LeverageVaultRepayBorrow, got %T", evt)
	}

	if r.Number != 2 {
		t.Errorf("number: got %d, want 2", r.Number)
	}
	if r.Owner.String() != "770e8400-e29b-41d4-a716-446655440002" {
		t.Errorf("owner: got %s", r.Owner)
	}
	if r.Proceeds != 199_000_000 {
		t.Errorf("proceeds: got %d, want 199_000_000", r.Proceeds)
	}
}

func TestParsePositionRefOwnerDefaultsToNil(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "550e8400-e29b-41d4-a716-446655440000",
		"caller":         "660e8400-e29b-41d4-a716-446655440001",
		"sequence":       int64(4),
		"time":           int64(1_700_000_000),
		"collateral_id":  1,
		"native_id":      3,
		"number":         0,
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "LeverageVaultClose")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	c, ok := evt.(*event.LeverageVaultClose)
	if !ok {
		t.Fatalf("expected *event.LeverageVaultClose, got %T", evt)
	}
	if c.Owner.String() != "00000000-0000-0000-0000-000000000000" {
		t.Errorf("owner should default to the zero id, got %s", c.Owner)
	}
}

func TestParseOraclePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "550e8400-e29b-41d4-a716-446655440000",
		"caller":         "660e8400-e29b-41d4-a716-446655440001",
		"sequence":       int64(100),
		"time":           int64(1_700_000_000),
		"feed":           testFeed,
		"price":          uint64(10_000_000_000),
		"expo":           8,
		"publish_time":   int64(1_700_000_000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "OraclePriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	p, ok := evt.(*event.OraclePriceUpdate)
	if !ok {
		t.Fatalf("expected *event.OraclePriceUpdate, got %T", evt)
	}

	if p.Price != 10_000_000_000 {
		t.Errorf("price: got %d, want 10_000_000_000", p.Price)
	}
	if p.Expo != 8 {
		t.Errorf("expo: got %d, want 8", p.Expo)
	}
	if p.Feed[0] != 0xab || p.Feed[31] != 0xab {
		t.Error("feed bytes not decoded")
	}
	if p.VaultKey() != nil {
		t.Error("price observations are globally partitioned")
	}
}

func TestParseFeedRejectsBadLength(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "550e8400-e29b-41d4-a716-446655440000",
		"caller":         "660e8400-e29b-41d4-a716-446655440001",
		"sequence":       int64(0),
		"time":           int64(1_700_000_000),
		"feed":           "abcd", // 2 bytes, not 32
		"price":          uint64(1),
		"expo":           8,
		"publish_time":   int64(1_700_000_000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "OraclePriceUpdate"); err == nil {
		t.Fatal("expected error for short feed id")
	}
}

func TestParseEarnConfigCreate(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "550e8400-e29b-41d4-a716-446655440000",
		"caller":         "660e8400-e29b-41d4-a716-446655440001",
		"sequence":       int64(0),
		"time":           int64(1_700_000_000),
		"asset_id":       1,
		"indexer":        "770e8400-e29b-41d4-a716-446655440002",
		"fee_vault":      "880e8400-e29b-41d4-a716-446655440003",
		"params": map[string]interface{}{
			"ltv":            uint64(50_000),
			"floor_cap_rate": uint64(100_000),
			"min_deposit":    uint64(1),
			"max_deposit":    uint64(1_000_000_000),
		},
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "EarnConfigCreate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	c, ok := evt.(*event.EarnConfigCreate)
	if !ok {
		t.Fatalf("expected *event.EarnConfigCreate, got %T", evt)
	}

	if c.Params.LTV != 50_000 {
		t.Errorf("ltv: got %d, want 50_000", c.Params.LTV)
	}
	if c.Params.MaxDeposit != 1_000_000_000 {
		t.Errorf("max_deposit: got %d, want 1_000_000_000", c.Params.MaxDeposit)
	}
	if c.Indexer.String() != "770e8400-e29b-41d4-a716-446655440002" {
		t.Errorf("indexer: got %s", c.Indexer)
	}
}

func TestParseProtocolChangeOwner(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "550e8400-e29b-41d4-a716-446655440000",
		"caller":         "660e8400-e29b-41d4-a716-446655440001",
		"sequence":       int64(2),
		"time":           int64(1_700_000_000),
		"owner":          "770e8400-e29b-41d4-a716-446655440002",
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "ProtocolChangeOwner")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	c, ok := evt.(*event.ProtocolChangeOwner)
	if !ok {
		t.Fatalf("expected *event.ProtocolChangeOwner, got %T", evt)
	}
	if c.Owner.String() != "770e8400-e29b-41d4-a716-446655440002" {
		t.Errorf("owner: got %s", c.Owner)
	}
	if c.VaultKey() != nil {
		t.Error("owner rotation is globally partitioned")
	}
}

func TestParseLeverageConfigChangeIndexer(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "550e8400-e29b-41d4-a716-446655440000",
		"caller":         "660e8400-e29b-41d4-a716-446655440001",
		"sequence":       int64(5),
		"time":           int64(1_700_000_000),
		"collateral_id":  1,
		"native_id":      3,
		"indexer":        "770e8400-e29b-41d4-a716-446655440002",
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "LeverageConfigChangeIndexer")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	c, ok := evt.(*event.LeverageConfigChangeIndexer)
	if !ok {
		t.Fatalf("expected *event.LeverageConfigChangeIndexer, got %T", evt)
	}
	if c.Collateral != 1 || c.Native != 3 {
		t.Errorf("pair: got %d/%d, want 1/3", c.Collateral, c.Native)
	}
	if c.Indexer.String() != "770e8400-e29b-41d4-a716-446655440002" {
		t.Errorf("indexer: got %s", c.Indexer)
	}
	if c.VaultKey() == nil {
		t.Error("indexer rotation must carry its pair partition")
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawEvent(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawEvent(raw, "EarnVaultDeposit")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "not-a-uuid",
		"caller":         "also-not-a-uuid",
		"sequence":       int64(0),
		"time":           int64(0),
		"asset_id":       1,
		"amount":         uint64(1),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawEvent(raw, "EarnVaultDeposit")
	if err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}
