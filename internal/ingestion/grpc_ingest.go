package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"VaultLedger/internal/event"
	"VaultLedger/internal/state"
)

// GRPCIngestService provides admin/manual instruction injection via gRPC.
// It exists for operational interventions and backfills, not for
// high-throughput ingestion (use NATS for that).
type GRPCIngestService struct {
	eventChan chan<- event.Event
}

func NewGRPCIngestService(eventChan chan<- event.Event) *GRPCIngestService {
	return &GRPCIngestService{eventChan: eventChan}
}

func adminInstruction(caller uuid.UUID) event.Instruction {
	now := time.Now()
	return event.Instruction{
		InstructionID: uuid.New(),
		Caller:        caller,
		Sequence:      now.UnixMicro(), // Admin-injected: use timestamp as sequence
		Time:          now.Unix(),
	}
}

// InjectDeposit manually injects an EarnVaultDeposit instruction.
func (s *GRPCIngestService) InjectDeposit(
	ctx context.Context,
	caller uuid.UUID,
	asset state.AssetID,
	amount uint64,
) error {
	if amount == 0 {
		return fmt.Errorf("amount must be positive")
	}

	evt := &event.EarnVaultDeposit{
		Instruction: adminInstruction(caller),
		Asset:       asset,
		Amount:      amount,
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectWithdraw manually injects an EarnVaultWithdraw instruction.
func (s *GRPCIngestService) InjectWithdraw(
	ctx context.Context,
	caller uuid.UUID,
	asset state.AssetID,
	amount, minAmountOut uint64,
) error {
	if amount == 0 {
		return fmt.Errorf("amount must be positive")
	}

	evt := &event.EarnVaultWithdraw{
		Instruction:  adminInstruction(caller),
		Asset:        asset,
		Amount:       amount,
		MinAmountOut: minAmountOut,
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectPrice manually injects an OraclePriceUpdate observation.
func (s *GRPCIngestService) InjectPrice(
	ctx context.Context,
	caller uuid.UUID,
	feed state.PriceFeed,
	price uint64,
	expo int,
	priceSequence int64,
) error {
	if price == 0 {
		return fmt.Errorf("price must be positive")
	}

	now := time.Now()
	evt := &event.OraclePriceUpdate{
		Instruction: event.Instruction{
			InstructionID: uuid.New(),
			Caller:        caller,
			Sequence:      priceSequence,
			Time:          now.Unix(),
		},
		Feed:        feed,
		Price:       price,
		Expo:        expo,
		PublishTime: now.Unix(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectInterestAccrue manually injects an EarnInterestAccrue instruction.
// The caller must be the asset's configured indexer or the core rejects it.
func (s *GRPCIngestService) InjectInterestAccrue(
	ctx context.Context,
	caller uuid.UUID,
	asset state.AssetID,
	borrowInterest, leverageInterest uint64,
) error {
	if borrowInterest == 0 && leverageInterest == 0 {
		return fmt.Errorf("interest must be positive")
	}

	evt := &event.EarnInterestAccrue{
		Instruction:      adminInstruction(caller),
		Asset:            asset,
		BorrowInterest:   borrowInterest,
		LeverageInterest: leverageInterest,
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectProtocolFlags manually injects a ProtocolSet instruction, the
// operational kill switch for whole instruction families.
func (s *GRPCIngestService) InjectProtocolFlags(
	ctx context.Context,
	caller uuid.UUID,
	flags state.ProtocolFlags,
) error {
	evt := &event.ProtocolSet{
		Instruction: adminInstruction(caller),
		Flags:       flags,
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
