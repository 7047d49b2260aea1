package event

// EventType discriminator for instruction payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// protocol and config registry
	EventTypeProtocolCreate
	EventTypeProtocolSet
	EventTypeProtocolChangeOwner
	EventTypeEarnConfigCreate
	EventTypeEarnConfigSet
	EventTypeEarnConfigChangeIndexer
	EventTypeLeverageConfigCreate
	EventTypeLeverageConfigSet
	EventTypeLeverageConfigChangeKeeper
	EventTypeLeverageConfigChangeIndexer

	// earn vault
	EventTypeEarnVaultCreate
	EventTypeEarnVaultDeposit
	EventTypeEarnVaultWithdraw
	EventTypeEarnVaultChangeOracle
	EventTypeEarnInterestAccrue

	// leverage vault and position pipeline
	EventTypeLeverageVaultCreate
	EventTypeLeverageVaultCreateLiquidity
	EventTypeLeverageVaultChangeOracle
	EventTypeLeverageVaultFund
	EventTypeLeverageVaultClose
	EventTypeLeverageVaultRelease
	EventTypeLeverageVaultRepayBorrow
	EventTypeLeverageVaultClosing
	EventTypeLeverageVaultLiquidate
	EventTypeLeverageVaultEject
	EventTypeLeverageVaultConfiscate
	EventTypeSetSafetyMode
	EventTypeSetEmergencyEject
	EventTypeSetProfitTaker

	// oracle
	EventTypeOraclePriceUpdate
)

// EventEnvelope wraps every processed instruction in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Partition context: the vault record the instruction targets
	// (nil for global instructions)
	VaultKey *string

	// Versioned input timestamp in unix seconds (NOT wall-clock)
	Timestamp int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded instruction payload
	Payload []byte

	// Typed failure name, empty on success
	Failure string

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all instruction payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// VaultKey returns the sequencing partition (nil for global)
	VaultKey() *string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// EventTime returns the instruction timestamp in unix seconds
	EventTime() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeProtocolCreate:
		return "ProtocolCreate"
	case EventTypeProtocolSet:
		return "ProtocolSet"
	case EventTypeProtocolChangeOwner:
		return "ProtocolChangeOwner"
	case EventTypeEarnConfigCreate:
		return "EarnConfigCreate"
	case EventTypeEarnConfigSet:
		return "EarnConfigSet"
	case EventTypeEarnConfigChangeIndexer:
		return "EarnConfigChangeIndexer"
	case EventTypeLeverageConfigCreate:
		return "LeverageConfigCreate"
	case EventTypeLeverageConfigSet:
		return "LeverageConfigSet"
	case EventTypeLeverageConfigChangeKeeper:
		return "LeverageConfigChangeKeeper"
	case EventTypeLeverageConfigChangeIndexer:
		return "LeverageConfigChangeIndexer"
	case EventTypeEarnVaultCreate:
		return "EarnVaultCreate"
	case EventTypeEarnVaultDeposit:
		return "EarnVaultDeposit"
	case EventTypeEarnVaultWithdraw:
		return "EarnVaultWithdraw"
	case EventTypeEarnVaultChangeOracle:
		return "EarnVaultChangeOracle"
	case EventTypeEarnInterestAccrue:
		return "EarnInterestAccrue"
	case EventTypeLeverageVaultCreate:
		return "LeverageVaultCreate"
	case EventTypeLeverageVaultCreateLiquidity:
		return "LeverageVaultCreateLiquidity"
	case EventTypeLeverageVaultChangeOracle:
		return "LeverageVaultChangeOracle"
	case EventTypeLeverageVaultFund:
		return "LeverageVaultFund"
	case EventTypeLeverageVaultClose:
		return "LeverageVaultClose"
	case EventTypeLeverageVaultRelease:
		return "LeverageVaultRelease"
	case EventTypeLeverageVaultRepayBorrow:
		return "LeverageVaultRepayBorrow"
	case EventTypeLeverageVaultClosing:
		return "LeverageVaultClosing"
	case EventTypeLeverageVaultLiquidate:
		return "LeverageVaultLiquidate"
	case EventTypeLeverageVaultEject:
		return "LeverageVaultEject"
	case EventTypeLeverageVaultConfiscate:
		return "LeverageVaultConfiscate"
	case EventTypeSetSafetyMode:
		return "SetSafetyMode"
	case EventTypeSetEmergencyEject:
		return "SetEmergencyEject"
	case EventTypeSetProfitTaker:
		return "SetProfitTaker"
	case EventTypeOraclePriceUpdate:
		return "OraclePriceUpdate"
	default:
		return "Unknown"
	}
}
