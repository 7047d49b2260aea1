package state

import (
	"github.com/google/uuid"
)

// MaxObligationPositions is the fixed slot count per obligation.
const MaxObligationPositions = 3

// Obligation is one user's arena of position slots against one asset
// pair. Slots are addressed by index and reused across lifecycles; the
// arena never grows.
type Obligation struct {
	Key        RecordKey
	Version    uint8
	Owner      uuid.UUID
	Collateral AssetID
	Native     AssetID

	Positions      [MaxObligationPositions]Position
	NextPositionID uint64

	CreatedAt   int64
	LastUpdated int64
}

func NewObligation(collateral, native AssetID, owner uuid.UUID, now int64) *Obligation {
	return &Obligation{
		Key:            ObligationKey(collateral, native, owner),
		Version:        1,
		Owner:          owner,
		Collateral:     collateral,
		Native:         native,
		NextPositionID: 1,
		CreatedAt:      now,
		LastUpdated:    now,
	}
}

// GenerateID hands out the next monotone position id.
func (o *Obligation) GenerateID() uint64 {
	id := o.NextPositionID
	o.NextPositionID++
	return id
}

// FreeSlot finds the first reusable slot, failing with LimitExceeded when
// the arena is full.
func (o *Obligation) FreeSlot() (*Position, int, error) {
	for i := range o.Positions {
		if !o.Positions[i].Occupied() {
			return &o.Positions[i], i, nil
		}
	}
	return nil, 0, ErrLimitExceeded
}

// PositionAt bounds-checks a caller-supplied slot index.
func (o *Obligation) PositionAt(number int) (*Position, error) {
	if number < 0 || number >= MaxObligationPositions {
		return nil, ErrInvalidParameter
	}
	return &o.Positions[number], nil
}

// ActiveCount is the number of slots holding value or an in-flight flow.
func (o *Obligation) ActiveCount() int {
	n := 0
	for i := range o.Positions {
		if o.Positions[i].Occupied() {
			n++
		}
	}
	return n
}

// IsEmpty reports whether every slot is free. Drives the active-user
// stats counter.
func (o *Obligation) IsEmpty() bool {
	return o.ActiveCount() == 0
}

// CanonicalBytes serializes the obligation deterministically for state
// hashing.
func (o *Obligation) CanonicalBytes() []byte {
	buf := make([]byte, 0, 32+MaxObligationPositions*96)
	buf = append(buf, o.Owner[:]...)
	buf = appendUint64LE(buf, uint64(o.Collateral))
	buf = appendUint64LE(buf, uint64(o.Native))
	buf = appendUint64LE(buf, o.NextPositionID)
	for i := range o.Positions {
		buf = append(buf, o.Positions[i].CanonicalBytes()...)
	}
	return buf
}
