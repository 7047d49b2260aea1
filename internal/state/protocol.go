package state

import "github.com/google/uuid"

// Protocol is the single global policy record. Its pause flags gate whole
// instruction families; per-asset frozen flags live on the configs. Flags
// are read per operation, never cached process-wide.
type Protocol struct {
	Key         RecordKey
	Version     uint8
	Creator     uuid.UUID
	Owner       uuid.UUID
	Freeze      bool // master switch, overridden per family below
	FreezeEarn  bool // deposit/withdraw
	FreezeLend  bool // plain borrow
	FreezeLever bool // leveraged positions
	LastUpdated int64
}

type ProtocolFlags struct {
	Freeze      bool
	FreezeEarn  bool
	FreezeLend  bool
	FreezeLever bool
}

func NewProtocol(creator, owner uuid.UUID, flags ProtocolFlags, now int64) *Protocol {
	return &Protocol{
		Key:         ProtocolKey(),
		Version:     1,
		Creator:     creator,
		Owner:       owner,
		Freeze:      flags.Freeze,
		FreezeEarn:  flags.FreezeEarn,
		FreezeLend:  flags.FreezeLend,
		FreezeLever: flags.FreezeLever,
		LastUpdated: now,
	}
}

// Set replaces the pause flags. Only the owner may call it.
func (p *Protocol) Set(caller uuid.UUID, flags ProtocolFlags, now int64) error {
	if caller != p.Owner {
		return ErrUnauthorized
	}
	p.Freeze = flags.Freeze
	p.FreezeEarn = flags.FreezeEarn
	p.FreezeLend = flags.FreezeLend
	p.FreezeLever = flags.FreezeLever
	p.LastUpdated = now
	return nil
}

func (p *Protocol) ChangeOwner(caller, owner uuid.UUID, now int64) error {
	if caller != p.Owner {
		return ErrUnauthorized
	}
	p.Owner = owner
	p.LastUpdated = now
	return nil
}

// CheckEarn gates deposit/withdraw instructions.
func (p *Protocol) CheckEarn() error {
	if p.Freeze || p.FreezeEarn {
		return ErrProtocolPaused
	}
	return nil
}

// CheckLend gates plain borrow instructions.
func (p *Protocol) CheckLend() error {
	if p.Freeze || p.FreezeLend {
		return ErrProtocolPaused
	}
	return nil
}

// CheckLeverage gates the position pipeline.
func (p *Protocol) CheckLeverage() error {
	if p.Freeze || p.FreezeLever {
		return ErrProtocolPaused
	}
	return nil
}
