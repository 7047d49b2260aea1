package state

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Store is the keyed record store standing in for deterministic account
// addressing: every record is located by recomputing its RecordKey, never
// by a pointer graph. One Store is owned by one engine goroutine; the
// single-writer discipline comes from the engine loop, not from locks.
type Store struct {
	protocol        *Protocol
	earnConfigs     map[RecordKey]*EarnConfig
	leverageConfigs map[RecordKey]*LeverageConfig
	earnVaults      map[RecordKey]*EarnVault
	lenders         map[RecordKey]*Lender
	leverageVaults  map[RecordKey]*LeverageVault
	obligations     map[RecordKey]*Obligation
	stats           map[RecordKey]*Stats
}

func NewStore() *Store {
	return &Store{
		earnConfigs:     make(map[RecordKey]*EarnConfig),
		leverageConfigs: make(map[RecordKey]*LeverageConfig),
		earnVaults:      make(map[RecordKey]*EarnVault),
		lenders:         make(map[RecordKey]*Lender),
		leverageVaults:  make(map[RecordKey]*LeverageVault),
		obligations:     make(map[RecordKey]*Obligation),
		stats:           make(map[RecordKey]*Stats),
	}
}

func missing(key RecordKey) error {
	return fmt.Errorf("%w: no record at %s", ErrInvalidParameter, key)
}

func exists(key RecordKey) error {
	return fmt.Errorf("%w: record already exists at %s", ErrInvalidParameter, key)
}

func (s *Store) Protocol() (*Protocol, error) {
	if s.protocol == nil {
		return nil, missing(ProtocolKey())
	}
	return s.protocol, nil
}

func (s *Store) CreateProtocol(p *Protocol) error {
	if s.protocol != nil {
		return exists(ProtocolKey())
	}
	s.protocol = p
	return nil
}

func (s *Store) EarnConfig(asset AssetID) (*EarnConfig, error) {
	cfg, ok := s.earnConfigs[EarnConfigKey(asset)]
	if !ok {
		return nil, missing(EarnConfigKey(asset))
	}
	return cfg, nil
}

func (s *Store) CreateEarnConfig(cfg *EarnConfig) error {
	if _, ok := s.earnConfigs[cfg.Key]; ok {
		return exists(cfg.Key)
	}
	s.earnConfigs[cfg.Key] = cfg
	return nil
}

func (s *Store) LeverageConfig(collateral, native AssetID) (*LeverageConfig, error) {
	key := LeverageConfigKey(collateral, native)
	cfg, ok := s.leverageConfigs[key]
	if !ok {
		return nil, missing(key)
	}
	return cfg, nil
}

func (s *Store) CreateLeverageConfig(cfg *LeverageConfig) error {
	if _, ok := s.leverageConfigs[cfg.Key]; ok {
		return exists(cfg.Key)
	}
	s.leverageConfigs[cfg.Key] = cfg
	return nil
}

func (s *Store) EarnVault(asset AssetID) (*EarnVault, error) {
	key := EarnVaultKey(asset)
	v, ok := s.earnVaults[key]
	if !ok {
		return nil, missing(key)
	}
	return v, nil
}

func (s *Store) CreateEarnVault(v *EarnVault) error {
	if _, ok := s.earnVaults[v.Key]; ok {
		return exists(v.Key)
	}
	s.earnVaults[v.Key] = v
	return nil
}

// LenderOrNew returns the lender record, creating it on first deposit the
// way the deterministic address model does.
func (s *Store) LenderOrNew(asset AssetID, owner uuid.UUID, tokenDecimals int, now int64) *Lender {
	key := LenderKey(asset, owner)
	if l, ok := s.lenders[key]; ok {
		return l
	}
	l := NewLender(asset, owner, tokenDecimals, now)
	s.lenders[key] = l
	return l
}

func (s *Store) Lender(asset AssetID, owner uuid.UUID) (*Lender, error) {
	key := LenderKey(asset, owner)
	l, ok := s.lenders[key]
	if !ok {
		return nil, missing(key)
	}
	return l, nil
}

func (s *Store) LeverageVault(collateral, native AssetID) (*LeverageVault, error) {
	key := LeverageVaultKey(collateral, native)
	v, ok := s.leverageVaults[key]
	if !ok {
		return nil, missing(key)
	}
	return v, nil
}

func (s *Store) CreateLeverageVault(v *LeverageVault) error {
	if _, ok := s.leverageVaults[v.Key]; ok {
		return exists(v.Key)
	}
	s.leverageVaults[v.Key] = v
	return nil
}

func (s *Store) CreateObligation(o *Obligation) error {
	if _, ok := s.obligations[o.Key]; ok {
		return exists(o.Key)
	}
	s.obligations[o.Key] = o
	return nil
}

func (s *Store) Obligation(collateral, native AssetID, owner uuid.UUID) (*Obligation, error) {
	key := ObligationKey(collateral, native, owner)
	o, ok := s.obligations[key]
	if !ok {
		return nil, missing(key)
	}
	return o, nil
}

func (s *Store) StatsOrNew(collateral, native AssetID, now int64) *Stats {
	key := StatsKey(collateral, native)
	if st, ok := s.stats[key]; ok {
		return st
	}
	st := NewStats(collateral, native, now)
	s.stats[key] = st
	return st
}

// SortedEarnVaults returns vaults in key order for deterministic hashing
// and snapshots.
func (s *Store) SortedEarnVaults() []*EarnVault {
	out := make([]*EarnVault, 0, len(s.earnVaults))
	for _, v := range s.earnVaults {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (s *Store) SortedLeverageVaults() []*LeverageVault {
	out := make([]*LeverageVault, 0, len(s.leverageVaults))
	for _, v := range s.leverageVaults {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (s *Store) SortedLenders() []*Lender {
	out := make([]*Lender, 0, len(s.lenders))
	for _, l := range s.lenders {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (s *Store) SortedObligations() []*Obligation {
	out := make([]*Obligation, 0, len(s.obligations))
	for _, o := range s.obligations {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (s *Store) SortedStats() []*Stats {
	out := make([]*Stats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (s *Store) SortedEarnConfigs() []*EarnConfig {
	out := make([]*EarnConfig, 0, len(s.earnConfigs))
	for _, c := range s.earnConfigs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (s *Store) SortedLeverageConfigs() []*LeverageConfig {
	out := make([]*LeverageConfig, 0, len(s.leverageConfigs))
	for _, c := range s.leverageConfigs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Snapshot is the serializable full-state image used by the persistence
// snapshotter and by restart recovery.
type Snapshot struct {
	Protocol        *Protocol         `json:"protocol,omitempty"`
	EarnConfigs     []*EarnConfig     `json:"earn_configs"`
	LeverageConfigs []*LeverageConfig `json:"leverage_configs"`
	EarnVaults      []*EarnVault      `json:"earn_vaults"`
	Lenders         []*Lender         `json:"lenders"`
	LeverageVaults  []*LeverageVault  `json:"leverage_vaults"`
	Obligations     []*Obligation     `json:"obligations"`
	Stats           []*Stats          `json:"stats"`
}

func (s *Store) CreateSnapshot() *Snapshot {
	return &Snapshot{
		Protocol:        s.protocol,
		EarnConfigs:     s.SortedEarnConfigs(),
		LeverageConfigs: s.SortedLeverageConfigs(),
		EarnVaults:      s.SortedEarnVaults(),
		Lenders:         s.SortedLenders(),
		LeverageVaults:  s.SortedLeverageVaults(),
		Obligations:     s.SortedObligations(),
		Stats:           s.SortedStats(),
	}
}

func (s *Store) RestoreSnapshot(snap *Snapshot) {
	fresh := NewStore()
	fresh.protocol = snap.Protocol
	for _, c := range snap.EarnConfigs {
		fresh.earnConfigs[c.Key] = c
	}
	for _, c := range snap.LeverageConfigs {
		fresh.leverageConfigs[c.Key] = c
	}
	for _, v := range snap.EarnVaults {
		fresh.earnVaults[v.Key] = v
	}
	for _, l := range snap.Lenders {
		fresh.lenders[l.Key] = l
	}
	for _, v := range snap.LeverageVaults {
		fresh.leverageVaults[v.Key] = v
	}
	for _, o := range snap.Obligations {
		fresh.obligations[o.Key] = o
	}
	for _, st := range snap.Stats {
		fresh.stats[st.Key] = st
	}
	*s = *fresh
}
