package state

// Stats is the derived telemetry record for one asset pair. Purely a side
// effect of ledger mutations, updated last in every operation.
type Stats struct {
	Key         RecordKey
	Version     uint8
	ActiveUsers uint64
	LastUpdated int64
}

func NewStats(collateral, native AssetID, now int64) *Stats {
	return &Stats{
		Key:         StatsKey(collateral, native),
		Version:     1,
		LastUpdated: now,
	}
}

// AddUser counts an obligation going from empty to non-empty.
func (s *Stats) AddUser(now int64) {
	s.ActiveUsers++
	s.LastUpdated = now
}

// RemoveUser counts an obligation emptying out.
func (s *Stats) RemoveUser(now int64) {
	if s.ActiveUsers > 0 {
		s.ActiveUsers--
	}
	s.LastUpdated = now
}
