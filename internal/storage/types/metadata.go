package types

// SeriesMetadata is the rolling per-series state the binner computes
// deltas against.
//
// LastUpdate and LastValue always describe the most recently accepted
// sample. The Pending fields hold the provisional value of the slot the
// last sample fell into; the next sample adds its leading fraction to it.
type SeriesMetadata struct {
	Series       string
	LastUpdate   int64  // Unix seconds of the last accepted sample
	LastValue    uint64 // Counter value of the last accepted sample
	EarliestSeen int64  // Smallest timestamp ever observed
	Frequency    int64  // Native slot width in seconds

	PendingSlot  int64
	PendingValue int64
	HasPending   bool
}

// NewSeriesMetadata builds the initial metadata from the first sample of a
// series. No rate can be derived from it.
func NewSeriesMetadata(s RawSample, frequency int64) SeriesMetadata {
	return SeriesMetadata{
		Series:       s.Series,
		LastUpdate:   s.Timestamp,
		LastValue:    s.Value,
		EarliestSeen: s.Timestamp,
		Frequency:    frequency,
	}
}

// Refresh advances the metadata to s.
func (m *SeriesMetadata) Refresh(s RawSample) {
	m.LastUpdate = s.Timestamp
	m.LastValue = s.Value
	if s.Timestamp < m.EarliestSeen || m.EarliestSeen == 0 {
		m.EarliestSeen = s.Timestamp
	}
}

// IsDuplicate reports whether s repeats the last accepted sample exactly.
func (m *SeriesMetadata) IsDuplicate(s RawSample) bool {
	return s.Timestamp == m.LastUpdate && s.Value == m.LastValue
}

// SetPending records the provisional value of slot.
func (m *SeriesMetadata) SetPending(slot, value int64) {
	m.PendingSlot = slot
	m.PendingValue = value
	m.HasPending = true
}

// ClearPending drops the provisional slot.
func (m *SeriesMetadata) ClearPending() {
	m.PendingSlot = 0
	m.PendingValue = 0
	m.HasPending = false
}
