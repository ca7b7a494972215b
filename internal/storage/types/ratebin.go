package types

import "github.com/xtxerr/ratewatch/config"

// InvalidValue is the out-of-band "known gap" marker.
const InvalidValue = config.InvalidValue

// RateBin is the portion of a counter delta attributed to one native slot.
type RateBin struct {
	Series string
	Slot   int64 // AlignSlot(ts, Freq)
	Freq   int64
	Value  int64
	Valid  bool
}

// NewRateBin creates a valid bin.
func NewRateBin(series string, slot, freq, value int64) RateBin {
	return RateBin{Series: series, Slot: slot, Freq: freq, Value: value, Valid: true}
}

// NewInvalidBin creates a gap bin. Its value is zero and it never counts
// as measured data.
func NewInvalidBin(series string, slot, freq int64) RateBin {
	return RateBin{Series: series, Slot: slot, Freq: freq}
}

// HasData reports whether the bin carries a measurement.
func (b RateBin) HasData() bool {
	return b.Valid && b.Value != InvalidValue
}

// Rate returns the bin value per second.
func (b RateBin) Rate() float64 {
	return float64(b.Value) / float64(b.Freq)
}

// AlignSlot returns the start of the width-aligned slot containing ts.
// Negative timestamps round towards minus infinity.
func AlignSlot(ts, width int64) int64 {
	if width <= 0 {
		return ts
	}
	slot := (ts / width) * width
	if ts < 0 && slot != ts {
		slot -= width
	}
	return slot
}
