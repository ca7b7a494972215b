package types

// AggregateBin summarizes the valid native bins of one series that fall
// into one period-aligned slot.
type AggregateBin struct {
	// Identity
	Series string
	Slot   int64 // AlignSlot(nativeSlot, Period)
	Period int64

	// Statistics over valid native bins
	Count int64
	Sum   int64
	Min   int64
	Max   int64

	// BaseFreq is the native frequency the bins were produced at.
	BaseFreq int64

	// LastSlot is the highest native slot folded in, valid or not.
	LastSlot int64
}

// NewAggregateBin returns an empty aggregate for slot.
func NewAggregateBin(series string, slot, period, baseFreq int64) AggregateBin {
	return AggregateBin{Series: series, Slot: slot, Period: period, BaseFreq: baseFreq}
}

// Fold adds one native bin. Invalid bins only advance LastSlot, so the
// record exists but reports no average.
func (a *AggregateBin) Fold(b RateBin) {
	if b.Slot > a.LastSlot {
		a.LastSlot = b.Slot
	}
	if !b.HasData() {
		return
	}

	if a.Count == 0 {
		a.Min = b.Value
		a.Max = b.Value
	} else {
		if b.Value < a.Min {
			a.Min = b.Value
		}
		if b.Value > a.Max {
			a.Max = b.Value
		}
	}
	a.Count++
	a.Sum += b.Value
}

// Merge combines another partial aggregate for the same slot.
func (a *AggregateBin) Merge(other AggregateBin) {
	if other.LastSlot > a.LastSlot {
		a.LastSlot = other.LastSlot
	}
	if other.IsEmpty() {
		return
	}

	if a.IsEmpty() {
		a.Min = other.Min
		a.Max = other.Max
	} else {
		if other.Min < a.Min {
			a.Min = other.Min
		}
		if other.Max > a.Max {
			a.Max = other.Max
		}
	}
	a.Count += other.Count
	a.Sum += other.Sum
}

// IsEmpty returns true if no valid bins were folded in.
func (a *AggregateBin) IsEmpty() bool {
	return a.Count == 0
}

// Average returns the per-second rate averaged over the covered native
// bins, or nil when no valid bin was folded in.
func (a *AggregateBin) Average() *float64 {
	if a.IsEmpty() || a.BaseFreq == 0 {
		return nil
	}
	v := float64(a.Sum) / float64(a.Count*a.BaseFreq)
	return &v
}

// Project returns the value selected by fn, or nil when there is none.
func (a *AggregateBin) Project(fn ConsolidationFn) *float64 {
	if a.IsEmpty() {
		return nil
	}
	switch fn {
	case ConsolidationAverage:
		return a.Average()
	case ConsolidationMin:
		v := float64(a.Min)
		return &v
	case ConsolidationMax:
		v := float64(a.Max)
		return &v
	default:
		return nil
	}
}
