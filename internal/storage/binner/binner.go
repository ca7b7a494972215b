// Package binner converts counter samples into conserved per-slot rate bins.
//
// The binner is pure: it takes the current series metadata and one sample
// and returns the bins to write plus the metadata to commit afterwards.
// Callers own persistence and ordering (bins first, metadata last).
//
// A delta that crosses slot boundaries is split by time weight:
//
//	prev_frac = floor(dv * (prev_slot + freq - last_update) / dt)
//	curr_frac = ceil(dv * (ts - curr_slot) / dt)
//
// and what is left over is spread evenly across the slots in between.
// Intervals longer than HeartbeatMultiplier*freq are gaps: the skipped
// slots are written as invalid bins instead.
package binner

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/xtxerr/ratewatch/config"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

// Outcome classifies what happened to a sample.
type Outcome int

const (
	// OutcomeAccepted means bins were produced and metadata advanced.
	OutcomeAccepted Outcome = iota
	// OutcomeFirst means the sample initialized a new series.
	OutcomeFirst
	// OutcomeDuplicate means the sample repeated the last one and was ignored.
	OutcomeDuplicate
	// OutcomeRejected means the sample failed a sanity check. See Reason.
	OutcomeRejected
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeFirst:
		return "first"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// Reason explains a rejection.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonNegativeDelta: the counter went backwards (reset or wrap).
	ReasonNegativeDelta
	// ReasonRateCeiling: the rate exceeds the series' maximum.
	ReasonRateCeiling
	// ReasonOutOfOrder: the timestamp does not advance.
	ReasonOutOfOrder
	// ReasonDeltaOverflow: the delta does not fit a signed 64-bit bin.
	ReasonDeltaOverflow
)

// String returns the string representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNegativeDelta:
		return "negative_delta"
	case ReasonRateCeiling:
		return "rate_ceiling"
	case ReasonOutOfOrder:
		return "out_of_order"
	case ReasonDeltaOverflow:
		return "delta_overflow"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// GapInfo describes a detected collection gap.
type GapInfo struct {
	From       int64 // last_update before the gap
	To         int64 // timestamp of the sample that ended it
	Invalid    int64 // number of invalid bins written
	Backfilled bool  // false when the gap exceeded the seek-back ceiling
}

// Duration returns the gap length in seconds.
func (g GapInfo) Duration() int64 {
	return g.To - g.From
}

// Result is the outcome of binning one sample.
type Result struct {
	Outcome Outcome
	Reason  Reason

	// Rate is delta_v/delta_t when it could be computed.
	Rate float64

	// Gap is set when the sample closed a collection gap.
	Gap *GapInfo

	// Writes lists every bin to persist, in slot order.
	Writes []types.RateBin

	// Finalized lists the bins whose value will not change again. These
	// are the ones to roll up. Bins finalized without a rewrite (an
	// earlier pending slot) appear here but not in Writes.
	Finalized []types.RateBin

	// Meta is the metadata to commit once Writes are durable.
	Meta types.SeriesMetadata
}

// Accepted reports whether the sample advanced the series with bins.
func (r Result) Accepted() bool {
	return r.Outcome == OutcomeAccepted
}

// Changed reports whether the metadata must be committed.
func (r Result) Changed() bool {
	switch r.Outcome {
	case OutcomeAccepted, OutcomeFirst:
		return true
	case OutcomeRejected:
		return r.Reason != ReasonOutOfOrder
	default:
		return false
	}
}

// Options tunes the gap policy.
type Options struct {
	// HeartbeatMultiplier * freq is the longest interval treated as
	// normal operation.
	HeartbeatMultiplier int64

	// SeekBackCeiling is the longest gap in seconds that is backfilled
	// with invalid bins.
	SeekBackCeiling int64
}

// DefaultOptions returns the standard gap policy.
func DefaultOptions() Options {
	return Options{
		HeartbeatMultiplier: config.HeartbeatMultiplier,
		SeekBackCeiling:     config.SeekBackCeiling,
	}
}

// Binner applies the binning algorithm. It holds no per-series state and is
// safe for concurrent use.
type Binner struct {
	opts Options
}

// New creates a binner. Zero option fields fall back to the defaults.
func New(opts Options) *Binner {
	def := DefaultOptions()
	if opts.HeartbeatMultiplier <= 0 {
		opts.HeartbeatMultiplier = def.HeartbeatMultiplier
	}
	if opts.SeekBackCeiling <= 0 {
		opts.SeekBackCeiling = def.SeekBackCeiling
	}
	return &Binner{opts: opts}
}

// Options returns the effective options.
func (b *Binner) Options() Options {
	return b.opts
}

// Bin computes the effect of sample s on a series whose current state is
// meta. maxRate is the series' rate ceiling in units per second, nil for
// none.
func (b *Binner) Bin(meta types.SeriesMetadata, s types.RawSample, maxRate *float64) Result {
	res := Result{Meta: meta}

	if meta.IsDuplicate(s) {
		res.Outcome = OutcomeDuplicate
		return res
	}

	dt := s.Timestamp - meta.LastUpdate
	if dt <= 0 {
		return reject(res, ReasonOutOfOrder)
	}

	if s.Value < meta.LastValue {
		res.Meta.Refresh(s)
		return reject(res, ReasonNegativeDelta)
	}

	delta := s.Value - meta.LastValue
	if delta > math.MaxInt64 {
		res.Meta.Refresh(s)
		return reject(res, ReasonDeltaOverflow)
	}

	res.Rate = float64(delta) / float64(dt)
	if maxRate != nil && res.Rate > *maxRate {
		res.Meta.Refresh(s)
		return reject(res, ReasonRateCeiling)
	}

	freq := meta.Frequency
	prevSlot := types.AlignSlot(meta.LastUpdate, freq)
	currSlot := types.AlignSlot(s.Timestamp, freq)

	switch {
	case dt > b.opts.HeartbeatMultiplier*freq:
		b.binGap(&res, s, delta, dt, prevSlot, currSlot)
	case currSlot == prevSlot:
		binSameSlot(&res, s, int64(delta), currSlot)
	default:
		binSplit(&res, s, delta, dt, prevSlot, currSlot)
	}

	res.Outcome = OutcomeAccepted
	res.Meta.Refresh(s)
	return res
}

func reject(res Result, reason Reason) Result {
	res.Outcome = OutcomeRejected
	res.Reason = reason
	return res
}

// takeCarry returns the provisional value already stored at slot, and
// finalizes any pending slot that cannot be merged.
func takeCarry(res *Result, slot int64, mergeable bool) int64 {
	m := &res.Meta
	if !m.HasPending {
		return 0
	}

	if mergeable && m.PendingSlot == slot {
		carry := m.PendingValue
		m.ClearPending()
		return carry
	}

	res.Finalized = append(res.Finalized, types.NewRateBin(m.Series, m.PendingSlot, m.Frequency, m.PendingValue))
	m.ClearPending()
	return 0
}

func binSameSlot(res *Result, s types.RawSample, delta, slot int64) {
	carry := takeCarry(res, slot, true)
	value := carry + delta

	res.Writes = append(res.Writes, types.NewRateBin(s.Series, slot, res.Meta.Frequency, value))
	res.Meta.SetPending(slot, value)
}

func binSplit(res *Result, s types.RawSample, delta uint64, dt, prevSlot, currSlot int64) {
	freq := res.Meta.Frequency
	last := res.Meta.LastUpdate

	carry := takeCarry(res, prevSlot, true)
	prevFrac := floorMulDiv(delta, prevSlot+freq-last, dt)
	currFrac := ceilMulDiv(delta, s.Timestamp-currSlot, dt)

	prev := types.NewRateBin(s.Series, prevSlot, freq, carry+prevFrac)
	res.Writes = append(res.Writes, prev)
	res.Finalized = append(res.Finalized, prev)

	if n := (currSlot-prevSlot)/freq - 1; n > 0 {
		missed := int64(delta) - (prevFrac + currFrac)
		var each, rem int64
		if missed > 0 {
			each, rem = missed/n, missed%n
		}

		for i := int64(0); i < n; i++ {
			slot := prevSlot + (i+1)*freq

			bin := types.NewInvalidBin(s.Series, slot, freq)
			if missed > 0 {
				bin = types.NewRateBin(s.Series, slot, freq, each)
				if i < rem {
					bin.Value++
				}
			}
			res.Writes = append(res.Writes, bin)
			res.Finalized = append(res.Finalized, bin)
		}
	}

	res.Writes = append(res.Writes, types.NewRateBin(s.Series, currSlot, freq, currFrac))
	res.Meta.SetPending(currSlot, currFrac)
}

func (b *Binner) binGap(res *Result, s types.RawSample, delta uint64, dt, prevSlot, currSlot int64) {
	freq := res.Meta.Frequency

	takeCarry(res, prevSlot, false)

	gap := &GapInfo{From: res.Meta.LastUpdate, To: s.Timestamp}
	if dt <= b.opts.SeekBackCeiling {
		gap.Backfilled = true
		for slot := prevSlot + freq; slot < currSlot; slot += freq {
			bin := types.NewInvalidBin(s.Series, slot, freq)
			res.Writes = append(res.Writes, bin)
			res.Finalized = append(res.Finalized, bin)
			gap.Invalid++
		}
	}
	res.Gap = gap

	currFrac := ceilMulDiv(delta, s.Timestamp-currSlot, dt)
	res.Writes = append(res.Writes, types.NewRateBin(s.Series, currSlot, freq, currFrac))
	res.Meta.SetPending(currSlot, currFrac)
}

// mulDiv computes x*num/den with a 128-bit intermediate. Callers guarantee
// 0 <= num <= den, so the quotient never exceeds x.
func mulDiv(x uint64, num, den int64) (q uint64, exact bool) {
	if num <= 0 {
		return 0, true
	}
	hi, lo := bits.Mul64(x, uint64(num))
	if hi >= uint64(den) {
		return x, true
	}
	q, r := bits.Div64(hi, lo, uint64(den))
	return q, r == 0
}

func floorMulDiv(x uint64, num, den int64) int64 {
	q, _ := mulDiv(x, num, den)
	return int64(q)
}

func ceilMulDiv(x uint64, num, den int64) int64 {
	q, exact := mulDiv(x, num, den)
	if !exact {
		q++
	}
	return int64(q)
}
