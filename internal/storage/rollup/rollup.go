// Package rollup maintains coarser aggregate bins from finalized native
// rate bins.
//
// Folding is incremental: every finalized native bin is folded into one
// aggregate bin per configured period, using a read-modify-write through
// the store. Each aggregate remembers the last native slot it absorbed, so
// replaying the same bins after a crash does not count them twice.
package rollup

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/xtxerr/ratewatch/internal/logging"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

var log = logging.Component("rollup")

// AggregateStore is the subset of the series store the rollup writes to.
type AggregateStore interface {
	AggregateBin(ctx context.Context, series string, period, slot int64) (types.AggregateBin, bool, error)
	PutAggregateBins(ctx context.Context, bins []types.AggregateBin) error
}

// RateReader reads native bins. Used by Rebuild.
type RateReader interface {
	RateBins(ctx context.Context, series string, freq, begin, end int64) ([]types.RateBin, error)
}

// Stats holds rollup counters.
type Stats struct {
	BinsFolded         int64
	BinsSkipped        int64
	AggregatesUpserted int64
	Rebuilds           int64
}

// Rollup folds native bins into aggregate bins.
//
// Rollup is safe for concurrent use as long as each series is only rolled
// up by one goroutine at a time.
type Rollup struct {
	store AggregateStore

	binsFolded         atomic.Int64
	binsSkipped        atomic.Int64
	aggregatesUpserted atomic.Int64
	rebuilds           atomic.Int64
}

// New creates a rollup writing to store.
func New(store AggregateStore) *Rollup {
	return &Rollup{store: store}
}

type aggKey struct {
	series       string
	period, slot int64
}

type group struct {
	key  aggKey
	bins []types.RateBin
}

// groupBins buckets bins per (series, period, aggregate slot), ordered by
// aggregate slot and, within a bucket, by native slot.
func groupBins(bins []types.RateBin, periods []int64) []*group {
	index := make(map[aggKey]*group)
	var groups []*group

	for _, b := range bins {
		for _, period := range periods {
			k := aggKey{b.Series, period, types.AlignSlot(b.Slot, period)}
			g, ok := index[k]
			if !ok {
				g = &group{key: k}
				index[k] = g
				groups = append(groups, g)
			}
			g.bins = append(g.bins, b)
		}
	}

	for _, g := range groups {
		sort.Slice(g.bins, func(i, j int) bool { return g.bins[i].Slot < g.bins[j].Slot })
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].key.period != groups[j].key.period {
			return groups[i].key.period < groups[j].key.period
		}
		return groups[i].key.slot < groups[j].key.slot
	})
	return groups
}

// Apply folds finalized native bins into the aggregate bins of every
// period. It returns the number of aggregate bins written.
func (r *Rollup) Apply(ctx context.Context, finalized []types.RateBin, periods []int64) (int, error) {
	if len(finalized) == 0 || len(periods) == 0 {
		return 0, nil
	}

	groups := groupBins(finalized, periods)
	updated := make([]types.AggregateBin, 0, len(groups))

	for _, g := range groups {
		agg, found, err := r.store.AggregateBin(ctx, g.key.series, g.key.period, g.key.slot)
		if err != nil {
			return 0, fmt.Errorf("load aggregate %s/%d@%d: %w", g.key.series, g.key.period, g.key.slot, err)
		}
		if !found {
			agg = types.NewAggregateBin(g.key.series, g.key.slot, g.key.period, g.bins[0].Freq)
		}

		// New bins are folded into a partial aggregate and merged into the
		// stored one, so the stored record only changes once per group.
		partial := types.NewAggregateBin(g.key.series, g.key.slot, g.key.period, agg.BaseFreq)
		folded := 0
		for _, b := range g.bins {
			if (found && b.Slot <= agg.LastSlot) || (folded > 0 && b.Slot <= partial.LastSlot) {
				r.binsSkipped.Add(1)
				continue
			}
			partial.Fold(b)
			folded++
			r.binsFolded.Add(1)
		}

		if folded > 0 {
			agg.Merge(partial)
			updated = append(updated, agg)
		}
	}

	if len(updated) == 0 {
		return 0, nil
	}
	if err := r.store.PutAggregateBins(ctx, updated); err != nil {
		return 0, fmt.Errorf("store aggregates: %w", err)
	}

	r.aggregatesUpserted.Add(int64(len(updated)))
	return len(updated), nil
}

// Rebuild recomputes the aggregates covering [begin, end) from the stored
// native bins and overwrites them. Native bins at or after until are left
// out; pass the series' pending slot so the provisional bin is folded in
// later by Apply. Use until <= 0 to fold everything.
func (r *Rollup) Rebuild(ctx context.Context, src RateReader, series string, freq int64, periods []int64, begin, end, until int64) (int, error) {
	total := 0
	for _, period := range periods {
		from := types.AlignSlot(begin, period)
		to := types.AlignSlot(end-1, period) + period

		bins, err := src.RateBins(ctx, series, freq, from, to)
		if err != nil {
			return total, fmt.Errorf("read native bins: %w", err)
		}

		fresh := make(map[int64]*types.AggregateBin)
		var slots []int64
		for _, b := range bins {
			if until > 0 && b.Slot >= until {
				break
			}
			slot := types.AlignSlot(b.Slot, period)
			agg, ok := fresh[slot]
			if !ok {
				a := types.NewAggregateBin(series, slot, period, freq)
				agg = &a
				fresh[slot] = agg
				slots = append(slots, slot)
			}
			agg.Fold(b)
		}

		out := make([]types.AggregateBin, 0, len(slots))
		for _, slot := range slots {
			out = append(out, *fresh[slot])
		}
		if err := r.store.PutAggregateBins(ctx, out); err != nil {
			return total, fmt.Errorf("store rebuilt aggregates: %w", err)
		}
		total += len(out)
	}

	r.rebuilds.Add(1)
	log.Info("aggregates rebuilt", "series", series, "periods", len(periods), "bins", total)
	return total, nil
}

// Stats returns current statistics.
func (r *Rollup) Stats() Stats {
	return Stats{
		BinsFolded:         r.binsFolded.Load(),
		BinsSkipped:        r.binsSkipped.Load(),
		AggregatesUpserted: r.aggregatesUpserted.Load(),
		Rebuilds:           r.rebuilds.Load(),
	}
}
