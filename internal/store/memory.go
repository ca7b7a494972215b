package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

const btreeDegree = 32

type rateItem types.RateBin

func (a rateItem) Less(than btree.Item) bool { return a.Slot < than.(rateItem).Slot }

type aggregateItem types.AggregateBin

func (a aggregateItem) Less(than btree.Item) bool { return a.Slot < than.(aggregateItem).Slot }

type seriesWidth struct {
	series string
	width  int64
}

// Memory is an in-process SeriesStore. Each series/width pair keeps its
// bins in a B-tree ordered by slot.
type Memory struct {
	mu         sync.RWMutex
	rates      map[seriesWidth]*btree.BTree
	aggregates map[seriesWidth]*btree.BTree
	meta       map[string]types.SeriesMetadata
	failure    error
	closed     bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rates:      make(map[seriesWidth]*btree.BTree),
		aggregates: make(map[seriesWidth]*btree.BTree),
		meta:       make(map[string]types.SeriesMetadata),
	}
}

// SetFailure makes every following call fail as a storage error wrapping
// err. Pass nil to recover.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	m.failure = err
	m.mu.Unlock()
}

// check must be called with mu held.
func (m *Memory) check(ctx context.Context, op string) error {
	if m.closed {
		return fmt.Errorf("store: %w", errors.ErrClosed)
	}
	if m.failure != nil {
		return errors.Storage(op, m.failure)
	}
	return ctx.Err()
}

func tree(index map[seriesWidth]*btree.BTree, key seriesWidth, create bool) *btree.BTree {
	t, ok := index[key]
	if !ok && create {
		t = btree.New(btreeDegree)
		index[key] = t
	}
	return t
}

// PutRateBins implements SeriesStore.
func (m *Memory) PutRateBins(ctx context.Context, bins []types.RateBin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "put rate bins"); err != nil {
		return err
	}
	for _, b := range bins {
		tree(m.rates, seriesWidth{b.Series, b.Freq}, true).ReplaceOrInsert(rateItem(b))
	}
	return nil
}

// RateBins implements SeriesStore.
func (m *Memory) RateBins(ctx context.Context, series string, freq, begin, end int64) ([]types.RateBin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx, "query rate bins"); err != nil {
		return nil, err
	}

	t := tree(m.rates, seriesWidth{series, freq}, false)
	if t == nil || begin >= end {
		return nil, nil
	}

	var out []types.RateBin
	t.AscendRange(rateItem{Slot: begin}, rateItem{Slot: end}, func(i btree.Item) bool {
		out = append(out, types.RateBin(i.(rateItem)))
		return true
	})
	return out, nil
}

// PutAggregateBins implements SeriesStore.
func (m *Memory) PutAggregateBins(ctx context.Context, bins []types.AggregateBin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "put aggregate bins"); err != nil {
		return err
	}
	for _, b := range bins {
		tree(m.aggregates, seriesWidth{b.Series, b.Period}, true).ReplaceOrInsert(aggregateItem(b))
	}
	return nil
}

// AggregateBin implements SeriesStore.
func (m *Memory) AggregateBin(ctx context.Context, series string, period, slot int64) (types.AggregateBin, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx, "query aggregate bin"); err != nil {
		return types.AggregateBin{}, false, err
	}

	t := tree(m.aggregates, seriesWidth{series, period}, false)
	if t == nil {
		return types.AggregateBin{}, false, nil
	}
	item := t.Get(aggregateItem{Slot: slot})
	if item == nil {
		return types.AggregateBin{}, false, nil
	}
	return types.AggregateBin(item.(aggregateItem)), true, nil
}

// AggregateBins implements SeriesStore.
func (m *Memory) AggregateBins(ctx context.Context, series string, period, begin, end int64) ([]types.AggregateBin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx, "query aggregate bins"); err != nil {
		return nil, err
	}

	t := tree(m.aggregates, seriesWidth{series, period}, false)
	if t == nil || begin >= end {
		return nil, nil
	}

	var out []types.AggregateBin
	t.AscendRange(aggregateItem{Slot: begin}, aggregateItem{Slot: end}, func(i btree.Item) bool {
		out = append(out, types.AggregateBin(i.(aggregateItem)))
		return true
	})
	return out, nil
}

// Metadata implements SeriesStore.
func (m *Memory) Metadata(ctx context.Context, series string) (types.SeriesMetadata, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx, "query metadata"); err != nil {
		return types.SeriesMetadata{}, false, err
	}
	meta, ok := m.meta[series]
	return meta, ok, nil
}

// PutMetadata implements SeriesStore.
func (m *Memory) PutMetadata(ctx context.Context, meta types.SeriesMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "put metadata"); err != nil {
		return err
	}
	m.meta[meta.Series] = meta
	return nil
}

// SeriesList returns every series with metadata, sorted.
func (m *Memory) SeriesList(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx, "list series"); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m.meta))
	for series := range m.meta {
		out = append(out, series)
	}
	sort.Strings(out)
	return out, nil
}

// Close implements SeriesStore.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
