package ingestion

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/xtxerr/ratewatch/internal/catalog"
	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/storage/binner"
	"github.com/xtxerr/ratewatch/internal/storage/types"
	"github.com/xtxerr/ratewatch/internal/store"
)

const (
	octets = "rtr-01/interfaces/ifHCInOctets/xe-0/0/1"
	errs   = "rtr-01/interfaces/ifInErrors/xe-0/0/1"
)

const testCatalog = `
defaults:
  frequency: 30
  aggregate_periods: [300]
series:
  - match: "*/interfaces/ifHC*Octets/*"
    max_rate: 1000
  - match: "*/interfaces/*"
`

func testRules(t *testing.T) *catalog.Rules {
	t.Helper()
	r, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("Parse catalog: %v", err)
	}
	return r
}

func newTestProcessor(t *testing.T, st store.SeriesStore) *Processor {
	t.Helper()
	return NewProcessor(st, testRules(t), ProcessorConfig{})
}

func sample(series string, ts int64, v uint64) types.RawSample {
	return types.RawSample{Series: series, Timestamp: ts, Value: v}
}

func mustProcess(t *testing.T, p *Processor, s types.RawSample) binner.Result {
	t.Helper()
	res, err := p.Process(context.Background(), s)
	if err != nil {
		t.Fatalf("Process(%d, %d): %v", s.Timestamp, s.Value, err)
	}
	return res
}

func rateValues(t *testing.T, st store.SeriesStore, series string) map[int64]int64 {
	t.Helper()
	bins, err := st.RateBins(context.Background(), series, 30, 0, 1<<40)
	if err != nil {
		t.Fatalf("RateBins: %v", err)
	}

	out := make(map[int64]int64, len(bins))
	for _, b := range bins {
		if !b.Valid {
			out[b.Slot] = types.InvalidValue
			continue
		}
		out[b.Slot] = b.Value
	}
	return out
}

func aggregateAt(t *testing.T, st store.SeriesStore, series string, slot int64) types.AggregateBin {
	t.Helper()
	agg, found, err := st.AggregateBin(context.Background(), series, 300, slot)
	if err != nil {
		t.Fatalf("AggregateBin: %v", err)
	}
	if !found {
		t.Fatalf("no aggregate at %d", slot)
	}
	return agg
}

func TestProcessor_FirstSample(t *testing.T) {
	st := store.NewMemory()
	p := newTestProcessor(t, st)

	res := mustProcess(t, p, sample(octets, 1000, 1000))
	if res.Outcome != binner.OutcomeFirst {
		t.Errorf("expected first outcome, got %v", res.Outcome)
	}
	if len(res.Writes) != 0 {
		t.Errorf("expected no writes, got %d", len(res.Writes))
	}

	meta, found, err := st.Metadata(context.Background(), octets)
	if err != nil || !found {
		t.Fatalf("Metadata: found=%v err=%v", found, err)
	}
	if meta.LastUpdate != 1000 || meta.LastValue != 1000 || meta.Frequency != 30 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}

func TestProcessor_WorkedExample(t *testing.T) {
	st := store.NewMemory()
	p := newTestProcessor(t, st)

	mustProcess(t, p, sample(octets, 1000, 1000))
	res := mustProcess(t, p, sample(octets, 1060, 1300))
	if res.Outcome != binner.OutcomeAccepted {
		t.Fatalf("expected accepted, got %v", res.Outcome)
	}

	want := map[int64]int64{990: 100, 1020: 150, 1050: 50}
	if got := rateValues(t, st, octets); !reflect.DeepEqual(got, want) {
		t.Errorf("rate bins = %v, want %v", got, want)
	}

	agg := aggregateAt(t, st, octets, 900)
	if agg.Count != 2 || agg.Sum != 250 || agg.Min != 100 || agg.Max != 150 {
		t.Errorf("unexpected aggregate: %+v", agg)
	}

	meta, _, err := st.Metadata(context.Background(), octets)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.LastUpdate != 1060 || !meta.HasPending || meta.PendingSlot != 1050 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}

func TestProcessor_UnknownSeries(t *testing.T) {
	p := newTestProcessor(t, store.NewMemory())

	_, err := p.Process(context.Background(), sample("rtr-01/system/sysUpTime/0", 1000, 1))
	if !errors.Is(err, errors.ErrUnknownSeries) {
		t.Errorf("expected ErrUnknownSeries, got %v", err)
	}
}

func TestProcessor_RejectedRefreshesBaseline(t *testing.T) {
	st := store.NewMemory()
	p := newTestProcessor(t, st)

	mustProcess(t, p, sample(octets, 1000, 1000))

	// 60000 units in 30s exceeds the ceiling of 1000/s.
	res := mustProcess(t, p, sample(octets, 1030, 61000))
	if res.Outcome != binner.OutcomeRejected || res.Reason != binner.ReasonRateCeiling {
		t.Fatalf("expected rate ceiling rejection, got %v/%v", res.Outcome, res.Reason)
	}
	if got := rateValues(t, st, octets); len(got) != 0 {
		t.Errorf("expected no bins, got %v", got)
	}

	meta, _, err := st.Metadata(context.Background(), octets)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.LastUpdate != 1030 || meta.LastValue != 61000 {
		t.Errorf("baseline not refreshed: %+v", meta)
	}

	// A counter reset is rejected the same way.
	res = mustProcess(t, p, sample(octets, 1060, 5))
	if res.Reason != binner.ReasonNegativeDelta {
		t.Errorf("expected negative delta, got %v", res.Reason)
	}
}

func TestProcessor_GapInvalidation(t *testing.T) {
	st := store.NewMemory()
	p := newTestProcessor(t, st)

	mustProcess(t, p, sample(errs, 1000, 0))
	res := mustProcess(t, p, sample(errs, 1300, 300))
	if res.Gap == nil || !res.Gap.Backfilled {
		t.Fatalf("expected a backfilled gap, got %+v", res.Gap)
	}

	got := rateValues(t, st, errs)
	for slot := int64(1020); slot < 1290; slot += 30 {
		if got[slot] != types.InvalidValue {
			t.Errorf("slot %d = %d, want invalid", slot, got[slot])
		}
	}
	if got[1290] != 10 {
		t.Errorf("slot 1290 = %d, want 10", got[1290])
	}
}

func TestProcessor_StorageFailureKeepsMetadata(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := newTestProcessor(t, st)

	mustProcess(t, p, sample(octets, 1000, 1000))

	st.SetFailure(fmt.Errorf("disk full"))
	_, err := p.Process(ctx, sample(octets, 1060, 1300))
	if !errors.Is(err, errors.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if !errors.IsRetriable(err) {
		t.Error("storage failure should be retriable")
	}

	st.SetFailure(nil)
	meta, _, err := st.Metadata(ctx, octets)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.LastUpdate != 1000 {
		t.Errorf("metadata advanced to %d after a failed sample", meta.LastUpdate)
	}

	mustProcess(t, p, sample(octets, 1060, 1300))
	want := map[int64]int64{990: 100, 1020: 150, 1050: 50}
	if got := rateValues(t, st, octets); !reflect.DeepEqual(got, want) {
		t.Errorf("rate bins = %v, want %v", got, want)
	}
}

// failingMetadata fails the next metadata commit after bins and
// aggregates were written, like a crash between the two.
type failingMetadata struct {
	store.SeriesStore
	fail bool
}

func (f *failingMetadata) PutMetadata(ctx context.Context, meta types.SeriesMetadata) error {
	if f.fail {
		f.fail = false
		return errors.Storage("put metadata", fmt.Errorf("connection reset"))
	}
	return f.SeriesStore.PutMetadata(ctx, meta)
}

func TestProcessor_ReplayAfterPartialCommit(t *testing.T) {
	mem := store.NewMemory()
	st := &failingMetadata{SeriesStore: mem}
	p := newTestProcessor(t, st)

	mustProcess(t, p, sample(octets, 1000, 1000))

	st.fail = true
	if _, err := p.Process(context.Background(), sample(octets, 1060, 1300)); err == nil {
		t.Fatal("expected the metadata commit to fail")
	}

	// Replaying the sample must not fold its bins into the aggregate twice.
	mustProcess(t, p, sample(octets, 1060, 1300))

	agg := aggregateAt(t, mem, octets, 900)
	if agg.Count != 2 || agg.Sum != 250 {
		t.Errorf("aggregate count=%d sum=%d, want 2/250", agg.Count, agg.Sum)
	}
	want := map[int64]int64{990: 100, 1020: 150, 1050: 50}
	if got := rateValues(t, mem, octets); !reflect.DeepEqual(got, want) {
		t.Errorf("rate bins = %v, want %v", got, want)
	}
}

func TestProcessor_Idempotent(t *testing.T) {
	st := store.NewMemory()
	p := newTestProcessor(t, st)

	samples := []types.RawSample{
		sample(octets, 1000, 1000),
		sample(octets, 1030, 1600),
		sample(octets, 1065, 2300),
		sample(octets, 1090, 2800),
	}
	for _, s := range samples {
		mustProcess(t, p, s)
	}
	before := rateValues(t, st, octets)
	aggBefore := aggregateAt(t, st, octets, 900)

	for _, s := range samples {
		if res := mustProcess(t, p, s); res.Outcome == binner.OutcomeAccepted {
			t.Errorf("replayed sample at %d was accepted again", s.Timestamp)
		}
	}

	if after := rateValues(t, st, octets); !reflect.DeepEqual(before, after) {
		t.Errorf("rate bins changed on replay: %v -> %v", before, after)
	}
	if aggAfter := aggregateAt(t, st, octets, 900); aggAfter != aggBefore {
		t.Errorf("aggregate changed on replay: %+v -> %+v", aggBefore, aggAfter)
	}

	var total int64
	for _, v := range before {
		total += v
	}
	if total != 2800-1000 {
		t.Errorf("native total = %d, want %d", total, 2800-1000)
	}
}

func TestShard(t *testing.T) {
	for _, n := range []int{1, 2, 7, 64} {
		for i := 0; i < 100; i++ {
			key := fmt.Sprintf("dev-%d/interfaces/ifHCInOctets/%d", i, i)
			s := Shard(key, n)
			if s < 0 || s >= n {
				t.Fatalf("Shard(%q, %d) = %d out of range", key, n, s)
			}
			if s != Shard(key, n) {
				t.Fatalf("Shard(%q, %d) is not stable", key, n)
			}
		}
	}
	if got := Shard(octets, 0); got != 0 {
		t.Errorf("Shard with no shards = %d, want 0", got)
	}
}
