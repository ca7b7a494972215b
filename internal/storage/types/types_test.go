package types

import (
	"testing"

	"github.com/xtxerr/ratewatch/internal/errors"
)

func TestSeriesKey(t *testing.T) {
	k := SeriesKey{
		Device:   "core-router-01",
		Group:    "interfaces",
		Metric:   "ifHCInOctets",
		Instance: "xe-0/0/1",
	}

	expected := "core-router-01/interfaces/ifHCInOctets/xe-0/0/1"
	if k.Key() != expected {
		t.Errorf("expected %s, got %s", expected, k.Key())
	}

	parsed, err := ParseSeriesKey(k.Key())
	if err != nil {
		t.Fatalf("ParseSeriesKey: %v", err)
	}
	if parsed != k {
		t.Errorf("expected %+v, got %+v", k, parsed)
	}
}

func TestParseSeriesKey_Invalid(t *testing.T) {
	tests := []string{
		"",
		"router",
		"router/interfaces/ifHCInOctets",
		"router//ifHCInOctets/xe-0",
		"router/interfaces/ifHCInOctets/",
	}

	for _, s := range tests {
		if _, err := ParseSeriesKey(s); !errors.Is(err, errors.ErrInvalidSeriesKey) {
			t.Errorf("%q: expected ErrInvalidSeriesKey, got %v", s, err)
		}
	}
}

func TestRawSampleValidate(t *testing.T) {
	if err := (RawSample{Series: "a/b/c/d", Timestamp: 1000, Value: 1}).Validate(); err != nil {
		t.Errorf("valid sample rejected: %v", err)
	}
	if err := (RawSample{Timestamp: 1000}).Validate(); err == nil {
		t.Error("expected error for empty series")
	}
	if err := (RawSample{Series: "a/b/c/d"}).Validate(); err == nil {
		t.Error("expected error for zero timestamp")
	}
}

func TestAlignSlot(t *testing.T) {
	tests := []struct {
		ts, width, expected int64
	}{
		{1000, 30, 990},
		{1020, 30, 1020},
		{1060, 30, 1050},
		{1799, 300, 1500},
		{-1, 30, -30},
		{5, 0, 5},
	}

	for _, tt := range tests {
		if got := AlignSlot(tt.ts, tt.width); got != tt.expected {
			t.Errorf("AlignSlot(%d, %d): expected %d, got %d", tt.ts, tt.width, tt.expected, got)
		}
	}
}

func TestSeriesMetadataRefresh(t *testing.T) {
	m := NewSeriesMetadata(RawSample{Series: "s", Timestamp: 1000, Value: 10}, 30)

	if m.EarliestSeen != 1000 || m.LastUpdate != 1000 || m.LastValue != 10 {
		t.Fatalf("unexpected initial metadata: %+v", m)
	}

	m.Refresh(RawSample{Series: "s", Timestamp: 1030, Value: 40})
	if m.LastUpdate != 1030 || m.LastValue != 40 {
		t.Errorf("refresh did not advance: %+v", m)
	}
	if m.EarliestSeen != 1000 {
		t.Errorf("expected earliest_seen 1000, got %d", m.EarliestSeen)
	}

	m.Refresh(RawSample{Series: "s", Timestamp: 900, Value: 5})
	if m.EarliestSeen != 900 {
		t.Errorf("expected earliest_seen 900, got %d", m.EarliestSeen)
	}

	if !m.IsDuplicate(RawSample{Timestamp: 900, Value: 5}) {
		t.Error("expected duplicate")
	}
}

func TestAggregateBinFold(t *testing.T) {
	agg := NewAggregateBin("s", 900, 300, 30)

	if agg.Average() != nil {
		t.Error("expected nil average for empty aggregate")
	}

	agg.Fold(NewRateBin("s", 990, 30, 100))
	agg.Fold(NewInvalidBin("s", 1020, 30))
	agg.Fold(NewRateBin("s", 1050, 30, 50))
	agg.Fold(RateBin{Series: "s", Slot: 1080, Freq: 30, Value: InvalidValue, Valid: true})

	if agg.Count != 2 {
		t.Errorf("expected count=2, got %d", agg.Count)
	}
	if agg.Sum != 150 {
		t.Errorf("expected sum=150, got %d", agg.Sum)
	}
	if agg.Min != 50 || agg.Max != 100 {
		t.Errorf("expected min=50 max=100, got min=%d max=%d", agg.Min, agg.Max)
	}
	if agg.LastSlot != 1080 {
		t.Errorf("expected last_slot=1080, got %d", agg.LastSlot)
	}

	avg := agg.Average()
	if avg == nil || *avg != 2.5 {
		t.Errorf("expected average 2.5, got %v", avg)
	}
}

func TestAggregateBinMerge(t *testing.T) {
	a := NewAggregateBin("s", 0, 300, 30)
	a.Fold(NewRateBin("s", 0, 30, 10))
	a.Fold(NewRateBin("s", 30, 30, 20))

	b := NewAggregateBin("s", 0, 300, 30)
	b.Fold(NewRateBin("s", 60, 30, 5))

	a.Merge(b)
	a.Merge(NewAggregateBin("s", 0, 300, 30))

	if a.Count != 3 || a.Sum != 35 || a.Min != 5 || a.Max != 20 {
		t.Errorf("unexpected merged aggregate: %+v", a)
	}
}

func TestAggregateBinProject(t *testing.T) {
	agg := NewAggregateBin("s", 0, 300, 30)
	for _, fn := range []ConsolidationFn{ConsolidationAverage, ConsolidationMin, ConsolidationMax} {
		if agg.Project(fn) != nil {
			t.Errorf("%s: expected nil for empty aggregate", fn)
		}
	}

	agg.Fold(NewRateBin("s", 0, 30, 60))
	agg.Fold(NewRateBin("s", 30, 30, 120))

	if v := agg.Project(ConsolidationMin); v == nil || *v != 60 {
		t.Errorf("min: got %v", v)
	}
	if v := agg.Project(ConsolidationMax); v == nil || *v != 120 {
		t.Errorf("max: got %v", v)
	}
	if v := agg.Project(ConsolidationAverage); v == nil || *v != 3 {
		t.Errorf("average: got %v", v)
	}
}

func TestParseConsolidation(t *testing.T) {
	tests := []struct {
		input    string
		expected ConsolidationFn
		wantErr  bool
	}{
		{"", ConsolidationAverage, false},
		{"average", ConsolidationAverage, false},
		{"AVG", ConsolidationAverage, false},
		{"min", ConsolidationMin, false},
		{"max", ConsolidationMax, false},
		{"p95", ConsolidationAverage, true},
	}

	for _, tt := range tests {
		got, err := ParseConsolidation(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: unexpected error state: %v", tt.input, err)
			continue
		}
		if !tt.wantErr && got != tt.expected {
			t.Errorf("%q: expected %s, got %s", tt.input, tt.expected, got)
		}
	}
}

func TestValidatePeriods(t *testing.T) {
	if err := ValidatePeriods(30, []int64{300, 3600, 86400}); err != nil {
		t.Errorf("valid periods rejected: %v", err)
	}
	if err := ValidatePeriods(30, []int64{45}); err == nil {
		t.Error("expected error for non-multiple period")
	}
	if err := ValidatePeriods(0, nil); err == nil {
		t.Error("expected error for zero frequency")
	}
}

func TestSelectResolution(t *testing.T) {
	periods := []int64{86400, 300, 3600}

	tests := []struct {
		name       string
		begin, end int64
		maxPoints  int64
		expected   int64
	}{
		{"short range stays native", 0, 3600, 1000, 30},
		{"one day uses 5min", 0, 86400, 1000, 300},
		{"one month uses hourly", 0, 30 * 86400, 1000, 3600},
		{"ten years falls back to coarsest", 0, 3650 * 86400, 1000, 86400},
		{"no limit stays native", 0, 3650 * 86400, 0, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectResolution(30, periods, tt.begin, tt.end, tt.maxPoints)
			if got != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestPointCount(t *testing.T) {
	if n := PointCount(990, 1080, 30); n != 3 {
		t.Errorf("expected 3, got %d", n)
	}
	if n := PointCount(1000, 1000, 30); n != 0 {
		t.Errorf("expected 0, got %d", n)
	}
}
