package parquet

import "github.com/xtxerr/ratewatch/internal/storage/types"

// File kinds stored under KindKey in the footer metadata.
const (
	KindKey       = "ratewatch.kind"
	KindRate      = "rate"
	KindAggregate = "aggregate"
)

// RateRow is a native rate bin in Parquet format.
type RateRow struct {
	Series string `parquet:"series,zstd,dict"`
	Slot   int64  `parquet:"slot"`
	Freq   int64  `parquet:"freq"`
	Value  int64  `parquet:"value"`
	Valid  bool   `parquet:"valid"`
}

// AggregateRow is an aggregate bin in Parquet format.
type AggregateRow struct {
	Series   string `parquet:"series,zstd,dict"`
	Slot     int64  `parquet:"slot"`
	Period   int64  `parquet:"period"`
	Count    int64  `parquet:"count"`
	Sum      int64  `parquet:"sum"`
	Min      int64  `parquet:"min"`
	Max      int64  `parquet:"max"`
	BaseFreq int64  `parquet:"base_freq"`
	LastSlot int64  `parquet:"last_slot"`
}

// RateToRow converts a RateBin to a RateRow.
func RateToRow(b *types.RateBin) RateRow {
	return RateRow{Series: b.Series, Slot: b.Slot, Freq: b.Freq, Value: b.Value, Valid: b.Valid}
}

// RowToRate converts a RateRow to a RateBin.
func RowToRate(r *RateRow) types.RateBin {
	return types.RateBin{Series: r.Series, Slot: r.Slot, Freq: r.Freq, Value: r.Value, Valid: r.Valid}
}

// AggregateToRow converts an AggregateBin to an AggregateRow.
func AggregateToRow(a *types.AggregateBin) AggregateRow {
	return AggregateRow{
		Series:   a.Series,
		Slot:     a.Slot,
		Period:   a.Period,
		Count:    a.Count,
		Sum:      a.Sum,
		Min:      a.Min,
		Max:      a.Max,
		BaseFreq: a.BaseFreq,
		LastSlot: a.LastSlot,
	}
}

// RowToAggregate converts an AggregateRow to an AggregateBin.
func RowToAggregate(r *AggregateRow) types.AggregateBin {
	return types.AggregateBin{
		Series:   r.Series,
		Slot:     r.Slot,
		Period:   r.Period,
		Count:    r.Count,
		Sum:      r.Sum,
		Min:      r.Min,
		Max:      r.Max,
		BaseFreq: r.BaseFreq,
		LastSlot: r.LastSlot,
	}
}
