// Package archive exports rate and aggregate bins to Parquet files, loads
// them back, and runs ad-hoc SQL over an archive directory with DuckDB.
//
// Every export writes one file per row kind, named
// "<kind>-<series-slug>-<ulid>.parquet", so repeated exports of the same
// series never collide and sort by creation time.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/xtxerr/ratewatch/internal/catalog"
	"github.com/xtxerr/ratewatch/internal/logging"
	"github.com/xtxerr/ratewatch/internal/storage/parquet"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

var log = logging.Component("archive")

// Source is the read side of the series store.
type Source interface {
	RateBins(ctx context.Context, series string, freq, begin, end int64) ([]types.RateBin, error)
	AggregateBins(ctx context.Context, series string, period, begin, end int64) ([]types.AggregateBin, error)
}

// Sink is the write side of the series store.
type Sink interface {
	PutRateBins(ctx context.Context, bins []types.RateBin) error
	PutAggregateBins(ctx context.Context, bins []types.AggregateBin) error
}

// Manifest describes the files written by one export.
type Manifest struct {
	ID               string  `json:"id"`
	Series           string  `json:"series"`
	Begin            int64   `json:"begin"`
	End              int64   `json:"end"`
	RateFile         string  `json:"rate_file,omitempty"`
	AggregateFile    string  `json:"aggregate_file,omitempty"`
	RateRows         int64   `json:"rate_rows"`
	AggregateRows    int64   `json:"aggregate_rows"`
	AggregatePeriods []int64 `json:"aggregate_periods,omitempty"`
}

// Archive is a directory of exported Parquet files.
type Archive struct {
	dir  string
	opts parquet.Options
}

// New returns an archive rooted at dir. The directory is created on the
// first export.
func New(dir string, opts parquet.Options) *Archive {
	return &Archive{dir: dir, opts: opts}
}

// Dir returns the archive directory.
func (a *Archive) Dir() string { return a.dir }

func slug(series string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, series)
}

// Export writes the native bins and every aggregate period of series in
// [begin, end) to the archive. Kinds with no rows produce no file.
func (a *Archive) Export(ctx context.Context, src Source, cat catalog.Catalog, series string, begin, end int64) (*Manifest, error) {
	if begin >= end {
		return nil, fmt.Errorf("export %s: begin %d not before end %d", series, begin, end)
	}

	entry, err := catalog.Resolve(cat, series)
	if err != nil {
		return nil, err
	}

	rates, err := src.RateBins(ctx, series, entry.Frequency, begin, end)
	if err != nil {
		return nil, fmt.Errorf("read rate bins: %w", err)
	}

	var aggregates []types.AggregateBin
	for _, p := range entry.Periods {
		bins, err := src.AggregateBins(ctx, series, p, begin, end)
		if err != nil {
			return nil, fmt.Errorf("read aggregate bins (period %d): %w", p, err)
		}
		aggregates = append(aggregates, bins...)
	}

	m := &Manifest{
		ID:               ulid.Make().String(),
		Series:           series,
		Begin:            begin,
		End:              end,
		AggregatePeriods: entry.Periods,
	}
	base := slug(series) + "-" + m.ID + ".parquet"

	if len(rates) > 0 {
		path := filepath.Join(a.dir, parquet.KindRate+"-"+base)
		n, err := a.writeRates(path, rates)
		if err != nil {
			return nil, err
		}
		m.RateFile, m.RateRows = path, n
	}

	if len(aggregates) > 0 {
		path := filepath.Join(a.dir, parquet.KindAggregate+"-"+base)
		n, err := a.writeAggregates(path, aggregates)
		if err != nil {
			return nil, err
		}
		m.AggregateFile, m.AggregateRows = path, n
	}

	log.Info("series exported",
		"series", series,
		"id", m.ID,
		"rate_rows", m.RateRows,
		"aggregate_rows", m.AggregateRows)

	return m, nil
}

func (a *Archive) writeRates(path string, bins []types.RateBin) (int64, error) {
	w, err := parquet.NewRateWriter(path, a.opts)
	if err != nil {
		return 0, err
	}
	if err := w.Write(bins); err != nil {
		w.Close()
		os.Remove(path)
		return 0, err
	}
	if err := w.Close(); err != nil {
		os.Remove(path)
		return 0, err
	}
	return w.RowCount(), nil
}

func (a *Archive) writeAggregates(path string, bins []types.AggregateBin) (int64, error) {
	w, err := parquet.NewAggregateWriter(path, a.opts)
	if err != nil {
		return 0, err
	}
	if err := w.Write(bins); err != nil {
		w.Close()
		os.Remove(path)
		return 0, err
	}
	if err := w.Close(); err != nil {
		os.Remove(path)
		return 0, err
	}
	return w.RowCount(), nil
}

// Import loads one archive file into dst and returns the number of rows.
// The file kind is taken from its footer metadata. Rows overwrite the
// bins they collide with.
func Import(ctx context.Context, dst Sink, path string) (int, error) {
	info, err := parquet.GetFileInfo(path)
	if err != nil {
		return 0, err
	}

	switch info.Kind {
	case parquet.KindRate:
		bins, err := parquet.ReadRateFile(path)
		if err != nil {
			return 0, err
		}
		if len(bins) == 0 {
			return 0, nil
		}
		if err := dst.PutRateBins(ctx, bins); err != nil {
			return 0, fmt.Errorf("import %s: %w", path, err)
		}
		return len(bins), nil

	case parquet.KindAggregate:
		bins, err := parquet.ReadAggregateFile(path)
		if err != nil {
			return 0, err
		}
		if len(bins) == 0 {
			return 0, nil
		}
		if err := dst.PutAggregateBins(ctx, bins); err != nil {
			return 0, fmt.Errorf("import %s: %w", path, err)
		}
		return len(bins), nil

	default:
		return 0, fmt.Errorf("import %s: unknown archive kind %q", path, info.Kind)
	}
}

// Files lists the archive files of kind, oldest first.
func (a *Archive) Files(kind string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(a.dir, kind+"-*.parquet"))
	if err != nil {
		return nil, err
	}
	return files, nil
}
