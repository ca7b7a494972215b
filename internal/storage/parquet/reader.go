package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/ratewatch/internal/storage/types"
)

const readBatch = 4096

func readRows[R any](path string) ([]R, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[R](f, parquet.ReadBufferSize(1024*1024))
	defer reader.Close()

	out := make([]R, 0, reader.NumRows())
	buf := make([]R, readBatch)
	for {
		n, err := reader.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
	}
}

// ReadRateFile reads every rate bin in path.
func ReadRateFile(path string) ([]types.RateBin, error) {
	rows, err := readRows[RateRow](path)
	if err != nil {
		return nil, err
	}
	bins := make([]types.RateBin, len(rows))
	for i := range rows {
		bins[i] = RowToRate(&rows[i])
	}
	return bins, nil
}

// ReadAggregateFile reads every aggregate bin in path.
func ReadAggregateFile(path string) ([]types.AggregateBin, error) {
	rows, err := readRows[AggregateRow](path)
	if err != nil {
		return nil, err
	}
	bins := make([]types.AggregateBin, len(rows))
	for i := range rows {
		bins[i] = RowToAggregate(&rows[i])
	}
	return bins, nil
}

// FileInfo holds information about a Parquet file.
type FileInfo struct {
	Path    string
	Kind    string
	Size    int64
	NumRows int64
	NumCols int
}

// GetFileInfo returns information about a Parquet file.
func GetFileInfo(path string) (*FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}

	kind, _ := pf.Lookup(KindKey)
	return &FileInfo{
		Path:    path,
		Kind:    kind,
		Size:    stat.Size(),
		NumRows: pf.NumRows(),
		NumCols: len(pf.Schema().Fields()),
	}, nil
}
