package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/ratewatch/internal/storage/types"
)

// Options configures the Parquet writers.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// PageBufferSize is the target page size in bytes
	PageBufferSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:    CompressionZstd,
		PageBufferSize: 1024 * 1024, // 1MB
	}
}

// ParseCompressionType parses a compression type string. Unknown names
// fall back to zstd.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")

// fileWriter owns one output file of rows of type R.
type fileWriter[R any] struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[R]
	rowCount int64
	closed   bool
}

func newFileWriter[R any](path, kind string, opts Options) (*fileWriter[R], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
		parquet.KeyValueMetadata(KindKey, kind),
	}
	if opts.PageBufferSize > 0 {
		writerOpts = append(writerOpts, parquet.PageBufferSize(opts.PageBufferSize))
	}

	return &fileWriter[R]{
		path:   path,
		file:   f,
		writer: parquet.NewGenericWriter[R](f, writerOpts...),
	}, nil
}

func (w *fileWriter[R]) write(rows []R) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

func (w *fileWriter[R]) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync file: %w", err)
	}
	return w.file.Close()
}

func (w *fileWriter[R]) count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// RateWriter writes rate bins to a Parquet file.
type RateWriter struct {
	w *fileWriter[RateRow]
}

// NewRateWriter creates a rate bin writer at path.
func NewRateWriter(path string, opts Options) (*RateWriter, error) {
	w, err := newFileWriter[RateRow](path, KindRate, opts)
	if err != nil {
		return nil, err
	}
	return &RateWriter{w: w}, nil
}

// Write appends bins to the file.
func (w *RateWriter) Write(bins []types.RateBin) error {
	if len(bins) == 0 {
		return nil
	}
	rows := make([]RateRow, len(bins))
	for i := range bins {
		rows[i] = RateToRow(&bins[i])
	}
	return w.w.write(rows)
}

// Close flushes the footer and closes the file.
func (w *RateWriter) Close() error { return w.w.close() }

// RowCount returns the number of rows written.
func (w *RateWriter) RowCount() int64 { return w.w.count() }

// Path returns the file path.
func (w *RateWriter) Path() string { return w.w.path }

// AggregateWriter writes aggregate bins to a Parquet file.
type AggregateWriter struct {
	w *fileWriter[AggregateRow]
}

// NewAggregateWriter creates an aggregate bin writer at path.
func NewAggregateWriter(path string, opts Options) (*AggregateWriter, error) {
	w, err := newFileWriter[AggregateRow](path, KindAggregate, opts)
	if err != nil {
		return nil, err
	}
	return &AggregateWriter{w: w}, nil
}

// Write appends aggregates to the file.
func (w *AggregateWriter) Write(aggregates []types.AggregateBin) error {
	if len(aggregates) == 0 {
		return nil
	}
	rows := make([]AggregateRow, len(aggregates))
	for i := range aggregates {
		rows[i] = AggregateToRow(&aggregates[i])
	}
	return w.w.write(rows)
}

// Close flushes the footer and closes the file.
func (w *AggregateWriter) Close() error { return w.w.close() }

// RowCount returns the number of rows written.
func (w *AggregateWriter) RowCount() int64 { return w.w.count() }

// Path returns the file path.
func (w *AggregateWriter) Path() string { return w.w.path }
