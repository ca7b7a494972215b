// Package wal is the ingestion write-ahead log. A sample is appended here
// before it is queued, and the segment holding it is only retired once
// the sample's metadata has been committed to the store.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

// Writer appends sample records to numbered segment files.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
type Writer struct {
	mu sync.Mutex

	dir            string
	currentSegment *os.File
	currentPath    string
	currentSeq     int64
	currentSize    int64
	nextSeq        int64
	closed         bool

	writer *bufio.Writer

	opts Options

	stats WriterStats
}

// Sync modes.
const (
	SyncNone  = "none"  // buffered; flushed on rotate, Sync and Close
	SyncBatch = "batch" // flushed to the OS after every Write
	SyncFsync = "fsync" // flushed and fsynced after every Write
)

// Options configures the WAL writer.
type Options struct {
	// MaxSegmentSize is the size at which Write starts a new segment.
	// Default: 64MB
	MaxSegmentSize int64

	// SyncMode is one of SyncNone, SyncBatch or SyncFsync.
	// Default: SyncBatch
	SyncMode string

	// BufferSize is the size of the write buffer.
	// Default: 64KB
	BufferSize int
}

// DefaultOptions returns default WAL options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: 64 * 1024 * 1024,
		SyncMode:       SyncBatch,
		BufferSize:     64 * 1024,
	}
}

// WriterStats holds WAL writer statistics.
type WriterStats struct {
	SegmentsCreated int64
	RecordsWritten  int64
	SamplesWritten  int64
	BytesWritten    int64
	SyncsPerformed  int64
	Errors          int64
}

const (
	walMagic         = 0x52545757414C0001 // "RTWWAL" + version 1
	walVersion       = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
	maxRecordSize    = 64 * 1024 * 1024
)

// ValidSyncMode reports whether mode is a known sync mode.
func ValidSyncMode(mode string) bool {
	switch mode {
	case SyncNone, SyncBatch, SyncFsync:
		return true
	}
	return false
}

// NewWriter opens a writer in dir. Existing segments are left untouched and
// the writer starts a fresh segment numbered after them, so callers can
// replay everything returned by Segments before the first Write.
func NewWriter(dir string, opts Options) (*Writer, error) {
	def := DefaultOptions()
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = def.MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = def.SyncMode
	}
	if !ValidSyncMode(opts.SyncMode) {
		return nil, errors.NewValidation("wal.sync_mode", fmt.Sprintf("unknown mode %q", opts.SyncMode))
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	w := &Writer{
		dir:  dir,
		opts: opts,
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		w.nextSeq = segments[len(segments)-1].Seq + 1
	}

	if err := w.rotateUnlocked(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}

	return w, nil
}

// Write appends samples as a single record.
func (w *Writer) Write(samples []types.RawSample) error {
	if len(samples) == 0 {
		return nil
	}

	payload, err := encodeSamples(samples)
	if err != nil {
		return fmt.Errorf("encode samples: %w", err)
	}
	if len(payload) > maxRecordSize {
		return fmt.Errorf("record of %d bytes exceeds limit", len(payload))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrClosed
	}

	recordSize := int64(recordHeaderSize + len(payload))
	if w.currentSize > headerSize && w.currentSize+recordSize > w.opts.MaxSegmentSize {
		if err := w.rotateUnlocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("rotate segment: %w", err)
		}
	}

	if err := w.writeRecord(payload); err != nil {
		w.stats.Errors++
		return fmt.Errorf("write record: %w", err)
	}

	w.stats.RecordsWritten++
	w.stats.SamplesWritten += int64(len(samples))
	w.stats.BytesWritten += recordSize

	if w.opts.SyncMode != SyncNone {
		if err := w.syncUnlocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("sync: %w", err)
		}
	}

	return nil
}

func (w *Writer) writeRecord(payload []byte) error {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}

	w.currentSize += int64(recordHeaderSize + len(payload))
	return nil
}

// Sync flushes buffered records. In fsync mode it also syncs the file.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncUnlocked()
}

func (w *Writer) syncUnlocked() error {
	if w.writer == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if w.opts.SyncMode == SyncFsync {
		if err := w.currentSegment.Sync(); err != nil {
			return err
		}
	}
	w.stats.SyncsPerformed++
	return nil
}

// Rotate closes the current segment and starts a new one. It returns the
// sequence number of the new segment: every sample written before the
// call lives in a segment with a smaller number.
func (w *Writer) Rotate() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, errors.ErrClosed
	}
	if err := w.rotateUnlocked(); err != nil {
		return 0, err
	}
	return w.currentSeq, nil
}

func (w *Writer) rotateUnlocked() error {
	if w.currentSegment != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("flush segment: %w", err)
		}
		if w.opts.SyncMode == SyncFsync {
			if err := w.currentSegment.Sync(); err != nil {
				return fmt.Errorf("sync segment: %w", err)
			}
		}
		w.currentSegment.Close()
	}

	seq := w.nextSeq
	segmentPath := filepath.Join(w.dir, segmentName(seq))

	f, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", segmentPath, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(segmentPath)
		return fmt.Errorf("write header: %w", err)
	}

	w.currentSegment = f
	w.currentPath = segmentPath
	w.currentSeq = seq
	w.currentSize = headerSize
	w.writer = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.nextSeq = seq + 1
	w.stats.SegmentsCreated++

	return nil
}

// Close flushes and closes the current segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var flushErr error
	if w.writer != nil {
		flushErr = w.syncUnlocked()
	}
	if w.currentSegment != nil {
		if err := w.currentSegment.Close(); err != nil {
			return err
		}
	}
	return flushErr
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// CurrentSegment returns the path and sequence of the segment being written.
func (w *Writer) CurrentSegment() (string, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPath, w.currentSeq
}

// Dir returns the WAL directory.
func (w *Writer) Dir() string {
	return w.dir
}

// DeleteBefore removes every segment with a sequence number below seq.
// The segment currently being written is never removed.
func (w *Writer) DeleteBefore(seq int64) (int, error) {
	segments, err := listSegments(w.dir)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	current := w.currentSeq
	w.mu.Unlock()

	deleted := 0
	for _, s := range segments {
		if s.Seq >= seq || s.Seq == current {
			break
		}
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			return deleted, fmt.Errorf("remove segment %s: %w", s.Path, err)
		}
		deleted++
	}
	return deleted, nil
}

// =============================================================================
// Segment listing
// =============================================================================

// Segment describes one segment file.
type Segment struct {
	Path string
	Seq  int64
	Size int64
}

func segmentName(seq int64) string {
	return fmt.Sprintf("%016d.wal", seq)
}

// Segments returns the segment files in dir ordered by sequence number.
func Segments(dir string) ([]Segment, error) {
	return listSegments(dir)
}

func listSegments(dir string) ([]Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []Segment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if len(name) != 20 || name[16:] != ".wal" {
			continue
		}

		var seq int64
		if _, err := fmt.Sscanf(name, "%016d.wal", &seq); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		segments = append(segments, Segment{
			Path: filepath.Join(dir, name),
			Seq:  seq,
			Size: info.Size(),
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Seq < segments[j].Seq
	})

	return segments, nil
}
