package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

// Reader reads sample records from one segment file.
type Reader struct {
	path string
	file *os.File

	stats ReaderStats
}

// ReaderStats holds WAL reader statistics.
type ReaderStats struct {
	RecordsRead    int64
	SamplesRead    int64
	BytesRead      int64
	CorruptRecords int64
	TornTail       bool
}

// NewReader opens a segment file and verifies its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic %x: %w", magic, errors.ErrCorrupted)
	}

	version := binary.LittleEndian.Uint32(header[8:12])
	if version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	return &Reader{
		path: path,
		file: f,
	}, nil
}

// ReadRecord reads the next record. It returns io.EOF at the clean end of
// the segment and io.ErrUnexpectedEOF for a partial record.
func (r *Reader) ReadRecord() ([]types.RawSample, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.file, header[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	if length > maxRecordSize {
		// The length itself is garbage; nothing after it can be framed.
		return nil, io.ErrUnexpectedEOF
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.file, payload); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	r.stats.BytesRead += int64(recordHeaderSize + len(payload))

	if actual := crc32.ChecksumIEEE(payload); actual != expectedCRC {
		return nil, fmt.Errorf("crc mismatch: expected %x, got %x: %w", expectedCRC, actual, errors.ErrCorrupted)
	}

	samples, err := decodeSamples(payload)
	if err != nil {
		return nil, fmt.Errorf("decode samples: %v: %w", err, errors.ErrCorrupted)
	}

	r.stats.RecordsRead++
	r.stats.SamplesRead += int64(len(samples))

	return samples, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// Iterator walks the samples of a segment one at a time.
type Iterator struct {
	reader   *Reader
	buffer   []types.RawSample
	position int
	current  types.RawSample
	done     bool
	err      error
}

// NewIterator creates an iterator for a segment file.
func NewIterator(path string) (*Iterator, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	return &Iterator{reader: r}, nil
}

// Next advances to the next sample. It returns false at the end of the
// segment or on error.
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	for it.position >= len(it.buffer) {
		samples, err := it.reader.ReadRecord()
		switch {
		case err == io.EOF:
			it.done = true
			return false
		case err == io.ErrUnexpectedEOF:
			it.reader.stats.TornTail = true
			it.done = true
			return false
		case errors.Is(err, errors.ErrCorrupted):
			it.reader.stats.CorruptRecords++
			continue
		case err != nil:
			it.err = err
			return false
		}

		it.buffer = samples
		it.position = 0
	}

	it.current = it.buffer[it.position]
	it.position++
	return true
}

// Sample returns the sample Next advanced to.
func (it *Iterator) Sample() types.RawSample {
	return it.current
}

// Err returns any error encountered during iteration.
func (it *Iterator) Err() error {
	return it.err
}

// Stats returns the statistics of the underlying reader.
func (it *Iterator) Stats() ReaderStats {
	return it.reader.Stats()
}

// Close closes the iterator.
func (it *Iterator) Close() error {
	return it.reader.Close()
}
