package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xtxerr/ratewatch/internal/storage/types"
)

const testSeries = "rtr-01/interfaces/ifHCInOctets/xe-0/0/1"

func sampleAt(i int) types.RawSample {
	return types.RawSample{Series: testSeries, Timestamp: 1000 + int64(i)*30, Value: uint64(i) * 1000}
}

func TestEncodeDecode(t *testing.T) {
	samples := []types.RawSample{
		{Series: testSeries, Timestamp: 1700000000, Value: 18446744073709551615},
		{Series: "sw-02/system/ifInErrors/7", Timestamp: 1700000030, Value: 0},
	}

	data, err := encodeSamples(samples)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := decodeSamples(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(decoded) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("sample %d: got %+v, want %+v", i, decoded[i], samples[i])
		}
	}
}

func TestDecode_Truncated(t *testing.T) {
	data, err := encodeSamples([]types.RawSample{sampleAt(1)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := decodeSamples(data[:len(data)-3]); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestWriter_Basic(t *testing.T) {
	w, err := NewWriter(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if err := w.Write([]types.RawSample{sampleAt(0), sampleAt(1)}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	stats := w.Stats()
	if stats.RecordsWritten != 1 {
		t.Errorf("expected 1 record written, got %d", stats.RecordsWritten)
	}
	if stats.SamplesWritten != 2 {
		t.Errorf("expected 2 samples written, got %d", stats.SamplesWritten)
	}
	if err := w.Sync(); err != nil {
		t.Errorf("Sync: %v", err)
	}
}

func TestWriter_InvalidSyncMode(t *testing.T) {
	opts := DefaultOptions()
	opts.SyncMode = "sometimes"
	if _, err := NewWriter(t.TempDir(), opts); err == nil {
		t.Error("expected error for unknown sync mode")
	}
}

func TestWriter_Rotation(t *testing.T) {
	dir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 256

	w, err := NewWriter(dir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	for i := 0; i < 100; i++ {
		if err := w.Write([]types.RawSample{sampleAt(i)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	segments, err := Segments(dir)
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segments) < 2 {
		t.Errorf("expected at least 2 segments due to rotation, got %d", len(segments))
	}
	for i := 1; i < len(segments); i++ {
		if segments[i].Seq <= segments[i-1].Seq {
			t.Fatalf("segments out of order: %d after %d", segments[i].Seq, segments[i-1].Seq)
		}
	}
}

func TestReader_RoundTrip(t *testing.T) {
	w, err := NewWriter(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := w.Write([]types.RawSample{sampleAt(i)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	path, _ := w.CurrentSegment()
	w.Close()

	read, _ := readSegment(t, path)
	if len(read) != 10 {
		t.Fatalf("expected 10 samples, got %d", len(read))
	}
	for i, s := range read {
		if s != sampleAt(i) {
			t.Errorf("sample %d: got %+v", i, s)
		}
	}
}

func TestReader_TornTail(t *testing.T) {
	w, err := NewWriter(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := w.Write([]types.RawSample{sampleAt(i)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	path, _ := w.CurrentSegment()
	w.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-4); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	read, stats := readSegment(t, path)
	if len(read) != 2 {
		t.Errorf("expected 2 intact samples, got %d", len(read))
	}
	if !stats.TornTail {
		t.Error("expected torn tail to be reported")
	}
}

func TestReader_CorruptRecordSkipped(t *testing.T) {
	w, err := NewWriter(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := w.Write([]types.RawSample{sampleAt(i)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	path, _ := w.CurrentSegment()
	w.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// Flip the last byte of the first record's payload.
	payload, _ := encodeSamples([]types.RawSample{sampleAt(0)})
	data[headerSize+recordHeaderSize+len(payload)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	read, stats := readSegment(t, path)
	if len(read) != 2 {
		t.Errorf("expected 2 samples, got %d", len(read))
	}
	if stats.CorruptRecords != 1 {
		t.Errorf("expected 1 corrupt record, got %d", stats.CorruptRecords)
	}
}

func TestIterator(t *testing.T) {
	w, err := NewWriter(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if err := w.Write([]types.RawSample{sampleAt(0), sampleAt(1)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for i := 2; i < 5; i++ {
		if err := w.Write([]types.RawSample{sampleAt(i)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	path, _ := w.CurrentSegment()
	w.Close()

	it, err := NewIterator(path)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	count := 0
	for it.Next() {
		if s := it.Sample(); s != sampleAt(count) {
			t.Errorf("sample %d: got %+v", count, s)
		}
		count++
	}
	if err := it.Err(); err != nil {
		t.Errorf("iterator error: %v", err)
	}
	if count != 5 {
		t.Errorf("expected 5 samples, got %d", count)
	}
}

func TestWriter_RotateAndDeleteBefore(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if err := w.Write([]types.RawSample{sampleAt(0)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	seq, err := w.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := w.Write([]types.RawSample{sampleAt(1)}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deleted, err := w.DeleteBefore(seq)
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	segments, _ := Segments(dir)
	if len(segments) != 1 || segments[0].Seq != seq {
		t.Fatalf("expected only segment %d to remain, got %+v", seq, segments)
	}
}

func TestWriter_Recovery(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := w.Write([]types.RawSample{sampleAt(i)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	w.Close()

	w, err = NewWriter(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter after restart: %v", err)
	}
	defer w.Close()

	segments, _ := Segments(dir)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments after restart, got %d", len(segments))
	}
	if _, seq := w.CurrentSegment(); seq != segments[1].Seq {
		t.Errorf("writer should append to the newest segment, got %d", seq)
	}

	old, _ := readSegment(t, segments[0].Path)
	if len(old) != 10 {
		t.Errorf("expected 10 samples to replay, got %d", len(old))
	}
}

func TestWriter_ClosedRejectsWrites(t *testing.T) {
	w, err := NewWriter(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Close()

	if err := w.Write([]types.RawSample{sampleAt(0)}); err == nil {
		t.Error("expected error writing to closed WAL")
	}
}

func TestReader_InvalidFile(t *testing.T) {
	invalidPath := filepath.Join(t.TempDir(), "invalid.wal")
	if err := os.WriteFile(invalidPath, []byte("invalid content"), 0644); err != nil {
		t.Fatalf("write invalid file: %v", err)
	}

	if _, err := NewReader(invalidPath); err == nil {
		t.Error("expected error for invalid file")
	}
}

func BenchmarkWriter_Write(b *testing.B) {
	opts := DefaultOptions()
	opts.SyncMode = SyncNone

	w, err := NewWriter(b.TempDir(), opts)
	if err != nil {
		b.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	samples := make([]types.RawSample, 100)
	for i := range samples {
		samples[i] = sampleAt(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := w.Write(samples); err != nil {
			b.Fatalf("Write: %v", err)
		}
	}
}

// readSegment collects every intact sample of a segment.
func readSegment(t *testing.T, path string) ([]types.RawSample, ReaderStats) {
	t.Helper()
	it, err := NewIterator(path)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	var out []types.RawSample
	for it.Next() {
		out = append(out, it.Sample())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterate %s: %v", path, err)
	}
	return out, it.Stats()
}
