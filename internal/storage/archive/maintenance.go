package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/xtxerr/ratewatch/internal/storage/parquet"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

// fileEntry is one archive file with the creation time encoded in its ID.
type fileEntry struct {
	path string
	id   ulid.ULID
	size int64
}

// fileID parses the ULID that ends every archive file name.
func fileID(path string) (ulid.ULID, error) {
	base := strings.TrimSuffix(filepath.Base(path), ".parquet")
	i := strings.LastIndexByte(base, '-')
	if i < 0 {
		return ulid.ULID{}, fmt.Errorf("no id in %q", base)
	}
	return ulid.ParseStrict(base[i+1:])
}

// entries lists the files of kind ordered by creation time. Files whose
// name carries no ID are returned in skipped.
func (a *Archive) entries(kind string) (files []fileEntry, skipped int, err error) {
	paths, err := a.Files(kind)
	if err != nil {
		return nil, 0, err
	}
	for _, p := range paths {
		id, err := fileID(p)
		if err != nil {
			skipped++
			continue
		}
		st, err := os.Stat(p)
		if err != nil {
			skipped++
			continue
		}
		files = append(files, fileEntry{path: p, id: id, size: st.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].id.Compare(files[j].id) < 0 })
	return files, skipped, nil
}

// CompactResult reports one compaction.
type CompactResult struct {
	Kind        string `json:"kind"`
	FilesRead   int    `json:"files_read"`
	RowsRead    int64  `json:"rows_read"`
	RowsWritten int64  `json:"rows_written"`
	Output      string `json:"output,omitempty"`
	BytesBefore int64  `json:"bytes_before"`
	BytesAfter  int64  `json:"bytes_after"`
}

type rateKey struct {
	series     string
	slot, freq int64
}

type aggregateKey struct {
	series       string
	slot, period int64
}

// Compact merges every file of kind into a single file. When two files
// hold the same bin, the newer file wins. Source files are removed only
// after the merged file is closed. Fewer than two files is a no-op.
func (a *Archive) Compact(ctx context.Context, kind string) (CompactResult, error) {
	result := CompactResult{Kind: kind}
	if kind != parquet.KindRate && kind != parquet.KindAggregate {
		return result, fmt.Errorf("compact: unknown archive kind %q", kind)
	}

	files, _, err := a.entries(kind)
	if err != nil {
		return result, err
	}
	if len(files) < 2 {
		return result, nil
	}

	out := filepath.Join(a.dir, kind+"-compacted-"+ulid.Make().String()+".parquet")

	switch kind {
	case parquet.KindRate:
		merged := make(map[rateKey]types.RateBin)
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			bins, err := parquet.ReadRateFile(f.path)
			if err != nil {
				return result, fmt.Errorf("read %s: %w", f.path, err)
			}
			for _, b := range bins {
				merged[rateKey{b.Series, b.Slot, b.Freq}] = b
			}
			result.RowsRead += int64(len(bins))
		}
		bins := make([]types.RateBin, 0, len(merged))
		for _, b := range merged {
			bins = append(bins, b)
		}
		sort.Slice(bins, func(i, j int) bool {
			if bins[i].Series != bins[j].Series {
				return bins[i].Series < bins[j].Series
			}
			return bins[i].Slot < bins[j].Slot
		})
		result.RowsWritten, err = a.writeRates(out, bins)

	case parquet.KindAggregate:
		merged := make(map[aggregateKey]types.AggregateBin)
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			bins, err := parquet.ReadAggregateFile(f.path)
			if err != nil {
				return result, fmt.Errorf("read %s: %w", f.path, err)
			}
			for _, b := range bins {
				merged[aggregateKey{b.Series, b.Slot, b.Period}] = b
			}
			result.RowsRead += int64(len(bins))
		}
		bins := make([]types.AggregateBin, 0, len(merged))
		for _, b := range merged {
			bins = append(bins, b)
		}
		sort.Slice(bins, func(i, j int) bool {
			if bins[i].Series != bins[j].Series {
				return bins[i].Series < bins[j].Series
			}
			if bins[i].Period != bins[j].Period {
				return bins[i].Period < bins[j].Period
			}
			return bins[i].Slot < bins[j].Slot
		})
		result.RowsWritten, err = a.writeAggregates(out, bins)
	}
	if err != nil {
		return result, fmt.Errorf("write %s: %w", out, err)
	}

	result.FilesRead = len(files)
	result.Output = out
	for _, f := range files {
		result.BytesBefore += f.size
		if err := os.Remove(f.path); err != nil {
			log.Warn("remove compacted file", "path", f.path, "error", err)
		}
	}
	if st, err := os.Stat(out); err == nil {
		result.BytesAfter = st.Size()
	}

	log.Info("archive compacted",
		"kind", kind,
		"files", result.FilesRead,
		"rows_read", result.RowsRead,
		"rows_written", result.RowsWritten)

	return result, nil
}

// PruneResult reports one retention pass.
type PruneResult struct {
	FilesDeleted int     `json:"files_deleted"`
	BytesFreed   int64   `json:"bytes_freed"`
	FilesSkipped int     `json:"files_skipped"`
	Errors       []error `json:"-"`
}

// Prune deletes archive files created before now-maxAge. The creation time
// is the one encoded in the file ID, not the file's mtime. With dryRun set
// nothing is removed but the result is the same.
func (a *Archive) Prune(maxAge time.Duration, now time.Time, dryRun bool) (PruneResult, error) {
	var result PruneResult
	if maxAge <= 0 {
		return result, fmt.Errorf("prune: max age must be positive, got %s", maxAge)
	}
	cutoff := now.Add(-maxAge)

	for _, kind := range []string{parquet.KindRate, parquet.KindAggregate} {
		files, skipped, err := a.entries(kind)
		if err != nil {
			return result, err
		}
		result.FilesSkipped += skipped

		for _, f := range files {
			if ulid.Time(f.id.Time()).After(cutoff) {
				result.FilesSkipped++
				continue
			}
			if !dryRun {
				if err := os.Remove(f.path); err != nil {
					result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", f.path, err))
					continue
				}
			}
			result.FilesDeleted++
			result.BytesFreed += f.size
		}
	}

	if result.FilesDeleted > 0 && !dryRun {
		log.Info("archive pruned",
			"files", result.FilesDeleted,
			"bytes", result.BytesFreed,
			"cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return result, nil
}

// Usage summarises the archive per kind.
type Usage struct {
	Kind      string `json:"kind"`
	FileCount int    `json:"files"`
	TotalSize int64  `json:"bytes"`
	Rows      int64  `json:"rows"`
}

// DiskUsage returns per-kind file counts, sizes and row counts.
func (a *Archive) DiskUsage() ([]Usage, error) {
	var out []Usage
	for _, kind := range []string{parquet.KindRate, parquet.KindAggregate} {
		files, err := a.Files(kind)
		if err != nil {
			return nil, err
		}
		u := Usage{Kind: kind, FileCount: len(files)}
		for _, p := range files {
			info, err := parquet.GetFileInfo(p)
			if err != nil {
				return nil, err
			}
			u.TotalSize += info.Size
			u.Rows += info.NumRows
		}
		out = append(out, u)
	}
	return out, nil
}
