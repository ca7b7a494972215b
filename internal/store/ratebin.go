package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

// PutRateBins upserts bins in one transaction, chunked into multi-row
// INSERT statements. A later bin for the same slot wins.
func (s *Store) PutRateBins(ctx context.Context, bins []types.RateBin) error {
	if len(bins) == 0 {
		return nil
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	bins = dedupeRateBins(bins)
	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		for i := 0; i < len(bins); i += s.config.InsertBatchSize {
			end := min(i+s.config.InsertBatchSize, len(bins))

			query, args := s.buildRateBinUpsert(bins[i:end])
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return errors.Storage("upsert rate bins", err)
			}
		}
		return nil
	})
}

func (s *Store) buildRateBinUpsert(bins []types.RateBin) (string, []interface{}) {
	const columnsPerRow = 5

	args := make([]interface{}, 0, len(bins)*columnsPerRow)

	var query strings.Builder
	query.Grow(160 + len(bins)*12)
	query.WriteString(`INSERT INTO rate_bins (series, freq, slot, value, valid) VALUES `)

	for i, b := range bins {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString("(?,?,?,?,?)")
		args = append(args, b.Series, b.Freq, b.Slot, b.Value, b.Valid)
	}

	query.WriteString(` ON CONFLICT (series, freq, slot) DO UPDATE SET value = excluded.value, valid = excluded.valid`)
	return s.dialect.rebind(query.String()), args
}

// RateBins returns the bins of series at freq in [begin, end).
func (s *Store) RateBins(ctx context.Context, series string, freq, begin, end int64) ([]types.RateBin, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT slot, value, valid
		FROM rate_bins
		WHERE series = ? AND freq = ? AND slot >= ? AND slot < ?
		ORDER BY slot
	`), series, freq, begin, end)
	if err != nil {
		return nil, errors.Storage("query rate bins", err)
	}
	defer rows.Close()

	var bins []types.RateBin
	for rows.Next() {
		b := types.RateBin{Series: series, Freq: freq}
		if err := rows.Scan(&b.Slot, &b.Value, &b.Valid); err != nil {
			return nil, errors.Storage("scan rate bin", err)
		}
		bins = append(bins, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("iterate rate bins", err)
	}

	return bins, nil
}

// dedupeRateBins keeps the last bin per key, preserving first-seen order.
// A single upsert statement may not touch the same row twice.
func dedupeRateBins(bins []types.RateBin) []types.RateBin {
	type key struct {
		series     string
		freq, slot int64
	}

	index := make(map[key]int, len(bins))
	out := make([]types.RateBin, 0, len(bins))
	for _, b := range bins {
		k := key{b.Series, b.Freq, b.Slot}
		if i, ok := index[k]; ok {
			out[i] = b
			continue
		}
		index[k] = len(out)
		out = append(out, b)
	}
	return out
}
