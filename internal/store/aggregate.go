package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

const aggregateColumns = `slot, bin_count, bin_sum, bin_min, bin_max, base_freq, last_slot`

// PutAggregateBins overwrites the given aggregate bins. Merging is done by
// the caller; see rollup.Rollup.
func (s *Store) PutAggregateBins(ctx context.Context, bins []types.AggregateBin) error {
	if len(bins) == 0 {
		return nil
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		for i := 0; i < len(bins); i += s.config.InsertBatchSize {
			end := min(i+s.config.InsertBatchSize, len(bins))

			query, args := s.buildAggregateUpsert(bins[i:end])
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return errors.Storage("upsert aggregate bins", err)
			}
		}
		return nil
	})
}

func (s *Store) buildAggregateUpsert(bins []types.AggregateBin) (string, []interface{}) {
	const columnsPerRow = 9

	args := make([]interface{}, 0, len(bins)*columnsPerRow)

	var query strings.Builder
	query.Grow(320 + len(bins)*20)
	query.WriteString(`INSERT INTO aggregate_bins (series, period, ` + aggregateColumns + `) VALUES `)

	for i, b := range bins {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString("(?,?,?,?,?,?,?,?,?)")
		args = append(args, b.Series, b.Period, b.Slot, b.Count, b.Sum, b.Min, b.Max, b.BaseFreq, b.LastSlot)
	}

	query.WriteString(` ON CONFLICT (series, period, slot) DO UPDATE SET
		bin_count = excluded.bin_count, bin_sum = excluded.bin_sum, bin_min = excluded.bin_min, bin_max = excluded.bin_max,
		base_freq = excluded.base_freq, last_slot = excluded.last_slot`)
	return s.dialect.rebind(query.String()), args
}

// AggregateBin returns one aggregate bin, if present.
func (s *Store) AggregateBin(ctx context.Context, series string, period, slot int64) (types.AggregateBin, bool, error) {
	if err := s.checkOpen(); err != nil {
		return types.AggregateBin{}, false, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	b := types.AggregateBin{Series: series, Period: period}
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT `+aggregateColumns+`
		FROM aggregate_bins
		WHERE series = ? AND period = ? AND slot = ?
	`), series, period, slot).Scan(&b.Slot, &b.Count, &b.Sum, &b.Min, &b.Max, &b.BaseFreq, &b.LastSlot)

	if errors.Is(err, sql.ErrNoRows) {
		return types.AggregateBin{}, false, nil
	}
	if err != nil {
		return types.AggregateBin{}, false, errors.Storage("query aggregate bin", err)
	}
	return b, true, nil
}

// AggregateBins returns the aggregate bins of series at period in [begin, end).
func (s *Store) AggregateBins(ctx context.Context, series string, period, begin, end int64) ([]types.AggregateBin, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+aggregateColumns+`
		FROM aggregate_bins
		WHERE series = ? AND period = ? AND slot >= ? AND slot < ?
		ORDER BY slot
	`), series, period, begin, end)
	if err != nil {
		return nil, errors.Storage("query aggregate bins", err)
	}
	defer rows.Close()

	var bins []types.AggregateBin
	for rows.Next() {
		b := types.AggregateBin{Series: series, Period: period}
		if err := rows.Scan(&b.Slot, &b.Count, &b.Sum, &b.Min, &b.Max, &b.BaseFreq, &b.LastSlot); err != nil {
			return nil, errors.Storage("scan aggregate bin", err)
		}
		bins = append(bins, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("iterate aggregate bins", err)
	}

	return bins, nil
}
