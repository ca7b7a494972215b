package store

import (
	"context"
	"database/sql"

	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

// Metadata returns the stored metadata for series, if any.
//
// Counter values are stored as the int64 bit pattern of the uint64, since
// none of the supported databases has an unsigned 64-bit column type.
func (s *Store) Metadata(ctx context.Context, series string) (types.SeriesMetadata, bool, error) {
	if err := s.checkOpen(); err != nil {
		return types.SeriesMetadata{}, false, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	m := types.SeriesMetadata{Series: series}
	var lastValue int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT last_update, last_value, earliest_seen, frequency,
		       pending_slot, pending_value, has_pending
		FROM series_metadata
		WHERE series = ?
	`), series).Scan(&m.LastUpdate, &lastValue, &m.EarliestSeen, &m.Frequency,
		&m.PendingSlot, &m.PendingValue, &m.HasPending)

	if errors.Is(err, sql.ErrNoRows) {
		return types.SeriesMetadata{}, false, nil
	}
	if err != nil {
		return types.SeriesMetadata{}, false, errors.Storage("query metadata", err)
	}

	m.LastValue = uint64(lastValue)
	return m, true, nil
}

// PutMetadata upserts the metadata record of one series.
func (s *Store) PutMetadata(ctx context.Context, m types.SeriesMetadata) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO series_metadata (series, last_update, last_value, earliest_seen, frequency,
		                             pending_slot, pending_value, has_pending)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (series) DO UPDATE SET
			last_update = excluded.last_update,
			last_value = excluded.last_value,
			earliest_seen = excluded.earliest_seen,
			frequency = excluded.frequency,
			pending_slot = excluded.pending_slot,
			pending_value = excluded.pending_value,
			has_pending = excluded.has_pending
	`), m.Series, m.LastUpdate, int64(m.LastValue), m.EarliestSeen, m.Frequency,
		m.PendingSlot, m.PendingValue, m.HasPending)
	if err != nil {
		return errors.Storage("upsert metadata", err)
	}
	return nil
}

// SeriesList returns every series with stored metadata, sorted.
func (s *Store) SeriesList(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT series FROM series_metadata ORDER BY series`)
	if err != nil {
		return nil, errors.Storage("list series", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var series string
		if err := rows.Scan(&series); err != nil {
			return nil, errors.Storage("scan series", err)
		}
		out = append(out, series)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("iterate series", err)
	}
	return out, nil
}
