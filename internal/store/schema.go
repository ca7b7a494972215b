package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/xtxerr/ratewatch/internal/errors"
)

// dialect captures the few differences between the supported databases.
type dialect struct {
	name        string
	driver      string
	dollarBinds bool
}

func dialectFor(name string) (dialect, error) {
	switch strings.ToLower(name) {
	case "", "sqlite", "sqlite3":
		return dialect{name: "sqlite", driver: "sqlite"}, nil
	case "duckdb":
		return dialect{name: "duckdb", driver: "duckdb"}, nil
	case "postgres", "postgresql", "pq":
		return dialect{name: "postgres", driver: "postgres", dollarBinds: true}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported store driver %q: %w", name, errors.ErrInvalidConfig)
	}
}

// rebind rewrites '?' placeholders into '$n' for drivers that need it.
func (d dialect) rebind(query string) string {
	if !d.dollarBinds {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rate_bins (
		series TEXT NOT NULL,
		freq   BIGINT NOT NULL,
		slot   BIGINT NOT NULL,
		value  BIGINT NOT NULL,
		valid  BOOLEAN NOT NULL,
		PRIMARY KEY (series, freq, slot)
	)`,
	`CREATE TABLE IF NOT EXISTS aggregate_bins (
		series    TEXT NOT NULL,
		period    BIGINT NOT NULL,
		slot      BIGINT NOT NULL,
		bin_count BIGINT NOT NULL,
		bin_sum   BIGINT NOT NULL,
		bin_min   BIGINT NOT NULL,
		bin_max   BIGINT NOT NULL,
		base_freq BIGINT NOT NULL,
		last_slot BIGINT NOT NULL,
		PRIMARY KEY (series, period, slot)
	)`,
	`CREATE TABLE IF NOT EXISTS series_metadata (
		series        TEXT PRIMARY KEY,
		last_update   BIGINT NOT NULL,
		last_value    BIGINT NOT NULL,
		earliest_seen BIGINT NOT NULL,
		frequency     BIGINT NOT NULL,
		pending_slot  BIGINT NOT NULL,
		pending_value BIGINT NOT NULL,
		has_pending   BOOLEAN NOT NULL
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Storage("create schema", err)
		}
	}
	return nil
}
