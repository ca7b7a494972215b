// Package store persists rate bins, aggregate bins and series metadata.
//
// SeriesStore is the contract the ingestion and query paths are written
// against. Two implementations ship here: Store, backed by database/sql
// (SQLite, DuckDB or PostgreSQL), and Memory, an in-process store used by
// tests and the CLI. WithMetadataCache wraps either with an LRU cache for
// the metadata hot path.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb"
	_ "modernc.org/sqlite"

	"github.com/xtxerr/ratewatch/config"
	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/logging"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

var log = logging.Component("store")

// SeriesStore is the storage contract of the rate engine.
//
// Rate bins are upserted with last-write-wins semantics per
// (series, slot, freq). Aggregate bins are merged client-side: callers read
// with AggregateBin, fold, and write back with PutAggregateBins. All reads
// return bins ordered by slot ascending over [begin, end).
//
// Implementations must be safe for concurrent use.
type SeriesStore interface {
	PutRateBins(ctx context.Context, bins []types.RateBin) error
	RateBins(ctx context.Context, series string, freq, begin, end int64) ([]types.RateBin, error)

	PutAggregateBins(ctx context.Context, bins []types.AggregateBin) error
	AggregateBin(ctx context.Context, series string, period, slot int64) (types.AggregateBin, bool, error)
	AggregateBins(ctx context.Context, series string, period, begin, end int64) ([]types.AggregateBin, error)

	Metadata(ctx context.Context, series string) (types.SeriesMetadata, bool, error)
	PutMetadata(ctx context.Context, meta types.SeriesMetadata) error

	Close() error
}

// SeriesLister is implemented by stores that can enumerate their series.
type SeriesLister interface {
	SeriesList(ctx context.Context) ([]string, error)
}

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// Driver is the database/sql driver: "sqlite", "duckdb" or "postgres".
	Driver string

	// DSN is the database connection string. For sqlite it is a file path;
	// the WAL pragmas are appended automatically.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration

	// QueryTimeout bounds calls made with a context that has no deadline.
	QueryTimeout time.Duration

	// InsertBatchSize is the maximum rows per multi-row INSERT.
	InsertBatchSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:          config.DefaultStoreDriver,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
		InsertBatchSize: config.DefaultInsertBatchSize,
	}
}

// =============================================================================
// Store
// =============================================================================

// Store is a SeriesStore backed by a SQL database.
//
// Store is safe for concurrent use.
type Store struct {
	db      *sql.DB
	config  Config
	dialect dialect
	mu      sync.RWMutex
	closed  bool
}

// Open connects to the configured database and creates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.InsertBatchSize <= 0 {
		cfg.InsertBatchSize = config.DefaultInsertBatchSize
	}

	dsn := cfg.DSN
	if d.name == "sqlite" {
		dsn = sqliteDSN(dsn)
		// SQLite works best with a single writer connection.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Storage("ping database", err)
	}

	s := &Store{
		db:      db,
		config:  cfg,
		dialect: d,
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("store opened", "driver", d.name)
	return s, nil
}

func sqliteDSN(path string) string {
	if path == "" || path == ":memory:" {
		path = "file::memory:"
	}
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// Driver returns the dialect name.
func (s *Store) Driver() string {
	return s.dialect.name
}

// withTimeout applies QueryTimeout when ctx carries no deadline.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store: %w", errors.ErrClosed)
	}
	return nil
}

// =============================================================================
// Transaction Support
// =============================================================================

// TransactionContext executes fn within a database transaction.
//
// If fn returns an error, the transaction is rolled back. The context is
// checked again before commit so a timed-out caller never commits.
func (s *Store) TransactionContext(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Storage("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := ctx.Err(); err != nil {
		tx.Rollback()
		return fmt.Errorf("context cancelled before commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Storage("commit transaction", err)
	}

	return nil
}

// =============================================================================
// Health Check
// =============================================================================

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Storage("ping", err)
	}
	return nil
}
