package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xtxerr/ratewatch/internal/logging"
	"github.com/xtxerr/ratewatch/internal/storage/types"
	"github.com/xtxerr/ratewatch/internal/storage/wal"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	// DataDir
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	sections := []struct {
		name string
		err  error
	}{
		{"store", c.Store.Validate()},
		{"catalog", c.Catalog.Validate()},
		{"scale", c.Scale.Validate()},
		{"ingestion", c.Ingestion.Validate()},
		{"backpressure", c.Backpressure.Validate()},
		{"query", c.Query.Validate()},
		{"archive", c.Archive.Validate()},
		{"http", c.HTTP.Validate()},
		{"logging", c.Logging.Validate()},
	}
	for _, s := range sections {
		if s.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, s.err))
		}
	}

	return errors.Join(errs...)
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	var errs []error

	switch c.Driver {
	case "sqlite", "duckdb", "memory":
	case "postgres":
		if c.DSN == "" {
			errs = append(errs, errors.New("dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("driver must be one of: sqlite, duckdb, postgres, memory (got %q)", c.Driver))
	}

	if c.MaxOpenConns < 0 {
		errs = append(errs, errors.New("max_open_conns must not be negative"))
	}
	if c.InsertBatchSize < 0 {
		errs = append(errs, errors.New("insert_batch_size must not be negative"))
	}
	if c.MetadataCacheSize < 0 {
		errs = append(errs, errors.New("metadata_cache_size must not be negative"))
	}

	return errors.Join(errs...)
}

// Validate checks the catalog configuration.
func (c *CatalogConfig) Validate() error {
	if c.Path == "" {
		return errors.New("path is required")
	}
	return nil
}

// Validate checks the scale configuration.
func (c *ScaleConfig) Validate() error {
	var errs []error

	if c.ExpectedSeries < 0 {
		errs = append(errs, errors.New("expected_series must not be negative"))
	}
	if c.Frequency <= 0 {
		errs = append(errs, errors.New("frequency must be positive"))
	} else if err := types.ValidatePeriods(c.Frequency, c.AggregatePeriods); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Validate checks the ingestion configuration.
func (c *IngestionConfig) Validate() error {
	var errs []error

	if c.Shards <= 0 || c.Shards > 1024 {
		errs = append(errs, errors.New("shards must be between 1 and 1024"))
	}
	if c.QueueSize < 16 || c.QueueSize > 1000000 {
		errs = append(errs, errors.New("queue_size must be between 16 and 1000000"))
	}
	if c.CheckpointInterval < 0 {
		errs = append(errs, errors.New("checkpoint_interval must not be negative"))
	}
	if c.DrainTimeout <= 0 {
		errs = append(errs, errors.New("drain_timeout must be positive"))
	}
	if c.RejectLogPerSecond < 0 {
		errs = append(errs, errors.New("reject_log_per_second must not be negative"))
	}
	if c.RetryBackoff < 0 || c.RetryMaxBackoff < 0 {
		errs = append(errs, errors.New("retry backoff must not be negative"))
	}
	if c.RetryBackoff > 0 && c.RetryMaxBackoff > 0 && c.RetryMaxBackoff < c.RetryBackoff {
		errs = append(errs, errors.New("retry_max_backoff must not be below retry_backoff"))
	}

	if c.WAL.Enabled {
		if !wal.ValidSyncMode(c.WAL.SyncMode) {
			errs = append(errs, fmt.Errorf("wal.sync_mode must be one of: none, batch, fsync (got %q)", c.WAL.SyncMode))
		}
		if c.WAL.MaxSegmentSize < 1024*1024 {
			errs = append(errs, errors.New("wal.max_segment_size must be at least 1MB"))
		}
	}

	return errors.Join(errs...)
}

// Validate checks the backpressure configuration.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	// Thresholds must be in order
	if c.Thresholds.Warning <= 0 || c.Thresholds.Warning >= 1 {
		errs = append(errs, errors.New("thresholds.warning must be between 0 and 1"))
	}
	if c.Thresholds.Critical <= 0 || c.Thresholds.Critical >= 1 {
		errs = append(errs, errors.New("thresholds.critical must be between 0 and 1"))
	}
	if c.Thresholds.Emergency <= 0 || c.Thresholds.Emergency > 1 {
		errs = append(errs, errors.New("thresholds.emergency must be between 0 and 1"))
	}

	if c.Thresholds.Warning >= c.Thresholds.Critical {
		errs = append(errs, errors.New("thresholds.warning must be < thresholds.critical"))
	}
	if c.Thresholds.Critical >= c.Thresholds.Emergency {
		errs = append(errs, errors.New("thresholds.critical must be < thresholds.emergency"))
	}

	// Recovery
	if c.Recovery.Hysteresis < 0 || c.Recovery.Hysteresis >= 0.5 {
		errs = append(errs, errors.New("recovery.hysteresis must be between 0 and 0.5"))
	}
	if c.Recovery.Cooldown < 0 {
		errs = append(errs, errors.New("recovery.cooldown must not be negative"))
	}
	if c.MaxDelay < 0 {
		errs = append(errs, errors.New("max_delay must not be negative"))
	}

	return errors.Join(errs...)
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.MaxPoints < 0 {
		errs = append(errs, errors.New("max_points must not be negative"))
	}
	if c.PercentileAccuracy <= 0 || c.PercentileAccuracy >= 1 {
		errs = append(errs, errors.New("percentile_accuracy must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

// Validate checks the archive configuration.
func (c *ArchiveConfig) Validate() error {
	var errs []error

	switch c.Compression {
	case "snappy", "zstd", "lz4", "gzip", "none", "":
	default:
		errs = append(errs, fmt.Errorf("compression must be one of: snappy, zstd, lz4, gzip, none (got %q)", c.Compression))
	}
	if c.Retention < 0 {
		errs = append(errs, errors.New("retention must not be negative"))
	}
	if c.Retention > 0 && c.PruneInterval <= 0 {
		errs = append(errs, errors.New("prune_interval must be positive when retention is set"))
	}

	return errors.Join(errs...)
}

// Validate checks the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.MaxRequestBytes <= 0 {
		errs = append(errs, errors.New("max_request_bytes must be positive"))
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}

	return errors.Join(errs...)
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	_, err := logging.ParseLevel(c.Level)
	return err
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.ArchiveDir(),
	}
	if c.Ingestion.WAL.Enabled {
		dirs = append(dirs, c.WALDir())
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// WALDir returns the WAL directory path.
func (c *Config) WALDir() string {
	if c.Ingestion.WAL.Dir != "" {
		return c.Ingestion.WAL.Dir
	}
	return filepath.Join(c.DataDir, "wal")
}

// ArchiveDir returns the Parquet archive directory path.
func (c *Config) ArchiveDir() string {
	if c.Archive.Dir != "" {
		return c.Archive.Dir
	}
	return filepath.Join(c.DataDir, "archive")
}

// StoreDSN returns the store connection string, defaulting file-backed
// drivers to a database under DataDir.
func (c *Config) StoreDSN() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	switch c.Store.Driver {
	case "sqlite":
		return filepath.Join(c.DataDir, "ratewatch.db")
	case "duckdb":
		return filepath.Join(c.DataDir, "ratewatch.duckdb")
	default:
		return ""
	}
}

// LockPath returns the path of the data directory lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, ".lock")
}
