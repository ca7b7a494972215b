// Package config is the YAML configuration of the ratewatch daemon.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/ratewatch/config"
)

// Config represents the complete daemon configuration.
type Config struct {
	// DataDir is the root directory for the database, WAL and archive.
	DataDir string `yaml:"data_dir"`

	Store        StoreConfig        `yaml:"store"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Scale        ScaleConfig        `yaml:"scale"`
	Ingestion    IngestionConfig    `yaml:"ingestion"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Query        QueryConfig        `yaml:"query"`
	Archive      ArchiveConfig      `yaml:"archive"`
	HTTP         HTTPConfig         `yaml:"http"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// StoreConfig selects and tunes the bin store.
type StoreConfig struct {
	// Driver is one of: sqlite, duckdb, postgres, memory.
	Driver string `yaml:"driver"`

	// DSN is the connection string. For sqlite and duckdb an empty DSN
	// means a file under DataDir.
	DSN string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	InsertBatchSize int           `yaml:"insert_batch_size"`

	// MetadataCacheSize is the LRU size for series metadata. Zero disables
	// the cache.
	MetadataCacheSize int `yaml:"metadata_cache_size"`
}

// CatalogConfig locates the series catalog.
type CatalogConfig struct {
	Path string `yaml:"path"`

	// Watch reloads the catalog when the file changes.
	Watch bool `yaml:"watch"`
}

// ScaleConfig describes the expected load. It only feeds the capacity
// estimate logged at startup.
type ScaleConfig struct {
	// ExpectedSeries is the number of counters being fed in.
	ExpectedSeries int `yaml:"expected_series"`

	// Frequency is the typical native frequency in seconds.
	Frequency int64 `yaml:"frequency"`

	// AggregatePeriods are the typical rollup periods in seconds.
	AggregatePeriods []int64 `yaml:"aggregate_periods"`
}

// IngestionConfig configures the ingestion pipeline.
type IngestionConfig struct {
	Shards    int `yaml:"shards"`
	QueueSize int `yaml:"queue_size"`

	// WAL configures the write-ahead log.
	WAL WALConfig `yaml:"wal"`

	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
	RejectLogPerSecond float64       `yaml:"reject_log_per_second"`

	// RetryBackoff and RetryMaxBackoff bound the waits between attempts
	// when a sample fails with a retriable store error. The shard blocks
	// until the sample commits.
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir is the WAL directory. Defaults to {DataDir}/wal.
	Dir string `yaml:"dir"`

	// SyncMode is one of: none, batch, fsync.
	SyncMode string `yaml:"sync_mode"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// BackpressureConfig configures load shedding.
type BackpressureConfig struct {
	// Enabled enables backpressure handling.
	Enabled bool `yaml:"enabled"`

	// Thresholds defines queue usage thresholds for level changes.
	Thresholds BackpressureThresholds `yaml:"thresholds"`

	// Recovery configures recovery behavior.
	Recovery BackpressureRecovery `yaml:"recovery"`

	// MaxDelay is the throttle delay at the highest admitted level.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// BackpressureThresholds defines queue usage thresholds.
type BackpressureThresholds struct {
	// Warning threshold (0.0-1.0).
	Warning float64 `yaml:"warning"`

	// Critical threshold (0.0-1.0).
	Critical float64 `yaml:"critical"`

	// Emergency threshold (0.0-1.0).
	Emergency float64 `yaml:"emergency"`
}

// BackpressureRecovery configures recovery behavior.
type BackpressureRecovery struct {
	// Hysteresis to prevent flapping (0.0-0.5).
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level evaluations.
	Cooldown time.Duration `yaml:"cooldown"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxPoints drives automatic resolution selection.
	MaxPoints int64 `yaml:"max_points"`

	// PercentileAccuracy is the relative accuracy (0.01 = 1% error).
	PercentileAccuracy float64 `yaml:"percentile_accuracy"`
}

// ArchiveConfig configures Parquet exports.
type ArchiveConfig struct {
	// Dir defaults to {DataDir}/archive.
	Dir string `yaml:"dir"`

	// Compression is one of: snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression"`

	// Retention deletes archive files older than this. Zero keeps them.
	Retention time.Duration `yaml:"retention"`

	// PruneInterval is how often the daemon applies Retention.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Listen          string        `yaml:"listen"`
	MaxRequestBytes int64         `yaml:"max_request_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load loads configuration from a YAML file. Fields absent from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/ratewatch",
		Store: StoreConfig{
			Driver:            config.DefaultStoreDriver,
			MaxOpenConns:      25,
			QueryTimeout:      config.DefaultQueryTimeout,
			InsertBatchSize:   config.DefaultInsertBatchSize,
			MetadataCacheSize: config.DefaultMetadataCacheSize,
		},
		Catalog: CatalogConfig{
			Path:  "/etc/ratewatch/catalog.yaml",
			Watch: true,
		},
		Scale: ScaleConfig{
			ExpectedSeries:   100000,
			Frequency:        30,
			AggregatePeriods: []int64{300, 3600, 86400},
		},
		Ingestion: IngestionConfig{
			Shards:    config.DefaultShards,
			QueueSize: config.DefaultShardQueueSize,
			WAL: WALConfig{
				Enabled:        true,
				SyncMode:       "batch",
				MaxSegmentSize: 64 * 1024 * 1024, // 64MB
			},
			CheckpointInterval: config.DefaultCheckpointInterval,
			DrainTimeout:       config.DefaultDrainTimeoutSec * time.Second,
			RejectLogPerSecond: config.DefaultRejectLogPerSecond,
			RetryBackoff:       config.DefaultRetryBackoff,
			RetryMaxBackoff:    config.DefaultRetryMaxBackoff,
		},
		Backpressure: BackpressureConfig{
			Enabled: true,
			Thresholds: BackpressureThresholds{
				Warning:   0.70,
				Critical:  0.85,
				Emergency: 0.95,
			},
			Recovery: BackpressureRecovery{
				Hysteresis: 0.05,
				Cooldown:   100 * time.Millisecond,
			},
			MaxDelay: 100 * time.Millisecond,
		},
		Query: QueryConfig{
			Timeout:            config.DefaultQueryTimeout,
			MaxPoints:          config.DefaultMaxPoints,
			PercentileAccuracy: config.DefaultPercentileAccuracy,
		},
		Archive: ArchiveConfig{
			Compression:   "zstd",
			PruneInterval: time.Hour,
		},
		HTTP: HTTPConfig{
			Listen:          config.DefaultListenAddress,
			MaxRequestBytes: config.DefaultMaxRequestBytes,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
