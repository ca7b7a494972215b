// Package config provides configuration defaults for ratewatch.
//
// This package defines all configurable constants with documented defaults.
// Users can override most of these values via config.yaml or daemon flags.
package config

import "time"

// =============================================================================
// Rate Engine Constants
// =============================================================================

const (
	// HeartbeatMultiplier is how many native intervals may pass between two
	// samples before the interval is treated as a collection gap.
	HeartbeatMultiplier = 3

	// SeekBackCeiling is the longest gap, in seconds, that is still backfilled
	// with invalid bins. Longer gaps only write the current slot.
	SeekBackCeiling = 30 * 24 * 60 * 60

	// InvalidValue marks a bin as "known gap, no data". It is distinct from
	// zero, which means confirmed zero activity.
	InvalidValue = -9999
)

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default HTTP API listen address.
	// Override via config: http.listen
	DefaultListenAddress = "127.0.0.1:9180"

	// DefaultMaxRequestBytes limits the body size of sample submissions.
	// Override via config: http.max_request_bytes
	DefaultMaxRequestBytes = 8 * 1024 * 1024
)

// =============================================================================
// Ingestion Defaults
// =============================================================================

const (
	// DefaultShards is the number of single-writer ingestion workers.
	// Every series is pinned to exactly one shard.
	// Override via config: ingestion.shards
	DefaultShards = 8

	// DefaultShardQueueSize is the capacity of each shard's sample queue.
	// Range: 16-1000000
	// Override via config: ingestion.queue_size
	DefaultShardQueueSize = 4096

	// DefaultCheckpointInterval is how often replayed WAL segments are retired.
	// Override via config: ingestion.checkpoint_interval
	DefaultCheckpointInterval = 30 * time.Second

	// DefaultRejectLogPerSecond caps rejected-sample warnings per shard.
	// Override via config: ingestion.reject_log_per_second
	DefaultRejectLogPerSecond = 1.0

	// DefaultRetryBackoff is the first wait before a sample that failed with
	// a retriable store error is processed again. The wait doubles per
	// attempt up to DefaultRetryMaxBackoff.
	// Override via config: ingestion.retry_backoff
	DefaultRetryBackoff = 100 * time.Millisecond

	// DefaultRetryMaxBackoff caps the wait between retries.
	// Override via config: ingestion.retry_max_backoff
	DefaultRetryMaxBackoff = 10 * time.Second
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultStoreDriver is the database/sql driver used by the daemon.
	// Override via config: store.driver
	DefaultStoreDriver = "sqlite"

	// DefaultMetadataCacheSize is the number of series metadata records kept
	// in the LRU cache in front of the store.
	// Override via config: store.metadata_cache_size
	DefaultMetadataCacheSize = 100000

	// DefaultInsertBatchSize is the maximum rows per multi-row INSERT.
	// Override via config: store.insert_batch_size
	DefaultInsertBatchSize = 500
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultQueryTimeout bounds a single range query.
	// Override via config: query.timeout
	DefaultQueryTimeout = 30 * time.Second

	// DefaultMaxPoints is used for automatic resolution selection when a
	// request names no resolution.
	// Override via config: query.max_points
	DefaultMaxPoints = 1000

	// DefaultPercentileAccuracy is the relative accuracy of percentile sketches.
	DefaultPercentileAccuracy = 0.01
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeoutSec is how long to wait for queued samples during shutdown.
	// After this timeout, remaining samples stay in the WAL for the next start.
	// Override via config: ingestion.drain_timeout_sec
	DefaultDrainTimeoutSec = 30
)
