package config

import "fmt"

// Requirements is a rough capacity estimate derived from the scale,
// ingestion and WAL settings.
type Requirements struct {
	// Throughput
	SamplesPerSecond  int64
	WALBytesPerSecond int64

	// Rows added to the store per day
	RateBinsPerDay   int64
	AggregatesPerDay int64

	// Storage growth per day
	StoreBytesPerDay int64

	// Memory held by full shard queues
	QueueBytes int64

	// WAL segments needed to span one checkpoint interval
	WALBytesPerCheckpoint int64
}

// Constants for calculations
const (
	// Queued sample: series key header, timestamp, value, channel slot.
	bytesPerQueuedSample = 96

	// WAL record: frame header plus a typical series key.
	bytesPerWALSample = 72

	// Stored rows including index overhead.
	bytesPerRateBin   = 64
	bytesPerAggregate = 96

	secondsPerDay = 86400
)

// CalculateRequirements computes resource estimates from the configuration.
func (c *Config) CalculateRequirements() Requirements {
	r := Requirements{}
	if c.Scale.Frequency <= 0 {
		return r
	}
	series := int64(c.Scale.ExpectedSeries)

	r.SamplesPerSecond = series / c.Scale.Frequency
	if c.Ingestion.WAL.Enabled {
		r.WALBytesPerSecond = r.SamplesPerSecond * bytesPerWALSample
		r.WALBytesPerCheckpoint = r.WALBytesPerSecond * int64(c.Ingestion.CheckpointInterval.Seconds())
	}

	// One native bin per slot per series.
	r.RateBinsPerDay = series * (secondsPerDay / c.Scale.Frequency)
	for _, p := range c.Scale.AggregatePeriods {
		if p <= 0 {
			continue
		}
		perDay := secondsPerDay / p
		if perDay == 0 {
			perDay = 1
		}
		r.AggregatesPerDay += series * perDay
	}

	r.StoreBytesPerDay = r.RateBinsPerDay*bytesPerRateBin + r.AggregatesPerDay*bytesPerAggregate
	r.QueueBytes = int64(c.Ingestion.Shards) * int64(c.Ingestion.QueueSize) * bytesPerQueuedSample

	return r
}

// FormatRequirements returns a human-readable summary of requirements.
func (r *Requirements) FormatRequirements() string {
	return fmt.Sprintf(`Capacity Estimate
=================

Throughput:
  Samples/sec:        %s
  WAL bytes/sec:      %s

Growth per day:
  Rate bins:          %s
  Aggregate bins:     %s
  Store size:         %s

Memory:
  Shard queues:       %s

WAL:
  Per checkpoint:     %s
`,
		formatNumber(r.SamplesPerSecond),
		formatBytes(r.WALBytesPerSecond),
		formatNumber(r.RateBinsPerDay),
		formatNumber(r.AggregatesPerDay),
		formatBytes(r.StoreBytesPerDay),
		formatBytes(r.QueueBytes),
		formatBytes(r.WALBytesPerCheckpoint),
	)
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNumber formats a number with a K/M/B suffix.
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	return fmt.Sprintf("%.1fB", float64(n)/1000000000)
}
