// Package parquet reads and writes archived rate bins and aggregate bins
// as Parquet files.
//
// The package provides:
//   - RateWriter/AggregateWriter and ReadRateFile/ReadAggregateFile
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//   - Row conversion between storage types and Parquet rows
//   - A "ratewatch.kind" key/value entry naming the row type of each file
package parquet
