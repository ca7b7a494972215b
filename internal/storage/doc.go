// Package storage wires the ratewatch rate engine around one data
// directory.
//
// Architecture:
//
//	┌────────────┐     ┌────────────┐     ┌────────────┐
//	│ Dispatcher │────▶│ Processor  │────▶│   Store    │
//	│ WAL+shards │     │  binner +  │     │ bins, meta │
//	└────────────┘     └────────────┘     └────────────┘
//	      ▲                                     │
//	      │ backpressure                        ▼
//	┌────────────┐     ┌────────────┐     ┌────────────┐
//	│ Controller │     │  Archive   │◀────│   Query    │
//	└────────────┘     │  parquet   │     │ + DDSketch │
//	                   └────────────┘     └────────────┘
//
// Service takes an exclusive lock on the data directory, opens the store
// (SQLite, DuckDB, PostgreSQL or in-memory), loads the series catalog and
// starts the sharded ingestion pipeline. Every series is owned by exactly
// one shard worker, which runs the binner, writes the bins, folds the
// finalized ones into the aggregates and commits the series metadata last.
package storage
