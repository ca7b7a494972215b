// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - SeriesKey: identity of a tracked counter (device, group, metric, instance)
//   - RawSample: one polled counter reading
//   - SeriesMetadata: per-series rolling state used to compute deltas
//   - RateBin: the share of a counter delta attributed to one native slot
//   - AggregateBin: count/sum/min/max of native bins over a coarser period
//
// All timestamps are unix seconds. Slots are aligned with AlignSlot.
package types
