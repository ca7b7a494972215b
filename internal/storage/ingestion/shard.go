package ingestion

import "github.com/cespare/xxhash/v2"

// Shard returns the worker that owns series among n workers. It is stable
// across restarts for the same n.
func Shard(series string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(series) % uint64(n))
}
