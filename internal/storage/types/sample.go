package types

import (
	"fmt"

	"github.com/xtxerr/ratewatch/internal/errors"
)

// RawSample is one counter reading as delivered by the polling transport.
// It is consumed by the binner and only persisted in the ingestion WAL.
type RawSample struct {
	Series    string // Flat series key (see SeriesKey.Key)
	Timestamp int64  // Unix seconds
	Value     uint64 // Monotonic counter value
}

// Validate performs the structural checks done before a sample is queued.
func (s RawSample) Validate() error {
	if s.Series == "" {
		return fmt.Errorf("empty series: %w", errors.ErrInvalidSample)
	}
	if s.Timestamp <= 0 {
		return fmt.Errorf("series %s: non-positive timestamp %d: %w", s.Series, s.Timestamp, errors.ErrInvalidSample)
	}
	return nil
}
