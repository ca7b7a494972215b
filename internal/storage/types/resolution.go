package types

import (
	"fmt"
	"sort"
	"strings"
)

// ConsolidationFn selects which aggregate field a query projects.
type ConsolidationFn int

const (
	// ConsolidationAverage projects Sum / (Count * BaseFreq).
	ConsolidationAverage ConsolidationFn = iota
	// ConsolidationMin projects Min.
	ConsolidationMin
	// ConsolidationMax projects Max.
	ConsolidationMax
)

// String returns the string representation of the function.
func (f ConsolidationFn) String() string {
	switch f {
	case ConsolidationAverage:
		return "average"
	case ConsolidationMin:
		return "min"
	case ConsolidationMax:
		return "max"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

// ParseConsolidation parses a consolidation function name. An empty name
// means average.
func ParseConsolidation(s string) (ConsolidationFn, error) {
	switch strings.ToLower(s) {
	case "", "average", "avg", "mean":
		return ConsolidationAverage, nil
	case "min":
		return ConsolidationMin, nil
	case "max":
		return ConsolidationMax, nil
	default:
		return ConsolidationAverage, fmt.Errorf("unknown consolidation function: %s", s)
	}
}

// ValidatePeriods checks that every aggregate period is a positive
// multiple of freq.
func ValidatePeriods(freq int64, periods []int64) error {
	if freq <= 0 {
		return fmt.Errorf("frequency must be positive, got %d", freq)
	}
	for _, p := range periods {
		if p <= 0 {
			return fmt.Errorf("aggregate period must be positive, got %d", p)
		}
		if p%freq != 0 {
			return fmt.Errorf("aggregate period %d is not a multiple of frequency %d", p, freq)
		}
	}
	return nil
}

// PointCount returns the number of width-aligned slots that intersect
// [begin, end).
func PointCount(begin, end, width int64) int64 {
	if end <= begin || width <= 0 {
		return 0
	}
	return (AlignSlot(end-1, width)-AlignSlot(begin, width))/width + 1
}

// SelectResolution picks the finest resolution among freq and periods
// whose point count over [begin, end) stays within maxPoints. If none fits
// the coarsest one is returned.
func SelectResolution(freq int64, periods []int64, begin, end int64, maxPoints int64) int64 {
	candidates := append([]int64{freq}, periods...)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	if maxPoints <= 0 {
		return candidates[0]
	}
	for _, c := range candidates {
		if PointCount(begin, end, c) <= maxPoints {
			return c
		}
	}
	return candidates[len(candidates)-1]
}
