package types

import (
	"fmt"
	"strings"

	"github.com/xtxerr/ratewatch/internal/errors"
)

// SeriesKey identifies a tracked counter. The flat form produced by Key is
// what the store and the shard router see.
type SeriesKey struct {
	Device   string // e.g. "core-router-01"
	Group    string // collection group, e.g. "interfaces"
	Metric   string // e.g. "ifHCInOctets"
	Instance string // instance path, may contain '/' (e.g. "xe-0/0/1")
}

// Key returns the flat storage key "device/group/metric/instance".
func (k SeriesKey) Key() string {
	return k.Device + "/" + k.Group + "/" + k.Metric + "/" + k.Instance
}

// String implements fmt.Stringer.
func (k SeriesKey) String() string {
	return k.Key()
}

// Validate checks that every component is present and that only the
// instance path contains separators.
func (k SeriesKey) Validate() error {
	parts := []struct {
		name, value string
		slashOK     bool
	}{
		{"device", k.Device, false},
		{"group", k.Group, false},
		{"metric", k.Metric, false},
		{"instance", k.Instance, true},
	}

	for _, p := range parts {
		if p.value == "" {
			return fmt.Errorf("%s is empty: %w", p.name, errors.ErrInvalidSeriesKey)
		}
		if !p.slashOK && strings.Contains(p.value, "/") {
			return fmt.Errorf("%s %q contains '/': %w", p.name, p.value, errors.ErrInvalidSeriesKey)
		}
		if strings.ContainsAny(p.value, "\x00\n") {
			return fmt.Errorf("%s contains control characters: %w", p.name, errors.ErrInvalidSeriesKey)
		}
	}
	return nil
}

// ParseSeriesKey splits a flat key back into its components. The instance
// path keeps any further separators.
func ParseSeriesKey(s string) (SeriesKey, error) {
	parts := strings.SplitN(s, "/", 4)
	if len(parts) != 4 {
		return SeriesKey{}, fmt.Errorf("%q: expected device/group/metric/instance: %w", s, errors.ErrInvalidSeriesKey)
	}

	k := SeriesKey{Device: parts[0], Group: parts[1], Metric: parts[2], Instance: parts[3]}
	if err := k.Validate(); err != nil {
		return SeriesKey{}, err
	}
	return k, nil
}
