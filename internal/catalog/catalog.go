// Package catalog answers which series exist and how they are collected:
// native frequency, aggregate periods and the rate ceiling used to reject
// implausible deltas.
//
// The shipped implementation is a YAML rule file. Rules are matched in file
// order against the flat series key with shell-style wildcards; the first
// match wins.
//
//	defaults:
//	  frequency: 30
//	  aggregate_periods: [300, 3600, 86400]
//	series:
//	  - match: "*/interfaces/ifHC*Octets/*"
//	    interface_speed_bps: 10000000000
//	  - match: "*/system/sysUpTime/*"
//	    frequency: 300
//	    aggregate_periods: []
package catalog

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

// Catalog is the read-only series lookup used by ingestion and queries.
type Catalog interface {
	// Frequency returns the native slot width of series in seconds.
	Frequency(series string) (int64, error)
	// AggregatePeriods returns the rollup periods of series in seconds.
	AggregatePeriods(series string) ([]int64, error)
	// MaxAllowedRate returns the rate ceiling in units per second, or nil.
	MaxAllowedRate(series string) (*float64, error)
}

// Entry is everything the catalog knows about one series.
type Entry struct {
	Frequency int64
	Periods   []int64
	MaxRate   *float64
}

// HasResolution reports whether width is the native frequency or one of
// the aggregate periods.
func (e Entry) HasResolution(width int64) bool {
	if width == e.Frequency {
		return true
	}
	for _, p := range e.Periods {
		if p == width {
			return true
		}
	}
	return false
}

// Resolve collects the full entry for series from any Catalog.
func Resolve(c Catalog, series string) (Entry, error) {
	if r, ok := c.(*Rules); ok {
		return r.Lookup(series)
	}

	freq, err := c.Frequency(series)
	if err != nil {
		return Entry{}, err
	}
	periods, err := c.AggregatePeriods(series)
	if err != nil {
		return Entry{}, err
	}
	maxRate, err := c.MaxAllowedRate(series)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Frequency: freq, Periods: periods, MaxRate: maxRate}, nil
}

// =============================================================================
// File format
// =============================================================================

// File is the YAML document.
type File struct {
	Defaults Rule   `yaml:"defaults"`
	Series   []Rule `yaml:"series"`
}

// Rule configures the series whose key matches Match. Zero fields inherit
// from the defaults.
type Rule struct {
	Match             string   `yaml:"match"`
	Frequency         int64    `yaml:"frequency"`
	AggregatePeriods  *[]int64 `yaml:"aggregate_periods"`
	MaxRate           *float64 `yaml:"max_rate"`
	InterfaceSpeedBps float64  `yaml:"interface_speed_bps"`
}

type ruleSet struct {
	defaults Rule
	rules    []Rule
}

// Rules is a Catalog backed by wildcard rules. Reload swaps the rule set
// atomically, so lookups never block.
type Rules struct {
	set atomic.Pointer[ruleSet]
}

var _ Catalog = (*Rules)(nil)

// Parse builds a rule catalog from YAML.
func Parse(data []byte) (*Rules, error) {
	set, err := parseSet(data)
	if err != nil {
		return nil, err
	}
	r := &Rules{}
	r.set.Store(set)
	return r, nil
}

// Load reads and parses a catalog file.
func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return r, nil
}

// Reload re-reads path. On error the current rules stay in place.
func (r *Rules) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	set, err := parseSet(data)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", path, err)
	}
	r.set.Store(set)
	return nil
}

// Len returns the number of rules.
func (r *Rules) Len() int {
	return len(r.set.Load().rules)
}

func parseSet(data []byte) (*ruleSet, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	verr := errors.NewValidationErrors()
	if f.Defaults.Frequency < 0 {
		verr.AddField("defaults.frequency", "must not be negative")
	}
	for i, rule := range f.Series {
		field := fmt.Sprintf("series[%d]", i)
		if rule.Match == "" {
			verr.AddMissing(field + ".match")
		}

		freq := rule.Frequency
		if freq == 0 {
			freq = f.Defaults.Frequency
		}
		if freq <= 0 {
			verr.AddField(field+".frequency", "no positive frequency set here or in defaults")
			continue
		}
		if err := types.ValidatePeriods(freq, periodsOf(rule, f.Defaults)); err != nil {
			verr.AddField(field+".aggregate_periods", err.Error())
		}
		if rule.MaxRate != nil && *rule.MaxRate <= 0 {
			verr.AddField(field+".max_rate", "must be positive")
		}
	}
	if verr.HasErrors() {
		return nil, verr
	}

	return &ruleSet{defaults: f.Defaults, rules: f.Series}, nil
}

func periodsOf(rule, defaults Rule) []int64 {
	if rule.AggregatePeriods != nil {
		return *rule.AggregatePeriods
	}
	if defaults.AggregatePeriods != nil {
		return *defaults.AggregatePeriods
	}
	return nil
}

// Lookup returns the entry of the first rule matching series.
func (r *Rules) Lookup(series string) (Entry, error) {
	set := r.set.Load()
	for _, rule := range set.rules {
		if !wildcard.Match(rule.Match, series) {
			continue
		}

		e := Entry{
			Frequency: rule.Frequency,
			Periods:   append([]int64(nil), periodsOf(rule, set.defaults)...),
			MaxRate:   rule.MaxRate,
		}
		if e.Frequency == 0 {
			e.Frequency = set.defaults.Frequency
		}
		if e.MaxRate == nil {
			e.MaxRate = ceilingFromSpeed(series, rule, set.defaults)
		}
		return e, nil
	}
	return Entry{}, errors.NewUnknownSeries(series)
}

// ceilingFromSpeed derives a rate ceiling from the interface speed. Octet
// counters are bounded by speed/8, other counters have no ceiling.
func ceilingFromSpeed(series string, rule, defaults Rule) *float64 {
	speed := rule.InterfaceSpeedBps
	if speed == 0 {
		speed = defaults.InterfaceSpeedBps
	}
	if speed <= 0 {
		return nil
	}

	key, err := types.ParseSeriesKey(series)
	if err != nil || !strings.Contains(strings.ToLower(key.Metric), "octets") {
		return nil
	}
	ceiling := speed / 8
	return &ceiling
}

// Frequency implements Catalog.
func (r *Rules) Frequency(series string) (int64, error) {
	e, err := r.Lookup(series)
	return e.Frequency, err
}

// AggregatePeriods implements Catalog.
func (r *Rules) AggregatePeriods(series string) ([]int64, error) {
	e, err := r.Lookup(series)
	return e.Periods, err
}

// MaxAllowedRate implements Catalog.
func (r *Rules) MaxAllowedRate(series string) (*float64, error) {
	e, err := r.Lookup(series)
	return e.MaxRate, err
}
