package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseTime accepts unix seconds, RFC 3339, "now", or a duration relative
// to now such as "-6h".
func parseTime(s string, now time.Time) (int64, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "now":
		return now.Unix(), nil
	case strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+"):
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("time %q: %w", s, err)
		}
		return now.Add(d).Unix(), nil
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("time %q: want unix seconds, RFC 3339 or a relative duration", s)
	}
	return t.Unix(), nil
}

// timeRange resolves --begin and --end flags. An empty begin means one day
// before end.
func timeRange(begin, end string, now time.Time) (int64, int64, error) {
	e, err := parseTime(end, now)
	if err != nil {
		return 0, 0, err
	}
	if begin == "" {
		return e - 86400, e, nil
	}
	b, err := parseTime(begin, now)
	if err != nil {
		return 0, 0, err
	}
	return b, e, nil
}
