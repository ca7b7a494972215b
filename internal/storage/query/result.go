package query

import (
	"encoding/json"
	"fmt"
)

// Point is one (timestamp, value) pair. A nil Value marks a known gap or
// an aggregate without valid data.
type Point struct {
	Timestamp int64
	Value     *float64
}

// MarshalJSON encodes the point as [timestamp, value|null].
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Timestamp, p.Value})
}

// UnmarshalJSON decodes [timestamp, value|null].
func (p *Point) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("point: expected 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Timestamp); err != nil {
		return fmt.Errorf("point timestamp: %w", err)
	}
	p.Value = nil
	return json.Unmarshal(raw[1], &p.Value)
}

// Result is the answer to a range query.
type Result struct {
	Series    string  `json:"series"`
	BeginTime int64   `json:"begin_time"`
	EndTime   int64   `json:"end_time"`
	Period    int64   `json:"agg"`
	Function  string  `json:"cf"`
	Native    bool    `json:"native"`
	Data      []Point `json:"data"`
}

// PercentileResult is the answer to a percentile query. Value is in units
// per second and nil when the range holds no valid native bin.
type PercentileResult struct {
	Series    string   `json:"series"`
	BeginTime int64    `json:"begin_time"`
	EndTime   int64    `json:"end_time"`
	Quantile  float64  `json:"q"`
	Samples   int      `json:"samples"`
	Value     *float64 `json:"value"`
}
