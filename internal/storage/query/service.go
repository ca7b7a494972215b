// Package query is the read path over native and aggregate rate bins.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/ratewatch/config"
	"github.com/xtxerr/ratewatch/internal/catalog"
	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/metrics"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

// Reader is the read side of the series store.
type Reader interface {
	RateBins(ctx context.Context, series string, freq, begin, end int64) ([]types.RateBin, error)
	AggregateBins(ctx context.Context, series string, period, begin, end int64) ([]types.AggregateBin, error)
}

// Options configures a Service.
type Options struct {
	// Timeout bounds every query. Zero means no limit beyond the caller's
	// context.
	Timeout time.Duration

	// PercentileAccuracy is the relative accuracy of percentile sketches.
	PercentileAccuracy float64

	Metrics *metrics.Metrics
}

// DefaultOptions returns the default query options.
func DefaultOptions() Options {
	return Options{
		Timeout:            config.DefaultQueryTimeout,
		PercentileAccuracy: config.DefaultPercentileAccuracy,
	}
}

// Request describes a range query over [Begin, End).
type Request struct {
	Series string
	Begin  int64
	End    int64

	// Resolution is the slot width to read. Zero picks one: the finest
	// whose point count fits MaxPoints, or the native frequency when
	// MaxPoints is zero too.
	Resolution int64

	Function  types.ConsolidationFn
	MaxPoints int64
}

// Validate checks the request shape.
func (r Request) Validate() error {
	if r.Series == "" {
		return fmt.Errorf("empty series: %w", errors.ErrInvalidQuery)
	}
	if r.Begin >= r.End {
		return fmt.Errorf("begin %d not before end %d: %w", r.Begin, r.End, errors.ErrInvalidQuery)
	}
	if r.Resolution < 0 || r.MaxPoints < 0 {
		return fmt.Errorf("negative resolution or max points: %w", errors.ErrInvalidQuery)
	}
	switch r.Function {
	case types.ConsolidationAverage, types.ConsolidationMin, types.ConsolidationMax:
	default:
		return fmt.Errorf("consolidation function %d: %w", r.Function, errors.ErrInvalidQuery)
	}
	return nil
}

// Service answers range and percentile queries. It is stateless per call
// and never retries.
type Service struct {
	reader  Reader
	catalog catalog.Catalog
	opts    Options
}

// New creates a query service.
func New(reader Reader, cat catalog.Catalog, opts Options) *Service {
	if opts.PercentileAccuracy <= 0 || opts.PercentileAccuracy >= 1 {
		opts.PercentileAccuracy = config.DefaultPercentileAccuracy
	}
	return &Service{reader: reader, catalog: cat, opts: opts}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout > 0 {
		return context.WithTimeout(ctx, s.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

// Query returns the bins of req.Series in [req.Begin, req.End) at the
// requested resolution, ordered by slot. Missing bins are not padded.
func (s *Service) Query(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	kind := "native"

	res, err := s.query(ctx, req, &kind)

	status := "ok"
	if err != nil {
		status = errors.CodeName(errors.ErrorToCode(err))
	}
	s.opts.Metrics.RecordQuery(kind, status, time.Since(start))

	return res, err
}

func (s *Service) query(ctx context.Context, req Request, kind *string) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	entry, err := catalog.Resolve(s.catalog, req.Series)
	if err != nil {
		return nil, err
	}

	resolution := req.Resolution
	if resolution == 0 {
		resolution = types.SelectResolution(entry.Frequency, entry.Periods, req.Begin, req.End, req.MaxPoints)
	}
	if !entry.HasResolution(resolution) {
		return nil, errors.NewUnknownResolution(req.Series, resolution)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result := &Result{
		Series:    req.Series,
		BeginTime: req.Begin,
		EndTime:   req.End,
		Period:    resolution,
		Function:  req.Function.String(),
	}

	if resolution == entry.Frequency {
		result.Native = true
		bins, err := s.reader.RateBins(ctx, req.Series, resolution, req.Begin, req.End)
		if err != nil {
			return nil, fmt.Errorf("read rate bins: %w", err)
		}
		result.Data = make([]Point, 0, len(bins))
		for _, b := range bins {
			p := Point{Timestamp: b.Slot}
			if b.HasData() {
				v := float64(b.Value)
				p.Value = &v
			}
			result.Data = append(result.Data, p)
		}
		return result, nil
	}

	*kind = "aggregate"
	bins, err := s.reader.AggregateBins(ctx, req.Series, resolution, req.Begin, req.End)
	if err != nil {
		return nil, fmt.Errorf("read aggregate bins: %w", err)
	}
	result.Data = make([]Point, 0, len(bins))
	for i := range bins {
		result.Data = append(result.Data, Point{
			Timestamp: bins[i].Slot,
			Value:     bins[i].Project(req.Function),
		})
	}
	return result, nil
}

// Percentile estimates quantile q of the per-second native rates of series
// over [begin, end). Invalid bins are left out. The estimate's relative
// error is bounded by Options.PercentileAccuracy.
func (s *Service) Percentile(ctx context.Context, series string, begin, end int64, q float64) (*PercentileResult, error) {
	if series == "" || begin >= end {
		return nil, fmt.Errorf("empty series or range: %w", errors.ErrInvalidQuery)
	}
	// Written so that NaN fails too.
	if !(q >= 0 && q <= 1) {
		return nil, fmt.Errorf("quantile %v outside [0, 1]: %w", q, errors.ErrInvalidQuery)
	}

	freq, err := s.catalog.Frequency(series)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	bins, err := s.reader.RateBins(ctx, series, freq, begin, end)
	if err != nil {
		return nil, fmt.Errorf("read rate bins: %w", err)
	}

	sketch, err := ddsketch.NewDefaultDDSketch(s.opts.PercentileAccuracy)
	if err != nil {
		return nil, fmt.Errorf("create sketch: %w", err)
	}

	result := &PercentileResult{Series: series, BeginTime: begin, EndTime: end, Quantile: q}
	for _, b := range bins {
		if !b.HasData() {
			continue
		}
		if err := sketch.Add(b.Rate()); err != nil {
			return nil, fmt.Errorf("sketch add: %w", err)
		}
		result.Samples++
	}

	if result.Samples == 0 {
		return result, nil
	}
	v, err := sketch.GetValueAtQuantile(q)
	if err != nil {
		return nil, fmt.Errorf("sketch quantile: %w", err)
	}
	result.Value = &v
	return result, nil
}
