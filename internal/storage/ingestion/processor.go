// Package ingestion turns submitted samples into committed rate bins.
//
// The Processor handles one sample end to end: catalog lookup, binning,
// bin writes, rollup and finally the metadata commit. The Dispatcher runs
// processors on a fixed set of shard workers so that every series has a
// single writer, and logs each sample to the WAL before it is queued.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/xtxerr/ratewatch/config"
	"github.com/xtxerr/ratewatch/internal/catalog"
	"github.com/xtxerr/ratewatch/internal/logging"
	"github.com/xtxerr/ratewatch/internal/metrics"
	"github.com/xtxerr/ratewatch/internal/storage/binner"
	"github.com/xtxerr/ratewatch/internal/storage/rollup"
	"github.com/xtxerr/ratewatch/internal/storage/types"
	"github.com/xtxerr/ratewatch/internal/store"
)

var log = logging.Component("ingestion")

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	Binner binner.Options

	// RejectLogPerSecond caps warnings about rejected samples.
	RejectLogPerSecond float64

	Metrics *metrics.Metrics
}

// Processor applies samples to the store. It holds no per-series state;
// callers must not process two samples of the same series concurrently.
type Processor struct {
	store   store.SeriesStore
	catalog catalog.Catalog
	binner  *binner.Binner
	rollup  *rollup.Rollup
	metrics *metrics.Metrics

	rejectLog *rate.Limiter
}

// NewProcessor creates a processor over st and cat.
func NewProcessor(st store.SeriesStore, cat catalog.Catalog, cfg ProcessorConfig) *Processor {
	perSecond := cfg.RejectLogPerSecond
	if perSecond <= 0 {
		perSecond = config.DefaultRejectLogPerSecond
	}

	return &Processor{
		store:     st,
		catalog:   cat,
		binner:    binner.New(cfg.Binner),
		rollup:    rollup.New(st),
		metrics:   cfg.Metrics,
		rejectLog: rate.NewLimiter(rate.Limit(perSecond), 5),
	}
}

// Rollup returns the processor's rollup, for its counters.
func (p *Processor) Rollup() *rollup.Rollup {
	return p.rollup
}

// Process bins one sample and persists the result. Bins are written first,
// aggregates second and the metadata last, so a failure at any step leaves
// the old metadata in place and replaying the sample redoes the same
// writes.
func (p *Processor) Process(ctx context.Context, s types.RawSample) (binner.Result, error) {
	start := time.Now()

	res, err := p.process(ctx, s)

	outcome := res.Outcome.String()
	if err != nil {
		outcome = "failed"
	}
	p.metrics.RecordSample(outcome, time.Since(start))

	return res, err
}

func (p *Processor) process(ctx context.Context, s types.RawSample) (binner.Result, error) {
	entry, err := catalog.Resolve(p.catalog, s.Series)
	if err != nil {
		return binner.Result{}, err
	}

	meta, found, err := p.store.Metadata(ctx, s.Series)
	if err != nil {
		return binner.Result{}, fmt.Errorf("load metadata: %w", err)
	}
	if !found {
		meta = types.NewSeriesMetadata(s, entry.Frequency)
		if err := p.store.PutMetadata(ctx, meta); err != nil {
			return binner.Result{}, fmt.Errorf("init metadata: %w", err)
		}
		log.Debug("series initialized", "series", s.Series, "frequency", entry.Frequency)
		return binner.Result{Outcome: binner.OutcomeFirst, Meta: meta}, nil
	}
	if meta.Frequency <= 0 {
		meta.Frequency = entry.Frequency
	}

	res := p.binner.Bin(meta, s, entry.MaxRate)

	switch res.Outcome {
	case binner.OutcomeDuplicate:
		return res, nil
	case binner.OutcomeRejected:
		p.logReject(s, meta, res)
	}

	if res.Gap != nil {
		p.metrics.RecordGap()
		log.Info("collection gap",
			"series", s.Series,
			"from", res.Gap.From,
			"to", res.Gap.To,
			"seconds", res.Gap.Duration(),
			"invalid_bins", res.Gap.Invalid,
			"backfilled", res.Gap.Backfilled)
	}

	if len(res.Writes) > 0 {
		if err := p.store.PutRateBins(ctx, res.Writes); err != nil {
			return res, fmt.Errorf("write rate bins: %w", err)
		}
	}

	upserted, err := p.rollup.Apply(ctx, res.Finalized, entry.Periods)
	if err != nil {
		return res, fmt.Errorf("rollup: %w", err)
	}
	p.metrics.RecordWrites(len(res.Writes), upserted)

	if res.Changed() {
		if err := p.store.PutMetadata(ctx, res.Meta); err != nil {
			return res, fmt.Errorf("commit metadata: %w", err)
		}
	}

	return res, nil
}

func (p *Processor) logReject(s types.RawSample, meta types.SeriesMetadata, res binner.Result) {
	if !p.rejectLog.Allow() {
		return
	}
	log.Warn("sample rejected",
		"series", s.Series,
		"reason", res.Reason.String(),
		"timestamp", s.Timestamp,
		"value", s.Value,
		"last_update", meta.LastUpdate,
		"last_value", meta.LastValue,
		"rate", res.Rate)
}
