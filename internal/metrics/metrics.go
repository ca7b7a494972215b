// Package metrics exposes the Prometheus instrumentation of the ingestion
// and query paths.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ratewatch"

// Metrics holds every ratewatch collector. A nil *Metrics is valid and
// records nothing, so library users can skip instrumentation.
type Metrics struct {
	samples          *prometheus.CounterVec
	gaps             prometheus.Counter
	rateBinsWritten  prometheus.Counter
	aggregateUpserts prometheus.Counter
	processDuration  prometheus.Histogram
	queries          *prometheus.CounterVec
	queryDuration    prometheus.Histogram
	queueDepth       *prometheus.GaugeVec
	backpressure     prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		samples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "samples_total",
				Help:      "Samples processed by outcome",
			},
			[]string{"outcome"},
		),
		gaps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "gaps_total",
				Help:      "Collection gaps detected",
			},
		),
		rateBinsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "rate_bins_written_total",
				Help:      "Native rate bins written, including invalid gap bins",
			},
		),
		aggregateUpserts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "aggregate_bins_upserted_total",
				Help:      "Aggregate bins created or updated by the rollup",
			},
		),
		processDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "process_duration_seconds",
				Help:      "Time to bin, roll up and commit one sample",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
		),
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "queries_total",
				Help:      "Range queries by resolution kind and status",
			},
			[]string{"resolution_kind", "status"},
		),
		queryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "query_duration_seconds",
				Help:      "Range query latency",
				Buckets:   prometheus.DefBuckets,
			},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "queue_depth",
				Help:      "Samples waiting in each shard queue",
			},
			[]string{"shard"},
		),
		backpressure: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "backpressure_level",
				Help:      "Backpressure level: 0 normal, 1 warning, 2 critical, 3 emergency",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.samples,
			m.gaps,
			m.rateBinsWritten,
			m.aggregateUpserts,
			m.processDuration,
			m.queries,
			m.queryDuration,
			m.queueDepth,
			m.backpressure,
		)
	}
	return m
}

// RecordSample counts one processed sample.
func (m *Metrics) RecordSample(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(outcome).Inc()
	m.processDuration.Observe(elapsed.Seconds())
}

// RecordGap counts a detected collection gap.
func (m *Metrics) RecordGap() {
	if m == nil {
		return
	}
	m.gaps.Inc()
}

// RecordWrites counts bins persisted for one sample.
func (m *Metrics) RecordWrites(rateBins, aggregates int) {
	if m == nil {
		return
	}
	m.rateBinsWritten.Add(float64(rateBins))
	m.aggregateUpserts.Add(float64(aggregates))
}

// RecordQuery counts one range query. kind is "native" or "aggregate".
func (m *Metrics) RecordQuery(kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(kind, status).Inc()
	m.queryDuration.Observe(elapsed.Seconds())
}

// SetQueueDepth reports the backlog of one shard.
func (m *Metrics) SetQueueDepth(shard, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(depth))
}

// SetBackpressureLevel reports the current backpressure level.
func (m *Metrics) SetBackpressureLevel(level int) {
	if m == nil {
		return
	}
	m.backpressure.Set(float64(level))
}
