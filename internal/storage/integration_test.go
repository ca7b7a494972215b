package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/ratewatch/internal/storage"
	"github.com/xtxerr/ratewatch/internal/storage/config"
	"github.com/xtxerr/ratewatch/internal/storage/query"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

const (
	series    = "edge-02/interfaces/ifHCOutOctets/ae0"
	catalogV1 = `
defaults:
  frequency: 30
  aggregate_periods: [300, 3600]
series:
  - match: "*/interfaces/*"
`
)

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	catalogPath := filepath.Join(tmpDir, "catalog.yaml")
	if err := os.WriteFile(catalogPath, []byte(catalogV1), 0644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(tmpDir, "data")
	cfg.Store.Driver = "sqlite"
	cfg.Catalog.Path = catalogPath
	cfg.Catalog.Watch = false
	cfg.Ingestion.Shards = 4
	cfg.Ingestion.QueueSize = 256
	cfg.Ingestion.WAL.SyncMode = "none"
	cfg.Ingestion.DrainTimeout = 10 * time.Second
	return cfg
}

func open(t *testing.T, cfg *config.Config) *storage.Service {
	t.Helper()
	svc, err := storage.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return svc
}

// counterRun feeds a counter growing by 600 units per 30s for n polls.
func counterRun(start int64, n int) []types.RawSample {
	samples := make([]types.RawSample, n)
	for i := range samples {
		samples[i] = types.RawSample{
			Series:    series,
			Timestamp: start + int64(i)*30,
			Value:     uint64(1_000_000 + i*600),
		}
	}
	return samples
}

// TestIntegration_FullPipeline tests the complete submit → query pipeline
// on SQLite, across a restart.
func TestIntegration_FullPipeline(t *testing.T) {
	cfg := sqliteConfig(t)
	ctx := context.Background()

	svc := open(t, cfg)
	samples := counterRun(3600, 121) // one hour of polls, aligned
	if err := svc.Submit(ctx, samples); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	svc = open(t, cfg)
	defer svc.Stop(ctx)

	native, err := svc.Query(ctx, query.Request{Series: series, Begin: 3600, End: 7200, Resolution: 30})
	if err != nil {
		t.Fatalf("Query native: %v", err)
	}
	if len(native.Data) != 120 {
		t.Fatalf("expected 120 native bins, got %d", len(native.Data))
	}

	var total float64
	for _, p := range native.Data {
		if p.Value == nil {
			t.Fatalf("unexpected gap at %d", p.Timestamp)
		}
		total += *p.Value
	}
	// Conservation: the bins add up to the counter delta.
	if total != 120*600 {
		t.Errorf("expected total 72000, got %v", total)
	}

	hourly, err := svc.Query(ctx, query.Request{Series: series, Begin: 3600, End: 7200, Resolution: 3600})
	if err != nil {
		t.Fatalf("Query hourly: %v", err)
	}
	if len(hourly.Data) != 1 || hourly.Data[0].Value == nil {
		t.Fatalf("expected one hourly aggregate, got %+v", hourly.Data)
	}
	if got := *hourly.Data[0].Value; got != 20 {
		t.Errorf("expected average 20 units/s, got %v", got)
	}

	p95, err := svc.Percentile(ctx, series, 3600, 7200, 0.95)
	if err != nil {
		t.Fatalf("Percentile: %v", err)
	}
	if p95.Value == nil || *p95.Value < 19.5 || *p95.Value > 20.5 {
		t.Errorf("expected p95 near 20, got %v", p95.Value)
	}
}

// TestIntegration_Duplicates resubmits the same samples; the stored bins
// must not change.
func TestIntegration_Duplicates(t *testing.T) {
	cfg := sqliteConfig(t)
	ctx := context.Background()

	svc := open(t, cfg)
	defer svc.Stop(ctx)

	samples := counterRun(3600, 11)
	for round := 0; round < 2; round++ {
		if err := svc.Submit(ctx, samples); err != nil {
			t.Fatalf("Submit round %d: %v", round, err)
		}
	}
	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	res, err := svc.Query(ctx, query.Request{Series: series, Begin: 3600, End: 3900, Resolution: 30})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, p := range res.Data {
		if p.Value == nil || *p.Value != 600 {
			t.Errorf("slot %d: got %v, want 600", p.Timestamp, p.Value)
		}
	}
	if stats := svc.Stats(); stats.Ingestion.Duplicates == 0 && stats.Ingestion.Rejected == 0 {
		t.Errorf("expected the second round to be refused, stats %+v", stats.Ingestion)
	}
}

// TestIntegration_InvalidSamples checks that malformed samples are refused
// at submit time.
func TestIntegration_InvalidSamples(t *testing.T) {
	cfg := sqliteConfig(t)
	ctx := context.Background()

	svc := open(t, cfg)
	defer svc.Stop(ctx)

	if err := svc.Submit(ctx, []types.RawSample{{Series: "", Timestamp: 1000, Value: 1}}); err == nil {
		t.Error("expected error for empty series")
	}
}

// TestIntegration_ExportAndSQL archives a series and queries the archive
// through DuckDB.
func TestIntegration_ExportAndSQL(t *testing.T) {
	cfg := sqliteConfig(t)
	ctx := context.Background()

	svc := open(t, cfg)
	defer svc.Stop(ctx)

	if err := svc.Submit(ctx, counterRun(3600, 21)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	m, err := svc.Export(ctx, series, 0, 86400)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	// 20 finalized bins plus the pending one at the last sample.
	if m.RateRows != 21 {
		t.Errorf("expected 21 rate rows, got %d", m.RateRows)
	}

	res, err := svc.QuerySQL(ctx, "SELECT sum(value)::BIGINT AS total FROM rates WHERE valid")
	if err != nil {
		t.Fatalf("QuerySQL: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(res.Rows))
	}
	if total, ok := res.Rows[0]["total"].(int64); !ok || total != 12000 {
		t.Errorf("expected total 12000, got %v", res.Rows[0]["total"])
	}

	n, err := svc.Import(ctx, m.RateFile)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 21 {
		t.Errorf("expected 21 imported rows, got %d", n)
	}
}

// TestIntegration_Health checks the store health endpoint.
func TestIntegration_Health(t *testing.T) {
	cfg := sqliteConfig(t)
	svc := open(t, cfg)
	defer svc.Stop(context.Background())

	if err := svc.Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}
