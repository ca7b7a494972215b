package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DataDir == "" {
		t.Error("expected default data_dir")
	}

	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %q", cfg.Store.Driver)
	}

	if cfg.Ingestion.Shards <= 0 {
		t.Error("expected positive shards")
	}

	if !cfg.Ingestion.WAL.Enabled {
		t.Error("expected WAL enabled by default")
	}

	if cfg.Query.PercentileAccuracy != 0.01 {
		t.Errorf("expected accuracy 0.01, got %v", cfg.Query.PercentileAccuracy)
	}
}

func TestConfigValidate(t *testing.T) {
	// Valid config
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty data_dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"bad driver", func(c *Config) { c.Store.Driver = "mysql" }, "store"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "dsn"},
		{"no catalog", func(c *Config) { c.Catalog.Path = "" }, "catalog"},
		{"period not multiple", func(c *Config) { c.Scale.AggregatePeriods = []int64{45} }, "scale"},
		{"zero shards", func(c *Config) { c.Ingestion.Shards = 0 }, "shards"},
		{"tiny queue", func(c *Config) { c.Ingestion.QueueSize = 1 }, "queue_size"},
		{"bad sync mode", func(c *Config) { c.Ingestion.WAL.SyncMode = "async" }, "sync_mode"},
		{"bad accuracy", func(c *Config) { c.Query.PercentileAccuracy = 1.5 }, "percentile_accuracy"},
		{"bad compression", func(c *Config) { c.Archive.Compression = "brotli" }, "compression"},
		{"no listen", func(c *Config) { c.HTTP.Listen = "" }, "listen"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = ""
	cfg.Ingestion.Shards = 0
	cfg.HTTP.Listen = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"data_dir", "shards", "listen"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestWALDisabledSkipsWALChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ingestion.WAL.Enabled = false
	cfg.Ingestion.WAL.SyncMode = "bogus"

	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled WAL should not be validated: %v", err)
	}
}

func TestBackpressureValidation(t *testing.T) {
	cfg := DefaultConfig()

	// Valid thresholds
	if err := cfg.Backpressure.Validate(); err != nil {
		t.Errorf("valid backpressure should pass: %v", err)
	}

	// Invalid: warning >= critical
	cfg.Backpressure.Thresholds.Warning = 0.90
	cfg.Backpressure.Thresholds.Critical = 0.80
	if err := cfg.Backpressure.Validate(); err == nil {
		t.Error("expected error when warning >= critical")
	}

	// Disabled backpressure is not checked
	cfg.Backpressure.Enabled = false
	if err := cfg.Backpressure.Validate(); err != nil {
		t.Errorf("disabled backpressure should pass: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")

	configContent := `
data_dir: /tmp/ratewatch-test
store:
  driver: duckdb
  metadata_cache_size: 5000
catalog:
  path: /tmp/catalog.yaml
  watch: false
ingestion:
  shards: 4
  queue_size: 1024
  checkpoint_interval: 10s
  drain_timeout: 5s
  wal:
    enabled: true
    sync_mode: fsync
    max_segment_size: 8388608
backpressure:
  enabled: true
  thresholds:
    warning: 0.5
    critical: 0.8
    emergency: 0.95
  recovery:
    hysteresis: 0.1
    cooldown: 1s
query:
  timeout: 15s
  max_points: 500
archive:
  compression: snappy
http:
  listen: ":9999"
logging:
  level: debug
  json: true
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.DataDir != "/tmp/ratewatch-test" {
		t.Errorf("expected data_dir=/tmp/ratewatch-test, got %s", cfg.DataDir)
	}
	if cfg.Store.Driver != "duckdb" || cfg.Store.MetadataCacheSize != 5000 {
		t.Errorf("unexpected store section: %+v", cfg.Store)
	}
	if cfg.Catalog.Watch {
		t.Error("expected catalog watch disabled")
	}
	if cfg.Ingestion.Shards != 4 || cfg.Ingestion.QueueSize != 1024 {
		t.Errorf("unexpected ingestion section: %+v", cfg.Ingestion)
	}
	if cfg.Ingestion.CheckpointInterval != 10*time.Second {
		t.Errorf("expected checkpoint_interval=10s, got %v", cfg.Ingestion.CheckpointInterval)
	}
	if cfg.Ingestion.WAL.SyncMode != "fsync" {
		t.Errorf("expected sync_mode=fsync, got %s", cfg.Ingestion.WAL.SyncMode)
	}
	if cfg.Query.MaxPoints != 500 {
		t.Errorf("expected max_points=500, got %d", cfg.Query.MaxPoints)
	}
	if cfg.HTTP.Listen != ":9999" || !cfg.Logging.JSON {
		t.Errorf("unexpected http/logging: %+v %+v", cfg.HTTP, cfg.Logging)
	}

	// Defaults survive for fields the file leaves out.
	if cfg.Query.PercentileAccuracy != 0.01 {
		t.Errorf("expected default accuracy, got %v", cfg.Query.PercentileAccuracy)
	}
	if cfg.Ingestion.RejectLogPerSecond != 1 {
		t.Errorf("expected default reject_log_per_second, got %v", cfg.Ingestion.RejectLogPerSecond)
	}
}

func TestLoadConfigInvalidFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: yaml: content: ["), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadConfigInvalidValues(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad.yaml")

	if err := os.WriteFile(configPath, []byte("ingestion:\n  shards: -1\n"), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "validate config") {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCalculateRequirements(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scale.ExpectedSeries = 300000
	cfg.Scale.Frequency = 30
	cfg.Scale.AggregatePeriods = []int64{300, 86400}

	req := cfg.CalculateRequirements()

	// 300k / 30s = 10,000 samples/sec
	if req.SamplesPerSecond != 10000 {
		t.Errorf("expected 10000 samples/sec, got %d", req.SamplesPerSecond)
	}

	// 2880 native slots per day per series
	if req.RateBinsPerDay != 300000*2880 {
		t.Errorf("expected %d rate bins/day, got %d", 300000*2880, req.RateBinsPerDay)
	}

	// 288 five-minute plus one daily aggregate per series
	if req.AggregatesPerDay != 300000*289 {
		t.Errorf("expected %d aggregates/day, got %d", 300000*289, req.AggregatesPerDay)
	}

	if req.QueueBytes <= 0 || req.WALBytesPerSecond <= 0 || req.StoreBytesPerDay <= 0 {
		t.Errorf("expected positive estimates: %+v", req)
	}
}

func TestCalculateRequirementsWithoutWAL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ingestion.WAL.Enabled = false

	req := cfg.CalculateRequirements()
	if req.WALBytesPerSecond != 0 || req.WALBytesPerCheckpoint != 0 {
		t.Errorf("expected no WAL estimate: %+v", req)
	}
}

func TestFormatRequirements(t *testing.T) {
	cfg := DefaultConfig()

	req := cfg.CalculateRequirements()
	output := req.FormatRequirements()

	for _, section := range []string{"Throughput", "Growth per day", "Shard queues"} {
		if !strings.Contains(output, section) {
			t.Errorf("output missing %q", section)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{500, "500 B"},
		{1024, "1.00 KB"},
		{1024 * 1024, "1.00 MB"},
		{1024 * 1024 * 1024, "1.00 GB"},
		{1024 * 1024 * 1024 * 1024, "1.00 TB"},
	}

	for _, tt := range tests {
		result := formatBytes(tt.input)
		if result != tt.expected {
			t.Errorf("formatBytes(%d): expected %s, got %s", tt.input, tt.expected, result)
		}
	}
}

func TestWALDir(t *testing.T) {
	cfg := DefaultConfig()

	// Default: DataDir/wal
	expected := filepath.Join(cfg.DataDir, "wal")
	if cfg.WALDir() != expected {
		t.Errorf("expected %s, got %s", expected, cfg.WALDir())
	}

	// Custom WAL dir
	cfg.Ingestion.WAL.Dir = "/custom/wal"
	if cfg.WALDir() != "/custom/wal" {
		t.Errorf("expected /custom/wal, got %s", cfg.WALDir())
	}
}

func TestStoreDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data/ratewatch"

	tests := []struct {
		driver   string
		dsn      string
		expected string
	}{
		{"sqlite", "", "/data/ratewatch/ratewatch.db"},
		{"duckdb", "", "/data/ratewatch/ratewatch.duckdb"},
		{"postgres", "postgres://db/rw", "postgres://db/rw"},
		{"memory", "", ""},
	}

	for _, tt := range tests {
		cfg.Store.Driver = tt.driver
		cfg.Store.DSN = tt.dsn
		if got := cfg.StoreDSN(); got != tt.expected {
			t.Errorf("StoreDSN(%s): expected %q, got %q", tt.driver, tt.expected, got)
		}
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(tmpDir, "storage")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	for _, dir := range []string{cfg.DataDir, cfg.WALDir(), cfg.ArchiveDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("directory %s not created: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}
