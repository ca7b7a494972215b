package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/xtxerr/ratewatch/internal/catalog"
	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/logging"
	"github.com/xtxerr/ratewatch/internal/metrics"
	"github.com/xtxerr/ratewatch/internal/storage/archive"
	"github.com/xtxerr/ratewatch/internal/storage/backpressure"
	"github.com/xtxerr/ratewatch/internal/storage/binner"
	"github.com/xtxerr/ratewatch/internal/storage/config"
	"github.com/xtxerr/ratewatch/internal/storage/ingestion"
	"github.com/xtxerr/ratewatch/internal/storage/parquet"
	"github.com/xtxerr/ratewatch/internal/storage/query"
	"github.com/xtxerr/ratewatch/internal/storage/rollup"
	"github.com/xtxerr/ratewatch/internal/storage/types"
	"github.com/xtxerr/ratewatch/internal/storage/wal"
	"github.com/xtxerr/ratewatch/internal/store"
)

var log = logging.Component("storage")

// Service owns one data directory and wires every component that serves
// it. Only one Service per data directory can exist at a time, across
// processes.
type Service struct {
	mu sync.RWMutex

	config *config.Config
	lock   *flock.Flock

	// Components
	backend      store.SeriesStore
	cache        *store.CachedStore
	rules        *catalog.Rules
	watcher      *catalog.Watcher
	registry     *prometheus.Registry
	metrics      *metrics.Metrics
	processor    *ingestion.Processor
	dispatcher   *ingestion.Dispatcher
	backpressure *backpressure.Controller
	query        *query.Service
	archive      *archive.Archive

	// State
	running atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	startTime   time.Time
	reloads     atomic.Int64
	reloadFails atomic.Int64
}

// New locks the data directory, opens the store and loads the catalog.
// Ingestion does not run until Start.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, errors.Wrap(err, "ensure directories")
	}

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "lock data directory")
	}
	if !locked {
		return nil, errors.Wrapf(errors.ErrLocked, "%s", cfg.DataDir)
	}

	s := &Service{config: cfg, lock: lock}
	if err := s.build(ctx); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context) error {
	cfg := s.config

	backend, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	s.backend = backend
	if cfg.Store.MetadataCacheSize > 0 {
		s.cache, err = store.WithMetadataCache(backend, cfg.Store.MetadataCacheSize)
		if err != nil {
			return err
		}
		s.backend = s.cache
	}

	s.rules, err = catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return errors.Wrap(err, "load catalog")
	}
	if cfg.Catalog.Watch {
		s.watcher, err = catalog.NewWatcher(s.rules, cfg.Catalog.Path)
		if err != nil {
			return errors.Wrap(err, "watch catalog")
		}
		s.watcher.OnReload = s.onCatalogReload
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.New(s.registry)

	s.processor = ingestion.NewProcessor(s.backend, s.rules, ingestion.ProcessorConfig{
		Binner:             binner.DefaultOptions(),
		RejectLogPerSecond: cfg.Ingestion.RejectLogPerSecond,
		Metrics:            s.metrics,
	})

	s.dispatcher = ingestion.NewDispatcher(dispatcherConfig(cfg, s.metrics), s.processor, nil)
	s.backpressure = backpressure.New(backpressureConfig(cfg), s.dispatcher)
	s.dispatcher.SetAdmitter(s.backpressure)
	s.backpressure.SetOnLevelChange(func(_, level backpressure.Level) {
		s.metrics.SetBackpressureLevel(int(level))
	})

	s.query = query.New(s.backend, s.rules, query.Options{
		Timeout:            cfg.Query.Timeout,
		PercentileAccuracy: cfg.Query.PercentileAccuracy,
		Metrics:            s.metrics,
	})

	opts := parquet.DefaultOptions()
	if cfg.Archive.Compression != "" {
		opts.Compression = parquet.ParseCompressionType(cfg.Archive.Compression)
	}
	s.archive = archive.New(cfg.ArchiveDir(), opts)

	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.SeriesStore, error) {
	if cfg.Store.Driver == "memory" {
		return store.NewMemory(), nil
	}

	sc := store.DefaultConfig()
	sc.Driver = cfg.Store.Driver
	sc.DSN = cfg.StoreDSN()
	if cfg.Store.MaxOpenConns > 0 {
		sc.MaxOpenConns = cfg.Store.MaxOpenConns
	}
	if cfg.Store.QueryTimeout > 0 {
		sc.QueryTimeout = cfg.Store.QueryTimeout
	}
	if cfg.Store.InsertBatchSize > 0 {
		sc.InsertBatchSize = cfg.Store.InsertBatchSize
	}

	st, err := store.Open(ctx, sc)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	return st, nil
}

func dispatcherConfig(cfg *config.Config, m *metrics.Metrics) ingestion.DispatcherConfig {
	dc := ingestion.DefaultDispatcherConfig()
	dc.Shards = cfg.Ingestion.Shards
	dc.QueueSize = cfg.Ingestion.QueueSize
	dc.CheckpointInterval = cfg.Ingestion.CheckpointInterval
	dc.DrainTimeout = cfg.Ingestion.DrainTimeout
	dc.RetryBackoff = cfg.Ingestion.RetryBackoff
	dc.RetryMaxBackoff = cfg.Ingestion.RetryMaxBackoff
	dc.Metrics = m

	if cfg.Ingestion.WAL.Enabled {
		dc.WALDir = cfg.WALDir()
		dc.WAL = wal.DefaultOptions()
		dc.WAL.SyncMode = cfg.Ingestion.WAL.SyncMode
		if cfg.Ingestion.WAL.MaxSegmentSize > 0 {
			dc.WAL.MaxSegmentSize = cfg.Ingestion.WAL.MaxSegmentSize
		}
	}
	return dc
}

func backpressureConfig(cfg *config.Config) backpressure.Config {
	bp := cfg.Backpressure
	return backpressure.Config{
		Enabled:    bp.Enabled,
		Warning:    bp.Thresholds.Warning,
		Critical:   bp.Thresholds.Critical,
		Emergency:  bp.Thresholds.Emergency,
		Hysteresis: bp.Recovery.Hysteresis,
		Cooldown:   bp.Recovery.Cooldown,
		MaxDelay:   bp.MaxDelay,
	}
}

// Start replays the WAL, starts the ingestion workers and the background
// loops.
func (s *Service) Start(ctx context.Context) error {
	if s.closed.Load() {
		return errors.ErrClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("service already running")
	}

	s.startTime = time.Now()

	// Start ingestion
	if err := s.dispatcher.Start(ctx); err != nil {
		s.running.Store(false)
		return errors.Wrap(err, "start ingestion")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.watcher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watcher.Run(loopCtx)
		}()
	}

	s.wg.Add(1)
	go s.backpressureWorker(loopCtx)

	if s.config.Archive.Retention > 0 {
		s.wg.Add(1)
		go s.pruneWorker(loopCtx)
	}

	req := s.config.CalculateRequirements()
	log.Info("storage started",
		"data_dir", s.config.DataDir,
		"driver", s.config.Store.Driver,
		"series_rules", s.rules.Len(),
		"shards", s.dispatcher.Shards(),
		"wal", s.config.Ingestion.WAL.Enabled,
		"est_samples_per_sec", req.SamplesPerSecond,
		"est_store_bytes_per_day", req.StoreBytesPerDay)

	return nil
}

// Stop drains ingestion, closes the store and releases the data
// directory. The service cannot be restarted.
func (s *Service) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error

	if s.running.Load() {
		s.cancel()
		s.wg.Wait()

		if err := s.dispatcher.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop ingestion: %w", err))
		}
		s.running.Store(false)
	}

	if err := s.release(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("stop errors: %w", err)
	}
	log.Info("storage stopped")
	return nil
}

func (s *Service) release() error {
	var errs []error
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if err := s.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("unlock data directory: %w", err))
	}
	return errors.Join(errs...)
}

// backpressureWorker keeps the level current while no submissions arrive,
// so it can step down.
func (s *Service) backpressureWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.backpressure.Check()
		}
	}
}

// pruneWorker applies archive retention periodically.
func (s *Service) pruneWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Archive.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			res, err := s.archive.Prune(s.config.Archive.Retention, now, false)
			if err != nil {
				log.Error("archive prune failed", "error", err)
				continue
			}
			for _, e := range res.Errors {
				log.Warn("archive prune", "error", e)
			}
		}
	}
}

func (s *Service) onCatalogReload(err error) {
	if err != nil {
		s.reloadFails.Add(1)
		return
	}
	s.reloads.Add(1)
}

// Submit queues samples for ingestion. Each sample is durable in the WAL
// once Submit returns without error.
func (s *Service) Submit(ctx context.Context, samples []types.RawSample) error {
	if !s.running.Load() {
		return errors.ErrNotRunning
	}
	return s.dispatcher.SubmitBatch(ctx, samples)
}

// Flush waits until every sample submitted so far has been processed.
func (s *Service) Flush(ctx context.Context) error {
	if !s.running.Load() {
		return errors.ErrNotRunning
	}
	return s.dispatcher.Barrier(ctx)
}

// Query executes a range query.
func (s *Service) Query(ctx context.Context, req query.Request) (*query.Result, error) {
	if s.closed.Load() {
		return nil, errors.ErrClosed
	}
	if req.Resolution == 0 && req.MaxPoints == 0 {
		req.MaxPoints = s.config.Query.MaxPoints
	}
	return s.query.Query(ctx, req)
}

// Percentile estimates quantile q of the native per-second rates.
func (s *Service) Percentile(ctx context.Context, series string, begin, end int64, q float64) (*query.PercentileResult, error) {
	if s.closed.Load() {
		return nil, errors.ErrClosed
	}
	return s.query.Percentile(ctx, series, begin, end, q)
}

// Export archives the bins of series in [begin, end) as Parquet files.
func (s *Service) Export(ctx context.Context, series string, begin, end int64) (*archive.Manifest, error) {
	if s.closed.Load() {
		return nil, errors.ErrClosed
	}
	return s.archive.Export(ctx, s.backend, s.rules, series, begin, end)
}

// Import loads an archive file back into the store.
func (s *Service) Import(ctx context.Context, path string) (int, error) {
	if s.closed.Load() {
		return 0, errors.ErrClosed
	}
	return archive.Import(ctx, s.backend, path)
}

// QuerySQL executes a SQL query over the Parquet archive.
func (s *Service) QuerySQL(ctx context.Context, sql string) (*archive.SQLResult, error) {
	if s.closed.Load() {
		return nil, errors.ErrClosed
	}
	return s.archive.SQL(ctx, sql)
}

// CompactArchive merges the archive files of kind into one.
func (s *Service) CompactArchive(ctx context.Context, kind string) (archive.CompactResult, error) {
	if s.closed.Load() {
		return archive.CompactResult{}, errors.ErrClosed
	}
	return s.archive.Compact(ctx, kind)
}

// PruneArchive deletes archive files older than maxAge. A zero maxAge
// uses the configured retention.
func (s *Service) PruneArchive(maxAge time.Duration, dryRun bool) (archive.PruneResult, error) {
	if s.closed.Load() {
		return archive.PruneResult{}, errors.ErrClosed
	}
	if maxAge == 0 {
		maxAge = s.config.Archive.Retention
	}
	return s.archive.Prune(maxAge, time.Now(), dryRun)
}

// ArchiveUsage summarises the archive directory.
func (s *Service) ArchiveUsage() ([]archive.Usage, error) {
	return s.archive.DiskUsage()
}

// Rebuild recomputes the aggregates of series over [begin, end) from the
// native bins. The pending slot is left to the rollup of the next sample.
// It must not run while samples of series are being ingested.
func (s *Service) Rebuild(ctx context.Context, series string, begin, end int64) (int, error) {
	if s.closed.Load() {
		return 0, errors.ErrClosed
	}

	entry, err := catalog.Resolve(s.rules, series)
	if err != nil {
		return 0, err
	}

	var until int64
	meta, found, err := s.backend.Metadata(ctx, series)
	if err != nil {
		return 0, err
	}
	if found && meta.HasPending {
		until = meta.PendingSlot
	}

	return s.processor.Rollup().Rebuild(ctx, s.backend, series, entry.Frequency, entry.Periods, begin, end, until)
}

// SeriesList returns every series that has stored metadata.
func (s *Service) SeriesList(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, errors.ErrClosed
	}
	l, ok := s.backend.(store.SeriesLister)
	if !ok {
		return nil, fmt.Errorf("store cannot list series")
	}
	return l.SeriesList(ctx)
}

// Health reports whether the store answers.
func (s *Service) Health(ctx context.Context) error {
	if s.closed.Load() {
		return errors.ErrClosed
	}
	if h, ok := s.backend.(interface{ Health(context.Context) error }); ok {
		return h.Health(ctx)
	}
	return nil
}

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uptime time.Duration
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}

	stats := ServiceStats{
		Running:        s.running.Load(),
		Uptime:         uptime,
		Ingestion:      s.dispatcher.Stats(),
		Rollup:         s.processor.Rollup().Stats(),
		Backpressure:   s.backpressure.Stats(),
		Level:          s.BackpressureLevel().String(),
		CatalogRules:   s.rules.Len(),
		CatalogReloads: s.reloads.Load(),
		ReloadFailures: s.reloadFails.Load(),
	}
	if s.cache != nil {
		stats.MetadataCache = s.cache.Stats()
	}
	return stats
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running        bool
	Uptime         time.Duration
	Ingestion      ingestion.DispatcherStats
	Rollup         rollup.Stats
	Backpressure   backpressure.ControllerStats
	Level          string
	MetadataCache  store.CacheStats
	CatalogRules   int
	CatalogReloads int64
	ReloadFailures int64
}

// Registry returns the Prometheus registry holding the service metrics.
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

// Catalog returns the live catalog.
func (s *Service) Catalog() *catalog.Rules {
	return s.rules
}

// Config returns the current configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// BackpressureLevel returns the current backpressure level.
func (s *Service) BackpressureLevel() backpressure.Level {
	return s.backpressure.CurrentLevel()
}
