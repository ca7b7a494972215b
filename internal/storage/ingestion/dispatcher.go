package ingestion

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/ratewatch/config"
	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/metrics"
	"github.com/xtxerr/ratewatch/internal/storage/binner"
	"github.com/xtxerr/ratewatch/internal/storage/types"
	"github.com/xtxerr/ratewatch/internal/storage/wal"
)

// SampleProcessor handles one sample. *Processor implements it.
type SampleProcessor interface {
	Process(ctx context.Context, s types.RawSample) (binner.Result, error)
}

// Admitter gates submissions. *backpressure.Controller implements it.
type Admitter interface {
	Admit(ctx context.Context) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Shards is the number of single-writer workers.
	Shards int

	// QueueSize is the capacity of each shard queue.
	QueueSize int

	// WALDir enables the write-ahead log when set.
	WALDir string
	WAL    wal.Options

	// CheckpointInterval is how often fully processed WAL segments are
	// removed. Zero disables the periodic checkpoint.
	CheckpointInterval time.Duration

	// DrainTimeout bounds Stop. Samples still queued when it expires stay
	// in the WAL and are replayed on the next start.
	DrainTimeout time.Duration

	// RetryBackoff is the first wait before a sample that failed with a
	// retriable error is processed again; it doubles up to RetryMaxBackoff.
	// The shard retries until the sample commits or the dispatcher stops,
	// so a partly applied sample is only ever completed by itself.
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration

	Metrics *metrics.Metrics
}

// DefaultDispatcherConfig returns the default dispatcher configuration
// without a WAL.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Shards:             config.DefaultShards,
		QueueSize:          config.DefaultShardQueueSize,
		WAL:                wal.DefaultOptions(),
		CheckpointInterval: config.DefaultCheckpointInterval,
		DrainTimeout:       config.DefaultDrainTimeoutSec * time.Second,
		RetryBackoff:       config.DefaultRetryBackoff,
		RetryMaxBackoff:    config.DefaultRetryMaxBackoff,
	}
}

// item is a queued sample, or a barrier marker when done is set.
type item struct {
	sample types.RawSample
	done   chan struct{}
}

// Dispatcher routes samples to shard workers by series.
type Dispatcher struct {
	cfg   DispatcherConfig
	proc  SampleProcessor
	admit Admitter

	queues []chan item

	// mu orders WAL appends and enqueues against checkpoints: a sample
	// logged before a rotation is always queued before the barrier.
	mu  sync.RWMutex
	wal *wal.Writer

	running   atomic.Bool // workers are up
	accepting atomic.Bool // replay done, Submit allowed
	stopping  atomic.Bool

	group      *errgroup.Group
	workCancel context.CancelFunc
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	stats dispatcherCounters
}

type dispatcherCounters struct {
	submitted  atomic.Int64
	processed  atomic.Int64
	failed     atomic.Int64
	panics     atomic.Int64
	retries    atomic.Int64
	replayed   atomic.Int64
	rejected   atomic.Int64
	duplicates atomic.Int64
}

// DispatcherStats is a snapshot of dispatcher counters.
type DispatcherStats struct {
	Running    bool
	Submitted  int64
	Processed  int64
	Failed     int64
	Panics     int64
	Retries    int64
	Replayed   int64
	Rejected   int64
	Duplicates int64
	QueueUsage float64
}

// NewDispatcher creates a dispatcher. admit may be nil.
func NewDispatcher(cfg DispatcherConfig, proc SampleProcessor, admit Admitter) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.RetryMaxBackoff < cfg.RetryBackoff {
		cfg.RetryMaxBackoff = max(def.RetryMaxBackoff, cfg.RetryBackoff)
	}

	queues := make([]chan item, cfg.Shards)
	for i := range queues {
		queues[i] = make(chan item, cfg.QueueSize)
	}

	return &Dispatcher{
		cfg:    cfg,
		proc:   proc,
		admit:  admit,
		queues: queues,
	}
}

// SetAdmitter installs the submission gate. It must be called before Start.
func (d *Dispatcher) SetAdmitter(a Admitter) {
	d.admit = a
}

// Start launches the workers and replays any WAL segments left by a
// previous run. Submissions are accepted once replay has been processed.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.running.Load() {
		return fmt.Errorf("dispatcher already running")
	}

	var pending []wal.Segment
	if d.cfg.WALDir != "" {
		segments, err := wal.Segments(d.cfg.WALDir)
		if err != nil {
			return fmt.Errorf("list wal segments: %w", err)
		}
		pending = segments

		w, err := wal.NewWriter(d.cfg.WALDir, d.cfg.WAL)
		if err != nil {
			return fmt.Errorf("open wal: %w", err)
		}
		d.wal = w
	}

	workCtx, workCancel := context.WithCancel(context.Background())
	d.workCancel = workCancel
	d.group = &errgroup.Group{}
	for i := range d.queues {
		shard := i
		d.group.Go(func() error {
			d.worker(workCtx, shard)
			return nil
		})
	}
	d.running.Store(true)

	if len(pending) > 0 {
		if err := d.replay(ctx, pending); err != nil {
			return err
		}
	}

	d.accepting.Store(true)

	if d.wal != nil && d.cfg.CheckpointInterval > 0 {
		loopCtx, loopCancel := context.WithCancel(context.Background())
		d.loopCancel = loopCancel
		d.loopDone = make(chan struct{})
		go d.checkpointLoop(loopCtx)
	}

	log.Info("dispatcher started",
		"shards", len(d.queues),
		"queue_size", d.cfg.QueueSize,
		"wal", d.wal != nil,
		"replayed", d.stats.replayed.Load())
	return nil
}

// replay feeds every sample of segments through the workers in log order,
// waits for them and then removes the segments.
func (d *Dispatcher) replay(ctx context.Context, segments []wal.Segment) error {
	for _, seg := range segments {
		it, err := wal.NewIterator(seg.Path)
		if err != nil {
			log.Error("skipping unreadable wal segment", "path", seg.Path, "error", err)
			continue
		}
		for it.Next() {
			s := it.Sample()
			if err := d.enqueue(ctx, s); err != nil {
				it.Close()
				return errors.Wrapf(err, "replay %s", seg.Path)
			}
			d.stats.replayed.Add(1)
		}
		stats := it.Stats()
		if err := it.Err(); err != nil {
			log.Error("wal segment read failed", "path", seg.Path, "error", err)
		}
		if stats.CorruptRecords > 0 || stats.TornTail {
			log.Warn("wal segment damaged",
				"path", seg.Path,
				"corrupt_records", stats.CorruptRecords,
				"torn_tail", stats.TornTail)
		}
		it.Close()
	}

	if err := d.Barrier(ctx); err != nil {
		return fmt.Errorf("replay barrier: %w", err)
	}

	last := segments[len(segments)-1].Seq
	if _, err := d.wal.DeleteBefore(last + 1); err != nil {
		log.Warn("failed to remove replayed wal segments", "error", err)
	}
	return nil
}

// Submit logs s to the WAL and queues it on its shard. It blocks while the
// shard queue is full.
func (d *Dispatcher) Submit(ctx context.Context, s types.RawSample) error {
	return d.SubmitBatch(ctx, []types.RawSample{s})
}

// SubmitBatch submits samples in order. The batch is validated as a whole
// before anything is logged.
func (d *Dispatcher) SubmitBatch(ctx context.Context, samples []types.RawSample) error {
	if len(samples) == 0 {
		return nil
	}
	if !d.accepting.Load() || d.stopping.Load() {
		return errors.ErrNotRunning
	}
	for i := range samples {
		if err := samples[i].Validate(); err != nil {
			return err
		}
	}
	if d.admit != nil {
		if err := d.admit.Admit(ctx); err != nil {
			return err
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	// Stop closes the queues under the write lock.
	if d.stopping.Load() {
		return errors.ErrNotRunning
	}

	if d.wal != nil {
		if err := d.wal.Write(samples); err != nil {
			return fmt.Errorf("wal append: %w", err)
		}
	}

	for _, s := range samples {
		if err := d.enqueue(ctx, s); err != nil {
			return err
		}
		d.stats.submitted.Add(1)
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, s types.RawSample) error {
	q := d.queues[Shard(s.Series, len(d.queues))]
	select {
	case q <- item{sample: s}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Barrier waits until every sample queued before the call has been
// processed.
func (d *Dispatcher) Barrier(ctx context.Context) error {
	d.mu.RLock()
	if !d.running.Load() || d.stopping.Load() {
		d.mu.RUnlock()
		return errors.ErrNotRunning
	}
	markers, err := d.placeMarkers(ctx)
	d.mu.RUnlock()
	if err != nil {
		return err
	}
	return waitMarkers(ctx, markers)
}

func (d *Dispatcher) placeMarkers(ctx context.Context) ([]chan struct{}, error) {
	markers := make([]chan struct{}, 0, len(d.queues))
	for _, q := range d.queues {
		done := make(chan struct{})
		select {
		case q <- item{done: done}:
			markers = append(markers, done)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return markers, nil
}

func waitMarkers(ctx context.Context, markers []chan struct{}) error {
	for _, done := range markers {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Checkpoint retires WAL segments whose samples are all committed. It
// starts a new segment, waits for everything logged before it and then
// deletes the older segments.
func (d *Dispatcher) Checkpoint(ctx context.Context) (int, error) {
	if d.wal == nil {
		return 0, nil
	}
	d.mu.Lock()
	if !d.running.Load() || d.stopping.Load() {
		d.mu.Unlock()
		return 0, errors.ErrNotRunning
	}
	seq, err := d.wal.Rotate()
	if err != nil {
		d.mu.Unlock()
		return 0, fmt.Errorf("rotate wal: %w", err)
	}
	markers, err := d.placeMarkers(ctx)
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if err := waitMarkers(ctx, markers); err != nil {
		return 0, err
	}

	deleted, err := d.wal.DeleteBefore(seq)
	if err != nil {
		return deleted, fmt.Errorf("delete wal segments: %w", err)
	}
	if deleted > 0 {
		active, _ := d.wal.CurrentSegment()
		log.Debug("wal checkpoint", "segments_deleted", deleted, "active_segment", active)
	}
	return deleted, nil
}

func (d *Dispatcher) checkpointLoop(ctx context.Context) {
	defer close(d.loopDone)

	ticker := time.NewTicker(d.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				log.Error("wal checkpoint failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, shard int) {
	q := d.queues[shard]
	for it := range q {
		if it.done != nil {
			close(it.done)
			continue
		}
		if ctx.Err() != nil {
			// Drain timed out: leave the rest to WAL replay.
			continue
		}
		d.handle(ctx, shard, it.sample)
		d.cfg.Metrics.SetQueueDepth(shard, len(q))
	}
}

func (d *Dispatcher) handle(ctx context.Context, shard int, s types.RawSample) {
	defer func() {
		if r := recover(); r != nil {
			d.stats.panics.Add(1)
			d.stats.failed.Add(1)
			log.Error("panic while processing sample",
				"shard", shard,
				"series", s.Series,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	res, err := d.process(ctx, shard, s)
	if err != nil {
		d.stats.failed.Add(1)
		if ctx.Err() != nil {
			log.Warn("sample left for wal replay",
				"shard", shard,
				"series", s.Series,
				"timestamp", s.Timestamp,
				"error", err)
			return
		}
		log.Error("sample processing failed",
			"shard", shard,
			"series", s.Series,
			"timestamp", s.Timestamp,
			"error", err)
		return
	}

	d.stats.processed.Add(1)
	switch res.Outcome {
	case binner.OutcomeRejected:
		d.stats.rejected.Add(1)
	case binner.OutcomeDuplicate:
		d.stats.duplicates.Add(1)
	}
}

// process runs s through the processor, retrying retriable failures with
// exponential backoff. A failed attempt may have written bins and
// aggregates without committing the metadata; only an identical replay of
// s is guaranteed to complete those writes, so the shard does not move on
// to the next sample of its queue before s commits. Checkpoints wait on
// the shard meanwhile, which keeps s in the WAL until then.
func (d *Dispatcher) process(ctx context.Context, shard int, s types.RawSample) (binner.Result, error) {
	wait := d.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		res, err := d.proc.Process(ctx, s)
		if err == nil || !errors.IsRetriable(err) || ctx.Err() != nil {
			return res, err
		}

		d.stats.retries.Add(1)
		log.Warn("sample processing failed, retrying",
			"shard", shard,
			"series", s.Series,
			"timestamp", s.Timestamp,
			"attempt", attempt,
			"retry_in", wait,
			"error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, err
		case <-timer.C:
		}
		wait = min(wait*2, d.cfg.RetryMaxBackoff)
	}
}

// Stop refuses new submissions, drains the queues and closes the WAL.
// If draining takes longer than DrainTimeout the remaining samples are
// skipped; they are still in the WAL.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.running.Load() || !d.stopping.CompareAndSwap(false, true) {
		return nil
	}

	if d.loopCancel != nil {
		d.loopCancel()
		<-d.loopDone
	}

	// Wait for in-flight submissions before closing the queues.
	d.mu.Lock()
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.group.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.cfg.DrainTimeout)
	defer timer.Stop()

	var drainErr error
	select {
	case <-done:
	case <-timer.C:
		drainErr = fmt.Errorf("drain timeout after %v: %w", d.cfg.DrainTimeout, errors.ErrTimeout)
	case <-ctx.Done():
		drainErr = ctx.Err()
	}
	if drainErr != nil {
		log.Warn("dispatcher drain interrupted, unprocessed samples remain in the wal", "error", drainErr)
		d.workCancel()
		<-done
	}
	d.workCancel()
	d.running.Store(false)
	d.accepting.Store(false)

	if d.wal != nil {
		if err := d.wal.Close(); err != nil {
			return errors.Join(drainErr, fmt.Errorf("close wal: %w", err))
		}
	}

	log.Info("dispatcher stopped",
		"processed", d.stats.processed.Load(),
		"failed", d.stats.failed.Load())
	return drainErr
}

// UsageRatio returns the fill level of the fullest shard queue.
func (d *Dispatcher) UsageRatio() float64 {
	var worst float64
	for _, q := range d.queues {
		if r := float64(len(q)) / float64(cap(q)); r > worst {
			worst = r
		}
	}
	return worst
}

// Shards returns the number of shard workers.
func (d *Dispatcher) Shards() int {
	return len(d.queues)
}

// IsRunning reports whether the dispatcher accepts samples.
func (d *Dispatcher) IsRunning() bool {
	return d.accepting.Load() && !d.stopping.Load()
}

// Stats returns current counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Running:    d.IsRunning(),
		Submitted:  d.stats.submitted.Load(),
		Processed:  d.stats.processed.Load(),
		Failed:     d.stats.failed.Load(),
		Panics:     d.stats.panics.Load(),
		Retries:    d.stats.retries.Load(),
		Replayed:   d.stats.replayed.Load(),
		Rejected:   d.stats.rejected.Load(),
		Duplicates: d.stats.duplicates.Load(),
		QueueUsage: d.UsageRatio(),
	}
}
