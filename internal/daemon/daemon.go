package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"vectorflow/internal/api"
	"vectorflow/internal/config"
	"vectorflow/internal/events"
	"vectorflow/internal/history"
	"vectorflow/internal/job"
	"vectorflow/internal/ledger"
	"vectorflow/internal/logging"
	"vectorflow/internal/metrics"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/stage"
)

const (
	defaultDrainInterval = 30 * time.Second
	drainBatch           = 100
	healthTimeout        = 3 * time.Second
	shutdownReason       = "interrupted by shutdown"
)

// HistoryStore is the read side of the terminal-job archive.
type HistoryStore interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, filter history.Filter) ([]*job.Job, error)
	Stats(ctx context.Context) (map[job.State]int, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Drainer moves jobs parked on the fallback store back onto the broker.
type Drainer interface {
	Drain(ctx context.Context, max int) (int, error)
}

// Parts are the long-lived components the daemon coordinates. Ledger and
// Pool are required.
type Parts struct {
	Ledger  *ledger.Ledger
	Pool    *pipeline.Pool
	Hub     *events.Hub
	Metrics *metrics.Aggregator
	History HistoryStore
	Drainer Drainer
	Plans   map[job.Kind][]stage.Handler
	// Closers are closed in reverse order by Close.
	Closers []io.Closer
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithDrainInterval sets how often parked fallback jobs are re-published.
func WithDrainInterval(interval time.Duration) Option {
	return func(d *Daemon) {
		if interval > 0 {
			d.drainInterval = interval
		}
	}
}

// WithClock overrides the time source used for new jobs.
func WithClock(now func() time.Time) Option {
	return func(d *Daemon) {
		if now != nil {
			d.now = now
		}
	}
}

// Daemon owns the pipeline pool, the HTTP API, and the single-instance lock.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	parts  Parts

	lockPath string
	lock     *flock.Flock

	drainInterval time.Duration
	now           func() time.Time

	api *apiServer

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a daemon around already-built components.
func New(cfg *config.Config, parts Parts, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || parts.Ledger == nil || parts.Pool == nil {
		return nil, errors.New("daemon requires config, ledger, and pipeline pool")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:           cfg,
		logger:        logging.NewComponentLogger(logger, "daemon"),
		parts:         parts,
		lockPath:      lockPath,
		lock:          flock.New(lockPath),
		drainInterval: defaultDrainInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.api = newAPIServer(cfg.Paths.APIBind, cfg.Paths.APIToken, d, logger)
	return d, nil
}

// Start acquires the daemon lock, launches the engine pool and the fallback
// drain loop, and begins serving the API.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("ensure lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another vectorflow daemon already holds %s", d.lockPath)
	}

	d.pruneHistory(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.api.start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.parts.Pool.Run(runCtx)
	}()
	if d.parts.Drainer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.drainLoop(runCtx)
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	d.cancel = cancel
	d.done = done
	d.running.Store(true)
	d.logger.Info("vectorflow daemon started",
		logging.String("lock", d.lockPath),
		logging.Int("engines", d.parts.Pool.Size()),
		logging.String("api", d.api.address()),
	)
	return nil
}

// Stop cancels running jobs, waits for the engines to record them, cancels
// whatever is still queued, and releases the lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}
	d.cancel()
	<-d.done
	if interrupted := d.parts.Ledger.CancelQueued(context.Background(), shutdownReason); len(interrupted) > 0 {
		logging.WarnWithContext(d.logger, "queued jobs cancelled by shutdown", "queue_interrupted",
			logging.Int("jobs", len(interrupted)),
			logging.String(logging.FieldErrorHint, "retry them with `vectorflow retry ID` after restart"),
			logging.String(logging.FieldImpact, "queued jobs did not run"),
		)
	}
	d.api.stop()
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "daemon_unlock_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove "+d.lockPath+" if no daemon is running"),
		)
	}
	d.cancel = nil
	d.done = nil
	d.running.Store(false)
	d.logger.Info("vectorflow daemon stopped")
}

// Close stops the daemon and releases every component it was given.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	for i := len(d.parts.Closers) - 1; i >= 0; i-- {
		if closer := d.parts.Closers[i]; closer != nil {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Running reports whether Start has succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Addr returns the address the API listens on, or "" when it is disabled.
func (d *Daemon) Addr() string {
	return d.api.address()
}

// Submit validates spec and enqueues the resulting job.
func (d *Daemon) Submit(ctx context.Context, spec job.Spec) (*job.Job, error) {
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = d.cfg.Pipeline.MaxAttempts
	}
	j, err := job.New(spec, d.now())
	if err != nil {
		return nil, err
	}
	if err := d.parts.Ledger.Submit(j); err != nil {
		return nil, err
	}
	logging.WithContext(ctx, d.logger).Info("job submitted",
		logging.String(logging.FieldJobID, j.ID),
		logging.String("kind", string(j.Kind)),
		logging.String("priority", string(j.Priority)),
		logging.Int64("size", j.Payload.Metadata.Size),
	)
	return j.Clone(), nil
}

// Lookup returns a job from the ledger, falling back to the history archive
// for jobs finished by an earlier daemon run.
func (d *Daemon) Lookup(ctx context.Context, id string) (*job.Job, ledger.Location, error) {
	if j, loc, ok := d.parts.Ledger.Get(id); ok {
		return j, loc, nil
	}
	archived, err := d.archived(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if archived.State == job.StateSucceeded {
		return archived, ledger.LocationCompleted, nil
	}
	return archived, ledger.LocationFailed, nil
}

// Cancel stops a queued or running job.
func (d *Daemon) Cancel(ctx context.Context, id, reason string) (ledger.Location, error) {
	loc, err := d.parts.Ledger.Cancel(ctx, id, reason)
	if errors.Is(err, ledger.ErrNotFound) {
		if _, archErr := d.archived(ctx, id); archErr == nil {
			return "", ledger.ErrFinished
		}
	}
	if err != nil {
		return "", err
	}
	logging.WithContext(ctx, d.logger).Info("job cancel requested",
		logging.String(logging.FieldJobID, id),
		logging.String("location", string(loc)),
		logging.String("reason", reason),
	)
	return loc, nil
}

// Retry requeues a failed or cancelled job from the beginning as a new job.
func (d *Daemon) Retry(ctx context.Context, id string) (*job.Job, error) {
	fresh, err := d.parts.Ledger.Requeue(id)
	if errors.Is(err, ledger.ErrNotFound) {
		source, archErr := d.archived(ctx, id)
		if archErr != nil {
			return nil, archErr
		}
		if source.State == job.StateSucceeded {
			return nil, ledger.ErrNotFailed
		}
		fresh = job.Retry(source, d.now())
		if err = d.parts.Ledger.Submit(fresh); err == nil {
			fresh = fresh.Clone()
		}
	}
	if err != nil {
		return nil, err
	}
	logging.WithContext(ctx, d.logger).Info("job requeued",
		logging.String(logging.FieldJobID, fresh.ID),
		logging.String("retry_of", id),
	)
	return fresh, nil
}

// History lists archived terminal jobs.
func (d *Daemon) History(ctx context.Context, filter history.Filter) ([]*job.Job, error) {
	if d.parts.History == nil {
		var out []*job.Job
		for _, j := range append(d.parts.Ledger.Completed(), d.parts.Ledger.Failed()...) {
			if matchesFilter(j, filter) {
				out = append(out, j)
			}
		}
		sort.SliceStable(out, func(a, b int) bool { return completedAt(out[a]).After(completedAt(out[b])) })
		if filter.Limit > 0 && len(out) > filter.Limit {
			out = out[:filter.Limit]
		}
		return out, nil
	}
	return d.parts.History.List(ctx, filter)
}

// Events returns published events newer than since.
func (d *Daemon) Events(ctx context.Context, since uint64, limit int, wait bool) ([]events.Event, uint64, error) {
	return d.parts.Hub.Fetch(ctx, since, limit, wait)
}

// ObserveQueue refreshes the queue gauges from the ledger.
func (d *Daemon) ObserveQueue() {
	summary := d.parts.Ledger.Summary()
	d.parts.Metrics.ObserveQueue(summary.Depths, summary.Running)
}

// Status summarizes the daemon for the status endpoint.
func (d *Daemon) Status(ctx context.Context) api.StatusResponse {
	status := api.StatusResponse{
		Running:   d.running.Load(),
		PID:       os.Getpid(),
		LockPath:  d.lockPath,
		Queue:     d.parts.Ledger.Summary(),
		QueuedIDs: d.parts.Ledger.QueuedIDs(),
		Engines:   d.parts.Pool.Statuses(),
		LastEvent: d.parts.Hub.Latest(),
	}
	if d.parts.Metrics != nil {
		status.Metrics = d.parts.Metrics.Snapshot()
	}
	if d.parts.History != nil {
		status.HistoryPath = d.cfg.HistoryPath()
		stats, err := d.parts.History.Stats(ctx)
		if err != nil {
			logging.WarnWithContext(d.logger, "history stats unavailable", "history_stats_failed", logging.Error(err))
		} else {
			status.History = stats
		}
	}
	status.StageHealth = d.StageHealth(ctx)
	return status
}

// StageHealth runs every stage health check once, ordered by stage name.
func (d *Daemon) StageHealth(ctx context.Context) []api.StageHealth {
	checkCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	seen := make(map[string]bool)
	var out []api.StageHealth
	for _, kind := range []job.Kind{job.KindIngest, job.KindVectorCompute} {
		for _, handler := range d.parts.Plans[kind] {
			if handler == nil || seen[handler.Name()] {
				continue
			}
			seen[handler.Name()] = true
			checker, ok := handler.(stage.HealthChecker)
			if !ok {
				out = append(out, api.StageHealth{Name: handler.Name(), Ready: true})
				continue
			}
			health := checker.HealthCheck(checkCtx)
			out = append(out, api.StageHealth{Name: handler.Name(), Ready: health.Ready, Detail: health.Detail})
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (d *Daemon) archived(ctx context.Context, id string) (*job.Job, error) {
	if d.parts.History == nil {
		return nil, ledger.ErrNotFound
	}
	j, err := d.parts.History.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ledger.ErrNotFound
	}
	return j, nil
}

// Plans returns the stage plans the daemon runs, keyed by job kind.
func (d *Daemon) Plans() map[job.Kind][]stage.Handler {
	return d.parts.Plans
}

func (d *Daemon) pruneHistory(ctx context.Context) {
	retention := d.cfg.HistoryRetention()
	if retention <= 0 || d.parts.History == nil {
		return
	}
	removed, err := d.parts.History.Prune(ctx, d.now().Add(-retention))
	if err != nil {
		logging.WarnWithContext(d.logger, "history prune failed", "history_prune_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "old jobs stay in history until the next start"),
		)
		return
	}
	if removed > 0 {
		d.logger.Info("pruned finished jobs from history",
			logging.String(logging.FieldEventType, "history_pruned"),
			logging.Int64("count", removed),
			logging.Duration("retention", retention),
		)
	}
}

func (d *Daemon) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(d.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		moved, err := d.parts.Drainer.Drain(ctx, drainBatch)
		if moved > 0 {
			d.logger.Info("fallback jobs republished to broker",
				logging.String(logging.FieldEventType, "transport_drained"),
				logging.Int("count", moved),
			)
		}
		if err != nil && ctx.Err() == nil {
			logging.WarnWithContext(d.logger, "fallback drain stopped early", "transport_drain_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check broker connectivity"),
				logging.String(logging.FieldImpact, "jobs stay parked on the fallback list"),
			)
		}
	}
}

func matchesFilter(j *job.Job, filter history.Filter) bool {
	if owner := strings.TrimSpace(filter.OwnerID); owner != "" && j.Payload.Metadata.OwnerID != owner {
		return false
	}
	if len(filter.States) == 0 {
		return true
	}
	for _, state := range filter.States {
		if j.State == state {
			return true
		}
	}
	return false
}

func completedAt(j *job.Job) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.CreatedAt
}
