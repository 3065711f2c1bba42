package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tidesync/tidesync/internal/connector"
	"github.com/tidesync/tidesync/internal/model"
	"github.com/tidesync/tidesync/internal/store"
)

// Defaults for engine tunables; every one has a With* option.
const (
	DefaultPoolSize     = 4
	DefaultPageQuota    = 100000
	DefaultMaxJobErrors = 100
)

// IDGenerator mints job and conflict ids. Implemented by UUIDv7Generator
// (production) and testutil.FixedIDs (tests).
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator produces time-ordered UUIDs, so id order follows
// creation order in listings.
type UUIDv7Generator struct{}

// NewID returns a fresh UUIDv7, falling back to v4 if the monotonic
// randomness source fails.
func (UUIDv7Generator) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Notifier receives terminal-state notifications. Delivery is the
// notifier's problem; the engine never blocks on it.
type Notifier interface {
	JobFinished(job model.SyncJob)
}

// Engine is the public surface of the sync system: it triggers, resumes,
// cancels and inspects jobs, and owns the worker pool that runs them.
//
// At most one active job per SyncConfig, enforced by a store lease acquired
// before the job row exists and released on its terminal state. Different
// configs run in parallel on the pool.
type Engine struct {
	store   *store.Store
	schemas *SchemaCache
	exec    *executor
	pool    *workerPool
	log     *slog.Logger

	now  func() time.Time
	ids  IDGenerator
	open func(model.Datasource) (connector.Connector, error)

	poolSize int
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger sets the engine's logger; nil selects slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithClock injects the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator injects the id source, for deterministic tests.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithOpener replaces how datasource connectors are opened. Tests use this
// to substitute fake connectors for real databases.
func WithOpener(open func(model.Datasource) (connector.Connector, error)) Option {
	return func(e *Engine) { e.open = open }
}

// WithNotifier sets the terminal-state sink (webhooks).
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.exec.notify = n }
}

// WithPoolSize sets how many jobs run concurrently.
func WithPoolSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.poolSize = n
		}
	}
}

// WithPageQuota caps pages per run as a runaway guard.
func WithPageQuota(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.exec.pageQuota = n
		}
	}
}

// WithMaxJobErrors bounds the per-job stored error list; overflow is
// counted, not stored.
func WithMaxJobErrors(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.exec.maxJobErrors = n
		}
	}
}

// WithSchemaTTL sets how long cached table shapes are served without a
// refresh.
func WithSchemaTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.schemas.ttl = ttl
		}
	}
}

// WithSleeper replaces the backoff sleep, so retry tests run instantly.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.exec.sleep = sleep }
}

// New builds an Engine over the store. Start must be called before
// triggered jobs execute.
func New(st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		log:      slog.Default(),
		now:      time.Now,
		ids:      UUIDv7Generator{},
		open:     connector.Open,
		poolSize: DefaultPoolSize,
	}
	e.schemas = NewSchemaCache(st, DefaultSchemaTTL, e.log)
	e.exec = &executor{
		store:        st,
		schemas:      e.schemas,
		log:          e.log,
		sleep:        sleepCtx,
		pageQuota:    DefaultPageQuota,
		maxJobErrors: DefaultMaxJobErrors,
	}
	for _, opt := range opts {
		opt(e)
	}
	// Late binding: options may have replaced the logger, clock, ids or
	// opener after the executor was built.
	e.schemas.log = e.log
	e.schemas.now = e.now
	e.exec.log = e.log
	e.exec.now = e.now
	e.exec.newID = e.ids.NewID
	e.exec.open = e.open
	e.pool = newWorkerPool(e.poolSize, e.exec.runJob, e.log)
	return e
}

// Start launches the worker pool. Workers run until ctx ends and Wait
// returns; jobs in flight at shutdown stay resumable.
func (e *Engine) Start(ctx context.Context) {
	e.pool.Start(ctx)
}

// Wait blocks until all workers have drained after Start's context ended.
func (e *Engine) Wait() {
	e.pool.Wait()
}

// SchemaCache exposes the shared cache for inspection commands.
func (e *Engine) SchemaCache() *SchemaCache {
	return e.schemas
}

// TriggerSync starts one run of a config. The config's lease is claimed
// under the new job's id before any row exists; a held lease returns
// ErrAlreadyRunning wrapped with the holder's job id.
func (e *Engine) TriggerSync(ctx context.Context, configID string) (string, error) {
	cfg, err := e.store.GetSyncConfig(ctx, configID)
	if err != nil {
		return "", fmt.Errorf("trigger sync: %w", err)
	}

	jobID := e.ids.NewID()
	now := e.now()
	acquired, holder, err := e.store.AcquireLease(ctx, model.Lease{
		ConfigID:   cfg.ID,
		JobID:      jobID,
		AcquiredAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("trigger sync: %w", err)
	}
	if !acquired {
		return "", fmt.Errorf("config %q held by job %q: %w", cfg.ID, holder.JobID, ErrAlreadyRunning)
	}

	job := model.SyncJob{
		ID:        jobID,
		ConfigID:  cfg.ID,
		Status:    model.JobPending,
		StartedAt: now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		e.releaseQuietly(ctx, cfg.ID, jobID)
		return "", fmt.Errorf("trigger sync: %w", err)
	}
	if !e.pool.Submit(jobID) {
		e.releaseQuietly(ctx, cfg.ID, jobID)
		return "", fmt.Errorf("trigger sync: worker pool is shut down")
	}
	e.log.Info("sync triggered", "config", cfg.ID, "job", jobID)
	return jobID, nil
}

// ResumeJob re-arms a stopped job and continues it from its checkpoint.
// Jobs that finished successfully are not resumable.
func (e *Engine) ResumeJob(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("resume job: %w", err)
	}
	switch job.Status {
	case model.JobSucceeded, model.JobPartialSuccess:
		return fmt.Errorf("job %q ended %s: %w", jobID, job.Status, ErrJobNotResumable)
	}

	acquired, holder, err := e.store.AcquireLease(ctx, model.Lease{
		ConfigID:   job.ConfigID,
		JobID:      jobID,
		AcquiredAt: e.now(),
	})
	if err != nil {
		return fmt.Errorf("resume job: %w", err)
	}
	// A lease left over from the interrupted run of this same job is ours.
	if !acquired && holder.JobID != jobID {
		return fmt.Errorf("config %q held by job %q: %w", job.ConfigID, holder.JobID, ErrAlreadyRunning)
	}

	ok, err := e.store.MarkJobResumed(ctx, jobID)
	if err != nil {
		e.releaseQuietly(ctx, job.ConfigID, jobID)
		return fmt.Errorf("resume job: %w", err)
	}
	if !ok {
		e.releaseQuietly(ctx, job.ConfigID, jobID)
		return fmt.Errorf("job %q: %w", jobID, ErrJobNotResumable)
	}
	if !e.pool.Submit(jobID) {
		e.releaseQuietly(ctx, job.ConfigID, jobID)
		return fmt.Errorf("resume job: worker pool is shut down")
	}
	e.log.Info("sync resumed", "config", job.ConfigID, "job", jobID,
		"leg", checkpointLeg(job.Checkpoint), "after_key", job.Checkpoint.AfterKey)
	return nil
}

// CancelJob requests cooperative cancellation; the run stops at its next
// page boundary. Flagging an already-terminal job is a no-op.
func (e *Engine) CancelJob(ctx context.Context, jobID string) error {
	set, err := e.store.RequestCancel(ctx, jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if set {
		e.log.Info("cancel requested", "job", jobID)
	}
	return nil
}

// GetJobStatus returns the job with its counters and stored error list.
func (e *Engine) GetJobStatus(ctx context.Context, jobID string) (model.SyncJob, error) {
	return e.store.GetJob(ctx, jobID)
}

// ListConflicts returns a job's conflicts, optionally filtered by status.
func (e *Engine) ListConflicts(ctx context.Context, jobID, status string) ([]model.Conflict, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return e.store.ListConflicts(ctx, job.ConfigID, jobID, status)
}

// RecoverInterrupted scans for jobs left pending or running by a previous
// process and logs them; they stay resumable via ResumeJob. Called on
// serve startup.
func (e *Engine) RecoverInterrupted(ctx context.Context) ([]model.SyncJob, error) {
	jobs, err := e.store.FindInterruptedJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover interrupted: %w", err)
	}
	for _, j := range jobs {
		e.log.Warn("job interrupted by previous shutdown, resumable",
			"job", j.ID, "config", j.ConfigID, "status", j.Status,
			"leg", checkpointLeg(j.Checkpoint), "after_key", j.Checkpoint.AfterKey)
	}
	return jobs, nil
}

func (e *Engine) releaseQuietly(ctx context.Context, configID, jobID string) {
	if err := e.store.ReleaseLease(ctx, configID, jobID); err != nil {
		e.log.Warn("cannot release lease", "config", configID, "job", jobID, "error", err)
	}
}
