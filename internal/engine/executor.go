package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidesync/tidesync/internal/connector"
	"github.com/tidesync/tidesync/internal/model"
	"github.com/tidesync/tidesync/internal/store"
)

// errCancelled signals that a cancel request was observed at a page
// boundary. The job transitions to Cancelled, not Failed.
var errCancelled = errors.New("cancel requested")

// executor runs one job at a time. Workers share a single executor; all of
// its state is either immutable after New or internally synchronized.
type executor struct {
	store   *store.Store
	schemas *SchemaCache
	log     *slog.Logger

	now   func() time.Time
	newID func() string
	open  func(model.Datasource) (connector.Connector, error)
	sleep func(context.Context, time.Duration) error

	pageQuota    int
	maxJobErrors int

	notify Notifier
}

// leg is one direction of a run: read one side, write the other. One-way
// configs have a single forward leg; two-way configs run forward then
// reverse over the same baseline fingerprints.
type leg struct {
	name string // model.LegForward or model.LegReverse

	readConn connector.Connector
	readView model.DatasourceView
	readDS   model.Datasource

	writeConn connector.Connector
	writeView model.DatasourceView
	writeDS   model.Datasource

	// plan shapes the records written on this leg (the forward mapping
	// plan, or the reversed one on the reverse leg).
	plan *Plan

	// forward is the forward-direction plan. Fingerprints are always
	// computed over its target columns, whichever leg is running, so both
	// legs of a two-way config read and advance the same baselines.
	forward *Plan

	// flip marks the reverse leg: conflict policy, tie-break, and
	// persisted conflict snapshots swap sides so that "source" always
	// means the config's source datasource.
	flip bool

	// policy and tieBreak are pre-translated into reading/writing terms
	// for this leg ("source" = the side being read).
	policy   string
	tieBreak string
}

// canonicalOwn puts the record this leg read into the canonical
// (forward-target) column space. On the forward leg the mapped write record
// already is canonical; on the reverse leg the record was read FROM the
// target and only needs projecting.
func (l *leg) canonicalOwn(readRec, writeRec model.Record) model.Record {
	if l.flip {
		return readRec.Project(l.forward.Columns())
	}
	return writeRec
}

// canonicalPeer puts the writing side's current row into canonical space.
// On the reverse leg the writing side is the source, so the row runs
// through the forward plan; canonSchema is the config target's schema.
func (l *leg) canonicalPeer(cur model.Record, canonSchema model.TableSchema) model.Record {
	if l.flip {
		mapped, _ := l.forward.Map(cur, canonSchema)
		return mapped
	}
	return cur.Project(l.forward.Columns())
}

// runJob drives one job from its current checkpoint to a terminal status.
// It never returns an error to the worker: every outcome is recorded on
// the job row, except a context cancellation (process shutdown), which
// leaves the job resumable.
func (e *executor) runJob(ctx context.Context, jobID string) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.log.Error("job vanished before start", "job", jobID, "error", err)
		return
	}
	log := e.log.With("job", job.ID, "config", job.ConfigID)

	cfg, legs, closeConns, err := e.prepare(ctx, job)
	if err != nil {
		e.finishJob(ctx, log, &job, cfg, err)
		return
	}
	defer closeConns()

	if err := e.store.SetJobStatus(ctx, job.ID, model.JobRunning, "", e.now()); err != nil {
		log.Error("cannot mark job running", "error", err)
		e.releaseLease(ctx, log, job)
		return
	}
	job.Status = model.JobRunning
	log.Info("sync started",
		"direction", cfg.Direction,
		"leg", checkpointLeg(job.Checkpoint),
		"after_key", job.Checkpoint.AfterKey)

	for i, l := range legs {
		if skipLeg(job.Checkpoint, l.name) {
			continue
		}
		if err := e.runLeg(ctx, log, &job, cfg, l); err != nil {
			e.finishJob(ctx, log, &job, cfg, err)
			return
		}
		// Leg finished: move the checkpoint to the next leg's start, or
		// fall through to the terminal transition after the last one.
		if i+1 < len(legs) {
			cp := model.Checkpoint{Leg: legs[i+1].name}
			if err := e.commitCheckpoint(ctx, &job, cp); err != nil {
				e.finishJob(ctx, log, &job, cfg, err)
				return
			}
			log.Info("leg finished", "leg", l.name, "next", legs[i+1].name)
		}
	}

	e.finishJob(ctx, log, &job, cfg, nil)
}

// prepare loads the config graph, opens both connectors and compiles the
// mapping plans. The returned cleanup closes the connectors; it is non-nil
// even on error.
func (e *executor) prepare(ctx context.Context, job model.SyncJob) (model.SyncConfig, []*leg, func(), error) {
	noop := func() {}

	cfg, err := e.store.GetSyncConfig(ctx, job.ConfigID)
	if err != nil {
		return cfg, nil, noop, &RunError{Code: RunErrBadConfig, JobID: job.ID, ConfigID: job.ConfigID, Err: err}
	}
	srcView, err := e.store.GetView(ctx, cfg.SourceViewID)
	if err != nil {
		return cfg, nil, noop, &RunError{Code: RunErrBadConfig, JobID: job.ID, ConfigID: cfg.ID, Err: fmt.Errorf("source view: %w", err)}
	}
	tgtView, err := e.store.GetView(ctx, cfg.TargetViewID)
	if err != nil {
		return cfg, nil, noop, &RunError{Code: RunErrBadConfig, JobID: job.ID, ConfigID: cfg.ID, Err: fmt.Errorf("target view: %w", err)}
	}
	srcDS, err := e.store.GetDatasource(ctx, srcView.DatasourceID)
	if err != nil {
		return cfg, nil, noop, &RunError{Code: RunErrBadConfig, JobID: job.ID, ConfigID: cfg.ID, Err: fmt.Errorf("source datasource: %w", err)}
	}
	tgtDS, err := e.store.GetDatasource(ctx, tgtView.DatasourceID)
	if err != nil {
		return cfg, nil, noop, &RunError{Code: RunErrBadConfig, JobID: job.ID, ConfigID: cfg.ID, Err: fmt.Errorf("target datasource: %w", err)}
	}

	forward, err := CompilePlan(cfg.Mappings, tgtView)
	if err != nil {
		return cfg, nil, noop, &RunError{Code: RunErrBadConfig, JobID: job.ID, ConfigID: cfg.ID, Err: err}
	}
	var reverse *Plan
	if cfg.Direction == model.DirectionTwoWay {
		reverse, err = CompilePlan(reverseMappings(cfg), srcView)
		if err != nil {
			return cfg, nil, noop, &RunError{Code: RunErrBadConfig, JobID: job.ID, ConfigID: cfg.ID, Err: fmt.Errorf("reverse plan: %w", err)}
		}
	}

	srcConn, err := e.open(srcDS)
	if err != nil {
		return cfg, nil, noop, &RunError{Code: fatalCode(err, RunErrConnection), JobID: job.ID, ConfigID: cfg.ID, Err: fmt.Errorf("open source %q: %w", srcDS.Name, err)}
	}
	tgtConn, err := e.open(tgtDS)
	if err != nil {
		srcConn.Close()
		return cfg, nil, noop, &RunError{Code: fatalCode(err, RunErrConnection), JobID: job.ID, ConfigID: cfg.ID, Err: fmt.Errorf("open target %q: %w", tgtDS.Name, err)}
	}
	closeConns := func() {
		srcConn.Close()
		tgtConn.Close()
	}

	legs := []*leg{{
		name:     model.LegForward,
		readConn: srcConn, readView: srcView, readDS: srcDS,
		writeConn: tgtConn, writeView: tgtView, writeDS: tgtDS,
		plan: forward, forward: forward,
		policy: cfg.Policy, tieBreak: cfg.TieBreakOrDefault(),
	}}
	if cfg.Direction == model.DirectionTwoWay {
		legs = append(legs, &leg{
			name:     model.LegReverse,
			readConn: tgtConn, readView: tgtView, readDS: tgtDS,
			writeConn: srcConn, writeView: srcView, writeDS: srcDS,
			plan: reverse, forward: forward,
			flip:   true,
			policy: flipPolicy(cfg.Policy), tieBreak: flipSide(cfg.TieBreakOrDefault()),
		})
	}
	return cfg, legs, closeConns, nil
}

// finishJob records the terminal status for a run. A nil cause means the
// legs all completed: Succeeded, or PartialSuccess when any record was
// skipped or errored. A context error leaves the job running and the row
// untouched so a later resume picks up from the checkpoint.
func (e *executor) finishJob(ctx context.Context, log *slog.Logger, job *model.SyncJob, cfg model.SyncConfig, cause error) {
	switch {
	case cause == nil:
		status := model.JobSucceeded
		if job.Counters.Skipped > 0 || job.Counters.Errored > 0 {
			status = model.JobPartialSuccess
		}
		e.setTerminal(ctx, log, job, status, "")

	case errors.Is(cause, errCancelled):
		log.Info("sync cancelled at page boundary")
		e.setTerminal(ctx, log, job, model.JobCancelled, "")

	case ctx.Err() != nil:
		// Process shutdown. The job stays `running` and resumes later;
		// only the lease is returned.
		log.Warn("sync interrupted, job left resumable", "error", cause)
		e.releaseLease(context.WithoutCancel(ctx), log, *job)
		return

	default:
		log.Error("sync failed", "error", cause)
		e.setTerminal(ctx, log, job, model.JobFailed, fatalMessage(cause))
	}
}

func (e *executor) setTerminal(ctx context.Context, log *slog.Logger, job *model.SyncJob, status, fatal string) {
	now := e.now()
	if err := e.store.SetJobStatus(ctx, job.ID, status, fatal, now); err != nil {
		log.Error("cannot record terminal status", "status", status, "error", err)
	}
	job.Status = status
	job.FatalError = fatal
	job.FinishedAt = &now
	e.releaseLease(ctx, log, *job)
	log.Info("sync finished",
		"status", status,
		"read", job.Counters.Read,
		"written", job.Counters.Written,
		"unchanged", job.Counters.Unchanged,
		"skipped", job.Counters.Skipped,
		"conflicted", job.Counters.Conflicted,
		"errored", job.Counters.Errored)
	if e.notify != nil {
		e.notify.JobFinished(*job)
	}
}

func (e *executor) releaseLease(ctx context.Context, log *slog.Logger, job model.SyncJob) {
	if err := e.store.ReleaseLease(ctx, job.ConfigID, job.ID); err != nil {
		log.Warn("cannot release lease", "error", err)
	}
}

// commitCheckpoint advances the checkpoint with no counter movement, used
// for the forward-to-reverse leg transition.
func (e *executor) commitCheckpoint(ctx context.Context, job *model.SyncJob, cp model.Checkpoint) error {
	_, err := e.store.CommitPage(ctx, store.PageCommit{
		JobID:      job.ID,
		ConfigID:   job.ConfigID,
		Checkpoint: cp,
		At:         e.now(),
	})
	if err != nil {
		return &RunError{Code: RunErrStore, JobID: job.ID, ConfigID: job.ConfigID, Err: err}
	}
	job.Checkpoint = cp
	return nil
}

// fatalMessage renders a run failure for the job row's fatal_error column.
func fatalMessage(err error) string {
	var re *RunError
	if errors.As(err, &re) {
		return fmt.Sprintf("%s: %v", re.Code, re.Err)
	}
	return err.Error()
}

func checkpointLeg(cp model.Checkpoint) string {
	if cp.Leg == "" {
		return model.LegForward
	}
	return cp.Leg
}

// skipLeg reports whether the checkpoint says this leg already completed.
func skipLeg(cp model.Checkpoint, name string) bool {
	return checkpointLeg(cp) == model.LegReverse && name == model.LegForward
}

// flipPolicy translates a config-level policy into reading/writing terms
// for the reverse leg, where the config's source is the side being written.
func flipPolicy(policy string) string {
	switch policy {
	case model.PolicySourceWins:
		return model.PolicyTargetWins
	case model.PolicyTargetWins:
		return model.PolicySourceWins
	}
	return policy
}

func flipSide(side string) string {
	if side == model.TieBreakSource {
		return model.TieBreakTarget
	}
	return model.TieBreakSource
}
