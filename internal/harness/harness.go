// Package harness runs declarative sync scenarios: YAML files that seed two
// fake datasources, script a sequence of syncs, edits and injected connector
// failures, and state expectations over jobs, conflicts and the final table
// contents.
//
// Scenarios run the real engine end to end. Only the edges are substituted:
// connectors are in-memory fakes with scriptable failures, the store is a
// fresh in-memory SQLite database, and the clock and id generator are fixed
// so run reports are stable enough for golden comparison.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/tidesync/tidesync/internal/connector"
	"github.com/tidesync/tidesync/internal/engine"
	"github.com/tidesync/tidesync/internal/model"
	"github.com/tidesync/tidesync/internal/store"
	"github.com/tidesync/tidesync/internal/testutil"
)

// terminalWait bounds how long a step waits for its job to finish. Fakes
// never block, so hitting this means the engine wedged.
const terminalWait = 10 * time.Second

// runner holds the wiring for one scenario execution.
type runner struct {
	sc  *Scenario
	st  *store.Store
	eng *engine.Engine
	src *testutil.FakeConnector
	tgt *testutil.FakeConnector

	configID  string
	lastJobID string
}

// Run executes a scenario against a fresh in-memory store and returns its
// report. The error covers harness problems (bad scenario, store failures);
// expectation mismatches land in Report.Failures instead.
func Run(ctx context.Context, sc *Scenario) (*Report, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("harness store: %w", err)
	}
	defer st.Close()

	r := &runner{
		sc:  sc,
		st:  st,
		src: testutil.NewFakeConnector(),
		tgt: testutil.NewFakeConnector(),
	}
	if err := r.seed(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.eng = engine.New(st,
		engine.WithPoolSize(1),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithClock(testutil.NewClock().Now),
		engine.WithIDGenerator(testutil.NewFixedIDs("id")),
		engine.WithSleeper(func(context.Context, time.Duration) error { return nil }),
		engine.WithOpener(func(ds model.Datasource) (connector.Connector, error) {
			switch ds.ID {
			case "harness-src":
				return r.src, nil
			case "harness-tgt":
				return r.tgt, nil
			}
			return nil, &connector.Error{Kind: connector.KindConnection, Err: fmt.Errorf("unknown datasource %q", ds.ID)}
		}),
	)
	r.eng.Start(runCtx)
	defer func() {
		cancel()
		r.eng.Wait()
	}()

	report := &Report{Scenario: sc.Name}
	for i, step := range sc.Steps {
		sr, err := r.runStep(ctx, i, step, report)
		if err != nil {
			return nil, err
		}
		report.Steps = append(report.Steps, sr)
	}

	if err := r.finishReport(ctx, report); err != nil {
		return nil, err
	}
	r.checkFinal(report)
	return report, nil
}

// seed creates the datasources, views and config the scenario runs under,
// and loads the initial rows into the fakes.
func (r *runner) seed(ctx context.Context) error {
	sc := r.sc
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Both sides exist even when seeded empty, so an initial sync sees an
	// empty table instead of a missing one.
	r.src.Seed(sc.Table, sc.KeyColumn)
	r.tgt.Seed(sc.Table, sc.KeyColumn)
	for _, row := range sc.Source {
		rec, err := sc.convertRow(row)
		if err != nil {
			return fmt.Errorf("source row: %w", err)
		}
		r.src.Seed(sc.Table, sc.KeyColumn, rec)
	}
	for _, row := range sc.Target {
		rec, err := sc.convertRow(row)
		if err != nil {
			return fmt.Errorf("target row: %w", err)
		}
		r.tgt.Seed(sc.Table, sc.KeyColumn, rec)
	}

	for _, ds := range []model.Datasource{
		{ID: "harness-src", Name: "harness_source", Driver: model.DriverSQLite, DSN: "harness://source", CreatedAt: now, UpdatedAt: now},
		{ID: "harness-tgt", Name: "harness_target", Driver: model.DriverSQLite, DSN: "harness://target", CreatedAt: now, UpdatedAt: now},
	} {
		if err := r.st.UpsertDatasource(ctx, ds); err != nil {
			return err
		}
	}
	for _, v := range []model.DatasourceView{
		{ID: "view-src", DatasourceID: "harness-src", Name: "harness_source_view",
			Table: sc.Table, KeyColumn: sc.KeyColumn, Columns: sc.Columns,
			ModifiedColumn: sc.ModifiedColumn, Version: 1, CreatedAt: now},
		{ID: "view-tgt", DatasourceID: "harness-tgt", Name: "harness_target_view",
			Table: sc.Table, KeyColumn: sc.KeyColumn, Columns: sc.Columns,
			ModifiedColumn: sc.ModifiedColumn, Version: 1, CreatedAt: now},
	} {
		if err := r.st.CreateView(ctx, v); err != nil {
			return err
		}
	}

	mappings := make([]model.FieldMapping, len(sc.Columns))
	for i, col := range sc.Columns {
		mappings[i] = model.FieldMapping{SourceColumn: col, TargetColumn: col}
	}
	id, err := r.st.UpsertSyncConfig(ctx, model.SyncConfig{
		ID:           "harness-cfg",
		Name:         sc.Name,
		SourceViewID: "view-src",
		TargetViewID: "view-tgt",
		Direction:    sc.Config.Direction,
		Policy:       sc.Config.Policy,
		TieBreak:     sc.Config.TieBreak,
		PageSize:     sc.Config.PageSize,
		Mappings:     mappings,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return err
	}
	r.configID = id
	return nil
}

func (r *runner) runStep(ctx context.Context, i int, step Step, report *Report) (StepReport, error) {
	sr := StepReport{Step: describeStep(step)}

	switch step.Do {
	case StepSync:
		jobID, err := r.eng.TriggerSync(ctx, r.configID)
		if err != nil {
			return sr, fmt.Errorf("steps[%d]: trigger: %w", i, err)
		}
		r.lastJobID = jobID
		job, err := r.waitTerminal(ctx, jobID)
		if err != nil {
			return sr, fmt.Errorf("steps[%d]: %w", i, err)
		}
		sr.Job = jobReport(job)

	case StepResume:
		if r.lastJobID == "" {
			return sr, fmt.Errorf("steps[%d]: resume before any sync", i)
		}
		if err := r.eng.ResumeJob(ctx, r.lastJobID); err != nil {
			return sr, fmt.Errorf("steps[%d]: resume: %w", i, err)
		}
		job, err := r.waitTerminal(ctx, r.lastJobID)
		if err != nil {
			return sr, fmt.Errorf("steps[%d]: %w", i, err)
		}
		sr.Job = jobReport(job)

	case StepEdit:
		rec, err := r.sc.convertRow(step.Row)
		if err != nil {
			return sr, fmt.Errorf("steps[%d]: %w", i, err)
		}
		r.side(step.Side).Seed(r.sc.Table, r.sc.KeyColumn, rec)

	case StepDelete:
		key, err := convertValue(step.Key, false)
		if err != nil {
			return sr, fmt.Errorf("steps[%d]: key: %w", i, err)
		}
		r.side(step.Side).Delete(r.sc.Table, key)

	case StepFail:
		conn := r.side(step.Side)
		for n := 0; n < step.SucceedFirst; n++ {
			conn.FailNext(step.Op, nil)
		}
		msg := step.Message
		if msg == "" {
			msg = step.Kind + " injected"
		}
		conn.FailNext(step.Op, &connector.Error{
			Kind:      step.Kind,
			Retryable: step.Retryable,
			RecordKey: step.RecordKey,
			Err:       errors.New(msg),
		})
	}

	if step.Expect != nil {
		checkJob(report, sr, step.Expect)
	}
	return sr, nil
}

func (r *runner) side(name string) *testutil.FakeConnector {
	if name == sideSource {
		return r.src
	}
	return r.tgt
}

// waitTerminal polls the job row until the run lands on a terminal status.
func (r *runner) waitTerminal(ctx context.Context, jobID string) (model.SyncJob, error) {
	deadline := time.Now().Add(terminalWait)
	for {
		job, err := r.eng.GetJobStatus(ctx, jobID)
		if err != nil {
			return model.SyncJob{}, err
		}
		if model.TerminalJobStatus(job.Status) {
			return job, nil
		}
		if time.Now().After(deadline) {
			return model.SyncJob{}, fmt.Errorf("job %s still %s after %v", jobID, job.Status, terminalWait)
		}
		select {
		case <-ctx.Done():
			return model.SyncJob{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// finishReport captures the end state: conflicts for the config and both
// tables' rows in key order.
func (r *runner) finishReport(ctx context.Context, report *Report) error {
	conflicts, err := r.st.ListConflicts(ctx, r.configID, "", "")
	if err != nil {
		return err
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].RecordKey < conflicts[j].RecordKey })
	for _, c := range conflicts {
		report.Conflicts = append(report.Conflicts, ConflictState{
			ID:        c.ID,
			RecordKey: c.RecordKey,
			Status:    c.Status,
			Fields:    c.Fields,
		})
	}

	report.Source = r.src.Rows(r.sc.Table)
	report.Target = r.tgt.Rows(r.sc.Table)
	return nil
}
