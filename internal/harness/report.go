package harness

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidesync/tidesync/internal/model"
)

// Report is the outcome of one scenario run. It marshals deterministically
// (fixed ids, seeded timestamps, key-ordered rows), which is what the golden
// comparison relies on.
type Report struct {
	Scenario  string          `json:"scenario"`
	Steps     []StepReport    `json:"steps"`
	Conflicts []ConflictState `json:"conflicts,omitempty"`
	Source    []model.Record  `json:"source"`
	Target    []model.Record  `json:"target"`
	Failures  []string        `json:"failures,omitempty"`
}

// Passed reports whether every expectation held.
func (r *Report) Passed() bool { return len(r.Failures) == 0 }

// StepReport is one executed step. Job is set for sync and resume steps.
type StepReport struct {
	Step string     `json:"step"`
	Job  *JobReport `json:"job,omitempty"`
}

// JobReport is the terminal job state a sync or resume step observed.
type JobReport struct {
	ID         string           `json:"id"`
	Status     string           `json:"status"`
	Counters   model.Counters   `json:"counters"`
	Checkpoint model.Checkpoint `json:"checkpoint"`
	FatalError string           `json:"fatal_error,omitempty"`
}

// ConflictState is one persisted conflict at the end of the run.
type ConflictState struct {
	ID        string   `json:"id"`
	RecordKey string   `json:"record_key"`
	Status    string   `json:"status"`
	Fields    []string `json:"fields"`
}

func jobReport(job model.SyncJob) *JobReport {
	return &JobReport{
		ID:         job.ID,
		Status:     job.Status,
		Counters:   job.Counters,
		Checkpoint: job.Checkpoint,
		FatalError: job.FatalError,
	}
}

// MarshalIndent renders the report for golden files and the CLI, with a
// trailing newline.
func (r *Report) MarshalIndent() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (r *Report) addFailure(format string, args ...any) {
	r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
}

// checkJob evaluates a step-level expect clause against the job the step
// observed.
func checkJob(report *Report, sr StepReport, want *JobExpect) {
	if sr.Job == nil {
		report.addFailure("%s: expect clause on a step that runs no job", sr.Step)
		return
	}
	got := sr.Job
	if want.Status != "" && got.Status != want.Status {
		report.addFailure("%s: job %s status = %q, want %q", sr.Step, got.ID, got.Status, want.Status)
	}
	if want.FatalContains != "" && !strings.Contains(got.FatalError, want.FatalContains) {
		report.addFailure("%s: job %s fatal error %q does not contain %q", sr.Step, got.ID, got.FatalError, want.FatalContains)
	}
	if want.CheckpointKey != "" && got.Checkpoint.AfterKey != want.CheckpointKey {
		report.addFailure("%s: job %s checkpoint key = %q, want %q", sr.Step, got.ID, got.Checkpoint.AfterKey, want.CheckpointKey)
	}
	names := make([]string, 0, len(want.Counters))
	for name := range want.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		wantN := want.Counters[name]
		gotN, ok := counterByName(got.Counters, name)
		if !ok {
			report.addFailure("%s: unknown counter %q in expect clause", sr.Step, name)
			continue
		}
		if gotN != wantN {
			report.addFailure("%s: counter %s = %d, want %d", sr.Step, name, gotN, wantN)
		}
	}
}

func counterByName(c model.Counters, name string) (int64, bool) {
	switch name {
	case "read":
		return c.Read, true
	case "written":
		return c.Written, true
	case "unchanged":
		return c.Unchanged, true
	case "skipped":
		return c.Skipped, true
	case "conflicted":
		return c.Conflicted, true
	case "errored":
		return c.Errored, true
	}
	return 0, false
}

// checkFinal evaluates the scenario's end-state expectations.
func (r *runner) checkFinal(report *Report) {
	want := r.sc.Expect
	if want == nil {
		return
	}

	if want.Source != nil {
		r.checkRows(report, "source", want.Source, report.Source)
	}
	if want.Target != nil {
		r.checkRows(report, "target", want.Target, report.Target)
	}
	if want.Conflicts != nil {
		checkConflicts(report, want.Conflicts, report.Conflicts)
	}
}

// checkRows compares a side's final rows against the expected list. Rows
// must match exactly, in key order.
func (r *runner) checkRows(report *Report, side string, want []Row, got []model.Record) {
	if len(got) != len(want) {
		report.addFailure("%s: %d rows, want %d", side, len(got), len(want))
		return
	}
	for i, row := range want {
		rec, err := r.sc.convertRow(row)
		if err != nil {
			report.addFailure("%s row %d: %v", side, i, err)
			continue
		}
		if !recordsEqual(got[i], rec) {
			report.addFailure("%s row %d: got %s, want %s", side, i, renderRecord(got[i]), renderRecord(rec))
		}
	}
}

func checkConflicts(report *Report, want []ConflictExpect, got []ConflictState) {
	if len(got) != len(want) {
		report.addFailure("conflicts: %d, want %d", len(got), len(want))
		return
	}
	for i, w := range want {
		g := got[i]
		if g.RecordKey != w.RecordKey {
			report.addFailure("conflicts[%d]: record key %q, want %q", i, g.RecordKey, w.RecordKey)
		}
		if g.Status != w.Status {
			report.addFailure("conflicts[%d]: status %q, want %q", i, g.Status, w.Status)
		}
		if w.Fields != nil && !stringsEqual(g.Fields, w.Fields) {
			report.addFailure("conflicts[%d]: fields %v, want %v", i, g.Fields, w.Fields)
		}
	}
}

// recordsEqual compares two records through their JSON rendering, which
// already canonicalizes timestamps and key order.
func recordsEqual(a, b model.Record) bool {
	return renderRecord(a) == renderRecord(b)
}

func renderRecord(rec model.Record) string {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Sprintf("%v", rec)
	}
	return string(data)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
