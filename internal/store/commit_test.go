package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tidesync/tidesync/internal/model"
)

func TestCommitPage_AdvancesCheckpointAndCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)
	seedJob(t, s, cfgID, "job-1")

	first := PageCommit{
		JobID:      "job-1",
		ConfigID:   cfgID,
		Checkpoint: model.Checkpoint{Leg: model.LegForward, AfterKey: `100`},
		Delta:      model.Counters{Read: 100, Written: 80, Unchanged: 20},
		Fingerprints: []BaselineFingerprint{
			{RecordKey: `1`, Fingerprint: "fp-1", JobID: "job-1", UpdatedAt: testNow},
			{RecordKey: `2`, Fingerprint: "fp-2", JobID: "job-1", UpdatedAt: testNow},
		},
		At: testNow,
	}
	if _, err := s.CommitPage(ctx, first); err != nil {
		t.Fatalf("first CommitPage() failed: %v", err)
	}

	second := PageCommit{
		JobID:      "job-1",
		ConfigID:   cfgID,
		Checkpoint: model.Checkpoint{Leg: model.LegForward, AfterKey: `200`},
		Delta:      model.Counters{Read: 50, Written: 40, Unchanged: 9, Errored: 1},
		Errors: []model.JobError{
			{Seq: 1, RecordKey: `150`, Kind: model.ErrKindWriteError, Message: "duplicate key", At: testNow},
		},
		At: testNow.Add(time.Second),
	}
	if _, err := s.CommitPage(ctx, second); err != nil {
		t.Fatalf("second CommitPage() failed: %v", err)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if job.Checkpoint.AfterKey != `200` {
		t.Errorf("checkpoint key = %q, want 200", job.Checkpoint.AfterKey)
	}
	want := model.Counters{Read: 150, Written: 120, Unchanged: 29, Errored: 1}
	if job.Counters != want {
		t.Errorf("counters = %+v, want %+v", job.Counters, want)
	}
	if len(job.Errors) != 1 || job.Errors[0].RecordKey != `150` {
		t.Errorf("errors = %+v", job.Errors)
	}

	fps, err := s.GetFingerprints(ctx, cfgID, []string{`1`, `2`, `3`})
	if err != nil {
		t.Fatalf("GetFingerprints() failed: %v", err)
	}
	if fps[`1`] != "fp-1" || fps[`2`] != "fp-2" {
		t.Errorf("fingerprints = %v", fps)
	}
	if _, ok := fps[`3`]; ok {
		t.Error("key 3 has no baseline, should be absent")
	}
}

func TestCommitPage_UpsertsFingerprints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)
	seedJob(t, s, cfgID, "job-1")

	for i, fp := range []string{"fp-old", "fp-new"} {
		pc := PageCommit{
			JobID:      "job-1",
			ConfigID:   cfgID,
			Checkpoint: model.Checkpoint{Leg: model.LegForward, AfterKey: `5`},
			Delta:      model.Counters{Read: 1, Written: 1},
			Fingerprints: []BaselineFingerprint{
				{RecordKey: `5`, Fingerprint: fp, JobID: "job-1", UpdatedAt: testNow.Add(time.Duration(i) * time.Second)},
			},
			At: testNow,
		}
		if _, err := s.CommitPage(ctx, pc); err != nil {
			t.Fatalf("CommitPage(%d) failed: %v", i, err)
		}
	}

	fps, err := s.GetFingerprints(ctx, cfgID, []string{`5`})
	if err != nil {
		t.Fatalf("GetFingerprints() failed: %v", err)
	}
	if fps[`5`] != "fp-new" {
		t.Errorf("fingerprint = %q, want fp-new", fps[`5`])
	}

	n, err := s.CountFingerprints(ctx, cfgID)
	if err != nil {
		t.Fatalf("CountFingerprints() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("baseline count = %d, want 1", n)
	}
}

func TestCommitPage_InsertsConflictsIdempotently(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)
	seedJob(t, s, cfgID, "job-1")

	pc := PageCommit{
		JobID:      "job-1",
		ConfigID:   cfgID,
		Checkpoint: model.Checkpoint{Leg: model.LegForward, AfterKey: `10`},
		Delta:      model.Counters{Read: 10, Conflicted: 1},
		Conflicts:  []model.Conflict{testConflict(cfgID, "job-1", `7`)},
		At:         testNow,
	}
	inserted, err := s.CommitPage(ctx, pc)
	if err != nil {
		t.Fatalf("CommitPage() failed: %v", err)
	}
	if inserted != 1 {
		t.Errorf("conflicts inserted = %d, want 1", inserted)
	}

	// Crash replay of the same page: conflict dedupes, counters were part
	// of the same transaction so re-adding them models a re-read page.
	replay := pc
	replay.Conflicts = []model.Conflict{testConflict(cfgID, "job-1", `7`)}
	replay.Conflicts[0].ID = "cfl-replay"
	inserted, err = s.CommitPage(ctx, replay)
	if err != nil {
		t.Fatalf("replayed CommitPage() failed: %v", err)
	}
	if inserted != 0 {
		t.Errorf("replayed conflicts inserted = %d, want 0", inserted)
	}
}

func TestCommitPage_AutoResolvesConvergedKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)
	seedJob(t, s, cfgID, "job-1")

	c := testConflict(cfgID, "job-1", `5`)
	if _, err := s.InsertConflict(ctx, c); err != nil {
		t.Fatalf("InsertConflict() failed: %v", err)
	}

	// A later job sees the key convergent and retires the pending conflict.
	seedJob(t, s, cfgID, "job-2")
	pc := PageCommit{
		JobID:         "job-2",
		ConfigID:      cfgID,
		Checkpoint:    model.Checkpoint{Leg: model.LegForward, AfterKey: `5`},
		Delta:         model.Counters{Read: 1, Unchanged: 1},
		ConvergedKeys: []string{`5`},
		At:            testNow.Add(time.Hour),
	}
	if _, err := s.CommitPage(ctx, pc); err != nil {
		t.Fatalf("CommitPage() failed: %v", err)
	}

	got, err := s.GetConflict(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConflict() failed: %v", err)
	}
	if got.Status != model.ConflictAutoResolved {
		t.Errorf("status = %q, want auto_resolved", got.Status)
	}
	if got.ResolvedAt == nil {
		t.Error("resolved_at not set")
	}
	// Resolution stays empty: nobody chose a side, the data converged.
	if got.Resolution != "" {
		t.Errorf("resolution = %q, want empty", got.Resolution)
	}
}

func TestCommitPage_RejectsNonRunningJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)
	seedJob(t, s, cfgID, "job-1")

	if err := s.SetJobStatus(ctx, "job-1", model.JobCancelled, "", testNow.Add(time.Minute)); err != nil {
		t.Fatalf("SetJobStatus() failed: %v", err)
	}

	pc := PageCommit{
		JobID:      "job-1",
		ConfigID:   cfgID,
		Checkpoint: model.Checkpoint{Leg: model.LegForward, AfterKey: `10`},
		Delta:      model.Counters{Read: 10},
		Fingerprints: []BaselineFingerprint{
			{RecordKey: `1`, Fingerprint: "fp-1", JobID: "job-1", UpdatedAt: testNow},
		},
		At: testNow,
	}
	_, err := s.CommitPage(ctx, pc)
	if err == nil {
		t.Fatal("expected error committing to a cancelled job, got nil")
	}
	if !strings.Contains(err.Error(), "not running") {
		t.Errorf("error = %v, want not-running rejection", err)
	}

	// Nothing from the rejected page leaked out of the transaction.
	fps, err := s.GetFingerprints(ctx, cfgID, []string{`1`})
	if err != nil {
		t.Fatalf("GetFingerprints() failed: %v", err)
	}
	if len(fps) != 0 {
		t.Errorf("fingerprints = %v, want none", fps)
	}
	job, _ := s.GetJob(ctx, "job-1")
	if job.Counters.Read != 0 {
		t.Errorf("read counter = %d, want 0", job.Counters.Read)
	}
}

func TestCommitPage_LegTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)
	seedJob(t, s, cfgID, "job-1")

	forward := PageCommit{
		JobID:      "job-1",
		ConfigID:   cfgID,
		Checkpoint: model.Checkpoint{Leg: model.LegForward, AfterKey: `999`},
		Delta:      model.Counters{Read: 10, Written: 10},
		At:         testNow,
	}
	if _, err := s.CommitPage(ctx, forward); err != nil {
		t.Fatalf("forward CommitPage() failed: %v", err)
	}

	// Two-way runs reset the key when switching legs.
	flip := PageCommit{
		JobID:      "job-1",
		ConfigID:   cfgID,
		Checkpoint: model.Checkpoint{Leg: model.LegReverse, AfterKey: ""},
		At:         testNow.Add(time.Second),
	}
	if _, err := s.CommitPage(ctx, flip); err != nil {
		t.Fatalf("leg flip CommitPage() failed: %v", err)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if job.Checkpoint.Leg != model.LegReverse || job.Checkpoint.AfterKey != "" {
		t.Errorf("checkpoint = %+v, want reverse leg with empty key", job.Checkpoint)
	}
	if job.Counters.Read != 10 {
		t.Errorf("counters lost on leg flip: read = %d", job.Counters.Read)
	}
}

func TestBumpErrorsDropped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)
	seedJob(t, s, cfgID, "job-1")

	if err := s.BumpErrorsDropped(ctx, "job-1", 7); err != nil {
		t.Fatalf("BumpErrorsDropped() failed: %v", err)
	}
	if err := s.BumpErrorsDropped(ctx, "job-1", 3); err != nil {
		t.Fatalf("second BumpErrorsDropped() failed: %v", err)
	}
	if err := s.BumpErrorsDropped(ctx, "job-1", 0); err != nil {
		t.Fatalf("zero BumpErrorsDropped() failed: %v", err)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if job.ErrorsDropped != 10 {
		t.Errorf("errors_dropped = %d, want 10", job.ErrorsDropped)
	}
}

func TestSetBaselineFingerprint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)
	seedJob(t, s, cfgID, "job-1")

	bf := BaselineFingerprint{RecordKey: `5`, Fingerprint: "fp-manual", JobID: "job-1", UpdatedAt: testNow}
	if err := s.SetBaselineFingerprint(ctx, cfgID, bf); err != nil {
		t.Fatalf("SetBaselineFingerprint() failed: %v", err)
	}

	bf.Fingerprint = "fp-manual-2"
	bf.UpdatedAt = testNow.Add(time.Minute)
	if err := s.SetBaselineFingerprint(ctx, cfgID, bf); err != nil {
		t.Fatalf("second SetBaselineFingerprint() failed: %v", err)
	}

	fps, err := s.GetFingerprints(ctx, cfgID, []string{`5`})
	if err != nil {
		t.Fatalf("GetFingerprints() failed: %v", err)
	}
	if fps[`5`] != "fp-manual-2" {
		t.Errorf("fingerprint = %q, want fp-manual-2", fps[`5`])
	}
}
