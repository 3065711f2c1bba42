package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tidesync/tidesync/internal/model"
)

func TestCreateJob_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)

	seedJob(t, s, cfgID, "job-1")

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if got.Status != model.JobRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
	if got.Checkpoint.Leg != model.LegForward || got.Checkpoint.AfterKey != "" {
		t.Errorf("checkpoint = %+v, want fresh forward", got.Checkpoint)
	}
	if got.Counters != (model.Counters{}) {
		t.Errorf("counters = %+v, want zero", got.Counters)
	}
	if got.FinishedAt != nil {
		t.Errorf("finished_at = %v, want nil", got.FinishedAt)
	}
	if len(got.Errors) != 0 {
		t.Errorf("errors = %d, want 0", len(got.Errors))
	}
}

func TestCreateJob_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	cfgID := seedCatalog(t, s)

	seedJob(t, s, cfgID, "job-1")
	err := s.CreateJob(context.Background(), model.SyncJob{
		ID: "job-1", ConfigID: cfgID, Status: model.JobPending,
		Checkpoint: model.Checkpoint{Leg: model.LegForward}, StartedAt: testNow,
	})
	if err == nil {
		t.Error("expected primary key violation for duplicate job id, got nil")
	}
}

func TestSetJobStatus_TerminalRecordsFinishedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)
	seedJob(t, s, cfgID, "job-1")

	finish := testNow.Add(5 * time.Minute)
	if err := s.SetJobStatus(ctx, "job-1", model.JobFailed, "source connection refused", finish); err != nil {
		t.Fatalf("SetJobStatus() failed: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if got.Status != model.JobFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.FatalError != "source connection refused" {
		t.Errorf("fatal_error = %q", got.FatalError)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finish) {
		t.Errorf("finished_at = %v, want %v", got.FinishedAt, finish)
	}
}

func TestSetJobStatus_NonTerminalKeepsFinishedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)

	job := model.SyncJob{
		ID: "job-1", ConfigID: cfgID, Status: model.JobPending,
		Checkpoint: model.Checkpoint{Leg: model.LegForward}, StartedAt: testNow,
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() failed: %v", err)
	}

	if err := s.SetJobStatus(ctx, "job-1", model.JobRunning, "", testNow); err != nil {
		t.Fatalf("SetJobStatus(running) failed: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if got.Status != model.JobRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
	if got.FinishedAt != nil {
		t.Errorf("finished_at = %v, want nil for non-terminal transition", got.FinishedAt)
	}

	if err := s.SetJobStatus(ctx, "job-missing", model.JobRunning, "", testNow); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing job error = %v, want ErrNotFound", err)
	}
}

func TestRequestCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)
	seedJob(t, s, cfgID, "job-1")

	set, err := s.RequestCancel(ctx, "job-1")
	if err != nil {
		t.Fatalf("RequestCancel() failed: %v", err)
	}
	if !set {
		t.Error("first RequestCancel() = false, want true")
	}

	flagged, err := s.CancelRequested(ctx, "job-1")
	if err != nil {
		t.Fatalf("CancelRequested() failed: %v", err)
	}
	if !flagged {
		t.Error("cancel flag not visible")
	}

	// Second request is a no-op.
	set, err = s.RequestCancel(ctx, "job-1")
	if err != nil {
		t.Fatalf("second RequestCancel() failed: %v", err)
	}
	if set {
		t.Error("second RequestCancel() = true, want false")
	}
}

func TestRequestCancel_TerminalJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)
	seedJob(t, s, cfgID, "job-1")

	if err := s.SetJobStatus(ctx, "job-1", model.JobSucceeded, "", testNow.Add(time.Minute)); err != nil {
		t.Fatalf("SetJobStatus() failed: %v", err)
	}

	set, err := s.RequestCancel(ctx, "job-1")
	if err != nil {
		t.Fatalf("RequestCancel() failed: %v", err)
	}
	if set {
		t.Error("RequestCancel() on terminal job = true, want false")
	}
}

func TestListJobs_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)

	for i, id := range []string{"job-a", "job-b", "job-c"} {
		job := model.SyncJob{
			ID: id, ConfigID: cfgID, Status: model.JobSucceeded,
			Checkpoint: model.Checkpoint{Leg: model.LegForward},
			StartedAt:  testNow.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob(%s) failed: %v", id, err)
		}
	}

	jobs, err := s.ListJobs(ctx, cfgID, 0)
	if err != nil {
		t.Fatalf("ListJobs() failed: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("jobs = %d, want 3", len(jobs))
	}
	if jobs[0].ID != "job-c" || jobs[2].ID != "job-a" {
		t.Errorf("order = %s, %s, %s; want newest first", jobs[0].ID, jobs[1].ID, jobs[2].ID)
	}

	limited, err := s.ListJobs(ctx, cfgID, 2)
	if err != nil {
		t.Fatalf("ListJobs(limit=2) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited jobs = %d, want 2", len(limited))
	}
}

func TestFindInterruptedJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)

	seedJob(t, s, cfgID, "job-running")
	done := model.SyncJob{
		ID: "job-done", ConfigID: cfgID, Status: model.JobSucceeded,
		Checkpoint: model.Checkpoint{Leg: model.LegForward}, StartedAt: testNow.Add(time.Minute),
	}
	if err := s.CreateJob(ctx, done); err != nil {
		t.Fatalf("CreateJob(job-done) failed: %v", err)
	}

	interrupted, err := s.FindInterruptedJobs(ctx)
	if err != nil {
		t.Fatalf("FindInterruptedJobs() failed: %v", err)
	}
	if len(interrupted) != 1 || interrupted[0].ID != "job-running" {
		t.Errorf("interrupted = %+v, want exactly job-running", interrupted)
	}
}

func TestAddJobError_OrderedAndIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfgID := seedCatalog(t, s)
	seedJob(t, s, cfgID, "job-1")

	errs := []model.JobError{
		{Seq: 1, RecordKey: `5`, Kind: model.ErrKindCoercion, Message: `cannot coerce "abc" to integer`, At: testNow},
		{Seq: 2, RecordKey: `9`, Kind: model.ErrKindWriteError, Message: "deadlock", At: testNow.Add(time.Second)},
	}
	for _, e := range errs {
		if err := s.AddJobError(ctx, "job-1", e); err != nil {
			t.Fatalf("AddJobError(%d) failed: %v", e.Seq, err)
		}
	}
	// Replay of seq 1 is a no-op.
	if err := s.AddJobError(ctx, "job-1", errs[0]); err != nil {
		t.Fatalf("replayed AddJobError() failed: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if len(got.Errors) != 2 {
		t.Fatalf("errors = %d, want 2", len(got.Errors))
	}
	if got.Errors[0].Seq != 1 || got.Errors[1].Seq != 2 {
		t.Errorf("error order = %d, %d; want 1, 2", got.Errors[0].Seq, got.Errors[1].Seq)
	}
	if got.Errors[0].Kind != model.ErrKindCoercion {
		t.Errorf("kind = %q", got.Errors[0].Kind)
	}
}

func TestMarkJobResumed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cfgID := seedCatalog(t, s)
	seedJob(t, s, cfgID, "job-1")

	if _, err := s.RequestCancel(ctx, "job-1"); err != nil {
		t.Fatalf("RequestCancel() failed: %v", err)
	}
	if err := s.SetJobStatus(ctx, "job-1", model.JobCancelled, "", testNow.Add(time.Minute)); err != nil {
		t.Fatalf("SetJobStatus() failed: %v", err)
	}

	ok, err := s.MarkJobResumed(ctx, "job-1")
	if err != nil {
		t.Fatalf("MarkJobResumed() failed: %v", err)
	}
	if !ok {
		t.Fatal("MarkJobResumed() = false, want true for a cancelled job")
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if got.Status != model.JobPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.CancelRequested {
		t.Error("cancel flag should be cleared")
	}
	if got.FinishedAt != nil {
		t.Error("finished_at should be cleared")
	}
	if got.FatalError != "" {
		t.Errorf("fatal_error = %q, want empty", got.FatalError)
	}
}

func TestMarkJobResumed_RefusesFinishedJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cfgID := seedCatalog(t, s)
	seedJob(t, s, cfgID, "job-1")

	if err := s.SetJobStatus(ctx, "job-1", model.JobSucceeded, "", testNow.Add(time.Minute)); err != nil {
		t.Fatalf("SetJobStatus() failed: %v", err)
	}

	ok, err := s.MarkJobResumed(ctx, "job-1")
	if err != nil {
		t.Fatalf("MarkJobResumed() failed: %v", err)
	}
	if ok {
		t.Error("MarkJobResumed() = true, want false for a succeeded job")
	}
}
