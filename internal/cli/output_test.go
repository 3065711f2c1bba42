package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidesync/tidesync/internal/model"
)

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitFailure, GetExitCode(WrapExitError(ExitFailure, "apply", errors.New("boom"))))

	// Wrapping preserves the code through error chains.
	wrapped := fmt.Errorf("outer: %w", NewExitError(ExitCommandError, "inner"))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
}

func TestExitErrorMessage(t *testing.T) {
	assert.Equal(t, "open store", NewExitError(1, "open store").Error())
	err := WrapExitError(1, "open store", errors.New("locked"))
	assert.Equal(t, "open store: locked", err.Error())
	assert.Equal(t, "locked", errors.Unwrap(err).Error())
}

func TestFormatterEmitText(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{JSON: false, Writer: &buf}
	err := f.Emit(map[string]int{"n": 1}, func(w io.Writer) {
		fmt.Fprintln(w, "one")
	})
	require.NoError(t, err)
	assert.Equal(t, "one\n", buf.String())
}

func TestFormatterEmitJSON(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{JSON: true, Writer: &buf}
	err := f.Emit(map[string]int{"n": 1}, func(io.Writer) {
		t.Fatal("text renderer must not run in JSON mode")
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n": 1}`, buf.String())
}

func TestFormatterJobText(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Writer: &buf}
	job := model.SyncJob{
		ID:       "job-1",
		ConfigID: "cfg-1",
		Status:   model.JobFailed,
		Counters: model.Counters{Read: 10, Written: 8, Errored: 2},
		Checkpoint: model.Checkpoint{
			Leg:      "forward",
			AfterKey: "42",
		},
		FatalError: "connection_failed: gone",
		StartedAt:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.Job(job))

	out := buf.String()
	assert.Contains(t, out, "job      job-1")
	assert.Contains(t, out, "status   failed")
	assert.Contains(t, out, "fatal    connection_failed: gone")
	assert.Contains(t, out, "leg=forward after_key=42")
	assert.Contains(t, out, "read=10 written=8")
}
