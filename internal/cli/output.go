package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/tidesync/tidesync/internal/model"
)

// Exit codes.
const (
	ExitSuccess      = 0 // ran, and the outcome was good
	ExitFailure      = 1 // ran, but the outcome was bad (failed job, invalid defs)
	ExitCommandError = 2 // could not run (bad flags, missing store, unknown name)
)

// ExitError carries a specific exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code to an underlying error.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error; a plain error is an
// operational failure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter renders command results as human text or one JSON
// document, selected by the --json flag.
type OutputFormatter struct {
	JSON   bool
	Writer io.Writer
}

func newFormatter(opts *RootOptions, w io.Writer) *OutputFormatter {
	return &OutputFormatter{JSON: opts.JSON, Writer: w}
}

// Emit renders data as JSON, or falls back to the given text function.
func (f *OutputFormatter) Emit(data any, text func(w io.Writer)) error {
	if f.JSON {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	text(f.Writer)
	return nil
}

// Job renders one job.
func (f *OutputFormatter) Job(job model.SyncJob) error {
	return f.Emit(job, func(w io.Writer) {
		fmt.Fprintf(w, "job      %s\n", job.ID)
		fmt.Fprintf(w, "config   %s\n", job.ConfigID)
		fmt.Fprintf(w, "status   %s\n", job.Status)
		if job.FatalError != "" {
			fmt.Fprintf(w, "fatal    %s\n", job.FatalError)
		}
		if job.Checkpoint.Leg != "" || job.Checkpoint.AfterKey != "" {
			fmt.Fprintf(w, "checkpoint  leg=%s after_key=%s\n", job.Checkpoint.Leg, job.Checkpoint.AfterKey)
		}
		c := job.Counters
		fmt.Fprintf(w, "counters read=%d written=%d unchanged=%d skipped=%d conflicted=%d errored=%d\n",
			c.Read, c.Written, c.Unchanged, c.Skipped, c.Conflicted, c.Errored)
		for _, e := range job.Errors {
			fmt.Fprintf(w, "  error [%s] %s: %s\n", e.Kind, e.RecordKey, e.Message)
		}
		if job.ErrorsDropped > 0 {
			fmt.Fprintf(w, "  (+%d more errors dropped)\n", job.ErrorsDropped)
		}
	})
}

// Jobs renders a job listing.
func (f *OutputFormatter) Jobs(jobs []model.SyncJob) error {
	return f.Emit(jobs, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tCONFIG\tSTATUS\tREAD\tWRITTEN\tERRORED\tSTARTED")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				j.ID, j.ConfigID, j.Status,
				j.Counters.Read, j.Counters.Written, j.Counters.Errored,
				j.StartedAt.Format("2006-01-02 15:04:05"))
		}
		tw.Flush()
	})
}

// Conflicts renders a conflict listing.
func (f *OutputFormatter) Conflicts(conflicts []model.Conflict) error {
	return f.Emit(conflicts, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CONFLICT\tRECORD\tSTATUS\tFIELDS\tDETECTED")
		for _, c := range conflicts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				c.ID, c.RecordKey, c.Status,
				strings.Join(c.Fields, ","),
				c.DetectedAt.Format("2006-01-02 15:04:05"))
		}
		tw.Flush()
	})
}

// Schema renders a table schema snapshot.
func (f *OutputFormatter) Schema(ts model.TableSchema) error {
	return f.Emit(ts, func(w io.Writer) {
		fmt.Fprintf(w, "table %s\n", ts.Table)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "COLUMN\tKIND\tNULLABLE\tPK")
		for _, c := range ts.Columns {
			fmt.Fprintf(tw, "%s\t%s\t%v\t%v\n", c.Name, c.Kind, c.Nullable, c.PrimaryKey)
		}
		tw.Flush()
		for _, fk := range ts.ForeignKeys {
			fmt.Fprintf(w, "fk %s -> %s.%s\n", fk.Column, fk.ReferencedTable, fk.ReferencedColumn)
		}
	})
}
