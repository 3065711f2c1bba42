package engine

import (
	"errors"
	"fmt"

	"github.com/tidesync/tidesync/internal/connector"
)

// Sentinel errors surfaced through the engine's public methods.
var (
	// ErrAlreadyRunning means the config's lease is held by an active job.
	ErrAlreadyRunning = errors.New("a job is already active for this config")

	// ErrAlreadyResolved means the conflict was resolved before with a
	// different outcome. Re-resolving with the identical outcome is a no-op.
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrJobNotResumable means the job finished successfully; there is
	// nothing left to resume.
	ErrJobNotResumable = errors.New("job is not resumable")

	// ErrCursorStalled means a page read did not advance the key cursor.
	// Keyset pagination canNOT terminate on a stalled cursor, so the run
	// aborts and blames the connector.
	ErrCursorStalled = errors.New("read cursor did not advance")

	// ErrPageQuota means the run processed more pages than the safety cap
	// allows.
	ErrPageQuota = errors.New("page quota exceeded")
)

// RunError codes, recorded as the job's fatal error category.
const (
	RunErrConnection = "connection_failed"
	RunErrAuth       = "auth_failed"
	RunErrRead       = "read_failed"
	RunErrWrite      = "write_failed"
	RunErrBadConfig  = "bad_config"
	RunErrCursor     = "cursor_stalled"
	RunErrPageQuota  = "page_quota"
	RunErrStore      = "store_failed"
)

// RunError is a fatal error that aborts a job run. The job transitions to
// Failed with this error recorded; per-record issues never become a
// RunError, they accumulate on the job's error list instead.
type RunError struct {
	Code     string
	JobID    string
	ConfigID string
	Leg      string
	Err      error
}

func (e *RunError) Error() string {
	if e.Leg != "" {
		return fmt.Sprintf("%s: job %s (config %s, %s leg): %v", e.Code, e.JobID, e.ConfigID, e.Leg, e.Err)
	}
	return fmt.Sprintf("%s: job %s (config %s): %v", e.Code, e.JobID, e.ConfigID, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// fatalCode maps a connector failure to the RunError code for the phase it
// occurred in. Connection and auth failures keep their own codes so the
// operator can tell "fix the DSN" apart from "fix the data".
func fatalCode(err error, phase string) string {
	var ce *connector.Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case connector.KindConnection:
			return RunErrConnection
		case connector.KindAuth:
			return RunErrAuth
		}
	}
	return phase
}

// fatalConnectorError reports whether a connector error aborts the run
// regardless of phase. Constraint and query errors are per-record or
// retryable business; losing the connection or the credentials is not.
func fatalConnectorError(err error) bool {
	var ce *connector.Error
	if errors.As(err, &ce) {
		return ce.Kind == connector.KindConnection || ce.Kind == connector.KindAuth
	}
	return false
}
