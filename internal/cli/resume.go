package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/engine"
	"github.com/tidesync/tidesync/internal/model"
)

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a stopped job from its checkpoint",
		Long: `Resume a failed, cancelled, or interrupted job. The run continues from
the last committed checkpoint; finished pages are not repeated. Jobs that
ended succeeded or partial_success cannot be resumed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runResume(opts *RootOptions, jobID string, cmd *cobra.Command) error {
	st, err := openStore(opts, true)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eng := engine.New(st, engine.WithPoolSize(1))
	eng.Start(ctx)

	if err := eng.ResumeJob(ctx, jobID); err != nil {
		switch {
		case errors.Is(err, engine.ErrJobNotResumable), errors.Is(err, engine.ErrAlreadyRunning):
			return WrapExitError(ExitFailure, "resume", err)
		default:
			return WrapExitError(ExitCommandError, "resume", err)
		}
	}

	job, err := waitForJob(ctx, st, jobID)
	if err != nil {
		return WrapExitError(ExitFailure, "wait for job", err)
	}
	cancel()
	eng.Wait()

	if err := newFormatter(opts, cmd.OutOrStdout()).Job(job); err != nil {
		return err
	}
	switch job.Status {
	case model.JobSucceeded, model.JobPartialSuccess:
		return nil
	default:
		return NewExitError(ExitFailure, "job ended "+job.Status)
	}
}
