package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/engine"
	"github.com/tidesync/tidesync/internal/model"
)

// NewRunCommand creates the run command: trigger one sync and wait.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Trigger one sync run and wait for it to finish",
		Long: `Trigger a run of the named sync config and block until it reaches a
terminal state. The exit code reflects the outcome: 0 for succeeded or
partial_success, 1 for failed or cancelled.

Example:
  tidesync run activities_mirror --db ./tidesync.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runRun(opts *RootOptions, configName string, cmd *cobra.Command) error {
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

	cfg, err := resolveConfig(ctx, st, configName)
	if err != nil {
		return err
	}

	eng := engine.New(st, engine.WithPoolSize(1))
	eng.Start(ctx)

	jobID, err := eng.TriggerSync(ctx, cfg.ID)
	if err != nil {
		if errors.Is(err, engine.ErrAlreadyRunning) {
			return WrapExitError(ExitFailure, "trigger", err)
		}
		return WrapExitError(ExitCommandError, "trigger", err)
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
		return NewExitError(ExitFailure, fmt.Sprintf("job %s ended %s", job.ID, job.Status))
	}
}
