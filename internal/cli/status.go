package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "status <job-id>",
		Short:         "Show one job with counters and errors",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, jobID string, cmd *cobra.Command) error {
	st, err := openStore(opts, true)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("job %q", jobID), err)
	}
	return newFormatter(opts, cmd.OutOrStdout()).Job(job)
}
