package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cooperative cancellation of a job",
		Long: `Flag a job for cancellation. The running worker observes the flag at its
next page boundary; the in-flight page finishes first. Cancelling an
already-finished job is a no-op.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runCancel(opts *RootOptions, jobID string, cmd *cobra.Command) error {
	st, err := openStore(opts, true)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// Verify the id before flagging; a typo should not succeed silently.
	if _, err := st.GetJob(ctx, jobID); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("job %q", jobID), err)
	}
	set, err := st.RequestCancel(ctx, jobID)
	if err != nil {
		return WrapExitError(ExitFailure, "cancel", err)
	}
	if set {
		fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for job %s\n", jobID)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "job %s already finished\n", jobID)
	}
	return nil
}
