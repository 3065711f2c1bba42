package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/model"
)

// ConflictsOptions holds flags for the conflicts command.
type ConflictsOptions struct {
	*RootOptions
	Status string
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "conflicts <job-id>",
		Short:         "List the conflicts a job detected",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "",
		"filter by status (pending_manual|auto_resolved|manual_resolved|skipped)")

	return cmd
}

func runConflicts(opts *ConflictsOptions, jobID string, cmd *cobra.Command) error {
	if opts.Status != "" && !model.ValidConflictStatuses[opts.Status] {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown conflict status %q", opts.Status))
	}

	st, err := openStore(opts.RootOptions, true)
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
	conflicts, err := st.ListConflicts(ctx, job.ConfigID, job.ID, opts.Status)
	if err != nil {
		return WrapExitError(ExitFailure, "list conflicts", err)
	}
	return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Conflicts(conflicts)
}
