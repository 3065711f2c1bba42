package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// JobsOptions holds flags for the jobs command.
type JobsOptions struct {
	*RootOptions
	Config string
	Limit  int
}

// NewJobsCommand creates the jobs command.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JobsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "jobs",
		Short:         "List recent jobs, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "only jobs of this sync config (name or id)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of jobs")

	return cmd
}

func runJobs(opts *JobsOptions, cmd *cobra.Command) error {
	st, err := openStore(opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	configID := ""
	if opts.Config != "" {
		cfg, err := resolveConfig(ctx, st, opts.Config)
		if err != nil {
			return err
		}
		configID = cfg.ID
	}

	jobs, err := st.ListJobs(ctx, configID, opts.Limit)
	if err != nil {
		return WrapExitError(ExitFailure, "list jobs", err)
	}
	return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Jobs(jobs)
}
