package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Verbose bool
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenario.yaml|dir>",
		Short: "Run sync scenarios and report pass/fail",
		Long: `Run declarative sync scenarios against the engine with in-memory fakes.
A directory runs every *.yaml file in it. The exit code is 0 when every
scenario passes and 1 otherwise, so this slots into CI directly.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "print the full run report for every scenario")

	return cmd
}

func runScenarios(opts *TestOptions, path string, cmd *cobra.Command) error {
	scenarios, err := loadScenarios(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "scenarios", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	failed := 0
	for _, sc := range scenarios {
		report, err := harness.Run(ctx, sc)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("scenario %s", sc.Name), err)
		}

		if report.Passed() {
			fmt.Fprintf(out, "ok   %s\n", sc.Name)
		} else {
			failed++
			fmt.Fprintf(out, "FAIL %s\n", sc.Name)
			for _, f := range report.Failures {
				fmt.Fprintf(out, "     %s\n", f)
			}
		}
		if opts.Verbose || opts.JSON {
			data, err := report.MarshalIndent()
			if err != nil {
				return err
			}
			out.Write(data)
		}
	}

	fmt.Fprintf(out, "%d scenario(s), %d failed\n", len(scenarios), failed)
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", failed))
	}
	return nil
}

func loadScenarios(path string) ([]*harness.Scenario, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return harness.LoadDir(path)
	}
	sc, err := harness.Load(path)
	if err != nil {
		return nil, err
	}
	return []*harness.Scenario{sc}, nil
}
