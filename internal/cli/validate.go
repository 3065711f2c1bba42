package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/compiler"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file-or-dir>",
		Short: "Compile and validate definition files without applying them",
		Long: `Compile CUE definition files and report every validation finding. Names
resolve within the given files only; nothing is read from or written to
the store, so this is safe to run in CI against a definitions directory.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(args[0], cmd)
		},
	}
}

func runValidate(path string, cmd *cobra.Command) error {
	paths, err := definitionFiles(path)
	if err != nil {
		return err
	}
	bundle, err := compiler.CompileFiles(paths...)
	if err != nil {
		return WrapExitError(ExitFailure, "definitions", err)
	}

	if errs := compiler.Validate(bundle, nil, nil); len(errs) > 0 {
		return reportFindings(errs, nil, cmd)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "ok: %d datasource(s), %d view(s), %d config(s)\n",
		len(bundle.Datasources), len(bundle.Views), len(bundle.Configs))
	return nil
}
