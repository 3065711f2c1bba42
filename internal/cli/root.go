// Package cli is the tidesync command surface: serve, trigger and inspect
// sync jobs, resolve conflicts, and apply declarative definitions.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds the global flags shared by all commands.
type RootOptions struct {
	Database  string
	LogLevel  string
	LogFormat string
	JSON      bool // structured output instead of human text
}

// format returns the output format selected by --json.
func (o *RootOptions) format() string {
	if o.JSON {
		return "json"
	}
	return "text"
}

// NewRootCommand creates the tidesync root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tidesync",
		Short: "Batch record synchronization between databases",
		Long: `tidesync mirrors records between registered datasources in resumable,
conflict-aware batch runs. Datasources, views, and sync configs are declared
in CUE files and applied to a local SQLite state store.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(opts); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "tidesync.db", "path to the SQLite state store")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format (text|json)")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "machine-readable output")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewApplyCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// setupLogging installs the process-wide slog handler from the global flags.
func setupLogging(opts *RootOptions) error {
	var level slog.Level
	switch opts.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid --log-level %q: must be debug, info, warn, or error", opts.LogLevel)
	}

	ho := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch opts.LogFormat {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, ho)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, ho)
	default:
		return fmt.Errorf("invalid --log-format %q: must be text or json", opts.LogFormat)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
