package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/connector"
	"github.com/tidesync/tidesync/internal/engine"
	"github.com/tidesync/tidesync/internal/store"
)

// SchemaOptions holds flags for the schema command.
type SchemaOptions struct {
	*RootOptions
	Refresh bool
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SchemaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schema <datasource> <table>",
		Short: "Show the cached schema of a table",
		Long: `Show the cached schema snapshot for a table, introspecting the live
database when nothing is cached yet. --refresh bypasses the cache and
re-reads the live shape, which is the way to pick up a column you just
added before the TTL expires.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Refresh, "refresh", false, "bypass the cache and introspect the live database")

	return cmd
}

func runSchema(opts *SchemaOptions, dsName, table string, cmd *cobra.Command) error {
	st, err := openStore(opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	ds, err := st.GetDatasourceByName(ctx, dsName)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("datasource %q", dsName), err)
	}

	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout())

	if !opts.Refresh {
		ts, err := st.GetCachedSchema(ctx, ds.ID, table)
		if err == nil {
			return formatter.Schema(ts)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	conn, err := connector.Open(ds)
	if err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("connect %q", dsName), err)
	}
	defer conn.Close()

	cache := engine.NewSchemaCache(st, 0, slog.Default())
	ts, err := cache.Refresh(ctx, conn, ds.ID, table)
	if err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("introspect %s.%s", dsName, table), err)
	}
	return formatter.Schema(ts)
}
