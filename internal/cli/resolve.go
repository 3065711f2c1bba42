package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/engine"
	"github.com/tidesync/tidesync/internal/model"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Use  string
	Sets []string
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a pending conflict",
		Long: `Resolve a pending_manual conflict by choosing a side, supplying custom
values, or skipping the record. Custom values start from the source
snapshot with --set overrides applied; values parse as JSON scalars and
fall back to plain strings.

Examples:
  tidesync resolve 0190cafe --use source
  tidesync resolve 0190cafe --use target
  tidesync resolve 0190cafe --set 'description=merged by ops' --set priority=3
  tidesync resolve 0190cafe --use skip`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Use, "use", "", "resolution side (source|target|skip)")
	cmd.Flags().StringArrayVar(&opts.Sets, "set", nil, "custom value as col=val; repeatable, implies a custom resolution")

	return cmd
}

func runResolve(opts *ResolveOptions, conflictID string, cmd *cobra.Command) error {
	res, err := buildResolution(opts)
	if err != nil {
		return err
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

	if res.Use == model.ResolveUseCustom {
		// Overrides apply on top of the conflict's source snapshot, so a
		// custom resolution only has to name the fields that change.
		c, err := st.GetConflict(ctx, conflictID)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("conflict %q", conflictID), err)
		}
		merged := c.SourceSnapshot.Clone()
		for col, v := range res.Value {
			merged[col] = v
		}
		res.Value = merged
	}

	eng := engine.New(st)
	if err := eng.ResolveConflict(ctx, conflictID, res); err != nil {
		if errors.Is(err, engine.ErrAlreadyResolved) {
			return WrapExitError(ExitFailure, "resolve", err)
		}
		return WrapExitError(ExitCommandError, "resolve", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "conflict %s resolved (%s)\n", conflictID, res.Use)
	return nil
}

func buildResolution(opts *ResolveOptions) (engine.Resolution, error) {
	if len(opts.Sets) > 0 {
		if opts.Use != "" {
			return engine.Resolution{}, NewExitError(ExitCommandError, "--use and --set are mutually exclusive")
		}
		values := model.Record{}
		for _, kv := range opts.Sets {
			col, raw, ok := strings.Cut(kv, "=")
			if !ok || col == "" {
				return engine.Resolution{}, NewExitError(ExitCommandError,
					fmt.Sprintf("--set %q: expected col=val", kv))
			}
			values[col] = parseSetValue(raw)
		}
		return engine.Resolution{Use: model.ResolveUseCustom, Value: values}, nil
	}

	switch opts.Use {
	case model.ResolveUseSource, model.ResolveUseTarget, model.ResolveSkip:
		return engine.Resolution{Use: opts.Use}, nil
	case "":
		return engine.Resolution{}, NewExitError(ExitCommandError, "one of --use or --set is required")
	default:
		return engine.Resolution{}, NewExitError(ExitCommandError,
			fmt.Sprintf("invalid --use %q: must be source, target, or skip", opts.Use))
	}
}

// parseSetValue reads a --set value as a JSON scalar (numbers, booleans,
// null) and falls back to a plain string for everything else.
func parseSetValue(raw string) model.Value {
	if v, err := model.UnmarshalValue([]byte(raw)); err == nil {
		return v
	}
	return model.String(raw)
}
