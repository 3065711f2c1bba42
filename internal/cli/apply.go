package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tidesync/tidesync/internal/compiler"
	"github.com/tidesync/tidesync/internal/model"
	"github.com/tidesync/tidesync/internal/store"
)

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file-or-dir>",
		Short: "Compile definition files and write them to the store",
		Long: `Compile CUE definition files and upsert the declared datasources, views
and sync configs. Datasources and configs update in place by name; view
edits create a new immutable version so running jobs keep their exact
column set. Re-applying an unchanged file is a no-op.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(rootOpts, args[0], cmd)
		},
	}
}

func runApply(opts *RootOptions, path string, cmd *cobra.Command) error {
	st, err := openStore(opts, false)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	bundle, errs, err := compileDefinitions(ctx, st, path)
	if err != nil || len(errs) > 0 {
		return reportFindings(errs, err, cmd)
	}

	out := cmd.OutOrStdout()
	now := time.Now().UTC()

	for _, ds := range bundle.Datasources {
		created, err := applyDatasource(ctx, st, ds, now)
		if err != nil {
			return WrapExitError(ExitFailure, "apply", err)
		}
		fmt.Fprintf(out, "datasource %s %s\n", ds.Name, created)
	}
	for _, v := range bundle.Views {
		created, err := applyView(ctx, st, v, now)
		if err != nil {
			return WrapExitError(ExitFailure, "apply", err)
		}
		fmt.Fprintf(out, "view %s %s\n", v.Name, created)
	}
	for _, cfg := range bundle.Configs {
		id, err := applyConfig(ctx, st, cfg, now)
		if err != nil {
			return WrapExitError(ExitFailure, "apply", err)
		}
		fmt.Fprintf(out, "config %s applied (%s)\n", cfg.Name, id)
	}
	return nil
}

// compileDefinitions compiles the files at path and validates the bundle
// against the names already stored, so a config may reference a view
// applied last week without redeclaring it.
func compileDefinitions(ctx context.Context, st *store.Store, path string) (*compiler.Bundle, []compiler.ValidationError, error) {
	paths, err := definitionFiles(path)
	if err != nil {
		return nil, nil, err
	}
	bundle, err := compiler.CompileFiles(paths...)
	if err != nil {
		return nil, nil, err
	}

	knownDS := map[string]bool{}
	knownViews := map[string]bool{}
	sources, err := st.ListDatasources(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, ds := range sources {
		knownDS[ds.Name] = true
		views, err := st.ListViews(ctx, ds.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, v := range views {
			knownViews[v.Name] = true
		}
	}

	return bundle, compiler.Validate(bundle, knownDS, knownViews), nil
}

func reportFindings(errs []compiler.ValidationError, err error, cmd *cobra.Command) error {
	if err != nil {
		return WrapExitError(GetExitCode(err), "definitions", err)
	}
	out := cmd.ErrOrStderr()
	for _, e := range errs {
		fmt.Fprintf(out, "%s: %s: %s\n", e.Code, e.Field, e.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%d validation error(s)", len(errs)))
}

func applyDatasource(ctx context.Context, st *store.Store, ds compiler.Datasource, now time.Time) (string, error) {
	existing, err := st.GetDatasourceByName(ctx, ds.Name)
	switch {
	case err == nil:
		if existing.Driver == ds.Driver && existing.DSN == ds.DSN {
			return "unchanged", nil
		}
	case errors.Is(err, store.ErrNotFound):
		existing = model.Datasource{ID: uuid.NewString(), CreatedAt: now}
	default:
		return "", err
	}

	// A DSN change can mean a different server; cached schemas for the old
	// one must not survive the switch.
	invalidate := existing.DSN != "" && existing.DSN != ds.DSN

	err = st.UpsertDatasource(ctx, model.Datasource{
		ID:        existing.ID,
		Name:      ds.Name,
		Driver:    ds.Driver,
		DSN:       ds.DSN,
		CreatedAt: existing.CreatedAt,
		UpdatedAt: now,
	})
	if err != nil {
		return "", err
	}
	if invalidate {
		if _, err := st.InvalidateSchemaCache(ctx, existing.ID); err != nil {
			return "", err
		}
		return "updated", nil
	}
	if existing.DSN == "" {
		return "created", nil
	}
	return "updated", nil
}

func applyView(ctx context.Context, st *store.Store, v compiler.View, now time.Time) (string, error) {
	ds, err := st.GetDatasourceByName(ctx, v.Datasource)
	if err != nil {
		return "", fmt.Errorf("view %q: datasource %q: %w", v.Name, v.Datasource, err)
	}

	existing, err := st.GetViewByName(ctx, v.Name)
	if err == nil && viewUnchanged(existing, v, ds.ID) {
		return fmt.Sprintf("unchanged (v%d)", existing.Version), nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	version, err := st.NextViewVersion(ctx, v.Name)
	if err != nil {
		return "", err
	}
	err = st.CreateView(ctx, model.DatasourceView{
		ID:             uuid.NewString(),
		DatasourceID:   ds.ID,
		Name:           v.Name,
		Table:          v.Table,
		KeyColumn:      v.KeyColumn,
		Columns:        v.Columns,
		Predicate:      v.Predicate,
		ModifiedColumn: v.ModifiedColumn,
		Version:        version,
		CreatedAt:      now,
	})
	if err != nil {
		return "", err
	}
	if version == 1 {
		return "created (v1)", nil
	}
	return fmt.Sprintf("updated (v%d)", version), nil
}

func viewUnchanged(cur model.DatasourceView, v compiler.View, datasourceID string) bool {
	return cur.DatasourceID == datasourceID &&
		cur.Table == v.Table &&
		cur.KeyColumn == v.KeyColumn &&
		slices.Equal(cur.Columns, v.Columns) &&
		cur.Predicate == v.Predicate &&
		cur.ModifiedColumn == v.ModifiedColumn
}

func applyConfig(ctx context.Context, st *store.Store, cfg compiler.Config, now time.Time) (string, error) {
	source, err := st.GetViewByName(ctx, cfg.Source)
	if err != nil {
		return "", fmt.Errorf("config %q: source view %q: %w", cfg.Name, cfg.Source, err)
	}
	target, err := st.GetViewByName(ctx, cfg.Target)
	if err != nil {
		return "", fmt.Errorf("config %q: target view %q: %w", cfg.Name, cfg.Target, err)
	}

	mappings := make([]model.FieldMapping, len(cfg.Mappings))
	for i, m := range cfg.Mappings {
		mappings[i] = model.FieldMapping{
			SourceColumn: m.Source,
			TargetColumn: m.Target,
			Coerce:       m.Coerce,
			EnumValues:   m.EnumValues,
		}
		if m.HasDefault {
			mappings[i].Default = m.Default
		}
	}

	return st.UpsertSyncConfig(ctx, model.SyncConfig{
		ID:           uuid.NewString(),
		Name:         cfg.Name,
		SourceViewID: source.ID,
		TargetViewID: target.ID,
		Direction:    cfg.Direction,
		Policy:       cfg.Policy,
		TieBreak:     cfg.TieBreak,
		PageSize:     cfg.PageSize,
		Schedule:     cfg.Schedule,
		Mappings:     mappings,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}
