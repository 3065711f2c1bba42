package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tidesync/tidesync/internal/model"
	"github.com/tidesync/tidesync/internal/store"
)

// openStore opens the state store named by --db. A missing file is created
// for commands that write; read-only inspection of a store that does not
// exist yet is a usage error, not an empty result.
func openStore(opts *RootOptions, mustExist bool) (*store.Store, error) {
	if mustExist {
		if _, err := os.Stat(opts.Database); err != nil {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("state store %q not found", opts.Database), err)
		}
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open state store", err)
	}
	return st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing state store", "error", err)
	}
}

// resolveConfig accepts a sync config by name or id.
func resolveConfig(ctx context.Context, st *store.Store, nameOrID string) (model.SyncConfig, error) {
	cfg, err := st.GetSyncConfigByName(ctx, nameOrID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.SyncConfig{}, err
	}
	cfg, err = st.GetSyncConfig(ctx, nameOrID)
	if errors.Is(err, store.ErrNotFound) {
		return model.SyncConfig{}, NewExitError(ExitCommandError, fmt.Sprintf("no sync config named %q", nameOrID))
	}
	return cfg, err
}

// waitForJob polls until the job reaches a terminal status or ctx ends.
func waitForJob(ctx context.Context, st *store.Store, jobID string) (model.SyncJob, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := st.GetJob(ctx, jobID)
		if err != nil {
			return model.SyncJob{}, err
		}
		if model.TerminalJobStatus(job.Status) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// definitionFiles expands a path argument into .cue files: a file is taken
// as-is, a directory contributes its .cue entries sorted by name.
func definitionFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("definitions path %q", path), err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("read definitions dir %q", path), err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("no .cue files in %q", path))
	}
	return files, nil
}
