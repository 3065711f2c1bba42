package engine

import (
	"context"
	"fmt"

	"github.com/tidesync/tidesync/internal/model"
	"github.com/tidesync/tidesync/internal/store"
)

// Resolution is one manual resolution action for a pending conflict: keep
// the source snapshot, keep the target snapshot, supply a custom record, or
// skip the record entirely.
type Resolution struct {
	Use   string       // model.ResolveUseSource | ResolveUseTarget | ResolveUseCustom | ResolveSkip
	Value model.Record // required for ResolveUseCustom, canonical target columns
}

// ResolveConflict applies a manual resolution. The chosen values land on
// the target side (for source and custom choices), the baseline fingerprint
// advances so the settled divergence stops re-detecting, and the Conflict
// transitions to manual_resolved (or skipped).
//
// Re-resolving with the identical outcome is a no-op; a different outcome
// returns ErrAlreadyResolved. Conflicts transition, they never flip.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, res Resolution) error {
	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if c.Status != model.ConflictPendingManual {
		if sameResolution(c, res) {
			return nil
		}
		return fmt.Errorf("conflict %q is %s (resolution %q): %w", conflictID, c.Status, c.Resolution, ErrAlreadyResolved)
	}

	if res.Use == model.ResolveSkip {
		ok, err := e.store.SkipConflict(ctx, conflictID, e.now())
		if err != nil {
			return fmt.Errorf("resolve conflict: %w", err)
		}
		if !ok {
			return e.recheckResolution(ctx, conflictID, res)
		}
		e.log.Info("conflict skipped", "conflict", conflictID, "key", c.RecordKey)
		return nil
	}

	var chosen model.Record
	switch res.Use {
	case model.ResolveUseSource:
		chosen = c.SourceSnapshot
	case model.ResolveUseTarget:
		chosen = c.TargetSnapshot
	case model.ResolveUseCustom:
		if len(res.Value) == 0 {
			return fmt.Errorf("resolve conflict %q: custom resolution needs values", conflictID)
		}
		chosen = res.Value
	default:
		return fmt.Errorf("resolve conflict %q: unknown resolution %q", conflictID, res.Use)
	}

	cfg, err := e.store.GetSyncConfig(ctx, c.ConfigID)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	tgtView, err := e.store.GetView(ctx, cfg.TargetViewID)
	if err != nil {
		return fmt.Errorf("resolve conflict: target view: %w", err)
	}
	plan, err := CompilePlan(cfg.Mappings, tgtView)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}

	// Source and custom choices overwrite the target row; the target
	// choice keeps what is already there.
	if res.Use != model.ResolveUseTarget {
		tgtDS, err := e.store.GetDatasource(ctx, tgtView.DatasourceID)
		if err != nil {
			return fmt.Errorf("resolve conflict: target datasource: %w", err)
		}
		conn, err := e.open(tgtDS)
		if err != nil {
			return fmt.Errorf("resolve conflict: open target %q: %w", tgtDS.Name, err)
		}
		defer conn.Close()
		if err := conn.WriteBatch(ctx, tgtView, []model.Record{chosen.Project(plan.Columns())}); err != nil {
			return fmt.Errorf("resolve conflict: write chosen value: %w", err)
		}
	}

	// The baseline advances to the source snapshot's fingerprint: the
	// divergence this conflict recorded is settled, so the next run reads
	// the source as unchanged and leaves the chosen target value alone.
	baseFP, err := model.Fingerprint(c.SourceSnapshot, plan.Columns())
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	now := e.now()
	if err := e.store.SetBaselineFingerprint(ctx, cfg.ID, store.BaselineFingerprint{
		RecordKey:   c.RecordKey,
		Fingerprint: baseFP,
		JobID:       c.JobID,
		UpdatedAt:   now,
	}); err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}

	ok, err := e.store.ResolveConflict(ctx, conflictID, res.Use, chosen, now)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if !ok {
		return e.recheckResolution(ctx, conflictID, res)
	}
	e.log.Info("conflict resolved", "conflict", conflictID, "key", c.RecordKey, "resolution", res.Use)
	return nil
}

// recheckResolution handles losing a resolution race: if the winner chose
// the same outcome the call is still a no-op, otherwise ErrAlreadyResolved.
func (e *Engine) recheckResolution(ctx context.Context, conflictID string, res Resolution) error {
	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if sameResolution(c, res) {
		return nil
	}
	return fmt.Errorf("conflict %q is %s (resolution %q): %w", conflictID, c.Status, c.Resolution, ErrAlreadyResolved)
}

// sameResolution reports whether a resolved conflict's stored outcome
// matches the requested one, making re-resolution idempotent.
func sameResolution(c model.Conflict, res Resolution) bool {
	if c.Resolution != res.Use {
		return false
	}
	if res.Use != model.ResolveUseCustom {
		return true
	}
	return recordsEqual(c.ResolvedValue, res.Value)
}

func recordsEqual(a, b model.Record) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !model.Equal(av, bv) {
			return false
		}
	}
	return true
}
