package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidesync/tidesync/internal/connector"
	"github.com/tidesync/tidesync/internal/model"
	"github.com/tidesync/tidesync/internal/store"
)

// pageRecord is one record moving through the page pipeline.
type pageRecord struct {
	read  model.Record // as read from the reading side
	write model.Record // mapped for the writing side
	canon model.Record // canonical (forward-target) space

	baseKey  string // canonical key text; baseline and conflict identity
	writeKey string // writing-side key text; batch write identity
	srcFP    string

	res     resolution
	pending bool // an open pending_manual conflict exists for baseKey
	dropped bool // removed from the write batch after repeated failures
}

// runLeg pages through one direction until the reader runs dry, a fatal
// error occurs, cancellation is observed, or the page quota trips.
func (e *executor) runLeg(ctx context.Context, log *slog.Logger, job *model.SyncJob, cfg model.SyncConfig, l *leg) error {
	log = log.With("leg", l.name)
	if cfg.PageSize <= 0 {
		return &RunError{Code: RunErrBadConfig, JobID: job.ID, ConfigID: cfg.ID, Leg: l.name,
			Err: fmt.Errorf("page size %d must be positive", cfg.PageSize)}
	}

	for pages := 0; ; pages++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		cancelled, err := e.store.CancelRequested(ctx, job.ID)
		if err != nil {
			return &RunError{Code: RunErrStore, JobID: job.ID, ConfigID: cfg.ID, Leg: l.name, Err: err}
		}
		if cancelled {
			return errCancelled
		}
		if pages >= e.pageQuota {
			return &RunError{Code: RunErrPageQuota, JobID: job.ID, ConfigID: cfg.ID, Leg: l.name,
				Err: fmt.Errorf("%w after %d pages", ErrPageQuota, pages)}
		}

		n, err := e.runPage(ctx, log, job, cfg, l)
		if err != nil {
			return err
		}
		if n < cfg.PageSize {
			return nil
		}
	}
}

// runPage processes one page end to end: read, map, detect, write, commit.
// It returns the number of records read; a short page ends the leg.
//
// The page's external writes land in one connector transaction and its
// bookkeeping (checkpoint, counters, fingerprints, conflicts, errors) in
// one store transaction, in that order. A crash between the two replays
// the page on resume; every step is idempotent keyed by record key, so the
// replay converges to the same state.
func (e *executor) runPage(ctx context.Context, log *slog.Logger, job *model.SyncJob, cfg model.SyncConfig, l *leg) (int, error) {
	after, err := parseAfterKey(job.Checkpoint.AfterKey)
	if err != nil {
		return 0, &RunError{Code: RunErrCursor, JobID: job.ID, ConfigID: cfg.ID, Leg: l.name, Err: err}
	}

	recs, err := e.readPage(ctx, l, connector.ReadRequest{View: l.readView, AfterKey: after, Limit: cfg.PageSize})
	if err != nil {
		return 0, &RunError{Code: fatalCode(err, RunErrRead), JobID: job.ID, ConfigID: cfg.ID, Leg: l.name, Err: err}
	}
	if len(recs) == 0 {
		return 0, nil
	}

	nextAfter, err := pageCursor(recs, l.readView, after)
	if err != nil {
		return 0, &RunError{Code: RunErrCursor, JobID: job.ID, ConfigID: cfg.ID, Leg: l.name, Err: err}
	}

	// Schema snapshots for both sides. Stale snapshots are served rather
	// than failing the run; Get logs the degradation.
	readSchema, err := e.schemas.Get(ctx, l.readConn, l.readDS.ID, l.readView.Table)
	if err != nil {
		return 0, &RunError{Code: fatalCode(err, RunErrRead), JobID: job.ID, ConfigID: cfg.ID, Leg: l.name,
			Err: fmt.Errorf("schema of %s.%s: %w", l.readDS.Name, l.readView.Table, err)}
	}
	writeSchema, err := e.schemas.Get(ctx, l.writeConn, l.writeDS.ID, l.writeView.Table)
	if err != nil {
		return 0, &RunError{Code: fatalCode(err, RunErrRead), JobID: job.ID, ConfigID: cfg.ID, Leg: l.name,
			Err: fmt.Errorf("schema of %s.%s: %w", l.writeDS.Name, l.writeView.Table, err)}
	}
	canonSchema := writeSchema
	if l.flip {
		canonSchema = readSchema
	}

	page := newPageDelta(job, e.maxJobErrors, e.now())
	batch, err := e.buildRecords(log, l, recs, writeSchema, page)
	if err != nil {
		return 0, &RunError{Code: RunErrRead, JobID: job.ID, ConfigID: cfg.ID, Leg: l.name, Err: err}
	}

	if err := e.detectPage(ctx, log, job, cfg, l, batch, canonSchema, page); err != nil {
		return 0, err
	}

	e.checkReferents(ctx, log, l, writeSchema, batch, page)

	if err := e.writeBatch(ctx, log, job, cfg, l, batch, page); err != nil {
		return 0, err
	}

	// Baselines advance only for records that made it through: a dropped
	// record keeps its old baseline and is retried by the next run.
	for _, pr := range batch {
		if pr.dropped || pr.res.BaselineFP == "" {
			continue
		}
		page.fingerprints = append(page.fingerprints, store.BaselineFingerprint{
			RecordKey:   pr.baseKey,
			Fingerprint: pr.res.BaselineFP,
			JobID:       job.ID,
			UpdatedAt:   page.at,
		})
	}

	cp := model.Checkpoint{Leg: l.name, AfterKey: nextAfter}
	_, err = e.store.CommitPage(ctx, store.PageCommit{
		JobID:         job.ID,
		ConfigID:      cfg.ID,
		Checkpoint:    cp,
		Delta:         page.delta,
		Fingerprints:  page.fingerprints,
		Conflicts:     page.conflicts,
		ConvergedKeys: page.converged,
		Errors:        page.errs,
		At:            page.at,
	})
	if err != nil {
		return 0, &RunError{Code: RunErrStore, JobID: job.ID, ConfigID: cfg.ID, Leg: l.name, Err: err}
	}
	job.Checkpoint = cp
	job.Counters.Add(page.delta)
	job.Errors = append(job.Errors, page.errs...)

	if page.errsDropped > 0 {
		if err := e.store.BumpErrorsDropped(ctx, job.ID, page.errsDropped); err != nil {
			log.Warn("cannot record dropped error count", "error", err)
		} else {
			job.ErrorsDropped += page.errsDropped
		}
	}

	log.Debug("page committed",
		"after_key", cp.AfterKey,
		"read", page.delta.Read,
		"written", page.delta.Written,
		"unchanged", page.delta.Unchanged,
		"skipped", page.delta.Skipped,
		"conflicted", page.delta.Conflicted,
		"errored", page.delta.Errored)
	return len(recs), nil
}

// readPage reads with bounded retries on transient connector errors.
func (e *executor) readPage(ctx context.Context, l *leg, req connector.ReadRequest) ([]model.Record, error) {
	for attempt := 1; ; attempt++ {
		recs, err := l.readConn.ReadPage(ctx, req)
		if err == nil {
			return recs, nil
		}
		if !connector.Retryable(err) || attempt >= writeAttempts {
			return nil, err
		}
		if serr := e.sleep(ctx, backoffDelay(attempt)); serr != nil {
			return nil, serr
		}
	}
}

// readKeys fetches current writing-side rows with the same retry shape.
func (e *executor) readKeys(ctx context.Context, l *leg, view model.DatasourceView, keys []model.Value) (map[string]model.Record, error) {
	for attempt := 1; ; attempt++ {
		cur, err := l.writeConn.ReadKeys(ctx, view, keys)
		if err == nil {
			return cur, nil
		}
		if !connector.Retryable(err) || attempt >= writeAttempts {
			return nil, err
		}
		if serr := e.sleep(ctx, backoffDelay(attempt)); serr != nil {
			return nil, serr
		}
	}
}

// parseAfterKey turns the stored checkpoint text back into a typed cursor.
func parseAfterKey(text string) (model.Value, error) {
	if text == "" {
		return nil, nil
	}
	v, err := model.ParseKey(text)
	if err != nil {
		return nil, fmt.Errorf("checkpoint key %q: %w", text, err)
	}
	return v, nil
}

// pageCursor derives the next checkpoint key from the page's last record
// and enforces the strictly-advancing cursor guard.
func pageCursor(recs []model.Record, view model.DatasourceView, after model.Value) (string, error) {
	last, ok := recs[len(recs)-1][view.KeyColumn]
	if !ok {
		return "", fmt.Errorf("reader returned a record without key column %q: %w", view.KeyColumn, ErrCursorStalled)
	}
	text, err := model.KeyString(last)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCursorStalled, err)
	}
	if after != nil {
		cmp, err := compareKeys(last, after)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCursorStalled, err)
		}
		if cmp <= 0 {
			prev, _ := model.KeyString(after)
			return "", fmt.Errorf("%w: cursor %s did not advance past %s", ErrCursorStalled, text, prev)
		}
	}
	return text, nil
}

// compareKeys orders two key values of the same kind. A kind mismatch is a
// connector defect, not an ordering.
func compareKeys(a, b model.Value) (int, error) {
	switch av := a.(type) {
	case model.Int:
		if bv, ok := b.(model.Int); ok {
			return cmpOrdered(int64(av), int64(bv)), nil
		}
	case model.Float:
		if bv, ok := b.(model.Float); ok {
			return cmpOrdered(float64(av), float64(bv)), nil
		}
	case model.String:
		if bv, ok := b.(model.String); ok {
			return cmpOrdered(string(av), string(bv)), nil
		}
	case model.Time:
		if bv, ok := b.(model.Time); ok {
			at, bt := time.Time(av), time.Time(bv)
			switch {
			case at.Before(bt):
				return -1, nil
			case at.After(bt):
				return 1, nil
			}
			return 0, nil
		}
	case model.Bytes:
		if bv, ok := b.(model.Bytes); ok {
			return cmpOrdered(string(av), string(bv)), nil
		}
	}
	return 0, fmt.Errorf("key kinds %s and %s do not order", describeValue(a), describeValue(b))
}

func cmpOrdered[T int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// buildRecords maps the page and computes canonical fingerprints. A record
// whose key cannot be mapped is marked errored and excluded downstream;
// the rest of the page proceeds.
func (e *executor) buildRecords(log *slog.Logger, l *leg, recs []model.Record, writeSchema model.TableSchema, page *pageDelta) ([]*pageRecord, error) {
	batch := make([]*pageRecord, 0, len(recs))
	page.delta.Read += int64(len(recs))

	for _, rec := range recs {
		pr := &pageRecord{read: rec}
		var warnings []Warning
		pr.write, warnings = l.plan.Map(rec, writeSchema)

		readKeyText := ""
		if rk, ok := rec[l.readView.KeyColumn]; ok && !model.IsNull(rk) {
			readKeyText, _ = model.KeyString(rk)
		}

		keyVal := pr.write[l.plan.KeyColumn()]
		writeKey, err := model.KeyString(keyVal)
		if err != nil {
			page.delta.Errored++
			page.addError(readKeyText, model.ErrKindCoercion,
				fmt.Sprintf("record yields no usable key for column %q: %v", l.plan.KeyColumn(), err))
			pr.dropped = true
			batch = append(batch, pr)
			continue
		}
		pr.writeKey = writeKey

		pr.canon = l.canonicalOwn(rec, pr.write)
		if pr.baseKey, err = model.KeyString(pr.canon[l.forward.KeyColumn()]); err != nil {
			return nil, fmt.Errorf("record %s lost its canonical key %q: %w", pr.writeKey, l.forward.KeyColumn(), err)
		}
		if pr.srcFP, err = model.Fingerprint(pr.canon, l.forward.Columns()); err != nil {
			return nil, fmt.Errorf("record %s: %w", pr.baseKey, err)
		}

		for _, w := range warnings {
			log.Debug("mapping warning", "key", pr.baseKey, "column", w.Column, "kind", w.Kind, "message", w.Message)
			page.addError(pr.baseKey, w.Kind, w.Message)
		}
		batch = append(batch, pr)
	}
	return batch, nil
}

// detectPage runs three-way conflict detection for every mapped record and
// applies the leg's policy, filling in decisions, counters, new Conflict
// entities and auto-resolutions of stale pending ones.
func (e *executor) detectPage(ctx context.Context, log *slog.Logger, job *model.SyncJob, cfg model.SyncConfig, l *leg, batch []*pageRecord, canonSchema model.TableSchema, page *pageDelta) error {
	baseKeys := make([]string, 0, len(batch))
	writeKeyVals := make([]model.Value, 0, len(batch))
	for _, pr := range batch {
		if pr.dropped {
			continue
		}
		baseKeys = append(baseKeys, pr.baseKey)
		writeKeyVals = append(writeKeyVals, pr.write[l.plan.KeyColumn()])
	}
	if len(baseKeys) == 0 {
		return nil
	}

	current, err := e.readKeys(ctx, l, l.writeView, writeKeyVals)
	if err != nil {
		return &RunError{Code: fatalCode(err, RunErrRead), JobID: job.ID, ConfigID: cfg.ID, Leg: l.name,
			Err: fmt.Errorf("current rows: %w", err)}
	}
	baselines, err := e.store.GetFingerprints(ctx, cfg.ID, baseKeys)
	if err != nil {
		return &RunError{Code: RunErrStore, JobID: job.ID, ConfigID: cfg.ID, Leg: l.name, Err: err}
	}
	pending, err := e.store.PendingConflictKeys(ctx, cfg.ID, baseKeys)
	if err != nil {
		return &RunError{Code: RunErrStore, JobID: job.ID, ConfigID: cfg.ID, Leg: l.name, Err: err}
	}

	for _, pr := range batch {
		if pr.dropped {
			continue
		}
		cur, found := current[pr.writeKey]

		in := conflictInput{
			SrcFP:    pr.srcFP,
			BaseFP:   baselines[pr.baseKey],
			Src:      pr.canon,
			Policy:   l.policy,
			TieBreak: l.tieBreak,
			Columns:  l.forward.Columns(),
		}
		if found {
			in.Tgt = l.canonicalPeer(cur, canonSchema)
			tgtFP, err := model.Fingerprint(in.Tgt, l.forward.Columns())
			if err != nil {
				return &RunError{Code: RunErrRead, JobID: job.ID, ConfigID: cfg.ID, Leg: l.name,
					Err: fmt.Errorf("current row %s: %w", pr.baseKey, err)}
			}
			in.TgtFP = tgtFP
			if l.writeView.ModifiedColumn != "" {
				in.TgtModified = cur[l.writeView.ModifiedColumn]
			}
		}
		if l.readView.ModifiedColumn != "" {
			in.SrcModified = pr.read[l.readView.ModifiedColumn]
		}

		pr.pending = pending[pr.baseKey]
		pr.res = resolve(in)

		if pr.res.Conflicted {
			page.delta.Conflicted++
		}
		// A pending conflict whose divergence is gone, or now settled by
		// policy, auto-resolves on this page's commit.
		if pr.pending && pr.res.Decision != DecidePending {
			page.converged = append(page.converged, pr.baseKey)
		}

		switch pr.res.Decision {
		case DecideUnchanged, DecideConverged:
			page.delta.Unchanged++
		case DecideKeepTarget:
			// Nothing written this leg; the baseline advance on commit
			// makes the kept value read back as forward progress.
		case DecidePending:
			page.delta.Skipped++
			if !pr.pending {
				page.conflicts = append(page.conflicts, e.newConflict(job, cfg, l, pr, in, page.at))
			}
		}
	}
	return nil
}

// newConflict builds the persisted entity for a manual_only divergence.
// Snapshots are in canonical space with the config's source side first,
// whichever leg detected it.
func (e *executor) newConflict(job *model.SyncJob, cfg model.SyncConfig, l *leg, pr *pageRecord, in conflictInput, at time.Time) model.Conflict {
	src, tgt := in.Src, in.Tgt
	if l.flip {
		src, tgt = tgt, src
	}
	return model.Conflict{
		ID:             e.newID(),
		JobID:          job.ID,
		ConfigID:       cfg.ID,
		RecordKey:      pr.baseKey,
		SourceSnapshot: src,
		TargetSnapshot: tgt,
		Fields:         pr.res.Fields,
		Status:         model.ConflictPendingManual,
		DetectedAt:     at,
	}
}

// checkReferents is the advisory FK pass: for every mapped column that the
// writing side's schema declares as a foreign key, probe the referenced
// table for the page's values and record a warning per missing referent.
// Best effort only; probe failures never fail the page.
func (e *executor) checkReferents(ctx context.Context, log *slog.Logger, l *leg, writeSchema model.TableSchema, batch []*pageRecord, page *pageDelta) {
	for _, fk := range writeSchema.ForeignKeys {
		if !contains(l.plan.Columns(), fk.Column) {
			continue
		}
		vals := make([]model.Value, 0, len(batch))
		seen := map[string]bool{}
		for _, pr := range batch {
			if pr.dropped || pr.res.Decision != DecideWrite {
				continue
			}
			v, ok := pr.write[fk.Column]
			if !ok || model.IsNull(v) {
				continue
			}
			if k := keyText(v); !seen[k] {
				seen[k] = true
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			continue
		}

		refView := model.DatasourceView{
			Table:     fk.ReferencedTable,
			KeyColumn: fk.ReferencedColumn,
			Columns:   []string{fk.ReferencedColumn},
		}
		got, err := l.writeConn.ReadKeys(ctx, refView, vals)
		if err != nil {
			log.Warn("referent check skipped", "table", fk.ReferencedTable, "error", err)
			continue
		}
		for _, pr := range batch {
			if pr.dropped || pr.res.Decision != DecideWrite {
				continue
			}
			v, ok := pr.write[fk.Column]
			if !ok || model.IsNull(v) {
				continue
			}
			if _, hit := got[keyText(v)]; !hit {
				page.addError(pr.baseKey, model.ErrKindFKReferent,
					fmt.Sprintf("column %q value %s has no referent in %s.%s",
						fk.Column, keyText(v), fk.ReferencedTable, fk.ReferencedColumn))
			}
		}
	}
}

// keyText renders a value as canonical key text for lookups and messages;
// unkeyable values fall back to their Go rendering.
func keyText(v model.Value) string {
	k, err := model.KeyString(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return k
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// writeBatch pushes the page's accepted records in one connector
// transaction, retrying transient failures with exponential backoff. A
// record that keeps poisoning the batch is dropped, marked errored, and
// the rest is attempted again with a fresh retry budget. A failure the
// connector cannot pin to a record is fatal.
func (e *executor) writeBatch(ctx context.Context, log *slog.Logger, job *model.SyncJob, cfg model.SyncConfig, l *leg, batch []*pageRecord, page *pageDelta) error {
	live := make([]*pageRecord, 0, len(batch))
	for _, pr := range batch {
		if !pr.dropped && pr.res.Decision == DecideWrite {
			live = append(live, pr)
		}
	}

	attempt := 0
	for len(live) > 0 {
		records := make([]model.Record, len(live))
		for i, pr := range live {
			records[i] = pr.write
		}
		err := l.writeConn.WriteBatch(ctx, l.writeView, records)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fatalConnectorError(err) {
			return &RunError{Code: fatalCode(err, RunErrWrite), JobID: job.ID, ConfigID: cfg.ID, Leg: l.name, Err: err}
		}

		attempt++
		if connector.Retryable(err) && attempt < writeAttempts {
			delay := backoffDelay(attempt)
			log.Warn("batch write failed, retrying", "attempt", attempt, "delay", delay, "error", err)
			if serr := e.sleep(ctx, delay); serr != nil {
				return serr
			}
			continue
		}

		// Out of retries, or not worth any: drop the offender if the
		// connector named one, then go again for the rest.
		var ce *connector.Error
		if !errors.As(err, &ce) || ce.RecordKey == "" {
			return &RunError{Code: RunErrWrite, JobID: job.ID, ConfigID: cfg.ID, Leg: l.name,
				Err: fmt.Errorf("batch write failed with no offending record: %w", err)}
		}
		dropped := false
		for i, pr := range live {
			if pr.writeKey != ce.RecordKey {
				continue
			}
			log.Warn("dropping record from batch", "key", pr.baseKey, "error", err)
			pr.dropped = true
			page.delta.Errored++
			page.addError(pr.baseKey, model.ErrKindWriteError, ce.Error())
			// A dropped record settles no pending conflict.
			page.unconverge(pr.baseKey)
			live = append(live[:i], live[i+1:]...)
			dropped = true
			break
		}
		if !dropped {
			return &RunError{Code: RunErrWrite, JobID: job.ID, ConfigID: cfg.ID, Leg: l.name,
				Err: fmt.Errorf("offending record %q not in batch: %w", ce.RecordKey, err)}
		}
		attempt = 0
	}

	page.delta.Written += int64(len(live))
	return nil
}
