package engine

import (
	"time"

	"github.com/tidesync/tidesync/internal/model"
	"github.com/tidesync/tidesync/internal/store"
)

// pageDelta accumulates everything one page changes: counter movement,
// baseline advances, new conflicts, auto-resolutions and issue rows. The
// whole delta lands in a single store transaction (CommitPage).
//
// Issue rows are sequenced here, continuing the job's existing numbering,
// so a replayed page regenerates the same (job, seq) pairs and the store's
// conflict-free insert absorbs the duplicates.
type pageDelta struct {
	delta        model.Counters
	fingerprints []store.BaselineFingerprint
	conflicts    []model.Conflict
	converged    []string
	errs         []model.JobError
	errsDropped  int64
	at           time.Time

	nextSeq int64
	room    int // remaining capacity in the job's bounded error list
}

func newPageDelta(job *model.SyncJob, maxErrors int, at time.Time) *pageDelta {
	next := int64(1)
	if n := len(job.Errors); n > 0 {
		next = job.Errors[n-1].Seq + 1
	}
	room := maxErrors - len(job.Errors)
	if room < 0 {
		room = 0
	}
	return &pageDelta{at: at, nextSeq: next, room: room}
}

// addError appends one non-fatal issue, or counts it as dropped once the
// job's error list is full.
func (p *pageDelta) addError(recordKey, kind, message string) {
	if len(p.errs) >= p.room {
		p.errsDropped++
		return
	}
	p.errs = append(p.errs, model.JobError{
		Seq:       p.nextSeq,
		RecordKey: recordKey,
		Kind:      kind,
		Message:   message,
		At:        p.at,
	})
	p.nextSeq++
}

// unconverge withdraws a key from the page's auto-resolution set, used when
// the record that would have settled the pending conflict got dropped from
// the write batch.
func (p *pageDelta) unconverge(key string) {
	for i, k := range p.converged {
		if k == key {
			p.converged = append(p.converged[:i], p.converged[i+1:]...)
			return
		}
	}
}
