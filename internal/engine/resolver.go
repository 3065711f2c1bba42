package engine

import (
	"sort"
	"time"

	"github.com/tidesync/tidesync/internal/model"
)

// Decision is the per-record outcome of conflict detection.
type Decision int

const (
	// DecideWrite propagates the reading side's mapped value.
	DecideWrite Decision = iota + 1
	// DecideKeepTarget keeps the writing side as-is; nothing written this
	// leg. Two-way configs carry the value back on the reverse leg.
	DecideKeepTarget
	// DecideUnchanged means the reading side did not change since the
	// baseline; there is nothing to propagate.
	DecideUnchanged
	// DecideConverged means both sides changed to the same value; no write
	// needed, the baseline advances to the converged fingerprint.
	DecideConverged
	// DecidePending means a divergence under manual_only policy: a Conflict
	// persists and the record is excluded from this run's writes.
	DecidePending
)

// resolution is what the resolver decided for one record key.
type resolution struct {
	Decision Decision

	// Conflicted is set when a three-way divergence was detected,
	// regardless of how policy settled it.
	Conflicted bool

	// BaselineFP is the fingerprint the baseline advances to on page
	// commit; empty leaves the stored baseline untouched.
	BaselineFP string

	// Fields lists the differing mapped columns, sorted; populated only
	// for DecidePending (it feeds the persisted Conflict entity).
	Fields []string
}

// conflictInput carries everything detection needs for one record. All
// records and fingerprints are in the canonical (forward-target) column
// space, so both legs of a two-way config compare against the same
// baselines.
type conflictInput struct {
	SrcFP  string // mapped reading-side fingerprint
	TgtFP  string // current writing-side fingerprint; "" when the row is absent
	BaseFP string // stored baseline; "" when this key was never synced

	Src model.Record // mapped reading-side record (canonical space)
	Tgt model.Record // current writing-side record (canonical space)

	// Modified-column values for last_write_wins, from each side's view
	// definition. nil when the view declares no modified column or the row
	// lacks it.
	SrcModified model.Value
	TgtModified model.Value

	Policy   string
	TieBreak string
	Columns  []string // plan target columns (diff field computation)
}

// resolve runs three-way detection for one record and applies the config's
// policy to any divergence.
//
// The decision table, with B = baseline, S = mapped source, T = current
// target fingerprints:
//
//	no B            -> write S (first sync of this key)
//	S == B          -> unchanged (target-only drift is the reverse leg's
//	                   business, or none at all for one-way configs)
//	no T            -> write S (target row missing; recreate)
//	T == B          -> write S (plain forward progress)
//	S == T          -> converged; advance baseline, write nothing
//	otherwise       -> divergence; policy decides
func resolve(in conflictInput) resolution {
	switch {
	case in.BaseFP == "":
		return resolution{Decision: DecideWrite, BaselineFP: in.SrcFP}
	case in.SrcFP == in.BaseFP:
		return resolution{Decision: DecideUnchanged}
	case in.TgtFP == "":
		return resolution{Decision: DecideWrite, BaselineFP: in.SrcFP}
	case in.TgtFP == in.BaseFP:
		return resolution{Decision: DecideWrite, BaselineFP: in.SrcFP}
	case in.SrcFP == in.TgtFP:
		return resolution{Decision: DecideConverged, BaselineFP: in.SrcFP}
	}

	// Three-way divergence: both sides changed, to different values.
	switch in.Policy {
	case model.PolicySourceWins:
		return resolution{Decision: DecideWrite, Conflicted: true, BaselineFP: in.SrcFP}

	case model.PolicyTargetWins:
		return resolution{Decision: DecideKeepTarget, Conflicted: true, BaselineFP: in.TgtFP}

	case model.PolicyLastWriteWins:
		if lastWriteWinner(in.SrcModified, in.TgtModified, in.TieBreak) == model.TieBreakSource {
			return resolution{Decision: DecideWrite, Conflicted: true, BaselineFP: in.SrcFP}
		}
		return resolution{Decision: DecideKeepTarget, Conflicted: true, BaselineFP: in.TgtFP}

	default: // model.PolicyManualOnly
		return resolution{
			Decision:   DecidePending,
			Conflicted: true,
			Fields:     diffColumns(in.Src, in.Tgt, in.Columns),
		}
	}
}

// lastWriteWinner picks a side by modified timestamp. A missing or
// unparseable timestamp on either side falls back to the tie-break side,
// as do equal timestamps.
func lastWriteWinner(srcMod, tgtMod model.Value, tieBreak string) string {
	if srcMod == nil || tgtMod == nil {
		return tieBreak
	}
	st, err := asTime(srcMod)
	if err != nil {
		return tieBreak
	}
	tt, err := asTime(tgtMod)
	if err != nil {
		return tieBreak
	}
	if time.Time(st).After(time.Time(tt)) {
		return model.TieBreakSource
	}
	if time.Time(tt).After(time.Time(st)) {
		return model.TieBreakTarget
	}
	return tieBreak
}

// diffColumns lists the plan columns whose values differ between the two
// records, sorted for stable Conflict entities.
func diffColumns(src, tgt model.Record, columns []string) []string {
	var out []string
	for _, c := range columns {
		sv, sok := src[c]
		tv, tok := tgt[c]
		switch {
		case !sok && !tok:
			continue
		case sok != tok:
			out = append(out, c)
		case !model.Equal(sv, tv):
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
