package engine

import (
	"fmt"

	"github.com/tidesync/tidesync/internal/model"
)

// Warning is one non-fatal mapping issue attached to a record's processing
// result. Warnings never abort the record or the batch.
type Warning struct {
	Kind    string // model.ErrKindCoercion or model.ErrKindSchemaDrift
	Column  string // target column involved
	Message string
}

// Plan is a compiled mapping for one leg: the ordered mapping list plus the
// derived facts the executor needs on every record. Compile once, apply per
// record; Map is pure.
type Plan struct {
	mappings  []model.FieldMapping
	keyColumn string   // writing-side key column
	columns   []string // unique target columns, in first-appearance order
}

// CompilePlan validates the ordered mapping list against the writing-side
// view and precomputes the plan's target column set. Every plan must map
// the writing side's key column: without a key no record can be upserted
// or fingerprinted.
func CompilePlan(mappings []model.FieldMapping, writeView model.DatasourceView) (*Plan, error) {
	if len(mappings) == 0 {
		return nil, fmt.Errorf("compile plan for view %q: no mappings", writeView.Name)
	}

	seen := map[string]bool{}
	p := &Plan{
		mappings:  make([]model.FieldMapping, len(mappings)),
		keyColumn: writeView.KeyColumn,
	}
	copy(p.mappings, mappings)

	keyMapped := false
	for _, m := range p.mappings {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("compile plan for view %q: %w", writeView.Name, err)
		}
		if !seen[m.TargetColumn] {
			seen[m.TargetColumn] = true
			p.columns = append(p.columns, m.TargetColumn)
		}
		if m.TargetColumn == writeView.KeyColumn {
			keyMapped = true
		}
	}
	if !keyMapped {
		return nil, fmt.Errorf("compile plan for view %q: no mapping targets key column %q",
			writeView.Name, writeView.KeyColumn)
	}
	return p, nil
}

// Columns returns the plan's target column set. Fingerprints cover exactly
// these columns on both sides of a comparison.
func (p *Plan) Columns() []string {
	out := make([]string, len(p.columns))
	copy(out, p.columns)
	return out
}

// KeyColumn returns the writing-side key column.
func (p *Plan) KeyColumn() string { return p.keyColumn }

// Map applies the plan to one source record. Mappings apply in declaration
// order; a later mapping to the same target column overwrites the earlier
// value. A missing source column uses the mapping's default when configured,
// otherwise contributes nothing. A failed coercion drops that mapping's
// contribution and reports a warning. A target column absent from the
// (possibly stale) target schema is still emitted, with a schema-drift
// warning; the write surfaces the truth.
//
// Pure function: no I/O, no clock, safe to replay.
func (p *Plan) Map(src model.Record, target model.TableSchema) (model.Record, []Warning) {
	out := make(model.Record, len(p.columns))
	var warnings []Warning

	for _, m := range p.mappings {
		v, ok := src[m.SourceColumn]
		if !ok || v == nil {
			if m.Default == nil {
				continue
			}
			v = m.Default
		}

		col, inSchema := target.Column(m.TargetColumn)

		coerced, err := coerce(v, m.Coerce, m.EnumValues)
		if err == nil && m.Coerce == model.CoerceNone && inSchema {
			coerced = coerceToKind(coerced, col.Kind)
		}
		if err != nil {
			warnings = append(warnings, Warning{
				Kind:    model.ErrKindCoercion,
				Column:  m.TargetColumn,
				Message: fmt.Sprintf("%s -> %s: %v", m.SourceColumn, m.TargetColumn, err),
			})
			continue
		}

		if len(target.Columns) > 0 && !inSchema {
			warnings = append(warnings, Warning{
				Kind:    model.ErrKindSchemaDrift,
				Column:  m.TargetColumn,
				Message: fmt.Sprintf("target column %q not in cached schema of %q", m.TargetColumn, target.Table),
			})
		}

		out[m.TargetColumn] = coerced
	}
	return out, warnings
}

// reverseMappings returns the configured reverse mapping list, deriving one
// by inverting the forward list when the config omits it. Derived inverses
// drop forward defaults and coercions; the reverse plan re-coerces against
// the destination column's declared type.
func reverseMappings(cfg model.SyncConfig) []model.FieldMapping {
	if len(cfg.ReverseMappings) > 0 {
		return cfg.ReverseMappings
	}
	out := make([]model.FieldMapping, 0, len(cfg.Mappings))
	for _, m := range cfg.Mappings {
		out = append(out, m.Inverse())
	}
	return out
}
