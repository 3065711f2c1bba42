package compiler

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/tidesync/tidesync/internal/model"
)

// Validation error codes (E100-E199).
const (
	// Datasource errors (E101-E109)
	ErrUnknownDriver = "E101"
	ErrEmptyDSN      = "E102"

	// View errors (E110-E119)
	ErrViewNoColumns       = "E110"
	ErrViewDuplicateColumn = "E111"
	ErrViewKeyNotSelected  = "E112"
	ErrViewUnknownColumn   = "E113"
	ErrUnknownDatasource   = "E114"

	// Config errors (E120-E139)
	ErrUnknownDirection    = "E120"
	ErrUnknownPolicy       = "E121"
	ErrUnknownTieBreak     = "E122"
	ErrBadPageSize         = "E123"
	ErrBadSchedule         = "E124"
	ErrUnknownView         = "E125"
	ErrSameSourceTarget    = "E126"
	ErrNoMappings          = "E127"
	ErrUnknownCoercion     = "E128"
	ErrEnumWithoutValues   = "E129"
	ErrMappingBadColumn    = "E130"
	ErrKeyColumnUnmapped   = "E131"
	ErrModifiedColumnNeeds = "E132"
	ErrDuplicateName       = "E133"
)

// ValidationError is one finding against a compiled bundle.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// cron expressions use the standard 5-field syntax, no seconds field.
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks a compiled bundle: enum membership, column closure within
// each declaration, and referential closure across them (views name
// registered datasources, configs name registered views). It returns every
// finding rather than failing fast, so one run reports the whole file.
//
// Names may resolve against previously applied entities too; the known
// maps carry those. Nil maps restrict resolution to the bundle itself.
func Validate(b *Bundle, knownDatasources, knownViews map[string]bool) []ValidationError {
	var errs []ValidationError

	datasources := map[string]bool{}
	for name := range knownDatasources {
		datasources[name] = true
	}
	views := map[string]View{}
	knownView := func(name string) bool {
		if _, ok := views[name]; ok {
			return true
		}
		return knownViews[name]
	}

	for _, ds := range b.Datasources {
		if datasources[ds.Name] {
			errs = append(errs, ValidationError{
				Field: "datasource." + ds.Name, Code: ErrDuplicateName,
				Message: "declared more than once"})
		}
		datasources[ds.Name] = true
		if !model.ValidDrivers[ds.Driver] {
			errs = append(errs, ValidationError{
				Field: "datasource." + ds.Name + ".driver", Code: ErrUnknownDriver,
				Message: fmt.Sprintf("unknown driver %q", ds.Driver)})
		}
		if strings.TrimSpace(ds.DSN) == "" {
			errs = append(errs, ValidationError{
				Field: "datasource." + ds.Name + ".dsn", Code: ErrEmptyDSN,
				Message: "dsn must not be empty"})
		}
	}

	for _, view := range b.Views {
		field := "view." + view.Name
		if _, dup := views[view.Name]; dup {
			errs = append(errs, ValidationError{
				Field: field, Code: ErrDuplicateName, Message: "declared more than once"})
		}
		views[view.Name] = view

		if !datasources[view.Datasource] {
			errs = append(errs, ValidationError{
				Field: field + ".datasource", Code: ErrUnknownDatasource,
				Message: fmt.Sprintf("datasource %q is not declared", view.Datasource)})
		}
		if len(view.Columns) == 0 {
			errs = append(errs, ValidationError{
				Field: field + ".columns", Code: ErrViewNoColumns,
				Message: "at least one column is required"})
			continue
		}
		seen := map[string]bool{}
		for _, c := range view.Columns {
			if seen[c] {
				errs = append(errs, ValidationError{
					Field: field + ".columns", Code: ErrViewDuplicateColumn,
					Message: fmt.Sprintf("column %q listed twice", c)})
			}
			seen[c] = true
		}
		if !seen[view.KeyColumn] {
			errs = append(errs, ValidationError{
				Field: field + ".keyColumn", Code: ErrViewKeyNotSelected,
				Message: fmt.Sprintf("key column %q is not in columns", view.KeyColumn)})
		}
		if view.ModifiedColumn != "" && !seen[view.ModifiedColumn] {
			errs = append(errs, ValidationError{
				Field: field + ".modifiedColumn", Code: ErrViewUnknownColumn,
				Message: fmt.Sprintf("modified column %q is not in columns", view.ModifiedColumn)})
		}
	}

	configNames := map[string]bool{}
	for _, cfg := range b.Configs {
		field := "syncConfig." + cfg.Name
		if configNames[cfg.Name] {
			errs = append(errs, ValidationError{
				Field: field, Code: ErrDuplicateName, Message: "declared more than once"})
		}
		configNames[cfg.Name] = true
		errs = append(errs, validateConfig(cfg, views, knownView)...)
	}

	return errs
}

func validateConfig(cfg Config, views map[string]View, knownView func(string) bool) []ValidationError {
	var errs []ValidationError
	field := "syncConfig." + cfg.Name

	if !model.ValidDirections[cfg.Direction] {
		errs = append(errs, ValidationError{
			Field: field + ".direction", Code: ErrUnknownDirection,
			Message: fmt.Sprintf("unknown direction %q", cfg.Direction)})
	}
	if !model.ValidPolicies[cfg.Policy] {
		errs = append(errs, ValidationError{
			Field: field + ".policy", Code: ErrUnknownPolicy,
			Message: fmt.Sprintf("unknown policy %q", cfg.Policy)})
	}
	if cfg.TieBreak != "" && cfg.TieBreak != model.TieBreakSource && cfg.TieBreak != model.TieBreakTarget {
		errs = append(errs, ValidationError{
			Field: field + ".tieBreak", Code: ErrUnknownTieBreak,
			Message: fmt.Sprintf("unknown tieBreak %q", cfg.TieBreak)})
	}
	if cfg.PageSize <= 0 {
		errs = append(errs, ValidationError{
			Field: field + ".pageSize", Code: ErrBadPageSize,
			Message: fmt.Sprintf("pageSize %d must be positive", cfg.PageSize)})
	}
	if cfg.Schedule != "" {
		if _, err := scheduleParser.Parse(cfg.Schedule); err != nil {
			errs = append(errs, ValidationError{
				Field: field + ".schedule", Code: ErrBadSchedule,
				Message: fmt.Sprintf("invalid cron expression %q: %v", cfg.Schedule, err)})
		}
	}
	if cfg.Source == cfg.Target {
		errs = append(errs, ValidationError{
			Field: field, Code: ErrSameSourceTarget,
			Message: "source and target views must differ"})
	}
	for _, ref := range []struct{ field, name string }{
		{"source", cfg.Source},
		{"target", cfg.Target},
	} {
		if !knownView(ref.name) {
			errs = append(errs, ValidationError{
				Field: field + "." + ref.field, Code: ErrUnknownView,
				Message: fmt.Sprintf("view %q is not declared", ref.name)})
		}
	}
	if len(cfg.Mappings) == 0 {
		errs = append(errs, ValidationError{
			Field: field + ".mappings", Code: ErrNoMappings,
			Message: "at least one mapping is required"})
	}

	// Column-level checks need the bundle's view declarations; configs
	// referencing only previously applied views are checked at apply time
	// against the stored definitions instead.
	srcView, haveSrc := views[cfg.Source]
	tgtView, haveTgt := views[cfg.Target]

	keyMapped := false
	for i, m := range cfg.Mappings {
		mfield := fmt.Sprintf("%s.mappings[%d]", field, i)
		if !model.ValidCoercions[m.Coerce] {
			errs = append(errs, ValidationError{
				Field: mfield + ".coerce", Code: ErrUnknownCoercion,
				Message: fmt.Sprintf("unknown coercion %q", m.Coerce)})
		}
		if m.Coerce == model.CoerceEnum && len(m.EnumValues) == 0 {
			errs = append(errs, ValidationError{
				Field: mfield, Code: ErrEnumWithoutValues,
				Message: "enum coercion requires enumValues"})
		}
		if haveSrc && !contains(srcView.Columns, m.Source) {
			errs = append(errs, ValidationError{
				Field: mfield + ".source", Code: ErrMappingBadColumn,
				Message: fmt.Sprintf("column %q is not in view %q", m.Source, cfg.Source)})
		}
		if haveTgt && !contains(tgtView.Columns, m.Target) {
			errs = append(errs, ValidationError{
				Field: mfield + ".target", Code: ErrMappingBadColumn,
				Message: fmt.Sprintf("column %q is not in view %q", m.Target, cfg.Target)})
		}
		if haveTgt && m.Target == tgtView.KeyColumn {
			keyMapped = true
		}
	}
	if haveTgt && !keyMapped {
		errs = append(errs, ValidationError{
			Field: field + ".mappings", Code: ErrKeyColumnUnmapped,
			Message: fmt.Sprintf("no mapping targets key column %q of view %q",
				tgtView.KeyColumn, cfg.Target)})
	}

	if cfg.Policy == model.PolicyLastWriteWins {
		for _, side := range []struct {
			name string
			view View
			have bool
		}{
			{cfg.Source, srcView, haveSrc},
			{cfg.Target, tgtView, haveTgt},
		} {
			if side.have && side.view.ModifiedColumn == "" {
				errs = append(errs, ValidationError{
					Field: field + ".policy", Code: ErrModifiedColumnNeeds,
					Message: fmt.Sprintf("last_write_wins requires modifiedColumn on view %q", side.name)})
			}
		}
	}

	return errs
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
