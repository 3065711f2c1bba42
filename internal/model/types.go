package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Driver names accepted for a Datasource.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// ValidDrivers defines the allowed datasource drivers.
var ValidDrivers = map[string]bool{
	DriverMySQL:  true,
	DriverSQLite: true,
}

// Datasource is a registered external data system.
// Soft-deleted on removal: DeletedAt is set, the row stays.
type Datasource struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Driver        string     `json:"driver"`
	DSN           string     `json:"dsn"`
	CredentialRef string     `json:"credential_ref,omitempty"` // external secret handle, never the secret itself
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// Validate checks structural validity of a datasource definition.
func (d Datasource) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("datasource name is required")
	}
	if !ValidDrivers[d.Driver] {
		return fmt.Errorf("datasource %q: unknown driver %q", d.Name, d.Driver)
	}
	if d.DSN == "" {
		return fmt.Errorf("datasource %q: dsn is required", d.Name)
	}
	return nil
}

// DatasourceView is a named, filtered projection of one table within a
// Datasource: the selected columns, an optional SQL predicate, the key
// column that gives rows a stable total order, and the optional column
// carrying the last-modified timestamp.
//
// Views are immutable once referenced by a job; edits bump Version and
// create a new row.
type DatasourceView struct {
	ID             string    `json:"id"`
	DatasourceID   string    `json:"datasource_id"`
	Name           string    `json:"name"`
	Table          string    `json:"table"`
	KeyColumn      string    `json:"key_column"`
	Columns        []string  `json:"columns"`
	Predicate      string    `json:"predicate,omitempty"` // raw SQL fragment, ANDed into reads
	ModifiedColumn string    `json:"modified_column,omitempty"`
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks structural validity of a view definition.
func (v DatasourceView) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("view name is required")
	}
	if v.Table == "" {
		return fmt.Errorf("view %q: table is required", v.Name)
	}
	if v.KeyColumn == "" {
		return fmt.Errorf("view %q: key_column is required", v.Name)
	}
	if len(v.Columns) == 0 {
		return fmt.Errorf("view %q: at least one column is required", v.Name)
	}
	for _, c := range v.Columns {
		if c == "" {
			return fmt.Errorf("view %q: empty column name", v.Name)
		}
	}
	return nil
}

// HasColumn reports whether the view selects the named column.
func (v DatasourceView) HasColumn(name string) bool {
	for _, c := range v.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Sync directions.
const (
	DirectionOneWay = "one_way"
	DirectionTwoWay = "two_way"
)

// ValidDirections defines the allowed sync directions.
var ValidDirections = map[string]bool{
	DirectionOneWay: true,
	DirectionTwoWay: true,
}

// Conflict policies.
const (
	PolicyLastWriteWins = "last_write_wins"
	PolicySourceWins    = "source_wins"
	PolicyTargetWins    = "target_wins"
	PolicyManualOnly    = "manual_only"
)

// ValidPolicies defines the allowed conflict policies.
var ValidPolicies = map[string]bool{
	PolicyLastWriteWins: true,
	PolicySourceWins:    true,
	PolicyTargetWins:    true,
	PolicyManualOnly:    true,
}

// Tie-break sides for last_write_wins on equal or missing timestamps.
const (
	TieBreakSource = "source"
	TieBreakTarget = "target"
)

// Coercion rule names for field mappings.
const (
	CoerceNone     = ""
	CoerceInteger  = "integer"
	CoerceFloat    = "float"
	CoerceString   = "string"
	CoerceBoolean  = "boolean"
	CoerceDatetime = "datetime"
	CoerceEnum     = "enum"
)

// ValidCoercions defines the allowed coercion rules (closed set: mapping
// stays a pure, replayable function with no executable transform logic).
var ValidCoercions = map[string]bool{
	CoerceNone:     true,
	CoerceInteger:  true,
	CoerceFloat:    true,
	CoerceString:   true,
	CoerceBoolean:  true,
	CoerceDatetime: true,
	CoerceEnum:     true,
}

// FieldMapping maps one source column to one target column with an optional
// coercion and an optional default applied when the source value is absent.
// Mappings are ordered; a later mapping to the same target column overrides
// the earlier one (explicit last-wins).
type FieldMapping struct {
	SourceColumn string   `json:"source_column"`
	TargetColumn string   `json:"target_column"`
	Coerce       string   `json:"coerce,omitempty"`
	EnumValues   []string `json:"enum_values,omitempty"` // allowed values when Coerce == enum
	Default      Value    `json:"default,omitempty"`     // nil means no default
}

// UnmarshalJSON implements json.Unmarshaler for FieldMapping; the Default
// cell cannot decode into the Value interface without help.
func (m *FieldMapping) UnmarshalJSON(data []byte) error {
	var raw struct {
		SourceColumn string          `json:"source_column"`
		TargetColumn string          `json:"target_column"`
		Coerce       string          `json:"coerce"`
		EnumValues   []string        `json:"enum_values"`
		Default      json.RawMessage `json:"default"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.SourceColumn = raw.SourceColumn
	m.TargetColumn = raw.TargetColumn
	m.Coerce = raw.Coerce
	m.EnumValues = raw.EnumValues
	m.Default = nil
	if len(raw.Default) > 0 && string(raw.Default) != "null" {
		v, err := UnmarshalValue(raw.Default)
		if err != nil {
			return fmt.Errorf("mapping %s -> %s: default: %w", raw.SourceColumn, raw.TargetColumn, err)
		}
		m.Default = v
	}
	return nil
}

// Validate checks structural validity of one mapping entry.
func (m FieldMapping) Validate() error {
	if m.SourceColumn == "" {
		return fmt.Errorf("mapping: source_column is required")
	}
	if m.TargetColumn == "" {
		return fmt.Errorf("mapping %q: target_column is required", m.SourceColumn)
	}
	if !ValidCoercions[m.Coerce] {
		return fmt.Errorf("mapping %s -> %s: unknown coercion %q", m.SourceColumn, m.TargetColumn, m.Coerce)
	}
	if m.Coerce == CoerceEnum && len(m.EnumValues) == 0 {
		return fmt.Errorf("mapping %s -> %s: enum coercion requires enum_values", m.SourceColumn, m.TargetColumn)
	}
	return nil
}

// Inverse returns the mapping with source and target swapped, for derived
// reverse plans. The default is dropped (it belongs to the forward read
// side) and the coercion is cleared; the reverse plan re-derives coercion
// from the destination column's declared type.
func (m FieldMapping) Inverse() FieldMapping {
	return FieldMapping{
		SourceColumn: m.TargetColumn,
		TargetColumn: m.SourceColumn,
	}
}

// SyncConfig binds a source view to a target view with an ordered mapping
// list, a direction, and a conflict policy. At most one active job may run
// per config at any time.
type SyncConfig struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	SourceViewID    string         `json:"source_view_id"`
	TargetViewID    string         `json:"target_view_id"`
	Direction       string         `json:"direction"`
	Policy          string         `json:"policy"`
	TieBreak        string         `json:"tie_break,omitempty"` // defaults to source
	PageSize        int            `json:"page_size"`
	Schedule        string         `json:"schedule,omitempty"` // cron expression, empty = manual only
	Mappings        []FieldMapping `json:"mappings"`
	ReverseMappings []FieldMapping `json:"reverse_mappings,omitempty"` // two-way only; derived when empty
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Validate checks structural validity of a sync config.
func (c SyncConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("sync config name is required")
	}
	if c.SourceViewID == "" || c.TargetViewID == "" {
		return fmt.Errorf("sync config %q: source and target views are required", c.Name)
	}
	if c.SourceViewID == c.TargetViewID {
		return fmt.Errorf("sync config %q: source and target views must differ", c.Name)
	}
	if !ValidDirections[c.Direction] {
		return fmt.Errorf("sync config %q: unknown direction %q", c.Name, c.Direction)
	}
	if !ValidPolicies[c.Policy] {
		return fmt.Errorf("sync config %q: unknown policy %q", c.Name, c.Policy)
	}
	if c.TieBreak != "" && c.TieBreak != TieBreakSource && c.TieBreak != TieBreakTarget {
		return fmt.Errorf("sync config %q: unknown tie_break %q", c.Name, c.TieBreak)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("sync config %q: page_size must be positive", c.Name)
	}
	if len(c.Mappings) == 0 {
		return fmt.Errorf("sync config %q: at least one mapping is required", c.Name)
	}
	for _, m := range c.Mappings {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("sync config %q: %w", c.Name, err)
		}
	}
	for _, m := range c.ReverseMappings {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("sync config %q: reverse %w", c.Name, err)
		}
	}
	if len(c.ReverseMappings) > 0 && c.Direction != DirectionTwoWay {
		return fmt.Errorf("sync config %q: reverse_mappings requires two_way direction", c.Name)
	}
	return nil
}

// TieBreakOrDefault returns the configured tie-break side, defaulting to
// source.
func (c SyncConfig) TieBreakOrDefault() string {
	if c.TieBreak == TieBreakTarget {
		return TieBreakTarget
	}
	return TieBreakSource
}

// Job statuses.
const (
	JobPending        = "pending"
	JobRunning        = "running"
	JobSucceeded      = "succeeded"
	JobFailed         = "failed"
	JobPartialSuccess = "partial_success"
	JobCancelled      = "cancelled"
)

// TerminalJobStatus reports whether a status is terminal.
func TerminalJobStatus(s string) bool {
	switch s {
	case JobSucceeded, JobFailed, JobPartialSuccess, JobCancelled:
		return true
	}
	return false
}

// Sync legs. One-way configs run only the forward leg; two-way configs run
// forward then reverse.
const (
	LegForward = "forward"
	LegReverse = "reverse"
)

// Counters tallies per-record outcomes for one job.
//
// Unchanged covers "source did not change" and "both sides converged";
// neither needs attention. Skipped counts records excluded pending manual
// resolution. A run ends PartialSuccess iff Skipped+Errored > 0.
type Counters struct {
	Read       int64 `json:"read"`
	Written    int64 `json:"written"`
	Unchanged  int64 `json:"unchanged"`
	Skipped    int64 `json:"skipped"`
	Conflicted int64 `json:"conflicted"`
	Errored    int64 `json:"errored"`
}

// Add accumulates another tally into this one.
func (c *Counters) Add(o Counters) {
	c.Read += o.Read
	c.Written += o.Written
	c.Unchanged += o.Unchanged
	c.Skipped += o.Skipped
	c.Conflicted += o.Conflicted
	c.Errored += o.Errored
}

// Checkpoint marks the last committed page: the leg being executed and the
// canonical key text of the last record in that page. Empty AfterKey means
// the leg has not committed a page yet. Within a run a checkpoint only
// moves forward.
type Checkpoint struct {
	Leg      string `json:"leg"`
	AfterKey string `json:"after_key,omitempty"`
}

// JobError is one non-fatal, per-record (or per-field) issue collected
// during a run. The list on a job is bounded; overflow is counted, not
// stored.
type JobError struct {
	Seq       int64     `json:"seq"`
	RecordKey string    `json:"record_key,omitempty"`
	Kind      string    `json:"kind"` // schema_drift | coercion | fk_referent | conflict_unresolved | write_error
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// JobError kinds.
const (
	ErrKindSchemaDrift        = "schema_drift"
	ErrKindCoercion           = "coercion"
	ErrKindFKReferent         = "fk_referent"
	ErrKindConflictUnresolved = "conflict_unresolved"
	ErrKindWriteError         = "write_error"
)

// SyncJob is one execution of a SyncConfig. Mutated only by the executor
// that owns it; retained after completion for audit and resume.
type SyncJob struct {
	ID              string     `json:"id"`
	ConfigID        string     `json:"config_id"`
	Status          string     `json:"status"`
	Checkpoint      Checkpoint `json:"checkpoint"`
	Counters        Counters   `json:"counters"`
	Errors          []JobError `json:"errors,omitempty"`
	ErrorsDropped   int64      `json:"errors_dropped,omitempty"` // overflow beyond the stored list
	FatalError      string     `json:"fatal_error,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Conflict statuses.
const (
	ConflictPendingManual  = "pending_manual"
	ConflictAutoResolved   = "auto_resolved"
	ConflictManualResolved = "manual_resolved"
	ConflictSkipped        = "skipped"
)

// ValidConflictStatuses defines the allowed conflict statuses.
var ValidConflictStatuses = map[string]bool{
	ConflictPendingManual:  true,
	ConflictAutoResolved:   true,
	ConflictManualResolved: true,
	ConflictSkipped:        true,
}

// Resolution choices for resolving a pending conflict.
const (
	ResolveUseSource = "source"
	ResolveUseTarget = "target"
	ResolveUseCustom = "custom"
	ResolveSkip      = "skip"
)

// Conflict records a divergence detected between source and target for one
// record key. Created only under the manual_only policy; never deleted,
// only transitioned.
type Conflict struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	ConfigID       string     `json:"config_id"`
	RecordKey      string     `json:"record_key"`
	SourceSnapshot Record     `json:"source_snapshot"`
	TargetSnapshot Record     `json:"target_snapshot"`
	Fields         []string   `json:"fields"` // differing mapped columns, sorted
	Status         string     `json:"status"`
	Resolution     string     `json:"resolution,omitempty"` // source | target | custom | skip
	ResolvedValue  Record     `json:"resolved_value,omitempty"`
	DetectedAt     time.Time  `json:"detected_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Lease marks a config as having an active job. Acquired before a job is
// enqueued, released on terminal state; its existence rejects concurrent
// triggers for the same config.
type Lease struct {
	ConfigID   string    `json:"config_id"`
	JobID      string    `json:"job_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}
