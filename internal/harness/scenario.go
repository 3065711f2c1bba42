package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tidesync/tidesync/internal/connector"
	"github.com/tidesync/tidesync/internal/model"
	"github.com/tidesync/tidesync/internal/testutil"
)

// Scenario is one declarative sync test: two seeded tables, a step script
// (syncs, edits, injected failures), and expectations over jobs, conflicts
// and the final table state.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Table shape, shared by both sides. The first column is the key
	// unless key_column says otherwise.
	Table          string   `yaml:"table,omitempty"`
	KeyColumn      string   `yaml:"key_column,omitempty"`
	Columns        []string `yaml:"columns"`
	ModifiedColumn string   `yaml:"modified_column,omitempty"`

	Config ConfigClause `yaml:"config,omitempty"`

	// Initial rows per side. Values in the modified column must be
	// RFC 3339 timestamps; everything else stays its YAML scalar type.
	Source []Row `yaml:"source,omitempty"`
	Target []Row `yaml:"target,omitempty"`

	Steps  []Step       `yaml:"steps"`
	Expect *FinalExpect `yaml:"expect,omitempty"`
}

// Row is one record as written in YAML.
type Row map[string]any

// ConfigClause shapes the SyncConfig the scenario runs under.
type ConfigClause struct {
	Direction string `yaml:"direction,omitempty"` // default one_way
	Policy    string `yaml:"policy,omitempty"`    // default last_write_wins
	TieBreak  string `yaml:"tie_break,omitempty"`
	PageSize  int    `yaml:"page_size,omitempty"` // default 10
}

// Step kinds.
const (
	StepSync   = "sync"
	StepResume = "resume"
	StepEdit   = "edit"
	StepDelete = "delete"
	StepFail   = "fail"
)

// Step is one scripted action. Do selects the kind; the other fields apply
// per kind (side+row for edit, side+key for delete, the failure fields for
// fail, expect for sync and resume).
type Step struct {
	Do   string `yaml:"do"`
	Side string `yaml:"side,omitempty"` // source | target

	Row Row `yaml:"row,omitempty"` // edit: the row to upsert
	Key any `yaml:"key,omitempty"` // delete: the key to remove

	// fail: script the side's next call of op to return an error. With
	// succeed_first, that many calls succeed before the failure fires.
	Op           string `yaml:"op,omitempty"`   // schema|read_page|read_keys|write|ping
	Kind         string `yaml:"kind,omitempty"` // connection|auth|constraint|query
	Message      string `yaml:"message,omitempty"`
	Retryable    bool   `yaml:"retryable,omitempty"`
	RecordKey    string `yaml:"record_key,omitempty"`
	SucceedFirst int    `yaml:"succeed_first,omitempty"`

	Expect *JobExpect `yaml:"expect,omitempty"`
}

// JobExpect checks the terminal job of a sync or resume step. Counters is a
// subset match: only the named counters are compared.
type JobExpect struct {
	Status        string           `yaml:"status,omitempty"`
	Counters      map[string]int64 `yaml:"counters,omitempty"`
	FatalContains string           `yaml:"fatal_contains,omitempty"`
	CheckpointKey string           `yaml:"checkpoint_key,omitempty"`
}

// FinalExpect checks the end state after all steps ran. Row lists must
// match exactly (same keys, same values); Conflicts matches the config's
// conflicts in record-key order.
type FinalExpect struct {
	Source    []Row            `yaml:"source,omitempty"`
	Target    []Row            `yaml:"target,omitempty"`
	Conflicts []ConflictExpect `yaml:"conflicts,omitempty"`
}

// ConflictExpect checks one persisted conflict.
type ConflictExpect struct {
	RecordKey string   `yaml:"record_key"`
	Status    string   `yaml:"status"`
	Fields    []string `yaml:"fields,omitempty"`
}

// Load reads and validates one scenario file. Unknown YAML fields are
// rejected so a typo fails loudly instead of silently skipping a check.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	sc.applyDefaults()
	if err := sc.validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &sc, nil
}

// LoadDir loads every *.yaml scenario in a directory, sorted by filename.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenario files in %s", dir)
	}
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		sc, err := Load(p)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

func (sc *Scenario) applyDefaults() {
	if sc.Table == "" {
		sc.Table = "records"
	}
	if sc.KeyColumn == "" && len(sc.Columns) > 0 {
		sc.KeyColumn = sc.Columns[0]
	}
	if sc.Config.Direction == "" {
		sc.Config.Direction = model.DirectionOneWay
	}
	if sc.Config.Policy == "" {
		sc.Config.Policy = model.PolicyLastWriteWins
	}
	if sc.Config.PageSize == 0 {
		sc.Config.PageSize = 10
	}
}

func (sc *Scenario) validate() error {
	if sc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(sc.Columns) == 0 {
		return fmt.Errorf("columns list is required")
	}
	if !contains(sc.Columns, sc.KeyColumn) {
		return fmt.Errorf("key column %q is not in columns", sc.KeyColumn)
	}
	if sc.ModifiedColumn != "" && !contains(sc.Columns, sc.ModifiedColumn) {
		return fmt.Errorf("modified column %q is not in columns", sc.ModifiedColumn)
	}
	if !model.ValidDirections[sc.Config.Direction] {
		return fmt.Errorf("unknown direction %q", sc.Config.Direction)
	}
	if !model.ValidPolicies[sc.Config.Policy] {
		return fmt.Errorf("unknown policy %q", sc.Config.Policy)
	}
	if len(sc.Steps) == 0 {
		return fmt.Errorf("steps list is required")
	}
	for i, step := range sc.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s Step) error {
	switch s.Do {
	case StepSync, StepResume:
		return nil
	case StepEdit:
		if s.Side != sideSource && s.Side != sideTarget {
			return fmt.Errorf("edit needs side source or target, got %q", s.Side)
		}
		if len(s.Row) == 0 {
			return fmt.Errorf("edit needs a row")
		}
	case StepDelete:
		if s.Side != sideSource && s.Side != sideTarget {
			return fmt.Errorf("delete needs side source or target, got %q", s.Side)
		}
		if s.Key == nil {
			return fmt.Errorf("delete needs a key")
		}
	case StepFail:
		if s.Side != sideSource && s.Side != sideTarget {
			return fmt.Errorf("fail needs side source or target, got %q", s.Side)
		}
		if !validOps[s.Op] {
			return fmt.Errorf("unknown op %q", s.Op)
		}
		if !validKinds[s.Kind] {
			return fmt.Errorf("unknown error kind %q", s.Kind)
		}
	default:
		return fmt.Errorf("unknown step %q", s.Do)
	}
	return nil
}

const (
	sideSource = "source"
	sideTarget = "target"
)

var validOps = map[string]bool{
	testutil.OpSchema:   true,
	testutil.OpReadPage: true,
	testutil.OpReadKeys: true,
	testutil.OpWrite:    true,
	testutil.OpPing:     true,
}

var validKinds = map[string]bool{
	connector.KindConnection: true,
	connector.KindAuth:       true,
	connector.KindConstraint: true,
	connector.KindQuery:      true,
}

// convertRow turns a YAML row into a model record. The modified column
// must parse as RFC 3339; other strings stay strings.
func (sc *Scenario) convertRow(row Row) (model.Record, error) {
	rec := make(model.Record, len(row))
	for col, raw := range row {
		if !contains(sc.Columns, col) {
			return nil, fmt.Errorf("column %q is not in the scenario's columns", col)
		}
		v, err := convertValue(raw, col == sc.ModifiedColumn)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col, err)
		}
		rec[col] = v
	}
	return rec, nil
}

func convertValue(raw any, wantTime bool) (model.Value, error) {
	switch v := raw.(type) {
	case nil:
		return model.Null{}, nil
	case bool:
		return model.Bool(v), nil
	case int:
		return model.Int(int64(v)), nil
	case int64:
		return model.Int(v), nil
	case float64:
		return model.Float(v), nil
	case string:
		if wantTime {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("not an RFC 3339 timestamp: %w", err)
			}
			return model.Time(t), nil
		}
		return model.String(v), nil
	}
	return nil, fmt.Errorf("unsupported YAML value %v (%T)", raw, raw)
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// describeStep renders a step for reports and failure messages.
func describeStep(s Step) string {
	switch s.Do {
	case StepEdit, StepDelete:
		return s.Do + " " + s.Side
	case StepFail:
		return fmt.Sprintf("fail %s %s (%s)", s.Side, s.Op, s.Kind)
	}
	return s.Do
}
