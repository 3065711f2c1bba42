// Package compiler turns declarative CUE definition files into sync
// entities: datasources, views, and sync configs. Compilation resolves the
// CUE structure into a Bundle of declarations that still reference each
// other by name; Validate checks the bundle, and the apply command resolves
// names to stored ids.
package compiler

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/tidesync/tidesync/internal/model"
)

// Bundle is the compiled content of one or more definition files.
type Bundle struct {
	Datasources []Datasource
	Views       []View
	Configs     []Config
}

// Datasource declares a connectable database.
type Datasource struct {
	Name   string
	Driver string
	DSN    string
	Pos    token.Pos
}

// View declares a keyed slice of one datasource's table.
type View struct {
	Name           string
	Datasource     string // datasource name, resolved at apply time
	Table          string
	KeyColumn      string
	Columns        []string
	Predicate      string
	ModifiedColumn string
	Pos            token.Pos
}

// Config declares a sync between two views.
type Config struct {
	Name      string
	Source    string // view name
	Target    string // view name
	Direction string
	Policy    string
	TieBreak  string
	PageSize  int
	Schedule  string
	Mappings  []Mapping
	Pos       token.Pos
}

// Mapping declares one field mapping of a config.
type Mapping struct {
	Source     string
	Target     string
	Coerce     string
	EnumValues []string
	Default    model.Value
	HasDefault bool
}

// CompileFiles reads and compiles definition files into one Bundle. Files
// unify: a name declared twice across files is a CUE conflict, not a merge.
func CompileFiles(paths ...string) (*Bundle, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no definition files given")
	}
	cuectx := cuecontext.New()
	var unified cue.Value
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read definitions: %w", err)
		}
		v := cuectx.CompileBytes(data, cue.Filename(path))
		if err := v.Err(); err != nil {
			return nil, formatCUEError(err)
		}
		if i == 0 {
			unified = v
		} else {
			unified = unified.Unify(v)
		}
	}
	if err := unified.Validate(); err != nil {
		return nil, formatCUEError(err)
	}
	return compileValue(unified)
}

// CompileString compiles in-memory CUE source, for tests and stdin.
func CompileString(src string) (*Bundle, error) {
	v := cuecontext.New().CompileString(src)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return compileValue(v)
}

func compileValue(v cue.Value) (*Bundle, error) {
	b := &Bundle{}

	if err := eachField(v, "datasource", func(name string, fv cue.Value) error {
		ds, err := compileDatasource(name, fv)
		if err != nil {
			return err
		}
		b.Datasources = append(b.Datasources, ds)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachField(v, "view", func(name string, fv cue.Value) error {
		view, err := compileView(name, fv)
		if err != nil {
			return err
		}
		b.Views = append(b.Views, view)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachField(v, "syncConfig", func(name string, fv cue.Value) error {
		cfg, err := compileConfig(name, fv)
		if err != nil {
			return err
		}
		b.Configs = append(b.Configs, cfg)
		return nil
	}); err != nil {
		return nil, err
	}

	return b, nil
}

// eachField iterates the named top-level struct's fields in source order.
// An absent struct is fine; definition files may declare any subset.
func eachField(v cue.Value, label string, fn func(name string, fv cue.Value) error) error {
	section := v.LookupPath(cue.ParsePath(label))
	if !section.Exists() {
		return nil
	}
	iter, err := section.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		if err := fn(iter.Label(), iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func compileDatasource(name string, v cue.Value) (Datasource, error) {
	ds := Datasource{Name: name, Pos: v.Pos()}
	var err error
	if ds.Driver, err = requiredString(v, "driver", name); err != nil {
		return ds, err
	}
	if ds.DSN, err = requiredString(v, "dsn", name); err != nil {
		return ds, err
	}
	return ds, nil
}

func compileView(name string, v cue.Value) (View, error) {
	view := View{Name: name, Pos: v.Pos()}
	var err error
	if view.Datasource, err = requiredString(v, "datasource", name); err != nil {
		return view, err
	}
	if view.Table, err = requiredString(v, "table", name); err != nil {
		return view, err
	}
	if view.KeyColumn, err = requiredString(v, "keyColumn", name); err != nil {
		return view, err
	}
	if view.Columns, err = stringList(v, "columns", name); err != nil {
		return view, err
	}
	if view.Predicate, err = optionalString(v, "predicate"); err != nil {
		return view, err
	}
	if view.ModifiedColumn, err = optionalString(v, "modifiedColumn"); err != nil {
		return view, err
	}
	return view, nil
}

func compileConfig(name string, v cue.Value) (Config, error) {
	cfg := Config{Name: name, Pos: v.Pos()}
	var err error
	if cfg.Source, err = requiredString(v, "source", name); err != nil {
		return cfg, err
	}
	if cfg.Target, err = requiredString(v, "target", name); err != nil {
		return cfg, err
	}
	if cfg.Direction, err = requiredString(v, "direction", name); err != nil {
		return cfg, err
	}
	if cfg.Policy, err = requiredString(v, "policy", name); err != nil {
		return cfg, err
	}
	if cfg.TieBreak, err = optionalString(v, "tieBreak"); err != nil {
		return cfg, err
	}
	if cfg.Schedule, err = optionalString(v, "schedule"); err != nil {
		return cfg, err
	}

	sizeVal := v.LookupPath(cue.ParsePath("pageSize"))
	if !sizeVal.Exists() {
		return cfg, &CompileError{Field: name + ".pageSize", Message: "pageSize is required", Pos: v.Pos()}
	}
	size, err := sizeVal.Int64()
	if err != nil {
		return cfg, formatCUEError(err)
	}
	cfg.PageSize = int(size)

	mapsVal := v.LookupPath(cue.ParsePath("mappings"))
	if !mapsVal.Exists() {
		return cfg, &CompileError{Field: name + ".mappings", Message: "mappings are required", Pos: v.Pos()}
	}
	iter, err := mapsVal.List()
	if err != nil {
		return cfg, formatCUEError(err)
	}
	for iter.Next() {
		m, err := compileMapping(name, iter.Value())
		if err != nil {
			return cfg, err
		}
		cfg.Mappings = append(cfg.Mappings, m)
	}
	return cfg, nil
}

func compileMapping(cfgName string, v cue.Value) (Mapping, error) {
	m := Mapping{}
	var err error
	if m.Source, err = requiredString(v, "source", cfgName+".mappings"); err != nil {
		return m, err
	}
	if m.Target, err = requiredString(v, "target", cfgName+".mappings"); err != nil {
		return m, err
	}
	if m.Coerce, err = optionalString(v, "coerce"); err != nil {
		return m, err
	}
	if ev := v.LookupPath(cue.ParsePath("enumValues")); ev.Exists() {
		if m.EnumValues, err = stringList(v, "enumValues", cfgName+".mappings"); err != nil {
			return m, err
		}
	}

	defVal := v.LookupPath(cue.ParsePath("default"))
	if defVal.Exists() {
		m.Default, err = scalarValue(defVal)
		if err != nil {
			return m, err
		}
		m.HasDefault = true
	}
	return m, nil
}

// scalarValue converts a concrete CUE scalar into a model value. Structs
// and lists have no column representation and are rejected.
func scalarValue(v cue.Value) (model.Value, error) {
	switch v.Kind() {
	case cue.NullKind:
		return model.Null{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return model.Bool(b), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return model.Int(n), nil
	case cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return model.Float(f), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return model.String(s), nil
	default:
		return nil, &CompileError{
			Field:   "default",
			Message: fmt.Sprintf("default must be a scalar, got %v", v.Kind()),
			Pos:     v.Pos(),
		}
	}
}

func requiredString(v cue.Value, field, owner string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   owner + "." + field,
			Message: field + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func stringList(v cue.Value, field, owner string) ([]string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil, &CompileError{
			Field:   owner + "." + field,
			Message: field + " is required",
			Pos:     v.Pos(),
		}
	}
	iter, err := fv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// CompileError is a compilation failure with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
