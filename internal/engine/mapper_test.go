package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidesync/tidesync/internal/model"
)

func targetSchema() model.TableSchema {
	return model.TableSchema{
		Table: "activities",
		Columns: []model.Column{
			{Name: "id", Kind: model.KindInteger, PrimaryKey: true},
			{Name: "description", Kind: model.KindText, Nullable: true},
			{Name: "owner", Kind: model.KindInteger, Nullable: true},
			{Name: "score", Kind: model.KindFloat, Nullable: true},
		},
	}
}

func targetView() model.DatasourceView {
	return model.DatasourceView{
		Name:      "warehouse_activities",
		Table:     "activities",
		KeyColumn: "id",
		Columns:   []string{"id", "description", "owner", "score"},
	}
}

func TestCompilePlanRequiresKeyMapping(t *testing.T) {
	_, err := CompilePlan([]model.FieldMapping{
		{SourceColumn: "description", TargetColumn: "description"},
	}, targetView())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `key column "id"`)
}

func TestCompilePlanRejectsEmpty(t *testing.T) {
	_, err := CompilePlan(nil, targetView())
	require.Error(t, err)
}

func TestMapDeterministicLastWins(t *testing.T) {
	plan, err := CompilePlan([]model.FieldMapping{
		{SourceColumn: "id", TargetColumn: "id"},
		{SourceColumn: "summary", TargetColumn: "description"},
		{SourceColumn: "details", TargetColumn: "description"}, // later mapping overrides
	}, targetView())
	require.NoError(t, err)

	src := model.Record{
		"id":      model.Int(5),
		"summary": model.String("short"),
		"details": model.String("long"),
	}

	out, warnings := plan.Map(src, targetSchema())
	assert.Empty(t, warnings)
	assert.Equal(t, model.String("long"), out["description"])

	// Same input, same output, run after run.
	again, _ := plan.Map(src, targetSchema())
	assert.Equal(t, out, again)
}

func TestMapDefaultAndOmission(t *testing.T) {
	plan, err := CompilePlan([]model.FieldMapping{
		{SourceColumn: "id", TargetColumn: "id"},
		{SourceColumn: "owner_id", TargetColumn: "owner", Default: model.Int(0)},
		{SourceColumn: "nickname", TargetColumn: "description"},
	}, targetView())
	require.NoError(t, err)

	out, warnings := plan.Map(model.Record{"id": model.Int(1)}, targetSchema())
	assert.Empty(t, warnings)
	assert.Equal(t, model.Int(0), out["owner"], "missing source uses the default")
	_, ok := out["description"]
	assert.False(t, ok, "missing source without default is omitted")
}

func TestMapCoercionFailureIsWarning(t *testing.T) {
	plan, err := CompilePlan([]model.FieldMapping{
		{SourceColumn: "id", TargetColumn: "id"},
		{SourceColumn: "owner_name", TargetColumn: "owner", Coerce: model.CoerceInteger},
	}, targetView())
	require.NoError(t, err)

	out, warnings := plan.Map(model.Record{
		"id":         model.Int(1),
		"owner_name": model.String("alice"),
	}, targetSchema())

	require.Len(t, warnings, 1)
	assert.Equal(t, model.ErrKindCoercion, warnings[0].Kind)
	assert.Equal(t, "owner", warnings[0].Column)
	_, ok := out["owner"]
	assert.False(t, ok, "failed coercion omits the field")
	assert.Equal(t, model.Int(1), out["id"], "the record itself survives")
}

func TestMapSchemaDriftWarning(t *testing.T) {
	view := targetView()
	view.Columns = append(view.Columns, "vanished")
	plan, err := CompilePlan([]model.FieldMapping{
		{SourceColumn: "id", TargetColumn: "id"},
		{SourceColumn: "x", TargetColumn: "vanished"},
	}, view)
	require.NoError(t, err)

	out, warnings := plan.Map(model.Record{
		"id": model.Int(1),
		"x":  model.String("v"),
	}, targetSchema())

	require.Len(t, warnings, 1)
	assert.Equal(t, model.ErrKindSchemaDrift, warnings[0].Kind)
	assert.Equal(t, model.String("v"), out["vanished"], "drifted field is still emitted; the write surfaces the truth")
}

func TestMapImplicitCoercionToDeclaredKind(t *testing.T) {
	plan, err := CompilePlan([]model.FieldMapping{
		{SourceColumn: "id", TargetColumn: "id"},
		{SourceColumn: "score", TargetColumn: "score"},
	}, targetView())
	require.NoError(t, err)

	// Integer source into a float column converts losslessly.
	out, warnings := plan.Map(model.Record{
		"id":    model.Int(1),
		"score": model.Int(7),
	}, targetSchema())
	assert.Empty(t, warnings)
	assert.Equal(t, model.Float(7), out["score"])

	// A value that cannot convert passes through untouched, no warning.
	out, warnings = plan.Map(model.Record{
		"id":    model.Int(2),
		"score": model.String("n/a"),
	}, targetSchema())
	assert.Empty(t, warnings)
	assert.Equal(t, model.String("n/a"), out["score"])
}

func TestMapNullPassesEveryCoercion(t *testing.T) {
	plan, err := CompilePlan([]model.FieldMapping{
		{SourceColumn: "id", TargetColumn: "id"},
		{SourceColumn: "owner_id", TargetColumn: "owner", Coerce: model.CoerceInteger},
	}, targetView())
	require.NoError(t, err)

	out, warnings := plan.Map(model.Record{
		"id":       model.Int(1),
		"owner_id": model.Null{},
	}, targetSchema())
	assert.Empty(t, warnings)
	assert.Equal(t, model.Null{}, out["owner"])
}

func TestCoerceRules(t *testing.T) {
	noon := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		v       model.Value
		rule    string
		enum    []string
		want    model.Value
		wantErr bool
	}{
		{name: "int passthrough", v: model.Int(5), rule: model.CoerceInteger, want: model.Int(5)},
		{name: "whole float to int", v: model.Float(5), rule: model.CoerceInteger, want: model.Int(5)},
		{name: "fractional float to int", v: model.Float(5.5), rule: model.CoerceInteger, wantErr: true},
		{name: "numeric text to int", v: model.String(" 42 "), rule: model.CoerceInteger, want: model.Int(42)},
		{name: "bool to int", v: model.Bool(true), rule: model.CoerceInteger, want: model.Int(1)},
		{name: "int to float", v: model.Int(3), rule: model.CoerceFloat, want: model.Float(3)},
		{name: "text to float", v: model.String("2.5"), rule: model.CoerceFloat, want: model.Float(2.5)},
		{name: "int to string", v: model.Int(7), rule: model.CoerceString, want: model.String("7")},
		{name: "bytes to string refused", v: model.Bytes{0x01}, rule: model.CoerceString, wantErr: true},
		{name: "one is true", v: model.Int(1), rule: model.CoerceBoolean, want: model.Bool(true)},
		{name: "two is not boolean", v: model.Int(2), rule: model.CoerceBoolean, wantErr: true},
		{name: "text true", v: model.String("TRUE"), rule: model.CoerceBoolean, want: model.Bool(true)},
		{name: "text f", v: model.String("f"), rule: model.CoerceBoolean, want: model.Bool(false)},
		{name: "rfc3339 text", v: model.String("2024-03-01T12:00:00Z"), rule: model.CoerceDatetime, want: model.Time(noon)},
		{name: "sql datetime text", v: model.String("2024-03-01 12:00:00"), rule: model.CoerceDatetime, want: model.Time(noon)},
		{name: "unix seconds", v: model.Int(noon.Unix()), rule: model.CoerceDatetime, want: model.Time(noon)},
		{name: "garbage datetime", v: model.String("yesterday-ish"), rule: model.CoerceDatetime, wantErr: true},
		{name: "enum member", v: model.String("open"), rule: model.CoerceEnum, enum: []string{"open", "closed"}, want: model.String("open")},
		{name: "enum outsider", v: model.String("limbo"), rule: model.CoerceEnum, enum: []string{"open", "closed"}, wantErr: true},
		{name: "enum from int", v: model.Int(2), rule: model.CoerceEnum, enum: []string{"1", "2"}, want: model.String("2")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := coerce(tc.v, tc.rule, tc.enum)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, model.Equal(tc.want, got), "want %v, got %v", tc.want, got)
		})
	}
}

func TestReverseMappingsDerived(t *testing.T) {
	cfg := model.SyncConfig{
		Direction: model.DirectionTwoWay,
		Mappings: []model.FieldMapping{
			{SourceColumn: "id", TargetColumn: "id"},
			{SourceColumn: "owner_id", TargetColumn: "owner", Coerce: model.CoerceInteger, Default: model.Int(0)},
		},
	}

	rev := reverseMappings(cfg)
	require.Len(t, rev, 2)
	assert.Equal(t, "owner", rev[1].SourceColumn)
	assert.Equal(t, "owner_id", rev[1].TargetColumn)
	assert.Nil(t, rev[1].Default, "derived inverses drop forward defaults")
	assert.Equal(t, model.CoerceNone, rev[1].Coerce)

	// An explicit reverse list wins over derivation.
	cfg.ReverseMappings = []model.FieldMapping{{SourceColumn: "id", TargetColumn: "id"}}
	assert.Len(t, reverseMappings(cfg), 1)
}
