package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidesync/tidesync/internal/model"
)

func writeScenario(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

const minimalScenario = `
name: minimal
columns: [id, name]
source:
  - {id: 1, name: a}
steps:
  - do: sync
`

func TestLoadAppliesDefaults(t *testing.T) {
	sc, err := Load(writeScenario(t, minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "records", sc.Table)
	assert.Equal(t, "id", sc.KeyColumn, "key defaults to the first column")
	assert.Equal(t, model.DirectionOneWay, sc.Config.Direction)
	assert.Equal(t, model.PolicyLastWriteWins, sc.Config.Policy)
	assert.Equal(t, 10, sc.Config.PageSize)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeScenario(t, `
name: typo
columns: [id]
stepz:
  - do: sync
`))
	require.Error(t, err, "a typoed key must not silently drop a step list")
}

func TestLoadRejectsInvalidScenarios(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{"missing name", "columns: [id]\nsteps:\n  - do: sync\n", "name is required"},
		{"missing columns", "name: x\nsteps:\n  - do: sync\n", "columns list is required"},
		{"key not selected", "name: x\ncolumns: [id]\nkey_column: pk\nsteps:\n  - do: sync\n", "not in columns"},
		{"modified not selected", "name: x\ncolumns: [id]\nmodified_column: ts\nsteps:\n  - do: sync\n", "not in columns"},
		{"no steps", "name: x\ncolumns: [id]\n", "steps list is required"},
		{"unknown step", "name: x\ncolumns: [id]\nsteps:\n  - do: explode\n", `unknown step "explode"`},
		{"edit without side", "name: x\ncolumns: [id]\nsteps:\n  - do: edit\n    row: {id: 1}\n", "edit needs side"},
		{"delete without key", "name: x\ncolumns: [id]\nsteps:\n  - do: delete\n    side: source\n", "delete needs a key"},
		{"fail with bad op", "name: x\ncolumns: [id]\nsteps:\n  - do: fail\n    side: target\n    op: explode\n    kind: query\n", `unknown op "explode"`},
		{"fail with bad kind", "name: x\ncolumns: [id]\nsteps:\n  - do: fail\n    side: target\n    op: write\n    kind: oops\n", `unknown error kind "oops"`},
		{"bad policy", "name: x\ncolumns: [id]\nconfig: {policy: vibes}\nsteps:\n  - do: sync\n", `unknown policy "vibes"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeScenario(t, tc.text))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestConvertRowTypesValues(t *testing.T) {
	sc := &Scenario{
		Columns:        []string{"id", "ratio", "ok", "note", "seen"},
		ModifiedColumn: "seen",
	}
	rec, err := sc.convertRow(Row{
		"id":    7,
		"ratio": 0.5,
		"ok":    true,
		"note":  "hello",
		"seen":  "2024-03-01T09:00:00Z",
	})
	require.NoError(t, err)

	assert.Equal(t, model.Int(7), rec["id"])
	assert.Equal(t, model.Float(0.5), rec["ratio"])
	assert.Equal(t, model.Bool(true), rec["ok"])
	assert.Equal(t, model.String("hello"), rec["note"])
	_, isTime := rec["seen"].(model.Time)
	assert.True(t, isTime, "modified column parses as a timestamp")
}

func TestConvertRowRejectsBadInput(t *testing.T) {
	sc := &Scenario{Columns: []string{"id", "seen"}, ModifiedColumn: "seen"}

	_, err := sc.convertRow(Row{"nope": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `column "nope"`)

	_, err = sc.convertRow(Row{"seen": "yesterday"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RFC 3339")
}
