package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() SyncConfig {
	return SyncConfig{
		ID:           "cfg-1",
		Name:         "activities_mirror",
		SourceViewID: "view-src",
		TargetViewID: "view-tgt",
		Direction:    DirectionOneWay,
		Policy:       PolicyLastWriteWins,
		PageSize:     500,
		Mappings: []FieldMapping{
			{SourceColumn: "id", TargetColumn: "id"},
			{SourceColumn: "description", TargetColumn: "description", Coerce: CoerceString},
		},
	}
}

func TestSyncConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SyncConfig)
		wantErr string
	}{
		{"valid", func(c *SyncConfig) {}, ""},
		{"missing name", func(c *SyncConfig) { c.Name = "" }, "name is required"},
		{"same views", func(c *SyncConfig) { c.TargetViewID = c.SourceViewID }, "must differ"},
		{"bad direction", func(c *SyncConfig) { c.Direction = "sideways" }, "unknown direction"},
		{"bad policy", func(c *SyncConfig) { c.Policy = "coin_flip" }, "unknown policy"},
		{"bad tie break", func(c *SyncConfig) { c.TieBreak = "loudest" }, "unknown tie_break"},
		{"zero page size", func(c *SyncConfig) { c.PageSize = 0 }, "page_size must be positive"},
		{"no mappings", func(c *SyncConfig) { c.Mappings = nil }, "at least one mapping"},
		{
			"reverse mappings on one-way",
			func(c *SyncConfig) {
				c.ReverseMappings = []FieldMapping{{SourceColumn: "a", TargetColumn: "b"}}
			},
			"requires two_way",
		},
		{
			"enum without values",
			func(c *SyncConfig) {
				c.Mappings = append(c.Mappings, FieldMapping{SourceColumn: "k", TargetColumn: "k", Coerce: CoerceEnum})
			},
			"requires enum_values",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDatasourceValidate(t *testing.T) {
	ds := Datasource{Name: "crm", Driver: DriverMySQL, DSN: "user:pass@tcp(host:3306)/crm"}
	assert.NoError(t, ds.Validate())

	ds.Driver = "oracle"
	err := ds.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}

func TestViewValidate(t *testing.T) {
	v := DatasourceView{Name: "crm_activities", Table: "activities", KeyColumn: "id", Columns: []string{"id", "description"}}
	assert.NoError(t, v.Validate())

	v.KeyColumn = ""
	err := v.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_column")
}

func TestFieldMappingInverse(t *testing.T) {
	m := FieldMapping{SourceColumn: "owner_id", TargetColumn: "owner", Coerce: CoerceInteger, Default: Int(0)}
	inv := m.Inverse()
	assert.Equal(t, "owner", inv.SourceColumn)
	assert.Equal(t, "owner_id", inv.TargetColumn)
	assert.Equal(t, CoerceNone, inv.Coerce)
	assert.Nil(t, inv.Default, "defaults do not survive inversion")
}

func TestFieldMappingJSONRoundTrip(t *testing.T) {
	m := FieldMapping{
		SourceColumn: "owner_id",
		TargetColumn: "owner",
		Coerce:       CoerceInteger,
		Default:      Int(0),
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var back FieldMapping
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m.SourceColumn, back.SourceColumn)
	assert.Equal(t, m.TargetColumn, back.TargetColumn)
	assert.Equal(t, m.Coerce, back.Coerce)
	require.NotNil(t, back.Default)
	assert.True(t, Equal(Int(0), back.Default))
}

func TestFieldMappingJSONNoDefault(t *testing.T) {
	var back FieldMapping
	require.NoError(t, json.Unmarshal([]byte(`{"source_column":"a","target_column":"b"}`), &back))
	assert.Nil(t, back.Default)
}

func TestTerminalJobStatus(t *testing.T) {
	assert.False(t, TerminalJobStatus(JobPending))
	assert.False(t, TerminalJobStatus(JobRunning))
	assert.True(t, TerminalJobStatus(JobSucceeded))
	assert.True(t, TerminalJobStatus(JobFailed))
	assert.True(t, TerminalJobStatus(JobPartialSuccess))
	assert.True(t, TerminalJobStatus(JobCancelled))
}

func TestCountersAdd(t *testing.T) {
	a := Counters{Read: 10, Written: 8, Unchanged: 1, Skipped: 1}
	a.Add(Counters{Read: 5, Written: 2, Conflicted: 3, Errored: 1})
	assert.Equal(t, Counters{Read: 15, Written: 10, Unchanged: 1, Skipped: 1, Conflicted: 3, Errored: 1}, a)
}

func TestKindOfDBType(t *testing.T) {
	tests := []struct {
		dbType string
		want   string
	}{
		{"INT", KindInteger},
		{"bigint(20) unsigned", KindInteger},
		{"tinyint(1)", KindBoolean},
		{"tinyint(4)", KindInteger},
		{"VARCHAR(255)", KindText},
		{"decimal(10,2)", KindFloat},
		{"DATETIME", KindDatetime},
		{"timestamp", KindDatetime},
		{"LONGBLOB", KindBytes},
		{"geometry", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.dbType, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOfDBType(tt.dbType))
		})
	}
}
