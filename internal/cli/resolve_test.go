package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidesync/tidesync/internal/model"
)

func TestBuildResolutionSides(t *testing.T) {
	for _, use := range []string{model.ResolveUseSource, model.ResolveUseTarget, model.ResolveSkip} {
		res, err := buildResolution(&ResolveOptions{Use: use})
		require.NoError(t, err, use)
		assert.Equal(t, use, res.Use)
		assert.Nil(t, res.Value)
	}
}

func TestBuildResolutionCustom(t *testing.T) {
	res, err := buildResolution(&ResolveOptions{Sets: []string{
		"description=merged by ops",
		"priority=3",
		"ratio=0.5",
		"active=true",
		"note=null",
	}})
	require.NoError(t, err)
	assert.Equal(t, model.ResolveUseCustom, res.Use)
	assert.Equal(t, model.Record{
		"description": model.String("merged by ops"),
		"priority":    model.Int(3),
		"ratio":       model.Float(0.5),
		"active":      model.Bool(true),
		"note":        model.Null{},
	}, res.Value)
}

func TestBuildResolutionErrors(t *testing.T) {
	cases := []struct {
		name string
		opts ResolveOptions
		msg  string
	}{
		{"neither flag", ResolveOptions{}, "one of --use or --set is required"},
		{"both flags", ResolveOptions{Use: "source", Sets: []string{"a=1"}}, "mutually exclusive"},
		{"bad use", ResolveOptions{Use: "maybe"}, `invalid --use "maybe"`},
		{"set without equals", ResolveOptions{Sets: []string{"justakey"}}, "expected col=val"},
		{"set empty column", ResolveOptions{Sets: []string{"=5"}}, "expected col=val"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := buildResolution(&tc.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestParseSetValue(t *testing.T) {
	// Unquoted words that happen to start like JSON literals stay strings.
	assert.Equal(t, model.String("none"), parseSetValue("none"))
	assert.Equal(t, model.String("2024-03-01"), parseSetValue("2024-03-01"))
	assert.Equal(t, model.String("quoted"), parseSetValue(`"quoted"`))
	assert.Equal(t, model.Int(42), parseSetValue("42"))
	assert.Equal(t, model.Bool(false), parseSetValue("false"))
}
