package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	rec := Record{
		"id":          Int(5),
		"description": String("updated copy"),
		"owner":       Int(12),
	}
	cols := []string{"id", "description", "owner"}

	fp1, err := Fingerprint(rec, cols)
	require.NoError(t, err)
	fp2, err := Fingerprint(rec, cols)
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64, "lowercase hex SHA-256")
	assert.Equal(t, strings.ToLower(fp1), fp1)
}

func TestFingerprintColumnSubset(t *testing.T) {
	rec := Record{"a": Int(1), "b": Int(2), "c": Int(3)}

	full, err := Fingerprint(rec, []string{"a", "b", "c"})
	require.NoError(t, err)
	sub, err := Fingerprint(rec, []string{"a", "b"})
	require.NoError(t, err)

	assert.NotEqual(t, full, sub, "fingerprint depends on the column set")

	// Extra unmapped columns never affect the hash.
	noisy := Record{"a": Int(1), "b": Int(2), "c": Int(3), "noise": String("x")}
	again, err := Fingerprint(noisy, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, sub, again)
}

func TestFingerprintValueSensitivity(t *testing.T) {
	cols := []string{"v"}

	a := MustFingerprint(Record{"v": Int(5)}, cols)
	b := MustFingerprint(Record{"v": Int(6)}, cols)
	assert.NotEqual(t, a, b)

	// Kind matters: Int(5) and String("5") are different contents.
	c := MustFingerprint(Record{"v": String("5")}, cols)
	assert.NotEqual(t, a, c)

	// NULL and absent are distinct states.
	null := MustFingerprint(Record{"v": Null{}}, cols)
	absent := MustFingerprint(Record{}, cols)
	assert.NotEqual(t, null, absent)
}

func TestFingerprintDomainSeparation(t *testing.T) {
	canonical, err := MarshalCanonical(Record{"a": Int(1)})
	require.NoError(t, err)

	// A raw SHA-256 of the canonical bytes must NOT equal the fingerprint;
	// the domain prefix has to participate.
	fp := MustFingerprint(Record{"a": Int(1)}, []string{"a"})
	raw := hashWithDomain("", canonical)
	assert.NotEqual(t, raw, fp)
}

func TestKeyStringRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		key  Value
		want string
	}{
		{"int key", Int(5), "5"},
		{"string key", String("ord-00113"), `"ord-00113"`},
		{"time key", Time(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)), `{"$time":"2025-02-01T00:00:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := KeyString(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s)

			back, err := ParseKey(s)
			require.NoError(t, err)
			assert.True(t, Equal(tt.key, back), "key %#v did not round-trip (got %#v)", tt.key, back)
		})
	}
}

func TestKeyStringRejectsNull(t *testing.T) {
	_, err := KeyString(Null{})
	require.Error(t, err)

	_, err = KeyString(nil)
	require.Error(t, err)
}
