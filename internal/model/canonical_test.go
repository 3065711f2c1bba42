package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    Record
		expected string
	}{
		{"empty", Record{}, "{}"},
		{"null cell", Record{"a": Null{}}, `{"a":null}`},
		{"int", Record{"n": Int(42)}, `{"n":42}`},
		{"negative int", Record{"n": Int(-100)}, `{"n":-100}`},
		{"max int64", Record{"n": Int(9223372036854775807)}, `{"n":9223372036854775807}`},
		{"bool", Record{"b": Bool(true)}, `{"b":true}`},
		{"string", Record{"s": String("hello")}, `{"s":"hello"}`},
		{"float shortest form", Record{"f": Float(0.5)}, `{"f":0.5}`},
		{"float integral", Record{"f": Float(3)}, `{"f":3}`},
		{"bytes", Record{"p": Bytes{0x01, 0x02}}, `{"p":{"$bytes":"AQI="}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	rec := Record{"zebra": Int(1), "alpha": Int(2), "beta": Int(3)}
	result, err := MarshalCanonical(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":3,"zebra":1}`, string(result))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+E000 (one UTF-16 code unit 0xE000) sorts AFTER U+10000 (surrogate
	// pair starting 0xD800) under UTF-16 ordering, while UTF-8 byte order
	// would say the opposite. This pins the RFC 8785 key order.
	rec := Record{
		"":          Int(1),
		"\U00010000": Int(2),
	}
	result, err := MarshalCanonical(rec)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\":1}", string(result))
}

func TestMarshalCanonicalNoHTMLEscaping(t *testing.T) {
	rec := Record{"s": String(`<a> & "b"`)}
	result, err := MarshalCanonical(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"s":"<a> & \"b\""}`, string(result))
}

func TestMarshalCanonicalControlChars(t *testing.T) {
	rec := Record{"s": String("line1\nline2\ttab\x01")}
	result, err := MarshalCanonical(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"s":"line1\nline2\ttab"}`, string(result))
}

func TestMarshalCanonicalLineSeparatorsUnescaped(t *testing.T) {
	// U+2028/U+2029 stay literal per RFC 8785 (encoding/json would escape
	// them, which is why the encoder is hand-rolled).
	rec := Record{"s": String("a b c")}
	result, err := MarshalCanonical(rec)
	require.NoError(t, err)
	assert.Equal(t, "{\"s\":\"a b c\"}", string(result))
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	// e + COMBINING ACUTE ACCENT (NFD) must hash identically to é (NFC).
	nfd := Record{"s": String("é")}
	nfc := Record{"s": String("é")}

	a, err := MarshalCanonical(nfd)
	require.NoError(t, err)
	b, err := MarshalCanonical(nfc)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonicalTime(t *testing.T) {
	rec := Record{"at": Time(time.Date(2025, 6, 1, 13, 30, 0, 0, time.FixedZone("CEST", 7200)))}
	result, err := MarshalCanonical(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"at":{"$time":"2025-06-01T11:30:00Z"}}`, string(result))
}

func TestMarshalCanonicalRejectsNonFinite(t *testing.T) {
	_, err := MarshalCanonical(Record{"f": Float(math.Inf(1))})
	require.Error(t, err)

	_, err = MarshalCanonical(Record{"f": Float(math.NaN())})
	require.Error(t, err)
}

func TestMarshalCanonicalDeterministic(t *testing.T) {
	rec := Record{
		"id":    Int(5),
		"name":  String("widget"),
		"ratio": Float(0.1),
		"at":    Time(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)),
	}
	first, err := MarshalCanonical(rec)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := MarshalCanonical(rec)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}
