package model

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
	"unicode/utf16"
)

// Value is a sealed interface over the record cell types.
// Only Null, Bool, Int, Float, String, Time, and Bytes implement it.
// Rows coming off a datasource are normalized into this set before any
// mapping, comparison, or hashing happens, so every layer above the
// connectors sees one value domain regardless of driver.
type Value interface {
	value() // sealed
}

// Null represents a SQL NULL cell.
// An explicit type (rather than nil) keeps type switches total.
type Null struct{}

func (Null) value() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// Bool represents a boolean cell.
type Bool bool

func (Bool) value() {}

// Int represents an integer cell. Always int64.
type Int int64

func (Int) value() {}

// Float represents a floating-point cell. Always float64.
// NaN and infinities are rejected at normalization and canonical encoding.
type Float float64

func (Float) value() {}

// String represents a text cell.
type String string

func (String) value() {}

// Time represents a temporal cell, always normalized to UTC.
type Time time.Time

func (Time) value() {}

// MarshalJSON implements json.Marshaler for Time using the $time wrapper.
// A defined type does not inherit time.Time's marshaler, and a bare string
// would decode back as a String cell.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{tagTime: time.Time(t).UTC().Format(time.RFC3339Nano)})
}

// Bytes represents a binary cell.
type Bytes []byte

func (Bytes) value() {}

// MarshalJSON implements json.Marshaler for Bytes using the $bytes wrapper.
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{tagBytes: base64.StdEncoding.EncodeToString(b)})
}

// Record is one row keyed by column name.
// Use SortedKeys for deterministic iteration.
type Record map[string]Value

// tagTime and tagBytes are the single-key wrapper objects used to keep
// temporal and binary cells distinguishable in JSON. Plain JSON has no
// type for either; round-tripping through bare strings would silently
// turn them into String cells.
const (
	tagTime  = "$time"
	tagBytes = "$bytes"
)

// FromDriver normalizes a database driver value into a Value.
// []byte is treated as text (the MySQL driver returns TEXT columns as
// []byte); callers that know a column is binary should convert the
// resulting String back via AsBytes on the schema's say-so.
func FromDriver(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(val), nil
	case int64:
		return Int(val), nil
	case int:
		return Int(int64(val)), nil
	case int32:
		return Int(int64(val)), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("uint64 value out of int64 range: %d", val)
		}
		return Int(int64(val)), nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("non-finite float: %v", val)
		}
		return Float(val), nil
	case float32:
		return FromDriver(float64(val))
	case string:
		return String(val), nil
	case []byte:
		return String(string(val)), nil
	case time.Time:
		return Time(val.UTC()), nil
	case sql.RawBytes:
		return String(string(val)), nil
	case Value:
		return val, nil
	default:
		return nil, fmt.Errorf("unsupported driver value type: %T", v)
	}
}

// Driver converts a Value back into a plain Go value suitable for a SQL
// driver parameter.
func Driver(v Value) any {
	switch val := v.(type) {
	case Null:
		return nil
	case Bool:
		return bool(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case String:
		return string(val)
	case Time:
		return time.Time(val)
	case Bytes:
		return []byte(val)
	default:
		return nil
	}
}

// IsNull reports whether v is absent or the explicit NULL scalar.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Equal reports whether two values are the same kind and content.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Float:
		bv, ok := b.(Float)
		return ok && av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Time:
		bv, ok := b.(Time)
		return ok && time.Time(av).Equal(time.Time(bv))
	case Bytes:
		bv, ok := b.(Bytes)
		return ok && string(av) == string(bv)
	default:
		return false
	}
}

// SortedKeys returns keys in canonical order (UTF-16 code units, RFC 8785).
// Go's sort.Strings uses UTF-8 which produces a DIFFERENT order for keys
// outside the BMP.
func (r Record) SortedKeys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

// Clone returns a shallow copy of the record. Cell values are immutable
// except Bytes, which is copied.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		if b, ok := v.(Bytes); ok {
			cp := make(Bytes, len(b))
			copy(cp, b)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

// Project returns a new record holding only the named columns that are
// present in r. Missing columns are omitted, not nulled.
func (r Record) Project(columns []string) Record {
	out := make(Record, len(columns))
	for _, c := range columns {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

// compareKeysUTF16 compares strings by UTF-16 code units as required by
// RFC 8785. Surrogate handling must go through unicode/utf16.Encode.
func compareKeysUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := len(a16)
	if len(b16) < n {
		n = len(b16)
	}
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	default:
		return 0
	}
}

// MarshalJSON implements json.Marshaler for Record with sorted keys.
// NOTE: this is display/storage JSON, not the canonical form; use
// MarshalCanonical for anything that feeds a fingerprint.
func (r Record) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range r.SortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		sb.Write(kb)
		sb.WriteByte(':')
		vb, err := MarshalValue(r[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		sb.Write(vb)
	}
	sb.WriteByte('}')
	return []byte(sb.String()), nil
}

// UnmarshalJSON implements json.Unmarshaler for Record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = make(Record, len(raw))
	for k, v := range raw {
		val, err := UnmarshalValue(v)
		if err != nil {
			return fmt.Errorf("record key %q: %w", k, err)
		}
		(*r)[k] = val
	}
	return nil
}

// MarshalValue marshals a Value to storage JSON. Time and Bytes use the
// single-key wrapper objects so they survive a round trip with their kind.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case Null:
		return []byte("null"), nil
	case Bool:
		return json.Marshal(bool(val))
	case Int:
		return json.Marshal(int64(val))
	case Float:
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return nil, fmt.Errorf("non-finite float cannot be marshaled: %v", float64(val))
		}
		return json.Marshal(float64(val))
	case String:
		return json.Marshal(string(val))
	case Time:
		return json.Marshal(map[string]string{tagTime: time.Time(val).UTC().Format(time.RFC3339Nano)})
	case Bytes:
		return json.Marshal(map[string]string{tagBytes: base64.StdEncoding.EncodeToString(val)})
	default:
		return nil, fmt.Errorf("unknown value type: %T", v)
	}
}

// UnmarshalValue decodes storage JSON into a Value. Integral numbers become
// Int, everything else Float. Wrapper objects decode to Time/Bytes; any
// other object or an array is rejected because cells are scalar.
func UnmarshalValue(data []byte) (Value, error) {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}
	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return nil, fmt.Errorf("invalid JSON value %q", data)
		}
		return Null{}, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return String(s), nil
	case '{':
		var wrap map[string]string
		if err := json.Unmarshal(data, &wrap); err != nil {
			return nil, fmt.Errorf("cell objects must be %s/%s wrappers: %w", tagTime, tagBytes, err)
		}
		if len(wrap) == 1 {
			if ts, ok := wrap[tagTime]; ok {
				t, err := time.Parse(time.RFC3339Nano, ts)
				if err != nil {
					return nil, fmt.Errorf("invalid %s value %q: %w", tagTime, ts, err)
				}
				return Time(t.UTC()), nil
			}
			if bs, ok := wrap[tagBytes]; ok {
				b, err := base64.StdEncoding.DecodeString(bs)
				if err != nil {
					return nil, fmt.Errorf("invalid %s value: %w", tagBytes, err)
				}
				return Bytes(b), nil
			}
		}
		return nil, fmt.Errorf("unsupported object cell (want single %s or %s key)", tagTime, tagBytes)
	case '[':
		return nil, fmt.Errorf("array cells are not supported")
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		if i, err := n.Int64(); err == nil && !strings.ContainsAny(n.String(), ".eE") {
			return Int(i), nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("number out of range: %s", n)
		}
		return Float(f), nil
	}
}
