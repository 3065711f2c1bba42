package model

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces the canonical JSON form of a record used for
// fingerprinting. It follows RFC 8785 where the value domain overlaps:
//
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings NFC-normalized at the serialization boundary
//  4. Integers as bare decimal digits, floats in shortest round-trip form
//
// Beyond RFC 8785, the record domain adds two wrapper encodings: Time as
// {"$time":"<RFC3339Nano UTC>"} and Bytes as {"$bytes":"<base64>"}. NULL is
// legal (database rows contain NULLs) and encodes as JSON null. Two records
// produce identical canonical bytes iff they are Equal column by column.
func MarshalCanonical(r Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeCanonicalString(&buf, k)
		buf.WriteByte(':')
		if err := writeCanonicalValue(&buf, r[k]); err != nil {
			return nil, fmt.Errorf("canonical marshal of column %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalCanonicalValue produces the canonical form of a single cell.
// Used for record keys (checkpoints, fingerprint table keys).
func MarshalCanonicalValue(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonicalValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonicalValue(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("nil Value (use Null{})")
	case Null:
		buf.WriteString("null")
	case Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case Float:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite float: %v", f)
		}
		// Shortest form that round-trips. Stable for the engine's own
		// comparisons; cross-language JCS byte compatibility is not a goal
		// for floats.
		buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	case String:
		writeCanonicalString(buf, string(val))
	case Time:
		buf.WriteByte('{')
		writeCanonicalString(buf, tagTime)
		buf.WriteByte(':')
		writeCanonicalString(buf, time.Time(val).UTC().Format(time.RFC3339Nano))
		buf.WriteByte('}')
	case Bytes:
		buf.WriteByte('{')
		writeCanonicalString(buf, tagBytes)
		buf.WriteByte(':')
		writeCanonicalString(buf, base64.StdEncoding.EncodeToString(val))
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported value type: %T", v)
	}
	return nil
}

// writeCanonicalString writes an NFC-normalized JSON string. Escaping per
// RFC 8785: only quote, backslash, and control characters U+0000..U+001F
// are escaped (shorthand where one exists, lowercase \u00xx otherwise).
// HTML characters and U+2028/U+2029 pass through literally, which is where
// encoding/json disagrees and why it is not used here.
func writeCanonicalString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
