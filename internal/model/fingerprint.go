package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainRecord prefixes record fingerprints. The version suffix enables
// future algorithm migration without colliding with old fingerprints.
const DomainRecord = "tidesync/record/v1"

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null byte prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint computes the content fingerprint of a record over the given
// columns. Columns absent from the record are omitted from the hash (an
// absent column and an explicit NULL are distinct states). The same column
// set MUST be used on both sides of a comparison; the executor always
// fingerprints over the mapping plan's target columns.
func Fingerprint(r Record, columns []string) (string, error) {
	canonical, err := MarshalCanonical(r.Project(columns))
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(DomainRecord, canonical), nil
}

// KeyString renders a record key cell as its canonical text, used for
// checkpoint storage and the fingerprint table's key column. NULL keys are
// rejected: pagination needs a total order and NULL has none.
func KeyString(v Value) (string, error) {
	if v == nil {
		return "", fmt.Errorf("nil key value")
	}
	if _, ok := v.(Null); ok {
		return "", fmt.Errorf("NULL key value")
	}
	b, err := MarshalCanonicalValue(v)
	if err != nil {
		return "", fmt.Errorf("key encoding: %w", err)
	}
	return string(b), nil
}

// ParseKey decodes a KeyString back into its Value. Canonical scalar text
// is valid JSON, so the storage decoder handles it.
func ParseKey(s string) (Value, error) {
	v, err := UnmarshalValue([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("parse key %q: %w", s, err)
	}
	if _, ok := v.(Null); ok {
		return nil, fmt.Errorf("parse key %q: NULL key", s)
	}
	return v, nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests with known-good values.
func MustFingerprint(r Record, columns []string) string {
	fp, err := Fingerprint(r, columns)
	if err != nil {
		panic(err)
	}
	return fp
}
