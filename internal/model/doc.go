// Package model provides the canonical types shared across tidesync.
//
// This package contains type definitions, the record value domain, and the
// canonical encoding used for fingerprints. All other internal packages
// import model; model imports nothing internal. This keeps it the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Record cells are a closed scalar set (Null, Bool, Int, Float, String,
//     Time, Bytes); connectors normalize driver values into it
//   - Fingerprints are computed ONLY via MarshalCanonical + domain-separated
//     SHA-256, never via encoding/json
//   - All JSON tags use snake_case
package model
