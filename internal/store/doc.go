// Package store provides SQLite-backed durable storage for the sync engine.
//
// It persists the definition entities (datasources, views, sync configs,
// field mappings), the execution state (jobs, job errors, conflicts,
// baseline fingerprints, leases), and the schema-cache snapshots.
//
// # Critical Patterns
//
// Idempotent inserts
//   - Conflicts: UNIQUE(job_id, record_key) + ON CONFLICT DO NOTHING, so a
//     replayed page never duplicates a conflict
//   - Leases: PRIMARY KEY(config_id); the failed insert IS the
//     already-running answer
//
// Atomic page commit
//   - CommitPage writes checkpoint, counters, fingerprints, conflicts, and
//     job errors in ONE transaction; the checkpoint can never run ahead of
//     (or behind) the state it summarizes
//
// Deterministic query results
//   - Every multi-row read carries an ORDER BY with a unique tiebreaker
//
// Timestamps
//   - Stored as fixed-width UTC text so lexicographic order equals
//     chronological order
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//
// Record snapshots are stored as the storage JSON produced by
// internal/model (wrapper-tagged cells); fingerprints are computed upstream
// via model.Fingerprint and stored opaquely here.
package store
