// Package engine runs batch synchronization jobs between datasources.
//
// The Engine owns a pool of workers fed from a FIFO trigger queue. Each
// worker executes one SyncJob at a time: it pages through the reading-side
// view in key order, maps records through the config's field mappings,
// detects conflicts against baseline fingerprints, writes accepted records
// in page-scoped transactions, and commits each page's outcome (checkpoint,
// counters, baselines, conflicts, errors) atomically through the store.
//
// Concurrency model:
//   - At most one active job per SyncConfig, enforced by a store lease
//     acquired before a job is enqueued and released on its terminal state.
//   - Different configs run in parallel, one goroutine per job.
//   - Job and Conflict rows are mutated only by the owning worker;
//     resolution actions go through the store with status preconditions.
//   - Cancellation is cooperative and observed at page boundaries only;
//     an in-flight page always commits or aborts whole.
//
// Crash safety hinges on two rules: the checkpoint advances only after the
// page's write transaction commits, and every per-page store mutation is
// idempotent (upserts, conflict dedupe on (job, key)), so replaying a
// half-processed page converges to the same state.
package engine
