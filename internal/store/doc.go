// Package store provides relational persistence for the memory kernel.
//
// The store holds:
//   - Commits: the per-scope, hash-chained audit ledger
//   - Nodes and Edges: the memory graph written by the write path
//   - Outbox jobs: the durable derivation queue (embedding, clustering)
//   - Rule defs, execution decisions and rule feedback
//
// # Dialects
//
// Two database/sql drivers are supported behind one API:
//   - "sqlite3" (mattn/go-sqlite3): embedded, single connection, used by
//     tests and local runs. The single connection serializes writers, so
//     row locks are unnecessary.
//   - "pgx" (jackc/pgx/v5/stdlib): production. Claims use
//     SELECT ... FOR UPDATE SKIP LOCKED and commit appends take a
//     transaction-scoped advisory lock per scope.
//
// Queries are written with '?' placeholders and rebound per dialect.
//
// # Critical Patterns
//
// Idempotent inserts:
//   - commits: UNIQUE(commit_hash), conflict updates diff_json only
//   - outbox:  UNIQUE(scope, event_type, job_key), conflict is a no-op
//   - edges:   UNIQUE(scope, type, src_id, dst_id), conflict strengthens
//
// Deterministic ordering:
//   - every list query has a total ORDER BY (seq/id tie-break)
//
// Timestamps are stored as unix milliseconds (BIGINT) so lease comparisons
// behave identically on both dialects.
package store
