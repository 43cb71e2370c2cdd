// Package outbox implements the derivation scheduler: a durable job queue
// in the relational store that decouples writes from asynchronous work
// (embedding backfill, topic clustering).
//
// Job states are derived from three timestamps:
//
//	pending       published_at, failed_at unset; unleased or lease expired
//	leased        claimed_at within lease_timeout
//	published     published_at set (success, or fatal input force-published)
//	dead-lettered failed_at set after attempts >= max_attempts
//
// One Tick:
//  1. sweep: unleased jobs with attempts >= max_attempts are dead-lettered
//  2. claim: a bounded batch in priority order (embed_nodes, topic_cluster,
//     other) then insertion order; rows locked by another worker are skipped
//  3. process: each job runs in its own transaction; a failure rolls back
//     only that job and the failure is recorded in a separate transaction
//
// Parallelism comes from running more workers, never from processing
// several jobs concurrently inside one worker.
package outbox
