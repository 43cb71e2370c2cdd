package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const outboxColumns = `id, scope, commit_id, event_type, job_key, payload, attempts, claimed_at,
	published_at, failed_at, last_error, created_at`

// InsertOutboxJob enqueues j, idempotent on (scope, event_type, job_key).
// Returns the stored id and whether a new row was created.
func (t *Tx) InsertOutboxJob(ctx context.Context, j OutboxJob) (id int64, inserted bool, err error) {
	err = t.queryRow(ctx, `
		INSERT INTO outbox (scope, commit_id, event_type, job_key, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, event_type, job_key) DO NOTHING
		RETURNING id
	`, j.Scope, nullString(j.CommitID), j.EventType, j.JobKey, j.Payload, toMillis(j.CreatedAt)).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("insert outbox job: %w", err)
	}

	// Conflict - the logical job already exists.
	err = t.queryRow(ctx, `
		SELECT id FROM outbox WHERE scope = ? AND event_type = ? AND job_key = ?
	`, j.Scope, j.EventType, j.JobKey).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("select existing outbox job: %w", err)
	}
	return id, false, nil
}

// SweepDeadLetters marks every unleased job that has exhausted its attempts
// as failed. A job is only ever dead-lettered once: rows with failed_at
// already set are excluded.
func (t *Tx) SweepDeadLetters(ctx context.Context, maxAttempts int, now, leaseCutoff time.Time) ([]int64, error) {
	rows, err := t.query(ctx, `
		UPDATE outbox
		SET failed_at = ?, claimed_at = NULL
		WHERE published_at IS NULL
		  AND failed_at IS NULL
		  AND attempts >= ?
		  AND (claimed_at IS NULL OR claimed_at < ?)
		RETURNING id
	`, toMillis(now), maxAttempts, toMillis(leaseCutoff))
	if err != nil {
		return nil, fmt.Errorf("sweep dead letters: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// SelectClaimable returns up to limit job ids eligible for claiming, in
// priority order (embed_nodes, topic_cluster, everything else) then
// insertion order. On Postgres the selected rows are locked and rows locked
// by another claimer are skipped.
func (t *Tx) SelectClaimable(ctx context.Context, limit, maxAttempts int, leaseCutoff time.Time) ([]int64, error) {
	rows, err := t.query(ctx, `
		SELECT id
		FROM outbox
		WHERE published_at IS NULL
		  AND failed_at IS NULL
		  AND attempts < ?
		  AND (claimed_at IS NULL OR claimed_at < ?)
		ORDER BY CASE event_type
		           WHEN 'embed_nodes' THEN 0
		           WHEN 'topic_cluster' THEN 1
		           ELSE 2
		         END ASC,
		         id ASC
		LIMIT ?
		`+t.dialect.skipLocked(),
		maxAttempts, toMillis(leaseCutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ClaimJob leases job id if it is still claimable, counting the attempt.
// The re-check makes the claim safe even where rows are not locked.
func (t *Tx) ClaimJob(ctx context.Context, id int64, maxAttempts int, now, leaseCutoff time.Time) (bool, error) {
	res, err := t.exec(ctx, `
		UPDATE outbox
		SET claimed_at = ?, attempts = attempts + 1
		WHERE id = ?
		  AND published_at IS NULL
		  AND failed_at IS NULL
		  AND attempts < ?
		  AND (claimed_at IS NULL OR claimed_at < ?)
	`, toMillis(now), id, maxAttempts, toMillis(leaseCutoff))
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job %d: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// GetOutboxJob returns a job by id.
func (t *Tx) GetOutboxJob(ctx context.Context, id int64) (OutboxJob, error) {
	row := t.queryRow(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id)
	j, err := scanOutboxJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxJob{}, ErrNotFound
	}
	if err != nil {
		return OutboxJob{}, fmt.Errorf("get outbox job: %w", err)
	}
	return j, nil
}

// ListOutboxJobs returns the scope's jobs of eventType (all types when
// empty) in insertion order.
func (t *Tx) ListOutboxJobs(ctx context.Context, scope, eventType string) ([]OutboxJob, error) {
	q := `SELECT ` + outboxColumns + ` FROM outbox WHERE scope = ?`
	args := []any{scope}
	if eventType != "" {
		q += ` AND event_type = ?`
		args = append(args, eventType)
	}
	q += ` ORDER BY id ASC`

	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	jobs := []OutboxJob{}
	for rows.Next() {
		j, err := scanOutboxJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return jobs, nil
}

// MarkPublished completes job id. A non-empty marker records why a job
// was force-published (fatal input) rather than completed cleanly.
func (t *Tx) MarkPublished(ctx context.Context, id int64, now time.Time, marker string) error {
	_, err := t.exec(ctx, `
		UPDATE outbox
		SET published_at = ?, claimed_at = NULL, last_error = ?
		WHERE id = ?
	`, toMillis(now), nullString(marker), id)
	if err != nil {
		return fmt.Errorf("mark published %d: %w", id, err)
	}
	return nil
}

// RecordJobFailure clears the lease on job id and stores errMsg. The
// attempt was already counted at claim time. When the job has exhausted
// maxAttempts it is dead-lettered in the same statement; deadLettered
// reports whether that happened now.
func (t *Tx) RecordJobFailure(ctx context.Context, id int64, errMsg string, maxAttempts int, now time.Time) (deadLettered bool, err error) {
	var failedAt sql.NullInt64
	err = t.queryRow(ctx, `
		UPDATE outbox
		SET claimed_at = NULL,
		    last_error = ?,
		    failed_at = CASE WHEN failed_at IS NULL AND attempts >= ? THEN ? ELSE failed_at END
		WHERE id = ? AND published_at IS NULL
		RETURNING failed_at
	`, errMsg, maxAttempts, toMillis(now), id).Scan(&failedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record job failure %d: %w", id, err)
	}
	return failedAt.Valid && failedAt.Int64 == toMillis(now), nil
}

// ResetJob clears attempts, failure and lease so a dead-lettered job is
// claimable again. Published jobs are not touched.
func (t *Tx) ResetJob(ctx context.Context, id int64) (bool, error) {
	res, err := t.exec(ctx, `
		UPDATE outbox
		SET attempts = 0, failed_at = NULL, claimed_at = NULL, last_error = NULL
		WHERE id = ? AND published_at IS NULL
	`, id)
	if err != nil {
		return false, fmt.Errorf("reset job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset job %d: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// OutboxCounts summarizes queue state.
type OutboxCounts struct {
	Pending      int64 `json:"pending"`
	Leased       int64 `json:"leased"`
	Published    int64 `json:"published"`
	DeadLettered int64 `json:"dead_lettered"`
}

// CountOutbox returns per-state counts, optionally restricted to scope.
func (t *Tx) CountOutbox(ctx context.Context, scope string, leaseCutoff time.Time) (OutboxCounts, error) {
	q := `
		SELECT
			COALESCE(SUM(CASE WHEN published_at IS NULL AND failed_at IS NULL
			                   AND (claimed_at IS NULL OR claimed_at < ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN published_at IS NULL AND failed_at IS NULL
			                   AND claimed_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN published_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed_at IS NOT NULL AND published_at IS NULL THEN 1 ELSE 0 END), 0)
		FROM outbox`
	cutoff := toMillis(leaseCutoff)
	args := []any{cutoff, cutoff}
	if scope != "" {
		q += ` WHERE scope = ?`
		args = append(args, scope)
	}
	var c OutboxCounts
	if err := t.queryRow(ctx, q, args...).Scan(&c.Pending, &c.Leased, &c.Published, &c.DeadLettered); err != nil {
		return OutboxCounts{}, fmt.Errorf("count outbox: %w", err)
	}
	return c, nil
}

func scanOutboxJob(r rowScanner) (OutboxJob, error) {
	var (
		j                                   OutboxJob
		commitID, lastErr                   sql.NullString
		claimed, published, failed, created sql.NullInt64
	)
	err := r.Scan(&j.ID, &j.Scope, &commitID, &j.EventType, &j.JobKey, &j.Payload, &j.Attempts,
		&claimed, &published, &failed, &lastErr, &created)
	if err != nil {
		return OutboxJob{}, err
	}
	j.CommitID = commitID.String
	j.LastError = lastErr.String
	j.ClaimedAt = fromMillis(claimed)
	j.PublishedAt = fromMillis(published)
	j.FailedAt = fromMillis(failed)
	j.CreatedAt = fromMillis(created)
	return j, nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}
