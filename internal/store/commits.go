package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LockScope serializes commit appends for scope until the transaction ends.
func (t *Tx) LockScope(ctx context.Context, scope string) error {
	return t.dialect.lockScope(ctx, t.tx, scope)
}

// LatestCommit returns the newest commit in scope, or ErrNotFound when the
// scope has no history yet.
func (t *Tx) LatestCommit(ctx context.Context, scope string) (Commit, error) {
	row := t.queryRow(ctx, `
		SELECT seq, id, scope, parent_id, parent_hash, input_sha256, diff_sha256, diff_json,
		       actor, kind, commit_hash, created_at
		FROM commits
		WHERE scope = ?
		ORDER BY seq DESC
		LIMIT 1
	`, scope)
	c, err := scanCommit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Commit{}, ErrNotFound
	}
	if err != nil {
		return Commit{}, fmt.Errorf("latest commit: %w", err)
	}
	return c, nil
}

// InsertCommit writes c, idempotent on commit_hash. On conflict only the
// stored diff payload is refreshed; the hash and chain position never
// change. Returns the stored id and whether a new row was created.
func (t *Tx) InsertCommit(ctx context.Context, c Commit) (id string, inserted bool, err error) {
	err = t.queryRow(ctx, `
		INSERT INTO commits
		(id, scope, parent_id, parent_hash, input_sha256, diff_sha256, diff_json, actor, kind, commit_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (commit_hash) DO UPDATE SET diff_json = excluded.diff_json
		RETURNING id
	`,
		c.ID,
		c.Scope,
		nullString(c.ParentID),
		c.ParentHash,
		c.InputSHA256,
		c.DiffSHA256,
		c.DiffJSON,
		c.Actor,
		c.Kind,
		c.CommitHash,
		toMillis(c.CreatedAt),
	).Scan(&id)
	if err != nil {
		return "", false, fmt.Errorf("insert commit: %w", err)
	}
	return id, id == c.ID, nil
}

// GetCommit returns a commit by id.
func (t *Tx) GetCommit(ctx context.Context, id string) (Commit, error) {
	row := t.queryRow(ctx, `
		SELECT seq, id, scope, parent_id, parent_hash, input_sha256, diff_sha256, diff_json,
		       actor, kind, commit_hash, created_at
		FROM commits
		WHERE id = ?
	`, id)
	c, err := scanCommit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Commit{}, ErrNotFound
	}
	if err != nil {
		return Commit{}, fmt.Errorf("get commit: %w", err)
	}
	return c, nil
}

// ListCommits returns the scope's chain in append order.
func (t *Tx) ListCommits(ctx context.Context, scope string) ([]Commit, error) {
	rows, err := t.query(ctx, `
		SELECT seq, id, scope, parent_id, parent_hash, input_sha256, diff_sha256, diff_json,
		       actor, kind, commit_hash, created_at
		FROM commits
		WHERE scope = ?
		ORDER BY seq ASC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}
	defer rows.Close()

	commits := []Commit{}
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return commits, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommit(r rowScanner) (Commit, error) {
	var (
		c        Commit
		parentID sql.NullString
		created  sql.NullInt64
	)
	err := r.Scan(&c.Seq, &c.ID, &c.Scope, &parentID, &c.ParentHash, &c.InputSHA256, &c.DiffSHA256,
		&c.DiffJSON, &c.Actor, &c.Kind, &c.CommitHash, &created)
	if err != nil {
		return Commit{}, err
	}
	c.ParentID = parentID.String
	c.CreatedAt = fromMillis(created)
	return c, nil
}
