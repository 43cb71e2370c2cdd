package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const nodeColumns = `id, scope, type, tier, memory_lane, owner_agent_id, owner_team_id, title, text_summary,
	slots, embedding, embedding_status, embedding_model, embedding_attempts, embedding_last_error,
	embedding_ready_at, commit_id, created_at, updated_at`

// UpsertNode inserts n or, when the id already exists in the same scope,
// refreshes its content fields. The stored vector survives an update, but
// a changed title or text_summary sets embedding_status back to pending
// so the next embed job re-embeds the new text.
func (t *Tx) UpsertNode(ctx context.Context, n Node) error {
	slots := n.SlotsJSON
	if slots == "" {
		slots = "{}"
	}
	status := n.EmbeddingStatus
	if status == "" {
		status = EmbeddingPending
	}
	res, err := t.exec(ctx, `
		INSERT INTO nodes
		(id, scope, type, tier, memory_lane, owner_agent_id, owner_team_id, title, text_summary, slots,
		 embedding_status, embedding_last_error, commit_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			text_summary = excluded.text_summary,
			slots = excluded.slots,
			memory_lane = excluded.memory_lane,
			owner_agent_id = excluded.owner_agent_id,
			owner_team_id = excluded.owner_team_id,
			embedding_status = CASE
				WHEN nodes.title <> excluded.title OR nodes.text_summary <> excluded.text_summary
				THEN ? ELSE nodes.embedding_status END,
			commit_id = excluded.commit_id,
			updated_at = excluded.updated_at
		WHERE nodes.scope = excluded.scope
	`,
		n.ID,
		n.Scope,
		n.Type,
		defaultString(n.Tier, TierHot),
		defaultString(n.MemoryLane, LaneShared),
		nullString(n.OwnerAgentID),
		nullString(n.OwnerTeamID),
		n.Title,
		n.TextSummary,
		slots,
		status,
		nullString(n.EmbeddingLastError),
		n.CommitID,
		toMillis(n.CreatedAt),
		toMillis(n.UpdatedAt),
		EmbeddingPending,
	)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", n.ID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("upsert node %s: id belongs to another scope", n.ID)
	}
	return nil
}

// GetNode returns a node by scope and id.
func (t *Tx) GetNode(ctx context.Context, scope, id string) (Node, error) {
	row := t.queryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE scope = ? AND id = ?`, scope, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// GetNodes returns the nodes among ids that exist in scope, ordered by id.
func (t *Tx) GetNodes(ctx context.Context, scope string, ids []string) ([]Node, error) {
	if len(ids) == 0 {
		return []Node{}, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, scope)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := t.query(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE scope = ? AND id IN (`+placeholders(len(ids))+`)
		ORDER BY id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	nodes := []Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return nodes, nil
}

// MarkEmbeddingReady stores a vector and flips the node to ready.
func (t *Tx) MarkEmbeddingReady(ctx context.Context, scope, id, vectorJSON, model string, at time.Time) error {
	_, err := t.exec(ctx, `
		UPDATE nodes
		SET embedding = ?, embedding_model = ?, embedding_status = ?, embedding_ready_at = ?,
		    embedding_last_error = NULL, updated_at = ?
		WHERE scope = ? AND id = ?
	`, vectorJSON, model, EmbeddingReady, toMillis(at), toMillis(at), scope, id)
	if err != nil {
		return fmt.Errorf("mark embedding ready %s: %w", id, err)
	}
	return nil
}

// MarkEmbeddingFailed records a fatal embedding error. Nodes that are
// already ready keep their status and vector; only the error is noted.
func (t *Tx) MarkEmbeddingFailed(ctx context.Context, scope, id, reason string, at time.Time) error {
	_, err := t.exec(ctx, `
		UPDATE nodes
		SET embedding_status = CASE WHEN embedding_status = ? THEN embedding_status ELSE ? END,
		    embedding_last_error = ?, updated_at = ?
		WHERE scope = ? AND id = ?
	`, EmbeddingReady, EmbeddingFailed, reason, toMillis(at), scope, id)
	if err != nil {
		return fmt.Errorf("mark embedding failed %s: %w", id, err)
	}
	return nil
}

// RecordEmbeddingRetry counts a retryable failure against each node that
// is not yet ready.
func (t *Tx) RecordEmbeddingRetry(ctx context.Context, scope string, ids []string, lastError string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{lastError, toMillis(at), scope, EmbeddingReady}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := t.exec(ctx, `
		UPDATE nodes
		SET embedding_attempts = embedding_attempts + 1, embedding_last_error = ?, updated_at = ?
		WHERE scope = ? AND embedding_status <> ? AND id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("record embedding retry: %w", err)
	}
	return nil
}

// UpsertEdge inserts e or strengthens the existing edge with the same
// (scope, type, src, dst): max weight, max confidence, min decay.
func (t *Tx) UpsertEdge(ctx context.Context, e Edge, at time.Time) error {
	g, l := t.dialect.greatest(), t.dialect.least()
	_, err := t.exec(ctx, `
		INSERT INTO edges
		(id, scope, type, src_id, dst_id, weight, confidence, decay_rate, commit_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, type, src_id, dst_id) DO UPDATE SET
			weight = `+g+`(edges.weight, excluded.weight),
			confidence = `+g+`(edges.confidence, excluded.confidence),
			decay_rate = `+l+`(edges.decay_rate, excluded.decay_rate),
			commit_id = excluded.commit_id,
			updated_at = excluded.updated_at
	`,
		e.ID, e.Scope, e.Type, e.SrcID, e.DstID, e.Weight, e.Confidence, e.DecayRate, e.CommitID,
		toMillis(at), toMillis(at),
	)
	if err != nil {
		return fmt.Errorf("upsert edge %s->%s: %w", e.SrcID, e.DstID, err)
	}
	return nil
}

// GetEdge returns the edge identified by its natural key.
func (t *Tx) GetEdge(ctx context.Context, scope, typ, src, dst string) (Edge, error) {
	var e Edge
	err := t.queryRow(ctx, `
		SELECT id, scope, type, src_id, dst_id, weight, confidence, decay_rate, commit_id
		FROM edges
		WHERE scope = ? AND type = ? AND src_id = ? AND dst_id = ?
	`, scope, typ, src, dst).Scan(&e.ID, &e.Scope, &e.Type, &e.SrcID, &e.DstID, &e.Weight, &e.Confidence, &e.DecayRate, &e.CommitID)
	if errors.Is(err, sql.ErrNoRows) {
		return Edge{}, ErrNotFound
	}
	if err != nil {
		return Edge{}, fmt.Errorf("get edge: %w", err)
	}
	return e, nil
}

func scanNode(r rowScanner) (Node, error) {
	var (
		n                                Node
		ownerAgent, ownerTeam, embedding sql.NullString
		model, lastErr                   sql.NullString
		readyAt, createdAt, updatedAt    sql.NullInt64
	)
	err := r.Scan(&n.ID, &n.Scope, &n.Type, &n.Tier, &n.MemoryLane, &ownerAgent, &ownerTeam, &n.Title,
		&n.TextSummary, &n.SlotsJSON, &embedding, &n.EmbeddingStatus, &model, &n.EmbeddingAttempts,
		&lastErr, &readyAt, &n.CommitID, &createdAt, &updatedAt)
	if err != nil {
		return Node{}, err
	}
	n.OwnerAgentID = ownerAgent.String
	n.OwnerTeamID = ownerTeam.String
	n.EmbeddingJSON = embedding.String
	n.EmbeddingModel = model.String
	n.EmbeddingLastError = lastErr.String
	n.EmbeddingReadyAt = fromMillis(readyAt)
	n.CreatedAt = fromMillis(createdAt)
	n.UpdatedAt = fromMillis(updatedAt)
	return n, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
