package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertDecision persists an execution decision. Decisions are immutable;
// a second insert with the same id fails.
func (t *Tx) InsertDecision(ctx context.Context, d Decision) error {
	_, err := t.exec(ctx, `
		INSERT INTO execution_decisions
		(id, scope, decision_kind, run_id, selected_tool, candidates_json, context_sha256,
		 policy_sha256, source_rule_ids, metadata_json, commit_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID,
		d.Scope,
		d.DecisionKind,
		nullString(d.RunID),
		nullString(d.SelectedTool),
		d.CandidatesJSON,
		d.ContextSHA256,
		d.PolicySHA256,
		defaultString(d.SourceRuleIDs, "[]"),
		defaultString(d.MetadataJSON, "{}"),
		nullString(d.CommitID),
		toMillis(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert decision %s: %w", d.ID, err)
	}
	return nil
}

// GetDecision returns a decision by scope and id.
func (t *Tx) GetDecision(ctx context.Context, scope, id string) (Decision, error) {
	var (
		d                       Decision
		runID, selected, commit sql.NullString
		createdAt               sql.NullInt64
	)
	err := t.queryRow(ctx, `
		SELECT id, scope, decision_kind, run_id, selected_tool, candidates_json, context_sha256,
		       policy_sha256, source_rule_ids, metadata_json, commit_id, created_at
		FROM execution_decisions
		WHERE scope = ? AND id = ?
	`, scope, id).Scan(&d.ID, &d.Scope, &d.DecisionKind, &runID, &selected, &d.CandidatesJSON,
		&d.ContextSHA256, &d.PolicySHA256, &d.SourceRuleIDs, &d.MetadataJSON, &commit, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{}, ErrNotFound
	}
	if err != nil {
		return Decision{}, fmt.Errorf("get decision: %w", err)
	}
	d.RunID = runID.String
	d.SelectedTool = selected.String
	d.CommitID = commit.String
	d.CreatedAt = fromMillis(createdAt)
	return d, nil
}

// InsertRuleFeedback appends an immutable feedback row.
func (t *Tx) InsertRuleFeedback(ctx context.Context, f RuleFeedback) error {
	_, err := t.exec(ctx, `
		INSERT INTO rule_feedback
		(id, scope, rule_node_id, run_id, decision_id, outcome, note, commit_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.ID,
		f.Scope,
		f.RuleNodeID,
		nullString(f.RunID),
		nullString(f.DecisionID),
		f.Outcome,
		nullString(f.Note),
		nullString(f.CommitID),
		toMillis(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert rule feedback: %w", err)
	}
	return nil
}

// ListRuleFeedback returns the feedback recorded against a rule, oldest first.
func (t *Tx) ListRuleFeedback(ctx context.Context, scope, ruleNodeID string) ([]RuleFeedback, error) {
	rows, err := t.query(ctx, `
		SELECT id, scope, rule_node_id, run_id, decision_id, outcome, note, commit_id, created_at
		FROM rule_feedback
		WHERE scope = ? AND rule_node_id = ?
		ORDER BY created_at ASC, id ASC
	`, scope, ruleNodeID)
	if err != nil {
		return nil, fmt.Errorf("query rule feedback: %w", err)
	}
	defer rows.Close()

	out := []RuleFeedback{}
	for rows.Next() {
		var (
			f                           RuleFeedback
			runID, decisionID, note, cm sql.NullString
			createdAt                   sql.NullInt64
		)
		if err := rows.Scan(&f.ID, &f.Scope, &f.RuleNodeID, &runID, &decisionID, &f.Outcome, &note, &cm, &createdAt); err != nil {
			return nil, fmt.Errorf("scan rule feedback: %w", err)
		}
		f.RunID = runID.String
		f.DecisionID = decisionID.String
		f.Note = note.String
		f.CommitID = cm.String
		f.CreatedAt = fromMillis(createdAt)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rule feedback: %w", err)
	}
	return out, nil
}
