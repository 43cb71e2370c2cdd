package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const ruleDefColumns = `rule_node_id, scope, state, rule_scope, target_agent_id, target_team_id, priority,
	if_json, then_json, exceptions_json, positive_count, negative_count, commit_id, created_at, updated_at`

// GetRuleDef returns the def row of a rule node.
func (t *Tx) GetRuleDef(ctx context.Context, scope, ruleNodeID string) (RuleDef, error) {
	row := t.queryRow(ctx, `SELECT `+ruleDefColumns+` FROM rule_defs WHERE scope = ? AND rule_node_id = ?`,
		scope, ruleNodeID)
	d, err := scanRuleDef(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RuleDef{}, ErrNotFound
	}
	if err != nil {
		return RuleDef{}, fmt.Errorf("get rule def: %w", err)
	}
	return d, nil
}

// InsertRuleDef creates d if no def exists for the rule node yet.
// Returns true if a row was created.
func (t *Tx) InsertRuleDef(ctx context.Context, d RuleDef) (bool, error) {
	res, err := t.exec(ctx, `
		INSERT INTO rule_defs
		(rule_node_id, scope, state, rule_scope, target_agent_id, target_team_id, priority,
		 if_json, then_json, exceptions_json, commit_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (rule_node_id) DO NOTHING
	`,
		d.RuleNodeID,
		d.Scope,
		d.State,
		d.RuleScope,
		nullString(d.TargetAgentID),
		nullString(d.TargetTeamID),
		d.Priority,
		defaultString(d.IfJSON, "{}"),
		defaultString(d.ThenJSON, "{}"),
		defaultString(d.ExceptionsJSON, "[]"),
		nullString(d.CommitID),
		toMillis(d.CreatedAt),
		toMillis(d.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert rule def %s: %w", d.RuleNodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert rule def %s: rows affected: %w", d.RuleNodeID, err)
	}
	return n == 1, nil
}

// RefreshRuleDef overwrites the content columns of an existing def with
// d's. State, feedback counters, commit_id and created_at are kept.
func (t *Tx) RefreshRuleDef(ctx context.Context, d RuleDef) error {
	res, err := t.exec(ctx, `
		UPDATE rule_defs
		SET rule_scope = ?, target_agent_id = ?, target_team_id = ?, priority = ?,
		    if_json = ?, then_json = ?, exceptions_json = ?, updated_at = ?
		WHERE scope = ? AND rule_node_id = ?
	`,
		d.RuleScope,
		nullString(d.TargetAgentID),
		nullString(d.TargetTeamID),
		d.Priority,
		defaultString(d.IfJSON, "{}"),
		defaultString(d.ThenJSON, "{}"),
		defaultString(d.ExceptionsJSON, "[]"),
		toMillis(d.UpdatedAt),
		d.Scope,
		d.RuleNodeID,
	)
	if err != nil {
		return fmt.Errorf("refresh rule def %s: %w", d.RuleNodeID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRuleState moves a rule to state and records the commit that did it.
func (t *Tx) UpdateRuleState(ctx context.Context, scope, ruleNodeID, state, commitID string, at time.Time) error {
	res, err := t.exec(ctx, `
		UPDATE rule_defs SET state = ?, commit_id = ?, updated_at = ?
		WHERE scope = ? AND rule_node_id = ?
	`, state, nullString(commitID), toMillis(at), scope, ruleNodeID)
	if err != nil {
		return fmt.Errorf("update rule state %s: %w", ruleNodeID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuleDefs returns the scope's rules in any of states, ordered by id.
// An empty states list returns every rule.
func (t *Tx) ListRuleDefs(ctx context.Context, scope string, states ...string) ([]RuleDef, error) {
	q := `SELECT ` + ruleDefColumns + ` FROM rule_defs WHERE scope = ?`
	args := []any{scope}
	if len(states) > 0 {
		q += ` AND state IN (` + placeholders(len(states)) + `)`
		for _, s := range states {
			args = append(args, s)
		}
	}
	q += ` ORDER BY rule_node_id ASC`

	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query rule defs: %w", err)
	}
	defer rows.Close()

	defs := []RuleDef{}
	for rows.Next() {
		d, err := scanRuleDef(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule def: %w", err)
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rule defs: %w", err)
	}
	return defs, nil
}

// IncrementRuleFeedback adds to the rule's positive and negative counters.
func (t *Tx) IncrementRuleFeedback(ctx context.Context, scope, ruleNodeID string, positive, negative int, at time.Time) error {
	res, err := t.exec(ctx, `
		UPDATE rule_defs
		SET positive_count = positive_count + ?, negative_count = negative_count + ?, updated_at = ?
		WHERE scope = ? AND rule_node_id = ?
	`, positive, negative, toMillis(at), scope, ruleNodeID)
	if err != nil {
		return fmt.Errorf("increment rule feedback %s: %w", ruleNodeID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRuleDef(r rowScanner) (RuleDef, error) {
	var (
		d                     RuleDef
		agent, team, commitID sql.NullString
		createdAt, updatedAt  sql.NullInt64
	)
	err := r.Scan(&d.RuleNodeID, &d.Scope, &d.State, &d.RuleScope, &agent, &team, &d.Priority,
		&d.IfJSON, &d.ThenJSON, &d.ExceptionsJSON, &d.PositiveCount, &d.NegativeCount, &commitID,
		&createdAt, &updatedAt)
	if err != nil {
		return RuleDef{}, err
	}
	d.TargetAgentID = agent.String
	d.TargetTeamID = team.String
	d.CommitID = commitID.String
	d.CreatedAt = fromMillis(createdAt)
	d.UpdatedAt = fromMillis(updatedAt)
	return d, nil
}
