package decision

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/ledger"
	"github.com/Cognary/Aionis-sub002/internal/policy"
	"github.com/Cognary/Aionis-sub002/internal/store"
	"github.com/Cognary/Aionis-sub002/internal/toolpolicy"
)

// KindToolsSelect is the decision_kind of tool selections.
const KindToolsSelect = "tools_select"

// SelectRequest asks for a tool among Candidates.
type SelectRequest struct {
	Scope      string
	Actor      string
	RunID      string
	Context    jsonv.Value
	Candidates []string
	// Strict fails with no_tools_allowed instead of falling back.
	Strict  bool
	AgentID string
	TeamID  string
}

// SelectResult is a persisted tool selection.
type SelectResult struct {
	DecisionID    string                `json:"decision_id"`
	CommitID      string                `json:"commit_id"`
	Selection     toolpolicy.Selection  `json:"selection"`
	ToolPolicy    toolpolicy.ToolPolicy `json:"tool_policy"`
	Trace         toolpolicy.Trace      `json:"trace"`
	Conflicts     []policy.Conflict     `json:"conflicts"`
	ContextSHA256 string                `json:"context_sha256"`
	PolicySHA256  string                `json:"policy_sha256"`
	SourceRuleIDs []string              `json:"source_rule_ids"`
	Policy        jsonv.Object          `json:"policy"`
}

// SelectTools evaluates the scope's active rules for req.Context, applies
// the resolved tool policy to the candidates and records the decision
// with a ledger commit. A strict selection that leaves nothing eligible
// returns a *toolpolicy.SelectionError and stores nothing.
func (s *Service) SelectTools(ctx context.Context, req SelectRequest) (SelectResult, error) {
	switch {
	case req.Scope == "":
		return SelectResult{}, &ValidationError{Field: "scope", Message: "required"}
	case req.Actor == "":
		return SelectResult{}, &ValidationError{Field: "actor", Message: "required"}
	}

	var res SelectResult
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		ev, err := s.evaluate(ctx, tx, EvaluateRequest{
			Scope:   req.Scope,
			Context: req.Context,
			AgentID: req.AgentID,
			TeamID:  req.TeamID,
		})
		if err != nil {
			return err
		}
		sel, err := toolpolicy.Apply(req.Candidates, ev.Tool.Policy, req.Strict)
		if err != nil {
			return err
		}

		decisionID := s.ids.New()
		c, err := s.ledger.Append(ctx, tx, ledger.AppendInput{
			Scope:       req.Scope,
			Actor:       req.Actor,
			Kind:        ledger.KindToolsDecision,
			InputSHA256: ev.ContextSHA256,
			Diff: jsonv.Object{
				"decision_id":     jsonv.String(decisionID),
				"selected_tool":   jsonv.String(sel.Selected),
				"candidates":      jsonv.StringArray(sel.Candidates),
				"policy_sha256":   jsonv.String(ev.PolicySHA256),
				"source_rule_ids": jsonv.StringArray(ev.SourceRuleIDs),
			},
		})
		if err != nil {
			return err
		}

		candidates, err := json.Marshal(sel.Candidates)
		if err != nil {
			return err
		}
		sources, err := json.Marshal(ev.SourceRuleIDs)
		if err != nil {
			return err
		}
		metadata, err := json.Marshal(decisionMetadata{
			Ordered:   sel.Ordered,
			Denied:    sel.Denied,
			Fallback:  sel.Fallback,
			Trace:     ev.Tool.Trace,
			Conflicts: nonNilConflicts(ev.Merged.Conflicts),
			Strict:    req.Strict,
		})
		if err != nil {
			return err
		}
		if err := tx.InsertDecision(ctx, store.Decision{
			ID:             decisionID,
			Scope:          req.Scope,
			DecisionKind:   KindToolsSelect,
			RunID:          req.RunID,
			SelectedTool:   sel.Selected,
			CandidatesJSON: string(candidates),
			ContextSHA256:  ev.ContextSHA256,
			PolicySHA256:   ev.PolicySHA256,
			SourceRuleIDs:  string(sources),
			MetadataJSON:   string(metadata),
			CommitID:       c.ID,
			CreatedAt:      s.clock.Now(),
		}); err != nil {
			return err
		}

		res = SelectResult{
			DecisionID:    decisionID,
			CommitID:      c.ID,
			Selection:     sel,
			ToolPolicy:    ev.Tool.Policy,
			Trace:         ev.Tool.Trace,
			Conflicts:     nonNilConflicts(ev.Merged.Conflicts),
			ContextSHA256: ev.ContextSHA256,
			PolicySHA256:  ev.PolicySHA256,
			SourceRuleIDs: ev.SourceRuleIDs,
			Policy:        ev.Policy,
		}
		return nil
	})
	if err != nil {
		return SelectResult{}, fmt.Errorf("select tools: %w", err)
	}

	s.logger.Info("tools selected",
		"scope", req.Scope,
		"decision_id", res.DecisionID,
		"selected", res.Selection.Selected,
		"fallback", res.Selection.Fallback.Reason,
		"rules", len(res.SourceRuleIDs),
	)
	return res, nil
}

// decisionMetadata is stored in metadata_json.
type decisionMetadata struct {
	Ordered   []string            `json:"ordered"`
	Denied    []string            `json:"denied"`
	Fallback  toolpolicy.Fallback `json:"fallback"`
	Trace     toolpolicy.Trace    `json:"trace"`
	Conflicts []policy.Conflict   `json:"conflicts"`
	Strict    bool                `json:"strict"`
}

// Record is a stored decision with its JSON columns decoded.
type Record struct {
	ID            string       `json:"id"`
	Scope         string       `json:"scope"`
	Kind          string       `json:"decision_kind"`
	RunID         string       `json:"run_id,omitempty"`
	SelectedTool  string       `json:"selected_tool,omitempty"`
	Candidates    []string     `json:"candidates"`
	ContextSHA256 string       `json:"context_sha256"`
	PolicySHA256  string       `json:"policy_sha256"`
	SourceRuleIDs []string     `json:"source_rule_ids"`
	Metadata      jsonv.Object `json:"metadata"`
	CommitID      string       `json:"commit_id,omitempty"`
	CreatedAt     string       `json:"created_at"`
}

// GetDecision returns a stored decision. A missing decision wraps
// store.ErrNotFound.
func (s *Service) GetDecision(ctx context.Context, scope, id string) (Record, error) {
	var d store.Decision
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		d, err = tx.GetDecision(ctx, scope, id)
		return err
	})
	if err != nil {
		return Record{}, fmt.Errorf("get decision %s: %w", id, err)
	}
	return recordOf(d)
}

func recordOf(d store.Decision) (Record, error) {
	r := Record{
		ID:            d.ID,
		Scope:         d.Scope,
		Kind:          d.DecisionKind,
		RunID:         d.RunID,
		SelectedTool:  d.SelectedTool,
		ContextSHA256: d.ContextSHA256,
		PolicySHA256:  d.PolicySHA256,
		CommitID:      d.CommitID,
		CreatedAt:     d.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		Candidates:    []string{},
		SourceRuleIDs: []string{},
		Metadata:      jsonv.Object{},
	}
	if err := json.Unmarshal([]byte(d.CandidatesJSON), &r.Candidates); err != nil {
		return Record{}, fmt.Errorf("decision %s: candidates: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(d.SourceRuleIDs), &r.SourceRuleIDs); err != nil {
		return Record{}, fmt.Errorf("decision %s: source_rule_ids: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(d.MetadataJSON), &r.Metadata); err != nil {
		return Record{}, fmt.Errorf("decision %s: metadata: %w", d.ID, err)
	}
	return r, nil
}

func nonNilConflicts(cs []policy.Conflict) []policy.Conflict {
	if cs == nil {
		return []policy.Conflict{}
	}
	return cs
}
