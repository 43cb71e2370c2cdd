package decision

import (
	"context"
	"errors"
	"fmt"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/ledger"
	"github.com/Cognary/Aionis-sub002/internal/policy"
	"github.com/Cognary/Aionis-sub002/internal/rules"
	"github.com/Cognary/Aionis-sub002/internal/store"
)

// Feedback outcomes.
const (
	OutcomePositive = "positive"
	OutcomeNegative = "negative"
	OutcomeNeutral  = "neutral"
)

// Feedback targets.
const (
	// TargetTool attributes to rules whose patch touched the tool policy.
	TargetTool = "tool"
	// TargetAll attributes to every matching rule.
	TargetAll = "all"
)

// FeedbackRequest reports the outcome of a run.
type FeedbackRequest struct {
	Scope   string
	Actor   string
	Context jsonv.Value
	RunID   string
	// DecisionID optionally ties the feedback to a stored decision, whose
	// context hash must equal the hash of Context.
	DecisionID string
	Outcome    string
	// Target defaults to TargetTool.
	Target  string
	Note    string
	AgentID string
	TeamID  string
}

// FeedbackResult names the rules the outcome was attributed to.
type FeedbackResult struct {
	CommitID      string   `json:"commit_id"`
	Outcome       string   `json:"outcome"`
	Target        string   `json:"target"`
	RuleIDs       []string `json:"rule_ids"`
	ContextSHA256 string   `json:"context_sha256"`
}

// Feedback re-evaluates the scope's rules, shadow ones included, for
// req.Context and records the outcome against the rules responsible.
// Rule ids are never taken from the caller.
func (s *Service) Feedback(ctx context.Context, req FeedbackRequest) (FeedbackResult, error) {
	if req.Target == "" {
		req.Target = TargetTool
	}
	if err := validateFeedback(req); err != nil {
		return FeedbackResult{}, err
	}
	pos, neg := 0, 0
	switch req.Outcome {
	case OutcomePositive:
		pos = 1
	case OutcomeNegative:
		neg = 1
	}

	var res FeedbackResult
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		ev, err := s.evaluate(ctx, tx, EvaluateRequest{
			Scope:         req.Scope,
			Context:       req.Context,
			IncludeShadow: true,
			AgentID:       req.AgentID,
			TeamID:        req.TeamID,
		})
		if err != nil {
			return err
		}
		if req.DecisionID != "" {
			d, err := tx.GetDecision(ctx, req.Scope, req.DecisionID)
			if errors.Is(err, store.ErrNotFound) {
				return &ValidationError{Field: "decision_id", Message: fmt.Sprintf("unknown decision %q", req.DecisionID)}
			}
			if err != nil {
				return err
			}
			if d.ContextSHA256 != ev.ContextSHA256 {
				return &ValidationError{Field: "context", Message: "does not match the decision's context"}
			}
		}

		ruleIDs := attribute(append(append([]rules.Matched{}, ev.Applied...), ev.Shadow...), req.Target)
		c, err := s.ledger.Append(ctx, tx, ledger.AppendInput{
			Scope:       req.Scope,
			Actor:       req.Actor,
			Kind:        ledger.KindFeedback,
			InputSHA256: ev.ContextSHA256,
			Diff: jsonv.Object{
				"outcome":     jsonv.String(req.Outcome),
				"target":      jsonv.String(req.Target),
				"run_id":      jsonv.String(req.RunID),
				"decision_id": jsonv.String(req.DecisionID),
				"rule_ids":    jsonv.StringArray(ruleIDs),
			},
		})
		if err != nil {
			return err
		}

		now := s.clock.Now()
		for _, id := range ruleIDs {
			if pos+neg > 0 {
				if err := tx.IncrementRuleFeedback(ctx, req.Scope, id, pos, neg, now); err != nil {
					return err
				}
			}
			if err := tx.InsertRuleFeedback(ctx, store.RuleFeedback{
				ID:         s.ids.New(),
				Scope:      req.Scope,
				RuleNodeID: id,
				RunID:      req.RunID,
				DecisionID: req.DecisionID,
				Outcome:    req.Outcome,
				Note:       req.Note,
				CommitID:   c.ID,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}

		res = FeedbackResult{
			CommitID:      c.ID,
			Outcome:       req.Outcome,
			Target:        req.Target,
			RuleIDs:       ruleIDs,
			ContextSHA256: ev.ContextSHA256,
		}
		return nil
	})
	if err != nil {
		return FeedbackResult{}, fmt.Errorf("feedback: %w", err)
	}

	s.logger.Info("feedback recorded",
		"scope", req.Scope,
		"outcome", res.Outcome,
		"target", res.Target,
		"rules", len(res.RuleIDs),
	)
	return res, nil
}

func validateFeedback(req FeedbackRequest) error {
	switch {
	case req.Scope == "":
		return &ValidationError{Field: "scope", Message: "required"}
	case req.Actor == "":
		return &ValidationError{Field: "actor", Message: "required"}
	}
	switch req.Outcome {
	case OutcomePositive, OutcomeNegative, OutcomeNeutral:
	default:
		return &ValidationError{Field: "outcome", Message: fmt.Sprintf("unknown outcome %q", req.Outcome)}
	}
	switch req.Target {
	case TargetTool, TargetAll:
	default:
		return &ValidationError{Field: "target", Message: fmt.Sprintf("unknown target %q", req.Target)}
	}
	return nil
}

// attribute picks the rules credited with an outcome, in rank order.
// Shadow rules are attributed the same way as applied ones so their
// counts can justify promotion.
func attribute(ms []rules.Matched, target string) []string {
	rules.SortMatched(ms)
	ids := make([]string, 0, len(ms))
	if target == TargetAll {
		for _, m := range ms {
			ids = append(ids, m.RuleID)
		}
		return ids
	}
	merged := policy.Merge(contributions(ms))
	for _, m := range ms {
		if merged.TouchesPrefix(m.RuleID, PathTool) {
			ids = append(ids, m.RuleID)
		}
	}
	return ids
}
