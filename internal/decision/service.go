// Package decision evaluates rules for an execution context, selects
// tools under the merged policy, persists the provenance of every
// selection and attributes feedback back to the rules responsible.
package decision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Cognary/Aionis-sub002/internal/clock"
	"github.com/Cognary/Aionis-sub002/internal/ids"
	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/ledger"
	"github.com/Cognary/Aionis-sub002/internal/policy"
	"github.com/Cognary/Aionis-sub002/internal/rules"
	"github.com/Cognary/Aionis-sub002/internal/store"
	"github.com/Cognary/Aionis-sub002/internal/toolpolicy"
)

// PathTool is the policy prefix owned by the tool resolver.
const PathTool = "tool"

// Service is the decision API. It is safe for concurrent use.
type Service struct {
	store  *store.Store
	ledger *ledger.Ledger
	engine *rules.Engine
	ids    ids.Generator
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIDs overrides the decision and feedback id generator.
func WithIDs(g ids.Generator) Option {
	return func(s *Service) { s.ids = g }
}

// WithClock overrides the clock.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service.
func NewService(st *store.Store, led *ledger.Ledger, eng *rules.Engine, opts ...Option) *Service {
	s := &Service{
		store:  st,
		ledger: led,
		engine: eng,
		ids:    ids.UUIDv7{},
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EvaluateRequest selects the rules evaluated for a context.
type EvaluateRequest struct {
	Scope   string
	Context jsonv.Value
	// IncludeShadow also evaluates shadow rules. Their matches are
	// reported but never shape the policy.
	IncludeShadow bool
	AgentID       string
	TeamID        string
}

// Evaluation is the effective policy for one context.
type Evaluation struct {
	// Applied are the matching active rules in rank order.
	Applied []rules.Matched
	// Shadow are matching shadow rules, when requested.
	Shadow []rules.Matched
	Merged policy.Merged
	Tool   toolpolicy.Resolved
	// Policy is the merged policy with the tool sub-policy replaced by the
	// resolved one. PolicySHA256 hashes it.
	Policy        jsonv.Object
	PolicySHA256  string
	ContextSHA256 string
	// SourceRuleIDs are the applied rules that wrote at least one policy
	// path, in rank order.
	SourceRuleIDs []string
}

// ValidationError rejects a request before anything is stored.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

// Evaluate matches the scope's rules against req.Context and merges the
// policy patches of the applied ones.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (Evaluation, error) {
	if req.Scope == "" {
		return Evaluation{}, &ValidationError{Field: "scope", Message: "required"}
	}
	var ev Evaluation
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		ev, err = s.evaluate(ctx, tx, req)
		return err
	})
	if err != nil {
		return Evaluation{}, fmt.Errorf("evaluate: %w", err)
	}
	return ev, nil
}

func (s *Service) evaluate(ctx context.Context, tx *store.Tx, req EvaluateRequest) (Evaluation, error) {
	execCtx := req.Context
	if execCtx == nil {
		execCtx = jsonv.Object{}
	}
	states := []string{store.RuleActive}
	if req.IncludeShadow {
		states = append(states, store.RuleShadow)
	}
	defs, err := tx.ListRuleDefs(ctx, req.Scope, states...)
	if err != nil {
		return Evaluation{}, err
	}

	matched := s.engine.Evaluate(defs, execCtx, rules.EvalOptions{
		IncludeShadow: req.IncludeShadow,
		AgentID:       req.AgentID,
		TeamID:        req.TeamID,
	})
	ev := Evaluation{Applied: []rules.Matched{}, Shadow: []rules.Matched{}}
	for _, m := range matched {
		if m.Shadow {
			ev.Shadow = append(ev.Shadow, m)
		} else {
			ev.Applied = append(ev.Applied, m)
		}
	}

	ranked := contributions(ev.Applied)
	ev.Merged = policy.Merge(reversed(ranked))
	ev.Tool = toolpolicy.Resolve(ranked)

	ev.Policy = jsonv.Clone(ev.Merged.Policy).(jsonv.Object)
	if len(ev.Tool.Trace.Rules) > 0 {
		ev.Policy[PathTool] = ev.Tool.Policy.JSON()
	}
	if ev.PolicySHA256, err = jsonv.Hash(jsonv.DomainPolicy, ev.Policy); err != nil {
		return Evaluation{}, err
	}
	if ev.ContextSHA256, err = jsonv.Hash(jsonv.DomainContext, execCtx); err != nil {
		return Evaluation{}, err
	}

	ev.SourceRuleIDs = []string{}
	for _, m := range ev.Applied {
		if len(ev.Merged.Touched[m.RuleID]) > 0 {
			ev.SourceRuleIDs = append(ev.SourceRuleIDs, m.RuleID)
		}
	}
	return ev, nil
}

// contributions lists the patches of ms in the order given.
func contributions(ms []rules.Matched) []policy.Contribution {
	out := make([]policy.Contribution, len(ms))
	for i, m := range ms {
		out[i] = policy.Contribution{RuleID: m.RuleID, Patch: m.Then}
	}
	return out
}

// reversed returns cs lowest rank first, so the highest-ranked rule is
// merged last and wins every conflict.
func reversed(cs []policy.Contribution) []policy.Contribution {
	out := make([]policy.Contribution, len(cs))
	for i, c := range cs {
		out[len(cs)-1-i] = c
	}
	return out
}
