package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Cognary/Aionis-sub002/internal/clock"
	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/ledger"
	"github.com/Cognary/Aionis-sub002/internal/store"
)

// Manager applies rule state transitions.
type Manager struct {
	store  *store.Store
	ledger *ledger.Ledger
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager.
func NewManager(st *store.Store, led *ledger.Ledger, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		ledger: led,
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Transition moves a rule to target in one transaction. The def is first
// synced with the node's current slots, so an edited rule is promoted with
// its edited content. Promotion into shadow or active validates the rule.
// Every transition appends a commit; moving to the current state is a
// no-op.
func (m *Manager) Transition(ctx context.Context, scope, ruleNodeID, target, actor string) (store.RuleDef, error) {
	var def store.RuleDef
	err := m.store.InTx(ctx, func(tx *store.Tx) error {
		node, err := tx.GetNode(ctx, scope, ruleNodeID)
		if err != nil {
			return fmt.Errorf("load rule node %s: %w", ruleNodeID, err)
		}
		def, _, err = SyncDef(ctx, tx, node, m.clock.Now())
		if err != nil {
			return err
		}

		if def.State != target && !CanTransition(def.State, target) {
			return &TransitionError{RuleID: ruleNodeID, From: def.State, To: target}
		}
		if Enabled(target) {
			if err := Validate(def, node); err != nil {
				return err
			}
		}
		if def.State == target {
			return nil
		}

		c, err := m.ledger.Append(ctx, tx, ledger.AppendInput{
			Scope: scope,
			Actor: actor,
			Kind:  ledger.KindRuleTransition,
			Input: fmt.Sprintf("rule %s: %s -> %s", ruleNodeID, def.State, target),
			Diff: jsonv.Object{
				"rule_node_id": jsonv.String(ruleNodeID),
				"from":         jsonv.String(def.State),
				"to":           jsonv.String(target),
			},
		})
		if err != nil {
			return err
		}
		now := m.clock.Now()
		if err := tx.UpdateRuleState(ctx, scope, ruleNodeID, target, c.ID, now); err != nil {
			return err
		}

		m.logger.Info("rule transitioned", "scope", scope, "rule_id", ruleNodeID, "from", def.State, "to", target, "commit_id", c.ID)
		def.State, def.CommitID, def.UpdatedAt = target, c.ID, now
		return nil
	})
	if err != nil {
		return store.RuleDef{}, err
	}
	return def, nil
}

// SyncDef makes the def of a rule node match the node's slots. A missing
// def is created as a draft and created is true. An existing def has its
// content columns overwritten when they differ; state, feedback counters
// and commit_id are kept. Validation is left to the caller.
func SyncDef(ctx context.Context, tx *store.Tx, node store.Node, now time.Time) (def store.RuleDef, created bool, err error) {
	fresh, err := DefFromNode(node)
	if err != nil {
		return store.RuleDef{}, false, err
	}
	fresh.CreatedAt, fresh.UpdatedAt = now, now

	def, err = tx.GetRuleDef(ctx, node.Scope, node.ID)
	if errors.Is(err, store.ErrNotFound) {
		created, err = tx.InsertRuleDef(ctx, fresh)
		if err != nil {
			return store.RuleDef{}, false, err
		}
		return fresh, created, nil
	}
	if err != nil {
		return store.RuleDef{}, false, err
	}
	if sameContent(def, fresh) {
		return def, false, nil
	}

	if err := tx.RefreshRuleDef(ctx, fresh); err != nil {
		return store.RuleDef{}, false, err
	}
	def.RuleScope, def.TargetAgentID, def.TargetTeamID = fresh.RuleScope, fresh.TargetAgentID, fresh.TargetTeamID
	def.Priority = fresh.Priority
	def.IfJSON, def.ThenJSON, def.ExceptionsJSON = fresh.IfJSON, fresh.ThenJSON, fresh.ExceptionsJSON
	def.UpdatedAt = now
	return def, false, nil
}

func sameContent(a, b store.RuleDef) bool {
	return a.RuleScope == b.RuleScope &&
		a.TargetAgentID == b.TargetAgentID &&
		a.TargetTeamID == b.TargetTeamID &&
		a.Priority == b.Priority &&
		a.IfJSON == b.IfJSON &&
		a.ThenJSON == b.ThenJSON &&
		a.ExceptionsJSON == b.ExceptionsJSON
}

// Thresholds gate shadow -> active suggestions.
type Thresholds struct {
	MinPositives int     `mapstructure:"min_positives"`
	MaxNegRatio  float64 `mapstructure:"max_neg_ratio"`
	MinScore     int     `mapstructure:"min_score"`
}

// DefaultThresholds are the process-wide defaults.
var DefaultThresholds = Thresholds{
	MinPositives: 5,
	MaxNegRatio:  0.2,
	MinScore:     3,
}

// Suggestion is an advisory shadow -> active promotion.
type Suggestion struct {
	RuleID        string  `json:"rule_id"`
	PositiveCount int     `json:"positive_count"`
	NegativeCount int     `json:"negative_count"`
	NegRatio      float64 `json:"neg_ratio"`
	Score         int     `json:"score"`
	From          string  `json:"from"`
	To            string  `json:"to"`
}

// Suggest lists shadow rules whose feedback clears th. It never changes
// any state.
func (m *Manager) Suggest(ctx context.Context, scope string, th Thresholds) ([]Suggestion, error) {
	var defs []store.RuleDef
	err := m.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		defs, err = tx.ListRuleDefs(ctx, scope, store.RuleShadow)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("suggest promotions: %w", err)
	}

	out := []Suggestion{}
	for _, d := range defs {
		s := Suggestion{
			RuleID:        d.RuleNodeID,
			PositiveCount: d.PositiveCount,
			NegativeCount: d.NegativeCount,
			NegRatio:      negRatio(d.PositiveCount, d.NegativeCount),
			Score:         d.PositiveCount - d.NegativeCount,
			From:          store.RuleShadow,
			To:            store.RuleActive,
		}
		if s.PositiveCount >= th.MinPositives && s.NegRatio <= th.MaxNegRatio && s.Score >= th.MinScore {
			out = append(out, s)
		}
	}
	m.logger.Debug("promotion suggestions computed", "scope", scope, "shadow_rules", len(defs), "suggested", len(out))
	return out, nil
}

// negRatio is negative/positive; with no positives it is 0 when there is
// no negative feedback either, and +Inf otherwise.
func negRatio(pos, neg int) float64 {
	if pos == 0 {
		if neg == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return float64(neg) / float64(pos)
}
