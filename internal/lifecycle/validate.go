package lifecycle

import (
	"errors"
	"fmt"
	"math"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/policy"
	"github.com/Cognary/Aionis-sub002/internal/rules"
	"github.com/Cognary/Aionis-sub002/internal/store"
)

// NodeTypeRule is the node type that carries a rule.
const NodeTypeRule = "rule"

// Slot keys read from a rule node.
const (
	SlotIf            = "if"
	SlotThen          = "then"
	SlotExceptions    = "exceptions"
	SlotRuleScope     = "rule_scope"
	SlotTargetAgentID = "target_agent_id"
	SlotTargetTeamID  = "target_team_id"
	SlotPriority      = "priority"
)

// ValidationError reports why a rule cannot be promoted. Err, when set,
// is the underlying pattern or patch error.
type ValidationError struct {
	RuleID  string
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("rule %s: %s: %s", e.RuleID, e.Field, e.Message)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validate checks that def may be promoted into shadow or active. node is
// the rule's node, used for the ownership check.
func Validate(def store.RuleDef, node store.Node) error {
	invalid := func(field, msg string, err error) error {
		return &ValidationError{RuleID: def.RuleNodeID, Field: field, Message: msg, Err: err}
	}

	ifJSON, err := jsonv.Parse([]byte(def.IfJSON))
	if err != nil {
		return invalid("if_json", "not valid JSON", err)
	}
	if _, ok := ifJSON.(jsonv.Object); !ok {
		return invalid("if_json", "must be an object, got "+jsonv.Kind(ifJSON), nil)
	}
	exceptions, err := jsonv.Parse([]byte(def.ExceptionsJSON))
	if err != nil {
		return invalid("exceptions_json", "not valid JSON", err)
	}
	if _, ok := exceptions.(jsonv.Array); !ok {
		return invalid("exceptions_json", "must be an array, got "+jsonv.Kind(exceptions), nil)
	}
	if err := rules.ValidateRule(ifJSON, exceptions); err != nil {
		return invalid("pattern", err.Error(), err)
	}

	then, err := jsonv.Parse([]byte(def.ThenJSON))
	if err != nil {
		return invalid("then_json", "not valid JSON", err)
	}
	if _, err := policy.ParsePatch(then); err != nil {
		return invalid("then_json", err.Error(), err)
	}

	if node.MemoryLane == store.LanePrivate && node.OwnerAgentID == "" && node.OwnerTeamID == "" {
		return invalid("memory_lane", "private rule has no owner", nil)
	}
	switch def.RuleScope {
	case store.RuleScopeGlobal:
	case store.RuleScopeAgent:
		if def.TargetAgentID == "" {
			return invalid("target_agent_id", "agent-scoped rule needs a target agent", nil)
		}
	case store.RuleScopeTeam:
		if def.TargetTeamID == "" {
			return invalid("target_team_id", "team-scoped rule needs a target team", nil)
		}
	default:
		return invalid("rule_scope", fmt.Sprintf("unknown rule scope %q", def.RuleScope), nil)
	}
	return nil
}

// ErrNotARule is returned when a def is requested for a non-rule node.
var ErrNotARule = errors.New("node is not a rule")

// DefFromNode builds a draft def from a rule node's slots. Slot values are
// stored as given; validation happens at promotion.
func DefFromNode(node store.Node) (store.RuleDef, error) {
	if node.Type != NodeTypeRule {
		return store.RuleDef{}, fmt.Errorf("def from node %s: %w", node.ID, ErrNotARule)
	}
	def := store.RuleDef{
		RuleNodeID:     node.ID,
		Scope:          node.Scope,
		State:          store.RuleDraft,
		RuleScope:      store.RuleScopeGlobal,
		IfJSON:         "{}",
		ThenJSON:       "{}",
		ExceptionsJSON: "[]",
		CommitID:       node.CommitID,
	}
	if node.SlotsJSON == "" {
		return def, nil
	}
	v, err := jsonv.Parse([]byte(node.SlotsJSON))
	if err != nil {
		return store.RuleDef{}, fmt.Errorf("def from node %s: slots: %w", node.ID, err)
	}
	slots, ok := v.(jsonv.Object)
	if !ok {
		return def, nil
	}

	for key, dst := range map[string]*string{
		SlotIf:         &def.IfJSON,
		SlotThen:       &def.ThenJSON,
		SlotExceptions: &def.ExceptionsJSON,
	} {
		val, ok := slots[key]
		if !ok {
			continue
		}
		s, err := jsonv.MarshalString(val)
		if err != nil {
			return store.RuleDef{}, fmt.Errorf("def from node %s: slot %s: %w", node.ID, key, err)
		}
		*dst = s
	}
	if s, ok := slots[SlotRuleScope].(jsonv.String); ok && s != "" {
		def.RuleScope = string(s)
	}
	if s, ok := slots[SlotTargetAgentID].(jsonv.String); ok {
		def.TargetAgentID = string(s)
	}
	if s, ok := slots[SlotTargetTeamID].(jsonv.String); ok {
		def.TargetTeamID = string(s)
	}
	if n, ok := slots[SlotPriority].(jsonv.Number); ok {
		def.Priority = int(math.Round(float64(n)))
	}
	return def, nil
}
