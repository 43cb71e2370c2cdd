// Package lifecycle gates which rules take part in matching.
//
// Rules move through draft, shadow, active and disabled. Shadow rules are
// evaluated for observation but not enforced. Promotion into shadow or
// active validates the rule; promotion from shadow to active is a human
// decision, informed by Suggest.
package lifecycle

import (
	"fmt"

	"github.com/Cognary/Aionis-sub002/internal/store"
)

// transitions lists the allowed target states per state. Disabled is
// terminal for automation but can be re-promoted explicitly.
var transitions = map[string][]string{
	store.RuleDraft:    {store.RuleShadow, store.RuleDisabled},
	store.RuleShadow:   {store.RuleActive, store.RuleDisabled},
	store.RuleActive:   {store.RuleDisabled},
	store.RuleDisabled: {store.RuleShadow, store.RuleActive},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Enabled reports whether rules in state take part in evaluation.
func Enabled(state string) bool {
	return state == store.RuleShadow || state == store.RuleActive
}

// IsState reports whether s is a known lifecycle state.
func IsState(s string) bool {
	_, ok := transitions[s]
	return ok
}

// TransitionError reports a disallowed state change.
type TransitionError struct {
	RuleID string
	From   string
	To     string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	if !IsState(e.To) {
		return fmt.Sprintf("rule %s: unknown state %q", e.RuleID, e.To)
	}
	return fmt.Sprintf("rule %s: cannot transition from %s to %s", e.RuleID, e.From, e.To)
}
