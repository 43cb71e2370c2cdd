package toolpolicy

import "fmt"

// Fallback reasons for non-strict selection.
const (
	FallbackAllowlistFilteredAll = "allowlist_filtered_all"
	FallbackDenyFilteredAll      = "deny_filtered_all"
)

// CodeNoToolsAllowed is the SelectionError code for strict exhaustion.
const CodeNoToolsAllowed = "no_tools_allowed"

// SelectionError is returned by strict selection when no candidate
// survives the policy. The counts are for diagnosis.
type SelectionError struct {
	Code       string `json:"code"`
	Candidates int    `json:"candidates"`
	Allow      int    `json:"allow"`
	Deny       int    `json:"deny"`
}

// Error implements the error interface.
func (e *SelectionError) Error() string {
	return fmt.Sprintf("%s: %d candidates, %d allowed, %d denied", e.Code, e.Candidates, e.Allow, e.Deny)
}

// Fallback records a non-strict relaxation.
type Fallback struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

// Selection is the outcome of Apply.
type Selection struct {
	Candidates []string `json:"candidates"`
	// Allowed are the eligible candidates in candidate order.
	Allowed []string `json:"allowed"`
	// Denied are the candidates removed by deny.
	Denied []string `json:"denied"`
	// Ordered is Allowed with preferred tools moved to the front.
	Ordered  []string `json:"ordered"`
	Selected string   `json:"selected,omitempty"`
	Fallback Fallback `json:"fallback"`
}

// Apply filters candidates through p.
//
// Denied tools are removed first; a non-nil allowlist then removes every
// tool it does not name. When nothing survives, strict selection fails
// with no_tools_allowed. Non-strict selection ignores the allowlist when
// the allowlist emptied the set, but never overrides deny: if deny alone
// emptied it the selection is empty.
func Apply(candidates []string, p ToolPolicy, strict bool) (Selection, error) {
	cands := dedup(candidates)
	sel := Selection{
		Candidates: cands,
		Denied:     []string{},
	}

	denied := toSet(p.Deny)
	afterDeny := make([]string, 0, len(cands))
	for _, c := range cands {
		if denied[c] {
			sel.Denied = append(sel.Denied, c)
			continue
		}
		afterDeny = append(afterDeny, c)
	}

	eligible := afterDeny
	if p.Allow != nil {
		eligible = intersect(afterDeny, p.Allow)
	}

	if len(eligible) == 0 && len(cands) > 0 {
		if strict {
			return sel, &SelectionError{
				Code:       CodeNoToolsAllowed,
				Candidates: len(cands),
				Allow:      len(p.Allow),
				Deny:       len(p.Deny),
			}
		}
		if p.Allow != nil && len(afterDeny) > 0 {
			eligible = afterDeny
			sel.Fallback = Fallback{Applied: true, Reason: FallbackAllowlistFilteredAll}
		} else {
			sel.Fallback = Fallback{Applied: true, Reason: FallbackDenyFilteredAll}
		}
	}

	sel.Allowed = eligible
	sel.Ordered = order(eligible, p.Prefer)
	if len(sel.Ordered) > 0 {
		sel.Selected = sel.Ordered[0]
	}
	return sel, nil
}

// order puts preferred eligible tools first, in prefer order, followed by
// the rest in their original order.
func order(eligible, prefer []string) []string {
	in := toSet(eligible)
	out := make([]string, 0, len(eligible))
	placed := make(map[string]bool, len(eligible))
	for _, t := range prefer {
		if in[t] && !placed[t] {
			placed[t] = true
			out = append(out, t)
		}
	}
	for _, t := range eligible {
		if !placed[t] {
			out = append(out, t)
		}
	}
	return out
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}
