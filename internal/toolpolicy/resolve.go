// Package toolpolicy resolves the tool sub-policy of matched rules and
// applies it to a candidate tool list.
package toolpolicy

import (
	"fmt"
	"strings"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/policy"
)

// Trace conflict codes.
const (
	ConflictAllowIntersection      = "allow_intersection"
	ConflictAllowIntersectionEmpty = "allow_intersection_empty"
	ConflictPreferCompeting        = "prefer_competing_top_choice"
)

// Display caps for trace conflicts.
const (
	maxConflicts       = 20
	maxConflictMessage = 200
	maxListedTools     = 5
)

// ToolPolicy is the effective tool sub-policy. A nil Allow means no rule
// restricted the allowlist; a non-nil empty Allow allows nothing.
type ToolPolicy struct {
	Allow  []string `json:"allow"`
	Deny   []string `json:"deny"`
	Prefer []string `json:"prefer"`
}

// JSON renders the policy as it is embedded in the merged policy. allow
// is omitted when unrestricted.
func (p ToolPolicy) JSON() jsonv.Object {
	obj := jsonv.Object{
		"deny":   jsonv.StringArray(nonNil(p.Deny)),
		"prefer": jsonv.StringArray(nonNil(p.Prefer)),
	}
	if p.Allow != nil {
		obj["allow"] = jsonv.StringArray(p.Allow)
	}
	return obj
}

// RuleCounts is how many tools one rule listed per field.
type RuleCounts struct {
	RuleID string `json:"rule_id"`
	Allow  int    `json:"allow"`
	Deny   int    `json:"deny"`
	Prefer int    `json:"prefer"`
}

// Winner names the rule that decided one tool's fate.
type Winner struct {
	Tool   string `json:"tool"`
	RuleID string `json:"rule_id"`
}

// TraceConflict is a human-readable explanation entry.
type TraceConflict struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	RuleIDs []string `json:"rule_ids"`
}

// Trace explains how a ToolPolicy was resolved.
type Trace struct {
	Rules         []RuleCounts    `json:"rules"`
	PreferWinners []Winner        `json:"prefer_winners"`
	DenyWinners   []Winner        `json:"deny_winners"`
	Conflicts     []TraceConflict `json:"conflicts"`
	// ConflictsDropped counts entries beyond the display cap.
	ConflictsDropped int `json:"conflicts_dropped,omitempty"`
}

// Resolved is the outcome of Resolve.
type Resolved struct {
	Policy ToolPolicy
	Trace  Trace
}

// Resolve combines the tool sub-policies of contribs, which must be in
// rank order (highest first).
//
// allow is the intersection of every specified allowlist, so rules can
// only narrow it. deny is the union. prefer is the concatenation in rank
// order, de-duplicated keeping the first occurrence.
func Resolve(contribs []policy.Contribution) Resolved {
	var (
		r          Resolved
		allowRules []string
		allowSizes = map[string]int{}
		denySeen   = map[string]bool{}
		preferSeen = map[string]bool{}
		topRule    string
		topChoice  string
	)
	r.Trace = Trace{
		Rules:         []RuleCounts{},
		PreferWinners: []Winner{},
		DenyWinners:   []Winner{},
		Conflicts:     []TraceConflict{},
	}
	r.Policy = ToolPolicy{Deny: []string{}, Prefer: []string{}}

	for _, c := range contribs {
		tp := policy.ToolPatchOf(c.Patch)
		if tp == nil || (tp.Allow == nil && tp.Deny == nil && tp.Prefer == nil) {
			continue
		}
		r.Trace.Rules = append(r.Trace.Rules, RuleCounts{
			RuleID: c.RuleID,
			Allow:  len(tp.Allow),
			Deny:   len(tp.Deny),
			Prefer: len(tp.Prefer),
		})

		if tp.Allow != nil {
			allow := dedup(tp.Allow)
			allowRules = append(allowRules, c.RuleID)
			allowSizes[c.RuleID] = len(allow)
			if r.Policy.Allow == nil {
				r.Policy.Allow = allow
			} else {
				r.Policy.Allow = intersect(r.Policy.Allow, allow)
			}
		}

		for _, tool := range tp.Deny {
			if denySeen[tool] {
				continue
			}
			denySeen[tool] = true
			r.Policy.Deny = append(r.Policy.Deny, tool)
			r.Trace.DenyWinners = append(r.Trace.DenyWinners, Winner{Tool: tool, RuleID: c.RuleID})
		}

		for _, tool := range tp.Prefer {
			if preferSeen[tool] {
				continue
			}
			preferSeen[tool] = true
			r.Policy.Prefer = append(r.Policy.Prefer, tool)
			r.Trace.PreferWinners = append(r.Trace.PreferWinners, Winner{Tool: tool, RuleID: c.RuleID})
		}
		if len(tp.Prefer) > 0 {
			switch {
			case topRule == "":
				topRule, topChoice = c.RuleID, tp.Prefer[0]
			case tp.Prefer[0] != topChoice:
				r.Trace.addConflict(TraceConflict{
					Code: ConflictPreferCompeting,
					Message: fmt.Sprintf("rule %s prefers %s first; rule %s ranks higher and its top choice %s wins",
						c.RuleID, tp.Prefer[0], topRule, topChoice),
					RuleIDs: []string{topRule, c.RuleID},
				})
			}
		}
	}

	if len(allowRules) > 1 {
		switch {
		case len(r.Policy.Allow) == 0:
			r.Trace.addConflict(TraceConflict{
				Code:    ConflictAllowIntersectionEmpty,
				Message: fmt.Sprintf("allowlists of rules %s have no tool in common", listForDisplay(allowRules)),
				RuleIDs: allowRules,
			})
		case narrowed(allowRules, allowSizes, len(r.Policy.Allow)):
			r.Trace.addConflict(TraceConflict{
				Code: ConflictAllowIntersection,
				Message: fmt.Sprintf("allowlists of rules %s intersect to [%s]",
					listForDisplay(allowRules), listForDisplay(r.Policy.Allow)),
				RuleIDs: allowRules,
			})
		}
	}
	return r
}

// narrowed reports whether intersecting removed a tool from any list.
func narrowed(ruleIDs []string, sizes map[string]int, n int) bool {
	for _, id := range ruleIDs {
		if sizes[id] != n {
			return true
		}
	}
	return false
}

func (t *Trace) addConflict(c TraceConflict) {
	if len(t.Conflicts) >= maxConflicts {
		t.ConflictsDropped++
		return
	}
	c.Message = capString(c.Message, maxConflictMessage)
	t.Conflicts = append(t.Conflicts, c)
}

func capString(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func listForDisplay(items []string) string {
	if len(items) <= maxListedTools {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s, +%d more", strings.Join(items[:maxListedTools], ", "), len(items)-maxListedTools)
}

func dedup(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// intersect keeps the elements of a that are also in b, in a's order.
func intersect(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	out := []string{}
	for _, s := range a {
		if in[s] {
			out = append(out, s)
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
