package policy

import (
	"strings"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
)

// Conflict reasons.
const (
	ReasonShapeMismatch  = "shape_mismatch"
	ReasonScalarOverride = "scalar_override"
	ReasonInvalidPatch   = "invalid_patch"
)

// Contribution is one matched rule's patch, in merge order.
type Contribution struct {
	RuleID string
	Patch  jsonv.Value
}

// Conflict records a path where a later patch replaced an earlier value.
type Conflict struct {
	Path     string `json:"path"`
	Reason   string `json:"reason"`
	Winner   string `json:"winner_rule_id"`
	Previous string `json:"previous_rule_id,omitempty"`
}

// Merged is the effective policy and how it was built.
type Merged struct {
	Policy    jsonv.Object
	Conflicts []Conflict
	// Touched maps a rule id to the leaf paths its patch wrote.
	Touched map[string][]string
	// SourceRuleIDs lists, in merge order, the rules that wrote at least
	// one path.
	SourceRuleIDs []string
}

// Merge deep-merges patches in order. Objects merge key by key, arrays
// union with first-occurrence de-duplication, and any other disagreement
// is resolved in favour of the later patch and recorded as a conflict.
// Merge never fails.
func Merge(contribs []Contribution) Merged {
	m := &merger{
		out: Merged{
			Policy:        jsonv.Object{},
			Touched:       map[string][]string{},
			SourceRuleIDs: []string{},
		},
		owners: map[string]string{},
	}
	for _, c := range contribs {
		switch patch := c.Patch.(type) {
		case nil, jsonv.Null:
			continue
		case jsonv.Object:
			m.mergeObject(m.out.Policy, patch, "", c.RuleID)
		default:
			m.out.Conflicts = append(m.out.Conflicts, Conflict{Reason: ReasonInvalidPatch, Winner: c.RuleID})
			continue
		}
		if len(m.out.Touched[c.RuleID]) > 0 {
			m.out.SourceRuleIDs = append(m.out.SourceRuleIDs, c.RuleID)
		}
	}
	return m.out
}

type merger struct {
	out Merged
	// owners maps a leaf path to the rule that last wrote it.
	owners map[string]string
}

func (m *merger) mergeObject(dst, src jsonv.Object, prefix, ruleID string) {
	for _, k := range src.SortedKeys() {
		path := joinPath(prefix, k)
		incoming := src[k]
		current, exists := dst[k]

		if exists {
			if mergeable(current, incoming) {
				if cur, ok := current.(jsonv.Object); ok {
					m.mergeObject(cur, incoming.(jsonv.Object), path, ruleID)
				} else {
					dst[k] = union(current.(jsonv.Array), incoming.(jsonv.Array))
					m.touch(path, ruleID)
				}
				continue
			}
			if !jsonv.Equal(current, incoming) {
				reason := ReasonScalarOverride
				if jsonv.Kind(current) != jsonv.Kind(incoming) {
					reason = ReasonShapeMismatch
				}
				m.out.Conflicts = append(m.out.Conflicts, Conflict{
					Path:     path,
					Reason:   reason,
					Winner:   ruleID,
					Previous: m.previousOwner(path),
				})
			}
		}

		switch val := incoming.(type) {
		case jsonv.Object:
			child := jsonv.Object{}
			dst[k] = child
			m.mergeObject(child, val, path, ruleID)
		case jsonv.Array:
			dst[k] = union(nil, val)
			m.touch(path, ruleID)
		default:
			dst[k] = jsonv.Clone(val)
			m.touch(path, ruleID)
		}
	}
}

// mergeable reports whether a and b are both objects or both arrays.
func mergeable(a, b jsonv.Value) bool {
	switch a.(type) {
	case jsonv.Object:
		_, ok := b.(jsonv.Object)
		return ok
	case jsonv.Array:
		_, ok := b.(jsonv.Array)
		return ok
	}
	return false
}

// previousOwner finds the rule that wrote path or, for a replaced object,
// the rule that wrote the first path beneath it.
func (m *merger) previousOwner(path string) string {
	if owner, ok := m.owners[path]; ok {
		return owner
	}
	first := ""
	for p := range m.owners {
		if under(p, path) && (first == "" || p < first) {
			first = p
		}
	}
	return m.owners[first]
}

func (m *merger) touch(path, ruleID string) {
	m.owners[path] = ruleID
	for _, p := range m.out.Touched[ruleID] {
		if p == path {
			return
		}
	}
	m.out.Touched[ruleID] = append(m.out.Touched[ruleID], path)
}

// union appends the elements of b not already in a, preserving order.
func union(a, b jsonv.Array) jsonv.Array {
	out := make(jsonv.Array, 0, len(a)+len(b))
	add := func(v jsonv.Value) {
		for _, e := range out {
			if jsonv.Equal(e, v) {
				return
			}
		}
		out = append(out, jsonv.Clone(v))
	}
	for _, v := range a {
		add(v)
	}
	for _, v := range b {
		add(v)
	}
	return out
}

// under reports whether path lies strictly beneath prefix.
func under(path, prefix string) bool {
	return strings.HasPrefix(path, prefix+".")
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Hash returns the policy hash recorded as policy_sha256.
func (m Merged) Hash() (string, error) {
	return jsonv.Hash(jsonv.DomainPolicy, m.Policy)
}

// TouchesPrefix reports whether ruleID wrote any path equal to or under
// prefix.
func (m Merged) TouchesPrefix(ruleID, prefix string) bool {
	for _, p := range m.Touched[ruleID] {
		if p == prefix || under(p, prefix) {
			return true
		}
	}
	return false
}
