package rules

import (
	"strings"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
)

// match evaluates n against v. present is false when the path that
// produced v does not exist in the context.
func match(n Node, v jsonv.Value, present bool) bool {
	switch node := n.(type) {
	case And:
		for _, c := range node.Nodes {
			if !match(c, v, present) {
				return false
			}
		}
		return true
	case Or:
		for _, c := range node.Nodes {
			if match(c, v, present) {
				return true
			}
		}
		return false
	case Not:
		return !match(node.Node, v, present)
	case Op:
		return matchOp(node, v, present)
	case ObjectMatch:
		for _, f := range node.Fields {
			var (
				target jsonv.Value
				ok     bool
			)
			if present {
				target, ok = jsonv.Lookup(v, f.Path)
			}
			if !match(f.Node, target, ok) {
				return false
			}
		}
		return true
	case ArrayMatch:
		arr, ok := v.(jsonv.Array)
		if !present || !ok {
			return false
		}
		for _, want := range node.Elems {
			if !containsValue(arr, want) {
				return false
			}
		}
		return true
	case Literal:
		return present && jsonv.Equal(node.Value, v)
	default:
		return false
	}
}

func matchOp(op Op, v jsonv.Value, present bool) bool {
	switch op.Name {
	case OpExists:
		want, ok := op.Operand.(jsonv.Bool)
		return ok && present == bool(want)
	case OpEq:
		return present && jsonv.Equal(op.Operand, v)
	case OpNe:
		return !(present && jsonv.Equal(op.Operand, v))
	case OpIn:
		set, ok := op.Operand.(jsonv.Array)
		return ok && present && inSet(set, v)
	case OpNin:
		set, ok := op.Operand.(jsonv.Array)
		return ok && !(present && inSet(set, v))
	case OpGt, OpGte, OpLt, OpLte:
		a, ok := v.(jsonv.Number)
		if !present || !ok {
			return false
		}
		b, ok := op.Operand.(jsonv.Number)
		if !ok {
			return false
		}
		switch op.Name {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpContains:
		if !present {
			return false
		}
		switch target := v.(type) {
		case jsonv.String:
			s, ok := op.Operand.(jsonv.String)
			return ok && strings.Contains(string(target), string(s))
		case jsonv.Array:
			return containsValue(target, op.Operand)
		}
		return false
	case OpRegex:
		s, ok := v.(jsonv.String)
		return present && ok && op.re != nil && op.re.MatchString(string(s))
	default:
		return false
	}
}

// inSet reports whether v equals a member of set, or, when v is an array,
// whether any of its elements does.
func inSet(set jsonv.Array, v jsonv.Value) bool {
	if containsValue(set, v) {
		return true
	}
	if arr, ok := v.(jsonv.Array); ok {
		for _, e := range arr {
			if containsValue(set, e) {
				return true
			}
		}
	}
	return false
}

func containsValue(arr jsonv.Array, v jsonv.Value) bool {
	for _, e := range arr {
		if jsonv.Equal(e, v) {
			return true
		}
	}
	return false
}

// RuleMatches reports whether a rule with the given if pattern and
// exception patterns matches ctx. exceptions may be nil or null; any other
// non-array value is treated as a single exception pattern.
func RuleMatches(ifJSON, exceptions, ctx jsonv.Value) bool {
	return matchRule(Compile, ifJSON, exceptions, ctx)
}

func matchRule(compile func(jsonv.Value) Pattern, ifJSON, exceptions, ctx jsonv.Value) bool {
	if !compile(ifJSON).Match(ctx) {
		return false
	}
	for _, ex := range exceptionList(exceptions) {
		if _, null := ex.(jsonv.Null); null || ex == nil {
			continue
		}
		if compile(ex).Match(ctx) {
			return false
		}
	}
	return true
}

func exceptionList(v jsonv.Value) []jsonv.Value {
	switch val := v.(type) {
	case nil, jsonv.Null:
		return nil
	case jsonv.Array:
		return val
	default:
		return []jsonv.Value{val}
	}
}
