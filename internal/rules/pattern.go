package rules

import (
	"regexp"
	"sort"
	"strings"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
)

// Node is a compiled pattern node.
//
// This is a sealed interface: only And, Or, Not, Op, ObjectMatch,
// ArrayMatch and Literal implement it, so evaluators can switch
// exhaustively.
type Node interface {
	patternNode()
}

// And matches when every child matches.
type And struct {
	Nodes []Node
}

// Or matches when any child matches. An empty Or never matches.
type Or struct {
	Nodes []Node
}

// Not inverts its child.
type Not struct {
	Node Node
}

// Op is a leaf operator applied to the value at the current path.
type Op struct {
	Name    string
	Operand jsonv.Value

	re *regexp.Regexp
}

// ObjectMatch requires each field path to match its sub-pattern.
type ObjectMatch struct {
	Fields []Field
}

// Field is one dot-path key of an ObjectMatch.
type Field struct {
	Path string
	Node Node
}

// ArrayMatch is an order-independent subset match.
type ArrayMatch struct {
	Elems []jsonv.Value
}

// Literal matches by deep structural equality.
type Literal struct {
	Value jsonv.Value
}

func (And) patternNode()         {}
func (Or) patternNode()          {}
func (Not) patternNode()         {}
func (Op) patternNode()          {}
func (ObjectMatch) patternNode() {}
func (ArrayMatch) patternNode()  {}
func (Literal) patternNode()     {}

// Leaf operator names.
const (
	OpEq       = "$eq"
	OpNe       = "$ne"
	OpExists   = "$exists"
	OpIn       = "$in"
	OpNin      = "$nin"
	OpGt       = "$gt"
	OpGte      = "$gte"
	OpLt       = "$lt"
	OpLte      = "$lte"
	OpContains = "$contains"
	OpRegex    = "$regex"
)

// Boolean composition keys.
const (
	KeyAnd = "$and"
	KeyOr  = "$or"
	KeyNot = "$not"
)

var leafOps = map[string]bool{
	OpEq: true, OpNe: true, OpExists: true, OpIn: true, OpNin: true,
	OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpContains: true, OpRegex: true,
}

// never is what malformed input compiles to.
var never Node = Or{}

// Pattern is a compiled pattern.
type Pattern struct {
	Root Node
}

// Compile turns a JSON pattern into a Pattern. It is total: an absent or
// null pattern matches everything, and malformed operators compile to a
// node that never matches.
func Compile(v jsonv.Value) Pattern {
	switch v.(type) {
	case nil, jsonv.Null:
		return Pattern{Root: And{}}
	}
	return Pattern{Root: compileNode(v)}
}

// Match reports whether ctx matches the pattern.
func (p Pattern) Match(ctx jsonv.Value) bool {
	if p.Root == nil {
		return true
	}
	return match(p.Root, ctx, ctx != nil)
}

func compileNode(v jsonv.Value) Node {
	switch val := v.(type) {
	case jsonv.Object:
		return compileObject(val)
	case jsonv.Array:
		return ArrayMatch{Elems: val}
	case nil:
		return Literal{Value: jsonv.Null{}}
	default:
		return Literal{Value: val}
	}
}

// compileObject splits an object into operator keys and field keys. Keys
// are visited in sorted order so the AST is deterministic.
func compileObject(obj jsonv.Object) Node {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		ops    []Node
		fields []Field
	)
	for _, k := range keys {
		if strings.HasPrefix(k, "$") {
			ops = append(ops, compileOperator(k, obj[k]))
			continue
		}
		fields = append(fields, Field{Path: k, Node: compileNode(obj[k])})
	}

	switch {
	case len(ops) == 0:
		return ObjectMatch{Fields: fields}
	case len(fields) == 0 && len(ops) == 1:
		return ops[0]
	case len(fields) > 0:
		ops = append(ops, ObjectMatch{Fields: fields})
	}
	return And{Nodes: ops}
}

func compileOperator(name string, operand jsonv.Value) Node {
	switch name {
	case KeyAnd, KeyOr:
		arr, ok := operand.(jsonv.Array)
		if !ok {
			return never
		}
		nodes := make([]Node, len(arr))
		for i, e := range arr {
			nodes[i] = compileNode(e)
		}
		if name == KeyAnd {
			return And{Nodes: nodes}
		}
		return Or{Nodes: nodes}
	case KeyNot:
		return Not{Node: compileNode(operand)}
	case OpRegex:
		s, ok := operand.(jsonv.String)
		if !ok {
			return never
		}
		re, err := regexp.Compile(string(s))
		if err != nil {
			return never
		}
		return Op{Name: name, Operand: operand, re: re}
	}
	if !leafOps[name] {
		return never
	}
	return Op{Name: name, Operand: operand}
}
