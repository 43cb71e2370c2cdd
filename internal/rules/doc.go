// Package rules implements the rule matching DSL.
//
// A rule's if_json and exceptions_json are JSON patterns evaluated against
// an arbitrary JSON execution context. A rule matches a context iff its
// if pattern matches and none of its exception patterns do.
//
// PATTERN LANGUAGE:
//
//	{"$and": [p, ...]}   all sub-patterns match (empty list matches)
//	{"$or":  [p, ...]}   any sub-pattern matches (empty list never matches)
//	{"$not": p}          p does not match
//	{"$gt": 5}           leaf operator applied to the value at the current path
//	{"a.b": p}           every key (a dot path) matches its sub-pattern
//	["x", "y"]           subset: every element deep-equals some context element
//	"literal"            deep structural equality
//
// Leaf operators: $eq $ne $exists $in $nin $gt $gte $lt $lte $contains $regex.
// Numeric comparisons require both sides to be numbers. $regex requires a
// string target and a valid RE2 pattern. Anything else is a non-match.
//
// Patterns are compiled once into a closed AST (And, Or, Not, Op,
// ObjectMatch, ArrayMatch, Literal) and evaluated by a total recursive
// function. Compile never fails; malformed input compiles to a node that
// never matches. Validate is the strict pass used at rule promotion.
package rules
