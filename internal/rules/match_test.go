package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
)

func TestRuleMatches_ExceptionSuppresses(t *testing.T) {
	pattern := jsonv.MustParse(`{"a":{"$gt":5}}`)
	ctx := jsonv.MustParse(`{"a":7}`)

	assert.True(t, RuleMatches(pattern, jsonv.Array{}, ctx))
	assert.False(t, RuleMatches(pattern, jsonv.MustParse(`[{"a":7}]`), ctx))
	assert.True(t, RuleMatches(pattern, jsonv.MustParse(`[{"a":8}]`), ctx))
	assert.True(t, RuleMatches(pattern, nil, ctx))
	assert.True(t, RuleMatches(pattern, jsonv.MustParse(`[null]`), ctx), "null exception entries are ignored")
}

func TestPatternMatch(t *testing.T) {
	ctx := jsonv.MustParse(`{
		"a": 7,
		"name": "deploy-prod",
		"env": "prod",
		"user": {"role": "admin", "teams": ["core", "infra"]},
		"tags": ["b", "c", "a"],
		"tools": ["grep", "sed"],
		"nothing": null,
		"flag": true
	}`)

	tests := []struct {
		name    string
		pattern string
		want    bool
	}{
		{"empty object matches", `{}`, true},
		{"null matches", `null`, true},
		{"gt", `{"a":{"$gt":5}}`, true},
		{"gt fails", `{"a":{"$gt":7}}`, false},
		{"gte", `{"a":{"$gte":7}}`, true},
		{"lt", `{"a":{"$lt":10}}`, true},
		{"lte fails", `{"a":{"$lte":6}}`, false},
		{"range", `{"a":{"$gt":1,"$lt":10}}`, true},
		{"range fails", `{"a":{"$gt":1,"$lt":5}}`, false},
		{"numeric op on string fails closed", `{"name":{"$gt":1}}`, false},
		{"numeric op on missing fails closed", `{"missing":{"$lt":1}}`, false},
		{"numeric op with string operand fails closed", `{"a":{"$gt":"1"}}`, false},
		{"literal equality", `{"env":"prod"}`, true},
		{"literal mismatch", `{"env":"dev"}`, false},
		{"number equality", `{"a":7.0}`, true},
		{"bool equality", `{"flag":true}`, true},
		{"null literal", `{"nothing":null}`, true},
		{"null literal on missing", `{"missing":null}`, false},
		{"dot path", `{"user.role":"admin"}`, true},
		{"nested object", `{"user":{"role":"admin"}}`, true},
		{"array index path", `{"tools.1":"sed"}`, true},
		{"array index out of range", `{"tools.5":"sed"}`, false},
		{"array subset", `{"tags":["a","b"]}`, true},
		{"array subset order independent", `{"user.teams":["infra"]}`, true},
		{"array not subset", `{"tags":["a","z"]}`, false},
		{"array pattern on scalar", `{"env":["prod"]}`, false},
		{"eq", `{"env":{"$eq":"prod"}}`, true},
		{"ne", `{"env":{"$ne":"dev"}}`, true},
		{"ne equal", `{"env":{"$ne":"prod"}}`, false},
		{"ne missing", `{"missing":{"$ne":"x"}}`, true},
		{"exists", `{"env":{"$exists":true}}`, true},
		{"exists on null value", `{"nothing":{"$exists":true}}`, true},
		{"not exists", `{"missing":{"$exists":false}}`, true},
		{"exists non-bool operand", `{"env":{"$exists":1}}`, false},
		{"in", `{"env":{"$in":["staging","prod"]}}`, true},
		{"in fails", `{"env":{"$in":["dev"]}}`, false},
		{"in array target", `{"user.teams":{"$in":["infra","ml"]}}`, true},
		{"in missing", `{"missing":{"$in":["x"]}}`, false},
		{"in non-array operand", `{"env":{"$in":"prod"}}`, false},
		{"nin", `{"env":{"$nin":["dev"]}}`, true},
		{"nin fails", `{"env":{"$nin":["prod"]}}`, false},
		{"nin missing", `{"missing":{"$nin":["x"]}}`, true},
		{"contains substring", `{"name":{"$contains":"prod"}}`, true},
		{"contains element", `{"tools":{"$contains":"grep"}}`, true},
		{"contains missing element", `{"tools":{"$contains":"awk"}}`, false},
		{"contains on number", `{"a":{"$contains":"7"}}`, false},
		{"regex", `{"name":{"$regex":"^deploy-"}}`, true},
		{"regex no match", `{"name":{"$regex":"^build"}}`, false},
		{"invalid regex fails closed", `{"name":{"$regex":"("}}`, false},
		{"regex on number fails closed", `{"a":{"$regex":"7"}}`, false},
		{"and", `{"$and":[{"env":"prod"},{"a":{"$gt":5}}]}`, true},
		{"and short", `{"$and":[{"env":"dev"},{"a":{"$gt":5}}]}`, false},
		{"empty and", `{"$and":[]}`, true},
		{"or", `{"$or":[{"env":"dev"},{"a":7}]}`, true},
		{"empty or", `{"$or":[]}`, false},
		{"not", `{"$not":{"env":"dev"}}`, true},
		{"not matching", `{"$not":{"env":"prod"}}`, false},
		{"or at value position", `{"a":{"$or":[{"$lt":0},{"$gt":5}]}}`, true},
		{"operator mixed with fields", `{"$not":{"env":"dev"},"flag":true}`, true},
		{"malformed or fails closed", `{"$or":{"env":"prod"}}`, false},
		{"unknown operator fails closed", `{"a":{"$foo":1}}`, false},
		{"scalar pattern", `"x"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compile(jsonv.MustParse(tt.pattern)).Match(ctx)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPatternMatch_NonObjectContext(t *testing.T) {
	assert.True(t, Compile(jsonv.MustParse(`["a"]`)).Match(jsonv.MustParse(`["b","a"]`)))
	assert.True(t, Compile(jsonv.MustParse(`5`)).Match(jsonv.Number(5)))
	assert.False(t, Compile(jsonv.MustParse(`{"a":1}`)).Match(jsonv.String("a")))
	assert.False(t, Compile(jsonv.MustParse(`{"a":1}`)).Match(nil))
	assert.True(t, Compile(jsonv.MustParse(`{"a":{"$exists":false}}`)).Match(nil))
}

func TestCompile_ShapeOfAST(t *testing.T) {
	p := Compile(jsonv.MustParse(`{"b":1,"$not":{"a":2}}`))
	and, ok := p.Root.(And)
	if assert.True(t, ok, "mixed keys compile to And") {
		assert.IsType(t, Not{}, and.Nodes[0])
		assert.Equal(t, ObjectMatch{Fields: []Field{{Path: "b", Node: Literal{Value: jsonv.Number(1)}}}}, and.Nodes[1])
	}

	assert.Equal(t, And{}, Compile(nil).Root)
	assert.Equal(t, Or{}, Compile(jsonv.MustParse(`{"$bogus":1}`)).Root)
	assert.IsType(t, ArrayMatch{}, Compile(jsonv.MustParse(`[1]`)).Root)
}
