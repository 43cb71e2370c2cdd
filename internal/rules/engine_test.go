package rules

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func rule(id, state string, priority, pos, neg int, ifJSON string) store.RuleDef {
	return store.RuleDef{
		RuleNodeID:     id,
		Scope:          "s1",
		State:          state,
		RuleScope:      store.RuleScopeGlobal,
		Priority:       priority,
		IfJSON:         ifJSON,
		ThenJSON:       `{"tool":{"prefer":["` + id + `"]}}`,
		ExceptionsJSON: `[]`,
		PositiveCount:  pos,
		NegativeCount:  neg,
	}
}

func ids(ms []Matched) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.RuleID
	}
	return out
}

func TestEvaluate_Ordering(t *testing.T) {
	e := newTestEngine(t)
	defs := []store.RuleDef{
		rule("r-c", store.RuleActive, 1, 0, 0, `{}`),
		rule("r-b", store.RuleActive, 1, 0, 0, `{}`),
		rule("r-score", store.RuleActive, 1, 5, 1, `{}`),
		rule("r-high", store.RuleActive, 10, 0, 3, `{}`),
		rule("r-miss", store.RuleActive, 99, 0, 0, `{"env":"dev"}`),
	}
	got := e.Evaluate(defs, jsonv.MustParse(`{"env":"prod"}`), EvalOptions{})
	assert.Equal(t, []string{"r-high", "r-score", "r-b", "r-c"}, ids(got))
	assert.Equal(t, 4, got[1].Score)
	assert.Equal(t, jsonv.MustParse(`{"tool":{"prefer":["r-high"]}}`), got[0].Then)
}

func TestEvaluate_StatesAndShadow(t *testing.T) {
	e := newTestEngine(t)
	defs := []store.RuleDef{
		rule("active", store.RuleActive, 0, 0, 0, `{}`),
		rule("shadow", store.RuleShadow, 0, 0, 0, `{}`),
		rule("draft", store.RuleDraft, 0, 0, 0, `{}`),
		rule("disabled", store.RuleDisabled, 0, 0, 0, `{}`),
	}
	ctx := jsonv.Object{}

	assert.Equal(t, []string{"active"}, ids(e.Evaluate(defs, ctx, EvalOptions{})))

	got := e.Evaluate(defs, ctx, EvalOptions{IncludeShadow: true})
	assert.Equal(t, []string{"active", "shadow"}, ids(got))
	assert.False(t, got[0].Shadow)
	assert.True(t, got[1].Shadow)
}

func TestEvaluate_ScopedRules(t *testing.T) {
	e := newTestEngine(t)
	agent := rule("agent", store.RuleActive, 0, 0, 0, `{}`)
	agent.RuleScope, agent.TargetAgentID = store.RuleScopeAgent, "agent-1"
	team := rule("team", store.RuleActive, 0, 0, 0, `{}`)
	team.RuleScope, team.TargetTeamID = store.RuleScopeTeam, "team-1"
	defs := []store.RuleDef{agent, team, rule("global", store.RuleActive, 0, 0, 0, `{}`)}

	assert.Equal(t, []string{"global"}, ids(e.Evaluate(defs, nil, EvalOptions{})))
	assert.Equal(t, []string{"agent", "global"}, ids(e.Evaluate(defs, nil, EvalOptions{AgentID: "agent-1"})))
	assert.Equal(t, []string{"global"}, ids(e.Evaluate(defs, nil, EvalOptions{AgentID: "agent-2"})))
	assert.Equal(t, []string{"agent", "global", "team"},
		ids(e.Evaluate(defs, nil, EvalOptions{AgentID: "agent-1", TeamID: "team-1"})))
}

func TestEvaluate_ExceptionsAndBadRules(t *testing.T) {
	e := newTestEngine(t)
	excepted := rule("excepted", store.RuleActive, 0, 0, 0, `{"a":{"$gt":5}}`)
	excepted.ExceptionsJSON = `[{"a":7}]`
	broken := rule("broken", store.RuleActive, 0, 0, 0, `{"a":`)
	empty := rule("empty", store.RuleActive, 0, 0, 0, ``)
	empty.ExceptionsJSON = ``

	got := e.Evaluate([]store.RuleDef{excepted, broken, empty}, jsonv.MustParse(`{"a":7}`), EvalOptions{})
	assert.Equal(t, []string{"empty"}, ids(got))

	got = e.Evaluate([]store.RuleDef{excepted}, jsonv.MustParse(`{"a":8}`), EvalOptions{})
	assert.Equal(t, []string{"excepted"}, ids(got))
}

func TestEngineCompile_Caches(t *testing.T) {
	e := newTestEngine(t)
	v := jsonv.MustParse(`{"a":{"$gt":5}}`)

	p := e.Compile(v)
	assert.True(t, p.Match(jsonv.MustParse(`{"a":6}`)))
	e.cache.Wait()

	key, err := jsonv.Hash(jsonv.DomainPattern, v)
	require.NoError(t, err)
	cached, ok := e.cache.Get(key)
	require.True(t, ok)
	assert.Equal(t, p, cached)

	// Same content, different key order: same cache entry.
	again := e.Compile(jsonv.MustParse(`{"a":{"$gt":5}}`))
	assert.Equal(t, p, again)
}

func TestSortMatched(t *testing.T) {
	ms := []Matched{
		{RuleID: "b", Priority: 1, Score: 2},
		{RuleID: "a", Priority: 1, Score: 2},
		{RuleID: "z", Priority: 2, Score: -5},
		{RuleID: "c", Priority: 1, Score: 3},
	}
	SortMatched(ms)
	assert.Equal(t, []string{"z", "c", "a", "b"}, ids(ms))
}
