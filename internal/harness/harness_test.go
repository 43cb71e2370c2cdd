package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Fixtures(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
		})
	}
}

func TestRun_TraceShape(t *testing.T) {
	scenario := &Scenario{
		Name:        "tick",
		Description: "empty outbox",
		Flow:        []FlowStep{{Invoke: ActionTick}},
		Assertions:  []Assertion{{Type: AssertTraceCount, Action: ActionTick, Count: 1}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Trace, 2)
	assert.Equal(t, EventInvocation, result.Trace[0].Type)
	assert.Equal(t, EventCompletion, result.Trace[1].Type)
	assert.Equal(t, CaseOK, result.Trace[1].OutputCase)
	assert.Equal(t, int64(1), result.Trace[0].Seq)
	assert.Equal(t, int64(2), result.Trace[1].Seq)
}

func TestRun_WriteThenTickChainsCluster(t *testing.T) {
	scenario := &Scenario{
		Name:        "backfill",
		Description: "a write enqueues an embed job that chains a cluster job",
		Flow: []FlowStep{
			{
				Invoke: ActionWrite,
				Args: map[string]any{
					"nodes": []any{map[string]any{"id": "note-a", "type": "note", "title": "hello"}},
				},
				Expect: &ExpectClause{Case: CaseOK, Result: map[string]any{
					"node_ids":           []any{"note-a"},
					"embed_job_inserted": true,
				}},
			},
			{
				Invoke: ActionTick,
				Expect: &ExpectClause{Case: CaseOK, Result: map[string]any{"processed": 1, "chained": 1}},
			},
			{
				Invoke: ActionTick,
				Expect: &ExpectClause{Case: CaseOK, Result: map[string]any{"processed": 1, "chained": 0}},
			},
		},
		Assertions: []Assertion{
			{Type: AssertTraceOrder, Actions: []string{ActionWrite, ActionTick, ActionTick}},
			{Type: AssertLedgerVerified, Count: 1},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ErrorCases(t *testing.T) {
	scenario := &Scenario{
		Name:        "errors",
		Description: "failing actions complete with their case",
		Setup: []ActionStep{
			{Action: ActionDefine, Args: map[string]any{
				"id":   "draft-rule",
				"if":   map[string]any{"intent": "edit"},
				"then": map[string]any{"output": map[string]any{"format": "json"}},
			}},
		},
		Flow: []FlowStep{
			{
				Invoke: ActionPromote,
				Args:   map[string]any{"rule": "draft-rule", "to": "active"},
				Expect: &ExpectClause{Case: CaseTransition},
			},
			{
				Invoke: ActionPromote,
				Args:   map[string]any{"rule": "missing", "to": "shadow"},
				Expect: &ExpectClause{Case: CaseNotFound},
			},
			{
				Invoke: ActionDefine,
				Args: map[string]any{
					"id":    "bad-op",
					"state": "shadow",
					"if":    map[string]any{"n": map[string]any{"$between": []any{1, 2}}},
					"then":  map[string]any{},
				},
				Expect: &ExpectClause{Case: CaseInvalidRule},
			},
			{
				Invoke: ActionSelect,
				Args:   map[string]any{"candidates": []any{"sed"}, "surprise": true},
				Expect: &ExpectClause{Case: CaseInvalidInput},
			},
			{
				Invoke: ActionFeedback,
				Args:   map[string]any{"outcome": "great"},
				Expect: &ExpectClause{Case: CaseInvalidInput},
			},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Table: "rule_defs", Where: map[string]any{"rule_node_id": "draft-rule"},
				Expect: map[string]any{"state": "draft"}},
			{Type: AssertLedgerVerified},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "mismatch",
		Description: "a wrong expectation is reported",
		Flow: []FlowStep{
			{Invoke: ActionTick, Expect: &ExpectClause{Case: CaseOK, Result: map[string]any{"claimed": 3}}},
			{Invoke: ActionTick, Expect: &ExpectClause{Case: CaseNotFound}},
		},
		Assertions: []Assertion{{Type: AssertTraceCount, Action: ActionTick, Count: 2}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "result.claimed: expected 3, got 0")
	assert.Contains(t, result.Errors[1], `expected case "not_found", got "ok"`)
}

func TestRun_SetupFailureAborts(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_setup",
		Description: "setup must succeed",
		Setup:       []ActionStep{{Action: ActionPromote, Args: map[string]any{"rule": "missing", "to": "shadow"}}},
		Flow:        []FlowStep{{Invoke: ActionTick}},
		Assertions:  []Assertion{{Type: AssertLedgerVerified}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup step 0 (rules.promote): not_found")
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/prefer_sed.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	require.Equal(t, len(first.Trace), len(second.Trace))
	for i := range first.Trace {
		assert.Equal(t, first.Trace[i], second.Trace[i], "trace[%d]", i)
	}
}
