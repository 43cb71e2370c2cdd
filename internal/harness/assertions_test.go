package harness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/store"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Type: EventInvocation, Action: ActionWrite, Seq: 1},
		{Type: EventCompletion, Action: ActionWrite, OutputCase: CaseOK,
			Result: jsonv.MustParse(`{"commit_id":"commit-1","node_ids":["n1"]}`), Seq: 2},
		{Type: EventInvocation, Action: ActionSelect, Seq: 3},
		{Type: EventCompletion, Action: ActionSelect, OutputCase: CaseOK,
			Result: jsonv.MustParse(`{"selected":"sed","ordered":["sed","grep"],"fallback_meta":{"applied":false}}`), Seq: 4},
		{Type: EventInvocation, Action: ActionSelect, Seq: 5},
		{Type: EventCompletion, Action: ActionSelect, OutputCase: "no_tools_allowed",
			Result: jsonv.Object{"error": jsonv.String("no tools")}, Seq: 6},
	}
}

func TestTraceContains(t *testing.T) {
	tests := []struct {
		name   string
		action string
		result map[string]any
		pass   bool
	}{
		{"action only", ActionWrite, nil, true},
		{"scalar subset", ActionSelect, map[string]any{"selected": "sed"}, true},
		{"nested subset", ActionSelect, map[string]any{"fallback_meta": map[string]any{"applied": false}}, true},
		{"array must be equal", ActionSelect, map[string]any{"ordered": []any{"sed"}}, false},
		{"wrong value", ActionSelect, map[string]any{"selected": "awk"}, false},
		{"missing action", ActionFeedback, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := traceContains(sampleTrace(), Assertion{Type: AssertTraceContains, Action: tt.action, Result: tt.result})
			if tt.pass {
				assert.NoError(t, err)
				return
			}
			var aerr *AssertionError
			require.True(t, errors.As(err, &aerr))
			assert.Equal(t, AssertTraceContains, aerr.Type)
			assert.Equal(t, "no such completion", aerr.Got)
		})
	}
}

func TestTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, traceOrder(trace, Assertion{Actions: []string{ActionWrite, ActionSelect}}))
	assert.NoError(t, traceOrder(trace, Assertion{Actions: []string{ActionWrite, ActionSelect, ActionSelect}}))

	err := traceOrder(trace, Assertion{Actions: []string{ActionSelect, ActionWrite}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped before memory.write")

	err = traceOrder(trace, Assertion{Actions: []string{ActionWrite, ActionTick}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped before outbox.tick")
}

func TestTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, traceCount(trace, Assertion{Action: ActionSelect, Count: 2}))
	assert.NoError(t, traceCount(trace, Assertion{Action: ActionTick, Count: 0}))

	err := traceCount(trace, Assertion{Action: ActionWrite, Count: 3})
	require.Error(t, err)
	var aerr *AssertionError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, "1 times", aerr.Got)
}

func TestMatchSubset(t *testing.T) {
	actual := jsonv.MustParse(`{"a":1,"b":{"c":"x","d":[1,2]},"e":null}`)

	assert.Empty(t, matchSubset(actual, nil))
	assert.Empty(t, matchSubset(actual, map[string]any{"a": 1}))
	assert.Empty(t, matchSubset(actual, map[string]any{"b": map[string]any{"c": "x"}}))
	assert.Empty(t, matchSubset(actual, map[string]any{"b": map[string]any{"d": []any{1, 2}}}))
	assert.Empty(t, matchSubset(actual, map[string]any{"e": nil}))

	assert.Equal(t, "result.a: expected 2, got 1", matchSubset(actual, map[string]any{"a": 2}))
	assert.Equal(t, "result.z: missing", matchSubset(actual, map[string]any{"z": 1}))
	assert.Equal(t, "result.b.c: expected y, got x", matchSubset(actual, map[string]any{"b": map[string]any{"c": "y"}}))
	assert.Equal(t, "result.a: expected an object, got number", matchSubset(actual, map[string]any{"a": map[string]any{}}))
}

func TestBuildWhereClause(t *testing.T) {
	sqlText, args, err := buildWhereClause(nil)
	require.NoError(t, err)
	assert.Empty(t, sqlText)
	assert.Empty(t, args)

	sqlText, args, err = buildWhereClause(map[string]any{"state": "active", "priority": 5, "rule_node_id": "r1"})
	require.NoError(t, err)
	assert.Equal(t, "priority = ? AND rule_node_id = ? AND state = ?", sqlText)
	assert.Equal(t, []any{5, "r1", "active"}, args)

	_, _, err = buildWhereClause(map[string]any{"id; DROP TABLE nodes": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad column name")
}

func TestStateValuesEqual(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC)
	tests := []struct {
		name      string
		want, got any
		equal     bool
	}{
		{"string", "active", "active", true},
		{"bytes as text", "active", []byte("active"), true},
		{"string mismatch", "active", "shadow", false},
		{"int vs int64", 3, int64(3), true},
		{"int vs float", 3, 3.0, true},
		{"int mismatch", 3, int64(4), false},
		{"bool as int", true, int64(1), true},
		{"false as int", false, int64(0), true},
		{"bool mismatch", true, int64(0), false},
		{"nil both", nil, nil, true},
		{"nil vs value", nil, "x", false},
		{"time", "2025-01-01T00:00:01Z", ts, true},
		{"json array column", []any{"sed"}, `["sed"]`, true},
		{"json object column", map[string]any{"a": 1}, `{"a":1}`, true},
		{"json mismatch", []any{"sed"}, `["awk"]`, false},
		{"string vs number", "3", int64(3), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.equal, stateValuesEqual(tt.want, tt.got))
		})
	}
}

func newAssertionStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.DB().Exec(`CREATE TABLE items (id TEXT PRIMARY KEY, kind TEXT, n INTEGER, tags TEXT)`)
	require.NoError(t, err)
	_, err = st.DB().Exec(`INSERT INTO items VALUES ('a', 'tool', 1, '["x"]'), ('b', 'tool', 2, '[]')`)
	require.NoError(t, err)
	return st
}

func TestFinalState(t *testing.T) {
	st := newAssertionStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		a       Assertion
		wantErr string
	}{
		{
			name: "row matches",
			a:    Assertion{Table: "items", Where: map[string]any{"id": "a"}, Expect: map[string]any{"kind": "tool", "n": 1, "tags": []any{"x"}}},
		},
		{
			name:    "value differs",
			a:       Assertion{Table: "items", Where: map[string]any{"id": "b"}, Expect: map[string]any{"n": 1}},
			wantErr: "items.n = 1",
		},
		{
			name:    "no row",
			a:       Assertion{Table: "items", Where: map[string]any{"id": "c"}, Expect: map[string]any{"n": 1}},
			wantErr: "got:  none",
		},
		{
			name:    "ambiguous",
			a:       Assertion{Table: "items", Where: map[string]any{"kind": "tool"}, Expect: map[string]any{"n": 1}},
			wantErr: "got:  several",
		},
		{
			name:    "missing column",
			a:       Assertion{Table: "items", Where: map[string]any{"id": "a"}, Expect: map[string]any{"colour": "red"}},
			wantErr: "no such column",
		},
		{
			name:    "bad table",
			a:       Assertion{Table: "items; --", Expect: map[string]any{"n": 1}},
			wantErr: "bad table name",
		},
		{
			name:    "missing table",
			a:       Assertion{Table: "nope", Expect: map[string]any{"n": 1}},
			wantErr: "a readable table nope",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := finalState(ctx, st, tt.a)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()

	failures := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Action: ActionSelect, Count: 2},
		{Type: AssertTraceCount, Action: ActionSelect, Count: 5},
		{Type: AssertFinalState, Table: "items", Expect: map[string]any{"n": 1}},
		{Type: AssertLedgerVerified},
		{Type: "trace_missing"},
	}, nil)

	require.Len(t, failures, 4)
	assert.Contains(t, failures[0], "assertion[1]")
	assert.Contains(t, failures[1], "assertion[2]: final_state needs a store")
	assert.Contains(t, failures[2], "assertion[3]: ledger_verified needs a ledger")
	assert.Contains(t, failures[3], `assertion[4]: unknown assertion type "trace_missing"`)
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{Type: AssertTraceCount, Want: "2", Got: "1", Trace: sampleTrace()[:2]}

	msg := err.Error()
	assert.Contains(t, msg, "trace_count failed")
	assert.Contains(t, msg, "want: 2")
	assert.Contains(t, msg, "got:  1")
	assert.Contains(t, msg, "#2 memory.write => ok")
	assert.NotContains(t, msg, "#1")
}
