package decision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cognary/Aionis-sub002/internal/clock"
	"github.com/Cognary/Aionis-sub002/internal/ids"
	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/ledger"
	"github.com/Cognary/Aionis-sub002/internal/policy"
	"github.com/Cognary/Aionis-sub002/internal/rules"
	"github.com/Cognary/Aionis-sub002/internal/store"
	"github.com/Cognary/Aionis-sub002/internal/toolpolicy"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st     *store.Store
	led    *ledger.Ledger
	svc    *Service
	clk    *clock.Manual
	logger *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "decision.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(testNow)
	eng, err := rules.NewEngine(rules.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	led := ledger.New(st, ledger.WithIDs(ids.NewSequence("commit")), ledger.WithClock(clk), ledger.WithLogger(logger))
	svc := NewService(st, led, eng, WithIDs(ids.NewSequence("dec")), WithClock(clk), WithLogger(logger))
	return &fixture{st: st, led: led, svc: svc, clk: clk, logger: logger}
}

type ruleSpec struct {
	id       string
	state    string
	priority int
	ifJSON   string
	then     string
}

func (f *fixture) addRules(t *testing.T, specs ...ruleSpec) {
	t.Helper()
	ctx := context.Background()
	err := f.st.InTx(ctx, func(tx *store.Tx) error {
		for _, r := range specs {
			_, err := tx.InsertRuleDef(ctx, store.RuleDef{
				RuleNodeID: r.id,
				Scope:      "s1",
				State:      r.state,
				RuleScope:  store.RuleScopeGlobal,
				Priority:   r.priority,
				IfJSON:     r.ifJSON,
				ThenJSON:   r.then,
				CreatedAt:  testNow,
				UpdatedAt:  testNow,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func (f *fixture) read(t *testing.T, fn func(ctx context.Context, tx *store.Tx)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.st.InTx(ctx, func(tx *store.Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

var editCtx = jsonv.MustParse(`{"intent":"edit","lang":"go"}`)

func TestEvaluate_HigherRankWinsAndShadowIsReportedOnly(t *testing.T) {
	f := newFixture(t)
	f.addRules(t,
		ruleSpec{"r-high", store.RuleActive, 10, `{"intent":"edit"}`, `{"output":{"format":"json"},"tool":{"prefer":["sed"]}}`},
		ruleSpec{"r-low", store.RuleActive, 1, `{"intent":"edit"}`, `{"output":{"format":"text","strict":true}}`},
		ruleSpec{"r-shadow", store.RuleShadow, 50, `{"intent":"edit"}`, `{"tool":{"deny":["sed"]}}`},
		ruleSpec{"r-other", store.RuleActive, 99, `{"intent":"read"}`, `{"output":{"format":"yaml"}}`},
		ruleSpec{"r-draft", store.RuleDraft, 99, `{}`, `{"output":{"format":"xml"}}`},
	)

	ev, err := f.svc.Evaluate(context.Background(), EvaluateRequest{Scope: "s1", Context: editCtx, IncludeShadow: true})
	require.NoError(t, err)

	require.Len(t, ev.Applied, 2)
	assert.Equal(t, "r-high", ev.Applied[0].RuleID)
	assert.Equal(t, "r-low", ev.Applied[1].RuleID)
	require.Len(t, ev.Shadow, 1)
	assert.Equal(t, "r-shadow", ev.Shadow[0].RuleID)

	assert.True(t, jsonv.Equal(jsonv.MustParse(`{
		"output": {"format": "json", "strict": true},
		"tool": {"deny": [], "prefer": ["sed"]}
	}`), ev.Policy), "got %v", ev.Policy)
	assert.Equal(t, []policy.Conflict{{
		Path:     "output.format",
		Reason:   policy.ReasonScalarOverride,
		Winner:   "r-high",
		Previous: "r-low",
	}}, ev.Merged.Conflicts)
	assert.Equal(t, []string{"r-high", "r-low"}, ev.SourceRuleIDs)

	wantCtx, err := jsonv.Hash(jsonv.DomainContext, editCtx)
	require.NoError(t, err)
	assert.Equal(t, wantCtx, ev.ContextSHA256)
	wantPolicy, err := jsonv.Hash(jsonv.DomainPolicy, ev.Policy)
	require.NoError(t, err)
	assert.Equal(t, wantPolicy, ev.PolicySHA256)
}

func TestEvaluate_NoRules(t *testing.T) {
	f := newFixture(t)
	ev, err := f.svc.Evaluate(context.Background(), EvaluateRequest{Scope: "s1"})
	require.NoError(t, err)
	assert.Empty(t, ev.Applied)
	assert.Equal(t, jsonv.Object{}, ev.Policy)
	assert.Empty(t, ev.SourceRuleIDs)

	_, err = f.svc.Evaluate(context.Background(), EvaluateRequest{})
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestSelectTools_AllowIntersectionPersistsDecision(t *testing.T) {
	f := newFixture(t)
	f.addRules(t,
		ruleSpec{"r1", store.RuleActive, 2, `{"intent":"edit"}`, `{"tool":{"allow":["x","y"]}}`},
		ruleSpec{"r2", store.RuleActive, 1, `{"intent":"edit"}`, `{"tool":{"allow":["y","z"]}}`},
	)

	res, err := f.svc.SelectTools(context.Background(), SelectRequest{
		Scope:      "s1",
		Actor:      "agent-a",
		RunID:      "run-1",
		Context:    editCtx,
		Candidates: []string{"x", "y", "z"},
		Strict:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, "dec-1", res.DecisionID)
	assert.Equal(t, "commit-1", res.CommitID)
	assert.Equal(t, []string{"y"}, res.ToolPolicy.Allow)
	assert.Equal(t, "y", res.Selection.Selected)
	require.Len(t, res.Trace.Conflicts, 1)
	assert.Equal(t, toolpolicy.ConflictAllowIntersection, res.Trace.Conflicts[0].Code)
	assert.Equal(t, []string{"r1", "r2"}, res.SourceRuleIDs)

	rec, err := f.svc.GetDecision(context.Background(), "s1", res.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, KindToolsSelect, rec.Kind)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, "y", rec.SelectedTool)
	assert.Equal(t, []string{"x", "y", "z"}, rec.Candidates)
	assert.Equal(t, res.ContextSHA256, rec.ContextSHA256)
	assert.Equal(t, res.PolicySHA256, rec.PolicySHA256)
	assert.Equal(t, []string{"r1", "r2"}, rec.SourceRuleIDs)
	assert.Equal(t, "commit-1", rec.CommitID)
	assert.Equal(t, jsonv.Bool(true), rec.Metadata["strict"])

	f.read(t, func(ctx context.Context, tx *store.Tx) {
		commits, err := tx.ListCommits(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, commits, 1)
		assert.Equal(t, ledger.KindToolsDecision, commits[0].Kind)
		assert.Equal(t, res.ContextSHA256, commits[0].InputSHA256)
	})
}

func TestSelectTools_SameInputsSameHashes(t *testing.T) {
	f := newFixture(t)
	f.addRules(t, ruleSpec{"r1", store.RuleActive, 1, `{}`, `{"tool":{"prefer":["b"]}}`})

	req := SelectRequest{Scope: "s1", Actor: "a", Context: editCtx, Candidates: []string{"a", "b"}}
	first, err := f.svc.SelectTools(context.Background(), req)
	require.NoError(t, err)
	// Key order in the context never changes its hash.
	req.Context = jsonv.MustParse(`{"lang":"go","intent":"edit"}`)
	second, err := f.svc.SelectTools(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first.DecisionID, second.DecisionID)
	assert.Equal(t, first.ContextSHA256, second.ContextSHA256)
	assert.Equal(t, first.PolicySHA256, second.PolicySHA256)
	assert.Equal(t, "b", second.Selection.Selected)
}

func TestSelectTools_StrictExhaustionStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.addRules(t, ruleSpec{"r1", store.RuleActive, 1, `{}`, `{"tool":{"deny":["a","b"]}}`})

	_, err := f.svc.SelectTools(context.Background(), SelectRequest{
		Scope: "s1", Actor: "a", Context: editCtx, Candidates: []string{"a", "b"}, Strict: true,
	})
	var se *toolpolicy.SelectionError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, toolpolicy.SelectionError{Code: toolpolicy.CodeNoToolsAllowed, Candidates: 2, Deny: 2}, *se)

	f.read(t, func(ctx context.Context, tx *store.Tx) {
		commits, err := tx.ListCommits(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, commits)
	})
}

func TestSelectTools_NonStrictFallbacks(t *testing.T) {
	f := newFixture(t)
	f.addRules(t, ruleSpec{"r1", store.RuleActive, 1, `{"intent":"edit"}`, `{"tool":{"allow":["z"]}}`})

	res, err := f.svc.SelectTools(context.Background(), SelectRequest{
		Scope: "s1", Actor: "a", Context: editCtx, Candidates: []string{"a"},
	})
	require.NoError(t, err)
	assert.Equal(t, toolpolicy.Fallback{Applied: true, Reason: toolpolicy.FallbackAllowlistFilteredAll}, res.Selection.Fallback)
	assert.Equal(t, []string{"a"}, res.Selection.Allowed)
	assert.Equal(t, "a", res.Selection.Selected)

	f2 := newFixture(t)
	f2.addRules(t, ruleSpec{"r1", store.RuleActive, 1, `{}`, `{"tool":{"deny":["a"]}}`})
	res, err = f2.svc.SelectTools(context.Background(), SelectRequest{
		Scope: "s1", Actor: "a", Context: editCtx, Candidates: []string{"a"},
	})
	require.NoError(t, err)
	assert.Equal(t, toolpolicy.FallbackDenyFilteredAll, res.Selection.Fallback.Reason)
	assert.Empty(t, res.Selection.Selected)

	rec, err := f2.svc.GetDecision(context.Background(), "s1", res.DecisionID)
	require.NoError(t, err)
	assert.Empty(t, rec.SelectedTool)
}

func TestSelectTools_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SelectTools(context.Background(), SelectRequest{Scope: "s1"})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "actor", ve.Field)
}

func TestGetDecision_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetDecision(context.Background(), "s1", "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func feedbackRules() []ruleSpec {
	return []ruleSpec{
		{"r-tool", store.RuleActive, 5, `{"intent":"edit"}`, `{"tool":{"prefer":["sed"]}}`},
		{"r-output", store.RuleActive, 4, `{"intent":"edit"}`, `{"output":{"format":"json"}}`},
		{"r-shadow-tool", store.RuleShadow, 3, `{"intent":"edit"}`, `{"tool":{"deny":["rm"]}}`},
		{"r-miss", store.RuleActive, 9, `{"intent":"read"}`, `{"tool":{"prefer":["cat"]}}`},
	}
}

func TestFeedback_AttributesToolRules(t *testing.T) {
	f := newFixture(t)
	f.addRules(t, feedbackRules()...)

	res, err := f.svc.Feedback(context.Background(), FeedbackRequest{
		Scope: "s1", Actor: "agent-a", Context: editCtx, RunID: "run-1", Outcome: OutcomeNegative, Note: "sed broke the file",
	})
	require.NoError(t, err)
	assert.Equal(t, TargetTool, res.Target)
	assert.Equal(t, []string{"r-tool", "r-shadow-tool"}, res.RuleIDs)

	f.read(t, func(ctx context.Context, tx *store.Tx) {
		for id, want := range map[string]int{"r-tool": 1, "r-shadow-tool": 1, "r-output": 0, "r-miss": 0} {
			def, err := tx.GetRuleDef(ctx, "s1", id)
			require.NoError(t, err)
			assert.Equal(t, want, def.NegativeCount, id)
			assert.Zero(t, def.PositiveCount, id)
		}
		rows, err := tx.ListRuleFeedback(ctx, "s1", "r-tool")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, OutcomeNegative, rows[0].Outcome)
		assert.Equal(t, "run-1", rows[0].RunID)
		assert.Equal(t, "sed broke the file", rows[0].Note)
		assert.Equal(t, res.CommitID, rows[0].CommitID)

		commits, err := tx.ListCommits(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, commits, 1)
		assert.Equal(t, ledger.KindFeedback, commits[0].Kind)
	})
}

func TestFeedback_TargetAllAndNeutral(t *testing.T) {
	f := newFixture(t)
	f.addRules(t, feedbackRules()...)

	res, err := f.svc.Feedback(context.Background(), FeedbackRequest{
		Scope: "s1", Actor: "a", Context: editCtx, Outcome: OutcomePositive, Target: TargetAll,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r-tool", "r-output", "r-shadow-tool"}, res.RuleIDs)

	res, err = f.svc.Feedback(context.Background(), FeedbackRequest{
		Scope: "s1", Actor: "a", Context: editCtx, Outcome: OutcomeNeutral, Target: TargetAll,
	})
	require.NoError(t, err)
	assert.Len(t, res.RuleIDs, 3)

	f.read(t, func(ctx context.Context, tx *store.Tx) {
		def, err := tx.GetRuleDef(ctx, "s1", "r-output")
		require.NoError(t, err)
		assert.Equal(t, 1, def.PositiveCount, "neutral feedback leaves counts alone")
		rows, err := tx.ListRuleFeedback(ctx, "s1", "r-output")
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})
}

func TestFeedback_DecisionMustMatchContext(t *testing.T) {
	f := newFixture(t)
	f.addRules(t, feedbackRules()...)
	sel, err := f.svc.SelectTools(context.Background(), SelectRequest{
		Scope: "s1", Actor: "a", Context: editCtx, Candidates: []string{"sed", "awk"},
	})
	require.NoError(t, err)

	res, err := f.svc.Feedback(context.Background(), FeedbackRequest{
		Scope: "s1", Actor: "a", Context: editCtx, DecisionID: sel.DecisionID, Outcome: OutcomePositive,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r-tool", "r-shadow-tool"}, res.RuleIDs)

	_, err = f.svc.Feedback(context.Background(), FeedbackRequest{
		Scope: "s1", Actor: "a", Context: jsonv.MustParse(`{"intent":"read"}`), DecisionID: sel.DecisionID, Outcome: OutcomePositive,
	})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "context", ve.Field)

	_, err = f.svc.Feedback(context.Background(), FeedbackRequest{
		Scope: "s1", Actor: "a", Context: editCtx, DecisionID: "missing", Outcome: OutcomePositive,
	})
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "decision_id", ve.Field)
}

func TestFeedback_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		req   FeedbackRequest
		field string
	}{
		{"missing scope", FeedbackRequest{Actor: "a", Outcome: OutcomePositive}, "scope"},
		{"missing actor", FeedbackRequest{Scope: "s1", Outcome: OutcomePositive}, "actor"},
		{"bad outcome", FeedbackRequest{Scope: "s1", Actor: "a", Outcome: "great"}, "outcome"},
		{"bad target", FeedbackRequest{Scope: "s1", Actor: "a", Outcome: OutcomePositive, Target: "output"}, "target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Feedback(context.Background(), tt.req)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}
