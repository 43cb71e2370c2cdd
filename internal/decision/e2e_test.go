package decision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cognary/Aionis-sub002/internal/embedding"
	"github.com/Cognary/Aionis-sub002/internal/ids"
	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/lifecycle"
	"github.com/Cognary/Aionis-sub002/internal/memory"
	"github.com/Cognary/Aionis-sub002/internal/outbox"
	"github.com/Cognary/Aionis-sub002/internal/store"
)

// TestKernel_WriteEmbedPromoteSelectFeedback drives one scope through the
// whole kernel: write, background embedding with its chained cluster job,
// rule promotion, tool selection and feedback.
func TestKernel_WriteEmbedPromoteSelectFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	writer := memory.NewWriter(f.st, f.led,
		memory.WithIDs(ids.NewSequence("node")),
		memory.WithClock(f.clk),
		memory.WithLogger(f.logger),
	)
	backfill := &embedding.BackfillHandler{
		Provider:       embedding.NewFakeProvider(8),
		TriggerCluster: true,
		Clock:          f.clk,
		Logger:         f.logger,
	}
	var clustered []string
	reg := outbox.NewRegistry()
	reg.Register(outbox.EventEmbedNodes, backfill)
	reg.Register(outbox.EventTopicCluster, &outbox.TopicClusterHandler{
		Clusterer: outbox.ClustererFunc(func(_ context.Context, _ *store.Tx, _ string, nodes []store.Node) error {
			for _, n := range nodes {
				clustered = append(clustered, n.ID)
			}
			return nil
		}),
		Logger: f.logger,
	})
	sched := outbox.NewScheduler(f.st, reg, outbox.Config{}, outbox.WithClock(f.clk), outbox.WithLogger(f.logger))

	// Write: one commit, pending nodes, one embed job.
	wr, err := writer.Write(ctx, memory.WriteRequest{
		Scope: "s1",
		Actor: "agent-a",
		Input: "prefer sed when editing",
		Nodes: []memory.NodeInput{
			{ID: "n1", Type: "event", TextSummary: "edited main.go with sed"},
			{ID: "r1", Type: lifecycle.NodeTypeRule, Title: "prefer sed for edits", Slots: jsonv.Object{
				"if":       jsonv.MustParse(`{"intent":"edit"}`),
				"then":     jsonv.MustParse(`{"tool":{"allow":["sed","grep"],"prefer":["sed"]}}`),
				"priority": jsonv.Number(5),
			}},
		},
		Edges: []memory.EdgeInput{{Type: "derived_from", SrcID: "r1", DstID: "n1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "commit-1", wr.CommitID)
	f.read(t, func(ctx context.Context, tx *store.Tx) {
		n, err := tx.GetNode(ctx, "s1", "n1")
		require.NoError(t, err)
		assert.Equal(t, store.EmbeddingPending, n.EmbeddingStatus)
	})

	// Tick 1 embeds both nodes and chains topic_cluster.
	res, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Processed)
	wantKey, err := outbox.JobKey("s1", outbox.EventTopicCluster, outbox.TopicClusterPayload([]string{"n1", "r1"}))
	require.NoError(t, err)
	assert.Equal(t, []string{wantKey}, res.ChainedJobKeys)

	f.read(t, func(ctx context.Context, tx *store.Tx) {
		nodes, err := tx.GetNodes(ctx, "s1", []string{"n1", "r1"})
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		for _, n := range nodes {
			assert.Equal(t, store.EmbeddingReady, n.EmbeddingStatus, n.ID)
			assert.Equal(t, "fake:hash-v1", n.EmbeddingModel, n.ID)
		}
	})

	// Tick 2 runs the cluster job.
	res, err = sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.ElementsMatch(t, []string{"n1", "r1"}, clustered)

	// Re-running the embed job never enqueues a second cluster job.
	var embedJob store.OutboxJob
	f.read(t, func(ctx context.Context, tx *store.Tx) {
		jobs, err := tx.ListOutboxJobs(ctx, "s1", outbox.EventEmbedNodes)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		embedJob = jobs[0]
	})
	require.NoError(t, f.st.InTx(ctx, func(tx *store.Tx) error {
		again, err := backfill.Handle(ctx, tx, embedJob)
		require.NoError(t, err)
		require.Len(t, again.Chained, 1)
		assert.False(t, again.Chained[0].Inserted)
		assert.Equal(t, wantKey, again.Chained[0].JobKey)
		return nil
	}))
	f.read(t, func(ctx context.Context, tx *store.Tx) {
		jobs, err := tx.ListOutboxJobs(ctx, "s1", outbox.EventTopicCluster)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})

	// Draft rules do not apply; promote through shadow to active.
	sel, err := f.svc.SelectTools(ctx, SelectRequest{Scope: "s1", Actor: "agent-a", Context: editCtx, Candidates: []string{"grep", "sed", "rm"}})
	require.NoError(t, err)
	assert.Equal(t, "grep", sel.Selection.Selected)
	assert.Empty(t, sel.SourceRuleIDs)

	mgr := lifecycle.NewManager(f.st, f.led, lifecycle.WithClock(f.clk), lifecycle.WithLogger(f.logger))
	_, err = mgr.Transition(ctx, "s1", "r1", store.RuleShadow, "admin")
	require.NoError(t, err)
	def, err := mgr.Transition(ctx, "s1", "r1", store.RuleActive, "admin")
	require.NoError(t, err)
	assert.Equal(t, store.RuleActive, def.State)

	sel, err = f.svc.SelectTools(ctx, SelectRequest{
		Scope: "s1", Actor: "agent-a", RunID: "run-7", Context: editCtx,
		Candidates: []string{"grep", "sed", "rm"}, Strict: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"sed", "grep"}, sel.Selection.Ordered)
	assert.Equal(t, "sed", sel.Selection.Selected)
	assert.Equal(t, []string{"r1"}, sel.SourceRuleIDs)

	fb, err := f.svc.Feedback(ctx, FeedbackRequest{
		Scope: "s1", Actor: "agent-a", Context: editCtx, RunID: "run-7",
		DecisionID: sel.DecisionID, Outcome: OutcomePositive,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, fb.RuleIDs)

	f.read(t, func(ctx context.Context, tx *store.Tx) {
		def, err := tx.GetRuleDef(ctx, "s1", "r1")
		require.NoError(t, err)
		assert.Equal(t, 1, def.PositiveCount)

		commits, err := tx.ListCommits(ctx, "s1")
		require.NoError(t, err)
		kinds := make([]string, len(commits))
		for i, c := range commits {
			kinds[i] = c.Kind
		}
		assert.Equal(t, []string{"write", "tools_decision", "rule_transition", "rule_transition", "tools_decision", "rule_feedback"}, kinds)
	})

	report, err := f.led.Verify(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, report.OK, report.Reason)
	assert.Equal(t, 6, report.Commits)
}
