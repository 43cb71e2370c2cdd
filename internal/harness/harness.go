package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Cognary/Aionis-sub002/internal/clock"
	"github.com/Cognary/Aionis-sub002/internal/decision"
	"github.com/Cognary/Aionis-sub002/internal/embedding"
	"github.com/Cognary/Aionis-sub002/internal/ids"
	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/ledger"
	"github.com/Cognary/Aionis-sub002/internal/lifecycle"
	"github.com/Cognary/Aionis-sub002/internal/memory"
	"github.com/Cognary/Aionis-sub002/internal/outbox"
	"github.com/Cognary/Aionis-sub002/internal/policy"
	"github.com/Cognary/Aionis-sub002/internal/rules"
	"github.com/Cognary/Aionis-sub002/internal/store"
	"github.com/Cognary/Aionis-sub002/internal/toolpolicy"
)

// Completion cases other than a SelectionError code.
const (
	CaseOK           = "ok"
	CaseInvalidInput = "invalid_input"
	CaseInvalidRule  = "invalid_rule"
	CaseTransition   = "transition"
	CaseNotFound     = "not_found"
	CaseError        = "error"
)

// Epoch is the manual clock's start time.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	defaultActor   = "scenario"
	embeddingDim   = 8
	lastDecisionID = "$last"
)

// Harness is the test execution engine. It wires the kernel on a fresh
// in-memory store with deterministic ids and time.
type Harness struct {
	scope     string
	store     *store.Store
	ledger    *ledger.Ledger
	writer    *memory.Writer
	lifecycle *lifecycle.Manager
	decisions *decision.Service
	scheduler *outbox.Scheduler
	engine    *rules.Engine
	clock     *clock.Manual
	seq       int64
	// lastDecision is the id of the latest successful selection.
	lastDecision string
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
// 1. Create fresh in-memory database and kernel
// 2. Execute setup steps (a failure aborts)
// 3. Execute flow steps with expect validation
// 4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	h, err := newHarness(scenario.Scope)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	result := NewResult()
	for i, step := range scenario.Setup {
		if outputCase, res := h.execute(ctx, step.Action, step.Args, result); outputCase != CaseOK {
			return nil, fmt.Errorf("setup step %d (%s): %s: %v", i, step.Action, outputCase, jsonv.ToAny(res))
		}
	}

	for i, step := range scenario.Flow {
		outputCase, res := h.execute(ctx, step.Invoke, step.Args, result)
		if step.Expect == nil {
			continue
		}
		if outputCase != step.Expect.Case {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected case %q, got %q (%v)",
				i, step.Invoke, step.Expect.Case, outputCase, jsonv.ToAny(res)))
			continue
		}
		if msg := matchSubset(res, step.Expect.Result); msg != "" {
			result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Invoke, msg))
		}
	}

	actx := &AssertionContext{Ctx: ctx, Store: h.store, Ledger: h.ledger, Scope: h.scope}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scope string) (*Harness, error) {
	if scope == "" {
		scope = DefaultScope
	}
	st, err := store.OpenSQLite(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests
	clk := clock.NewManual(Epoch)

	eng, err := rules.NewEngine(rules.WithLogger(logger))
	if err != nil {
		st.Close()
		return nil, err
	}
	led := ledger.New(st, ledger.WithIDs(ids.NewSequence("commit")), ledger.WithClock(clk), ledger.WithLogger(logger))

	reg := outbox.NewRegistry()
	reg.Register(outbox.EventEmbedNodes, &embedding.BackfillHandler{
		Provider:       embedding.NewFakeProvider(embeddingDim),
		TriggerCluster: true,
		Clock:          clk,
		Logger:         logger,
	})
	reg.Register(outbox.EventTopicCluster, &outbox.TopicClusterHandler{Logger: logger})

	return &Harness{
		scope:  scope,
		store:  st,
		ledger: led,
		writer: memory.NewWriter(st, led,
			memory.WithIDs(ids.NewSequence("node")),
			memory.WithClock(clk),
			memory.WithLogger(logger),
		),
		lifecycle: lifecycle.NewManager(st, led, lifecycle.WithClock(clk), lifecycle.WithLogger(logger)),
		decisions: decision.NewService(st, led, eng,
			decision.WithIDs(ids.NewSequence("decision")),
			decision.WithClock(clk),
			decision.WithLogger(logger),
		),
		scheduler: outbox.NewScheduler(st, reg, outbox.DefaultConfig(), outbox.WithClock(clk), outbox.WithLogger(logger)),
		engine:    eng,
		clock:     clk,
	}, nil
}

// Close releases the store and rule engine.
func (h *Harness) Close() {
	h.engine.Close()
	h.store.Close()
}

// execute runs one action, records it in the trace and returns its case
// and result.
func (h *Harness) execute(ctx context.Context, action string, rawArgs map[string]any, result *Result) (string, jsonv.Value) {
	args := jsonv.Object{}
	if rawArgs != nil {
		v, err := jsonv.FromAny(rawArgs)
		if err != nil {
			return h.record(result, action, jsonv.Object{}, CaseInvalidInput, errorResult(err))
		}
		args = v.(jsonv.Object)
	}

	// Advance time so every action has a distinct timestamp.
	h.clock.Advance(time.Second)

	var (
		res jsonv.Value
		err error
	)
	switch action {
	case ActionWrite:
		res, err = h.write(ctx, args)
	case ActionDefine:
		res, err = h.define(ctx, args)
	case ActionPromote:
		res, err = h.promote(ctx, args)
	case ActionEvaluate:
		res, err = h.evaluate(ctx, args)
	case ActionSelect:
		res, err = h.selectTools(ctx, args)
	case ActionFeedback:
		res, err = h.feedback(ctx, args)
	case ActionTick:
		res, err = h.tick(ctx)
	default:
		err = fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return h.record(result, action, args, caseOf(err), errorResult(err))
	}
	return h.record(result, action, args, CaseOK, res)
}

func (h *Harness) record(result *Result, action string, args jsonv.Object, outputCase string, res jsonv.Value) (string, jsonv.Value) {
	h.seq++
	result.addInvocation(action, args, h.seq)
	h.seq++
	result.addCompletion(action, outputCase, res, h.seq)
	return outputCase, res
}

func (h *Harness) write(ctx context.Context, args jsonv.Object) (jsonv.Value, error) {
	var req memory.WriteRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	req.Scope = h.scope
	if req.Actor == "" {
		req.Actor = defaultActor
	}
	res, err := h.writer.Write(ctx, req)
	if err != nil {
		return nil, err
	}
	out := jsonv.Object{
		"commit_id":         jsonv.String(res.CommitID),
		"node_ids":          jsonv.StringArray(res.NodeIDs),
		"rule_defs_created": jsonv.StringArray(res.RuleDefs),
	}
	if res.EmbedJob != nil {
		out["embed_job_inserted"] = jsonv.Bool(res.EmbedJob.Inserted)
	}
	return out, nil
}

// define writes one rule node from its slots and walks it to the
// requested state.
func (h *Harness) define(ctx context.Context, args jsonv.Object) (jsonv.Value, error) {
	id, _ := args["id"].(jsonv.String)
	if id == "" {
		return nil, &memory.ValidationError{Field: "id", Message: "required"}
	}
	state := store.RuleDraft
	if s, ok := args["state"].(jsonv.String); ok {
		state = string(s)
	}
	title := string(id)
	if s, ok := args["title"].(jsonv.String); ok {
		title = string(s)
	}

	slots := jsonv.Object{}
	for _, k := range []string{
		lifecycle.SlotIf, lifecycle.SlotThen, lifecycle.SlotExceptions, lifecycle.SlotPriority,
		lifecycle.SlotRuleScope, lifecycle.SlotTargetAgentID, lifecycle.SlotTargetTeamID,
	} {
		if v, ok := args[k]; ok {
			slots[k] = v
		}
	}
	autoEmbed := false
	if _, err := h.writer.Write(ctx, memory.WriteRequest{
		Scope:     h.scope,
		Actor:     defaultActor,
		Input:     "define rule " + string(id),
		Nodes:     []memory.NodeInput{{ID: string(id), Type: lifecycle.NodeTypeRule, Title: title, Slots: slots}},
		AutoEmbed: &autoEmbed,
		Kind:      ledger.KindRuleLoad,
	}); err != nil {
		return nil, err
	}

	var path []string
	switch state {
	case store.RuleDraft:
	case store.RuleActive:
		path = []string{store.RuleShadow, store.RuleActive}
	default:
		path = []string{state}
	}
	for _, target := range path {
		if _, err := h.lifecycle.Transition(ctx, h.scope, string(id), target, defaultActor); err != nil {
			return nil, err
		}
	}
	return jsonv.Object{"rule_id": id, "state": jsonv.String(state)}, nil
}

func (h *Harness) promote(ctx context.Context, args jsonv.Object) (jsonv.Value, error) {
	var req struct {
		Rule  string `json:"rule"`
		To    string `json:"to"`
		Actor string `json:"actor"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		req.Actor = defaultActor
	}
	def, err := h.lifecycle.Transition(ctx, h.scope, req.Rule, req.To, req.Actor)
	if err != nil {
		return nil, err
	}
	return jsonv.Object{
		"rule_id":   jsonv.String(def.RuleNodeID),
		"state":     jsonv.String(def.State),
		"commit_id": jsonv.String(def.CommitID),
	}, nil
}

type contextArgs struct {
	Context jsonv.Object `json:"context"`
	AgentID string       `json:"agent_id"`
	TeamID  string       `json:"team_id"`
}

func (c contextArgs) execContext() jsonv.Value {
	if c.Context == nil {
		return jsonv.Object{}
	}
	return c.Context
}

func (h *Harness) evaluate(ctx context.Context, args jsonv.Object) (jsonv.Value, error) {
	var req struct {
		contextArgs
		IncludeShadow bool `json:"include_shadow"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	ev, err := h.decisions.Evaluate(ctx, decision.EvaluateRequest{
		Scope:         h.scope,
		Context:       req.execContext(),
		IncludeShadow: req.IncludeShadow,
		AgentID:       req.AgentID,
		TeamID:        req.TeamID,
	})
	if err != nil {
		return nil, err
	}
	return jsonv.Object{
		"applied":         jsonv.StringArray(ruleIDs(ev.Applied)),
		"shadow":          jsonv.StringArray(ruleIDs(ev.Shadow)),
		"policy":          ev.Policy,
		"policy_sha256":   jsonv.String(ev.PolicySHA256),
		"source_rule_ids": jsonv.StringArray(ev.SourceRuleIDs),
		"conflicts":       conflictPaths(ev.Merged.Conflicts),
	}, nil
}

func (h *Harness) selectTools(ctx context.Context, args jsonv.Object) (jsonv.Value, error) {
	var req struct {
		contextArgs
		Candidates []string `json:"candidates"`
		Strict     bool     `json:"strict"`
		RunID      string   `json:"run_id"`
		Actor      string   `json:"actor"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		req.Actor = defaultActor
	}
	res, err := h.decisions.SelectTools(ctx, decision.SelectRequest{
		Scope:      h.scope,
		Actor:      req.Actor,
		RunID:      req.RunID,
		Context:    req.execContext(),
		Candidates: req.Candidates,
		Strict:     req.Strict,
		AgentID:    req.AgentID,
		TeamID:     req.TeamID,
	})
	if err != nil {
		return nil, err
	}
	h.lastDecision = res.DecisionID

	codes := jsonv.Array{}
	for _, c := range res.Trace.Conflicts {
		codes = append(codes, jsonv.String(c.Code))
	}
	out := jsonv.Object{
		"decision_id":     jsonv.String(res.DecisionID),
		"selected":        jsonv.String(res.Selection.Selected),
		"ordered":         jsonv.StringArray(res.Selection.Ordered),
		"denied":          jsonv.StringArray(res.Selection.Denied),
		"source_rule_ids": jsonv.StringArray(res.SourceRuleIDs),
		"policy_sha256":   jsonv.String(res.PolicySHA256),
		"context_sha256":  jsonv.String(res.ContextSHA256),
		"tool_conflicts":  codes,
	}
	if res.Selection.Fallback.Applied {
		out["fallback"] = jsonv.String(res.Selection.Fallback.Reason)
	}
	return out, nil
}

func (h *Harness) feedback(ctx context.Context, args jsonv.Object) (jsonv.Value, error) {
	var req struct {
		contextArgs
		Outcome    string `json:"outcome"`
		Target     string `json:"target"`
		RunID      string `json:"run_id"`
		DecisionID string `json:"decision_id"`
		Note       string `json:"note"`
		Actor      string `json:"actor"`
	}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		req.Actor = defaultActor
	}
	if req.DecisionID == lastDecisionID {
		req.DecisionID = h.lastDecision
	}
	res, err := h.decisions.Feedback(ctx, decision.FeedbackRequest{
		Scope:      h.scope,
		Actor:      req.Actor,
		Context:    req.execContext(),
		RunID:      req.RunID,
		DecisionID: req.DecisionID,
		Outcome:    req.Outcome,
		Target:     req.Target,
		Note:       req.Note,
		AgentID:    req.AgentID,
		TeamID:     req.TeamID,
	})
	if err != nil {
		return nil, err
	}
	return jsonv.Object{
		"commit_id": jsonv.String(res.CommitID),
		"target":    jsonv.String(res.Target),
		"rule_ids":  jsonv.StringArray(res.RuleIDs),
	}, nil
}

func (h *Harness) tick(ctx context.Context) (jsonv.Value, error) {
	res, err := h.scheduler.Tick(ctx)
	if err != nil {
		return nil, err
	}
	return jsonv.Object{
		"claimed":         jsonv.Number(res.Claimed),
		"processed":       jsonv.Number(res.Processed),
		"failed":          jsonv.Number(res.Failed),
		"dead_lettered":   jsonv.Number(res.DeadLettered),
		"fatal_published": jsonv.Number(res.FatalPublished),
		"chained":         jsonv.Number(len(res.ChainedJobKeys)),
	}, nil
}

// decodeArgs decodes args into dst, rejecting unknown fields.
func decodeArgs(args jsonv.Object, dst any) error {
	data, err := jsonv.Marshal(args)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &argsError{err: err}
	}
	return nil
}

type argsError struct{ err error }

func (e *argsError) Error() string { return "args: " + e.err.Error() }
func (e *argsError) Unwrap() error { return e.err }

// caseOf maps an action error to its completion case.
func caseOf(err error) string {
	var (
		selErr   *toolpolicy.SelectionError
		memErr   *memory.ValidationError
		decErr   *decision.ValidationError
		argsErr  *argsError
		lcErr    *lifecycle.ValidationError
		ruleErr  *rules.ValidationError
		patchErr *policy.PatchError
		transErr *lifecycle.TransitionError
	)
	switch {
	case errors.As(err, &selErr):
		return selErr.Code
	case errors.As(err, &memErr), errors.As(err, &decErr), errors.As(err, &argsErr):
		return CaseInvalidInput
	case errors.As(err, &lcErr), errors.As(err, &ruleErr), errors.As(err, &patchErr):
		return CaseInvalidRule
	case errors.As(err, &transErr):
		return CaseTransition
	case errors.Is(err, store.ErrNotFound), errors.Is(err, lifecycle.ErrNotARule):
		return CaseNotFound
	}
	return CaseError
}

func errorResult(err error) jsonv.Value {
	return jsonv.Object{"error": jsonv.String(err.Error())}
}

func ruleIDs(ms []rules.Matched) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.RuleID)
	}
	return out
}

func conflictPaths(cs []policy.Conflict) jsonv.Array {
	out := jsonv.Array{}
	for _, c := range cs {
		out = append(out, jsonv.Object{
			"path":     jsonv.String(c.Path),
			"reason":   jsonv.String(c.Reason),
			"winner":   jsonv.String(c.Winner),
			"previous": jsonv.String(c.Previous),
		})
	}
	return out
}
