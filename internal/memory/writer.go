// Package memory is the write path: one commit, its nodes and edges, the
// draft defs of rule nodes and the embed_nodes job, all in one
// transaction.
package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Cognary/Aionis-sub002/internal/clock"
	"github.com/Cognary/Aionis-sub002/internal/embedding"
	"github.com/Cognary/Aionis-sub002/internal/ids"
	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/ledger"
	"github.com/Cognary/Aionis-sub002/internal/lifecycle"
	"github.com/Cognary/Aionis-sub002/internal/outbox"
	"github.com/Cognary/Aionis-sub002/internal/store"
)

// Edge defaults applied when a write omits a field. They match the
// column defaults of the edges table.
const (
	DefaultEdgeWeight     = 1.0
	DefaultEdgeConfidence = 1.0
	DefaultEdgeDecayRate  = 0.01
)

// NodeInput is one node to write. An empty ID is generated.
type NodeInput struct {
	ID           string       `json:"id,omitempty"`
	Type         string       `json:"type"`
	Tier         string       `json:"tier,omitempty"`
	MemoryLane   string       `json:"memory_lane,omitempty"`
	OwnerAgentID string       `json:"owner_agent_id,omitempty"`
	OwnerTeamID  string       `json:"owner_team_id,omitempty"`
	Title        string       `json:"title,omitempty"`
	TextSummary  string       `json:"text_summary,omitempty"`
	Slots        jsonv.Object `json:"slots,omitempty"`
}

// EdgeInput is one edge to assert. A nil Weight, Confidence or DecayRate
// takes the default; an explicit zero is kept.
type EdgeInput struct {
	Type       string   `json:"type"`
	SrcID      string   `json:"src_id"`
	DstID      string   `json:"dst_id"`
	Weight     *float64 `json:"weight,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	DecayRate  *float64 `json:"decay_rate,omitempty"`
}

// WriteRequest is one mutation of a scope's memory graph.
type WriteRequest struct {
	Scope string `json:"scope"`
	Actor string `json:"actor"`
	// Input is the free text the write was derived from; it is hashed
	// into the commit.
	Input string      `json:"input,omitempty"`
	Nodes []NodeInput `json:"nodes"`
	Edges []EdgeInput `json:"edges,omitempty"`
	// AutoEmbed overrides the writer default for enqueueing embed_nodes.
	AutoEmbed *bool `json:"auto_embed,omitempty"`
	// TriggerCluster is passed through to the embed job.
	TriggerCluster *bool `json:"trigger_cluster,omitempty"`
	ForceReembed   bool  `json:"force_reembed,omitempty"`
	// Kind is the commit kind; empty means ledger.KindWrite.
	Kind string `json:"-"`
}

// WriteResult reports what a write produced.
type WriteResult struct {
	Commit       store.Commit     `json:"-"`
	CommitID     string           `json:"commit_id"`
	CommitHash   string           `json:"commit_hash"`
	NodeIDs      []string         `json:"node_ids"`
	RuleDefs     []string         `json:"rule_defs_created"`
	EmbedJob     *outbox.Enqueued `json:"embed_job,omitempty"`
	EdgesWritten int              `json:"edges_written"`
}

// Notifier is woken after a write enqueues work.
type Notifier interface {
	Notify()
}

// ValidationError rejects a write before anything is stored.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid write: %s: %s", e.Field, e.Message)
}

// Writer performs writes.
type Writer struct {
	store     *store.Store
	ledger    *ledger.Ledger
	ids       ids.Generator
	clock     clock.Clock
	logger    *slog.Logger
	notifier  Notifier
	autoEmbed bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithIDs overrides the node and edge id generator.
func WithIDs(g ids.Generator) Option {
	return func(w *Writer) { w.ids = g }
}

// WithClock overrides the clock.
func WithClock(c clock.Clock) Option {
	return func(w *Writer) { w.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// WithNotifier wakes n after every write that enqueued a new job.
func WithNotifier(n Notifier) Option {
	return func(w *Writer) { w.notifier = n }
}

// WithAutoEmbed sets whether writes enqueue embed_nodes by default.
func WithAutoEmbed(on bool) Option {
	return func(w *Writer) { w.autoEmbed = on }
}

// NewWriter creates a Writer. Auto-embedding is on by default.
func NewWriter(st *store.Store, led *ledger.Ledger, opts ...Option) *Writer {
	w := &Writer{
		store:     st,
		ledger:    led,
		ids:       ids.UUIDv7{},
		clock:     clock.System{},
		logger:    slog.Default(),
		autoEmbed: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write validates req and applies it in one transaction. Nothing is
// stored if any step fails.
func (w *Writer) Write(ctx context.Context, req WriteRequest) (WriteResult, error) {
	nodes, err := w.prepareNodes(req)
	if err != nil {
		return WriteResult{}, err
	}

	var res WriteResult
	err = w.store.InTx(ctx, func(tx *store.Tx) error {
		if err := checkEdgeEndpoints(ctx, tx, req.Scope, nodes, req.Edges); err != nil {
			return err
		}

		kind := req.Kind
		if kind == "" {
			kind = ledger.KindWrite
		}
		c, err := w.ledger.Append(ctx, tx, ledger.AppendInput{
			Scope: req.Scope,
			Actor: req.Actor,
			Kind:  kind,
			Input: req.Input,
			Diff:  writeDiff(nodes, req.Edges),
		})
		if err != nil {
			return err
		}
		res.Commit, res.CommitID, res.CommitHash = c, c.ID, c.CommitHash
		now := w.clock.Now()

		res.NodeIDs = make([]string, 0, len(nodes))
		res.RuleDefs = []string{}
		for _, n := range nodes {
			n.CommitID, n.CreatedAt, n.UpdatedAt = c.ID, now, now
			if err := tx.UpsertNode(ctx, n); err != nil {
				return err
			}
			res.NodeIDs = append(res.NodeIDs, n.ID)

			if n.Type != lifecycle.NodeTypeRule {
				continue
			}
			def, created, err := lifecycle.SyncDef(ctx, tx, n, now)
			if err != nil {
				return err
			}
			if created {
				res.RuleDefs = append(res.RuleDefs, n.ID)
				continue
			}
			// An enabled rule is rewritten in place and must stay valid.
			if lifecycle.Enabled(def.State) {
				if err := lifecycle.Validate(def, n); err != nil {
					return err
				}
			}
		}

		for _, e := range req.Edges {
			if err := tx.UpsertEdge(ctx, w.edge(req.Scope, c.ID, e), now); err != nil {
				return err
			}
			res.EdgesWritten++
		}

		if !w.embedEnabled(req) || len(nodes) == 0 {
			return nil
		}
		jobNodes := make([]embedding.JobNode, len(nodes))
		for i, n := range nodes {
			text := n.TextSummary
			if text == "" {
				text = n.Title
			}
			jobNodes[i] = embedding.JobNode{ID: n.ID, Text: text}
		}
		payload := embedding.BuildPayload(embedding.JobPayload{
			Nodes:          jobNodes,
			ForceReembed:   req.ForceReembed,
			TriggerCluster: req.TriggerCluster,
		})
		job, err := outbox.Enqueue(ctx, tx, req.Scope, outbox.EventEmbedNodes, c.ID, payload, now)
		if err != nil {
			return err
		}
		res.EmbedJob = &job
		return nil
	})
	if err != nil {
		return WriteResult{}, fmt.Errorf("write: %w", err)
	}

	w.logger.Info("memory written",
		"scope", req.Scope,
		"commit_id", res.CommitID,
		"nodes", len(res.NodeIDs),
		"edges", res.EdgesWritten,
		"rule_defs", len(res.RuleDefs),
	)
	if res.EmbedJob != nil && res.EmbedJob.Inserted && w.notifier != nil {
		w.notifier.Notify()
	}
	return res, nil
}

func (w *Writer) embedEnabled(req WriteRequest) bool {
	if req.AutoEmbed != nil {
		return *req.AutoEmbed
	}
	return w.autoEmbed
}

// prepareNodes validates the request and converts its nodes, generating
// missing ids.
func (w *Writer) prepareNodes(req WriteRequest) ([]store.Node, error) {
	if req.Scope == "" {
		return nil, &ValidationError{Field: "scope", Message: "required"}
	}
	if req.Actor == "" {
		return nil, &ValidationError{Field: "actor", Message: "required"}
	}

	seen := make(map[string]bool, len(req.Nodes))
	nodes := make([]store.Node, 0, len(req.Nodes))
	for i, in := range req.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if in.Type == "" {
			return nil, &ValidationError{Field: field + ".type", Message: "required"}
		}
		switch in.MemoryLane {
		case "", store.LaneShared:
		case store.LanePrivate:
			if in.OwnerAgentID == "" && in.OwnerTeamID == "" {
				return nil, &ValidationError{Field: field + ".memory_lane", Message: "private node needs an owner agent or team"}
			}
		default:
			return nil, &ValidationError{Field: field + ".memory_lane", Message: fmt.Sprintf("unknown lane %q", in.MemoryLane)}
		}
		switch in.Tier {
		case "", store.TierHot, store.TierWarm, store.TierCold, store.TierArchive:
		default:
			return nil, &ValidationError{Field: field + ".tier", Message: fmt.Sprintf("unknown tier %q", in.Tier)}
		}

		id := in.ID
		if id == "" {
			id = w.ids.New()
		}
		if seen[id] {
			return nil, &ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate node id %q", id)}
		}
		seen[id] = true

		slots := "{}"
		if in.Slots != nil {
			s, err := jsonv.MarshalString(in.Slots)
			if err != nil {
				return nil, &ValidationError{Field: field + ".slots", Message: err.Error()}
			}
			slots = s
		}
		nodes = append(nodes, store.Node{
			ID:              id,
			Scope:           req.Scope,
			Type:            in.Type,
			Tier:            in.Tier,
			MemoryLane:      in.MemoryLane,
			OwnerAgentID:    in.OwnerAgentID,
			OwnerTeamID:     in.OwnerTeamID,
			Title:           in.Title,
			TextSummary:     in.TextSummary,
			SlotsJSON:       slots,
			EmbeddingStatus: store.EmbeddingPending,
		})
	}

	for i, e := range req.Edges {
		field := fmt.Sprintf("edges[%d]", i)
		switch {
		case e.Type == "":
			return nil, &ValidationError{Field: field + ".type", Message: "required"}
		case e.SrcID == "" || e.DstID == "":
			return nil, &ValidationError{Field: field, Message: "src_id and dst_id are required"}
		case below(e.Weight, 0) || below(e.Confidence, 0) || orDefault(e.Confidence, 0) > 1 || below(e.DecayRate, 0):
			return nil, &ValidationError{Field: field, Message: "weight and decay_rate must be >= 0, confidence in [0, 1]"}
		}
	}
	return nodes, nil
}

// checkEdgeEndpoints requires every endpoint to be written by this request
// or to exist already in scope.
func checkEdgeEndpoints(ctx context.Context, tx *store.Tx, scope string, nodes []store.Node, edges []EdgeInput) error {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n.ID] = true
	}
	var lookup []string
	for _, e := range edges {
		for _, id := range []string{e.SrcID, e.DstID} {
			if !known[id] {
				lookup = append(lookup, id)
			}
		}
	}
	if len(lookup) == 0 {
		return nil
	}
	existing, err := tx.GetNodes(ctx, scope, lookup)
	if err != nil {
		return err
	}
	for _, n := range existing {
		known[n.ID] = true
	}
	for i, e := range edges {
		for _, id := range []string{e.SrcID, e.DstID} {
			if !known[id] {
				return &ValidationError{Field: fmt.Sprintf("edges[%d]", i), Message: fmt.Sprintf("unknown node %q in scope %q", id, scope)}
			}
		}
	}
	return nil
}

func (w *Writer) edge(scope, commitID string, e EdgeInput) store.Edge {
	return store.Edge{
		ID:         w.ids.New(),
		Scope:      scope,
		Type:       e.Type,
		SrcID:      e.SrcID,
		DstID:      e.DstID,
		Weight:     orDefault(e.Weight, DefaultEdgeWeight),
		Confidence: orDefault(e.Confidence, DefaultEdgeConfidence),
		DecayRate:  orDefault(e.DecayRate, DefaultEdgeDecayRate),
		CommitID:   commitID,
	}
}

func orDefault(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func below(p *float64, floor float64) bool {
	return p != nil && *p < floor
}

// writeDiff is the structural change recorded in the commit.
func writeDiff(nodes []store.Node, edges []EdgeInput) jsonv.Object {
	ns := make(jsonv.Array, len(nodes))
	for i, n := range nodes {
		ns[i] = jsonv.Object{
			"id":    jsonv.String(n.ID),
			"type":  jsonv.String(n.Type),
			"title": jsonv.String(n.Title),
		}
	}
	es := make(jsonv.Array, len(edges))
	for i, e := range edges {
		es[i] = jsonv.Object{
			"type": jsonv.String(e.Type),
			"src":  jsonv.String(e.SrcID),
			"dst":  jsonv.String(e.DstID),
		}
	}
	return jsonv.Object{"nodes": ns, "edges": es}
}
