package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/Cognary/Aionis-sub002/internal/clock"
	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/outbox"
	"github.com/Cognary/Aionis-sub002/internal/store"
	"github.com/Cognary/Aionis-sub002/internal/textnorm"
)

// Node failure reasons recorded in embedding_last_error.
const (
	ReasonNoEmbedText   = "no_embed_text"
	ReasonProviderFatal = "provider_fatal"
	ReasonBadVector     = "bad_vector"
)

// JobNode is one node to embed.
type JobNode struct {
	ID   string
	Text string
}

// JobPayload is the decoded payload of an embed_nodes job.
type JobPayload struct {
	Nodes        []JobNode
	ForceReembed bool
	// TriggerCluster is nil when the payload does not say; the handler's
	// default applies.
	TriggerCluster *bool
}

// BuildPayload encodes an embed_nodes payload. Nodes are sorted by id so
// the job key does not depend on write order.
func BuildPayload(p JobPayload) jsonv.Object {
	nodes := append([]JobNode(nil), p.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	arr := make(jsonv.Array, len(nodes))
	for i, n := range nodes {
		arr[i] = jsonv.Object{"id": jsonv.String(n.ID), "text": jsonv.String(n.Text)}
	}
	obj := jsonv.Object{"nodes": arr}
	if p.ForceReembed {
		obj["force_reembed"] = jsonv.Bool(true)
	}
	if p.TriggerCluster != nil {
		obj["trigger_cluster"] = jsonv.Bool(*p.TriggerCluster)
	}
	return obj
}

// ParsePayload decodes an embed_nodes payload.
func ParsePayload(obj jsonv.Object) (JobPayload, error) {
	var p JobPayload
	arr, ok := obj["nodes"].(jsonv.Array)
	if !ok {
		return p, errors.New("payload.nodes must be an array")
	}
	for i, e := range arr {
		n, ok := e.(jsonv.Object)
		if !ok {
			return p, fmt.Errorf("payload.nodes[%d] must be an object", i)
		}
		id, ok := n["id"].(jsonv.String)
		if !ok || id == "" {
			return p, fmt.Errorf("payload.nodes[%d].id must be a non-empty string", i)
		}
		text, _ := n["text"].(jsonv.String)
		p.Nodes = append(p.Nodes, JobNode{ID: string(id), Text: string(text)})
	}
	if b, ok := obj["force_reembed"].(jsonv.Bool); ok {
		p.ForceReembed = bool(b)
	}
	if b, ok := obj["trigger_cluster"].(jsonv.Bool); ok {
		v := bool(b)
		p.TriggerCluster = &v
	}
	return p, nil
}

// BackfillHandler handles embed_nodes jobs.
type BackfillHandler struct {
	Provider Provider
	// RedactPII redacts emails, phone numbers and card numbers before text
	// leaves the process.
	RedactPII bool
	// TriggerCluster chains a topic_cluster job after a successful embed,
	// unless the payload overrides it.
	TriggerCluster bool
	Clock          clock.Clock
	Logger         *slog.Logger
}

func (h *BackfillHandler) now() clock.Clock {
	if h.Clock == nil {
		return clock.System{}
	}
	return h.Clock
}

func (h *BackfillHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Handle embeds the job's nodes inside the job transaction.
//
// Nodes already ready are skipped unless force_reembed is set; their old
// vector stays in place until the new one lands. Empty text after
// normalization is a per-node fatal failure. Provider failures are
// classified: fatal ones mark the job's nodes failed (ready nodes stay
// ready) and force-publish the job; retryable ones return an error so the
// job is retried.
func (h *BackfillHandler) Handle(ctx context.Context, tx *store.Tx, job store.OutboxJob) (outbox.Result, error) {
	obj, err := outbox.Payload(job)
	if err != nil {
		return outbox.Result{Fatal: true, FatalReason: "invalid_payload"}, nil
	}
	payload, err := ParsePayload(obj)
	if err != nil {
		return outbox.Result{Fatal: true, FatalReason: "invalid_payload: " + err.Error()}, nil
	}

	ids := make([]string, len(payload.Nodes))
	for i, n := range payload.Nodes {
		ids[i] = n.ID
	}
	stored, err := tx.GetNodes(ctx, job.Scope, ids)
	if err != nil {
		return outbox.Result{}, err
	}
	byID := make(map[string]store.Node, len(stored))
	for _, n := range stored {
		byID[n.ID] = n
	}

	now := h.now().Now()
	var (
		embedIDs   []string
		texts      []string
		readyIDs   []string
		emptyCount int
	)
	for _, jn := range payload.Nodes {
		node, ok := byID[jn.ID]
		if !ok {
			h.logger().Warn("embed job references unknown node", "job_id", job.ID, "node_id", jn.ID)
			continue
		}
		if node.EmbeddingStatus == store.EmbeddingReady && !payload.ForceReembed {
			readyIDs = append(readyIDs, node.ID)
			continue
		}

		text := jn.Text
		if text == "" {
			text = embedText(node)
		}
		text = textnorm.Prepare(text, h.RedactPII)
		if text == "" {
			emptyCount++
			if err := tx.MarkEmbeddingFailed(ctx, job.Scope, node.ID, ReasonNoEmbedText, now); err != nil {
				return outbox.Result{}, err
			}
			if node.EmbeddingStatus == store.EmbeddingReady {
				readyIDs = append(readyIDs, node.ID)
			}
			continue
		}
		embedIDs = append(embedIDs, node.ID)
		texts = append(texts, text)
	}

	if len(texts) == 0 {
		if emptyCount > 0 && len(readyIDs) == 0 {
			return outbox.Result{Fatal: true, FatalReason: ReasonNoEmbedText}, nil
		}
		return h.chain(ctx, tx, job, payload, readyIDs, now)
	}

	vectors, err := h.Provider.Embed(ctx, texts)
	if err == nil {
		err = validateVectors(vectors, len(texts), h.Provider.Dim())
	}
	if err != nil {
		if Classify(err) == Retryable {
			return outbox.Result{}, fmt.Errorf("embed %d nodes: %w", len(texts), err)
		}
		reason := ReasonProviderFatal + ": " + err.Error()
		var ve *VectorError
		if errors.As(err, &ve) {
			reason = ReasonBadVector + ": " + err.Error()
		}
		for _, id := range embedIDs {
			if err := tx.MarkEmbeddingFailed(ctx, job.Scope, id, reason, now); err != nil {
				return outbox.Result{}, err
			}
		}
		return outbox.Result{Fatal: true, FatalReason: reason}, nil
	}

	model := h.Provider.Name()
	for i, id := range embedIDs {
		vec, err := json.Marshal(vectors[i])
		if err != nil {
			return outbox.Result{}, fmt.Errorf("encode vector for %s: %w", id, err)
		}
		if err := tx.MarkEmbeddingReady(ctx, job.Scope, id, string(vec), model, now); err != nil {
			return outbox.Result{}, err
		}
	}
	h.logger().Info("nodes embedded", "job_id", job.ID, "scope", job.Scope, "count", len(embedIDs), "model", model)

	return h.chain(ctx, tx, job, payload, append(readyIDs, embedIDs...), now)
}

// chain enqueues the downstream topic_cluster job for the ready nodes.
func (h *BackfillHandler) chain(ctx context.Context, tx *store.Tx, job store.OutboxJob, p JobPayload, readyIDs []string, now time.Time) (outbox.Result, error) {
	trigger := h.TriggerCluster
	if p.TriggerCluster != nil {
		trigger = *p.TriggerCluster
	}
	if !trigger || len(readyIDs) == 0 {
		return outbox.Result{}, nil
	}

	ids := append([]string(nil), readyIDs...)
	sort.Strings(ids)
	e, err := outbox.Enqueue(ctx, tx, job.Scope, outbox.EventTopicCluster, job.CommitID, outbox.TopicClusterPayload(ids), now)
	if err != nil {
		return outbox.Result{}, err
	}
	return outbox.Result{Chained: []outbox.Enqueued{e}}, nil
}

// RecordFailure counts a retryable failure against every node in the job
// that is not yet ready.
func (h *BackfillHandler) RecordFailure(ctx context.Context, tx *store.Tx, job store.OutboxJob, cause error) error {
	obj, err := outbox.Payload(job)
	if err != nil {
		return nil
	}
	payload, err := ParsePayload(obj)
	if err != nil {
		return nil
	}
	ids := make([]string, len(payload.Nodes))
	for i, n := range payload.Nodes {
		ids[i] = n.ID
	}
	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return tx.RecordEmbeddingRetry(ctx, job.Scope, ids, msg, h.now().Now())
}

// embedText is the text embedded for a node when the job does not carry
// one: the summary, else the title.
func embedText(n store.Node) string {
	if n.TextSummary != "" {
		return n.TextSummary
	}
	return n.Title
}

func validateVectors(vectors [][]float64, n, dim int) error {
	if len(vectors) != n {
		return &VectorError{Index: -1, Reason: fmt.Sprintf("got %d vectors for %d texts", len(vectors), n)}
	}
	for i, v := range vectors {
		if len(v) == 0 || (dim > 0 && len(v) != dim) {
			return &VectorError{Index: i, Reason: fmt.Sprintf("dimension %d, want %d", len(v), dim)}
		}
		for _, x := range v {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return &VectorError{Index: i, Reason: "non-finite component"}
			}
		}
	}
	return nil
}
