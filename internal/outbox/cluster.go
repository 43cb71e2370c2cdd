package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/store"
)

// Clusterer assigns embedded nodes to topics. The similarity algorithm
// lives behind this interface; the kernel only owns the queue integration.
type Clusterer interface {
	Cluster(ctx context.Context, tx *store.Tx, scope string, nodes []store.Node) error
}

// ClustererFunc adapts a function to Clusterer.
type ClustererFunc func(ctx context.Context, tx *store.Tx, scope string, nodes []store.Node) error

// Cluster calls f.
func (f ClustererFunc) Cluster(ctx context.Context, tx *store.Tx, scope string, nodes []store.Node) error {
	return f(ctx, tx, scope, nodes)
}

// NopClusterer accepts every batch without doing anything.
type NopClusterer struct{}

// Cluster does nothing.
func (NopClusterer) Cluster(context.Context, *store.Tx, string, []store.Node) error { return nil }

// TopicClusterPayload builds the payload of a topic_cluster job.
func TopicClusterPayload(nodeIDs []string) jsonv.Object {
	return jsonv.Object{"node_ids": jsonv.StringArray(nodeIDs)}
}

// TopicClusterHandler handles topic_cluster jobs.
type TopicClusterHandler struct {
	Clusterer Clusterer
	Logger    *slog.Logger
}

// Handle loads the job's nodes and hands the ready ones to the clusterer.
// A job whose nodes are all gone or not embedded is fatal: retrying cannot
// produce vectors.
func (h *TopicClusterHandler) Handle(ctx context.Context, tx *store.Tx, job store.OutboxJob) (Result, error) {
	payload, err := Payload(job)
	if err != nil {
		return Result{Fatal: true, FatalReason: "invalid_payload"}, nil
	}
	nodeIDs := jsonv.Strings(payload["node_ids"])
	if len(nodeIDs) == 0 {
		return Result{Fatal: true, FatalReason: "no_node_ids"}, nil
	}

	nodes, err := tx.GetNodes(ctx, job.Scope, nodeIDs)
	if err != nil {
		return Result{}, err
	}
	ready := nodes[:0]
	for _, n := range nodes {
		if n.EmbeddingStatus == store.EmbeddingReady {
			ready = append(ready, n)
		}
	}
	if len(ready) == 0 {
		return Result{Fatal: true, FatalReason: "no_ready_nodes"}, nil
	}

	c := h.Clusterer
	if c == nil {
		c = NopClusterer{}
	}
	if err := c.Cluster(ctx, tx, job.Scope, ready); err != nil {
		return Result{}, fmt.Errorf("cluster %d nodes: %w", len(ready), err)
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("topic cluster job done", "job_id", job.ID, "scope", job.Scope, "nodes", len(ready))
	return Result{}, nil
}
