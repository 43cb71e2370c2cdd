package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/store"
)

// Event types with a fixed claim priority. Anything else sorts after them.
const (
	EventEmbedNodes   = "embed_nodes"
	EventTopicCluster = "topic_cluster"
)

// JobKey is the dedup hash of a logical job: scope, event type and the
// canonical payload. Payload key order never changes the key.
func JobKey(scope, eventType string, payload jsonv.Value) (string, error) {
	if payload == nil {
		payload = jsonv.Object{}
	}
	return jsonv.Hash(jsonv.DomainJobKey, jsonv.Object{
		"scope":      jsonv.String(scope),
		"event_type": jsonv.String(eventType),
		"payload":    payload,
	})
}

// Enqueued describes the outcome of Enqueue.
type Enqueued struct {
	ID        int64  `json:"id"`
	EventType string `json:"event_type"`
	JobKey    string `json:"job_key"`
	Inserted  bool   `json:"inserted"`
}

// Enqueue adds a job inside tx. Re-enqueuing the same logical job is a
// no-op that returns the existing row id with Inserted=false.
func Enqueue(ctx context.Context, tx *store.Tx, scope, eventType, commitID string, payload jsonv.Value, at time.Time) (Enqueued, error) {
	if scope == "" || eventType == "" {
		return Enqueued{}, fmt.Errorf("enqueue: scope and event type are required")
	}
	if payload == nil {
		payload = jsonv.Object{}
	}
	key, err := JobKey(scope, eventType, payload)
	if err != nil {
		return Enqueued{}, fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	body, err := jsonv.MarshalCanonical(payload)
	if err != nil {
		return Enqueued{}, fmt.Errorf("enqueue %s: encode payload: %w", eventType, err)
	}

	id, inserted, err := tx.InsertOutboxJob(ctx, store.OutboxJob{
		Scope:     scope,
		CommitID:  commitID,
		EventType: eventType,
		JobKey:    key,
		Payload:   string(body),
		CreatedAt: at,
	})
	if err != nil {
		return Enqueued{}, fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return Enqueued{ID: id, EventType: eventType, JobKey: key, Inserted: inserted}, nil
}

// Payload decodes a job's stored payload.
func Payload(job store.OutboxJob) (jsonv.Object, error) {
	v, err := jsonv.Parse([]byte(job.Payload))
	if err != nil {
		return nil, fmt.Errorf("job %d: decode payload: %w", job.ID, err)
	}
	obj, ok := v.(jsonv.Object)
	if !ok {
		return nil, fmt.Errorf("job %d: payload is %s, want object", job.ID, jsonv.Kind(v))
	}
	return obj, nil
}
