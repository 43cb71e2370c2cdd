package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Cognary/Aionis-sub002/internal/store"
)

// Result is what a handler reports for a job it finished without error.
type Result struct {
	// Fatal marks input that can never succeed. The job is force-published
	// with FatalReason as its error marker instead of being retried.
	Fatal       bool
	FatalReason string

	// Chained lists downstream jobs enqueued by the handler in the job's
	// transaction.
	Chained []Enqueued
}

// Handler processes one claimed job inside the job's transaction.
//
// A returned error is retryable: the transaction rolls back, the error is
// recorded on the row and the job is claimable again once its attempt
// budget allows. Unrecoverable input must be reported as Result.Fatal.
type Handler interface {
	Handle(ctx context.Context, tx *store.Tx, job store.OutboxJob) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tx *store.Tx, job store.OutboxJob) (Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, tx *store.Tx, job store.OutboxJob) (Result, error) {
	return f(ctx, tx, job)
}

// FailureRecorder is implemented by handlers that keep their own
// bookkeeping for retryable failures (for example per-node attempt
// counters). It runs in the failure transaction, after the job's own
// transaction has rolled back.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, tx *store.Tx, job store.OutboxJob, cause error) error
}

// Registry maps event types to handlers.
//
// Thread-safety: safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds h to eventType, replacing any previous handler.
func (r *Registry) Register(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = h
}

// Lookup returns the handler for eventType.
func (r *Registry) Lookup(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

// EventTypes returns the registered event types, sorted.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// UnhandledError reports a claimed job whose event type has no handler.
// It is retryable so that a deploy adding the handler picks the job up.
type UnhandledError struct {
	EventType string
}

func (e *UnhandledError) Error() string {
	return fmt.Sprintf("no handler registered for event type %q", e.EventType)
}
