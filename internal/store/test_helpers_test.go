package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new SQLite store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// inTx runs fn in a transaction and fails the test on error.
func inTx(t *testing.T, s *Store, fn func(tx *Tx) error) {
	t.Helper()
	if err := s.InTx(context.Background(), fn); err != nil {
		t.Fatalf("InTx() failed: %v", err)
	}
}

// createTestNode creates a shared hot node with minimal required fields.
func createTestNode(id, scope, commitID string) Node {
	return Node{
		ID:          id,
		Scope:       scope,
		Type:        "event",
		Title:       "title " + id,
		TextSummary: "summary " + id,
		CommitID:    commitID,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
}

// createTestJob creates an embed_nodes job with the given key.
func createTestJob(scope, eventType, key string) OutboxJob {
	return OutboxJob{
		Scope:     scope,
		EventType: eventType,
		JobKey:    key,
		Payload:   `{"node_ids":["n1"]}`,
		CreatedAt: testNow,
	}
}
