// Package ledger appends and verifies the per-scope commit chain.
//
// Every mutating kernel operation appends exactly one commit. A commit's
// hash covers its parent's hash, so the scope's history forms a singly
// linked, tamper-evident chain that can be re-verified from the root.
//
// Hash construction:
//
//	input_sha256 = SHA256(prepared input text)          or caller-supplied
//	diff_sha256  = SHA256(domain "aionis/diff/v1" || 0x00 || canonical(diff))
//	commit_hash  = SHA256(domain "aionis/commit/v1" || 0x00 ||
//	               lp(parent_hash) || lp(input_sha256) || lp(diff_sha256) ||
//	               lp(scope) || lp(actor) || lp(kind))
//
// where lp(x) is x prefixed with its uvarint byte length, so field
// boundaries are unambiguous.
package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Cognary/Aionis-sub002/internal/clock"
	"github.com/Cognary/Aionis-sub002/internal/ids"
	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/store"
	"github.com/Cognary/Aionis-sub002/internal/textnorm"
)

// DomainCommit separates commit hashes from every other hash in the kernel.
const DomainCommit = "aionis/commit/v1"

// Commit kinds appended by the kernel.
const (
	KindWrite          = "write"
	KindRuleTransition = "rule_transition"
	KindToolsDecision  = "tools_decision"
	KindFeedback       = "rule_feedback"
	KindRuleLoad       = "rule_load"
)

// InputSHA256 hashes the prepared form of text (NFC, folded whitespace and,
// when redact is set, PII placeholders).
func InputSHA256(text string, redact bool) string {
	return jsonv.SHA256Hex([]byte(textnorm.Prepare(text, redact)))
}

// DiffSHA256 hashes the canonical serialization of diff. Object key order
// never affects the result.
func DiffSHA256(diff jsonv.Value) (string, error) {
	if diff == nil {
		diff = jsonv.Object{}
	}
	return jsonv.Hash(jsonv.DomainDiff, diff)
}

// CommitHash is the pure chain-link hash of one commit.
func CommitHash(parentHash, inputSHA, diffSHA, scope, actor, kind string) string {
	var buf []byte
	for _, field := range []string{parentHash, inputSHA, diffSHA, scope, actor, kind} {
		buf = binary.AppendUvarint(buf, uint64(len(field)))
		buf = append(buf, field...)
	}
	return jsonv.HashWithDomain(DomainCommit, buf)
}

// AppendInput describes one commit to append.
type AppendInput struct {
	Scope string
	Actor string
	Kind  string

	// Input is the free text the mutation was derived from. Ignored when
	// InputSHA256 is supplied.
	Input       string
	InputSHA256 string

	// Diff is the structured change; nil is treated as an empty object.
	Diff jsonv.Value
}

// Ledger appends commits and verifies chains.
//
// Thread-safety: Ledger holds no mutable state. Serialization of appends
// within a scope is delegated to the store (advisory lock on Postgres,
// single writer on SQLite).
type Ledger struct {
	store  *store.Store
	ids    ids.Generator
	clock  clock.Clock
	redact bool
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIDs overrides the commit id generator.
func WithIDs(g ids.Generator) Option {
	return func(l *Ledger) { l.ids = g }
}

// WithClock overrides the clock used for created_at.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithRedaction enables PII redaction before hashing input text.
func WithRedaction(redact bool) Option {
	return func(l *Ledger) { l.redact = redact }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a Ledger over st.
func New(st *store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  st,
		ids:    ids.UUIDv7{},
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append links a new commit onto the scope's chain inside tx. The parent is
// the latest commit in scope at call time. If an identical commit over the
// same parent already exists the stored commit is returned unchanged apart
// from its diff payload.
func (l *Ledger) Append(ctx context.Context, tx *store.Tx, in AppendInput) (store.Commit, error) {
	if in.Scope == "" || in.Actor == "" || in.Kind == "" {
		return store.Commit{}, fmt.Errorf("append commit: scope, actor and kind are required")
	}
	diff := in.Diff
	if diff == nil {
		diff = jsonv.Object{}
	}

	if err := tx.LockScope(ctx, in.Scope); err != nil {
		return store.Commit{}, fmt.Errorf("append commit: %w", err)
	}

	var parentID, parentHash string
	parent, err := tx.LatestCommit(ctx, in.Scope)
	switch {
	case err == nil:
		parentID, parentHash = parent.ID, parent.CommitHash
	case errors.Is(err, store.ErrNotFound):
	default:
		return store.Commit{}, fmt.Errorf("append commit: %w", err)
	}

	inputSHA := in.InputSHA256
	if inputSHA == "" {
		inputSHA = InputSHA256(in.Input, l.redact)
	}
	diffSHA, err := DiffSHA256(diff)
	if err != nil {
		return store.Commit{}, fmt.Errorf("append commit: %w", err)
	}
	diffJSON, err := jsonv.MarshalCanonical(diff)
	if err != nil {
		return store.Commit{}, fmt.Errorf("append commit: encode diff: %w", err)
	}

	c := store.Commit{
		ID:          l.ids.New(),
		Scope:       in.Scope,
		ParentID:    parentID,
		ParentHash:  parentHash,
		InputSHA256: inputSHA,
		DiffSHA256:  diffSHA,
		DiffJSON:    string(diffJSON),
		Actor:       in.Actor,
		Kind:        in.Kind,
		CommitHash:  CommitHash(parentHash, inputSHA, diffSHA, in.Scope, in.Actor, in.Kind),
		CreatedAt:   l.clock.Now(),
	}

	id, inserted, err := tx.InsertCommit(ctx, c)
	if err != nil {
		return store.Commit{}, fmt.Errorf("append commit: %w", err)
	}
	if !inserted {
		l.logger.Debug("commit already present", "scope", in.Scope, "commit_hash", c.CommitHash, "id", id)
		return tx.GetCommit(ctx, id)
	}

	l.logger.Debug("commit appended", "scope", in.Scope, "kind", in.Kind, "id", id, "commit_hash", c.CommitHash)
	return c, nil
}

// VerifyReport describes the outcome of a chain verification.
type VerifyReport struct {
	Scope    string `json:"scope"`
	Commits  int    `json:"commits"`
	OK       bool   `json:"ok"`
	BrokenAt string `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
	HeadHash string `json:"head_hash,omitempty"`
}

// Verify recomputes every hash in the scope's chain from the root and
// reports the first broken link.
func (l *Ledger) Verify(ctx context.Context, scope string) (VerifyReport, error) {
	report := VerifyReport{Scope: scope, OK: true}

	var commits []store.Commit
	err := l.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		commits, err = tx.ListCommits(ctx, scope)
		return err
	})
	if err != nil {
		return VerifyReport{}, fmt.Errorf("verify %s: %w", scope, err)
	}

	report.Commits = len(commits)
	var prev store.Commit
	for i, c := range commits {
		if reason := checkLink(c, prev, i == 0); reason != "" {
			report.OK = false
			report.BrokenAt = c.ID
			report.Reason = reason
			l.logger.Warn("commit chain broken", "scope", scope, "commit", c.ID, "reason", reason)
			return report, nil
		}
		prev = c
	}
	if len(commits) > 0 {
		report.HeadHash = prev.CommitHash
	}
	return report, nil
}

func checkLink(c, prev store.Commit, root bool) string {
	if root {
		if c.ParentID != "" || c.ParentHash != "" {
			return "root commit has a parent"
		}
	} else {
		if c.ParentID != prev.ID {
			return fmt.Sprintf("parent_id %q does not match previous commit %q", c.ParentID, prev.ID)
		}
		if c.ParentHash != prev.CommitHash {
			return "parent_hash does not match previous commit_hash"
		}
	}

	diff, err := jsonv.Parse([]byte(c.DiffJSON))
	if err != nil {
		return "diff_json is not valid JSON"
	}
	diffSHA, err := DiffSHA256(diff)
	if err != nil {
		return "diff_json cannot be canonicalized"
	}
	if diffSHA != c.DiffSHA256 {
		return "diff_sha256 does not match diff_json"
	}
	if want := CommitHash(c.ParentHash, c.InputSHA256, c.DiffSHA256, c.Scope, c.Actor, c.Kind); want != c.CommitHash {
		return "commit_hash does not match recomputed hash"
	}
	return ""
}
