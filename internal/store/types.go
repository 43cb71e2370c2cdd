package store

import (
	"database/sql"
	"time"
)

// Node embedding states.
const (
	EmbeddingPending = "pending"
	EmbeddingReady   = "ready"
	EmbeddingFailed  = "failed"
)

// Node tiers.
const (
	TierHot     = "hot"
	TierWarm    = "warm"
	TierCold    = "cold"
	TierArchive = "archive"
)

// Memory lanes.
const (
	LaneShared  = "shared"
	LanePrivate = "private"
)

// Rule lifecycle states.
const (
	RuleDraft    = "draft"
	RuleShadow   = "shadow"
	RuleActive   = "active"
	RuleDisabled = "disabled"
)

// Rule scopes.
const (
	RuleScopeGlobal = "global"
	RuleScopeAgent  = "agent"
	RuleScopeTeam   = "team"
)

// Commit is one link of a scope's hash chain.
type Commit struct {
	Seq         int64
	ID          string
	Scope       string
	ParentID    string // empty for the root commit
	ParentHash  string
	InputSHA256 string
	DiffSHA256  string
	DiffJSON    string
	Actor       string
	Kind        string
	CommitHash  string
	CreatedAt   time.Time
}

// Node is a memory graph node.
type Node struct {
	ID                 string
	Scope              string
	Type               string
	Tier               string
	MemoryLane         string
	OwnerAgentID       string
	OwnerTeamID        string
	Title              string
	TextSummary        string
	SlotsJSON          string
	EmbeddingJSON      string // empty when no vector is stored
	EmbeddingStatus    string
	EmbeddingModel     string
	EmbeddingAttempts  int
	EmbeddingLastError string
	EmbeddingReadyAt   time.Time
	CommitID           string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Edge is a typed, weighted link between two nodes.
type Edge struct {
	ID         string
	Scope      string
	Type       string
	SrcID      string
	DstID      string
	Weight     float64
	Confidence float64
	DecayRate  float64
	CommitID   string
}

// OutboxJob is one row of the derivation queue.
type OutboxJob struct {
	ID          int64
	Scope       string
	CommitID    string
	EventType   string
	JobKey      string
	Payload     string
	Attempts    int
	ClaimedAt   time.Time
	PublishedAt time.Time
	FailedAt    time.Time
	LastError   string
	CreatedAt   time.Time
}

// Status derives the job's state from its timestamps.
func (j OutboxJob) Status(leaseCutoff time.Time) string {
	switch {
	case !j.PublishedAt.IsZero():
		return "published"
	case !j.FailedAt.IsZero():
		return "dead_lettered"
	case !j.ClaimedAt.IsZero() && j.ClaimedAt.After(leaseCutoff):
		return "leased"
	default:
		return "pending"
	}
}

// RuleDef is the stored definition of a rule node.
type RuleDef struct {
	RuleNodeID     string
	Scope          string
	State          string
	RuleScope      string
	TargetAgentID  string
	TargetTeamID   string
	Priority       int
	IfJSON         string
	ThenJSON       string
	ExceptionsJSON string
	PositiveCount  int
	NegativeCount  int
	CommitID       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Decision is a persisted tool-selection outcome.
type Decision struct {
	ID             string
	Scope          string
	DecisionKind   string
	RunID          string
	SelectedTool   string
	CandidatesJSON string
	ContextSHA256  string
	PolicySHA256   string
	SourceRuleIDs  string // JSON array
	MetadataJSON   string
	CommitID       string
	CreatedAt      time.Time
}

// RuleFeedback is an immutable outcome attributed to one rule.
type RuleFeedback struct {
	ID         string
	Scope      string
	RuleNodeID string
	RunID      string
	DecisionID string
	Outcome    string
	Note       string
	CommitID   string
	CreatedAt  time.Time
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(n sql.NullInt64) time.Time {
	if !n.Valid || n.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n.Int64).UTC()
}
