package rules

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/dgraph-io/ristretto"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/store"
)

// Cache sizing. Each compiled pattern costs 1, so MaxCost bounds the
// number of cached patterns.
const (
	defaultCacheEntries = 10_000
	cacheCounters       = defaultCacheEntries * 10
)

// Engine evaluates stored rule definitions against execution contexts.
// Compiled patterns are cached by content hash, so rules sharing a
// pattern share one compilation. An Engine is safe for concurrent use.
type Engine struct {
	cache  *ristretto.Cache
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for skipped rules.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an Engine with a bounded pattern cache.
func NewEngine(opts ...Option) (*Engine, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheCounters,
		MaxCost:     defaultCacheEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create pattern cache: %w", err)
	}
	e := &Engine{cache: cache, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Close releases the cache.
func (e *Engine) Close() {
	e.cache.Close()
}

// Compile is the cached form of the package-level Compile.
func (e *Engine) Compile(v jsonv.Value) Pattern {
	key, err := jsonv.Hash(jsonv.DomainPattern, normalizePattern(v))
	if err != nil {
		// Unhashable values cannot come from parsed JSON; compile uncached.
		return Compile(v)
	}
	if cached, ok := e.cache.Get(key); ok {
		if p, ok := cached.(Pattern); ok {
			return p
		}
	}
	p := Compile(v)
	e.cache.Set(key, p, 1)
	return p
}

func normalizePattern(v jsonv.Value) jsonv.Value {
	if v == nil {
		return jsonv.Null{}
	}
	return v
}

// EvalOptions controls which rule definitions take part in evaluation.
type EvalOptions struct {
	// IncludeShadow evaluates shadow rules alongside active ones. Shadow
	// matches are reported with Shadow set so callers can keep them out of
	// enforcement.
	IncludeShadow bool
	// AgentID and TeamID select agent- and team-scoped rules. A scoped
	// rule only applies when its target equals the caller's id.
	AgentID string
	TeamID  string
}

// Matched is a rule that matched an execution context.
type Matched struct {
	RuleID   string
	State    string
	Priority int
	// Score is positive_count - negative_count.
	Score  int
	Shadow bool
	Then   jsonv.Value
	Def    store.RuleDef
}

// Evaluate matches defs against ctx and returns the matches ordered by
// priority descending, score descending, then rule id ascending. Rules
// whose stored JSON does not parse are skipped and logged; a bad rule
// never fails the evaluation.
func (e *Engine) Evaluate(defs []store.RuleDef, ctx jsonv.Value, opts EvalOptions) []Matched {
	var out []Matched
	for _, d := range defs {
		if !eligible(d, opts) {
			continue
		}
		ifJSON, exceptions, then, err := parseDef(d)
		if err != nil {
			e.logger.Warn("skipping rule with unparseable definition", "rule_id", d.RuleNodeID, "error", err)
			continue
		}
		if !matchRule(e.Compile, ifJSON, exceptions, ctx) {
			continue
		}
		out = append(out, Matched{
			RuleID:   d.RuleNodeID,
			State:    d.State,
			Priority: d.Priority,
			Score:    d.PositiveCount - d.NegativeCount,
			Shadow:   d.State == store.RuleShadow,
			Then:     then,
			Def:      d,
		})
	}
	SortMatched(out)
	return out
}

// SortMatched orders matches by priority desc, score desc, rule id asc.
func SortMatched(ms []Matched) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.RuleID < b.RuleID
	})
}

func eligible(d store.RuleDef, opts EvalOptions) bool {
	switch d.State {
	case store.RuleActive:
	case store.RuleShadow:
		if !opts.IncludeShadow {
			return false
		}
	default:
		return false
	}
	switch d.RuleScope {
	case store.RuleScopeAgent:
		return opts.AgentID != "" && d.TargetAgentID == opts.AgentID
	case store.RuleScopeTeam:
		return opts.TeamID != "" && d.TargetTeamID == opts.TeamID
	default:
		return true
	}
}

func parseDef(d store.RuleDef) (ifJSON, exceptions, then jsonv.Value, err error) {
	if ifJSON, err = parseOptional(d.IfJSON); err != nil {
		return nil, nil, nil, fmt.Errorf("if_json: %w", err)
	}
	if exceptions, err = parseOptional(d.ExceptionsJSON); err != nil {
		return nil, nil, nil, fmt.Errorf("exceptions_json: %w", err)
	}
	if then, err = parseOptional(d.ThenJSON); err != nil {
		return nil, nil, nil, fmt.Errorf("then_json: %w", err)
	}
	return ifJSON, exceptions, then, nil
}

func parseOptional(s string) (jsonv.Value, error) {
	if s == "" {
		return jsonv.Null{}, nil
	}
	return jsonv.Parse([]byte(s))
}
