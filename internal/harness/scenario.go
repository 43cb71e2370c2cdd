package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario is one kernel conformance scenario, loaded from YAML.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Scope is the memory scope every action runs in; empty means
	// DefaultScope.
	Scope string `yaml:"scope,omitempty"`

	// Setup runs before Flow. Every setup step must complete ok.
	Setup []ActionStep `yaml:"setup,omitempty"`

	// Flow holds the steps under test.
	Flow []FlowStep `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions"`
}

// DefaultScope is used when a scenario names no scope.
const DefaultScope = "scenario"

// ActionStep is a setup step.
type ActionStep struct {
	Action string         `yaml:"action"`
	Args   map[string]any `yaml:"args"`
}

// FlowStep invokes one action and optionally checks its completion.
type FlowStep struct {
	Invoke string         `yaml:"invoke"`
	Args   map[string]any `yaml:"args"`
	Expect *ExpectClause  `yaml:"expect,omitempty"`
}

// ExpectClause is the completion a flow step must produce.
type ExpectClause struct {
	// Case is "ok" or an error case such as "no_tools_allowed".
	Case string `yaml:"case"`

	// Result must be contained in the completion result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion checks the trace or the final database state. Which fields
// apply depends on Type.
type Assertion struct {
	Type string `yaml:"type"`

	// trace_contains, trace_count
	Action string         `yaml:"action,omitempty"`
	Result map[string]any `yaml:"result,omitempty"`

	// final_state
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the invocation count for trace_count and the commit count
	// for ledger_verified, where zero skips the check.
	Count int `yaml:"count,omitempty"`

	// trace_order
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains  = "trace_contains"
	AssertTraceOrder     = "trace_order"
	AssertTraceCount     = "trace_count"
	AssertFinalState     = "final_state"
	AssertLedgerVerified = "ledger_verified"
)

// Action names.
const (
	ActionWrite    = "memory.write"
	ActionDefine   = "rules.define"
	ActionPromote  = "rules.promote"
	ActionEvaluate = "rules.evaluate"
	ActionSelect   = "tools.select"
	ActionFeedback = "rules.feedback"
	ActionTick     = "outbox.tick"
)

var knownActions = []string{
	ActionWrite, ActionDefine, ActionPromote, ActionEvaluate,
	ActionSelect, ActionFeedback, ActionTick,
}

// assertionRules lists, per assertion type, the checks its fields must
// pass. A type missing from the map is unknown.
var assertionRules = map[string][]func(a *Assertion) error{
	AssertTraceContains: {needAction},
	AssertTraceOrder: {func(a *Assertion) error {
		if len(a.Actions) == 0 {
			return errors.New("actions must list at least one action")
		}
		return nil
	}},
	AssertTraceCount: {needAction, nonNegativeCount},
	AssertFinalState: {func(a *Assertion) error {
		switch {
		case a.Table == "":
			return errors.New("table is missing")
		case len(a.Expect) == 0:
			return errors.New("expect must name at least one column")
		}
		return nil
	}},
	AssertLedgerVerified: {nonNegativeCount},
}

func needAction(a *Assertion) error {
	if a.Action == "" {
		return errors.New("action is missing")
	}
	return nil
}

func nonNegativeCount(a *Assertion) error {
	if a.Count < 0 {
		return fmt.Errorf("count %d is negative", a.Count)
	}
	return nil
}

// LoadScenario reads and parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario decodes scenario YAML. Unknown fields are rejected so a
// misspelt key fails loudly instead of being ignored.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", s.Name, err)
	}
	if s.Scope == "" {
		s.Scope = DefaultScope
	}
	return &s, nil
}

func (s *Scenario) validate() error {
	switch {
	case s.Name == "":
		return errors.New("name is missing")
	case s.Description == "":
		return errors.New("description is missing")
	case len(s.Flow) == 0:
		return errors.New("flow has no steps")
	case len(s.Assertions) == 0:
		return errors.New("no assertions")
	}

	for i, step := range s.Setup {
		if !slices.Contains(knownActions, step.Action) {
			return fmt.Errorf("setup[%d]: unknown action %q", i, step.Action)
		}
	}
	for i, step := range s.Flow {
		if !slices.Contains(knownActions, step.Invoke) {
			return fmt.Errorf("flow[%d]: unknown action %q", i, step.Invoke)
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("flow[%d]: expect without a case", i)
		}
	}
	for i := range s.Assertions {
		a := &s.Assertions[i]
		checks, ok := assertionRules[a.Type]
		if !ok {
			return fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
		}
		for _, check := range checks {
			if err := check(a); err != nil {
				return fmt.Errorf("assertions[%d] (%s): %w", i, a.Type, err)
			}
		}
	}
	return nil
}
