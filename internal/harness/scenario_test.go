package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "one write"
flow:
  - invoke: memory.write
    args:
      nodes: [{type: note, title: hello}]
assertions:
  - type: trace_count
    action: memory.write
    count: 1
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	assert.Equal(t, DefaultScope, scenario.Scope)
	require.Len(t, scenario.Flow, 1)
	assert.Equal(t, ActionWrite, scenario.Flow[0].Invoke)
	assert.Len(t, scenario.Assertions, 1)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read scenario")
}

func TestLoadScenario_Fixtures(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			require.NoError(t, err)
		})
	}
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing name",
			yaml: `
description: d
flow: [{invoke: outbox.tick}]
assertions: [{type: ledger_verified}]
`,
			wantErr: "name is missing",
		},
		{
			name: "missing description",
			yaml: `
name: n
flow: [{invoke: outbox.tick}]
assertions: [{type: ledger_verified}]
`,
			wantErr: "description is missing",
		},
		{
			name: "empty flow",
			yaml: `
name: n
description: d
assertions: [{type: ledger_verified}]
`,
			wantErr: "flow has no steps",
		},
		{
			name: "no assertions",
			yaml: `
name: n
description: d
flow: [{invoke: outbox.tick}]
`,
			wantErr: "no assertions",
		},
		{
			name: "unknown flow action",
			yaml: `
name: n
description: d
flow: [{invoke: tools.pick}]
assertions: [{type: ledger_verified}]
`,
			wantErr: `flow[0]: unknown action "tools.pick"`,
		},
		{
			name: "unknown setup action",
			yaml: `
name: n
description: d
setup: [{action: rules.drop}]
flow: [{invoke: outbox.tick}]
assertions: [{type: ledger_verified}]
`,
			wantErr: `setup[0]: unknown action "rules.drop"`,
		},
		{
			name: "expect without case",
			yaml: `
name: n
description: d
flow: [{invoke: outbox.tick, expect: {result: {claimed: 0}}}]
assertions: [{type: ledger_verified}]
`,
			wantErr: "flow[0]: expect without a case",
		},
		{
			name: "unknown field",
			yaml: `
name: n
description: d
flow: [{invoke: outbox.tick}]
assertion: [{type: ledger_verified}]
`,
			wantErr: "decode scenario",
		},
		{
			name: "unknown assertion type",
			yaml: `
name: n
description: d
flow: [{invoke: outbox.tick}]
assertions: [{type: trace_missing}]
`,
			wantErr: `assertions[0]: unknown type "trace_missing"`,
		},
		{
			name: "trace_contains without action",
			yaml: `
name: n
description: d
flow: [{invoke: outbox.tick}]
assertions: [{type: trace_contains}]
`,
			wantErr: "assertions[0] (trace_contains): action is missing",
		},
		{
			name: "trace_order without actions",
			yaml: `
name: n
description: d
flow: [{invoke: outbox.tick}]
assertions: [{type: trace_order}]
`,
			wantErr: "actions must list at least one action",
		},
		{
			name: "final_state without expect",
			yaml: `
name: n
description: d
flow: [{invoke: outbox.tick}]
assertions: [{type: final_state, table: rule_defs}]
`,
			wantErr: "expect must name at least one column",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScenario_KeepsScope(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: n
description: d
scope: team-a
flow: [{invoke: outbox.tick}]
assertions: [{type: ledger_verified}]
`))
	require.NoError(t, err)
	assert.Equal(t, "team-a", scenario.Scope)
}
