// Package harness runs conformance scenarios against the memory kernel.
//
// A scenario drives the real write path, lifecycle manager, decision
// service and outbox scheduler on a fresh in-memory SQLite store, records
// every action and its outcome as a trace, and checks assertions against
// the trace and the final database state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	scope: demo
//	setup:
//	  - action: rules.define
//	    args: { id: r1, if: { intent: edit }, then: { tool: { prefer: [sed] } }, state: active }
//	flow:
//	  - invoke: tools.select
//	    args: { candidates: [grep, sed], context: { intent: edit } }
//	    expect:
//	      case: ok
//	      result: { selected: sed }
//	assertions:
//	  - type: trace_contains
//	    action: tools.select
//	    result: { selected: sed }
//	  - type: final_state
//	    table: rule_defs
//	    where: { rule_node_id: r1 }
//	    expect: { state: active }
//
// # Actions
//
//   - memory.write: a write request (nodes, edges, actor)
//   - rules.define: write one rule node and move it to args.state
//   - rules.promote: transition args.rule to args.to
//   - rules.evaluate: evaluate rules for args.context
//   - tools.select: select among args.candidates for args.context
//   - rules.feedback: record args.outcome for args.context; decision_id
//     "$last" refers to the latest selection
//   - outbox.tick: process one outbox batch
//
// A completion's case is "ok" or the code of the error the action
// returned (no_tools_allowed, invalid_input, invalid_rule, transition,
// not_found, error).
//
// # Assertion Types
//
//   - trace_contains: an action appears with a matching result (subset)
//   - trace_order: actions appear in the given order
//   - trace_count: an action appears exactly N times
//   - final_state: one row of a table matches expected column values
//   - ledger_verified: the scope's commit chain verifies, optionally with
//     exactly count commits
//
// # Deterministic Testing
//
// Ids come from per-kind sequences and time from a manual clock, so a
// scenario produces the same ids, hashes and trace on every run. Traces
// are compared against golden files with RunWithGolden.
package harness
