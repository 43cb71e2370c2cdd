package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/Cognary/Aionis-sub002/internal/jsonv"
)

const goldenDir = "testdata/golden"

// TraceSnapshot is the golden-file form of a run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// canonical converts the snapshot to a jsonv value so it serializes
// through the canonical encoder.
func (s *TraceSnapshot) canonical() jsonv.Value {
	events := make(jsonv.Array, len(s.Trace))
	for i, event := range s.Trace {
		obj := jsonv.Object{
			"type":   jsonv.String(event.Type),
			"action": jsonv.String(event.Action),
			"seq":    jsonv.Number(event.Seq),
		}
		if event.Args != nil {
			obj["args"] = event.Args
		}
		if event.OutputCase != "" {
			obj["output_case"] = jsonv.String(event.OutputCase)
		}
		if event.Result != nil {
			obj["result"] = event.Result
		}
		events[i] = obj
	}
	return jsonv.Object{
		"scenario_name": jsonv.String(s.ScenarioName),
		"trace":         events,
	}
}

// RunWithGolden runs scenario and compares its trace with
// testdata/golden/<name>.golden. Regenerate with
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	res, err := Run(scenario)
	if err != nil {
		return err
	}
	return AssertGolden(t, scenario.Name, res)
}

// AssertGolden compares an existing result with the golden file for
// scenarioName.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := &TraceSnapshot{ScenarioName: scenarioName, Trace: result.Trace}
	data, err := jsonv.MarshalCanonical(snapshot.canonical())
	if err != nil {
		return err
	}
	goldie.New(t, goldie.WithFixtureDir(goldenDir), goldie.WithNameSuffix(".golden")).
		Assert(t, scenarioName, data)
	return nil
}
