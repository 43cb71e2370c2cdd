package harness

import "github.com/Cognary/Aionis-sub002/internal/jsonv"

// Trace event types.
const (
	EventInvocation = "invocation"
	EventCompletion = "completion"
)

// TraceEvent records an action being invoked or completing. Seq numbers
// every event of a run from 1.
type TraceEvent struct {
	Type       string      `json:"type"`
	Action     string      `json:"action"`
	Args       jsonv.Value `json:"args,omitempty"`
	OutputCase string      `json:"output_case,omitempty"`
	Result     jsonv.Value `json:"result,omitempty"`
	Seq        int64       `json:"seq"`
}

// Result is what Run reports for a scenario.
type Result struct {
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult returns an empty result that passes until an error is added.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure.
func (r *Result) AddError(msg string) {
	r.Pass = false
	r.Errors = append(r.Errors, msg)
}

func (r *Result) addInvocation(action string, args jsonv.Value, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{Type: EventInvocation, Action: action, Args: args, Seq: seq})
}

func (r *Result) addCompletion(action, outputCase string, result jsonv.Value, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{Type: EventCompletion, Action: action, OutputCase: outputCase, Result: result, Seq: seq})
}
