package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Cognary/Aionis-sub002/internal/decision"
	"github.com/Cognary/Aionis-sub002/internal/jsonv"
	"github.com/Cognary/Aionis-sub002/internal/memory"
	"github.com/Cognary/Aionis-sub002/internal/policy"
	"github.com/Cognary/Aionis-sub002/internal/rules"
	"github.com/Cognary/Aionis-sub002/internal/toolpolicy"
)

// Defaults shared by commands that act on a scope.
const (
	defaultScope = "default"
	defaultActor = "cli"
)

// WriteOptions holds flags for the write command.
type WriteOptions struct {
	*RootOptions
	Input string
	Scope string
	Actor string
}

// NewWriteCommand creates the write command.
func NewWriteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "write [file]",
		Short: "Write nodes and edges as one commit",
		Long: `Write a batch of nodes and edges as one commit.

The request is a JSON object with "nodes" and optional "edges", read from
the given file or from stdin when the file is "-" or omitted. Scope and
actor in the file win over the flags.`,
		Example: `  aionis write memories.json
  echo '{"nodes":[{"type":"note","title":"hi"}]}' | aionis write --scope team-a`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Input = args[0]
			}
			return runWrite(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Scope, "scope", defaultScope, "memory scope")
	cmd.Flags().StringVar(&opts.Actor, "actor", defaultActor, "actor recorded on the commit")

	return cmd
}

func runWrite(cmd *cobra.Command, opts *WriteOptions) error {
	f := opts.formatter(cmd)

	var req memory.WriteRequest
	if err := readJSONInput(cmd, opts.Input, &req); err != nil {
		return fail(f, "invalid write request", &LoadError{Code: ErrCodeInvalidInput, Message: err.Error()})
	}
	if req.Scope == "" {
		req.Scope = opts.Scope
	}
	if req.Actor == "" {
		req.Actor = opts.Actor
	}

	k, err := openKernel(opts.RootOptions, cmd)
	if err != nil {
		return fail(f, "", err)
	}
	defer k.Close()

	res, err := k.writer.Write(cmd.Context(), req)
	if err != nil {
		return fail(f, "write failed", err)
	}
	return f.Success(writeView(res))
}

type writeView memory.WriteResult

func (v writeView) renderText(w io.Writer) {
	fmt.Fprintf(w, "%s commit %s\n", green("\u2713"), v.CommitID)
	fmt.Fprintf(w, "  hash:  %s\n", v.CommitHash)
	fmt.Fprintf(w, "  nodes: %s\n", strings.Join(v.NodeIDs, ", "))
	if len(v.RuleDefs) > 0 {
		fmt.Fprintf(w, "  draft rules: %s\n", strings.Join(v.RuleDefs, ", "))
	}
	if v.EdgesWritten > 0 {
		fmt.Fprintf(w, "  edges: %d\n", v.EdgesWritten)
	}
	if v.EmbedJob != nil {
		state := "enqueued"
		if !v.EmbedJob.Inserted {
			state = "already queued"
		}
		fmt.Fprintf(w, "  embed job %s: %s\n", cyan("%s", v.EmbedJob.JobKey), state)
	}
}

// contextFlags are the flags shared by evaluate, select and feedback.
type contextFlags struct {
	Scope   string
	Context string
	AgentID string
	TeamID  string
}

func (c *contextFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.Scope, "scope", defaultScope, "memory scope")
	cmd.Flags().StringVar(&c.Context, "context", "{}", "execution context as a JSON object, or @file")
	cmd.Flags().StringVar(&c.AgentID, "agent", "", "requesting agent id")
	cmd.Flags().StringVar(&c.TeamID, "team", "", "requesting team id")
}

func (c *contextFlags) parse() (jsonv.Value, error) {
	data := []byte(c.Context)
	if path, ok := strings.CutPrefix(c.Context, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("reading context: %w", err)
		}
	}
	v, err := jsonv.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("--context: %w", err)
	}
	if _, ok := v.(jsonv.Object); !ok {
		return nil, fmt.Errorf("--context must be a JSON object, got %s", jsonv.Kind(v))
	}
	return v, nil
}

// EvaluateOptions holds flags for the evaluate command.
type EvaluateOptions struct {
	*RootOptions
	contextFlags
	IncludeShadow bool
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvaluateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate rules against an execution context",
		Long: `Evaluate the scope's active rules against an execution context and print
the matched rules, the merged policy and any merge conflicts. Nothing is
recorded.`,
		Example: `  aionis evaluate --context '{"intent":"edit","lang":"go"}'
  aionis evaluate --context @ctx.json --shadow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, opts)
		},
	}

	opts.register(cmd)
	cmd.Flags().BoolVar(&opts.IncludeShadow, "shadow", false, "also report matching shadow rules")

	return cmd
}

func runEvaluate(cmd *cobra.Command, opts *EvaluateOptions) error {
	f := opts.formatter(cmd)
	execCtx, err := opts.parse()
	if err != nil {
		return fail(f, "invalid context", &LoadError{Code: ErrCodeInvalidInput, Message: err.Error()})
	}

	k, err := openKernel(opts.RootOptions, cmd)
	if err != nil {
		return fail(f, "", err)
	}
	defer k.Close()

	ev, err := k.decisions.Evaluate(cmd.Context(), decision.EvaluateRequest{
		Scope:         opts.Scope,
		Context:       execCtx,
		IncludeShadow: opts.IncludeShadow,
		AgentID:       opts.AgentID,
		TeamID:        opts.TeamID,
	})
	if err != nil {
		return fail(f, "evaluate failed", err)
	}
	return f.Success(newEvaluateView(ev))
}

type matchedView struct {
	RuleID   string      `json:"rule_id"`
	State    string      `json:"state"`
	Priority int         `json:"priority"`
	Score    int         `json:"score"`
	Then     jsonv.Value `json:"then"`
}

type evaluateView struct {
	Applied       []matchedView       `json:"applied"`
	Shadow        []matchedView       `json:"shadow"`
	Policy        jsonv.Object        `json:"policy"`
	Conflicts     []policy.Conflict   `json:"conflicts"`
	ToolTrace     toolpolicy.Trace    `json:"tool_trace"`
	PolicySHA256  string              `json:"policy_sha256"`
	ContextSHA256 string              `json:"context_sha256"`
	SourceRuleIDs []string            `json:"source_rule_ids"`
	Touched       map[string][]string `json:"touched_paths"`
}

func newEvaluateView(ev decision.Evaluation) evaluateView {
	return evaluateView{
		Applied:       matchedViews(ev.Applied),
		Shadow:        matchedViews(ev.Shadow),
		Policy:        ev.Policy,
		Conflicts:     append([]policy.Conflict{}, ev.Merged.Conflicts...),
		ToolTrace:     ev.Tool.Trace,
		PolicySHA256:  ev.PolicySHA256,
		ContextSHA256: ev.ContextSHA256,
		SourceRuleIDs: ev.SourceRuleIDs,
		Touched:       ev.Merged.Touched,
	}
}

func matchedViews(ms []rules.Matched) []matchedView {
	out := make([]matchedView, 0, len(ms))
	for _, m := range ms {
		out = append(out, matchedView{RuleID: m.RuleID, State: m.State, Priority: m.Priority, Score: m.Score, Then: m.Then})
	}
	return out
}

func (v evaluateView) renderText(w io.Writer) {
	if len(v.Applied) == 0 {
		fmt.Fprintln(w, yellow("no active rules matched"))
	}
	for _, m := range v.Applied {
		fmt.Fprintf(w, "%s %s (priority %d, score %d)\n", green("\u2713"), m.RuleID, m.Priority, m.Score)
	}
	for _, m := range v.Shadow {
		fmt.Fprintf(w, "%s %s (shadow, priority %d)\n", yellow("~"), m.RuleID, m.Priority)
	}
	merged, _ := json.MarshalIndent(v.Policy, "", "  ")
	fmt.Fprintf(w, "policy %s\n%s\n", cyan("%s", v.PolicySHA256), merged)
	for _, c := range v.Conflicts {
		fmt.Fprintf(w, "%s %s: %s wins over %s (%s)\n", yellow("conflict"), c.Path, c.Winner, c.Previous, c.Reason)
	}
}

// readJSONInput decodes a JSON request from path, or stdin for "" and "-".
// Unknown fields are rejected.
func readJSONInput(cmd *cobra.Command, path string, dst any) error {
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decoding input: %w", err)
	}
	return nil
}
