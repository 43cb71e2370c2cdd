package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Cognary/Aionis-sub002/internal/decision"
)

// SelectOptions holds flags for the select command.
type SelectOptions struct {
	*RootOptions
	contextFlags
	Actor      string
	RunID      string
	Candidates []string
	Strict     bool
}

// NewSelectCommand creates the select command.
func NewSelectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SelectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Select a tool under the effective policy and record the decision",
		Long: `Evaluate the scope's active rules, resolve their tool policy, apply it to
the candidate tools and record the decision with its context and policy
hashes.

With --strict, a policy that leaves no candidate fails with
no_tools_allowed and nothing is recorded. Without it, the selection falls
back and the fallback is recorded.`,
		Example: `  aionis select --candidates sed,grep,awk --context '{"intent":"edit"}'
  aionis select --candidates psql --strict --run run-42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelect(cmd, opts)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&opts.Actor, "actor", defaultActor, "actor recorded on the commit")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id the decision belongs to")
	cmd.Flags().StringSliceVar(&opts.Candidates, "candidates", nil, "candidate tools, in caller order (required)")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "fail instead of falling back when no tool is allowed")
	_ = cmd.MarkFlagRequired("candidates")

	return cmd
}

func runSelect(cmd *cobra.Command, opts *SelectOptions) error {
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

	res, err := k.decisions.SelectTools(cmd.Context(), decision.SelectRequest{
		Scope:      opts.Scope,
		Actor:      opts.Actor,
		RunID:      opts.RunID,
		Context:    execCtx,
		Candidates: opts.Candidates,
		Strict:     opts.Strict,
		AgentID:    opts.AgentID,
		TeamID:     opts.TeamID,
	})
	if err != nil {
		return fail(f, "selection failed", err)
	}
	return f.Success(selectView(res))
}

type selectView decision.SelectResult

func (v selectView) renderText(w io.Writer) {
	if v.Selection.Selected == "" {
		fmt.Fprintf(w, "%s no tool selected\n", yellow("!"))
	} else {
		fmt.Fprintf(w, "%s selected %s\n", green("\u2713"), v.Selection.Selected)
	}
	fmt.Fprintf(w, "  order:    %s\n", strings.Join(v.Selection.Ordered, ", "))
	if len(v.Selection.Denied) > 0 {
		fmt.Fprintf(w, "  denied:   %s\n", strings.Join(v.Selection.Denied, ", "))
	}
	if v.Selection.Fallback.Applied {
		fmt.Fprintf(w, "  fallback: %s\n", yellow("%s", v.Selection.Fallback.Reason))
	}
	fmt.Fprintf(w, "  decision: %s (commit %s)\n", v.DecisionID, v.CommitID)
	fmt.Fprintf(w, "  rules:    %s\n", strings.Join(v.SourceRuleIDs, ", "))
	for _, c := range v.Trace.Conflicts {
		fmt.Fprintf(w, "  %s %s\n", yellow("%s", c.Code), c.Message)
	}
}

// FeedbackOptions holds flags for the feedback command.
type FeedbackOptions struct {
	*RootOptions
	contextFlags
	Actor      string
	RunID      string
	DecisionID string
	Outcome    string
	Target     string
	Note       string
}

// NewFeedbackCommand creates the feedback command.
func NewFeedbackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FeedbackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "feedback <positive|negative|neutral>",
		Short: "Record the outcome of a run against the rules responsible",
		Long: `Record a run outcome. The rules are re-evaluated for the given context,
shadow rules included, and the outcome is attributed to the rules that
shaped the tool policy (--target tool) or to every matching rule
(--target all). Rule ids are never taken from the caller.`,
		Example: `  aionis feedback positive --context '{"intent":"edit"}' --run run-42
  aionis feedback negative --decision 0190... --context @ctx.json --target all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Outcome = args[0]
			return runFeedback(cmd, opts)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&opts.Actor, "actor", defaultActor, "actor recorded on the commit")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id the outcome belongs to")
	cmd.Flags().StringVar(&opts.DecisionID, "decision", "", "decision id; its context hash must match --context")
	cmd.Flags().StringVar(&opts.Target, "target", decision.TargetTool, "attribution target (tool|all)")
	cmd.Flags().StringVar(&opts.Note, "note", "", "free-text note stored with the feedback")

	return cmd
}

func runFeedback(cmd *cobra.Command, opts *FeedbackOptions) error {
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

	res, err := k.decisions.Feedback(cmd.Context(), decision.FeedbackRequest{
		Scope:      opts.Scope,
		Actor:      opts.Actor,
		Context:    execCtx,
		RunID:      opts.RunID,
		DecisionID: opts.DecisionID,
		Outcome:    opts.Outcome,
		Target:     opts.Target,
		Note:       opts.Note,
		AgentID:    opts.AgentID,
		TeamID:     opts.TeamID,
	})
	if err != nil {
		return fail(f, "feedback failed", err)
	}
	return f.Success(feedbackView(res))
}

type feedbackView decision.FeedbackResult

func (v feedbackView) renderText(w io.Writer) {
	if len(v.RuleIDs) == 0 {
		fmt.Fprintf(w, "%s %s feedback recorded, no rule attributed (commit %s)\n", yellow("!"), v.Outcome, v.CommitID)
		return
	}
	fmt.Fprintf(w, "%s %s feedback attributed to %s (commit %s)\n", green("\u2713"), v.Outcome, strings.Join(v.RuleIDs, ", "), v.CommitID)
}

// NewDecisionCommand creates the decision command group.
func NewDecisionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decision",
		Short: "Inspect recorded decisions",
	}
	cmd.AddCommand(newDecisionGetCommand(rootOpts))
	return cmd
}

func newDecisionGetCommand(rootOpts *RootOptions) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "get <decision-id>",
		Short: "Show a recorded decision with its provenance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			k, err := openKernel(rootOpts, cmd)
			if err != nil {
				return fail(f, "", err)
			}
			defer k.Close()

			rec, err := k.decisions.GetDecision(cmd.Context(), scope, args[0])
			if err != nil {
				return fail(f, "decision lookup failed", err)
			}
			return f.Success(recordView(rec))
		},
	}
	cmd.Flags().StringVar(&scope, "scope", defaultScope, "memory scope")
	return cmd
}

type recordView decision.Record

func (v recordView) renderText(w io.Writer) {
	fmt.Fprintf(w, "decision %s (%s)\n", cyan("%s", v.ID), v.Kind)
	if v.RunID != "" {
		fmt.Fprintf(w, "  run:        %s\n", v.RunID)
	}
	fmt.Fprintf(w, "  selected:   %s\n", v.SelectedTool)
	fmt.Fprintf(w, "  candidates: %s\n", strings.Join(v.Candidates, ", "))
	fmt.Fprintf(w, "  rules:      %s\n", strings.Join(v.SourceRuleIDs, ", "))
	fmt.Fprintf(w, "  context:    %s\n", v.ContextSHA256)
	fmt.Fprintf(w, "  policy:     %s\n", v.PolicySHA256)
	fmt.Fprintf(w, "  commit:     %s at %s\n", v.CommitID, v.CreatedAt)
}
