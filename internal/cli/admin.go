package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Cognary/Aionis-sub002/internal/ledger"
	"github.com/Cognary/Aionis-sub002/internal/lifecycle"
	"github.com/Cognary/Aionis-sub002/internal/outbox"
	"github.com/Cognary/Aionis-sub002/internal/store"
)

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	Once bool
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process outbox jobs (embedding backfill, topic clustering)",
		Long: `Run the outbox worker. It claims due jobs in batches, embeds pending
nodes and chains topic clustering, retrying transient failures with
backoff and dead-lettering jobs that exhaust their attempts.

With --once, a single batch is processed and its result printed.`,
		Example: `  aionis worker
  aionis worker --once --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "process one batch and exit")

	return cmd
}

func runWorker(cmd *cobra.Command, opts *WorkerOptions) error {
	f := opts.formatter(cmd)
	k, err := openKernel(opts.RootOptions, cmd)
	if err != nil {
		return fail(f, "", err)
	}
	defer k.Close()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	if opts.Once {
		res, err := k.scheduler.Tick(parentCtx)
		if err != nil {
			return fail(f, "tick failed", err)
		}
		return f.Success(batchView(res))
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("worker starting", "driver", k.cfg.Database.Driver, "handlers", k.registry.EventTypes())
	fmt.Fprintln(cmd.OutOrStdout(), "Worker started. Processing outbox jobs...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := k.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "worker error", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

type batchView outbox.BatchResult

func (v batchView) renderText(w io.Writer) {
	fmt.Fprintf(w, "claimed %d, processed %d, failed %d (retried %d, dead-lettered %d)\n",
		v.Claimed, v.Processed, v.Failed, v.Retried, v.DeadLettered)
	if v.FatalPublished > 0 {
		fmt.Fprintf(w, "%s %d jobs published as fatal\n", yellow("!"), v.FatalPublished)
	}
	for _, key := range v.ChainedJobKeys {
		fmt.Fprintf(w, "  chained %s\n", cyan("%s", key))
	}
	for _, id := range v.DeadLetterIDs {
		fmt.Fprintf(w, "  %s job %d\n", red("dead"), id)
	}
}

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Author, promote and inspect rules",
	}
	cmd.AddCommand(newRulesLoadCommand(rootOpts))
	cmd.AddCommand(newRulesPromoteCommand(rootOpts))
	cmd.AddCommand(newRulesSuggestCommand(rootOpts))
	cmd.AddCommand(newRulesListCommand(rootOpts))
	return cmd
}

func newRulesLoadCommand(rootOpts *RootOptions) *cobra.Command {
	var scope, actor, promote string
	var collectAll bool

	cmd := &cobra.Command{
		Use:   "load <dir>",
		Short: "Load CUE or YAML rule files as draft rules",
		Long: `Load every rule in the directory's CUE files (rule: <id>: {...}) and
YAML files (rules: [...]) and write them as rule nodes in one commit.
Rules are validated before anything is written; new rules start as drafts
unless --promote is given.`,
		Example: `  aionis rules load ./rules
  aionis rules load ./rules --promote shadow --collect-all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			mode := LoadModeFailFast
			if collectAll {
				mode = LoadModeCollectAll
			}

			f.Logf("Loading rules from %s...", args[0])
			loaded, errs := LoadRules(args[0], mode)
			if len(errs) > 0 {
				for _, e := range errs[1:] {
					fmt.Fprintf(f.diag(), "%s %v\n", red("error"), e)
				}
				return fail(f, "rule load failed", errs[0])
			}

			k, err := openKernel(rootOpts, cmd)
			if err != nil {
				return fail(f, "", err)
			}
			defer k.Close()

			res, err := k.writer.Write(cmd.Context(), RulesWriteRequest(scope, actor, loaded.Rules))
			if err != nil {
				return fail(f, "rule write failed", err)
			}

			view := loadView{Files: loaded.FileCount, CommitID: res.CommitID, Rules: res.NodeIDs, Created: res.RuleDefs, Promoted: []string{}}
			if promote != "" {
				for _, id := range res.NodeIDs {
					if _, err := k.lifecycle.Transition(cmd.Context(), scope, id, promote, actor); err != nil {
						return fail(f, "promotion failed", err)
					}
					view.Promoted = append(view.Promoted, id)
				}
			}
			return f.Success(view)
		},
	}

	cmd.Flags().StringVar(&scope, "scope", defaultScope, "memory scope")
	cmd.Flags().StringVar(&actor, "actor", defaultActor, "actor recorded on the commits")
	cmd.Flags().StringVar(&promote, "promote", "", "promote every loaded rule to this state (shadow|active)")
	cmd.Flags().BoolVar(&collectAll, "collect-all", false, "report every invalid rule instead of stopping at the first")

	return cmd
}

type loadView struct {
	Files    int      `json:"files"`
	CommitID string   `json:"commit_id"`
	Rules    []string `json:"rules"`
	Created  []string `json:"created"`
	Promoted []string `json:"promoted"`
}

func (v loadView) renderText(w io.Writer) {
	fmt.Fprintf(w, "%s loaded %d rules from %d files (commit %s)\n", green("\u2713"), len(v.Rules), v.Files, v.CommitID)
	if len(v.Created) < len(v.Rules) {
		fmt.Fprintf(w, "  %d already defined, state kept\n", len(v.Rules)-len(v.Created))
	}
	if len(v.Promoted) > 0 {
		fmt.Fprintf(w, "  promoted: %s\n", strings.Join(v.Promoted, ", "))
	}
}

func newRulesPromoteCommand(rootOpts *RootOptions) *cobra.Command {
	var scope, actor string

	cmd := &cobra.Command{
		Use:   "promote <rule-id> <draft|shadow|active|disabled>",
		Short: "Move a rule to another lifecycle state",
		Long: `Move a rule through its lifecycle. Promotion into shadow or active
validates the rule's pattern and policy patch; every transition appends
a ledger commit.`,
		Example: `  aionis rules promote prefer-sed shadow
  aionis rules promote prefer-sed active`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			k, err := openKernel(rootOpts, cmd)
			if err != nil {
				return fail(f, "", err)
			}
			defer k.Close()

			def, err := k.lifecycle.Transition(cmd.Context(), scope, args[0], args[1], actor)
			if err != nil {
				return fail(f, "transition failed", err)
			}
			return f.Success(newRuleView(def))
		},
	}

	cmd.Flags().StringVar(&scope, "scope", defaultScope, "memory scope")
	cmd.Flags().StringVar(&actor, "actor", defaultActor, "actor recorded on the commit")

	return cmd
}

func newRulesSuggestCommand(rootOpts *RootOptions) *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "List shadow rules whose feedback qualifies them for active",
		Long: `List shadow rules whose feedback clears the lifecycle thresholds
(lifecycle.min_positives, lifecycle.max_neg_ratio, lifecycle.min_score).
Suggestions are advisory: nothing is changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			k, err := openKernel(rootOpts, cmd)
			if err != nil {
				return fail(f, "", err)
			}
			defer k.Close()

			sugs, err := k.lifecycle.Suggest(cmd.Context(), scope, k.cfg.Lifecycle)
			if err != nil {
				return fail(f, "suggest failed", err)
			}
			return f.Success(suggestView(sugs))
		},
	}

	cmd.Flags().StringVar(&scope, "scope", defaultScope, "memory scope")

	return cmd
}

type suggestView []lifecycle.Suggestion

func (v suggestView) renderText(w io.Writer) {
	if len(v) == 0 {
		fmt.Fprintln(w, "no rules ready for promotion")
		return
	}
	for _, s := range v {
		fmt.Fprintf(w, "%s %s: %s -> %s (+%d/-%d, score %d)\n",
			green("\u2191"), s.RuleID, s.From, s.To, s.PositiveCount, s.NegativeCount, s.Score)
	}
}

func newRulesListCommand(rootOpts *RootOptions) *cobra.Command {
	var scope string
	var states []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rule definitions and their lifecycle state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			k, err := openKernel(rootOpts, cmd)
			if err != nil {
				return fail(f, "", err)
			}
			defer k.Close()

			var defs []store.RuleDef
			err = k.store.InTx(cmd.Context(), func(tx *store.Tx) error {
				var err error
				defs, err = tx.ListRuleDefs(cmd.Context(), scope, states...)
				return err
			})
			if err != nil {
				return fail(f, "list failed", err)
			}
			views := make(ruleListView, 0, len(defs))
			for _, d := range defs {
				views = append(views, newRuleView(d))
			}
			return f.Success(views)
		},
	}

	cmd.Flags().StringVar(&scope, "scope", defaultScope, "memory scope")
	cmd.Flags().StringSliceVar(&states, "state", nil, "only rules in these states")

	return cmd
}

type ruleView struct {
	RuleID        string `json:"rule_id"`
	State         string `json:"state"`
	RuleScope     string `json:"rule_scope"`
	Priority      int    `json:"priority"`
	PositiveCount int    `json:"positive_count"`
	NegativeCount int    `json:"negative_count"`
	CommitID      string `json:"commit_id"`
}

func newRuleView(d store.RuleDef) ruleView {
	return ruleView{
		RuleID:        d.RuleNodeID,
		State:         d.State,
		RuleScope:     d.RuleScope,
		Priority:      d.Priority,
		PositiveCount: d.PositiveCount,
		NegativeCount: d.NegativeCount,
		CommitID:      d.CommitID,
	}
}

func (v ruleView) renderText(w io.Writer) {
	fmt.Fprintf(w, "%s %s (priority %d, +%d/-%d)\n", v.RuleID, stateColor(v.State), v.Priority, v.PositiveCount, v.NegativeCount)
}

type ruleListView []ruleView

func (v ruleListView) renderText(w io.Writer) {
	if len(v) == 0 {
		fmt.Fprintln(w, "no rules")
	}
	for _, r := range v {
		r.renderText(w)
	}
}

func stateColor(state string) string {
	switch state {
	case store.RuleActive:
		return green("%s", state)
	case store.RuleShadow:
		return yellow("%s", state)
	case store.RuleDisabled:
		return red("%s", state)
	}
	return state
}

// NewLedgerCommand creates the ledger command group.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the commit ledger",
	}

	var scope string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Recompute every commit hash and check the chain",
		Long: `Recompute every commit hash of the scope's chain from the root and
report the first broken link. Exits non-zero when the chain is broken.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			k, err := openKernel(rootOpts, cmd)
			if err != nil {
				return fail(f, "", err)
			}
			defer k.Close()

			report, err := k.ledger.Verify(cmd.Context(), scope)
			if err != nil {
				return fail(f, "verify failed", err)
			}
			if !report.OK {
				_ = f.Error(ErrCodeChainBroken, fmt.Sprintf("chain broken at %s: %s", report.BrokenAt, report.Reason), report)
				return NewExitError(ExitFailure, "ledger chain broken")
			}
			return f.Success(verifyView(report))
		},
	}
	verify.Flags().StringVar(&scope, "scope", defaultScope, "memory scope")
	cmd.AddCommand(verify)

	return cmd
}

type verifyView ledger.VerifyReport

func (v verifyView) renderText(w io.Writer) {
	fmt.Fprintf(w, "%s %d commits verified in scope %s\n", green("\u2713"), v.Commits, v.Scope)
	if v.HeadHash != "" {
		fmt.Fprintf(w, "  head: %s\n", v.HeadHash)
	}
}

// NewOutboxCommand creates the outbox command group.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair the outbox",
	}

	replay := &cobra.Command{
		Use:   "replay <job-id>",
		Short: "Make a dead-lettered job claimable again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fail(f, "invalid job id", &LoadError{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("invalid job id %q", args[0])})
			}
			k, err := openKernel(rootOpts, cmd)
			if err != nil {
				return fail(f, "", err)
			}
			defer k.Close()

			if err := k.scheduler.Replay(cmd.Context(), id); err != nil {
				return fail(f, "replay failed", err)
			}
			return f.Success(replayView{JobID: id})
		},
	}

	var scope string
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count jobs by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			k, err := openKernel(rootOpts, cmd)
			if err != nil {
				return fail(f, "", err)
			}
			defer k.Close()

			counts, err := k.scheduler.Stats(cmd.Context(), scope)
			if err != nil {
				return fail(f, "stats failed", err)
			}
			return f.Success(statsView(counts))
		},
	}
	stats.Flags().StringVar(&scope, "scope", "", "only count this scope's jobs")

	cmd.AddCommand(replay, stats)
	return cmd
}

type replayView struct {
	JobID int64 `json:"job_id"`
}

func (v replayView) renderText(w io.Writer) {
	fmt.Fprintf(w, "%s job %d replayed\n", green("\u2713"), v.JobID)
}

type statsView store.OutboxCounts

func (v statsView) renderText(w io.Writer) {
	fmt.Fprintf(w, "pending:       %d\n", v.Pending)
	fmt.Fprintf(w, "leased:        %d\n", v.Leased)
	fmt.Fprintf(w, "published:     %d\n", v.Published)
	dead := fmt.Sprintf("%d", v.DeadLettered)
	if v.DeadLettered > 0 {
		dead = red("%d", v.DeadLettered)
	}
	fmt.Fprintf(w, "dead-lettered: %s\n", dead)
}
