package cli

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Cognary/Aionis-sub002/internal/config"
	"github.com/Cognary/Aionis-sub002/internal/decision"
	"github.com/Cognary/Aionis-sub002/internal/embedding"
	"github.com/Cognary/Aionis-sub002/internal/ledger"
	"github.com/Cognary/Aionis-sub002/internal/lifecycle"
	"github.com/Cognary/Aionis-sub002/internal/memory"
	"github.com/Cognary/Aionis-sub002/internal/outbox"
	"github.com/Cognary/Aionis-sub002/internal/policy"
	"github.com/Cognary/Aionis-sub002/internal/rules"
	"github.com/Cognary/Aionis-sub002/internal/store"
	"github.com/Cognary/Aionis-sub002/internal/toolpolicy"
)

// Error codes shared by all commands.
const (
	ErrCodeGeneric      = "E001" // Generic/unknown error
	ErrCodeScanError    = "E002" // Directory scan error
	ErrCodeNoFiles      = "E003" // No rule files found
	ErrCodeLoadFailed   = "E004" // CUE or YAML load failed
	ErrCodeNotFound     = "E005" // Path, rule or decision not found
	ErrCodeBuildFailed  = "E006" // CUE build failed
	ErrCodeInvalidInput = "E010" // Request rejected before anything was stored
	ErrCodeInvalidRule  = "E011" // Rule definition failed validation
	ErrCodeSelection    = "E301" // Strict selection left no tool
	ErrCodeTransition   = "E401" // Illegal lifecycle transition
	ErrCodeChainBroken  = "E501" // Ledger verification failed
	ErrCodeAlreadyDone  = "E502" // Outbox job already published
)

// kernel is every component a command may need, wired from config.
type kernel struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *store.Store
	ledger    *ledger.Ledger
	engine    *rules.Engine
	writer    *memory.Writer
	lifecycle *lifecycle.Manager
	decisions *decision.Service
	registry  *outbox.Registry
	scheduler *outbox.Scheduler
	worker    *outbox.Worker
}

// openKernel loads config, applies flag overrides and opens the store.
func openKernel(opts *RootOptions, cmd *cobra.Command) (*kernel, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database.DSN = opts.Database
	}
	if opts.Driver != "" {
		cfg.Database.Driver = opts.Driver
	}
	logger := cfg.Logger(cmd.ErrOrStderr(), opts.Verbose)
	slog.SetDefault(logger)

	logger.Debug("opening database", "driver", cfg.Database.Driver)
	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	eng, err := rules.NewEngine(rules.WithLogger(logger))
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create rule engine", err)
	}

	led := ledger.New(st, ledger.WithRedaction(cfg.Ledger.RedactInput), ledger.WithLogger(logger))
	reg := outbox.NewRegistry()
	reg.Register(outbox.EventEmbedNodes, &embedding.BackfillHandler{
		Provider:       cfg.Provider(),
		RedactPII:      cfg.Embedding.RedactPII,
		TriggerCluster: cfg.Embedding.TriggerCluster,
		Logger:         logger,
	})
	reg.Register(outbox.EventTopicCluster, &outbox.TopicClusterHandler{Logger: logger})

	sched := outbox.NewScheduler(st, reg, cfg.SchedulerConfig(), outbox.WithLogger(logger))
	worker := outbox.NewWorker(sched, func(r outbox.BatchResult) {
		if r.DeadLettered > 0 {
			logger.Warn("jobs dead-lettered", "ids", r.DeadLetterIDs)
		}
	})

	return &kernel{
		cfg:    cfg,
		logger: logger,
		store:  st,
		ledger: led,
		engine: eng,
		writer: memory.NewWriter(st, led,
			memory.WithLogger(logger),
			memory.WithAutoEmbed(cfg.Memory.AutoEmbed),
			memory.WithNotifier(worker),
		),
		lifecycle: lifecycle.NewManager(st, led, lifecycle.WithLogger(logger)),
		decisions: decision.NewService(st, led, eng, decision.WithLogger(logger)),
		registry:  reg,
		scheduler: sched,
		worker:    worker,
	}, nil
}

func (k *kernel) Close() {
	k.engine.Close()
	if err := k.store.Close(); err != nil {
		k.logger.Error("error closing database", "error", err)
	}
}

// fail reports err through f and converts it to an ExitError with the
// code matching its kind.
func fail(f *OutputFormatter, message string, err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		_ = f.Error(ErrCodeGeneric, exitErr.Error(), nil)
		return exitErr
	}

	code, exit := classify(err)
	var details any
	var selErr *toolpolicy.SelectionError
	if errors.As(err, &selErr) {
		details = selErr
	}
	_ = f.Error(code, err.Error(), details)
	return WrapExitError(exit, message, err)
}

func classify(err error) (string, int) {
	var (
		memErr   *memory.ValidationError
		decErr   *decision.ValidationError
		ruleErr  *rules.ValidationError
		lcErr    *lifecycle.ValidationError
		patchErr *policy.PatchError
		transErr *lifecycle.TransitionError
		selErr   *toolpolicy.SelectionError
		loadErr  *LoadError
	)
	switch {
	case errors.As(err, &selErr):
		return ErrCodeSelection, ExitFailure
	case errors.As(err, &transErr):
		return ErrCodeTransition, ExitFailure
	case errors.As(err, &ruleErr):
		return ruleErr.Code, ExitFailure
	case errors.As(err, &lcErr), errors.As(err, &patchErr):
		return ErrCodeInvalidRule, ExitFailure
	case errors.As(err, &memErr), errors.As(err, &decErr):
		return ErrCodeInvalidInput, ExitFailure
	case errors.As(err, &loadErr):
		return loadErr.Code, ExitCommandError
	case errors.Is(err, store.ErrNotFound), errors.Is(err, lifecycle.ErrNotARule):
		return ErrCodeNotFound, ExitFailure
	case errors.Is(err, outbox.ErrAlreadyPublished):
		return ErrCodeAlreadyDone, ExitFailure
	}
	return ErrCodeGeneric, ExitCommandError
}

