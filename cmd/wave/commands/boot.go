package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/coderwave/wave/internal/budget"
	"github.com/coderwave/wave/internal/bus"
	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/checkpoint/inmem"
	"github.com/coderwave/wave/internal/checkpoint/postgres"
	"github.com/coderwave/wave/internal/config"
	"github.com/coderwave/wave/internal/engine"
	"github.com/coderwave/wave/internal/estop"
	"github.com/coderwave/wave/internal/metrics"
	"github.com/coderwave/wave/internal/orchestrator"
	"github.com/coderwave/wave/internal/recovery"
	"github.com/coderwave/wave/internal/safety"
	"github.com/coderwave/wave/internal/safety/advisor"
	"github.com/coderwave/wave/internal/taskqueue"
	"github.com/coderwave/wave/internal/telemetry"
	"github.com/coderwave/wave/internal/waveplan"
	"github.com/coderwave/wave/internal/worker"
	"github.com/coderwave/wave/internal/worktree"
)

// logContext installs the clue logger on a fresh context: terminal format on
// a TTY, JSON otherwise, debug level when requested.
func logContext(debug bool) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

// bootOptions select which pieces of the stack a command needs.
type bootOptions struct {
	// RepoDir enables the worktree manager when non-empty.
	RepoDir string
	// Agents maps dispatch domains to agent shell commands.
	Agents map[string]string
	// Distributed routes dispatch through the task queue to worker
	// goroutines instead of invoking processors inline.
	Distributed bool
	// RequireBus fails the boot when the stream broker is unreachable
	// instead of degrading to a bus-less run.
	RequireBus bool
	// SkipPlan leaves the wave plan unloaded even when the file exists.
	SkipPlan bool
}

// stack is the assembled orchestrator runtime a command operates.
type stack struct {
	cfg    *config.Config
	logger telemetry.Logger

	store   checkpoint.Store
	pingers []health.Pinger
	closers []func() error

	client  *bus.Client
	ns      bus.Namespace
	pub     *bus.Publisher
	latch   *estop.Latch
	watcher *estop.FileWatcher
	bridge  *estop.StreamBridge

	tracker *budget.Tracker
	scorer  *safety.Scorer
	queue   *taskqueue.Queue
	trees   *worktree.Manager
	plan    *waveplan.Plan
	metrics *metrics.Metrics

	engine  *engine.Engine
	orch    *orchestrator.Orchestrator
	recover *recovery.Manager

	workers []*worker.Worker
	signals *worker.Signals
}

// close releases the stack's connections in reverse acquisition order.
func (s *stack) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// buildStack wires the full orchestrator runtime from configuration. Pieces
// the options do not ask for stay nil and the orchestrator degrades around
// them.
func buildStack(ctx context.Context, cfg *config.Config, opts bootOptions) (*stack, error) {
	logger := telemetry.NewClueLogger()
	s := &stack{cfg: cfg, logger: logger, metrics: metrics.New()}

	store, pinger, closer, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.store = store
	if pinger != nil {
		s.pingers = append(s.pingers, pinger)
	}
	if closer != nil {
		s.closers = append(s.closers, closer)
	}

	s.latch = estop.NewLatch(estop.LatchOptions{MarkerPath: cfg.EmergencyStopFile, Logger: logger})
	s.watcher = estop.NewFileWatcher(s.latch, estop.WatcherOptions{Logger: logger})

	clientOpts := bus.ClientOptions{URL: cfg.Redis.URL, Halt: s.latch.Check}
	if !opts.RequireBus {
		// Inspection commands degrade to a bus-less run; do not sit in the
		// reconnect backoff when no broker is around.
		clientOpts.MaxAttempts = 1
	}
	client, err := bus.NewClient(clientOpts)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("stream client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		if opts.RequireBus {
			s.close()
			return nil, fmt.Errorf("connect stream broker: %w", err)
		}
		logger.Warn(ctx, "stream broker unreachable, continuing without event bus", "error", err)
	} else {
		s.client = client
		s.closers = append(s.closers, client.Close)
		s.pingers = append(s.pingers, client)
		s.ns = bus.NewNamespace(cfg.Project)
		pub, err := bus.NewPublisher(bus.PublisherOptions{
			Client:    client,
			Namespace: s.ns,
			Source:    "orchestrator",
		})
		if err != nil {
			s.close()
			return nil, fmt.Errorf("publisher: %w", err)
		}
		s.pub = pub
		s.latch.OnTrip(estop.Broadcast(pub, logger))
		bridge, err := estop.NewStreamBridge(s.latch, client, estop.BridgeOptions{Logger: logger})
		if err != nil {
			s.close()
			return nil, fmt.Errorf("estop bridge: %w", err)
		}
		s.bridge = bridge
	}

	s.tracker = budget.NewTracker(budget.TrackerOptions{
		SoftLimit: cfg.Budget.SoftMode,
		OnAlert: func(storyID string, snap budget.Snapshot) {
			logger.Warn(ctx, "budget alert",
				"story", storyID, "level", string(snap.Level),
				"tokens_used", snap.TokensUsed, "cost_usd", snap.CostUSD)
		},
	})
	s.scorer = newScorer(cfg, logger)
	s.queue = taskqueue.NewQueue(taskqueue.QueueOptions{Halt: s.latch.Check, Logger: logger})

	if opts.RepoDir != "" {
		trees, err := worktree.NewManager(worktree.ManagerOptions{
			RepoDir: opts.RepoDir,
			Root:    cfg.Worktree.Root,
			Logger:  logger,
		})
		if err != nil {
			s.close()
			return nil, fmt.Errorf("worktree manager: %w", err)
		}
		s.trees = trees
	}

	if !opts.SkipPlan {
		plan, err := loadPlan(cfg)
		if err != nil {
			s.close()
			return nil, err
		}
		s.plan = plan
	}

	eng, err := engine.New(engine.Options{
		Store:            s.store,
		MaxRetries:       cfg.Engine.MaxRetries,
		RequiredCoverage: cfg.Engine.RequiredCoverage,
		Logger:           logger,
	})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("engine: %w", err)
	}
	s.engine = eng

	processors := make(map[string]worker.Processor, len(opts.Agents))
	for domain, command := range opts.Agents {
		processors[domain] = &ExecProcessor{Command: command, Logger: logger}
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Store:          s.store,
		Engine:         eng,
		Project:        cfg.Project,
		Plan:           s.plan,
		Queue:          s.queue,
		Distributed:    opts.Distributed,
		Processors:     processors,
		Publisher:      s.pub,
		Budget:         s.tracker,
		Scorer:         s.scorer,
		Latch:          s.latch,
		Worktrees:      s.trees,
		Metrics:        s.metrics,
		HeartbeatEvery: cfg.Worker.HeartbeatEvery,
		Logger:         logger,
	})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	s.orch = orch

	rec, err := recovery.NewManager(recovery.Options{Store: s.store, Logger: logger})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("recovery manager: %w", err)
	}
	s.recover = rec

	if opts.Distributed {
		if err := s.buildWorkers(opts); err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

// buildWorkers constructs one worker per configured agent so distributed
// dispatch has a consumer on every queue it feeds.
func (s *stack) buildWorkers(opts bootOptions) error {
	if s.pub == nil {
		return fmt.Errorf("distributed mode requires the stream broker for worker signals")
	}
	signals, err := worker.NewSignals(worker.SignalsOptions{
		Publisher:      s.pub,
		Project:        s.cfg.Project,
		HeartbeatEvery: s.cfg.Worker.HeartbeatEvery,
		Logger:         s.logger,
	})
	if err != nil {
		return fmt.Errorf("worker signals: %w", err)
	}
	s.signals = signals

	domains := make([]string, 0, len(opts.Agents))
	for domain := range opts.Agents {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	for _, domain := range domains {
		w, err := worker.New(worker.Options{
			Queue:          s.queue,
			Processor:      &ExecProcessor{Command: opts.Agents[domain], Logger: s.logger},
			Signals:        signals,
			Domain:         domain,
			Scorer:         s.scorer,
			BlockThreshold: s.cfg.Safety.BlockThreshold,
			Halt:           s.latch.Check,
			Trip: func(reason string) {
				s.latch.Trip(estop.SourceSafety, reason)
			},
			DequeueTimeout: s.cfg.Worker.DequeueTimeout,
			Logger:         s.logger,
		})
		if err != nil {
			return fmt.Errorf("worker %s: %w", domain, err)
		}
		s.workers = append(s.workers, w)
	}
	return nil
}

// openStore connects the configured relational store, or falls back to the
// in-memory store when none is configured.
func openStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, health.Pinger, func() error, error) {
	if !cfg.Postgres.Enabled() {
		return inmem.New(), nil, nil, nil
	}
	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.Postgres.DSN())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	st := postgres.NewStore(db)
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return st, st, st.Close, nil
}

// newScorer builds the constitutional scorer, attaching an advisory model
// when the matching API key is in the environment.
func newScorer(cfg *config.Config, logger telemetry.Logger) *safety.Scorer {
	var adv safety.Advisor
	switch cfg.Advisor.Provider {
	case "openai":
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			if a, err := advisor.NewOpenAIFromAPIKey(key, advisor.OpenAIOptions{Model: cfg.Advisor.Model}); err == nil {
				adv = a
			}
		}
	default:
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			if a, err := advisor.NewAnthropicFromAPIKey(key, advisor.AnthropicOptions{Model: cfg.Advisor.Model}); err == nil {
				adv = a
			}
		}
	}
	if adv != nil {
		adv = advisor.Harden(adv, "advisor", advisor.HardenOptions{PerMinute: cfg.Advisor.PerMinute})
	}
	return safety.NewScorer(safety.ScorerOptions{
		Advisor:        adv,
		AdvisorTimeout: cfg.Advisor.Timeout,
		Logger:         logger,
	})
}

// loadPlan reads the configured plan file. A missing file is not an error:
// without a plan the story's own domain runs alone.
func loadPlan(cfg *config.Config) (*waveplan.Plan, error) {
	if cfg.PlanFile == "" {
		return nil, nil
	}
	if _, err := os.Stat(cfg.PlanFile); os.IsNotExist(err) {
		return nil, nil
	}
	plan, err := waveplan.Load(cfg.PlanFile)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", cfg.PlanFile, err)
	}
	return plan, nil
}

// parseAgentFlags turns repeated domain=command flags into the processor
// map. The architect and qa agents dispatch alongside the plan domains.
func parseAgentFlags(entries []string) (map[string]string, error) {
	agents := make(map[string]string, len(entries))
	for _, entry := range entries {
		domain, command, ok := strings.Cut(entry, "=")
		if !ok || domain == "" || command == "" {
			return nil, fmt.Errorf("invalid agent binding %q, want domain=command", entry)
		}
		agents[domain] = command
	}
	return agents, nil
}

// missingAgents lists dispatch domains the run will touch that have no
// agent command bound.
func missingAgents(agents map[string]string, plan *waveplan.Plan, storyDomain string) []string {
	needed := []string{"architect", "qa"}
	if plan != nil && len(plan.Domains) > 0 {
		needed = append(needed, plan.DomainNames()...)
	} else if storyDomain != "" {
		needed = append(needed, storyDomain)
	}
	var missing []string
	seen := make(map[string]struct{}, len(needed))
	for _, domain := range needed {
		if _, dup := seen[domain]; dup {
			continue
		}
		seen[domain] = struct{}{}
		if _, ok := agents[domain]; !ok {
			missing = append(missing, domain)
		}
	}
	sort.Strings(missing)
	return missing
}
