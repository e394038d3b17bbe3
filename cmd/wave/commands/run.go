package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coderwave/wave/internal/config"
	"github.com/coderwave/wave/internal/estop"
	"github.com/coderwave/wave/internal/orchestrator"
)

func newRunCommand(flags *rootFlags) *cobra.Command {
	var (
		opts        startFlags
		repoDir     string
		agents      []string
		distributed bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start and run a story to completion",
		Long: `Run creates a session for the story and drives it through all eight
gates in this process. Agent commands are bound with --agent; a wave plan in
the working directory supplies the domain fan-out.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			agentMap, err := parseAgentFlags(agents)
			if err != nil {
				return err
			}
			if distributed {
				cfg.Distributed = true
			}

			ctx := logContext(flags.debug)
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := buildStack(ctx, cfg, bootOptions{
				RepoDir:     repoDir,
				Agents:      agentMap,
				Distributed: cfg.Distributed,
				RequireBus:  cfg.Distributed,
			})
			if err != nil {
				return err
			}
			defer st.close()

			req, err := opts.request(st)
			if err != nil {
				return err
			}
			if missing := missingAgents(agentMap, st.plan, req.Domain); len(missing) > 0 {
				return fmt.Errorf("no agent bound for %s (use --agent domain=command)",
					strings.Join(missing, ", "))
			}
			return runSession(ctx, st, req)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&repoDir, "repo", "", "target repository for domain worktrees")
	cmd.Flags().StringArrayVar(&agents, "agent", nil, "agent binding domain=command (repeatable)")
	cmd.Flags().BoolVar(&distributed, "distributed", false, "dispatch through the task queue to worker goroutines")

	return cmd
}

// runSession starts the session, runs the support goroutines, drives the
// workflow, and renders the outcome.
func runSession(ctx context.Context, st *stack, req orchestrator.StartRequest) error {
	sess, err := st.orch.Start(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "session %s started for story %s\n", sess.ID, req.StoryID)

	runCtx, cancel := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return ignoreCancel(st.watcher.Run(runCtx)) })
	if st.bridge != nil {
		g.Go(func() error { return ignoreCancel(st.bridge.Run(runCtx)) })
	}
	for _, w := range st.workers {
		w := w
		g.Go(func() error {
			err := w.Run(runCtx)
			if errors.Is(err, estop.ErrEmergencyStop) {
				return nil
			}
			return ignoreCancel(err)
		})
	}

	runErr := st.orch.Run(ctx, sess.ID)
	cancel()
	if err := g.Wait(); err != nil {
		st.logger.Warn(ctx, "support goroutine failed", "error", err)
	}

	status, statusErr := st.orch.Status(ctx, sess.ID)
	if statusErr == nil {
		renderStatus(os.Stdout, status)
		if stories, err := st.store.ListStoryExecutions(ctx, sess.ID); err == nil {
			renderStories(os.Stdout, stories)
		}
	}
	if runErr != nil {
		return fmt.Errorf("session %s: %w", sess.ID, runErr)
	}
	return nil
}

// startFlags are the story-describing flags shared by start and run.
type startFlags struct {
	storyID      string
	title        string
	requirements string
	reqFile      string
	domain       string
	waveNumber   int
	tokenLimit   int64
	costLimit    float64
	priority     int
	points       int
	projectPath  string
}

func (f *startFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.storyID, "story", "", "story identifier (required)")
	cmd.Flags().StringVar(&f.title, "title", "", "story title")
	cmd.Flags().StringVarP(&f.requirements, "requirements", "r", "", "story requirements text")
	cmd.Flags().StringVar(&f.reqFile, "requirements-file", "", "file holding the story requirements")
	cmd.Flags().StringVar(&f.domain, "domain", "", "home domain for the story (overrides the plan)")
	cmd.Flags().IntVar(&f.waveNumber, "wave", 0, "wave number (defaults to the plan's)")
	cmd.Flags().Int64Var(&f.tokenLimit, "token-limit", 0, "token ceiling, 0 = config default")
	cmd.Flags().Float64Var(&f.costLimit, "cost-limit", 0, "cost ceiling in USD, 0 = config default")
	cmd.Flags().IntVar(&f.priority, "priority", 0, "story priority")
	cmd.Flags().IntVar(&f.points, "points", 0, "story points")
	cmd.Flags().StringVar(&f.projectPath, "project-path", "", "project path recorded on the session")
	_ = cmd.MarkFlagRequired("story")
}

// request folds the flags, the plan's story entry, and configured budget
// defaults into the orchestrator start request.
func (f *startFlags) request(st *stack) (orchestrator.StartRequest, error) {
	req := orchestrator.StartRequest{
		StoryID:      f.storyID,
		Title:        f.title,
		Requirements: f.requirements,
		ProjectPath:  f.projectPath,
		WaveNumber:   f.waveNumber,
		TokenLimit:   f.tokenLimit,
		CostLimitUSD: f.costLimit,
		Domain:       f.domain,
		Priority:     f.priority,
		StoryPoints:  f.points,
	}
	if f.reqFile != "" {
		data, err := os.ReadFile(f.reqFile)
		if err != nil {
			return req, fmt.Errorf("read requirements: %w", err)
		}
		req.Requirements = strings.TrimSpace(string(data))
	}
	if st.plan != nil {
		if req.WaveNumber == 0 {
			req.WaveNumber = st.plan.Wave
		}
		for _, s := range st.plan.Stories {
			if s.ID != req.StoryID {
				continue
			}
			if req.Title == "" {
				req.Title = s.Title
			}
			if req.Requirements == "" {
				req.Requirements = s.Requirements
			}
			if req.Domain == "" {
				req.Domain = s.Domain
			}
			if req.Priority == 0 {
				req.Priority = s.Priority
			}
			if req.StoryPoints == 0 {
				req.StoryPoints = s.Points
			}
			break
		}
		if req.TokenLimit == 0 {
			req.TokenLimit = st.plan.Budget.TokenLimit
		}
		if req.CostLimitUSD == 0 {
			req.CostLimitUSD = st.plan.Budget.CostLimitUSD
		}
	}
	if req.TokenLimit == 0 {
		req.TokenLimit = st.cfg.Budget.TokenLimit
	}
	if req.CostLimitUSD == 0 {
		req.CostLimitUSD = st.cfg.Budget.CostLimitUSD
	}
	if req.Requirements == "" {
		return req, errors.New("story has no requirements: pass --requirements, --requirements-file, or a plan entry")
	}
	return req, nil
}
