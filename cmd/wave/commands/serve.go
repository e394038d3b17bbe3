package commands

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coderwave/wave/internal/bus"
	"github.com/coderwave/wave/internal/bus/dispatch"
	"github.com/coderwave/wave/internal/config"
	"github.com/coderwave/wave/internal/estop"
	"github.com/coderwave/wave/internal/httpapi"
)

// pollEvery is the cadence of the queue and DLQ gauge samplers.
const pollEvery = 15 * time.Second

func newServeCommand(flags *rootFlags) *cobra.Command {
	var (
		addr    string
		repoDir string
		agents  []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon with the HTTP API",
		Long: `Serve runs the orchestrator with its HTTP API, the event dispatcher,
the emergency-stop watchers, and, in distributed mode, one worker per bound
agent. Sessions are created and run through the API.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			agentMap, err := parseAgentFlags(agents)
			if err != nil {
				return err
			}

			ctx := logContext(flags.debug)
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := buildStack(ctx, cfg, bootOptions{
				RepoDir:     repoDir,
				Agents:      agentMap,
				Distributed: cfg.Distributed,
				RequireBus:  true,
			})
			if err != nil {
				return err
			}
			defer st.close()

			return serve(ctx, st)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&repoDir, "repo", "", "target repository for domain worktrees")
	cmd.Flags().StringArrayVar(&agents, "agent", nil, "agent binding domain=command (repeatable)")

	return cmd
}

// serve runs the daemon's goroutines until the context ends: estop watchers,
// the signal dispatcher, workers, metric samplers, and the HTTP server.
func serve(ctx context.Context, st *stack) error {
	sub, err := bus.NewSubscriber(bus.SubscriberOptions{
		Client:    st.client,
		Namespace: st.ns,
		Group:     "orchestrator",
		Halt:      st.latch.Check,
		Logger:    st.logger,
	})
	if err != nil {
		return err
	}
	disp := dispatch.NewDispatcher(dispatch.DispatcherOptions{Subscriber: sub, Logger: st.logger})
	st.orch.BindHandlers(disp)
	if err := disp.Start(ctx, st.ns.Signals()); err != nil {
		return err
	}
	defer disp.Stop()

	server, err := httpapi.New(httpapi.Options{
		Orchestrator: st.orch,
		Store:        st.store,
		Recovery:     st.recover,
		Latch:        st.latch,
		Stream:       st.client,
		Metrics:      st.metrics,
		Pingers:      st.pingers,
		BaseContext:  ctx,
		Logger:       st.logger,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(st.watcher.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(st.bridge.Run(ctx)) })
	for _, w := range st.workers {
		w := w
		g.Go(func() error {
			err := w.Run(ctx)
			if errors.Is(err, estop.ErrEmergencyStop) {
				// The stop halts dispatch; the API stays up so an operator
				// can inspect state and clear the latch.
				st.logger.Warn(ctx, "worker halted by emergency stop")
				return nil
			}
			return ignoreCancel(err)
		})
	}
	g.Go(func() error {
		st.metrics.PollQueue(ctx, st.queue, pollEvery)
		return nil
	})
	g.Go(func() error {
		st.metrics.PollDLQ(ctx, st.dlqLength, pollEvery)
		return nil
	})
	g.Go(func() error { return ignoreCancel(server.Serve(ctx, st.cfg.HTTP.Addr)) })

	return g.Wait()
}

// dlqLength samples the dead-letter stream depth.
func (s *stack) dlqLength(ctx context.Context) (int64, error) {
	rdb, err := s.client.Redis()
	if err != nil {
		return 0, err
	}
	n, err := rdb.XLen(ctx, s.ns.DLQ()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// ignoreCancel maps a clean context shutdown to a nil error so a SIGTERM
// drains the group instead of reporting a failure.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
