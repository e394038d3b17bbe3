// Package httpapi exposes the orchestrator over HTTP. Sessions are created,
// run, inspected, stopped, and recovered through a small JSON API; the
// emergency stop has its own endpoints so an operator can halt every consumer
// without going through a session. Session runs execute in background
// goroutines tied to the server's base context, so a run outlives the request
// that launched it and dies with the server.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/coderwave/wave/internal/bus"
	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/estop"
	"github.com/coderwave/wave/internal/metrics"
	"github.com/coderwave/wave/internal/orchestrator"
	"github.com/coderwave/wave/internal/recovery"
	"github.com/coderwave/wave/internal/telemetry"
)

// shutdownGrace bounds the drain of in-flight requests on Serve exit.
const shutdownGrace = 30 * time.Second

// ErrAlreadyRunning reports a run request for a session that is already
// executing in this process.
var ErrAlreadyRunning = errors.New("session already running")

type (
	// Options configures a Server. Orchestrator and Store are required.
	Options struct {
		// Orchestrator drives sessions. Required.
		Orchestrator *orchestrator.Orchestrator
		// Store reads sessions, stories, and checkpoints. Required.
		Store checkpoint.Store
		// Recovery enables the recover endpoint. Without one the endpoint
		// answers 501.
		Recovery *recovery.Manager
		// Latch backs the emergency-stop endpoints. Without one they
		// answer 501.
		Latch *estop.Latch
		// Stream, when set, broadcasts API-triggered stops on the
		// emergency channel so sibling processes halt too.
		Stream *bus.Client
		// StopChannel overrides the broadcast channel. Defaults to the
		// bus emergency channel.
		StopChannel string
		// Metrics hosts the /metrics endpoint. Optional.
		Metrics *metrics.Metrics
		// Pingers feed the /healthz checker.
		Pingers []health.Pinger
		// BaseContext parents background session runs and request logs.
		// Defaults to context.Background.
		BaseContext context.Context
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Server is the HTTP front end.
	Server struct {
		orch        *orchestrator.Orchestrator
		store       checkpoint.Store
		recovery    *recovery.Manager
		latch       *estop.Latch
		stream      *bus.Client
		stopChannel string
		logger      telemetry.Logger
		handler     http.Handler
		baseCtx     context.Context

		mu   sync.Mutex
		runs map[string]*runHandle
	}

	// runHandle tracks one in-process session run.
	runHandle struct {
		cancel context.CancelFunc
		done   chan struct{}
	}
)

// New constructs a Server and builds its router.
func New(opts Options) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	baseCtx := opts.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	s := &Server{
		orch:        opts.Orchestrator,
		store:       opts.Store,
		recovery:    opts.Recovery,
		latch:       opts.Latch,
		stream:      opts.Stream,
		stopChannel: opts.StopChannel,
		logger:      logger,
		baseCtx:     baseCtx,
		runs:        make(map[string]*runHandle),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(log.HTTP(baseCtx))

	r.Method(http.MethodGet, "/healthz", health.Handler(health.NewChecker(opts.Pingers...)))
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Get("/status", s.handleStatus)
				r.Get("/stories", s.handleListStories)
				r.Get("/checkpoints", s.handleListCheckpoints)
				r.Post("/run", s.handleRun)
				r.Post("/stop", s.handleStop)
				r.Post("/recover", s.handleRecover)
			})
		})
		r.Route("/estop", func(r chi.Router) {
			r.Get("/", s.handleEStopState)
			r.Post("/", s.handleEStopTrigger)
			r.Delete("/", s.handleEStopClear)
		})
	})

	s.handler = r
	return s, nil
}

// Handler returns the routed handler for mounting or testing.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve listens on addr until ctx is done, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info(ctx, "shutting down http server", "addr", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	err := <-errc
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// track registers a session run, rejecting a second concurrent run of the
// same session.
func (s *Server) track(sessionID string) (*runHandle, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[sessionID]; ok {
		return nil, nil, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	s.runs[sessionID] = h
	return h, ctx, nil
}

func (s *Server) untrack(sessionID string) {
	s.mu.Lock()
	delete(s.runs, sessionID)
	s.mu.Unlock()
}

// running reports whether this process is currently executing the session.
func (s *Server) running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[sessionID]
	return ok
}

// cancelRun stops the in-process run, if any, and waits for it to settle so
// a follow-up stop does not race the run's own bookkeeping.
func (s *Server) cancelRun(ctx context.Context, sessionID string) {
	s.mu.Lock()
	h, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
	}
}
