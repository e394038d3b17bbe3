package parallel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/coderwave/wave/internal/telemetry"
)

// ErrCriticalFailed reports a failed domain whose work later layers cannot
// proceed without.
var ErrCriticalFailed = errors.New("critical domain failed")

// defaultCritical lists the domains whose failure stops the run instead of
// flagging a partial failure.
var defaultCritical = []string{"auth", "data", "payments"}

type (
	// DomainResult is the outcome of running one domain. Success false
	// marks a domain failure; an infrastructure error belongs in the
	// Runner's error return instead and aborts the whole execution.
	DomainResult struct {
		Domain        string
		Success       bool
		FilesModified []string
		TestsPassed   bool
		BudgetUsed    float64
		Err           string
	}

	// Aggregate is the running fan-in state across layers.
	Aggregate struct {
		// Files is the union of every domain's modified files, first
		// occurrence wins the position.
		Files []string
		// TestsPassed is the conjunction over all domains.
		TestsPassed bool
		// BudgetUsed is the sum over all domains.
		BudgetUsed float64
		// FailedDomains lists domains whose result was not successful.
		FailedDomains []string
		// PartialFailure is set when a non-critical domain failed but the
		// run continued.
		PartialFailure bool
		// Results holds every domain result in completion-layer order.
		Results []DomainResult
	}

	// Runner executes one domain of the current story.
	Runner interface {
		RunDomain(ctx context.Context, domain string) (DomainResult, error)
	}

	// RunnerFunc adapts a function to Runner.
	RunnerFunc func(ctx context.Context, domain string) (DomainResult, error)

	// ExecutorOptions configures an Executor.
	ExecutorOptions struct {
		// Runner does the per-domain work. Required.
		Runner Runner
		// Critical overrides the critical domain set.
		Critical []string
		// Halt, when set, is consulted between layers.
		Halt func() error
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Executor runs a domain graph layer by layer.
	Executor struct {
		runner   Runner
		critical map[string]struct{}
		halt     func() error
		logger   telemetry.Logger
	}
)

// RunDomain calls f.
func (f RunnerFunc) RunDomain(ctx context.Context, domain string) (DomainResult, error) {
	return f(ctx, domain)
}

// NewExecutor constructs an Executor.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Runner == nil {
		return nil, errors.New("runner is required")
	}
	critical := opts.Critical
	if critical == nil {
		critical = defaultCritical
	}
	criticalSet := make(map[string]struct{}, len(critical))
	for _, d := range critical {
		criticalSet[d] = struct{}{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Executor{
		runner:   opts.Runner,
		critical: criticalSet,
		halt:     opts.Halt,
		logger:   logger,
	}, nil
}

// Execute runs the graph. Each layer fans out concurrently and joins before
// the next one starts. A failed critical domain ends the run with
// ErrCriticalFailed; failed non-critical domains set PartialFailure and the
// run continues. The partial aggregate comes back alongside any error.
func (e *Executor) Execute(ctx context.Context, g Graph) (*Aggregate, error) {
	layers, err := Layers(g)
	if err != nil {
		return nil, err
	}

	agg := &Aggregate{TestsPassed: true}
	for i, layer := range layers {
		if e.halt != nil {
			if err := e.halt(); err != nil {
				return agg, err
			}
		}
		if err := ctx.Err(); err != nil {
			return agg, err
		}
		e.logger.Info(ctx, "layer dispatch", "layer", i, "domains", len(layer))

		results := make([]DomainResult, len(layer))
		eg, layerCtx := errgroup.WithContext(ctx)
		for j, domain := range layer {
			eg.Go(func() error {
				res, err := e.runner.RunDomain(layerCtx, domain)
				if err != nil {
					return fmt.Errorf("domain %s: %w", domain, err)
				}
				res.Domain = domain
				results[j] = res
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return agg, err
		}

		for _, res := range results {
			agg.apply(res)
			if res.Success {
				continue
			}
			if _, critical := e.critical[res.Domain]; critical {
				e.logger.Error(ctx, "critical domain failed",
					"domain", res.Domain, "err", res.Err)
				return agg, fmt.Errorf("%w: %s", ErrCriticalFailed, res.Domain)
			}
			agg.PartialFailure = true
			e.logger.Warn(ctx, "non-critical domain failed, run continues",
				"domain", res.Domain, "err", res.Err)
		}
	}
	return agg, nil
}

// apply folds one domain result into the aggregate.
func (a *Aggregate) apply(res DomainResult) {
	a.Results = append(a.Results, res)
	seen := make(map[string]struct{}, len(a.Files))
	for _, f := range a.Files {
		seen[f] = struct{}{}
	}
	for _, f := range res.FilesModified {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		a.Files = append(a.Files, f)
	}
	a.TestsPassed = a.TestsPassed && res.TestsPassed
	a.BudgetUsed += res.BudgetUsed
	if !res.Success {
		a.FailedDomains = append(a.FailedDomains, res.Domain)
		sort.Strings(a.FailedDomains)
	}
}
