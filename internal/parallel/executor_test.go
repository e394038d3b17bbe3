package parallel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu      sync.Mutex
	ran     []string
	results map[string]DomainResult
	errs    map[string]error
	onRun   func(domain string)
}

func (r *recordingRunner) RunDomain(ctx context.Context, domain string) (DomainResult, error) {
	r.mu.Lock()
	r.ran = append(r.ran, domain)
	r.mu.Unlock()
	if r.onRun != nil {
		r.onRun(domain)
	}
	if err := r.errs[domain]; err != nil {
		return DomainResult{}, err
	}
	if res, ok := r.results[domain]; ok {
		return res, nil
	}
	return DomainResult{Success: true, TestsPassed: true}, nil
}

func (r *recordingRunner) domains() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func newExecutor(t *testing.T, runner Runner, opts ExecutorOptions) *Executor {
	t.Helper()
	opts.Runner = runner
	e, err := NewExecutor(opts)
	require.NoError(t, err)
	return e
}

func TestExecuteFansOutAndJoinsLayers(t *testing.T) {
	var inflight, peak atomic.Int32
	var feDone, beDone, qaStartedEarly atomic.Bool

	runner := &recordingRunner{
		results: map[string]DomainResult{
			"be": {Success: true, TestsPassed: true, FilesModified: []string{"b.go", "shared.ts"}, BudgetUsed: 1},
			"fe": {Success: true, TestsPassed: true, FilesModified: []string{"a.ts", "shared.ts"}, BudgetUsed: 2},
			"qa": {Success: true, TestsPassed: true, FilesModified: []string{"qa.md"}, BudgetUsed: 3},
		},
		onRun: func(domain string) {
			cur := inflight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			switch domain {
			case "qa":
				qaStartedEarly.Store(!feDone.Load() || !beDone.Load())
			default:
				time.Sleep(30 * time.Millisecond)
				if domain == "fe" {
					feDone.Store(true)
				} else {
					beDone.Store(true)
				}
			}
			inflight.Add(-1)
		},
	}
	e := newExecutor(t, runner, ExecutorOptions{})

	agg, err := e.Execute(context.Background(), Graph{
		Domains: []string{"fe", "be", "qa"},
		Deps:    map[string][]string{"qa": {"fe", "be"}},
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, peak.Load(), int32(2), "layer members run concurrently")
	require.False(t, qaStartedEarly.Load(), "qa must wait for fe and be")

	require.Equal(t, []string{"b.go", "shared.ts", "a.ts", "qa.md"}, agg.Files)
	require.True(t, agg.TestsPassed)
	require.Equal(t, 6.0, agg.BudgetUsed)
	require.Empty(t, agg.FailedDomains)
	require.False(t, agg.PartialFailure)
	require.Len(t, agg.Results, 3)
}

func TestExecuteNonCriticalFailureContinues(t *testing.T) {
	runner := &recordingRunner{
		results: map[string]DomainResult{
			"fe": {Success: false, Err: "lint exploded"},
		},
	}
	e := newExecutor(t, runner, ExecutorOptions{})

	agg, err := e.Execute(context.Background(), Graph{
		Domains: []string{"be", "fe", "qa"},
		Deps:    map[string][]string{"qa": {"be", "fe"}},
	})
	require.NoError(t, err)
	require.True(t, agg.PartialFailure)
	require.Equal(t, []string{"fe"}, agg.FailedDomains)
	require.Contains(t, runner.domains(), "qa", "later layers still run")
}

func TestExecuteCriticalFailureStopsRun(t *testing.T) {
	runner := &recordingRunner{
		results: map[string]DomainResult{
			"auth": {Success: false, Err: "token mint broken"},
		},
	}
	e := newExecutor(t, runner, ExecutorOptions{})

	agg, err := e.Execute(context.Background(), Graph{
		Domains: []string{"auth", "qa"},
		Deps:    map[string][]string{"qa": {"auth"}},
	})
	require.ErrorIs(t, err, ErrCriticalFailed)
	require.Equal(t, []string{"auth"}, agg.FailedDomains)
	require.NotContains(t, runner.domains(), "qa")
}

func TestExecuteRunnerErrorAborts(t *testing.T) {
	boom := errors.New("worktree vanished")
	runner := &recordingRunner{errs: map[string]error{"be": boom}}
	e := newExecutor(t, runner, ExecutorOptions{})

	_, err := e.Execute(context.Background(), Graph{
		Domains: []string{"be", "qa"},
		Deps:    map[string][]string{"qa": {"be"}},
	})
	require.ErrorIs(t, err, boom)
	require.NotContains(t, runner.domains(), "qa")
}

func TestExecuteHaltStopsBetweenLayers(t *testing.T) {
	stop := errors.New("emergency stop engaged")
	var tripped atomic.Bool
	runner := &recordingRunner{
		onRun: func(string) { tripped.Store(true) },
	}
	e := newExecutor(t, runner, ExecutorOptions{
		Halt: func() error {
			if tripped.Load() {
				return stop
			}
			return nil
		},
	})

	_, err := e.Execute(context.Background(), Graph{
		Domains: []string{"be", "qa"},
		Deps:    map[string][]string{"qa": {"be"}},
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, []string{"be"}, runner.domains())
}

func TestExecuteTestsPassedIsConjunction(t *testing.T) {
	runner := &recordingRunner{
		results: map[string]DomainResult{
			"be": {Success: true, TestsPassed: true},
			"fe": {Success: true, TestsPassed: false},
		},
	}
	e := newExecutor(t, runner, ExecutorOptions{})

	agg, err := e.Execute(context.Background(), Graph{Domains: []string{"be", "fe"}})
	require.NoError(t, err)
	require.False(t, agg.TestsPassed)
	require.Empty(t, agg.FailedDomains)
}

func TestExecuteRejectsCyclicGraph(t *testing.T) {
	e := newExecutor(t, &recordingRunner{}, ExecutorOptions{})
	_, err := e.Execute(context.Background(), Graph{
		Domains: []string{"a", "b"},
		Deps:    map[string][]string{"a": {"b"}, "b": {"a"}},
	})
	require.ErrorIs(t, err, ErrCycle)
}
