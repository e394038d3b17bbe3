package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/coderwave/wave/internal/telemetry"
)

// defaultGitTimeout bounds one git invocation. Merges of real repositories
// finish well inside it; a hung credential helper or filesystem does not get
// to hang the run.
const defaultGitTimeout = 30 * time.Second

// CommandError carries the captured output of a failed git invocation.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// GitExecutor runs git against a repository with a per-invocation timeout.
// Auto-maintenance is disabled so frequent worktree churn never spawns
// background gc helpers mid-run.
type GitExecutor struct {
	timeout time.Duration
	logger  telemetry.Logger
}

// GitExecutorOptions configures a GitExecutor.
type GitExecutorOptions struct {
	// Timeout bounds each invocation. Defaults to 30s.
	Timeout time.Duration
	// Logger defaults to a no-op.
	Logger telemetry.Logger
}

// NewGitExecutor constructs a GitExecutor.
func NewGitExecutor(opts GitExecutorOptions) *GitExecutor {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultGitTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &GitExecutor{timeout: timeout, logger: logger}
}

// Run executes git in dir and returns stdout and stderr.
func (g *GitExecutor) Run(ctx context.Context, dir string, args ...string) (string, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.CommandContext(runCtx, "git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out, errOut := stdout.String(), stderr.String()
	if err != nil {
		if runCtx.Err() != nil {
			err = runCtx.Err()
		}
		return out, errOut, &CommandError{Args: args, Stdout: out, Stderr: errOut, Err: err}
	}
	return out, errOut, nil
}

// IsRepo reports whether dir is inside a git working tree.
func (g *GitExecutor) IsRepo(ctx context.Context, dir string) bool {
	out, _, err := g.Run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// HeadSHA returns the commit HEAD resolves to in dir.
func (g *GitExecutor) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, _, err := g.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BranchExists reports whether a local branch exists in dir.
func (g *GitExecutor) BranchExists(ctx context.Context, dir, branch string) bool {
	_, _, err := g.Run(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// ConflictFiles lists paths with unresolved merge conflicts in dir.
func (g *GitExecutor) ConflictFiles(ctx context.Context, dir string) ([]string, error) {
	out, _, err := g.Run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}
