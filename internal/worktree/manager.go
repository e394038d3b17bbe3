// Package worktree gives each domain worker an isolated working copy of the
// target repository. Every {run, domain} pair gets its own branch and
// checkout under a shared worktrees root, so four coders can write and
// commit simultaneously against one object store. Merging back happens
// through a throwaway worktree on the run's integration branch.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coderwave/wave/internal/telemetry"
)

// ErrMergeConflict reports a merge stopped by conflicting files. The merge
// was aborted; the integration branch is untouched.
var ErrMergeConflict = errors.New("merge conflict")

// branchPattern matches the branches this manager owns.
var branchPattern = regexp.MustCompile(`^wave/([^/]+)/([^/]+)$`)

type (
	// Worktree describes one materialized working copy.
	Worktree struct {
		Domain     string
		RunID      string
		Path       string
		Branch     string
		BaseBranch string
		CreatedAt  time.Time
		IsValid    bool
	}

	// MergeResult reports one domain-to-integration merge.
	MergeResult struct {
		Domain        string
		Success       bool
		HasConflicts  bool
		ConflictFiles []string
		MergedSHA     string
		Message       string
	}

	// ManagerOptions configures a Manager.
	ManagerOptions struct {
		// RepoDir is the primary checkout of the target repository. Required.
		RepoDir string
		// Root overrides the worktrees directory. Defaults to a worktrees/
		// directory next to the repository.
		Root string
		// BaseBranch is the default branch new domain branches fork from.
		// Defaults to main.
		BaseBranch string
		// Git overrides the executor.
		Git *GitExecutor
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Manager creates, discovers, merges and removes domain worktrees.
	// Safe for concurrent use; distinct {run, domain} pairs never contend.
	Manager struct {
		repoDir string
		root    string
		base    string
		git     *GitExecutor
		logger  telemetry.Logger

		mu    sync.Mutex
		trees map[string]*Worktree
	}
)

// BranchName returns the branch for a {run, domain} pair.
func BranchName(runID, domain string) string {
	return fmt.Sprintf("wave/%s/%s", runID, domain)
}

// IntegrationBranch returns the branch domain work merges into.
func IntegrationBranch(runID string) string {
	return BranchName(runID, "integration")
}

// NewManager constructs a Manager rooted next to the repository.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.RepoDir == "" {
		return nil, errors.New("repo dir is required")
	}
	repoDir, err := filepath.Abs(opts.RepoDir)
	if err != nil {
		return nil, fmt.Errorf("resolve repo dir: %w", err)
	}
	root := opts.Root
	if root == "" {
		root = filepath.Join(filepath.Dir(repoDir), "worktrees")
	}
	base := opts.BaseBranch
	if base == "" {
		base = "main"
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	git := opts.Git
	if git == nil {
		git = NewGitExecutor(GitExecutorOptions{Logger: logger})
	}
	return &Manager{
		repoDir: repoDir,
		root:    root,
		base:    base,
		git:     git,
		logger:  logger,
		trees:   make(map[string]*Worktree),
	}, nil
}

// Create materializes a fresh worktree for the pair, destroying any previous
// tree and branch of the same name first. The returned descriptor has
// IsValid false when creation failed. Creation for one {run, domain} is
// serialized across processes with a lock file.
func (m *Manager) Create(ctx context.Context, domain, runID, base string) (*Worktree, error) {
	if domain == "" || runID == "" {
		return &Worktree{Domain: domain, RunID: runID}, errors.New("domain and run id are required")
	}
	if base == "" {
		base = m.base
	}
	branch := BranchName(runID, domain)
	path := m.path(runID, domain)
	wt := &Worktree{Domain: domain, RunID: runID, Path: path, Branch: branch, BaseBranch: base}

	release, err := acquireLock(m.lockPath(runID, domain))
	if err != nil {
		return wt, err
	}
	defer release()

	m.destroy(ctx, path, branch)

	if _, _, err := m.git.Run(ctx, m.repoDir, "worktree", "add", "-b", branch, path, base); err != nil {
		return wt, fmt.Errorf("create worktree %s: %w", branch, err)
	}
	wt.CreatedAt = time.Now().UTC()
	wt.IsValid = true

	m.mu.Lock()
	m.trees[treeKey(runID, domain)] = wt
	m.mu.Unlock()
	m.logger.Info(ctx, "worktree created",
		"run_id", runID, "domain", domain, "branch", branch, "path", path)
	return wt, nil
}

// Cleanup removes the pair's worktree, branch and registration. Cleaning a
// worktree that does not exist succeeds.
func (m *Manager) Cleanup(ctx context.Context, domain, runID string) error {
	m.destroy(ctx, m.path(runID, domain), BranchName(runID, domain))
	m.mu.Lock()
	delete(m.trees, treeKey(runID, domain))
	m.mu.Unlock()
	m.logger.Info(ctx, "worktree cleaned", "run_id", runID, "domain", domain)
	return nil
}

// CleanupRun removes every worktree of a run, registered or found on disk,
// plus the run's integration branch and directory.
func (m *Manager) CleanupRun(ctx context.Context, runID string) error {
	domains := make(map[string]struct{})
	m.mu.Lock()
	for _, wt := range m.trees {
		if wt.RunID == runID {
			domains[wt.Domain] = struct{}{}
		}
	}
	m.mu.Unlock()

	runDir := filepath.Join(m.root, runID)
	if entries, err := os.ReadDir(runDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				domains[e.Name()] = struct{}{}
			}
		}
	}

	ordered := make([]string, 0, len(domains))
	for domain := range domains {
		ordered = append(ordered, domain)
	}
	sort.Strings(ordered)
	for _, domain := range ordered {
		if err := m.Cleanup(ctx, domain, runID); err != nil {
			return err
		}
	}

	if integration := IntegrationBranch(runID); m.git.BranchExists(ctx, m.repoDir, integration) {
		if _, _, err := m.git.Run(ctx, m.repoDir, "branch", "-D", integration); err != nil {
			m.logger.Warn(ctx, "integration branch delete failed", "branch", integration, "err", err)
		}
	}
	os.RemoveAll(runDir)
	_, _, _ = m.git.Run(ctx, m.repoDir, "worktree", "prune")
	return nil
}

// Discover enumerates existing worktrees whose branch this manager owns and
// re-registers them. This is how a restarted process finds the trees a
// crashed predecessor left behind.
func (m *Manager) Discover(ctx context.Context) ([]*Worktree, error) {
	out, _, err := m.git.Run(ctx, m.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	var found []*Worktree
	m.mu.Lock()
	for _, wt := range parseWorktreeList(out) {
		parts := branchPattern.FindStringSubmatch(wt.Branch)
		if parts == nil {
			continue
		}
		wt.RunID, wt.Domain = parts[1], parts[2]
		wt.IsValid = true
		if info, err := os.Stat(wt.Path); err == nil {
			wt.CreatedAt = info.ModTime().UTC()
		}
		m.trees[treeKey(wt.RunID, wt.Domain)] = wt
		found = append(found, wt)
	}
	m.mu.Unlock()

	m.logger.Info(ctx, "worktrees discovered", "count", len(found))
	return found, nil
}

// Merge lands one domain branch on the run's integration branch with a
// no-fast-forward merge inside a temporary worktree. Conflicts abort the
// merge and surface as ErrMergeConflict with the conflicting files in the
// result; the temporary worktree is removed either way.
func (m *Manager) Merge(ctx context.Context, domain, runID string) (*MergeResult, error) {
	branch := BranchName(runID, domain)
	integration := IntegrationBranch(runID)
	res := &MergeResult{Domain: domain}

	if !m.git.BranchExists(ctx, m.repoDir, branch) {
		res.Message = fmt.Sprintf("branch %s does not exist", branch)
		return res, fmt.Errorf("merge %s: branch does not exist", branch)
	}
	if err := m.ensureIntegration(ctx, runID); err != nil {
		res.Message = err.Error()
		return res, err
	}

	tmp := filepath.Join(m.root, runID, fmt.Sprintf(".merge-%s-%d", domain, time.Now().UnixNano()))
	if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		res.Message = err.Error()
		return res, fmt.Errorf("create merge dir: %w", err)
	}
	if _, _, err := m.git.Run(ctx, m.repoDir, "worktree", "add", tmp, integration); err != nil {
		res.Message = err.Error()
		return res, fmt.Errorf("open integration worktree: %w", err)
	}
	defer m.removeTemp(ctx, tmp)

	msg := fmt.Sprintf("Merge %s into %s", branch, integration)
	mergeArgs := []string{"merge", "--no-ff", "-m", msg, branch}
	_, _, err := m.git.Run(ctx, tmp, mergeArgs...)
	if err != nil && identityMissing(err) {
		// Retry with a fallback committer identity without touching repo
		// config.
		_, _, err = m.git.Run(ctx, tmp,
			append([]string{"-c", "user.name=wave", "-c", "user.email=wave@local"}, mergeArgs...)...)
	}
	if err != nil {
		files, cerr := m.git.ConflictFiles(ctx, tmp)
		if cerr == nil && len(files) > 0 {
			_, _, _ = m.git.Run(ctx, tmp, "merge", "--abort")
			res.HasConflicts = true
			res.ConflictFiles = files
			res.Message = fmt.Sprintf("merge of %s stopped on %d conflicting files", branch, len(files))
			m.logger.Warn(ctx, "merge conflict",
				"run_id", runID, "domain", domain, "files", strings.Join(files, ","))
			return res, fmt.Errorf("%w: %s", ErrMergeConflict, strings.Join(files, ", "))
		}
		res.Message = err.Error()
		return res, fmt.Errorf("merge %s: %w", branch, err)
	}

	sha, err := m.git.HeadSHA(ctx, tmp)
	if err != nil {
		res.Message = err.Error()
		return res, err
	}
	res.Success = true
	res.MergedSHA = sha
	res.Message = fmt.Sprintf("merged %s into %s", branch, integration)
	m.logger.Info(ctx, "domain merged",
		"run_id", runID, "domain", domain, "sha", sha)
	return res, nil
}

// MergeAll merges domains in the given order. Conflicts do not stop later
// domains from merging; any other failure does. When at least one domain
// conflicted the returned error is ErrMergeConflict naming them.
func (m *Manager) MergeAll(ctx context.Context, runID string, domains []string) ([]*MergeResult, error) {
	results := make([]*MergeResult, 0, len(domains))
	var conflicted []string
	for _, domain := range domains {
		res, err := m.Merge(ctx, domain, runID)
		results = append(results, res)
		switch {
		case err == nil:
		case errors.Is(err, ErrMergeConflict):
			conflicted = append(conflicted, domain)
		default:
			return results, fmt.Errorf("merge all: %w", err)
		}
	}
	if len(conflicted) > 0 {
		return results, fmt.Errorf("%w: domains %s", ErrMergeConflict, strings.Join(conflicted, ", "))
	}
	return results, nil
}

// Lookup returns the registered worktree for the pair.
func (m *Manager) Lookup(domain, runID string) (*Worktree, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wt, ok := m.trees[treeKey(runID, domain)]
	return wt, ok
}

// List returns the registered worktrees ordered by run then domain.
func (m *Manager) List() []*Worktree {
	m.mu.Lock()
	trees := make([]*Worktree, 0, len(m.trees))
	for _, wt := range m.trees {
		trees = append(trees, wt)
	}
	m.mu.Unlock()
	sort.Slice(trees, func(i, j int) bool {
		if trees[i].RunID != trees[j].RunID {
			return trees[i].RunID < trees[j].RunID
		}
		return trees[i].Domain < trees[j].Domain
	})
	return trees
}

// destroy removes a worktree, its directory and its branch, best effort.
// Order matters: the branch cannot be deleted while a registered worktree
// has it checked out.
func (m *Manager) destroy(ctx context.Context, path, branch string) {
	if _, err := os.Stat(path); err == nil {
		if _, _, err := m.git.Run(ctx, m.repoDir, "worktree", "remove", "--force", path); err != nil {
			m.logger.Warn(ctx, "worktree remove failed", "path", path, "err", err)
		}
	}
	os.RemoveAll(path)
	_, _, _ = m.git.Run(ctx, m.repoDir, "worktree", "prune")
	if m.git.BranchExists(ctx, m.repoDir, branch) {
		if _, _, err := m.git.Run(ctx, m.repoDir, "branch", "-D", branch); err != nil {
			m.logger.Warn(ctx, "branch delete failed", "branch", branch, "err", err)
		}
	}
}

func (m *Manager) removeTemp(ctx context.Context, tmp string) {
	if _, _, err := m.git.Run(ctx, m.repoDir, "worktree", "remove", "--force", tmp); err != nil {
		m.logger.Warn(ctx, "temp worktree remove failed", "path", tmp, "err", err)
		os.RemoveAll(tmp)
		_, _, _ = m.git.Run(ctx, m.repoDir, "worktree", "prune")
	}
}

func (m *Manager) ensureIntegration(ctx context.Context, runID string) error {
	integration := IntegrationBranch(runID)
	if m.git.BranchExists(ctx, m.repoDir, integration) {
		return nil
	}
	if _, _, err := m.git.Run(ctx, m.repoDir, "branch", integration, m.base); err != nil {
		return fmt.Errorf("create integration branch: %w", err)
	}
	return nil
}

func (m *Manager) path(runID, domain string) string {
	return filepath.Join(m.root, runID, domain)
}

func (m *Manager) lockPath(runID, domain string) string {
	return filepath.Join(m.root, runID, "."+domain+".lock")
}

func treeKey(runID, domain string) string { return runID + "/" + domain }

// parseWorktreeList parses `git worktree list --porcelain` output. Entries
// are blank-line separated; bare and detached entries come back with an
// empty Branch.
func parseWorktreeList(out string) []*Worktree {
	var trees []*Worktree
	var cur *Worktree
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			if cur != nil {
				trees = append(trees, cur)
				cur = nil
			}
		case strings.HasPrefix(line, "worktree "):
			cur = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if cur != nil {
		trees = append(trees, cur)
	}
	return trees
}

func identityMissing(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "Author identity unknown") ||
		strings.Contains(s, "Please tell me who you are") ||
		strings.Contains(s, "unable to auto-detect email address")
}
