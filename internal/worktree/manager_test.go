package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func runGitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test",
		"GIT_AUTHOR_EMAIL=test@test",
		"GIT_COMMITTER_NAME=test",
		"GIT_COMMITTER_EMAIL=test@test",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	requireGit(t)
	dir := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	runGitCmd(t, dir, "init", "-b", "main")
	runGitCmd(t, dir, "config", "user.name", "test")
	runGitCmd(t, dir, "config", "user.email", "test@test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shared.txt"), []byte("base\n"), 0o644))
	runGitCmd(t, dir, "add", "-A")
	runGitCmd(t, dir, "commit", "-m", "initial")
	return dir
}

func newTestManager(t *testing.T, repoDir string) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOptions{RepoDir: repoDir})
	require.NoError(t, err)
	return m
}

func commitFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	runGitCmd(t, dir, "add", "-A")
	runGitCmd(t, dir, "commit", "-m", "edit "+name)
}

func branchExists(dir, branch string) bool {
	cmd := exec.Command("git", "-C", dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return cmd.Run() == nil
}

func TestCreateCleanupLifecycle(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	ctx := context.Background()

	wt, err := m.Create(ctx, "be", "run1", "")
	require.NoError(t, err)
	require.True(t, wt.IsValid)
	require.Equal(t, "wave/run1/be", wt.Branch)
	require.DirExists(t, wt.Path)
	require.True(t, branchExists(repo, wt.Branch))

	// Re-creating destroys the previous tree first.
	commitFile(t, wt.Path, "scratch.txt", "scratch\n")
	wt2, err := m.Create(ctx, "be", "run1", "")
	require.NoError(t, err)
	require.True(t, wt2.IsValid)
	require.NoFileExists(t, filepath.Join(wt2.Path, "scratch.txt"))

	require.NoError(t, m.Cleanup(ctx, "be", "run1"))
	require.NoDirExists(t, wt2.Path)
	require.False(t, branchExists(repo, wt2.Branch))
	_, ok := m.Lookup("be", "run1")
	require.False(t, ok)

	// Cleaning what is already gone succeeds.
	require.NoError(t, m.Cleanup(ctx, "be", "run1"))
}

func TestCreateReturnsInvalidDescriptorOnFailure(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	wt, err := m.Create(context.Background(), "be", "run1", "no-such-branch")
	require.Error(t, err)
	require.False(t, wt.IsValid)
}

func TestDomainsCommitIndependently(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	ctx := context.Background()

	be, err := m.Create(ctx, "be", "run1", "")
	require.NoError(t, err)
	fe, err := m.Create(ctx, "fe", "run1", "")
	require.NoError(t, err)

	commitFile(t, be.Path, "api.txt", "handler\n")
	commitFile(t, fe.Path, "view.txt", "component\n")

	require.NoFileExists(t, filepath.Join(be.Path, "view.txt"))
	require.NoFileExists(t, filepath.Join(fe.Path, "api.txt"))
}

func TestDiscoverReregisters(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()

	first := newTestManager(t, repo)
	_, err := first.Create(ctx, "be", "run1", "")
	require.NoError(t, err)
	_, err = first.Create(ctx, "fe", "run1", "")
	require.NoError(t, err)

	// A fresh manager starts empty and recovers the trees from git.
	second := newTestManager(t, repo)
	_, ok := second.Lookup("be", "run1")
	require.False(t, ok)

	found, err := second.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, found, 2)

	be, ok := second.Lookup("be", "run1")
	require.True(t, ok)
	require.Equal(t, "wave/run1/be", be.Branch)
	require.True(t, be.IsValid)
	_, ok = second.Lookup("fe", "run1")
	require.True(t, ok)
}

func TestMergeCleanThenConflict(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	ctx := context.Background()

	fe, err := m.Create(ctx, "fe", "run1", "")
	require.NoError(t, err)
	be, err := m.Create(ctx, "be", "run1", "")
	require.NoError(t, err)

	commitFile(t, fe.Path, "shared.txt", "fe change\n")
	commitFile(t, be.Path, "shared.txt", "be change\n")

	res, err := m.Merge(ctx, "fe", "run1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.HasConflicts)
	require.NotEmpty(t, res.MergedSHA)

	res, err = m.Merge(ctx, "be", "run1")
	require.ErrorIs(t, err, ErrMergeConflict)
	require.False(t, res.Success)
	require.True(t, res.HasConflicts)
	require.Equal(t, []string{"shared.txt"}, res.ConflictFiles)

	// The temporary integration worktrees are gone in both outcomes.
	leftovers, err := filepath.Glob(filepath.Join(m.root, "run1", ".merge-*"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestMergeAllContinuesPastConflicts(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	ctx := context.Background()

	fe, err := m.Create(ctx, "fe", "run1", "")
	require.NoError(t, err)
	be, err := m.Create(ctx, "be", "run1", "")
	require.NoError(t, err)
	qa, err := m.Create(ctx, "qa", "run1", "")
	require.NoError(t, err)

	commitFile(t, fe.Path, "shared.txt", "fe change\n")
	commitFile(t, be.Path, "shared.txt", "be change\n")
	commitFile(t, qa.Path, "qa.txt", "checks\n")

	results, err := m.MergeAll(ctx, "run1", []string{"fe", "be", "qa"})
	require.ErrorIs(t, err, ErrMergeConflict)
	require.Len(t, results, 3)
	require.True(t, results[0].Success)
	require.True(t, results[1].HasConflicts)
	require.True(t, results[2].Success, "a conflict must not stop later domains")
}

func TestCleanupRunRemovesBranchesAndDirectories(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	ctx := context.Background()

	_, err := m.Create(ctx, "be", "run1", "")
	require.NoError(t, err)
	fe, err := m.Create(ctx, "fe", "run1", "")
	require.NoError(t, err)
	commitFile(t, fe.Path, "view.txt", "component\n")
	_, err = m.Merge(ctx, "fe", "run1")
	require.NoError(t, err)

	require.NoError(t, m.CleanupRun(ctx, "run1"))
	require.NoDirExists(t, filepath.Join(m.root, "run1"))
	require.False(t, branchExists(repo, "wave/run1/be"))
	require.False(t, branchExists(repo, "wave/run1/fe"))
	require.False(t, branchExists(repo, "wave/run1/integration"))
	require.Empty(t, m.List())
}

func TestCreateRespectsLiveLock(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	lock := m.lockPath("run1", "be")
	require.NoError(t, os.MkdirAll(filepath.Dir(lock), 0o755))
	require.NoError(t, os.WriteFile(lock, []byte(strconv.Itoa(os.Getpid())), 0o644))

	_, err := m.Create(context.Background(), "be", "run1", "")
	require.ErrorIs(t, err, ErrLocked)
}

func TestCreateTakesOverStaleLock(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	lock := m.lockPath("run1", "be")
	require.NoError(t, os.MkdirAll(filepath.Dir(lock), 0o755))
	require.NoError(t, os.WriteFile(lock, []byte("not-a-pid"), 0o644))

	wt, err := m.Create(context.Background(), "be", "run1", "")
	require.NoError(t, err)
	require.True(t, wt.IsValid)
	require.NoFileExists(t, lock, "lock released after create")
}

func TestParseWorktreeList(t *testing.T) {
	out := "worktree /repos/app\nHEAD 1111111111111111111111111111111111111111\nbranch refs/heads/main\n\n" +
		"worktree /repos/worktrees/run1/be\nHEAD 2222222222222222222222222222222222222222\nbranch refs/heads/wave/run1/be\n\n" +
		"worktree /repos/worktrees/detached\nHEAD 3333333333333333333333333333333333333333\ndetached\n\n"

	trees := parseWorktreeList(out)
	require.Len(t, trees, 3)
	require.Equal(t, "/repos/app", trees[0].Path)
	require.Equal(t, "main", trees[0].Branch)
	require.Equal(t, "wave/run1/be", trees[1].Branch)
	require.Empty(t, trees[2].Branch)
}
