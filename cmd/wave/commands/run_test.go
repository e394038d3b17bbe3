package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/config"
	"github.com/coderwave/wave/internal/orchestrator"
	"github.com/coderwave/wave/internal/waveplan"
)

func TestStartFlagsRequestFoldsPlanAndConfig(t *testing.T) {
	plan, err := waveplan.Parse([]byte(`
project: demo
wave: 3
budget:
  token_limit: 100000
  cost_limit_usd: 25
domains:
  - name: be
    agent: backend-coder
stories:
  - id: S-001
    title: Checkout API
    domain: be
    priority: 2
    points: 5
    requirements: POST /v1/checkout
`))
	require.NoError(t, err)

	st := &stack{
		cfg:  &config.Config{Budget: config.BudgetConfig{TokenLimit: 9, CostLimitUSD: 9}},
		plan: plan,
	}

	f := startFlags{storyID: "S-001"}
	req, err := f.request(st)
	require.NoError(t, err)
	require.Equal(t, "Checkout API", req.Title)
	require.Equal(t, "POST /v1/checkout", req.Requirements)
	require.Equal(t, "be", req.Domain)
	require.Equal(t, 3, req.WaveNumber)
	require.Equal(t, 2, req.Priority)
	require.Equal(t, 5, req.StoryPoints)
	require.Equal(t, int64(100000), req.TokenLimit)
	require.InDelta(t, 25, req.CostLimitUSD, 1e-9)

	// Explicit flags win over the plan entry.
	f = startFlags{storyID: "S-001", title: "Override", tokenLimit: 777}
	req, err = f.request(st)
	require.NoError(t, err)
	require.Equal(t, "Override", req.Title)
	require.Equal(t, int64(777), req.TokenLimit)
}

func TestStartFlagsRequestConfigDefaultsWithoutPlan(t *testing.T) {
	st := &stack{cfg: &config.Config{Budget: config.BudgetConfig{TokenLimit: 50000, CostLimitUSD: 10}}}
	f := startFlags{storyID: "S-009", requirements: "do the thing", domain: "be"}
	req, err := f.request(st)
	require.NoError(t, err)
	require.Equal(t, int64(50000), req.TokenLimit)
	require.InDelta(t, 10, req.CostLimitUSD, 1e-9)
}

func TestStartFlagsRequestReadsRequirementsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "story.md")
	require.NoError(t, os.WriteFile(path, []byte("  build the API  \n"), 0o600))

	st := &stack{cfg: &config.Config{}}
	f := startFlags{storyID: "S-002", reqFile: path}
	req, err := f.request(st)
	require.NoError(t, err)
	require.Equal(t, "build the API", req.Requirements)
}

func TestStartFlagsRequestRejectsMissingRequirements(t *testing.T) {
	st := &stack{cfg: &config.Config{}}
	f := startFlags{storyID: "S-003"}
	_, err := f.request(st)
	require.ErrorContains(t, err, "no requirements")
}

func TestRunSessionDrivesStoryToCompletion(t *testing.T) {
	requireShell(t)
	m := miniredis.RunT(t)
	cfg := testConfig(t, "redis://"+m.Addr())

	agents := map[string]string{
		"architect": `printf '{"design_complete": true, "design": "one service", "ac_passed": 2, "ac_total": 2, "tokens": 120}'`,
		"be":        `printf '{"tests_passed": true, "coverage": 0.92, "files_modified": ["svc.go"], "tokens": 400}'`,
		"qa":        `printf '{"qa_passed": true, "report": "green", "tokens": 60}'`,
	}
	st, err := buildStack(context.Background(), cfg, bootOptions{Agents: agents, RequireBus: true})
	require.NoError(t, err)
	defer st.close()

	req := orchestrator.StartRequest{
		StoryID:      "S-100",
		Title:        "Checkout API",
		Requirements: "POST /v1/checkout",
		Domain:       "be",
		TokenLimit:   100000,
		CostLimitUSD: 50,
	}
	require.NoError(t, runSession(context.Background(), st, req))

	sessions, err := st.store.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, checkpoint.SessionCompleted, sessions[0].Status)

	status, err := st.orch.Status(context.Background(), sessions[0].ID)
	require.NoError(t, err)
	require.True(t, status.IsComplete)
	require.InDelta(t, 100, status.ProgressPercent, 1e-9)
}
