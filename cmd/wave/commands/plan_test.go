package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coderwave/wave/internal/waveplan"
)

const planFixture = `
project: shop
wave: 2
domains:
  - name: be
    agent: backend-coder
  - name: fe
    agent: frontend-coder
  - name: qa
    agent: quality-reviewer
    depends_on: [be, fe]
stories:
  - id: S-001
    title: Checkout API
    domain: be
    requirements: POST /v1/checkout
`

func TestRenderPlanShowsDomainsAndLayers(t *testing.T) {
	plan, err := waveplan.Parse([]byte(planFixture))
	require.NoError(t, err)

	var buf bytes.Buffer
	renderPlan(&buf, plan)
	out := buf.String()

	require.Contains(t, out, "plan ok: project=shop wave=2 domains=3 stories=1")
	require.Contains(t, out, "backend-coder")
	require.Contains(t, out, "be, fe")
	require.Contains(t, out, "layer 0: be, fe")
	require.Contains(t, out, "layer 1: qa")
}

func TestPlanValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wave.plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(planFixture), 0o600))

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"plan", "validate", path})
	require.NoError(t, cmd.Execute())
}

func TestPlanValidateRejectsBrokenPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wave.plan.yaml")
	broken := "project: shop\ndomains:\n  - name: be\n    depends_on: [be]\n"
	require.NoError(t, os.WriteFile(path, []byte(broken), 0o600))

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"plan", "validate", path})
	require.Error(t, cmd.Execute())
}
