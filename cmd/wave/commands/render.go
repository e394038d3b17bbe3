package commands

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/coderwave/wave/internal/checkpoint"
	"github.com/coderwave/wave/internal/orchestrator"
)

var (
	greenText  = color.New(color.FgGreen).SprintFunc()
	yellowText = color.New(color.FgYellow).SprintFunc()
	redText    = color.New(color.FgRed).SprintFunc()
)

// colorStatus renders a session or story status with a severity color.
func colorStatus(status string) string {
	switch status {
	case "complete", "completed":
		return greenText(status)
	case "failed", "cancelled":
		return redText(status)
	case "blocked", "review":
		return yellowText(status)
	default:
		return status
	}
}

// renderStatus prints the session's phase, gate, and progress.
func renderStatus(w io.Writer, s *orchestrator.Status) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Session", "Story", "Phase", "Gate", "Progress"})
	t.AppendRow(table.Row{
		s.SessionID,
		s.StoryID,
		colorStatus(string(s.Phase)),
		string(s.Gate),
		fmt.Sprintf("%.0f%%", s.ProgressPercent),
	})
	t.Render()
	if s.Err != "" {
		fmt.Fprintf(w, "error: %s\n", redText(s.Err))
	}
}

// renderStories prints one row per story execution.
func renderStories(w io.Writer, stories []*checkpoint.StoryExecution) {
	if len(stories) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Story", "Domain", "Status", "Gate", "AC", "Tokens", "Cost", "Updated"})
	for _, e := range stories {
		t.AppendRow(table.Row{
			e.StoryID,
			e.Domain,
			colorStatus(string(e.Status)),
			string(e.CurrentGate),
			fmt.Sprintf("%d/%d", e.ACPassed, e.ACTotal),
			humanize.Comma(e.TokenCount),
			fmt.Sprintf("$%s", humanize.CommafWithDigits(e.CostUSD, 4)),
			humanize.Time(e.UpdatedAt),
		})
	}
	t.Render()
}

// renderSessions prints the session list.
func renderSessions(w io.Writer, sessions []*checkpoint.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Session", "Project", "Wave", "Status", "Stories", "Cost", "Created"})
	for _, s := range sessions {
		t.AppendRow(table.Row{
			s.ID,
			s.ProjectName,
			s.WaveNumber,
			colorStatus(string(s.Status)),
			fmt.Sprintf("%d/%d", s.StoriesCompleted, s.StoryCount),
			fmt.Sprintf("$%s", humanize.CommafWithDigits(s.ActualCostUSD, 4)),
			humanize.Time(s.CreatedAt),
		})
	}
	t.Render()
}

// renderCheckpoints prints the checkpoint chain for a session.
func renderCheckpoints(w io.Writer, cps []*checkpoint.Checkpoint) {
	if len(cps) == 0 {
		fmt.Fprintln(w, "no checkpoints")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"ID", "Type", "Name", "Story", "Gate", "Created"})
	for _, c := range cps {
		t.AppendRow(table.Row{
			c.ID,
			string(c.Type),
			c.Name,
			c.StoryID,
			string(c.Gate),
			humanize.Time(c.CreatedAt),
		})
	}
	t.Render()
}
