package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/coderwave/wave/internal/taskqueue"
	"github.com/coderwave/wave/internal/telemetry"
)

// stderrTailLimit bounds how much agent stderr is folded into an error.
const stderrTailLimit = 2048

// ExecProcessor runs a domain agent as a subprocess. The task is written to
// the agent's stdin as a JSON document and the agent answers with a JSON
// payload on stdout. The agent runs in the task's worktree when the payload
// carries one, so coders start inside their isolated branch.
type ExecProcessor struct {
	// Command is the shell command line that launches the agent.
	Command string
	// Dir is the fallback working directory when the task has no worktree.
	Dir string
	// Logger defaults to a no-op.
	Logger telemetry.Logger
}

// taskInput is the JSON document handed to the agent on stdin.
type taskInput struct {
	ID      string         `json:"id"`
	StoryID string         `json:"story_id"`
	Domain  string         `json:"domain"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`
}

// ProcessTask implements worker.Processor.
func (p *ExecProcessor) ProcessTask(ctx context.Context, task *taskqueue.Task) (map[string]any, error) {
	input, err := json.Marshal(taskInput{
		ID:      task.ID,
		StoryID: task.StoryID,
		Domain:  task.Domain,
		Action:  task.Action,
		Payload: task.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.Dir = p.workDir(task)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(),
		"WAVE_TASK_ID="+task.ID,
		"WAVE_STORY_ID="+task.StoryID,
		"WAVE_DOMAIN="+task.Domain,
		"WAVE_ACTION="+task.Action,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if p.Logger != nil {
		p.Logger.Debug(ctx, "agent start",
			"domain", task.Domain, "action", task.Action, "dir", cmd.Dir)
	}
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("agent %s/%s: %w: %s", task.Domain, task.Action, err, stderrTail(stderr.Bytes()))
	}

	out := stdout.Bytes()
	if len(bytes.TrimSpace(out)) == 0 {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(out, &payload); err != nil {
		return nil, fmt.Errorf("agent %s/%s produced invalid JSON: %w", task.Domain, task.Action, err)
	}
	return payload, nil
}

// workDir prefers the per-domain worktree so coder agents operate on their
// own branch.
func (p *ExecProcessor) workDir(task *taskqueue.Task) string {
	if wt, ok := task.Payload["worktree"].(string); ok && wt != "" {
		return wt
	}
	return p.Dir
}

func stderrTail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTailLimit {
		s = "..." + s[len(s)-stderrTailLimit:]
	}
	return s
}
