package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coderwave/wave/internal/config"
	"github.com/coderwave/wave/internal/gates"
	"github.com/coderwave/wave/internal/recovery"
)

func newRecoverCommand(flags *rootFlags) *cobra.Command {
	var (
		storyID  string
		strategy string
		gateNum  int
		reason   string
	)

	cmd := &cobra.Command{
		Use:   "recover <session-id>",
		Short: "Recover a failed story or session from its checkpoints",
		Long: `Recover applies a strategy to one story (--story) or to every
unfinished story in the session: resume_from_last, resume_from_gate
(with --gate), restart, or skip (with --reason).`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}

			req := recovery.Request{
				Strategy: recovery.Strategy(strategy),
				Reason:   reason,
			}
			if !req.Strategy.Valid() {
				return fmt.Errorf("%w: %q", recovery.ErrUnknownStrategy, strategy)
			}
			if req.Strategy == recovery.ResumeFromGate {
				g, err := gates.FromNumber(gateNum)
				if err != nil {
					return err
				}
				req.TargetGate = g
			}

			ctx := logContext(flags.debug)
			st, err := buildStack(ctx, cfg, bootOptions{SkipPlan: true})
			if err != nil {
				return err
			}
			defer st.close()

			sessionID := args[0]
			if storyID != "" {
				exec, err := st.recover.RecoverStory(ctx, sessionID, storyID, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "story %s recovered: status=%s gate=%s\n",
					exec.StoryID, exec.Status, exec.CurrentGate)
				return nil
			}

			res, err := st.recover.RecoverSession(ctx, sessionID, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "recovered: %s\n", joinOrNone(res.Recovered))
			if len(res.Failed) > 0 {
				fmt.Fprintf(os.Stdout, "failed: %s\n", strings.Join(res.Failed, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&storyID, "story", "", "recover this story only")
	cmd.Flags().StringVar(&strategy, "strategy", string(recovery.ResumeFromLast),
		"resume_from_last, resume_from_gate, restart, or skip")
	cmd.Flags().IntVar(&gateNum, "gate", 0, "target gate number for resume_from_gate")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on a skip")
	return cmd
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}
