package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/coderwave/wave/internal/config"
)

func newStatusCommand(flags *rootFlags) *cobra.Command {
	var showCheckpoints bool

	cmd := &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show a session's phase, gate, and stories",
		Long: `Status answers from the persisted rows only, so it is correct after a
crash. Without a session id it lists every session in the store.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}

			ctx := logContext(flags.debug)
			st, err := buildStack(ctx, cfg, bootOptions{SkipPlan: true})
			if err != nil {
				return err
			}
			defer st.close()

			if len(args) == 0 {
				sessions, err := st.store.ListSessions(ctx)
				if err != nil {
					return err
				}
				renderSessions(os.Stdout, sessions)
				return nil
			}

			sessionID := args[0]
			status, err := st.orch.Status(ctx, sessionID)
			if err != nil {
				return err
			}
			renderStatus(os.Stdout, status)

			stories, err := st.store.ListStoryExecutions(ctx, sessionID)
			if err != nil {
				return err
			}
			renderStories(os.Stdout, stories)

			if showCheckpoints {
				cps, err := st.store.ListCheckpoints(ctx, sessionID)
				if err != nil {
					return err
				}
				renderCheckpoints(os.Stdout, cps)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showCheckpoints, "checkpoints", false, "include the session's checkpoint chain")
	return cmd
}
