package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coderwave/wave/internal/config"
)

func newStopCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop a running session",
		Long: `Stop fails the session's active story with reason "stopped by user"
and writes the terminal checkpoint. The session stays recoverable.`,
		Args: cobra.ExactArgs(1),
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

			if err := st.orch.Stop(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "session %s stopped\n", args[0])
			return nil
		},
	}
	return cmd
}
