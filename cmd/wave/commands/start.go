package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coderwave/wave/internal/config"
)

func newStartCommand(flags *rootFlags) *cobra.Command {
	var opts startFlags

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create a session for a story without running it",
		Long: `Start materializes the session and story rows with the initial
checkpoint and prints the session id. Run it later with the serve daemon's
API or "wave run".`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}

			ctx := logContext(flags.debug)
			st, err := buildStack(ctx, cfg, bootOptions{})
			if err != nil {
				return err
			}
			defer st.close()

			if !cfg.Postgres.Enabled() {
				st.logger.Warn(ctx, "no relational store configured, the session exists only in this process")
			}

			req, err := opts.request(st)
			if err != nil {
				return err
			}
			sess, err := st.orch.Start(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "session %s created for story %s\n", sess.ID, req.StoryID)
			return nil
		},
	}

	opts.bind(cmd)
	return cmd
}
