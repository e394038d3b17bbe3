// Package commands implements the wave CLI: the serve daemon, one-shot
// session runs, session inspection, recovery, the emergency stop, and plan
// validation.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build metadata, injected via -ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath string
	debug      bool
}

// NewRootCommand builds the wave command tree.
func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "wave",
		Short: "Wave - autonomous multi-agent development orchestrator",
		Long: `Wave decomposes stories into domain coding tasks, dispatches them to
domain agents, gates every phase on safety and budget checks, merges the
per-domain work, and checkpoints all state so interrupted runs resume.

Commands:
  serve     Run the orchestrator daemon with the HTTP API
  start     Create a session for a story without running it
  run       Start and run a story to completion
  status    Show a session's phase, gate, and stories
  stop      Stop a running session
  recover   Recover a failed story or session from its checkpoints
  estop     Trigger, clear, or inspect the emergency stop
  plan      Validate and inspect a wave plan file`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default wave.yaml in the working directory)")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newServeCommand(flags))
	rootCmd.AddCommand(newStartCommand(flags))
	rootCmd.AddCommand(newRunCommand(flags))
	rootCmd.AddCommand(newStatusCommand(flags))
	rootCmd.AddCommand(newStopCommand(flags))
	rootCmd.AddCommand(newRecoverCommand(flags))
	rootCmd.AddCommand(newEStopCommand(flags))
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "wave %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}
