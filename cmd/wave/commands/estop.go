package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coderwave/wave/internal/bus"
	"github.com/coderwave/wave/internal/config"
	"github.com/coderwave/wave/internal/estop"
	"github.com/coderwave/wave/internal/telemetry"
)

func newEStopCommand(flags *rootFlags) *cobra.Command {
	var (
		clear  bool
		status bool
	)

	cmd := &cobra.Command{
		Use:   "estop [reason]",
		Short: "Trigger, clear, or inspect the emergency stop",
		Long: `Estop writes the stop marker and broadcasts on the emergency stream so
every wave process halts at its next blocking call. --clear removes the
marker; --status reports whether a stop is in force.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			ctx := logContext(flags.debug)
			logger := telemetry.NewClueLogger()
			latch := estop.NewLatch(estop.LatchOptions{MarkerPath: cfg.EmergencyStopFile, Logger: logger})

			switch {
			case status:
				reportEStop(latch.MarkerPath())
				return nil
			case clear:
				if err := latch.Clear("cli"); err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, "emergency stop cleared")
				return nil
			default:
				reason := strings.Join(args, " ")
				if reason == "" {
					reason = "triggered via cli"
				}
				if err := latch.Trigger(reason); err != nil {
					return err
				}
				// Best-effort stream broadcast: the marker alone already stops
				// processes watching the path.
				client, err := bus.NewClient(bus.ClientOptions{URL: cfg.Redis.URL, MaxAttempts: 1})
				if err == nil {
					if err := client.Connect(ctx); err == nil {
						if err := estop.PublishStop(ctx, client, "", reason); err != nil {
							logger.Warn(ctx, "stop broadcast failed", "error", err)
						}
						_ = client.Close()
					} else {
						logger.Warn(ctx, "stream broker unreachable, marker written only", "error", err)
					}
				}
				fmt.Fprintf(os.Stdout, "emergency stop triggered: %s\n", reason)
				return nil
			}
		},
	}

	cmd.Flags().BoolVar(&clear, "clear", false, "clear the emergency stop")
	cmd.Flags().BoolVar(&status, "status", false, "report the emergency-stop state")
	return cmd
}

// reportEStop checks the durable marker; the in-process latch state is
// meaningless in a fresh CLI process.
func reportEStop(markerPath string) {
	raw, err := os.ReadFile(markerPath)
	if err != nil {
		fmt.Fprintf(os.Stdout, "emergency stop: clear (no marker at %s)\n", markerPath)
		return
	}
	fmt.Fprintf(os.Stdout, "emergency stop: ENGAGED (%s)\n", markerPath)
	fmt.Fprint(os.Stdout, string(raw))
}
