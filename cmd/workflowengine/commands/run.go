package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler loop",
		Long: `Starts the engine's tick loop: every 10 seconds (and immediately
again after any productive tick) it picks one due, eligible workflow,
drives a session against it, and reacts to the outcome.

Before the first tick, any handler runs left incomplete by a prior
process (a crash mid-session) are resumed, and any mutation left
in_flight is reconciled to indeterminate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(ctx); err != nil {
					log.Error().Err(err).Msg("error closing engine")
				}
			}()

			if err := a.Orch.ResumeIncomplete(ctx); err != nil {
				return err
			}

			log.Info().Msg("scheduler starting")
			if err := a.Scheduler.Run(ctx); err != nil {
				return err
			}
			log.Info().Msg("scheduler stopped")
			return nil
		},
	}

	return cmd
}
