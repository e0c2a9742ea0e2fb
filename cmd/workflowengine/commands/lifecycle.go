package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <workflow-id>",
		Short: "Pause a workflow, taking it out of scheduler candidacy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				return a.API.PauseWorkflow(cmd.Context(), args[0])
			})
		},
	}
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <workflow-id>",
		Short: "Resume a paused or errored workflow, clearing its error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				return a.API.ResumeWorkflow(cmd.Context(), args[0])
			})
		},
	}
}

func newArchiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <workflow-id>",
		Short: "Archive a workflow permanently out of scheduling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				return a.API.ArchiveWorkflow(cmd.Context(), args[0])
			})
		},
	}
}

func newUnarchiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unarchive <workflow-id>",
		Short: "Return an archived workflow to paused",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				return a.API.UnarchiveWorkflow(cmd.Context(), args[0])
			})
		},
	}
}

func newResolveMutationCommand() *cobra.Command {
	var skipped bool

	cmd := &cobra.Command{
		Use:   "resolve-mutation <mutation-id>",
		Short: "Resolve an indeterminate mutation",
		Long: `Resolves a mutation stuck indeterminate after a crash mid-call.

By default resolves as "did not happen": reserved events are released
back to pending for reprocessing. With --skipped, resolves as
"continue without retrying the side effect": reserved events are
marked skipped and the scheduler will drive a continuation entering
the handler at its emitting phase.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				if skipped {
					return a.API.ResolveMutationSkipped(cmd.Context(), args[0])
				}
				return a.API.ResolveMutationFailed(cmd.Context(), args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&skipped, "skipped", false, "resolve as skipped instead of failed")
	return cmd
}

// withApp loads config, wires the app, runs fn, and closes the app —
// the shared boilerplate for every one-shot lifecycle subcommand.
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	ctx := cmd.Context()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	if err := fn(a); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}
