package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/r3e-network/workflowengine/internal/model"
)

func newStepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step <workflow-id>",
		Short: "Force exactly one session against a workflow",
		Long: `Drives a single session against the named workflow regardless of
its next_run_timestamp, bypassing scheduler candidate selection — a
one-shot operator tool for debugging a specific workflow.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			workflowID := args[0]

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			wf, err := a.Store.GetWorkflow(ctx, workflowID)
			if err != nil {
				return fmt.Errorf("get workflow %s: %w", workflowID, err)
			}

			_, result, err := a.Orch.RunScheduled(ctx, wf)
			if err != nil {
				return fmt.Errorf("run session: %w", err)
			}

			fmt.Printf("session result: %s", result.Kind)
			if result.Kind == model.SessionSuspended {
				fmt.Printf(" (%s)", result.Reason)
			}
			if result.Kind == model.SessionFailed {
				fmt.Printf(" error_type=%s err=%v", result.ErrorType, result.Err)
			}
			fmt.Println()
			return nil
		},
	}

	return cmd
}
