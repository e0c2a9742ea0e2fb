package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var configPath string

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "workflowengine",
		Short: "Local-first workflow execution engine",
		Long: `workflowengine schedules and steps user-defined workflows: each
workflow declares producer and consumer handlers against named event
topics, and the engine drives them through a strict phase state
machine with at-most-one external side effect per consumer run.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStepCommand())
	rootCmd.AddCommand(newPauseCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newArchiveCommand())
	rootCmd.AddCommand(newUnarchiveCommand())
	rootCmd.AddCommand(newResolveMutationCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}
