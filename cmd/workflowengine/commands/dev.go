package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/r3e-network/workflowengine/internal/model"
)

func newDevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Development mode commands",
		Long:  `Commands for local development against a running engine database.`,
	}

	cmd.AddCommand(newDevWatchCommand())
	return cmd
}

func newDevWatchCommand() *cobra.Command {
	var (
		scriptDir  string
		workflowID string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a directory of handler scripts and reload them on change",
		Long: `Watches --dir for .star file changes and writes the edited file's
contents back into the named workflow's producer/consumer script
fields, so editing a handler script on disk takes effect on the next
session without restarting the engine.

File naming convention: <handler-name>.producer.star or
<handler-name>.prepare.star / <handler-name>.emit.star.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if scriptDir == "" {
				return fmt.Errorf("--dir is required")
			}
			if workflowID == "" {
				return fmt.Errorf("--workflow is required")
			}

			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("create watcher: %w", err)
			}
			defer watcher.Close()

			if err := watcher.Add(scriptDir); err != nil {
				return fmt.Errorf("watch %s: %w", scriptDir, err)
			}

			log.Info().Str("dir", scriptDir).Str("workflow", workflowID).Msg("watching handler scripts")

			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
						continue
					}
					if err := reloadScript(ctx, a, workflowID, event.Name); err != nil {
						log.Error().Err(err).Str("file", event.Name).Msg("reload failed")
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					log.Error().Err(err).Msg("watcher error")
				}
			}
		},
	}

	cmd.Flags().StringVar(&scriptDir, "dir", "", "directory of .star handler scripts to watch")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id to reload scripts into")
	return cmd
}

// reloadScript parses a changed file's name for its handler name and
// script role, writes the new source into the workflow's handler_config,
// and persists it — the hot-reload loop a fresh RunScheduled call picks
// up on its next session.
func reloadScript(ctx context.Context, a *app, workflowID, path string) error {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".star") {
		return nil
	}
	parts := strings.Split(strings.TrimSuffix(base, ".star"), ".")
	if len(parts) != 2 {
		return fmt.Errorf("unrecognized script filename %q (want <handler>.<role>.star)", base)
	}
	handlerName, role := parts[0], parts[1]

	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	wf, err := a.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("get workflow: %w", err)
	}

	switch role {
	case "producer":
		if !setProducerScript(wf, handlerName, string(source)) {
			return fmt.Errorf("no producer handler named %q", handlerName)
		}
	case "prepare":
		if !setConsumerPrepareScript(wf, handlerName, string(source)) {
			return fmt.Errorf("no consumer handler named %q", handlerName)
		}
	case "emit":
		if !setConsumerEmitScript(wf, handlerName, string(source)) {
			return fmt.Errorf("no consumer handler named %q", handlerName)
		}
	default:
		return fmt.Errorf("unrecognized script role %q", role)
	}

	if err := a.Store.UpdateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	log.Info().Str("handler", handlerName).Str("role", role).Msg("reloaded handler script")
	return nil
}

func setProducerScript(wf *model.Workflow, handlerName, source string) bool {
	for i := range wf.HandlerConfig.Producers {
		if wf.HandlerConfig.Producers[i].HandlerName == handlerName {
			wf.HandlerConfig.Producers[i].Script = source
			return true
		}
	}
	return false
}

func setConsumerPrepareScript(wf *model.Workflow, handlerName, source string) bool {
	for i := range wf.HandlerConfig.Consumers {
		if wf.HandlerConfig.Consumers[i].HandlerName == handlerName {
			wf.HandlerConfig.Consumers[i].PrepareScript = source
			return true
		}
	}
	return false
}

func setConsumerEmitScript(wf *model.Workflow, handlerName, source string) bool {
	for i := range wf.HandlerConfig.Consumers {
		if wf.HandlerConfig.Consumers[i].HandlerName == handlerName {
			wf.HandlerConfig.Consumers[i].EmitScript = source
			return true
		}
	}
	return false
}
