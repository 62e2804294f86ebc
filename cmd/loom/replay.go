package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomwork/loom/internal/config"
	"github.com/loomwork/loom/internal/orchestrator"
	"github.com/loomwork/loom/internal/persist"
)

// newReplayCmd reconstructs and prints a task's context from its JSONL log,
// or the main conversation session log when no task ID is given —
// grounded on the teacher's "nebo session" inspection commands
// (cmd/nebo/session.go), repurposed here to read the JSONL layout this
// system's Persister and SessionLog actually write.
func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [taskId]",
		Short: "Print a task's replayed context, or the main session if no taskId is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if len(args) == 0 {
				return replayMainSession(opts.DataDir)
			}
			return replayTask(opts.DataDir, args[0])
		},
	}
}

func replayTask(dataDir, taskID string) error {
	persister, err := persist.New(dataDir)
	if err != nil {
		return fmt.Errorf("init persister: %w", err)
	}
	path, err := persister.ResolvePath(taskID)
	if err != nil {
		return fmt.Errorf("resolve task %s: %w", taskID, err)
	}
	if path == "" {
		return fmt.Errorf("unknown task %s", taskID)
	}
	ctx, err := persist.Replay(path)
	if err != nil {
		return fmt.Errorf("replay task %s: %w", taskID, err)
	}
	return printJSON(ctx)
}

func replayMainSession(dataDir string) error {
	log, err := orchestrator.NewSessionLog(dataDir)
	if err != nil {
		return fmt.Errorf("init session log: %w", err)
	}
	messages, err := log.Replay()
	if err != nil {
		return fmt.Errorf("replay session log: %w", err)
	}
	return printJSON(messages)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(b))
	return nil
}
