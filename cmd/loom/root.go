package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomwork/loom/internal/agent"
	"github.com/loomwork/loom/internal/bus"
	"github.com/loomwork/loom/internal/config"
	"github.com/loomwork/loom/internal/modeladapter"
	"github.com/loomwork/loom/internal/orchestrator"
	"github.com/loomwork/loom/internal/persist"
	"github.com/loomwork/loom/internal/toolreg"
)

var configPath string

// newRootCmd builds the loom CLI, grounded on the teacher's cobra layout
// (cmd/nebo/root.go): a thin root command, subcommands doing the real work.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "loom",
		Short: "Event-driven cognitive task orchestrator",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "loom.yaml", "path to the YAML config file")
	root.AddCommand(newRunCmd())
	root.AddCommand(newReplayCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator and read messages from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive()
		},
	}
}

func runInteractive() error {
	opts, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	model := os.Getenv("LOOM_MODEL")
	if model == "" {
		return fmt.Errorf("LOOM_MODEL is not set (e.g. claude-sonnet-4-5)")
	}
	adapter := modeladapter.New(apiKey, model, 0)

	b := bus.New(bus.WithHistory(1024))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	persister, err := persist.New(opts.DataDir)
	if err != nil {
		return fmt.Errorf("init persister: %w", err)
	}

	tools := toolreg.New(toolreg.WithTimeout(time.Duration(opts.Tools.TimeoutSeconds) * time.Second))

	a := agent.New(b, persister, tools, adapter, nil, agent.Options{
		MaxConcurrentCalls:     opts.LLM.MaxConcurrentCalls,
		MaxConcurrentTools:     opts.Agent.MaxConcurrentTools,
		MaxCognitiveIterations: opts.Agent.MaxCognitiveIterations,
		MaxActiveTasks:         opts.Agent.MaxActiveTasks,
	})

	sessionLog, err := orchestrator.NewSessionLog(opts.DataDir)
	if err != nil {
		return fmt.Errorf("init session log: %w", err)
	}
	skills := orchestrator.NewSkillRegistry()

	reply := func(channelType, channelID, text, replyTo string) error {
		fmt.Println(text)
		return nil
	}

	orch := orchestrator.New(a, tools, adapter, sessionLog, skills, reply, adapter, orchestrator.Options{
		SystemPrompt:     "You are Loom, a cognitive task orchestrator. Use reply to speak to the user and spawn_subagent to delegate work.",
		CompactThreshold: opts.Session.CompactThreshold,
		ContextWindow:    opts.LLM.ContextWindow,
	})
	if err := orch.Start(); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Stop()

	a.OnNotify(orch.HandleNotify)

	// Recovery runs once the notify callback is registered, so each
	// recovered failure reaches the orchestrator, and before the Agent starts.
	if err := a.RecoverCrashedTasks(); err != nil {
		return fmt.Errorf("recover crashed tasks: %w", err)
	}
	a.Start()
	defer a.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lineCh := make(chan string)
	go func() {
		defer close(lineCh)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
	}()

	for {
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			return nil
		case line, ok := <-lineCh:
			if !ok {
				return nil
			}
			orch.SubmitMessage(line, "cli", "stdin", "")
		}
	}
}

