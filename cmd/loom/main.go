// Command loom runs the cognitive task orchestrator: Event Bus, Task FSM,
// Agent, Task Persister, Conversation Orchestrator, and Subagent/Tool
// Registry wired together behind a small cobra CLI, grounded on the
// teacher's nebo.go entry point (godotenv load, config load, cobra
// Execute()).
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
