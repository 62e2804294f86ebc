package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/persist"
	"github.com/loomwork/loom/internal/task"
)

// Submit emits MESSAGE_RECEIVED for a new piece of external input and
// returns the taskId the Agent assigns it, observed by watching the bus
// history for the matching TASK_CREATED (per §4.3's documented contract).
func (a *Agent) Submit(ctx context.Context, text, source, taskType, description string) (string, error) {
	evt := events.New(events.TypeMessageReceived, source, externalInputPayload{
		Text:        text,
		TaskType:    taskType,
		Description: description,
	})
	if err := a.bus.Emit(evt); err != nil {
		return "", err
	}
	return a.bus.WaitForTaskCreated(ctx, evt.ID, 5*time.Second)
}

// Resume hydrates taskId (from the registry, or from the persister's log if
// absent), verifies it is COMPLETED, clears cognitive state while
// preserving messages and actionsDone, appends newInput as a user message,
// and emits TASK_RESUMED.
func (a *Agent) Resume(taskID, newInput string) error {
	fsm, ok := a.lookupTask(taskID)
	if !ok {
		hydrated, err := a.hydrate(taskID)
		if err != nil {
			return err
		}
		fsm = hydrated
	}

	if fsm.State != task.StateCompleted {
		return fmt.Errorf("agent: cannot resume task %s: not COMPLETED (state=%s)", taskID, fsm.State)
	}

	previousState := fsm.State
	fsm.Context.ResetForResume()
	fsm.Context.AppendMessage(task.Message{Role: task.RoleUser, Content: newInput})
	fsm.Context.NewMessagesSince() // persisted below as TASK_RESUMED's newInput

	if err := a.persister.RecordTaskResumed(taskID, newInput, previousState); err != nil {
		return fmt.Errorf("agent: persist TASK_RESUMED for %s: %w", taskID, err)
	}

	return a.bus.Emit(events.New(events.TypeTaskResumed, "agent", nil).WithTask(taskID))
}

// RecoverCrashedTasks runs crash recovery over the persister's pending set
// and forwards a "failed" notification for each survivor. Call once at
// startup before Start(), so no task silently vanishes across a restart.
func (a *Agent) RecoverCrashedTasks() error {
	failures, err := a.persister.Recover()
	if err != nil {
		return fmt.Errorf("agent: crash recovery: %w", err)
	}
	for _, f := range failures {
		a.emitNotify(Notification{Type: "failed", TaskID: f.TaskID, Error: f.Error})
	}
	return nil
}

// hydrate reconstructs a task's FSM from its persisted JSONL log and
// registers it, for resuming a task no longer held in memory (e.g. after a
// restart).
func (a *Agent) hydrate(taskID string) (*task.FSM, error) {
	path, err := a.persister.ResolvePath(taskID)
	if err != nil {
		return nil, fmt.Errorf("agent: resolve path for %s: %w", taskID, err)
	}
	if path == "" {
		return nil, fmt.Errorf("agent: unknown task %s", taskID)
	}

	ctx, err := persist.Replay(path)
	if err != nil {
		return nil, fmt.Errorf("agent: replay %s: %w", taskID, err)
	}
	ctx.NewMessagesSince() // replayed messages are already on disk

	fsm := task.New(taskID, ctx, 0)
	fsm.State = task.StateCompleted
	if ctx.Error != "" {
		fsm.State = task.StateFailed
	}

	a.mu.Lock()
	a.registry[taskID] = fsm
	a.mu.Unlock()

	return fsm, nil
}
