package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/logging"
	"github.com/loomwork/loom/internal/task"
)

// externalInputPayload is the shape Submit attaches to the MESSAGE_RECEIVED
// event it emits. handleExternalInput accepts only this payload type, on
// MESSAGE_RECEIVED, SCHEDULE_TICK and WEBHOOK_RECEIVED alike.
type externalInputPayload struct {
	Text        string
	TaskType    string
	Description string
}

// handleExternalInput constructs a new TaskContext, registers its FSM, and
// emits TASK_CREATED. An external input event carrying an
// externalInputPayload yields exactly one new task; an event with any other
// payload is logged and dropped.
func (a *Agent) handleExternalInput(_ context.Context, evt events.Event) error {
	payload, ok := evt.Payload.(externalInputPayload)
	if !ok {
		logging.Warnf("agent: external input event %s carried no usable payload", evt.ID)
		return nil
	}

	taskID := uuid.New().String()
	ctx := task.NewContext(taskID, payload.Text, evt.Source, payload.TaskType, payload.Description, nil)
	fsm := task.New(taskID, ctx, evt.EffectivePriority())

	if !a.registerTask(fsm) {
		logging.Errorf("agent: duplicate task id %s, dropping", taskID)
		return nil
	}

	if err := a.persister.RecordTaskCreated(taskID, ctx); err != nil {
		logging.Warnf("agent: persist TASK_CREATED for %s: %v", taskID, err)
	}

	created := events.New(events.TypeTaskCreated, "agent", nil).WithTask(taskID).WithParent(evt.ID)
	return a.bus.Emit(created)
}

// handleTaskScoped looks up the task, applies the FSM transition, and
// dispatches the asynchronous cognitive work the resulting state calls for.
func (a *Agent) handleTaskScoped(_ context.Context, evt events.Event) error {
	fsm, ok := a.lookupTask(evt.TaskID)
	if !ok {
		logging.Warnf("agent: event %s for unknown task %s, dropping", evt.Type, evt.TaskID)
		return nil
	}

	state, err := fsm.Advance(evt.Type, evt.ID, nil)
	if err != nil {
		logging.Warnf("agent: invalid transition for task %s: %v", evt.TaskID, err)
		return nil
	}

	a.dispatch(evt.TaskID, fsm, state)
	return nil
}

// dispatch spawns the background cognitive work for a task's new state,
// per the dispatch table in §4.3.
func (a *Agent) dispatch(taskID string, fsm *task.FSM, state task.State) {
	switch state {
	case task.StateReasoning:
		a.spawn(taskID, func(ctx context.Context) { a.runReasoning(ctx, taskID, fsm) })
	case task.StateActing:
		a.spawn(taskID, func(ctx context.Context) { a.runActing(ctx, taskID, fsm) })
	case task.StateSuspended:
		logging.Infof("agent: task %s suspended (%s)", taskID, fsm.Context.SuspendReason)
	case task.StateCompleted:
		a.spawn(taskID, func(ctx context.Context) { a.runCompleted(ctx, taskID, fsm) })
	case task.StateFailed:
		a.spawn(taskID, func(ctx context.Context) { a.runFailed(ctx, taskID, fsm) })
	}
}

func fmtIterationError(n int) string {
	return fmt.Sprintf("Max cognitive iterations exceeded (%d)", n)
}
