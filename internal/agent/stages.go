package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/logging"
	"github.com/loomwork/loom/internal/task"
	"github.com/loomwork/loom/internal/toolreg"
)

// runReasoning invokes the Thinker, applying the reasoning iteration guard
// before each call, and folds the result into the task's context before
// emitting the completion event — a completion event is never emitted
// before the context it describes has already been mutated.
func (a *Agent) runReasoning(ctx context.Context, taskID string, fsm *task.FSM) {
	tc := fsm.Context

	tc.Iteration++
	if tc.Iteration > a.opts.MaxCognitiveIterations {
		tc.Error = fmtIterationError(a.opts.MaxCognitiveIterations)
		a.emitTrigger(taskID, events.TypeTaskFailed)
		return
	}

	if err := a.llmGate.Acquire(ctx); err != nil {
		logging.Warnf("agent: %s: llm gate acquire: %v", taskID, err)
		return
	}
	defer a.llmGate.Release()

	toolDefs := a.tools.Definitions(tc.TaskType)
	result, err := a.thinker.Think(ctx, tc, toolDefs)
	if err != nil {
		logging.Errorf("agent: %s: thinker error: %v", taskID, err)
		tc.Error = err.Error()
		a.emitTrigger(taskID, events.TypeTaskFailed)
		return
	}

	if result.NeedMoreInfo {
		tc.Reasoning = result.Reasoning
		if err := a.persister.RecordNeedMoreInfo(taskID, tc.Reasoning); err != nil {
			logging.Warnf("agent: %s: persist NEED_MORE_INFO: %v", taskID, err)
		}
		a.emitTrigger(taskID, events.TypeNeedMoreInfo)
		return
	}

	tc.Reasoning = result.Reasoning
	tc.Plan = result.Plan
	newMsgs := tc.NewMessagesSince()
	if err := a.persister.RecordReasonDone(taskID, tc, newMsgs); err != nil {
		logging.Warnf("agent: %s: persist REASON_DONE: %v", taskID, err)
	}
	a.emitTrigger(taskID, events.TypeReasonDone)
}

// runActing executes exactly the task's current plan step, folds the
// result into context, and only then emits the matching completion event.
func (a *Agent) runActing(ctx context.Context, taskID string, fsm *task.FSM) {
	tc := fsm.Context
	step := tc.Plan.CurrentStep()
	if step == nil {
		return
	}

	switch step.ActionType {
	case task.ActionToolCall:
		a.runToolCallStep(ctx, taskID, fsm, step)
	case task.ActionRespond, task.ActionStub:
		a.runSyncStep(taskID, fsm, step)
	}
}

func (a *Agent) runToolCallStep(ctx context.Context, taskID string, fsm *task.FSM, step *task.Step) {
	tc := fsm.Context

	if err := a.toolGate.Acquire(ctx); err != nil {
		logging.Warnf("agent: %s: tool gate acquire: %v", taskID, err)
		return
	}
	defer a.toolGate.Release()

	call, ok := toolCallFromStep(*step)
	if !ok {
		logging.Errorf("agent: %s: tool_call step %d missing a tool name", taskID, step.Index)
		return
	}

	a.emitTrigger(taskID, events.TypeToolCallRequested)

	started := time.Now()
	result, err := a.tools.Execute(ctx, tc.TaskType, call)
	completed := time.Now()

	record := task.ActionRecord{
		StepIndex:   step.Index,
		ActionType:  task.ActionToolCall,
		StartedAt:   started,
		CompletedAt: completed,
	}

	trigger := events.TypeToolCallCompleted
	if err != nil || result.IsError {
		trigger = events.TypeToolCallFailed
		if err != nil {
			record.Error = err.Error()
		} else {
			record.Error = result.Content
		}
	} else {
		record.Result = result.Content
	}

	tc.AppendMessage(task.Message{
		Role:       task.RoleTool,
		Content:    result.Content,
		ToolCallID: call.ID,
	})
	tc.MarkStepDone(step.Index, record)

	newMsgs := tc.NewMessagesSince()
	var persistErr error
	if trigger == events.TypeToolCallCompleted {
		persistErr = a.persister.RecordToolCallCompleted(taskID, newMsgs)
	} else {
		persistErr = a.persister.RecordToolCallFailed(taskID, newMsgs)
	}
	if persistErr != nil {
		logging.Warnf("agent: %s: persist %s: %v", taskID, trigger, persistErr)
	}

	a.emitTrigger(taskID, trigger)
}

func (a *Agent) runSyncStep(taskID string, fsm *task.FSM, step *task.Step) {
	tc := fsm.Context
	now := time.Now()
	record := task.ActionRecord{
		StepIndex:   step.Index,
		ActionType:  step.ActionType,
		StartedAt:   now,
		CompletedAt: now,
		Result:      step.Description,
	}

	if step.ActionType == task.ActionRespond {
		tc.AppendMessage(task.Message{Role: task.RoleAssistant, Content: step.Description})
	}

	tc.MarkStepDone(step.Index, record)

	newMsgs := tc.NewMessagesSince()
	if err := a.persister.RecordStepCompleted(taskID, len(tc.ActionsDone), record, newMsgs); err != nil {
		logging.Warnf("agent: %s: persist STEP_COMPLETED: %v", taskID, err)
	}
	a.emitTrigger(taskID, events.TypeStepCompleted)
}

// runCompleted compiles the result, notifies, and spawns reflection if the
// reflection gate is satisfied. It is the terminal work for COMPLETED.
func (a *Agent) runCompleted(ctx context.Context, taskID string, fsm *task.FSM) {
	tc := fsm.Context
	tc.FinalResult = finalResponse(tc)

	newMsgs := tc.NewMessagesSince()
	if err := a.persister.RecordTaskCompleted(taskID, tc.FinalResult, tc.Iteration, newMsgs); err != nil {
		logging.Warnf("agent: %s: persist TASK_COMPLETED: %v", taskID, err)
	}
	_ = a.bus.Emit(events.New(events.TypeTaskCompleted, "agent", nil).WithTask(taskID))

	a.emitNotify(Notification{Type: "completed", TaskID: taskID, Result: tc.FinalResult})

	if a.reflector != nil && shouldReflect(tc) {
		a.spawn(taskID, func(ctx context.Context) {
			summary, err := a.reflector.Reflect(ctx, tc)
			if err != nil {
				logging.Warnf("agent: %s: reflection failed: %v", taskID, err)
				return
			}
			tc.Reflections = append(tc.Reflections, summary)
		})
	}
}

// runFailed persists and notifies for a task that just reached FAILED. It
// never re-emits TASK_FAILED: the event is already on the bus by the time
// this runs (handleTaskScoped dispatches here only after consuming one),
// except when reached via forceFail, which emits it directly itself.
func (a *Agent) runFailed(_ context.Context, taskID string, fsm *task.FSM) {
	tc := fsm.Context
	if err := a.persister.RecordTaskFailed(taskID, tc.Error); err != nil {
		logging.Warnf("agent: %s: persist TASK_FAILED: %v", taskID, err)
	}
	a.emitNotify(Notification{Type: "failed", TaskID: taskID, Error: tc.Error})
}

// emitTrigger publishes trigger onto the bus scoped to taskID. It is the
// only way a cognitive stage signals its completion — the single consumer
// serializes the matching FSM.Advance call in handleTaskScoped, so apart
// from forceFail's direct call, Advance is never called from a stage goroutine.
func (a *Agent) emitTrigger(taskID string, trigger events.EventType) {
	_ = a.bus.Emit(events.New(trigger, "agent", nil).WithTask(taskID))
}

func toolCallFromStep(step task.Step) (toolreg.Call, bool) {
	name, _ := step.ActionParams["name"].(string)
	if name == "" {
		return toolreg.Call{}, false
	}
	id, _ := step.ActionParams["id"].(string)
	if id == "" {
		id = uuid.New().String()
	}
	input, _ := step.ActionParams["input"].([]byte)
	return toolreg.Call{ID: id, Name: name, Input: input}, true
}

// finalResponse extracts the text of the last assistant message as the
// task's compiled result, per scenario 1's `result.response` contract.
func finalResponse(tc *task.Context) string {
	for i := len(tc.Messages) - 1; i >= 0; i-- {
		if tc.Messages[i].Role == task.RoleAssistant {
			return tc.Messages[i].Content
		}
	}
	return ""
}

// shouldReflect is the reflection gate heuristic: reflect only on tasks
// substantial enough to be worth the extra model call.
func shouldReflect(tc *task.Context) bool {
	return tc.Iteration >= 2 || len(tc.ActionsDone) >= 2 || len(tc.Messages) >= 4
}
