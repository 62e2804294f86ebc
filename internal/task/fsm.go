package task

import (
	"fmt"
	"time"

	"github.com/loomwork/loom/internal/events"
)

// State is one of the six cognitive stages a task can occupy.
type State string

const (
	StateIdle       State = "IDLE"
	StateReasoning  State = "REASONING"
	StateActing     State = "ACTING"
	StateSuspended  State = "SUSPENDED"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// TransitionRecord is one entry in the FSM's history.
type TransitionRecord struct {
	From        State
	To          State
	TriggerType events.EventType
	TriggerID   string
	Timestamp   time.Time
	Metadata    map[string]any
}

// InvalidTransitionError is returned when an event is not legal from the
// FSM's current state. Callers (the Agent) log and drop the event; the FSM
// itself never panics or corrupts state on an invalid transition.
type InvalidTransitionError struct {
	State   State
	Trigger events.EventType
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s does not accept %s", e.State, e.Trigger)
}

// FSM wraps a Context with the state machine that governs it. Exactly one
// Task owns an FSM and its embedded Context (no aliasing).
type FSM struct {
	TaskID    string
	State     State
	History   []TransitionRecord
	CreatedAt time.Time
	UpdatedAt time.Time
	Priority  int
	Metadata  map[string]any

	Context *Context
}

// New constructs an FSM in IDLE for the given context.
func New(taskID string, ctx *Context, priority int) *FSM {
	now := time.Now()
	return &FSM{
		TaskID:    taskID,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
		Priority:  priority,
		Context:   ctx,
	}
}

var suspendable = map[State]bool{
	StateReasoning: true,
	StateActing:    true,
}

// Advance applies trigger to the FSM's current state, mutating State and
// appending a history record on success. It performs no I/O.
//
// Ordering guarantee: concurrent TOOL_CALL_COMPLETED / TOOL_CALL_FAILED /
// STEP_COMPLETED events for the same task are NOT serialized beyond what the
// bus's single-consumer dispatch already provides. The ACTING dynamic
// resolution below tolerates any completion order: it only inspects whether
// steps remain, never which step completed most recently.
func (f *FSM) Advance(trigger events.EventType, triggerID string, metadata map[string]any) (State, error) {
	from := f.State
	to, err := f.resolve(from, trigger)
	if err != nil {
		return from, err
	}

	switch trigger {
	case events.TypeTaskSuspended, events.TypeNeedMoreInfo:
		f.Context.SuspendedState = from
	case events.TypeTaskResumed:
		f.Context.SuspendedState = ""
	}

	f.State = to
	f.UpdatedAt = time.Now()
	f.History = append(f.History, TransitionRecord{
		From:        from,
		To:          to,
		TriggerType: trigger,
		TriggerID:   triggerID,
		Timestamp:   f.UpdatedAt,
		Metadata:    metadata,
	})
	return to, nil
}

// resolve computes the next state for (from, trigger), including the
// dynamic resolutions documented in §4.2: ACTING's next state depends on
// plan-step completion, and SUSPENDED's resume target depends on which
// state it was suspended from.
func (f *FSM) resolve(from State, trigger events.EventType) (State, error) {
	if from == StateFailed {
		return from, &InvalidTransitionError{State: from, Trigger: trigger}
	}

	// TASK_FAILED is legal from any non-terminal state (FAILED itself
	// already rejected above; COMPLETED is non-terminal and accepts it).
	if trigger == events.TypeTaskFailed {
		return StateFailed, nil
	}

	switch from {
	case StateIdle:
		if trigger == events.TypeTaskCreated {
			return StateReasoning, nil
		}

	case StateReasoning:
		switch trigger {
		case events.TypeReasonDone:
			return StateActing, nil
		case events.TypeNeedMoreInfo:
			return StateSuspended, nil
		case events.TypeTaskSuspended:
			return StateSuspended, nil
		}

	case StateActing:
		switch trigger {
		case events.TypeToolCallCompleted, events.TypeToolCallFailed, events.TypeStepCompleted:
			return f.resolveActing(), nil
		case events.TypeTaskSuspended:
			return StateSuspended, nil
		}
		// NEED_MORE_INFO is explicitly invalid while ACTING (§9 open
		// question, resolved per source behavior: preserve invalidity).

	case StateSuspended:
		switch trigger {
		case events.TypeTaskResumed:
			if !suspendable[f.Context.SuspendedState] {
				return from, &InvalidTransitionError{State: from, Trigger: trigger}
			}
			return f.Context.SuspendedState, nil
		case events.TypeMessageReceived:
			return StateReasoning, nil
		}

	case StateCompleted:
		if trigger == events.TypeTaskResumed {
			return StateReasoning, nil
		}
	}

	return from, &InvalidTransitionError{State: from, Trigger: trigger}
}

// resolveActing implements the dynamic resolution documented in §4.2: if
// any plan step remains incomplete, stay in ACTING; otherwise REASONING if
// the plan contained any tool_call step (the Thinker must integrate
// results), else COMPLETED.
func (f *FSM) resolveActing() State {
	plan := f.Context.Plan
	if !plan.AllStepsComplete() {
		return StateActing
	}
	if plan.HasToolCallStep() {
		return StateReasoning
	}
	return StateCompleted
}
