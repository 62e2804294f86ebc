package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/events"
)

func newTestFSM() *FSM {
	ctx := NewContext("t1", "hello", "cli", "default", "", nil)
	return New("t1", ctx, 0)
}

func TestFSM_HappyPathRespond(t *testing.T) {
	f := newTestFSM()

	st, err := f.Advance(events.TypeTaskCreated, "e1", nil)
	require.NoError(t, err)
	require.Equal(t, StateReasoning, st)

	f.Context.Plan = &Plan{Steps: []Step{{Index: 0, ActionType: ActionRespond}}}
	st, err = f.Advance(events.TypeReasonDone, "e2", nil)
	require.NoError(t, err)
	require.Equal(t, StateActing, st)

	f.Context.MarkStepDone(0, ActionRecord{StepIndex: 0})
	st, err = f.Advance(events.TypeStepCompleted, "e3", nil)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st)
}

func TestFSM_ToolCallReturnsToReasoning(t *testing.T) {
	f := newTestFSM()
	_, _ = f.Advance(events.TypeTaskCreated, "e1", nil)

	f.Context.Plan = &Plan{Steps: []Step{{Index: 0, ActionType: ActionToolCall}}}
	_, err := f.Advance(events.TypeReasonDone, "e2", nil)
	require.NoError(t, err)

	f.Context.MarkStepDone(0, ActionRecord{StepIndex: 0})
	st, err := f.Advance(events.TypeToolCallCompleted, "e3", nil)
	require.NoError(t, err)
	require.Equal(t, StateReasoning, st, "a plan with any tool_call step must return to REASONING")
}

func TestFSM_ActingStaysWhileStepsRemain(t *testing.T) {
	f := newTestFSM()
	_, _ = f.Advance(events.TypeTaskCreated, "e1", nil)
	f.Context.Plan = &Plan{Steps: []Step{
		{Index: 0, ActionType: ActionToolCall},
		{Index: 1, ActionType: ActionRespond},
	}}
	_, _ = f.Advance(events.TypeReasonDone, "e2", nil)

	f.Context.MarkStepDone(0, ActionRecord{StepIndex: 0})
	st, err := f.Advance(events.TypeToolCallCompleted, "e3", nil)
	require.NoError(t, err)
	require.Equal(t, StateActing, st)
}

func TestFSM_FailedIsTerminal(t *testing.T) {
	f := newTestFSM()
	_, _ = f.Advance(events.TypeTaskCreated, "e1", nil)
	st, err := f.Advance(events.TypeTaskFailed, "e2", nil)
	require.NoError(t, err)
	require.Equal(t, StateFailed, st)

	_, err = f.Advance(events.TypeTaskResumed, "e3", nil)
	require.Error(t, err)
	require.Equal(t, StateFailed, f.State)
}

func TestFSM_CompletedIsResumable(t *testing.T) {
	f := newTestFSM()
	_, _ = f.Advance(events.TypeTaskCreated, "e1", nil)
	f.Context.Plan = &Plan{Steps: []Step{{Index: 0, ActionType: ActionRespond}}}
	_, _ = f.Advance(events.TypeReasonDone, "e2", nil)
	f.Context.MarkStepDone(0, ActionRecord{StepIndex: 0})
	_, _ = f.Advance(events.TypeStepCompleted, "e3", nil)
	require.Equal(t, StateCompleted, f.State)

	st, err := f.Advance(events.TypeTaskResumed, "e4", nil)
	require.NoError(t, err)
	require.Equal(t, StateReasoning, st)
}

func TestFSM_SuspendRemembersOrigin(t *testing.T) {
	f := newTestFSM()
	_, _ = f.Advance(events.TypeTaskCreated, "e1", nil)

	st, err := f.Advance(events.TypeTaskSuspended, "e2", nil)
	require.NoError(t, err)
	require.Equal(t, StateSuspended, st)
	require.Equal(t, StateReasoning, f.Context.SuspendedState)

	st, err = f.Advance(events.TypeTaskResumed, "e3", nil)
	require.NoError(t, err)
	require.Equal(t, StateReasoning, st)
}

func TestFSM_SuspendedMessageReceivedGoesToReasoning(t *testing.T) {
	f := newTestFSM()
	_, _ = f.Advance(events.TypeTaskCreated, "e1", nil)
	_, _ = f.Advance(events.TypeTaskSuspended, "e2", nil)

	st, err := f.Advance(events.TypeMessageReceived, "e3", nil)
	require.NoError(t, err)
	require.Equal(t, StateReasoning, st)
}

func TestFSM_SuspendFromIdleIsInvalid(t *testing.T) {
	f := newTestFSM()
	_, err := f.Advance(events.TypeTaskSuspended, "e1", nil)
	require.Error(t, err)
	require.Equal(t, StateIdle, f.State)
}

func TestFSM_NeedMoreInfoWhileActingIsInvalid(t *testing.T) {
	f := newTestFSM()
	_, _ = f.Advance(events.TypeTaskCreated, "e1", nil)
	f.Context.Plan = &Plan{Steps: []Step{{Index: 0, ActionType: ActionRespond}}}
	_, _ = f.Advance(events.TypeReasonDone, "e2", nil)
	require.Equal(t, StateActing, f.State)

	_, err := f.Advance(events.TypeNeedMoreInfo, "e3", nil)
	require.Error(t, err)
	require.Equal(t, StateActing, f.State)
}

func TestFSM_ReasonDoneFromIdleIsInvalid(t *testing.T) {
	// The FSM itself has no notion of "unknown task" — that check belongs
	// to the Agent's registry lookup. What the FSM rejects is an event out of
	// order for its own state, here REASON_DONE before TASK_CREATED.
	f := newTestFSM()
	_, err := f.Advance(events.TypeReasonDone, "e1", nil)
	require.Error(t, err)
}
