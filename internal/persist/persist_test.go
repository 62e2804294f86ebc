package persist

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/task"
)

func newTestPersister(t *testing.T) *Persister {
	t.Helper()
	p, err := New(t.TempDir())
	require.NoError(t, err)
	return p
}

func TestPersister_ReplayReconstructsContext(t *testing.T) {
	p := newTestPersister(t)
	taskID := "t1"
	ctx := task.NewContext(taskID, "hello", "cli", "default", "", nil)

	require.NoError(t, p.RecordTaskCreated(taskID, ctx))

	ctx.AppendMessage(task.Message{Role: task.RoleAssistant, Content: "thinking"})
	ctx.Plan = &task.Plan{Goal: "respond", Steps: []task.Step{{Index: 0, ActionType: task.ActionRespond}}}
	require.NoError(t, p.RecordReasonDone(taskID, ctx, ctx.NewMessagesSince()))

	ctx.MarkStepDone(0, task.ActionRecord{StepIndex: 0, Result: "hello"})
	require.NoError(t, p.RecordStepCompleted(taskID, len(ctx.ActionsDone), ctx.ActionsDone[len(ctx.ActionsDone)-1], ctx.NewMessagesSince()))

	ctx.FinalResult = "hello"
	ctx.Iteration = 1
	require.NoError(t, p.RecordTaskCompleted(taskID, ctx.FinalResult, ctx.Iteration, ctx.NewMessagesSince()))

	path, err := p.ResolvePath(taskID)
	require.NoError(t, err)
	require.NotEmpty(t, path)

	replayed, err := Replay(path)
	require.NoError(t, err)

	require.Equal(t, ctx.InputText, replayed.InputText)
	require.Len(t, replayed.Messages, 1)
	require.Equal(t, "thinking", replayed.Messages[0].Content)
	require.Len(t, replayed.ActionsDone, 1)
	require.Equal(t, "hello", replayed.ActionsDone[0].Result)
	require.Equal(t, "hello", replayed.FinalResult)
	require.Equal(t, 1, replayed.Iteration)
}

func TestPersister_PendingTracksInFlightTasks(t *testing.T) {
	p := newTestPersister(t)
	ctx := task.NewContext("t1", "hi", "cli", "default", "", nil)
	require.NoError(t, p.RecordTaskCreated("t1", ctx))

	pending, err := p.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "t1", pending[0].TaskID)

	require.NoError(t, p.RecordTaskCompleted("t1", "done", 1, nil))
	pending, err = p.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestPersister_RecoverForceFailsPendingTasks(t *testing.T) {
	p := newTestPersister(t)
	ctx := task.NewContext("t1", "hi", "cli", "default", "", nil)
	require.NoError(t, p.RecordTaskCreated("t1", ctx))

	failures, err := p.Recover()
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, "process restarted, task cancelled", failures[0].Error)

	pending, err := p.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)

	path, err := p.ResolvePath("t1")
	require.NoError(t, err)
	replayed, err := Replay(path)
	require.NoError(t, err)
	require.Equal(t, "process restarted, task cancelled", replayed.Error)
}

func TestPersister_ResolvePathUnknownTask(t *testing.T) {
	p := newTestPersister(t)
	path, err := p.ResolvePath("nope")
	require.NoError(t, err)
	require.Empty(t, path)
}
