package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom/internal/bus"
	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/persist"
	"github.com/loomwork/loom/internal/task"
	"github.com/loomwork/loom/internal/toolreg"
)

// fakeThinker drives the Agent with scripted ThinkResults, one per call to
// Think, keyed by call order. Out-of-script calls repeat the last entry. Each
// call hands out a fresh copy of the scripted plan's steps, so steps the
// Agent marked done on an earlier call are not already done on a later one.
type fakeThinker struct {
	mu      sync.Mutex
	results []ThinkResult
	errs    []error
	calls   int
}

func (f *fakeThinker) Think(_ context.Context, _ *task.Context, _ []toolreg.Definition) (ThinkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	res := f.results[i]
	if res.Plan != nil {
		plan := *res.Plan
		plan.Steps = append([]task.Step(nil), res.Plan.Steps...)
		res.Plan = &plan
	}
	return res, err
}

type echoTool struct{}

func (echoTool) Name() string                  { return "echo" }
func (echoTool) Description() string           { return "echoes input" }
func (echoTool) Schema() json.RawMessage       { return json.RawMessage(`{}`) }
func (echoTool) Execute(_ context.Context, in json.RawMessage) (toolreg.Result, error) {
	return toolreg.Result{Content: string(in)}, nil
}

func respondPlan() *task.Plan {
	return &task.Plan{
		Goal: "answer",
		Steps: []task.Step{
			{Index: 0, ActionType: task.ActionRespond, Description: "done"},
		},
	}
}

func toolCallPlan() *task.Plan {
	return &task.Plan{
		Goal: "use a tool",
		Steps: []task.Step{
			{Index: 0, ActionType: task.ActionToolCall, ActionParams: map[string]any{
				"name": "echo", "id": "c1", "input": []byte(`"hi"`),
			}},
		},
	}
}

// testHarness wires a real Bus, Persister, and Agent for end-to-end behavior
// tests, mirroring how cmd/loom wires the same pieces in production.
type testHarness struct {
	t         *testing.T
	b         *bus.Bus
	p         *persist.Persister
	tools     *toolreg.Registry
	thinker   *fakeThinker
	agent     *Agent
	notifies  chan Notification
}

func newHarness(t *testing.T, opts Options, thinker *fakeThinker) *testHarness {
	t.Helper()
	b := bus.New(bus.WithHistory(256))
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	p, err := persist.New(t.TempDir())
	require.NoError(t, err)

	tools := toolreg.New()
	tools.Register(echoTool{})

	a := New(b, p, tools, thinker, nil, opts)
	notifies := make(chan Notification, 16)
	a.OnNotify(func(n Notification) { notifies <- n })
	a.Start()
	t.Cleanup(a.Stop)

	return &testHarness{t: t, b: b, p: p, tools: tools, thinker: thinker, agent: a, notifies: notifies}
}

func (h *testHarness) awaitNotify(want string, timeout time.Duration) Notification {
	h.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case n := <-h.notifies:
			if n.Type == want {
				return n
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %q notification", want)
		}
	}
}

func TestAgent_SimpleRespondTask(t *testing.T) {
	thinker := &fakeThinker{results: []ThinkResult{{Plan: respondPlan()}}}
	h := newHarness(t, DefaultOptions(), thinker)

	taskID, err := h.agent.Submit(context.Background(), "hello", "cli", "default", "")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	n := h.awaitNotify("completed", 2*time.Second)
	require.Equal(t, taskID, n.TaskID)
	require.Equal(t, "done", n.Result)
}

func TestAgent_ToolUsingTaskGoesThroughActingAndBackToReasoning(t *testing.T) {
	thinker := &fakeThinker{results: []ThinkResult{
		{Plan: toolCallPlan()},
		{Plan: respondPlan()},
	}}
	h := newHarness(t, DefaultOptions(), thinker)

	taskID, err := h.agent.Submit(context.Background(), "use the tool", "cli", "default", "")
	require.NoError(t, err)

	h.awaitNotify("completed", 2*time.Second)

	fsm, ok := h.agent.lookupTask(taskID)
	require.True(t, ok)
	require.Equal(t, task.StateCompleted, fsm.State)
	require.Len(t, fsm.Context.ActionsDone, 2)
	require.Equal(t, `"hi"`, fsm.Context.ActionsDone[0].Result)
}

func TestAgent_MaxIterationsExceededFailsWithExactMessage(t *testing.T) {
	loopForever := ThinkResult{Plan: &task.Plan{
		Goal: "loop",
		Steps: []task.Step{
			{Index: 0, ActionType: task.ActionToolCall, ActionParams: map[string]any{
				"name": "echo", "id": "c1", "input": []byte(`"x"`),
			}},
		},
	}}
	thinker := &fakeThinker{results: []ThinkResult{loopForever}}
	opts := DefaultOptions()
	opts.MaxCognitiveIterations = 2
	h := newHarness(t, opts, thinker)

	_, err := h.agent.Submit(context.Background(), "loop please", "cli", "default", "")
	require.NoError(t, err)

	n := h.awaitNotify("failed", 2*time.Second)
	require.Equal(t, "Max cognitive iterations exceeded (2)", n.Error)
}

func TestAgent_CrashRecoveryForceFailsPendingTasks(t *testing.T) {
	dir := t.TempDir()
	p, err := persist.New(dir)
	require.NoError(t, err)

	ctx := task.NewContext("t1", "hi", "cli", "default", "", nil)
	require.NoError(t, p.RecordTaskCreated("t1", ctx))

	b := bus.New(bus.WithHistory(16))
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	thinker := &fakeThinker{results: []ThinkResult{{Plan: respondPlan()}}}
	a := New(b, p, toolreg.New(), thinker, nil, DefaultOptions())
	notifies := make(chan Notification, 4)
	a.OnNotify(func(n Notification) { notifies <- n })

	require.NoError(t, a.RecoverCrashedTasks())

	select {
	case n := <-notifies:
		require.Equal(t, "failed", n.Type)
		require.Equal(t, "t1", n.TaskID)
		require.Equal(t, "process restarted, task cancelled", n.Error)
	case <-time.After(time.Second):
		t.Fatal("expected a failed notification for the crashed task")
	}

	pending, err := p.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestAgent_ResumeRehydratesCompletedTaskFromDisk(t *testing.T) {
	thinker := &fakeThinker{results: []ThinkResult{{Plan: respondPlan()}}}
	h := newHarness(t, DefaultOptions(), thinker)

	taskID, err := h.agent.Submit(context.Background(), "hello", "cli", "default", "")
	require.NoError(t, err)
	h.awaitNotify("completed", 2*time.Second)

	// Drop the in-memory registry entry to force rehydration from the log.
	h.agent.mu.Lock()
	delete(h.agent.registry, taskID)
	h.agent.mu.Unlock()

	err = h.agent.Resume(taskID, "one more thing")
	require.NoError(t, err)

	fsm, ok := h.agent.lookupTask(taskID)
	require.True(t, ok)
	require.Equal(t, "hello", fsm.Context.InputText)
}

func TestAgent_ResumeRejectsNonCompletedTask(t *testing.T) {
	loopForever := ThinkResult{Plan: &task.Plan{
		Goal: "loop",
		Steps: []task.Step{
			{Index: 0, ActionType: task.ActionToolCall, ActionParams: map[string]any{
				"name": "echo", "id": "c1", "input": []byte(`"x"`),
			}},
		},
	}}
	thinker := &fakeThinker{results: []ThinkResult{loopForever}}
	opts := DefaultOptions()
	opts.MaxCognitiveIterations = 1
	h := newHarness(t, opts, thinker)

	taskID, err := h.agent.Submit(context.Background(), "loop please", "cli", "default", "")
	require.NoError(t, err)
	h.awaitNotify("failed", 2*time.Second)

	err = h.agent.Resume(taskID, "try again")
	require.Error(t, err)
}

func TestAgent_DuplicateTaskCreatedRejected(t *testing.T) {
	thinker := &fakeThinker{results: []ThinkResult{{Plan: respondPlan()}}}
	h := newHarness(t, DefaultOptions(), thinker)

	ctx := task.NewContext("dup", "hi", "cli", "default", "", nil)
	fsm := task.New("dup", ctx, 0)
	require.True(t, h.agent.registerTask(fsm))
	require.False(t, h.agent.registerTask(fsm))
}

func TestAgent_StopQuiescesBackgroundWork(t *testing.T) {
	thinker := &fakeThinker{results: []ThinkResult{{Plan: respondPlan()}}}
	h := newHarness(t, DefaultOptions(), thinker)

	_, err := h.agent.Submit(context.Background(), "hello", "cli", "default", "")
	require.NoError(t, err)
	h.awaitNotify("completed", 2*time.Second)

	done := make(chan struct{})
	go func() {
		h.agent.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return: background work did not quiesce")
	}
}

func TestAgent_UnknownTaskScopedEventDropped(t *testing.T) {
	thinker := &fakeThinker{results: []ThinkResult{{Plan: respondPlan()}}}
	h := newHarness(t, DefaultOptions(), thinker)

	// handleTaskScoped must log and drop rather than panic when the taskId
	// on an event matches nothing in the registry.
	require.NotPanics(t, func() {
		evt := events.New(events.TypeReasonDone, "test", nil).WithTask("does-not-exist")
		_ = h.agent.handleTaskScoped(context.Background(), evt)
	})
}
