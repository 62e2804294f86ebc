// Package agent implements the Agent: the stateless event processor that
// translates bus events into FSM transitions and spawns the asynchronous
// cognitive work each resulting state calls for. Grounded in the teacher's
// internal/agent/runner.Runner (the per-iteration loop and maxIterations
// guard) and internal/agent/orchestrator.Orchestrator (in-flight work
// bookkeeping, panic-recovery wrapper, graceful shutdown).
package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/loomwork/loom/internal/bus"
	"github.com/loomwork/loom/internal/concurrency"
	"github.com/loomwork/loom/internal/events"
	"github.com/loomwork/loom/internal/logging"
	"github.com/loomwork/loom/internal/persist"
	"github.com/loomwork/loom/internal/task"
	"github.com/loomwork/loom/internal/toolreg"
)

// ThinkResult is the Thinker's structured output for one REASONING pass.
type ThinkResult struct {
	NeedMoreInfo bool
	Reasoning    map[string]any
	Plan         *task.Plan
}

// Thinker is the pure function the Agent invokes to advance a task's
// cognitive state: given the accumulated context and the tool definitions
// visible to its task type, produce a plan or a need-more-info signal.
type Thinker interface {
	Think(ctx context.Context, tc *task.Context, tools []toolreg.Definition) (ThinkResult, error)
}

// Reflector is the optional post-task reflection hook. A nil Reflector
// disables reflection entirely — the "should reflect" heuristic is then
// never satisfied.
type Reflector interface {
	Reflect(ctx context.Context, tc *task.Context) (string, error)
}

// Notification is delivered to the single registered notify callback.
type Notification struct {
	Type    string // "completed" | "failed" | "notify"
	TaskID  string
	Result  string
	Error   string
	Message string
}

// Options configures an Agent.
type Options struct {
	MaxConcurrentCalls     int
	MaxConcurrentTools     int
	MaxCognitiveIterations int
	MaxActiveTasks         int
}

// DefaultOptions mirrors internal/config.Defaults()'s agent/llm values.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentCalls:     4,
		MaxConcurrentTools:     8,
		MaxCognitiveIterations: 25,
		MaxActiveTasks:         100,
	}
}

// Agent owns the Task Registry and drives every task's FSM forward as
// matching events arrive on the bus.
type Agent struct {
	bus       *bus.Bus
	persister *persist.Persister
	tools     *toolreg.Registry
	thinker   Thinker
	reflector Reflector
	opts      Options

	llmGate  *concurrency.Gate
	toolGate *concurrency.Gate

	mu       sync.RWMutex
	registry map[string]*task.FSM

	notifyMu sync.Mutex
	notify   func(Notification)

	wg      sync.WaitGroup
	running atomic.Bool

	subs []bus.Subscription
}

// New constructs an Agent wired to bus, persister, and tool registry.
func New(b *bus.Bus, persister *persist.Persister, tools *toolreg.Registry, thinker Thinker, reflector Reflector, opts Options) *Agent {
	return &Agent{
		bus:       b,
		persister: persister,
		tools:     tools,
		thinker:   thinker,
		reflector: reflector,
		opts:      opts,
		llmGate:   concurrency.NewGate("llm", opts.MaxConcurrentCalls),
		toolGate:  concurrency.NewGate("tools", opts.MaxConcurrentTools),
		registry:  make(map[string]*task.FSM),
	}
}

// OnNotify registers the single consumer of terminal notifications.
// Registering again replaces the previous callback.
func (a *Agent) OnNotify(fn func(Notification)) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()
	a.notify = fn
}

func (a *Agent) emitNotify(n Notification) {
	a.notifyMu.Lock()
	fn := a.notify
	a.notifyMu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// Start subscribes the Agent's handlers to the bus. The bus itself must
// already be started by the caller.
func (a *Agent) Start() {
	a.running.Store(true)
	a.subs = []bus.Subscription{
		a.bus.Subscribe(events.TypeMessageReceived, a.handleExternalInput),
		a.bus.Subscribe(events.TypeScheduleTick, a.handleExternalInput),
		a.bus.Subscribe(events.TypeWebhookReceived, a.handleExternalInput),

		a.bus.Subscribe(events.TypeTaskCreated, a.handleTaskScoped),
		a.bus.Subscribe(events.TypeTaskResumed, a.handleTaskScoped),
		a.bus.Subscribe(events.TypeReasonDone, a.handleTaskScoped),
		a.bus.Subscribe(events.TypeNeedMoreInfo, a.handleTaskScoped),
		a.bus.Subscribe(events.TypeStepCompleted, a.handleTaskScoped),
		a.bus.Subscribe(events.TypeToolCallCompleted, a.handleTaskScoped),
		a.bus.Subscribe(events.TypeToolCallFailed, a.handleTaskScoped),
		a.bus.Subscribe(events.TypeTaskSuspended, a.handleTaskScoped),
		a.bus.Subscribe(events.TypeTaskFailed, a.handleTaskScoped),
	}
}

// Stop unsubscribes the Agent and awaits all in-flight cognitive-stage work
// (property 7: after Stop returns, no background cognitive work remains).
func (a *Agent) Stop() {
	a.running.Store(false)
	for _, s := range a.subs {
		s.Unsubscribe()
	}
	a.wg.Wait()
}

// spawn runs fn in a tracked goroutine with panic recovery, so a panicking
// cognitive step can never crash the process; it force-fails the task
// instead (§7's "spawned background work exception" rule).
func (a *Agent) spawn(taskID string, fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logging.Errorf("agent: panic in cognitive work for task %s: %v", taskID, r)
				a.forceFail(taskID, fmt.Sprintf("panic: %v", r))
			}
		}()
		fn(context.Background())
	}()
}

// forceFail transitions a non-terminal task straight to FAILED and runs the
// FAILED state's terminal work directly, without waiting for the bus. The
// TASK_FAILED it emits afterwards is for observers only: handleTaskScoped
// rejects it because the FSM is already FAILED, so a panic recovered here
// can never trigger a second spawn for the same task (§7's "spawned
// background work exception" rule).
func (a *Agent) forceFail(taskID, errMsg string) {
	a.mu.RLock()
	fsm, ok := a.registry[taskID]
	a.mu.RUnlock()
	if !ok {
		return
	}
	fsm.Context.Error = errMsg
	if _, err := fsm.Advance(events.TypeTaskFailed, uuid.New().String(), nil); err != nil {
		return
	}
	a.runFailed(context.Background(), taskID, fsm)
	// Broadcast for observability/persistence consumers; a duplicate
	// delivery back to handleTaskScoped is rejected harmlessly since the
	// FSM is already in FAILED.
	a.emitTrigger(taskID, events.TypeTaskFailed)
}

// lookupTask returns the FSM for taskID from the in-memory registry only; it
// does not consult the persister's log (Resume calls hydrate for that).
func (a *Agent) lookupTask(taskID string) (*task.FSM, bool) {
	a.mu.RLock()
	fsm, ok := a.registry[taskID]
	a.mu.RUnlock()
	return fsm, ok
}

func (a *Agent) registerTask(fsm *task.FSM) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.registry[fsm.TaskID]; exists {
		return false
	}
	a.registry[fsm.TaskID] = fsm
	return true
}
