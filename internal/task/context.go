// Package task defines the TaskContext data model and the TaskFSM that
// governs how a task's state advances through its cognitive lifecycle.
package task

import (
	"encoding/json"
	"time"
)

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one ordered conversation turn in a TaskContext.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a single tool invocation requested by the Thinker/Planner.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ActionType identifies what kind of work a plan step performs.
type ActionType string

const (
	ActionToolCall ActionType = "tool_call"
	ActionRespond  ActionType = "respond"
	ActionStub     ActionType = "stub"
)

// Step is one unit of a Plan. Completed transitions false->true exactly
// once, monotonically, and only after its ActionRecord has been appended.
type Step struct {
	Index        int
	Description  string
	ActionType   ActionType
	ActionParams map[string]any
	Completed    bool
}

// Plan is the Planner's structured output: a goal, its rationale, and the
// ordered steps that realize it.
type Plan struct {
	Goal      string
	Reasoning string
	Steps     []Step
}

// HasToolCallStep reports whether any step in the plan is a tool_call step.
// Used by the FSM's dynamic ACTING resolution: a plan containing any tool
// call must return to REASONING so the Thinker can integrate results.
func (p *Plan) HasToolCallStep() bool {
	if p == nil {
		return false
	}
	for _, s := range p.Steps {
		if s.ActionType == ActionToolCall {
			return true
		}
	}
	return false
}

// AllStepsComplete reports whether every step in the plan is done. A nil or
// empty plan is vacuously complete.
func (p *Plan) AllStepsComplete() bool {
	if p == nil {
		return true
	}
	for _, s := range p.Steps {
		if !s.Completed {
			return false
		}
	}
	return true
}

// CurrentStep returns the first incomplete step, or nil if none remain.
func (p *Plan) CurrentStep() *Step {
	if p == nil {
		return nil
	}
	for i := range p.Steps {
		if !p.Steps[i].Completed {
			return &p.Steps[i]
		}
	}
	return nil
}

// ActionRecord is an executed step with timing and result, appended to
// ActionsDone before the corresponding Step.Completed flips to true.
type ActionRecord struct {
	StepIndex   int
	ActionType  ActionType
	StartedAt   time.Time
	CompletedAt time.Time
	Result      string
	Error       string
}

// Context is the mutable state owned exclusively by one Task. Messages are
// appended only through AppendMessage, so the persister's cursor can tell
// exactly which turns are new; the Agent sets the other fields directly.
type Context struct {
	ID            string
	InputText     string
	InputMetadata map[string]any
	Source        string
	TaskType      string
	Description   string

	Messages []Message

	Reasoning map[string]any
	Plan      *Plan

	ActionsDone []ActionRecord

	Reflections    []string
	PostReflection string

	Iteration int

	FinalResult string
	Error       string

	SuspendedState State
	SuspendReason  string

	// messageCursor is the persister's bookmark: the number of Messages
	// already flushed to the log. Exported via NewMessagesSince so the
	// Persister never duplicates a delta across restarts.
	messageCursor int
}

// NewContext constructs a Context for a freshly created task.
func NewContext(id, inputText, source, taskType, description string, inputMetadata map[string]any) *Context {
	return &Context{
		ID:            id,
		InputText:     inputText,
		InputMetadata: inputMetadata,
		Source:        source,
		TaskType:      taskType,
		Description:   description,
	}
}

// AppendMessage appends a conversation turn.
func (c *Context) AppendMessage(m Message) {
	c.Messages = append(c.Messages, m)
}

// NewMessagesSince returns the messages appended after the persister's last
// recorded cursor, and advances the cursor. Call exactly once per
// delta-emitting event so the count of newly appended messages matches what
// is persisted (§9 design note on persistence delta tracking).
func (c *Context) NewMessagesSince() []Message {
	if c.messageCursor >= len(c.Messages) {
		c.messageCursor = len(c.Messages)
		return nil
	}
	fresh := c.Messages[c.messageCursor:]
	out := make([]Message, len(fresh))
	copy(out, fresh)
	c.messageCursor = len(c.Messages)
	return out
}

// MarkStepDone appends the action record and flips the step's Completed
// flag. The record MUST be appended before Completed is set, so a reader
// never observes a completed step without its action record (invariant 5).
func (c *Context) MarkStepDone(stepIndex int, record ActionRecord) {
	c.ActionsDone = append(c.ActionsDone, record)
	if c.Plan == nil {
		return
	}
	for i := range c.Plan.Steps {
		if c.Plan.Steps[i].Index == stepIndex {
			c.Plan.Steps[i].Completed = true
			return
		}
	}
}

// ResetForResume clears cognitive state while preserving Messages and
// ActionsDone, per Agent.resume's contract.
func (c *Context) ResetForResume() {
	c.Plan = nil
	c.Reasoning = nil
	c.FinalResult = ""
	c.Error = ""
	c.Iteration = 0
	c.SuspendedState = ""
	c.SuspendReason = ""
}
