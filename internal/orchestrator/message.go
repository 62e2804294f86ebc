// Package orchestrator implements the Conversation Orchestrator: the
// user-facing inner-monologue loop sitting above the Agent. Grounded on the
// teacher's internal/agent/runner.Runner.runLoop (iteration loop, proactive
// compaction) and internal/agenthub's single-lane queue discipline
// (LaneMain has MaxConcurrent = 1 in internal/agenthub/lane.go).
package orchestrator

import "encoding/json"

// Role identifies the speaker of a session message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model in an assistant turn.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Message is one turn of the conversation-level session history, persisted
// verbatim to current.jsonl per §6's session log contract.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall `json:",omitempty"`
	ToolCallID string     `json:",omitempty"`
	Metadata   map[string]any `json:",omitempty"`
}

// QueueItemKind is one of the three inbound item kinds the single worker
// drains serially.
type QueueItemKind string

const (
	KindMessage    QueueItemKind = "message"
	KindTaskNotify QueueItemKind = "task_notify"
	KindThink      QueueItemKind = "think"
)

// InboundMessage is a user-facing message arriving on some channel.
type InboundMessage struct {
	Text        string
	ChannelType string
	ChannelID   string
	ReplyTo     string
}

// QueueItem is one entry in the orchestrator's serial work queue.
type QueueItem struct {
	Kind    QueueItemKind
	Message InboundMessage
	Notify  TaskNotification
}

// TaskNotification mirrors agent.Notification without importing the agent
// package's Thinker/Reflector surface into this package's public API.
type TaskNotification struct {
	Type    string // "completed" | "failed" | "notify"
	TaskID  string
	Result  string
	Error   string
	Message string
}
