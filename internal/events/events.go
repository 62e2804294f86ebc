// Package events defines the immutable Event value type and the closed
// EventType enumeration that drives priority dispatch on the bus.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType is a closed numeric enumeration partitioned into ranges. Lower
// values dispatch first when no explicit Priority is set on an Event.
type EventType int

const (
	// System range: 0-99.
	TypeUnknown  EventType = 0
	TypeShutdown EventType = 1

	// External input range: 100-199.
	TypeMessageReceived EventType = 100
	TypeScheduleTick     EventType = 101
	TypeWebhookReceived  EventType = 102

	// Task lifecycle range: 200-299.
	TypeTaskCreated   EventType = 200
	TypeTaskResumed   EventType = 201
	TypeTaskSuspended EventType = 202
	TypeTaskCompleted EventType = 203
	TypeTaskFailed    EventType = 204

	// Cognitive range: 300-399.
	TypeReasonDone     EventType = 300
	TypeNeedMoreInfo   EventType = 301
	TypeStepCompleted  EventType = 302

	// Tools range: 400-499.
	TypeToolCallRequested EventType = 400
	TypeToolCallCompleted EventType = 401
	TypeToolCallFailed    EventType = 402

	// Auth range: 500-549.
	TypeAuthExpired EventType = 500
)

// names maps EventType to its uppercase wire token, matching the JSONL
// persister's "event" field contract (§6 of SPEC_FULL.md).
var names = map[EventType]string{
	TypeUnknown:           "UNKNOWN",
	TypeShutdown:          "SHUTDOWN",
	TypeMessageReceived:   "MESSAGE_RECEIVED",
	TypeScheduleTick:      "SCHEDULE_TICK",
	TypeWebhookReceived:   "WEBHOOK_RECEIVED",
	TypeTaskCreated:       "TASK_CREATED",
	TypeTaskResumed:       "TASK_RESUMED",
	TypeTaskSuspended:     "TASK_SUSPENDED",
	TypeTaskCompleted:     "TASK_COMPLETED",
	TypeTaskFailed:        "TASK_FAILED",
	TypeReasonDone:        "REASON_DONE",
	TypeNeedMoreInfo:      "NEED_MORE_INFO",
	TypeStepCompleted:     "STEP_COMPLETED",
	TypeToolCallRequested: "TOOL_CALL_REQUESTED",
	TypeToolCallCompleted: "TOOL_CALL_COMPLETED",
	TypeToolCallFailed:    "TOOL_CALL_FAILED",
	TypeAuthExpired:       "AUTH_EXPIRED",
}

// String returns the uppercase wire token for the event type, or "UNKNOWN"
// for an unrecognized value.
func (t EventType) String() string {
	if name, ok := names[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Event is an immutable record dispatched on the bus. Payload is treated as
// read-only by convention; no component mutates an Event after construction.
type Event struct {
	ID            string
	Type          EventType
	Timestamp     time.Time
	Source        string
	TaskID        string
	Payload       any
	Priority      *int
	ParentEventID string
}

// New constructs an Event with a fresh ID and the current timestamp.
func New(typ EventType, source string, payload any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

// WithTask returns a copy of the event scoped to taskID.
func (e Event) WithTask(taskID string) Event {
	e.TaskID = taskID
	return e
}

// WithParent returns a copy of the event recording parentID as its cause.
func (e Event) WithParent(parentID string) Event {
	e.ParentEventID = parentID
	return e
}

// WithPriority returns a copy of the event with an explicit priority override.
func (e Event) WithPriority(priority int) Event {
	e.Priority = &priority
	return e
}

// EffectivePriority returns Priority if set, otherwise the numeric value of
// Type. Lower values dispatch first.
func (e Event) EffectivePriority() int {
	if e.Priority != nil {
		return *e.Priority
	}
	return int(e.Type)
}
