package interfaces

import "context"

// EventType identifies a published event.
type EventType string

const (
	EventTaskStateChanged EventType = "task_state_changed"
	EventJobCompleted     EventType = "job_completed"
	EventAgentStateChanged EventType = "agent_state_changed"
	EventAssignmentSent   EventType = "assignment_sent"
)

// Event is a typed payload published to subscribers.
type Event struct {
	Type    EventType
	Payload map[string]interface{}
}

// EventHandler processes one event.
type EventHandler func(ctx context.Context, event Event) error

// EventService is an in-process pub/sub bus. Publish is asynchronous,
// PublishSync waits for every handler.
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler) error
	Publish(ctx context.Context, event Event) error
	PublishSync(ctx context.Context, event Event) error
}
