package memory

import "time"

// EventType tags a timeline event with the lifecycle transition it records.
type EventType string

// The fixed event enumeration. Writes carrying any other tag are rejected.
const (
	EventToolStart   EventType = "tool:start"
	EventToolSuccess EventType = "tool:success"
	EventToolError   EventType = "tool:error"

	EventAgentStart   EventType = "agent:start"
	EventAgentSuccess EventType = "agent:success"
	EventAgentError   EventType = "agent:error"

	EventMemoryReadStart   EventType = "memory:read:start"
	EventMemoryReadSuccess EventType = "memory:read:success"
	EventMemoryReadError   EventType = "memory:read:error"

	EventMemoryWriteStart   EventType = "memory:write:start"
	EventMemoryWriteSuccess EventType = "memory:write:success"
	EventMemoryWriteError   EventType = "memory:write:error"

	EventRetrieverStart   EventType = "retriever:start"
	EventRetrieverSuccess EventType = "retriever:success"
	EventRetrieverError   EventType = "retriever:error"
)

var eventTypes = map[EventType]struct{}{
	EventToolStart: {}, EventToolSuccess: {}, EventToolError: {},
	EventAgentStart: {}, EventAgentSuccess: {}, EventAgentError: {},
	EventMemoryReadStart: {}, EventMemoryReadSuccess: {}, EventMemoryReadError: {},
	EventMemoryWriteStart: {}, EventMemoryWriteSuccess: {}, EventMemoryWriteError: {},
	EventRetrieverStart: {}, EventRetrieverSuccess: {}, EventRetrieverError: {},
}

// Valid reports whether t belongs to the event enumeration.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// EventTypes returns the full enumeration, for diagnostics and docs.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventTypes))
	for t := range eventTypes {
		out = append(out, t)
	}
	return out
}

// Event is the typed value of a timeline event.
type Event struct {
	Type   EventType `json:"type"`
	Label  string    `json:"label,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}
