package protocol

import "time"

// Outbound event types emitted to the SSE consumer.
const (
	EventThinking          = "thinking"
	EventAssistantResponse = "assistant_response"
	EventToolSelection     = "tool_selection"
	EventToolExecution     = "tool_execution"
	EventToolResult        = "tool_result"
	EventPermissionRequest = "permission_request"
	EventFinalResponse     = "final_response"
	EventError             = "error"
)

// StreamEvent is one outbound frame. Timestamp serializes as a Unix float.
type StreamEvent struct {
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp float64        `json:"timestamp"`
}

func NewStreamEvent(eventType, content string, metadata map[string]any) StreamEvent {
	return StreamEvent{
		Type:      eventType,
		Content:   content,
		Metadata:  metadata,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// IsTerminal reports whether the event ends the stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventFinalResponse || e.Type == EventError
}
