package domain

import "encoding/json"

// StreamEventType tags the canonical stream event union.
type StreamEventType string

const (
	StreamTextStart      StreamEventType = "text-start"
	StreamTextDelta      StreamEventType = "text-delta"
	StreamReasoningStart StreamEventType = "reasoning-start"
	StreamReasoningDelta StreamEventType = "reasoning-delta"
	StreamReasoningEnd   StreamEventType = "reasoning-end"
	StreamToolCall       StreamEventType = "tool-call"
	StreamUsage          StreamEventType = "usage"
	StreamDone           StreamEventType = "done"
	StreamError          StreamEventType = "error"
)

// Usage tracks token consumption reported by the upstream.
// Optional counters are nil when the upstream did not report them.
type Usage struct {
	InputTokens              int  `json:"input_tokens"`
	OutputTokens             int  `json:"output_tokens"`
	TotalTokens              *int `json:"total_tokens,omitempty"`
	CachedInputTokens        *int `json:"cached_input_tokens,omitempty"`
	CacheCreationInputTokens *int `json:"cache_creation_input_tokens,omitempty"`
}

// StreamEvent is the canonical event produced by the protocol engine.
// It is the only type that crosses the engine boundary: every upstream
// wire format is decoded into this union. Only the fields relevant to
// Type are populated.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// StreamTextDelta, StreamReasoningDelta
	Text string `json:"text,omitempty"`

	// StreamReasoningStart/Delta/End: upstream reasoning item id.
	ID string `json:"id,omitempty"`

	// StreamToolCall
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`

	// StreamUsage
	Usage *Usage `json:"usage,omitempty"`

	// StreamDone; nil when the upstream reported no finish reason.
	FinishReason *string `json:"finish_reason,omitempty"`

	// StreamError
	Message string `json:"message,omitempty"`
}

// IsTerminal reports whether the event ends a request's event sequence.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == StreamDone || e.Type == StreamError
}

// TextStartEvent builds a StreamTextStart event.
func TextStartEvent() StreamEvent { return StreamEvent{Type: StreamTextStart} }

// TextDeltaEvent builds a StreamTextDelta event.
func TextDeltaEvent(text string) StreamEvent {
	return StreamEvent{Type: StreamTextDelta, Text: text}
}

// ReasoningStartEvent builds a StreamReasoningStart event.
func ReasoningStartEvent(id string) StreamEvent {
	return StreamEvent{Type: StreamReasoningStart, ID: id}
}

// ReasoningDeltaEvent builds a StreamReasoningDelta event.
func ReasoningDeltaEvent(id, text string) StreamEvent {
	return StreamEvent{Type: StreamReasoningDelta, ID: id, Text: text}
}

// ReasoningEndEvent builds a StreamReasoningEnd event.
func ReasoningEndEvent(id string) StreamEvent {
	return StreamEvent{Type: StreamReasoningEnd, ID: id}
}

// ToolCallEvent builds a StreamToolCall event.
func ToolCallEvent(toolCallID, toolName string, input json.RawMessage) StreamEvent {
	return StreamEvent{Type: StreamToolCall, ToolCallID: toolCallID, ToolName: toolName, Input: input}
}

// UsageEvent builds a StreamUsage event.
func UsageEvent(usage Usage) StreamEvent {
	return StreamEvent{Type: StreamUsage, Usage: &usage}
}

// DoneEvent builds a StreamDone event. finishReason may be nil.
func DoneEvent(finishReason *string) StreamEvent {
	return StreamEvent{Type: StreamDone, FinishReason: finishReason}
}

// ErrorEvent builds a StreamError event.
func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: StreamError, Message: message}
}
