package domain

import "encoding/json"

// Role constants for canonical message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// PartType identifies the kind of a structured content part.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartReasoning  PartType = "reasoning"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// ContentPart is one element of a structured message body.
// Only the fields relevant to Type are populated.
type ContentPart struct {
	Type PartType `json:"type"`

	// PartText, PartReasoning
	Text string `json:"text,omitempty"`

	// PartImage: base64-encoded PNG data (no data: prefix).
	Image string `json:"image,omitempty"`

	// PartToolCall, PartToolResult
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// Message is a single canonical conversation message. Content is either
// plain text (Content) or an ordered list of parts (Parts); when Parts is
// non-nil it takes precedence.
type Message struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// IsStructured reports whether the message carries part-based content.
func (m Message) IsStructured() bool { return m.Parts != nil }

// TraceContext carries optional tracing identifiers supplied by the caller.
type TraceContext struct {
	TraceID      string `json:"trace_id,omitempty"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
	SpanName     string `json:"span_name,omitempty"`
}

// StreamRequest describes one streaming completion request. It is
// immutable once constructed; the engine never mutates it.
type StreamRequest struct {
	// Model is either a bare model key or "key@provider".
	Model    string       `json:"model"`
	Messages []Message    `json:"messages"`
	Tools    []ToolSchema `json:"tools,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`

	// ProviderOptions carries provider-specific request knobs passed
	// through to the protocol's request builder untouched.
	ProviderOptions map[string]any `json:"provider_options,omitempty"`

	Trace *TraceContext `json:"trace_context,omitempty"`
}
