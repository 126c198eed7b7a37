package llm

import (
	"encoding/json"
	"log/slog"
	"strings"

	"quill-ai/internal/domain"
)

// CodexProtocol decodes the OAuth/Codex responses wire format: a
// multi-event SSE protocol that streams text, reasoning, and tool-call
// arguments as out-of-order indexed deltas. It also accepts plain
// OpenAI-style chat.completion.chunk payloads, which some gateways emit
// on the same endpoint.
type CodexProtocol struct {
	logger *slog.Logger
}

// NewCodexProtocol creates the decoder. logger may be nil.
func NewCodexProtocol(logger *slog.Logger) *CodexProtocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &CodexProtocol{logger: logger}
}

// Name implements Protocol.
func (p *CodexProtocol) Name() string { return "openai-oauth" }

// EndpointPath implements Protocol.
func (p *CodexProtocol) EndpointPath() string { return "codex/responses" }

// BuildHeaders implements Protocol.
func (p *CodexProtocol) BuildHeaders(apiKey, oauthToken string, extra map[string]string) map[string]string {
	headers := make(map[string]string, len(extra)+2)
	for k, v := range extra {
		headers[k] = v
	}
	token := oauthToken
	if token == "" {
		token = apiKey
	}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return headers
}

// BuildRequest implements Protocol; see codex_request.go.
func (p *CodexProtocol) BuildRequest(model string, req domain.StreamRequest, extraBody map[string]any) (map[string]any, error) {
	return buildCodexRequest(model, req, extraBody)
}

// --- Codex wire types ---

type codexItem struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Index  *int   `json:"index"`
}

type codexContentPart struct {
	Text  string `json:"text"`
	Delta string `json:"delta"`
}

type codexOutputItem struct {
	Content []codexContentPart `json:"content"`
}

type codexUsage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	TotalTokens  *int `json:"total_tokens"`
}

type codexError struct {
	Message string `json:"message"`
}

type codexResponse struct {
	Usage  *codexUsage       `json:"usage"`
	Output []codexOutputItem `json:"output"`
	Error  *codexError       `json:"error"`
}

type chatChunkUsage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      *int `json:"total_tokens"`
}

type chatChunkDelta struct {
	Content string `json:"content"`
}

type chatChunkChoice struct {
	Delta        *chatChunkDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

// codexPayload is the superset of fields the decoder inspects across all
// Codex event types plus chat.completion.chunk payloads.
type codexPayload struct {
	Object string `json:"object"`

	// Dispatch-key fallbacks when the SSE frame carried no event name.
	Type  string `json:"type"`
	Event string `json:"event"`
	Kind  string `json:"kind"`

	Item      *codexItem        `json:"item"`
	Part      *codexContentPart `json:"part"`
	ItemID    string            `json:"item_id"`
	Delta     string            `json:"delta"`
	Name      string            `json:"name"`
	Arguments string            `json:"arguments"`
	Index     *int              `json:"index"`
	Response  *codexResponse    `json:"response"`

	Usage   *chatChunkUsage   `json:"usage"`
	Choices []chatChunkChoice `json:"choices"`
}

// buildToolInput converts an accumulated argument string into the tool
// call's JSON input. Without force, incomplete input produces nothing so
// a later delta or the done event can finish it; under force, empty
// arguments become {} and unparsable arguments are kept as a JSON string.
func buildToolInput(arguments string, force bool) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		if force {
			return json.RawMessage(`{}`), true
		}
		return nil, false
	}
	if json.Valid([]byte(arguments)) {
		return json.RawMessage(arguments), true
	}
	if force {
		wrapped, err := json.Marshal(arguments)
		if err != nil {
			return nil, false
		}
		return json.RawMessage(wrapped), true
	}
	return nil, false
}

// emitToolCalls sweeps the ordered tool-call list and queues a ToolCall
// for every not-yet-emitted entry whose input can be built. The forced
// sweep on a done event intentionally covers the whole list, so an
// earlier-indexed call whose own done event has not arrived yet is
// flushed with whatever arguments are known so far (possibly {}).
func emitToolCalls(st *StreamState, force bool) {
	order := make([]string, len(st.ToolCallOrder))
	copy(order, st.ToolCallOrder)
	for _, key := range order {
		if key == "" {
			continue
		}
		if _, done := st.Emitted[key]; done {
			continue
		}
		acc, ok := st.ToolCalls[key]
		if !ok || acc.ToolName == "" {
			continue
		}
		input, ok := buildToolInput(acc.Arguments, force)
		if !ok {
			continue
		}
		st.push(domain.ToolCallEvent(acc.ToolCallID, acc.ToolName, input))
		st.Emitted[key] = struct{}{}
	}
}

// ParseStreamEvent implements Protocol. It consumes one SSE frame,
// mutates st, and returns the oldest resulting canonical event; any
// further events stay queued on st.Pending for the orchestrator to drain.
func (p *CodexProtocol) ParseStreamEvent(eventName, data string, st *StreamState) (*domain.StreamEvent, error) {
	var payload codexPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, domain.WrapOp("codex: decode payload", err)
	}

	if payload.Object == "chat.completion.chunk" {
		p.handleChatChunk(&payload, st)
		return st.popPending(), nil
	}

	eventType := eventName
	if eventType == "" {
		switch {
		case payload.Type != "":
			eventType = payload.Type
		case payload.Event != "":
			eventType = payload.Event
		case payload.Kind != "":
			eventType = payload.Kind
		}
	}
	if eventType == "" {
		return nil, nil
	}

	switch eventType {
	case "response.created", "response.in_progress":
		// Lifecycle markers, nothing to emit.

	case "response.output_item.added":
		p.handleOutputItemAdded(&payload, st)

	case "response.content_part.added":
		if payload.Part != nil && payload.Part.Text != "" {
			if !st.TextStarted {
				st.TextStarted = true
				st.push(domain.TextStartEvent())
			}
			st.push(domain.TextDeltaEvent(payload.Part.Text))
		}

	case "response.output_text.delta":
		if !st.TextStarted {
			st.TextStarted = true
			st.push(domain.TextStartEvent())
		}
		if payload.Delta != "" {
			st.push(domain.TextDeltaEvent(payload.Delta))
		}

	case "response.output_text.done":
		// Text already streamed via deltas.

	case "response.function_call_arguments.delta":
		p.handleFunctionCallDelta(&payload, st)
		emitToolCalls(st, false)

	case "response.function_call_arguments.done":
		if ev := p.handleFunctionCallDone(&payload, st); ev != nil {
			st.push(*ev)
		}
		emitToolCalls(st, true)

	case "response.reasoning_text.delta":
		id := payload.ItemID
		if id == "" {
			id = "default"
		}
		if st.ThinkingID != id {
			st.ThinkingID = id
			st.push(domain.ReasoningStartEvent(id))
		}
		if payload.Delta != "" {
			st.push(domain.ReasoningDeltaEvent(id, payload.Delta))
		}

	case "response.reasoning_text.done":
		id := payload.ItemID
		if id == "" {
			id = "default"
		}
		st.push(domain.ReasoningEndEvent(id))

	case "response.completed":
		p.handleCompleted(&payload, st)

	case "response.failed":
		message := "Response failed"
		if payload.Response != nil && payload.Response.Error != nil && payload.Response.Error.Message != "" {
			message = payload.Response.Error.Message
		}
		p.logger.Error("codex response failed", "message", message)
		st.push(domain.ErrorEvent(message))

	default:
		p.logger.Debug("codex: unknown event type", "event", eventType)
	}

	return st.popPending(), nil
}

func (p *CodexProtocol) handleChatChunk(payload *codexPayload, st *StreamState) {
	if payload.Usage != nil {
		st.push(domain.UsageEvent(domain.Usage{
			InputTokens:  payload.Usage.PromptTokens,
			OutputTokens: payload.Usage.CompletionTokens,
			TotalTokens:  payload.Usage.TotalTokens,
		}))
	}
	if len(payload.Choices) == 0 {
		return
	}
	choice := payload.Choices[0]
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		st.FinishReason = *choice.FinishReason
	}
	if choice.Delta != nil {
		if !st.TextStarted {
			st.TextStarted = true
			st.push(domain.TextStartEvent())
		}
		if choice.Delta.Content != "" {
			st.push(domain.TextDeltaEvent(choice.Delta.Content))
		}
	}
}

func (p *CodexProtocol) handleOutputItemAdded(payload *codexPayload, st *StreamState) {
	item := payload.Item
	if item == nil || item.Type != "function_call" || item.ID == "" {
		return
	}
	acc, ok := st.ToolCalls[item.ID]
	if !ok {
		callID := item.CallID
		if callID == "" {
			callID = item.ID
		}
		acc = &ToolCallAccum{ToolCallID: callID, ToolName: item.Name}
		st.ToolCalls[item.ID] = acc
	}
	// Never overwrite known values with empty ones.
	if item.CallID != "" {
		acc.ToolCallID = item.CallID
	}
	if item.Name != "" {
		acc.ToolName = item.Name
	}
	st.placeToolCall(item.ID, item.Index)
}

func (p *CodexProtocol) handleFunctionCallDelta(payload *codexPayload, st *StreamState) {
	if payload.ItemID == "" {
		return
	}
	acc, ok := st.ToolCalls[payload.ItemID]
	if !ok {
		acc = &ToolCallAccum{ToolCallID: payload.ItemID}
		st.ToolCalls[payload.ItemID] = acc
	}
	if payload.Delta != "" {
		acc.Arguments += payload.Delta
	}
	st.placeToolCall(payload.ItemID, payload.Index)
}

// handleFunctionCallDone finalizes one tool call and returns its event,
// or nil when the id is unknown, nameless, or already emitted.
func (p *CodexProtocol) handleFunctionCallDone(payload *codexPayload, st *StreamState) *domain.StreamEvent {
	if payload.ItemID == "" {
		return nil
	}
	if _, done := st.Emitted[payload.ItemID]; done {
		return nil
	}

	acc, ok := st.ToolCalls[payload.ItemID]
	if !ok {
		acc = &ToolCallAccum{ToolCallID: payload.ItemID, ToolName: payload.Name}
		st.ToolCalls[payload.ItemID] = acc
	}
	if payload.Name != "" {
		acc.ToolName = payload.Name
	}
	if payload.Arguments != "" {
		acc.Arguments = payload.Arguments
	}
	if strings.TrimSpace(acc.ToolName) == "" {
		return nil
	}

	st.placeToolCall(payload.ItemID, payload.Index)
	st.Emitted[payload.ItemID] = struct{}{}

	input, ok := buildToolInput(acc.Arguments, true)
	if !ok {
		input = json.RawMessage(`{}`)
	}
	ev := domain.ToolCallEvent(acc.ToolCallID, acc.ToolName, input)
	return &ev
}

func (p *CodexProtocol) handleCompleted(payload *codexPayload, st *StreamState) {
	if resp := payload.Response; resp != nil {
		if resp.Usage != nil {
			st.push(domain.UsageEvent(domain.Usage{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			}))
		}
		// Trailing text the upstream never streamed as deltas.
		for _, item := range resp.Output {
			for _, part := range item.Content {
				if part.Text != "" {
					if !st.TextStarted {
						st.TextStarted = true
						st.push(domain.TextStartEvent())
					}
					st.push(domain.TextDeltaEvent(part.Text))
				}
				if part.Delta != "" {
					if !st.TextStarted {
						st.TextStarted = true
						st.push(domain.TextStartEvent())
					}
					st.push(domain.TextDeltaEvent(part.Delta))
				}
			}
		}
	}
	st.push(domain.DoneEvent(nil))
}

var _ Protocol = (*CodexProtocol)(nil)
