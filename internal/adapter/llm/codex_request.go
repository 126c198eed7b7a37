package llm

import (
	_ "embed"
	"encoding/json"
	"strings"

	"quill-ai/internal/domain"
)

// Baseline instructions sent with every Codex request. System messages
// from the conversation ride along as developer-role input items instead
// of being folded in here.
//
//go:embed codex_instructions.md
var codexInstructions string

// normalizeCodexModel maps any requested model name onto one the Codex
// endpoint accepts. Path prefixes ("openai/...") are stripped first.
func normalizeCodexModel(model string) string {
	id := model
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	lower := strings.ToLower(id)
	if strings.Contains(lower, "gpt-5.1-codex-max") || strings.Contains(lower, "gpt 5.1 codex max") {
		return "gpt-5.1-codex-max"
	}
	return "gpt-5.2-codex"
}

// toolOutputToString flattens a tool result for the wire. A JSON object
// carrying a string "value" field unwraps to that string; anything else
// is sent as its raw JSON text.
func toolOutputToString(output json.RawMessage) string {
	if len(output) == 0 {
		return ""
	}
	var wrapper struct {
		Value *string `json:"value"`
	}
	if err := json.Unmarshal(output, &wrapper); err == nil && wrapper.Value != nil {
		return *wrapper.Value
	}
	return string(output)
}

// flushMessageItem moves accumulated content parts into input items as one
// message of the given role. No-op when parts is empty.
func flushMessageItem(role string, parts *[]map[string]any, items *[]map[string]any) {
	if len(*parts) == 0 {
		return
	}
	*items = append(*items, map[string]any{
		"type":    "message",
		"role":    role,
		"content": *parts,
	})
	*parts = nil
}

// toInputContent maps a message body to Codex input content parts. Tool
// call and tool result parts are handled elsewhere and skipped here.
func toInputContent(msg domain.Message) []map[string]any {
	if !msg.IsStructured() {
		if strings.TrimSpace(msg.Content) == "" {
			return nil
		}
		return []map[string]any{{"type": "input_text", "text": msg.Content}}
	}
	var mapped []map[string]any
	for _, part := range msg.Parts {
		switch part.Type {
		case domain.PartText, domain.PartReasoning:
			if strings.TrimSpace(part.Text) != "" {
				mapped = append(mapped, map[string]any{"type": "input_text", "text": part.Text})
			}
		case domain.PartImage:
			mapped = append(mapped, map[string]any{
				"type":      "input_image",
				"image_url": "data:image/png;base64," + part.Image,
			})
		}
	}
	return mapped
}

// appendAssistantItems expands an assistant message into input items.
// Text and reasoning parts batch into message items; each tool call part
// flushes the pending batch first so relative order survives, then emits
// its own function_call item.
func appendAssistantItems(msg domain.Message, items *[]map[string]any) {
	if !msg.IsStructured() {
		content := toInputContent(msg)
		if len(content) > 0 {
			*items = append(*items, map[string]any{
				"type":    "message",
				"role":    domain.RoleAssistant,
				"content": content,
			})
		}
		return
	}

	var pending []map[string]any
	for _, part := range msg.Parts {
		switch part.Type {
		case domain.PartText, domain.PartReasoning:
			if strings.TrimSpace(part.Text) != "" {
				pending = append(pending, map[string]any{"type": "input_text", "text": part.Text})
			}
		case domain.PartImage:
			pending = append(pending, map[string]any{
				"type":      "input_image",
				"image_url": "data:image/png;base64," + part.Image,
			})
		case domain.PartToolCall:
			flushMessageItem(domain.RoleAssistant, &pending, items)
			if strings.TrimSpace(part.ToolName) == "" {
				continue
			}
			arguments := "{}"
			if json.Valid(part.Input) {
				arguments = string(part.Input)
			}
			*items = append(*items, map[string]any{
				"type":      "function_call",
				"call_id":   part.ToolCallID,
				"name":      part.ToolName,
				"arguments": arguments,
			})
		}
	}
	flushMessageItem(domain.RoleAssistant, &pending, items)
}

// buildCodexRequest assembles the Codex responses-API request body from a
// canonical request. System messages become developer-role input items,
// tool results become function_call_output items, and tools use the flat
// Codex schema rather than the nested chat-completions one.
func buildCodexRequest(model string, req domain.StreamRequest, extraBody map[string]any) (map[string]any, error) {
	var items []map[string]any

	for _, msg := range req.Messages {
		switch msg.Role {
		case domain.RoleSystem:
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			items = append(items, map[string]any{
				"type": "message",
				"role": "developer",
				"content": []map[string]any{
					{"type": "input_text", "text": msg.Content},
				},
			})
		case domain.RoleUser:
			content := toInputContent(msg)
			if len(content) > 0 {
				items = append(items, map[string]any{
					"type":    "message",
					"role":    domain.RoleUser,
					"content": content,
				})
			}
		case domain.RoleAssistant:
			appendAssistantItems(msg, &items)
		case domain.RoleTool:
			for _, part := range msg.Parts {
				if part.Type != domain.PartToolResult {
					continue
				}
				items = append(items, map[string]any{
					"type":    "function_call_output",
					"call_id": part.ToolCallID,
					"output":  toolOutputToString(part.Output),
				})
			}
		}
	}

	body := map[string]any{
		"model":        normalizeCodexModel(model),
		"input":        items,
		"store":        false,
		"stream":       true,
		"instructions": codexInstructions,
		"text":         map[string]any{"verbosity": "medium"},
		"include":      []string{"reasoning.encrypted_content"},
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			})
		}
		body["tools"] = tools
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	// The Codex endpoint rejects max_output_tokens, so MaxTokens is
	// intentionally not forwarded.
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}

	for k, v := range extraBody {
		body[k] = v
	}

	return body, nil
}
