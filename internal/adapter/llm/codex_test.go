package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill-ai/internal/domain"
)

func parseAll(t *testing.T, p *CodexProtocol, st *StreamState, eventName, data string) []domain.StreamEvent {
	t.Helper()
	var events []domain.StreamEvent
	ev, err := p.ParseStreamEvent(eventName, data, st)
	require.NoError(t, err)
	for ; ev != nil; ev = st.popPending() {
		events = append(events, *ev)
	}
	return events
}

func TestBuildToolInput(t *testing.T) {
	tests := []struct {
		name      string
		arguments string
		force     bool
		want      string
		ok        bool
	}{
		{"empty forced becomes object", "", true, `{}`, true},
		{"empty unforced skipped", "", false, "", false},
		{"whitespace forced becomes object", "   ", true, `{}`, true},
		{"valid json passes through", `{"path":"/tmp/a"}`, false, `{"path":"/tmp/a"}`, true},
		{"partial json unforced skipped", `{"pa`, false, "", false},
		{"partial json forced wrapped as string", `{"pa`, true, `"{\"pa"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input, ok := buildToolInput(tt.arguments, tt.force)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.JSONEq(t, tt.want, string(input))
			}
		})
	}
}

func TestCodexSkipsPartialToolCallArguments(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()
	st.ToolCalls["item_1"] = &ToolCallAccum{
		ToolCallID: "call_1",
		ToolName:   "readFile",
		Arguments:  "{",
	}
	st.ToolCallOrder = append(st.ToolCallOrder, "item_1")

	ev, err := p.ParseStreamEvent("", "{}", st)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Empty(t, st.Pending)
	assert.NotContains(t, st.Emitted, "item_1")
}

func TestCodexEmitsToolCallWhenArgumentsComplete(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()
	st.ToolCalls["item_1"] = &ToolCallAccum{
		ToolCallID: "call_1",
		ToolName:   "readFile",
		Arguments:  `{"path":"/tmp/a"}`,
	}
	st.ToolCallOrder = append(st.ToolCallOrder, "item_1")

	ev, err := p.ParseStreamEvent("response.function_call_arguments.delta", "{}", st)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, domain.StreamToolCall, ev.Type)
	assert.Equal(t, "call_1", ev.ToolCallID)
	assert.Contains(t, st.Emitted, "item_1")
}

func TestCodexFunctionCallDoneEmitsOnce(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()
	data := `{"item_id":"item_1","name":"readFile","arguments":"{\"path\":\"/tmp/a\"}"}`

	first := parseAll(t, p, st, "response.function_call_arguments.done", data)
	require.Len(t, first, 1)
	assert.Equal(t, domain.StreamToolCall, first[0].Type)
	assert.Contains(t, st.Emitted, "item_1")

	second := parseAll(t, p, st, "response.function_call_arguments.done", data)
	assert.Empty(t, second)
}

func TestCodexPreservesToolCallIndexOrder(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()

	first := `{"type":"response.output_item.added","item":{"type":"function_call","id":"item_b","call_id":"call_b","name":"glob","index":1}}`
	second := `{"type":"response.output_item.added","item":{"type":"function_call","id":"item_a","call_id":"call_a","name":"readFile","index":0}}`
	argsA := `{"type":"response.function_call_arguments.done","item_id":"item_a","name":"readFile","arguments":"{\"file_path\":\"/tmp/a\"}","index":0}`
	argsB := `{"type":"response.function_call_arguments.done","item_id":"item_b","name":"glob","arguments":"{\"pattern\":\"*.go\"}","index":1}`

	parseAll(t, p, st, "", first)
	parseAll(t, p, st, "", second)

	var toolCalls []string
	for _, ev := range parseAll(t, p, st, "", argsB) {
		if ev.Type == domain.StreamToolCall {
			toolCalls = append(toolCalls, ev.ToolCallID)
		}
	}
	for _, ev := range parseAll(t, p, st, "", argsA) {
		if ev.Type == domain.StreamToolCall {
			toolCalls = append(toolCalls, ev.ToolCallID)
		}
	}

	// Emission follows argument completion order, not index order.
	assert.Equal(t, []string{"call_b", "call_a"}, toolCalls)
}

func TestCodexForcedSweepFlushesIncompleteEarlierCall(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()

	// item_a at index 0 never receives arguments; item_b at index 1
	// finishes first. The forced sweep on item_b's done event flushes
	// item_a with an empty object rather than waiting for its own done.
	addA := `{"type":"response.output_item.added","item":{"type":"function_call","id":"item_a","call_id":"call_a","name":"readFile","index":0}}`
	addB := `{"type":"response.output_item.added","item":{"type":"function_call","id":"item_b","call_id":"call_b","name":"glob","index":1}}`
	doneB := `{"type":"response.function_call_arguments.done","item_id":"item_b","name":"glob","arguments":"{\"pattern\":\"*.go\"}","index":1}`

	parseAll(t, p, st, "", addA)
	parseAll(t, p, st, "", addB)
	events := parseAll(t, p, st, "", doneB)

	require.Len(t, events, 2)
	assert.Equal(t, "call_b", events[0].ToolCallID)
	assert.Equal(t, "call_a", events[1].ToolCallID)
	assert.JSONEq(t, `{}`, string(events[1].Input))
	assert.Contains(t, st.Emitted, "item_a")
	assert.Contains(t, st.Emitted, "item_b")
}

func TestCodexNegativeIndexFallsBackToArrivalOrder(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()

	// A malformed negative index must not crash the decoder; the item
	// takes arrival order instead.
	add := `{"type":"response.output_item.added","item":{"type":"function_call","id":"item_1","call_id":"call_1","name":"readFile","index":-1}}`
	delta := `{"type":"response.function_call_arguments.delta","item_id":"item_1","delta":"{}","index":-1}`
	done := `{"type":"response.function_call_arguments.done","item_id":"item_1","name":"readFile","arguments":"{}","index":-1}`

	var events []domain.StreamEvent
	require.NotPanics(t, func() {
		events = append(events, parseAll(t, p, st, "", add)...)
		events = append(events, parseAll(t, p, st, "", delta)...)
		events = append(events, parseAll(t, p, st, "", done)...)
	})

	assert.Equal(t, []string{"item_1"}, st.ToolCallOrder)
	require.Len(t, events, 1)
	assert.Equal(t, domain.StreamToolCall, events[0].Type)
	assert.Equal(t, "call_1", events[0].ToolCallID)
}

func TestCodexArgumentsAccumulateAppendOnly(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()

	parseAll(t, p, st, "response.function_call_arguments.delta", `{"item_id":"item_1","delta":"{\"pa"}`)
	parseAll(t, p, st, "response.function_call_arguments.delta", `{"item_id":"item_1","delta":"th\":\"/tmp/a\"}"}`)

	acc := st.ToolCalls["item_1"]
	require.NotNil(t, acc)
	assert.Equal(t, `{"path":"/tmp/a"}`, acc.Arguments)
	// No name yet, so the non-forced sweeps emitted nothing.
	assert.Empty(t, st.Emitted)
}

func TestCodexTextDeltaDedupsTextStart(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()

	first := parseAll(t, p, st, "response.output_text.delta", `{"delta":"Hello"}`)
	require.Len(t, first, 2)
	assert.Equal(t, domain.StreamTextStart, first[0].Type)
	assert.Equal(t, domain.StreamTextDelta, first[1].Type)
	assert.Equal(t, "Hello", first[1].Text)

	second := parseAll(t, p, st, "response.output_text.delta", `{"delta":" world"}`)
	require.Len(t, second, 1)
	assert.Equal(t, domain.StreamTextDelta, second[0].Type)
	assert.Equal(t, " world", second[0].Text)
}

func TestCodexReasoningCursorTracksSingleItem(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()

	first := parseAll(t, p, st, "response.reasoning_text.delta", `{"item_id":"r1","delta":"thinking"}`)
	require.Len(t, first, 2)
	assert.Equal(t, domain.StreamReasoningStart, first[0].Type)
	assert.Equal(t, "r1", first[0].ID)
	assert.Equal(t, domain.StreamReasoningDelta, first[1].Type)

	// Same item keeps streaming without a new start.
	second := parseAll(t, p, st, "response.reasoning_text.delta", `{"item_id":"r1","delta":"more"}`)
	require.Len(t, second, 1)
	assert.Equal(t, domain.StreamReasoningDelta, second[0].Type)

	// A different item moves the cursor and opens a new reasoning run.
	third := parseAll(t, p, st, "response.reasoning_text.delta", `{"item_id":"r2","delta":"next"}`)
	require.Len(t, third, 2)
	assert.Equal(t, domain.StreamReasoningStart, third[0].Type)
	assert.Equal(t, "r2", third[0].ID)

	done := parseAll(t, p, st, "response.reasoning_text.done", `{"item_id":"r2"}`)
	require.Len(t, done, 1)
	assert.Equal(t, domain.StreamReasoningEnd, done[0].Type)
}

func TestCodexResponseCompletedEmitsUsageAndDone(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()
	data := `{"type":"response.completed","response":{"usage":{"input_tokens":10,"output_tokens":5,"total_tokens":15}}}`

	first, err := p.ParseStreamEvent("", data, st)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, domain.StreamUsage, first.Type)
	assert.Equal(t, 10, first.Usage.InputTokens)
	assert.Equal(t, 5, first.Usage.OutputTokens)
	require.NotNil(t, first.Usage.TotalTokens)
	assert.Equal(t, 15, *first.Usage.TotalTokens)

	// The queued Done pops on the next frame, even an uninteresting one.
	second, err := p.ParseStreamEvent("response.output_text.done", "{}", st)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, domain.StreamDone, second.Type)
	assert.Nil(t, second.FinishReason)
}

func TestCodexResponseCompletedFlushesTrailingText(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()
	data := `{"type":"response.completed","response":{"output":[{"content":[{"text":"full answer"}]}]}}`

	events := parseAll(t, p, st, "", data)
	require.Len(t, events, 3)
	assert.Equal(t, domain.StreamTextStart, events[0].Type)
	assert.Equal(t, domain.StreamTextDelta, events[1].Type)
	assert.Equal(t, "full answer", events[1].Text)
	assert.Equal(t, domain.StreamDone, events[2].Type)
}

func TestCodexResponseFailedEmitsError(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()
	data := `{"type":"response.failed","response":{"error":{"message":"quota exceeded"}}}`

	events := parseAll(t, p, st, "", data)
	require.Len(t, events, 1)
	assert.Equal(t, domain.StreamError, events[0].Type)
	assert.Equal(t, "quota exceeded", events[0].Message)
}

func TestCodexChatCompletionChunk(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()

	chunk := `{"object":"chat.completion.chunk","choices":[{"delta":{"content":"Hi"}}]}`
	events := parseAll(t, p, st, "", chunk)
	require.Len(t, events, 2)
	assert.Equal(t, domain.StreamTextStart, events[0].Type)
	assert.Equal(t, "Hi", events[1].Text)

	final := `{"object":"chat.completion.chunk","usage":{"prompt_tokens":3,"completion_tokens":7,"total_tokens":10},"choices":[{"delta":{},"finish_reason":"stop"}]}`
	events = parseAll(t, p, st, "", final)
	require.Len(t, events, 1)
	require.Equal(t, domain.StreamUsage, events[0].Type)
	assert.Equal(t, 3, events[0].Usage.InputTokens)
	assert.Equal(t, 7, events[0].Usage.OutputTokens)
	assert.Equal(t, "stop", st.FinishReason)
}

func TestCodexIgnoresUnknownEvents(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()

	ev, err := p.ParseStreamEvent("response.something.new", `{"type":"response.something.new"}`, st)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Empty(t, st.Pending)
}

func TestCodexInvalidPayloadIsError(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()

	_, err := p.ParseStreamEvent("response.output_text.delta", "not json", st)
	require.Error(t, err)
}

func TestCodexContentPartAddedStartsText(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()

	events := parseAll(t, p, st, "response.content_part.added", `{"part":{"text":"intro"}}`)
	require.Len(t, events, 2)
	assert.Equal(t, domain.StreamTextStart, events[0].Type)
	assert.Equal(t, "intro", events[1].Text)
}

func TestCodexOutputItemAddedKeepsKnownFields(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()

	parseAll(t, p, st, "", `{"type":"response.output_item.added","item":{"type":"function_call","id":"item_1","call_id":"call_1","name":"glob"}}`)
	// A second added event with empty fields must not erase them.
	parseAll(t, p, st, "", `{"type":"response.output_item.added","item":{"type":"function_call","id":"item_1"}}`)

	acc := st.ToolCalls["item_1"]
	require.NotNil(t, acc)
	assert.Equal(t, "call_1", acc.ToolCallID)
	assert.Equal(t, "glob", acc.ToolName)
	assert.Equal(t, []string{"item_1"}, st.ToolCallOrder)
}

func TestCodexToolInputRoundTripsThroughEvent(t *testing.T) {
	p := NewCodexProtocol(nil)
	st := NewStreamState()

	data := `{"item_id":"item_1","name":"search","arguments":"{\"query\":\"go generics\",\"limit\":3}"}`
	events := parseAll(t, p, st, "response.function_call_arguments.done", data)
	require.Len(t, events, 1)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(events[0].Input, &decoded))
	assert.Equal(t, "go generics", decoded["query"])
	assert.Equal(t, float64(3), decoded["limit"])
}
