package llm

import (
	"context"

	"quill-ai/internal/domain"
	"quill-ai/internal/infra/config"
)

// Protocol is the pluggable per-provider strategy: it builds requests and
// headers for a wire protocol and decodes that protocol's SSE frames into
// canonical events. The Codex decoder and any OpenAI/Anthropic/Gemini
// style decoder are peers behind this interface; the orchestrator selects
// one implementation per resolved target and never switches mid-stream.
type Protocol interface {
	// Name identifies the protocol for logging and fixtures.
	Name() string
	// EndpointPath is the path appended to the provider base URL.
	EndpointPath() string
	// BuildHeaders assembles request headers from resolved credentials
	// plus any provider-configured extra headers.
	BuildHeaders(apiKey, oauthToken string, extra map[string]string) map[string]string
	// BuildRequest translates the canonical request into the upstream
	// JSON body. extraBody entries from provider config are merged in.
	BuildRequest(model string, req domain.StreamRequest, extraBody map[string]any) (map[string]any, error)
	// ParseStreamEvent consumes one decoded SSE frame, mutating st, and
	// returns the first resulting canonical event (more may be queued on
	// st.Pending). A nil event with nil error means the frame produced
	// nothing. A non-nil error is fatal for the stream.
	ParseStreamEvent(eventName, data string, st *StreamState) (*domain.StreamEvent, error)
}

// ToolCallAccum assembles one tool call from incremental fragments.
// Arguments grows by strict append: fragments are never truncated or
// reordered, so the final string equals the concatenation of deltas in
// arrival order.
type ToolCallAccum struct {
	ToolCallID string
	ToolName   string
	Arguments  string
}

// StreamState is the per-request mutable accumulator shared by a
// protocol decoder across frames. It is exclusively owned by one
// in-flight request's goroutine: created at request start, mutated only
// by the decoder, discarded when the request ends.
type StreamState struct {
	// ToolCalls indexes accumulators by upstream item id.
	ToolCalls map[string]*ToolCallAccum

	// ToolCallOrder is a sparse, index-addressable ordering of item ids.
	// When the upstream declares an explicit numeric slot the slice grows
	// with "" placeholders; emission sweeps skip placeholders.
	ToolCallOrder []string

	// Emitted records item ids whose ToolCall event has been produced.
	// It only ever grows, enforcing at-most-one emission per id.
	Emitted map[string]struct{}

	// Pending queues canonical events FIFO when one frame yields several.
	Pending []domain.StreamEvent

	// TextStarted dedups TextStart for the single text run.
	TextStarted bool

	// ThinkingID is the single-slot reasoning cursor: the item id of the
	// reasoning stream currently open, or "" when none is.
	ThinkingID string

	// FinishReason captured from the upstream, if any.
	FinishReason string
}

// NewStreamState creates an empty accumulator for one request.
func NewStreamState() *StreamState {
	return &StreamState{
		ToolCalls: make(map[string]*ToolCallAccum),
		Emitted:   make(map[string]struct{}),
	}
}

// popPending removes and returns the oldest queued event, or nil.
func (st *StreamState) popPending() *domain.StreamEvent {
	if len(st.Pending) == 0 {
		return nil
	}
	ev := st.Pending[0]
	st.Pending = st.Pending[1:]
	return &ev
}

// push queues a canonical event.
func (st *StreamState) push(ev domain.StreamEvent) {
	st.Pending = append(st.Pending, ev)
}

// placeToolCall records itemID in the ordering. An explicit index grows
// the slice with placeholders and claims the slot unless a different id
// already holds it; without an index the id is appended once. A negative
// index is malformed upstream data and falls back to the append path.
func (st *StreamState) placeToolCall(itemID string, index *int) {
	if index != nil && *index >= 0 {
		for len(st.ToolCallOrder) <= *index {
			st.ToolCallOrder = append(st.ToolCallOrder, "")
		}
		if st.ToolCallOrder[*index] == "" || st.ToolCallOrder[*index] == itemID {
			st.ToolCallOrder[*index] = itemID
		}
		return
	}
	for _, id := range st.ToolCallOrder {
		if id == itemID {
			return
		}
	}
	st.ToolCallOrder = append(st.ToolCallOrder, itemID)
}

// CredentialSource resolves provider credentials and related settings.
// Implementations (keychain, encrypted settings, OS stores) live outside
// the engine; lookups must be safe for concurrent use by in-flight
// requests.
type CredentialSource interface {
	// Credential returns the provider's API key or OAuth token, or ""
	// when the user has none stored.
	Credential(ctx context.Context, provider config.ProviderConfig) (string, error)
	// HasOAuthToken reports whether an OAuth token (as opposed to a
	// plain API key) is stored for the provider.
	HasOAuthToken(ctx context.Context, providerID string) (bool, error)
	// AccountID returns the upstream account id associated with the
	// provider's OAuth session, or "" when unknown.
	AccountID(ctx context.Context, providerID string) (string, error)
	// APIKeys returns the full provider id -> credential map.
	APIKeys(ctx context.Context) (map[string]string, error)
	// OAuthTokens returns the provider id -> OAuth token map.
	OAuthTokens(ctx context.Context) (map[string]string, error)
}

// EventSink receives canonical events for one request, tagged with the
// request id. Emit must be best-effort and non-blocking.
type EventSink interface {
	Emit(requestID uint64, event domain.StreamEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(requestID uint64, event domain.StreamEvent)

// Emit implements EventSink.
func (f EventSinkFunc) Emit(requestID uint64, event domain.StreamEvent) { f(requestID, event) }

// TraceSink records spans and span events for a stream request. All
// methods must return quickly; implementations buffer and write
// asynchronously so they never block the decode loop.
type TraceSink interface {
	StartTrace() string
	StartSpan(traceID, parentSpanID, name string, attrs map[string]any) string
	AddEvent(spanID, eventType string, payload any)
	EndSpan(spanID string, endedAtMillis int64)
}
