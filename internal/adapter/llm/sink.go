package llm

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"quill-ai/internal/domain"
)

// BusSink publishes canonical stream events on the engine event bus,
// tagged with their request id. It also brackets each request's event
// sequence with lifecycle envelopes: EventStreamStarted before the first
// canonical event and EventStreamFinished after the terminal one, the
// latter carrying the accumulated text transcript. Publish is
// handler-async on the bus side, so emitting from the decode loop never
// blocks.
type BusSink struct {
	bus domain.EventBus

	mu          sync.Mutex
	transcripts map[uint64]*strings.Builder
}

// NewBusSink wraps an event bus as an EventSink.
func NewBusSink(bus domain.EventBus) *BusSink {
	return &BusSink{
		bus:         bus,
		transcripts: make(map[uint64]*strings.Builder),
	}
}

func (s *BusSink) publish(eventType domain.EventType, requestID uint64, payload json.RawMessage) {
	s.bus.Publish(context.Background(), domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		RequestID: requestID,
		Payload:   payload,
	})
}

// Emit implements EventSink.
func (s *BusSink) Emit(requestID uint64, event domain.StreamEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	transcript, seen := s.transcripts[requestID]
	if !seen {
		transcript = &strings.Builder{}
		s.transcripts[requestID] = transcript
	}
	if event.Type == domain.StreamTextDelta {
		transcript.WriteString(event.Text)
	}
	var finished json.RawMessage
	if event.IsTerminal() {
		finished, _ = json.Marshal(map[string]string{"transcript": transcript.String()})
		delete(s.transcripts, requestID)
	}
	s.mu.Unlock()

	if !seen {
		s.publish(domain.EventStreamStarted, requestID, nil)
	}
	s.publish(domain.EventStreamEvent, requestID, payload)
	if finished != nil {
		s.publish(domain.EventStreamFinished, requestID, finished)
	}
}

var _ EventSink = (*BusSink)(nil)
