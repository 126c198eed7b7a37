package llm

import (
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"quill-ai/internal/domain"
)

// ThrottleConfig tunes the coalescing sink.
type ThrottleConfig struct {
	// TextDeltasPerSecond caps the TextDelta emission rate; deltas above
	// the cap coalesce into the next emitted one. Zero means 20/s.
	TextDeltasPerSecond float64
	// MaxMessageLength truncates oversize Error messages. Zero means 100k.
	MaxMessageLength int
}

// ThrottledSink coalesces TextDelta bursts in front of a slow downstream
// sink. Fast token streams are merged into fewer, larger deltas at the
// configured rate; buffered text always flushes before any other event,
// so the downstream sees the same text in the same order. Terminal and
// tool-call events pass through immediately.
type ThrottledSink struct {
	next    EventSink
	limiter *rate.Limiter
	maxLen  int

	mu      sync.Mutex
	pending map[uint64]*strings.Builder
}

// NewThrottledSink wraps next with delta coalescing.
func NewThrottledSink(next EventSink, cfg ThrottleConfig) *ThrottledSink {
	perSecond := cfg.TextDeltasPerSecond
	if perSecond == 0 {
		perSecond = 20
	}
	maxLen := cfg.MaxMessageLength
	if maxLen == 0 {
		maxLen = 100_000
	}
	return &ThrottledSink{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		maxLen:  maxLen,
		pending: make(map[uint64]*strings.Builder),
	}
}

// Emit implements EventSink.
func (s *ThrottledSink) Emit(requestID uint64, event domain.StreamEvent) {
	if event.Type == domain.StreamTextDelta {
		s.mu.Lock()
		buf, ok := s.pending[requestID]
		if !ok {
			buf = &strings.Builder{}
			s.pending[requestID] = buf
		}
		buf.WriteString(event.Text)
		if !s.limiter.Allow() {
			s.mu.Unlock()
			return
		}
		text := buf.String()
		delete(s.pending, requestID)
		s.mu.Unlock()
		s.next.Emit(requestID, domain.TextDeltaEvent(text))
		return
	}

	// Flush buffered text first so ordering is preserved around
	// non-delta events.
	s.flush(requestID)

	if event.Type == domain.StreamError && len(event.Message) > s.maxLen {
		event.Message = event.Message[:s.maxLen] + "\n... [truncated]"
	}
	s.next.Emit(requestID, event)

	if event.IsTerminal() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
	}
}

// Flush forces out any buffered text for a request.
func (s *ThrottledSink) Flush(requestID uint64) {
	s.flush(requestID)
}

func (s *ThrottledSink) flush(requestID uint64) {
	s.mu.Lock()
	buf, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if ok && buf.Len() > 0 {
		s.next.Emit(requestID, domain.TextDeltaEvent(buf.String()))
	}
}

var _ EventSink = (*ThrottledSink)(nil)
