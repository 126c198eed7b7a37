package tracing

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Writer tuning. The channel absorbs bursts from decode loops; commands
// beyond capacity are dropped rather than blocking a stream.
const (
	channelCapacity = 1000
	batchSize       = 50
	batchTimeoutMS  = 50
)

// Trace is one recorded trace row.
type Trace struct {
	ID        string
	StartedAt int64
	EndedAt   *int64
	Metadata  any
}

// Span is one recorded span row.
type Span struct {
	ID           string
	TraceID      string
	ParentSpanID string
	Name         string
	StartedAt    int64
	EndedAt      *int64
	Attributes   map[string]any
}

// SpanEvent is one recorded span event row.
type SpanEvent struct {
	ID        string
	SpanID    string
	Timestamp int64
	EventType string
	Payload   any
}

type commandKind int

const (
	cmdCreateTrace commandKind = iota
	cmdCreateSpan
	cmdCloseSpan
	cmdAddEvent
	cmdFlush
)

type command struct {
	kind  commandKind
	trace Trace
	span  Span
	event SpanEvent

	spanID  string
	endedAt int64

	// flushed is closed once the flush command's batch hits the database.
	flushed chan struct{}
}

// newTraceID returns a lexicographically sortable trace id.
func newTraceID() string {
	return ulid.Make().String()
}

// newSpanID returns a 16-hex-char span id.
func newSpanID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uuid.NewString()[:16]
	}
	return hex.EncodeToString(b[:])
}

// newEventID returns a random event id.
func newEventID() string {
	return uuid.NewString()
}
