package tracing

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Schema for the trace store. Applied idempotently on Open.
const schema = `
CREATE TABLE IF NOT EXISTS traces (
	id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	metadata TEXT
);
CREATE TABLE IF NOT EXISTS spans (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	parent_span_id TEXT,
	name TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	attributes TEXT,
	FOREIGN KEY (trace_id) REFERENCES traces(id) ON DELETE CASCADE,
	FOREIGN KEY (parent_span_id) REFERENCES spans(id) ON DELETE SET NULL
);
CREATE TABLE IF NOT EXISTS span_events (
	id TEXT PRIMARY KEY,
	span_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT,
	FOREIGN KEY (span_id) REFERENCES spans(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans(trace_id);
CREATE INDEX IF NOT EXISTS idx_spans_parent_span_id ON spans(parent_span_id);
CREATE INDEX IF NOT EXISTS idx_span_events_span_id ON span_events(span_id);
CREATE INDEX IF NOT EXISTS idx_traces_started_at ON traces(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_spans_started_at ON spans(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_span_events_timestamp ON span_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_span_events_type ON span_events(event_type);
`

const (
	insertTraceSQL = `INSERT INTO traces (id, started_at, ended_at, metadata) VALUES (?, ?, ?, ?)`
	insertSpanSQL  = `INSERT INTO spans (id, trace_id, parent_span_id, name, started_at, ended_at, attributes) VALUES (?, ?, ?, ?, ?, ?, ?)`
	closeSpanSQL   = `UPDATE spans SET ended_at = ? WHERE id = ?`
	insertEventSQL = `INSERT INTO span_events (id, span_id, timestamp, event_type, payload) VALUES (?, ?, ?, ?, ?)`
)

// Writer persists traces, spans, and span events to SQLite through an
// async command channel. All recording methods are non-blocking: commands
// are batched and written by a background goroutine, and dropped with a
// warning when the channel is full. Stream decode loops therefore never
// wait on the database.
type Writer struct {
	db     *sql.DB
	cmds   chan command
	logger *slog.Logger

	wg     sync.WaitGroup
	closed sync.Once
}

// Open creates the trace store at path, applies the schema, and starts
// the background writer goroutine.
func Open(path string, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	w := &Writer{
		db:     db,
		cmds:   make(chan command, channelCapacity),
		logger: logger,
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// run is the background loop: it batches commands and flushes on size or
// timeout.
func (w *Writer) run() {
	defer w.wg.Done()
	batch := make([]command, 0, batchSize)
	ticker := time.NewTicker(batchTimeoutMS * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case cmd, ok := <-w.cmds:
			if !ok {
				w.flush(batch)
				return
			}
			if cmd.kind == cmdFlush {
				w.flush(batch)
				batch = batch[:0]
				close(cmd.flushed)
				continue
			}
			batch = append(batch, cmd)
			if len(batch) >= batchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (w *Writer) flush(batch []command) {
	if len(batch) == 0 {
		return
	}
	tx, err := w.db.Begin()
	if err != nil {
		w.logger.Error("trace writer begin failed", "error", err)
		return
	}
	for _, cmd := range batch {
		var execErr error
		switch cmd.kind {
		case cmdCreateTrace:
			execErr = w.insertTrace(tx, cmd.trace)
		case cmdCreateSpan:
			execErr = w.insertSpan(tx, cmd.span)
		case cmdCloseSpan:
			_, execErr = tx.Exec(closeSpanSQL, cmd.endedAt, cmd.spanID)
		case cmdAddEvent:
			execErr = w.insertEvent(tx, cmd.event)
		}
		if execErr != nil {
			w.logger.Error("trace writer statement failed", "error", execErr)
		}
	}
	if err := tx.Commit(); err != nil {
		w.logger.Error("trace writer commit failed", "error", err)
	}
}

func (w *Writer) insertTrace(tx *sql.Tx, trace Trace) error {
	metadata := marshalNullable(trace.Metadata)
	_, err := tx.Exec(insertTraceSQL, trace.ID, trace.StartedAt, nullableInt(trace.EndedAt), metadata)
	return err
}

func (w *Writer) insertSpan(tx *sql.Tx, span Span) error {
	attrs, err := json.Marshal(span.Attributes)
	if err != nil {
		attrs = []byte("{}")
	}
	var parent any
	if span.ParentSpanID != "" {
		parent = span.ParentSpanID
	}
	_, err = tx.Exec(insertSpanSQL, span.ID, span.TraceID, parent, span.Name,
		span.StartedAt, nullableInt(span.EndedAt), string(attrs))
	return err
}

func (w *Writer) insertEvent(tx *sql.Tx, event SpanEvent) error {
	payload := marshalNullable(event.Payload)
	_, err := tx.Exec(insertEventSQL, event.ID, event.SpanID, event.Timestamp, event.EventType, payload)
	return err
}

func marshalNullable(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(raw)
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// send queues a command without blocking; full channel drops the command.
func (w *Writer) send(cmd command, what string) {
	select {
	case w.cmds <- cmd:
	default:
		w.logger.Warn("trace writer channel full, dropping "+what, "capacity", channelCapacity)
	}
}

// StartTrace records a new trace and returns its id. Non-blocking.
func (w *Writer) StartTrace() string {
	traceID := newTraceID()
	w.send(command{
		kind:  cmdCreateTrace,
		trace: Trace{ID: traceID, StartedAt: time.Now().UnixMilli()},
	}, "trace creation")
	return traceID
}

// StartSpan records a new span under traceID and returns the span id.
// parentSpanID may be "". Non-blocking.
func (w *Writer) StartSpan(traceID, parentSpanID, name string, attrs map[string]any) string {
	spanID := newSpanID()
	w.send(command{
		kind: cmdCreateSpan,
		span: Span{
			ID:           spanID,
			TraceID:      traceID,
			ParentSpanID: parentSpanID,
			Name:         name,
			StartedAt:    time.Now().UnixMilli(),
			Attributes:   attrs,
		},
	}, "span creation")
	return spanID
}

// AddEvent records an event on a span. payload may be nil. Non-blocking.
func (w *Writer) AddEvent(spanID, eventType string, payload any) {
	w.send(command{
		kind: cmdAddEvent,
		event: SpanEvent{
			ID:        newEventID(),
			SpanID:    spanID,
			Timestamp: time.Now().UnixMilli(),
			EventType: eventType,
			Payload:   payload,
		},
	}, "span event")
}

// EndSpan closes a span with the given end timestamp. Non-blocking.
func (w *Writer) EndSpan(spanID string, endedAtMillis int64) {
	w.send(command{kind: cmdCloseSpan, spanID: spanID, endedAt: endedAtMillis}, "span close")
}

// Flush blocks until every previously queued command has been written.
// Intended for tests and shutdown paths.
func (w *Writer) Flush() {
	done := make(chan struct{})
	select {
	case w.cmds <- command{kind: cmdFlush, flushed: done}:
		<-done
	default:
		// Channel full; the pending batch will flush on its own.
	}
}

// Close flushes pending writes, stops the background goroutine, and
// closes the database.
func (w *Writer) Close() error {
	w.closed.Do(func() {
		close(w.cmds)
	})
	w.wg.Wait()
	return w.db.Close()
}
