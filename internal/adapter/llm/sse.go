package llm

import (
	"bytes"
	"strings"
)

// sseEvent is one decoded server-sent-event frame.
type sseEvent struct {
	event string // optional event name; "" when the frame had none
	data  string // data lines joined with \n
}

// findSSEDelimiter locates the frame delimiter in buf, returning the
// delimiter's byte offset and length. \r\n\r\n is checked before \n\n
// across the whole buffer, so a CRLF delimiter later in the buffer wins
// over an earlier bare-LF one. This matches observed upstream behavior;
// do not change to leftmost-match without confirming against real
// mixed-delimiter streams.
func findSSEDelimiter(buf []byte) (idx, length int, ok bool) {
	if pos := bytes.Index(buf, []byte("\r\n\r\n")); pos >= 0 {
		return pos, 4, true
	}
	if pos := bytes.Index(buf, []byte("\n\n")); pos >= 0 {
		return pos, 2, true
	}
	return 0, 0, false
}

// parseSSEEvent splits a raw frame into its event name and joined data.
// "event:" lines set the name (last occurrence wins). Each "data:" line
// contributes one data line with at most one leading space stripped, per
// SSE convention. Frames with no data lines yield no event.
func parseSSEEvent(raw string) (sseEvent, bool) {
	var ev sseEvent
	var dataLines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if rest, found := strings.CutPrefix(line, "event:"); found {
			ev.event = strings.TrimSpace(rest)
		} else if rest, found := strings.CutPrefix(line, "data:"); found {
			dataLines = append(dataLines, strings.TrimPrefix(rest, " "))
		}
	}
	if len(dataLines) == 0 {
		return sseEvent{}, false
	}
	ev.data = strings.Join(dataLines, "\n")
	return ev, true
}

// sseBuffer accumulates raw stream bytes and pops complete frames.
// Unconsumed trailing bytes survive across chunk arrivals, so frames
// split mid-JSON or even mid-delimiter reassemble correctly.
type sseBuffer struct {
	buf []byte
}

// append adds a chunk of raw bytes.
func (b *sseBuffer) append(chunk []byte) {
	b.buf = append(b.buf, chunk...)
}

// next extracts the earliest complete frame, removing it and its
// delimiter from the buffer. ok is false when no complete frame remains.
func (b *sseBuffer) next() (frame []byte, ok bool) {
	idx, dlen, found := findSSEDelimiter(b.buf)
	if !found {
		return nil, false
	}
	frame = make([]byte, idx)
	copy(frame, b.buf[:idx])
	b.buf = b.buf[idx+dlen:]
	return frame, true
}

// len reports the number of buffered, unconsumed bytes.
func (b *sseBuffer) len() int { return len(b.buf) }
