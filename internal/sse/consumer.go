// Package sse parses a line-oriented Server-Sent-Events byte stream
// into typed events, with cross-chunk reassembly and a leading-space
// stripping rule per the W3C EventSource wire format.
package sse

import (
	"bytes"
	"strconv"
	"strings"
)

// EventKind tags the semantic shape a consumer cares about, layered on
// top of the raw SSE "event" field.
type EventKind string

const (
	KindChunk    EventKind = "chunk"
	KindToolCall EventKind = "tool_call"
	KindUsage    EventKind = "usage"
	KindDone     EventKind = "done"
	KindError    EventKind = "error"
	KindRaw      EventKind = "raw" // event types the consumer doesn't special-case
)

// RawEvent is one fully-reassembled SSE record, before domain
// interpretation.
type RawEvent struct {
	EventType string // defaults to "message"
	Data      string // repeated "data" fields joined with "\n"
	ID        string
	Retry     *int
}

// Event is the domain-interpreted event the Orchestrator consumes.
type Event struct {
	Kind    EventKind
	Raw     RawEvent
	Payload []byte // raw JSON payload of Data, when applicable
}

// Parser incrementally decodes bytes into RawEvents, buffering
// incomplete trailing lines across chunk boundaries.
type Parser struct {
	buf     bytes.Buffer
	current RawEvent
	hasData bool
	// pendingCR is set when a line ended in a bare \r that was the last
	// buffered byte; a \n arriving first in the next chunk is then skipped.
	pendingCR bool
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed appends chunk to the internal buffer and returns every complete
// record found so far. Incomplete trailing data remains buffered for
// the next call.
func (p *Parser) Feed(chunk []byte) []RawEvent {
	p.buf.Write(chunk)
	var events []RawEvent

	for {
		line, ok := p.readLine()
		if !ok {
			break
		}
		if ev, emit := p.consumeLine(line); emit {
			events = append(events, ev)
		}
	}
	return events
}

// Close flushes any pending record at end-of-stream, per §4.9 "on
// end-of-stream any pending record is emitted."
func (p *Parser) Close() []RawEvent {
	var events []RawEvent
	// A trailing line with no terminating newline still counts.
	if p.buf.Len() > 0 {
		line := p.buf.String()
		p.buf.Reset()
		if ev, emit := p.consumeLine(line); emit {
			events = append(events, ev)
		}
	}
	if p.hasData || p.current.EventType != "" {
		events = append(events, p.flush())
	}
	return events
}

// readLine extracts one line terminated by \n, \r\n, or bare \r from
// the buffer, treating all three as equivalent. Returns ok=false if no
// complete line is currently buffered.
func (p *Parser) readLine() (string, bool) {
	data := p.buf.Bytes()
	if p.pendingCR && len(data) > 0 {
		p.pendingCR = false
		if data[0] == '\n' {
			p.buf.Next(1)
			data = p.buf.Bytes()
		}
	}
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\n':
			line := string(data[:i])
			p.buf.Next(i + 1)
			return line, true
		case '\r':
			// Could be \r\n or bare \r. A \r that is the last byte seen
			// so far ends the line now; a \n split into the next chunk
			// is dropped via pendingCR.
			line := string(data[:i])
			if i+1 < len(data) && data[i+1] == '\n' {
				p.buf.Next(i + 2)
			} else {
				p.pendingCR = i+1 == len(data)
				p.buf.Next(i + 1)
			}
			return line, true
		}
	}
	return "", false
}

// consumeLine applies one line to the in-progress record, returning the
// completed record and emit=true when the line is an empty terminator.
func (p *Parser) consumeLine(line string) (RawEvent, bool) {
	if line == "" {
		if p.hasData || p.current.EventType != "" {
			return p.flush(), true
		}
		return RawEvent{}, false
	}
	if strings.HasPrefix(line, ":") {
		return RawEvent{}, false // comment
	}

	field, value := splitField(line)
	switch field {
	case "event":
		p.current.EventType = value
	case "data":
		if p.hasData {
			p.current.Data += "\n" + value
		} else {
			p.current.Data = value
			p.hasData = true
		}
	case "id":
		if strings.ContainsRune(value, 0) {
			return RawEvent{}, false // reject id containing NUL
		}
		p.current.ID = value
	case "retry":
		if n, err := strconv.Atoi(value); err == nil {
			p.current.Retry = &n
		}
	}
	return RawEvent{}, false
}

func (p *Parser) flush() RawEvent {
	ev := p.current
	if ev.EventType == "" {
		ev.EventType = "message"
	}
	p.current = RawEvent{}
	p.hasData = false
	return ev
}

// splitField parses "field[:][ value]", stripping exactly one leading
// space after the colon and preserving any further spaces.
func splitField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx == -1 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	if strings.HasPrefix(value, " ") {
		value = value[1:]
	}
	return field, value
}

// Interpret maps a RawEvent into the domain Event kinds the
// StreamCostTracker and Orchestrator expect.
func Interpret(raw RawEvent) Event {
	switch raw.EventType {
	case "chunk", "message":
		return Event{Kind: KindChunk, Raw: raw, Payload: []byte(raw.Data)}
	case "tool_call":
		return Event{Kind: KindToolCall, Raw: raw, Payload: []byte(raw.Data)}
	case "usage":
		return Event{Kind: KindUsage, Raw: raw, Payload: []byte(raw.Data)}
	case "done":
		return Event{Kind: KindDone, Raw: raw, Payload: []byte(raw.Data)}
	case "error":
		return Event{Kind: KindError, Raw: raw, Payload: []byte(raw.Data)}
	default:
		return Event{Kind: KindRaw, Raw: raw, Payload: []byte(raw.Data)}
	}
}
