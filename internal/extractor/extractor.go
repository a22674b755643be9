// Package extractor recovers structured tool calls that some providers embed
// as inline markup inside streamed text. It is an incremental parser: chunks
// arrive in arbitrary splits, including splits inside a delimiter, and the
// extractor re-emits plain text interleaved with tool-call events.
package extractor

import (
	"encoding/json"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Kind identifies an extractor event.
type Kind string

const (
	TextStart        Kind = "text-start"
	TextDelta        Kind = "text-delta"
	TextEnd          Kind = "text-end"
	ToolInputStart   Kind = "tool-input-start"
	ToolInputDelta   Kind = "tool-input-delta"
	ToolInputEnd     Kind = "tool-input-end"
	ToolCallComplete Kind = "tool-call-complete"
)

// Event is one unit of extractor output.
type Event struct {
	Kind Kind

	// Text carries the delta for TextDelta events.
	Text string

	// CallID identifies the tool call for all tool-* events.
	CallID string

	// InputDelta carries raw argument JSON characters for ToolInputDelta.
	InputDelta string

	// Args carries the fully parsed arguments for ToolCallComplete.
	Args map[string]any

	// RawInput is the complete argument string for ToolCallComplete.
	RawInput string
}

type mode int

const (
	modeProse mode = iota
	modeTool
)

// Extractor scans streamed text for inline tool-call markup. One instance
// serves exactly one stream; it keeps no state across streams.
type Extractor struct {
	openTag  string
	closeTag string

	mode     mode
	buf      string // unconsumed trailing characters between calls
	textOpen bool

	callID string
	input  strings.Builder
}

// New creates an extractor for the given tag name. An empty tag defaults
// to "tool", i.e. the markup <tool>{...}</tool>.
func New(tag string) *Extractor {
	if tag == "" {
		tag = "tool"
	}
	return &Extractor{
		openTag:  "<" + tag + ">",
		closeTag: "</" + tag + ">",
	}
}

// ProcessChunk consumes one chunk of streamed text and returns the events it
// produced. A delimiter split across chunks is held in a pending buffer and
// resolved by later chunks or by Flush.
func (e *Extractor) ProcessChunk(text string) []Event {
	e.buf += text
	var out []Event

	for {
		switch e.mode {
		case modeProse:
			idx := strings.Index(e.buf, e.openTag)
			if idx < 0 {
				hold := suffixPrefix(e.buf, e.openTag)
				emit := e.buf[:len(e.buf)-hold]
				e.buf = e.buf[len(e.buf)-hold:]
				out = e.emitText(out, emit)
				return out
			}
			out = e.emitText(out, e.buf[:idx])
			e.buf = e.buf[idx+len(e.openTag):]
			out = e.openTool(out)

		case modeTool:
			idx := strings.Index(e.buf, e.closeTag)
			if idx < 0 {
				hold := suffixPrefix(e.buf, e.closeTag)
				delta := e.buf[:len(e.buf)-hold]
				e.buf = e.buf[len(e.buf)-hold:]
				out = e.emitToolDelta(out, delta)
				return out
			}
			delta := e.buf[:idx]
			e.buf = e.buf[idx+len(e.closeTag):]
			out = e.emitToolDelta(out, delta)
			out = e.closeTool(out)
		}
	}
}

// Flush drains buffered-but-incomplete markup at end of stream. Unterminated
// tool markup is surfaced as plain text rather than silently dropped.
func (e *Extractor) Flush() []Event {
	var out []Event

	switch e.mode {
	case modeTool:
		// Re-emit the whole block, delimiters included, as prose.
		raw := e.openTag + e.input.String() + e.buf
		out = append(out, Event{Kind: ToolInputEnd, CallID: e.callID})
		e.mode = modeProse
		e.callID = ""
		e.input.Reset()
		e.buf = ""
		out = e.emitText(out, raw)

	case modeProse:
		out = e.emitText(out, e.buf)
		e.buf = ""
	}

	if e.textOpen {
		out = append(out, Event{Kind: TextEnd})
		e.textOpen = false
	}
	return out
}

func (e *Extractor) emitText(out []Event, text string) []Event {
	if text == "" {
		return out
	}
	if !e.textOpen {
		out = append(out, Event{Kind: TextStart})
		e.textOpen = true
	}
	return append(out, Event{Kind: TextDelta, Text: text})
}

func (e *Extractor) openTool(out []Event) []Event {
	if e.textOpen {
		out = append(out, Event{Kind: TextEnd})
		e.textOpen = false
	}
	e.mode = modeTool
	e.callID = newCallID()
	e.input.Reset()
	return append(out, Event{Kind: ToolInputStart, CallID: e.callID})
}

func (e *Extractor) emitToolDelta(out []Event, delta string) []Event {
	if delta == "" {
		return out
	}
	e.input.WriteString(delta)
	return append(out, Event{Kind: ToolInputDelta, CallID: e.callID, InputDelta: delta})
}

func (e *Extractor) closeTool(out []Event) []Event {
	raw := e.input.String()
	callID := e.callID
	out = append(out, Event{Kind: ToolInputEnd, CallID: callID})

	e.mode = modeProse
	e.callID = ""
	e.input.Reset()

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		// Malformed arguments: recover locally by emitting the raw markup
		// as prose. Parse errors are never fatal to the stream.
		return e.emitText(out, e.openTag+raw+e.closeTag)
	}
	return append(out, Event{Kind: ToolCallComplete, CallID: callID, Args: args, RawInput: raw})
}

// suffixPrefix returns the length of the longest suffix of s that is a
// proper prefix of tag. That suffix may still grow into a full delimiter
// once the next chunk arrives, so it must not be emitted yet.
func suffixPrefix(s, tag string) int {
	max := len(tag) - 1
	if len(s) < max {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if s[len(s)-k:] == tag[:k] {
			return k
		}
	}
	return 0
}

func newCallID() string {
	return "call_" + ulid.Make().String()
}
