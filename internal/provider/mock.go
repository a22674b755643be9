package provider

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Script is one scripted model invocation: the raw events a ScriptedClient
// stream yields, in order, optionally followed by a failure.
type Script struct {
	Events []RawEvent
	Err    error
}

// ScriptedClient is a configurable fake provider for testing. Scripts are
// consumed in order; if exhausted, the last script repeats.
type ScriptedClient struct {
	mu        sync.Mutex
	scripts   []Script
	callIndex int
	calls     []Request
}

// NewScriptedClient creates a scripted client with a sequence of invocations.
func NewScriptedClient(scripts ...Script) *ScriptedClient {
	return &ScriptedClient{scripts: scripts}
}

// Stream returns a stream that replays the next configured script.
func (c *ScriptedClient) Stream(_ context.Context, req Request) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, req)

	if len(c.scripts) == 0 {
		return nil, fmt.Errorf("scripted provider: no scripts configured")
	}

	idx := c.callIndex
	if idx >= len(c.scripts) {
		idx = len(c.scripts) - 1
	} else {
		c.callIndex++
	}

	return &scriptedStream{script: c.scripts[idx]}, nil
}

// Calls returns all requests made to the client.
func (c *ScriptedClient) Calls() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.calls...)
}

// Reset clears call history and rewinds the script index.
func (c *ScriptedClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callIndex = 0
	c.calls = nil
}

type scriptedStream struct {
	script Script
	pos    int
}

func (s *scriptedStream) Recv(ctx context.Context) (RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return RawEvent{}, err
	}
	if s.pos < len(s.script.Events) {
		ev := s.script.Events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.script.Err != nil {
		return RawEvent{}, s.script.Err
	}
	return RawEvent{}, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

// TextScript builds a script that streams the given chunks as one text block
// and finishes with the given usage. Convenient for engine-level tests.
func TextScript(usage Usage, chunks ...string) Script {
	events := []RawEvent{{Type: RawBlockStart, Index: 0, Block: BlockText}}
	for _, c := range chunks {
		events = append(events, RawEvent{Type: RawBlockDelta, Index: 0, Text: c})
	}
	events = append(events,
		RawEvent{Type: RawBlockStop, Index: 0},
		RawEvent{Type: RawResult, Usage: usage, StopReason: StopEndTurn},
	)
	return Script{Events: events}
}
