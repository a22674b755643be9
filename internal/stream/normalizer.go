package stream

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/millrace-ai/millrace/internal/extractor"
	"github.com/millrace-ai/millrace/internal/provider"
)

// blockState tracks one provider content block by index. A provider may hold
// several blocks open at once (reasoning interleaved with text), so state is
// kept per index.
type blockState struct {
	kind    provider.BlockType
	started bool

	// Native tool blocks
	callID   string
	toolName string
	input    strings.Builder
}

// Normalizer converts one provider stream into the canonical event sequence.
// It is a cooperative pull-based generator: each call to Next processes raw
// provider events to completion until one canonical event is available.
type Normalizer struct {
	src       provider.Stream
	extractor *extractor.Extractor

	blocks     map[int]*blockState
	queue      []Event
	toolCalled bool
	finished   bool
}

// New creates a normalizer over the given provider stream. The extractor
// instance must be fresh; it carries per-stream parser state.
func New(src provider.Stream, ex *extractor.Extractor) *Normalizer {
	return &Normalizer{
		src:       src,
		extractor: ex,
		blocks:    make(map[int]*blockState),
	}
}

// Next returns the next canonical event. The sequence ends with exactly one
// Finish event followed by io.EOF. Provider-level failures are returned as
// *provider.Error before any Finish is emitted.
func (n *Normalizer) Next(ctx context.Context) (Event, error) {
	for len(n.queue) == 0 {
		if n.finished {
			return Event{}, io.EOF
		}

		raw, err := n.src.Recv(ctx)
		if err != nil {
			if err == io.EOF {
				// Terminal result missing; treat as a plain stop.
				n.finish(provider.Usage{}, provider.StopEndTurn)
				continue
			}
			return Event{}, err
		}

		if err := n.process(raw); err != nil {
			return Event{}, err
		}
	}

	ev := n.queue[0]
	n.queue = n.queue[1:]
	return ev, nil
}

func (n *Normalizer) process(raw provider.RawEvent) error {
	switch raw.Type {
	case provider.RawBlockStart:
		st := &blockState{kind: raw.Block}
		n.blocks[raw.Index] = st
		switch raw.Block {
		case provider.BlockReasoning:
			st.started = true
			n.queue = append(n.queue, Event{Type: ReasoningStart})
		case provider.BlockTool:
			st.started = true
			st.callID = raw.ToolID
			st.toolName = raw.ToolName
			n.queue = append(n.queue, Event{Type: ToolInputStart, CallID: st.callID, ToolName: st.toolName})
		}
		// Text blocks open lazily through the extractor.

	case provider.RawBlockDelta:
		st := n.blocks[raw.Index]
		if st == nil {
			// Deltas for an unannounced block default to text.
			st = &blockState{kind: provider.BlockText}
			n.blocks[raw.Index] = st
		}
		switch st.kind {
		case provider.BlockReasoning:
			n.queue = append(n.queue, Event{Type: ReasoningDelta, Text: raw.Text})
		case provider.BlockTool:
			st.input.WriteString(raw.ArgsDelta)
			n.queue = append(n.queue, Event{Type: ToolInputDelta, CallID: st.callID, ArgsDelta: raw.ArgsDelta})
		default:
			n.enqueueExtractor(n.extractor.ProcessChunk(raw.Text))
		}

	case provider.RawBlockStop:
		st := n.blocks[raw.Index]
		if st == nil {
			return nil
		}
		delete(n.blocks, raw.Index)
		switch st.kind {
		case provider.BlockReasoning:
			n.queue = append(n.queue, Event{Type: ReasoningEnd})
		case provider.BlockTool:
			n.closeToolBlock(st)
		}
		// Text block stop is a no-op; the extractor closes text around
		// tool markup and at stream end.

	case provider.RawResult:
		n.finish(raw.Usage, raw.StopReason)

	case provider.RawFailure:
		return &provider.Error{Code: raw.Code, Message: raw.Message}
	}
	return nil
}

// closeToolBlock finalizes a native provider tool-use block.
func (n *Normalizer) closeToolBlock(st *blockState) {
	raw := st.input.String()
	n.queue = append(n.queue, Event{Type: ToolInputEnd, CallID: st.callID})

	args := make(map[string]any)
	if raw != "" {
		// Invalid argument JSON still yields a tool call; the recorded
		// raw input lets the caller surface the problem.
		_ = json.Unmarshal([]byte(raw), &args)
	}
	n.toolCalled = true
	n.queue = append(n.queue, Event{
		Type:     ToolCall,
		CallID:   st.callID,
		ToolName: st.toolName,
		Args:     args,
		RawInput: raw,
	})
}

// finish drains the extractor and queues the single terminal Finish event.
// Usage is taken from the terminal provider event only, never summed per
// delta. Once any tool call completed during the stream the finish reason is
// fixed to tool-calls regardless of the provider's own terminal signal.
func (n *Normalizer) finish(usage provider.Usage, stop provider.StopReason) {
	n.enqueueExtractor(n.extractor.Flush())

	reason := mapFinishReason(stop)
	if n.toolCalled {
		reason = FinishToolCalls
	}

	n.queue = append(n.queue, Event{Type: Finish, Usage: usage, Reason: reason})
	n.finished = true
}

func (n *Normalizer) enqueueExtractor(events []extractor.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case extractor.TextStart:
			n.queue = append(n.queue, Event{Type: TextStart})
		case extractor.TextDelta:
			n.queue = append(n.queue, Event{Type: TextDelta, Text: ev.Text})
		case extractor.TextEnd:
			n.queue = append(n.queue, Event{Type: TextEnd})
		case extractor.ToolInputStart:
			n.queue = append(n.queue, Event{Type: ToolInputStart, CallID: ev.CallID})
		case extractor.ToolInputDelta:
			n.queue = append(n.queue, Event{Type: ToolInputDelta, CallID: ev.CallID, ArgsDelta: ev.InputDelta})
		case extractor.ToolInputEnd:
			n.queue = append(n.queue, Event{Type: ToolInputEnd, CallID: ev.CallID})
		case extractor.ToolCallComplete:
			n.toolCalled = true
			n.queue = append(n.queue, Event{
				Type:     ToolCall,
				CallID:   ev.CallID,
				Args:     ev.Args,
				RawInput: ev.RawInput,
			})
		}
	}
}
