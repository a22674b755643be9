// Package stream normalizes one provider's raw event sequence into the
// canonical, provider-agnostic event sequence the rest of the engine
// consumes. It has no side effects beyond yielding events.
package stream

import (
	"github.com/millrace-ai/millrace/internal/provider"
)

// Type identifies a canonical stream event.
type Type string

const (
	TextStart      Type = "text-start"
	TextDelta      Type = "text-delta"
	TextEnd        Type = "text-end"
	ReasoningStart Type = "reasoning-start"
	ReasoningDelta Type = "reasoning-delta"
	ReasoningEnd   Type = "reasoning-end"
	ToolInputStart Type = "tool-input-start"
	ToolInputDelta Type = "tool-input-delta"
	ToolInputEnd   Type = "tool-input-end"
	ToolCall       Type = "tool-call"
	Finish         Type = "finish"
)

// FinishReason is the canonical reason a stream ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool-calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// Event is one canonical stream event. Which fields are populated depends
// on Type.
type Event struct {
	Type Type `json:"type"`

	// Text and reasoning deltas
	Text string `json:"text,omitempty"`

	// Tool events
	CallID    string         `json:"call_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ArgsDelta string         `json:"args_delta,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	RawInput  string         `json:"raw_input,omitempty"`

	// Finish
	Usage  provider.Usage `json:"usage,omitempty"`
	Reason FinishReason   `json:"reason,omitempty"`
}

func mapFinishReason(reason provider.StopReason) FinishReason {
	switch reason {
	case provider.StopMaxTokens:
		return FinishLength
	case provider.StopToolUse:
		return FinishToolCalls
	default:
		return FinishStop
	}
}
