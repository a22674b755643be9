// Package provider defines the AI-provider collaborator contract for the
// streaming session engine. A provider yields a raw, provider-specific event
// sequence; everything downstream of the Stream interface is provider-agnostic.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// Name identifies a provider.
type Name string

const (
	NameAnthropic Name = "anthropic"
	NameMock      Name = "mock"
)

// Role represents a message sender role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history sent to the provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request contains the parameters for one model invocation.
type Request struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Usage tracks token consumption for a single model invocation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CacheRead    int `json:"cache_read"`
	CacheWrite   int `json:"cache_write"`
}

// Total returns the sum of input and output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add returns the element-wise sum of two usage records.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		CacheRead:    u.CacheRead + o.CacheRead,
		CacheWrite:   u.CacheWrite + o.CacheWrite,
	}
}

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
)

// BlockType classifies a content block within a response.
type BlockType string

const (
	BlockText      BlockType = "text"
	BlockReasoning BlockType = "reasoning"
	BlockTool      BlockType = "tool"
)

// RawEventType identifies a raw provider event.
type RawEventType string

const (
	RawBlockStart RawEventType = "block_start"
	RawBlockDelta RawEventType = "block_delta"
	RawBlockStop  RawEventType = "block_stop"
	RawResult     RawEventType = "result"
	RawFailure    RawEventType = "failure"
)

// FailureCode classifies an in-band provider failure.
type FailureCode string

const (
	FailureExecution FailureCode = "execution"
	FailureTurnLimit FailureCode = "turn_limit"
	FailureOverload  FailureCode = "overloaded"
)

// RawEvent is one element of a provider's raw event sequence. Which fields
// are populated depends on Type.
type RawEvent struct {
	Type RawEventType `json:"type"`

	// Block events
	Index int       `json:"index,omitempty"`
	Block BlockType `json:"block,omitempty"`

	// block_delta for text and reasoning blocks
	Text string `json:"text,omitempty"`

	// Tool blocks: name and provider-assigned call ID on block_start,
	// argument JSON fragments on block_delta.
	ToolName  string `json:"tool_name,omitempty"`
	ToolID    string `json:"tool_id,omitempty"`
	ArgsDelta string `json:"args_delta,omitempty"`

	// result
	Usage      Usage      `json:"usage,omitempty"`
	StopReason StopReason `json:"stop_reason,omitempty"`

	// failure
	Code    FailureCode `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Error is a typed provider-level failure.
type Error struct {
	Code    FailureCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider failure (%s): %s", e.Code, e.Message)
}

// Stream is one in-flight model invocation. Recv blocks until the next raw
// event is available and returns io.EOF after the final result event.
type Stream interface {
	Recv(ctx context.Context) (RawEvent, error)
	Close() error
}

// Client starts model invocations against one provider.
type Client interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// ParseModelString parses a model string into provider and model name.
//
// Supported formats:
//
//	"anthropic/claude-sonnet-4-20250514" → (anthropic, "claude-sonnet-4-20250514")
//	"claude-sonnet-4-20250514"           → (anthropic, "claude-sonnet-4-20250514")
//	"mock/anything"                      → (mock, "anything")
func ParseModelString(model string) (Name, string) {
	if i := strings.Index(model, "/"); i > 0 {
		prefix := strings.ToLower(model[:i])
		name := model[i+1:]
		switch prefix {
		case "anthropic":
			return NameAnthropic, name
		case "mock":
			return NameMock, name
		}
	}
	return NameAnthropic, model
}

// NewClientForModel creates the appropriate client based on the model string.
// The Anthropic SDK reads ANTHROPIC_API_KEY from the environment itself.
func NewClientForModel(model string) (Client, string) {
	name, modelName := ParseModelString(model)
	switch name {
	case NameMock:
		return NewScriptedClient(), modelName
	default:
		return NewAnthropicClient(), modelName
	}
}
