package engine

import (
	"github.com/millrace-ai/millrace/internal/conversation"
)

// Wire event types published on a session's channel. The set is closed:
// clients can switch over it exhaustively.
const (
	EventSessionCreated = "session-created"
	EventTextStart      = "text-start"
	EventTextDelta      = "text-delta"
	EventTextEnd        = "text-end"
	EventReasoningStart = "reasoning-start"
	EventReasoningDelta = "reasoning-delta"
	EventReasoningEnd   = "reasoning-end"
	EventToolCall       = "tool-call"
	EventToolResult     = "tool-result"
	EventToolError      = "tool-error"
	EventAskQuestion    = "ask-question"
	EventComplete       = "complete"
	EventError          = "error"
	EventAbort          = "abort"
)

type sessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title,omitempty"`
	Model     string `json:"model"`
}

type deltaPayload struct {
	StepID string `json:"stepId"`
	Text   string `json:"text,omitempty"`
}

type toolCallPayload struct {
	StepID string         `json:"stepId"`
	CallID string         `json:"callId"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
}

type toolResultPayload struct {
	StepID     string `json:"stepId"`
	CallID     string `json:"callId"`
	Output     string `json:"output,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
}

type toolErrorPayload struct {
	StepID  string `json:"stepId"`
	CallID  string `json:"callId"`
	Message string `json:"message"`
}

type askQuestionPayload struct {
	StepID string         `json:"stepId"`
	CallID string         `json:"callId"`
	Args   map[string]any `json:"args,omitempty"`
}

type completePayload struct {
	MessageID    string             `json:"messageId"`
	FinishReason string             `json:"finishReason"`
	Usage        conversation.Usage `json:"usage"`
}

type errorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type abortPayload struct {
	MessageID string `json:"messageId"`
}
