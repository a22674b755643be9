// Package conversation is the transactional persistence layer for the
// Session → Message → Step → Part hierarchy. Records are plain immutable
// data; all behavior lives in the Store implementations that operate on
// them by reference.
package conversation

import (
	"time"
)

// Role represents a message sender role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle status shared by messages, steps and parts.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusAbort     Status = "abort"
)

// Terminal reports whether the status is one a record can rest in.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusAbort
}

// Todo is one entry of a session's todo list.
type Todo struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Session is the root of a conversation. Flags track one-shot and
// bidirectional trigger state (for example "resource warning currently
// active"); they are read and written only by the engine's trigger
// evaluation, never by UI-facing code.
type Session struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Model     string          `json:"model"`
	Agent     string          `json:"agent,omitempty"`
	Flags     map[string]bool `json:"flags,omitempty"`
	Todos     []Todo          `json:"todos,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Message is one conversation turn container. Usage and finish reason at the
// message level are aggregates over its steps, never stored separately.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Step is one model invocation at one point in time. Metadata is a snapshot
// of environment facts captured at creation and never updated afterward.
type Step struct {
	ID           string         `json:"id"`
	MessageID    string         `json:"message_id"`
	Index        int            `json:"index"`
	Provider     string         `json:"provider,omitempty"`
	Model        string         `json:"model,omitempty"`
	Status       Status         `json:"status"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at,omitzero"`
	DurationMS   int64          `json:"duration_ms,omitempty"`
}

// Usage is the token-usage row recorded for one step.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CacheRead    int `json:"cache_read"`
	CacheWrite   int `json:"cache_write"`
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

// Total returns the sum of input and output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// PartKind tags the Part union.
type PartKind string

const (
	PartText          PartKind = "text"
	PartReasoning     PartKind = "reasoning"
	PartTool          PartKind = "tool"
	PartFile          PartKind = "file"
	PartFileRef       PartKind = "file-ref"
	PartSystemMessage PartKind = "system-message"
	PartError         PartKind = "error"
)

// Part is one content unit within a step. It is a tagged union: which fields
// are meaningful depends on Kind. Ordering is assigned when the part is
// appended in memory and is never changed on persistence.
type Part struct {
	ID       string   `json:"id"`
	StepID   string   `json:"step_id,omitempty"`
	Ordering int      `json:"ordering"`
	Kind     PartKind `json:"kind"`
	Status   Status   `json:"status"`

	// text, reasoning, system-message, error
	Text string `json:"text,omitempty"`

	// tool: the call, its arguments and the recorded result
	CallID     string         `json:"call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	RawInput   string         `json:"raw_input,omitempty"`
	Output     string         `json:"output,omitempty"`
	ErrMessage string         `json:"err_message,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`

	// file: frozen attachment content, immutable once written. Large data
	// is offloaded to dedicated content storage; the part then carries
	// Kind PartFileRef and FileRef instead of FileData.
	FileName  string `json:"file_name,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	FileData  []byte `json:"file_data,omitempty"`
	FileRef   string `json:"file_ref,omitempty"`
}

// CompleteStep carries the terminal fields recorded when a step is finalized.
// Usage may be nil: a step whose usage was never reported still closes.
type CompleteStep struct {
	Status       Status `json:"status"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
}

// FileContent is offloaded attachment content keyed by step and ordering,
// which preserves interleaving between text and file parts.
type FileContent struct {
	StepID    string `json:"step_id"`
	Ordering  int    `json:"ordering"`
	FileName  string `json:"file_name,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data"`
}
