// Package engine orchestrates a streaming conversation turn: it drives the
// provider stream through the normalizer, persists the resulting parts, and
// publishes wire events on the session's channel. It interprets no tool
// semantics; tools are a collaborator behind the ToolRunner interface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/millrace-ai/millrace/internal/conversation"
	"github.com/millrace-ai/millrace/internal/eventlog"
	"github.com/millrace-ai/millrace/internal/provider"
	"github.com/millrace-ai/millrace/internal/stream"
	"github.com/millrace-ai/millrace/internal/telemetry"
)

// ToolCall is a completed tool invocation request recovered from the stream.
type ToolCall struct {
	CallID   string
	Name     string
	Args     map[string]any
	RawInput string
}

// ToolResult is the outcome of running one tool call.
type ToolResult struct {
	Output   string
	Err      error
	Duration time.Duration
}

// ToolRunner executes tool calls on behalf of the engine.
type ToolRunner interface {
	Run(ctx context.Context, call ToolCall) ToolResult
}

// Options configures an Engine. Zero fields take defaults.
type Options struct {
	DefaultModel string
	SystemPrompt string
	MaxTokens    int
	// MaxTurns bounds the number of model invocations per assistant
	// message when tool calls keep the turn going.
	MaxTurns      int
	FlushInterval time.Duration
	InlineToolTag string
	// AskTool is the tool name that is surfaced to the client as an
	// ask-question event instead of being executed.
	AskTool string
	// ResourceWarningTokens triggers the resource-warning session flag
	// when a message's accumulated token usage crosses it. Zero disables
	// the trigger.
	ResourceWarningTokens int

	Tools   ToolRunner
	Clients func(model string) (provider.Client, string)
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Engine coordinates the store, the event log and the provider clients.
type Engine struct {
	store   conversation.Store
	log     eventlog.Log
	logger  *slog.Logger
	metrics *telemetry.Metrics
	opts    Options
}

// NewEngine creates an engine around a store and an event log.
func NewEngine(store conversation.Store, log eventlog.Log, opts Options) *Engine {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 8
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 200 * time.Millisecond
	}
	if opts.InlineToolTag == "" {
		opts.InlineToolTag = "tool"
	}
	if opts.AskTool == "" {
		opts.AskTool = "ask_user"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.Clients == nil {
		opts.Clients = provider.NewClientForModel
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewLogger(nil, slog.LevelInfo)
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	return &Engine{
		store:   store,
		log:     log,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		opts:    opts,
	}
}

// SendRequest describes one user turn.
type SendRequest struct {
	// SessionID selects an existing session; empty creates a new one.
	SessionID string
	// Model overrides the session's model for this turn when set.
	Model string
	Text  string
}

// CreateSession creates a session and announces it on its channel.
func (e *Engine) CreateSession(ctx context.Context, title, model string) (conversation.Session, error) {
	if model == "" {
		model = e.opts.DefaultModel
	}
	sess, err := e.store.CreateSession(ctx, conversation.Session{Title: title, Model: model})
	if err != nil {
		return conversation.Session{}, fmt.Errorf("create session: %w", err)
	}
	e.publish(ctx, sess.ID, EventSessionCreated, sessionCreatedPayload{
		SessionID: sess.ID,
		Title:     sess.Title,
		Model:     sess.Model,
	})
	return sess, nil
}

// SendMessage runs one full conversation turn: it records the user message,
// streams the assistant response (possibly across several steps when the
// model calls tools), and publishes the session's wire events.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) error {
	sess, err := e.resolveSession(ctx, req)
	if err != nil {
		return err
	}
	logger := telemetry.SessionLogger(e.logger, ctx, sess.ID)

	if err := e.recordUserTurn(ctx, sess.ID, req.Text); err != nil {
		return err
	}
	history, err := e.buildHistory(ctx, sess.ID)
	if err != nil {
		return err
	}

	msg, err := e.store.AddMessage(ctx, sess.ID, conversation.RoleAssistant)
	if err != nil {
		return fmt.Errorf("add assistant message: %w", err)
	}

	var (
		totalUsage   conversation.Usage
		finishReason string
	)
	for turn := 0; turn < e.opts.MaxTurns; turn++ {
		res, err := e.runTurn(ctx, &sess, msg, turn, history, totalUsage)
		if err != nil {
			return e.failMessage(ctx, logger, sess.ID, msg.ID, err)
		}
		totalUsage = totalUsage.Add(res.usage)
		finishReason = string(res.finishReason)

		if res.askPending {
			// The step stays open until the client answers; no
			// terminal event yet.
			logger.Info("turn paused on question", "message_id", msg.ID, "turn", turn)
			return nil
		}
		if res.finishReason != stream.FinishToolCalls || len(res.followups) == 0 {
			break
		}
		if res.assistantText != "" {
			history = append(history, provider.Message{Role: provider.RoleAssistant, Content: res.assistantText})
		}
		history = append(history, res.followups...)
	}

	if err := e.store.UpdateMessageStatus(ctx, msg.ID, conversation.StatusCompleted); err != nil {
		return fmt.Errorf("complete message: %w", err)
	}
	e.publish(ctx, sess.ID, EventComplete, completePayload{
		MessageID:    msg.ID,
		FinishReason: finishReason,
		Usage:        totalUsage,
	})
	logger.Info("message completed",
		"message_id", msg.ID,
		"finish_reason", finishReason,
		"tokens", totalUsage.Total())
	return nil
}

// AbortPending aborts an assistant message left open by an unanswered
// question: the pending tool part, its step and the message are closed as
// aborted and the terminal abort event is published, exactly as for a
// cancelled stream. Returns conversation.ErrNotFound when nothing in the
// session is pending.
func (e *Engine) AbortPending(ctx context.Context, sessionID string) error {
	messages, err := e.store.ListMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	aborted := false
	for _, msg := range messages {
		if msg.Role != conversation.RoleAssistant || msg.Status.Terminal() {
			continue
		}
		steps, err := e.store.ListSteps(ctx, msg.ID)
		if err != nil {
			return fmt.Errorf("list steps: %w", err)
		}
		for _, step := range steps {
			if step.Status.Terminal() {
				continue
			}
			parts, err := e.store.ListParts(ctx, step.ID)
			if err != nil {
				return fmt.Errorf("list parts: %w", err)
			}
			changed := false
			for i := range parts {
				if !parts[i].Status.Terminal() {
					parts[i].Status = conversation.StatusAbort
					changed = true
				}
			}
			if changed {
				if err := e.store.ReplaceStepParts(ctx, step.ID, parts); err != nil {
					return fmt.Errorf("abort step parts: %w", err)
				}
			}
			if err := e.store.CompleteStep(ctx, step.ID, conversation.CompleteStep{
				Status:       conversation.StatusAbort,
				FinishReason: "abort",
			}); err != nil {
				return fmt.Errorf("abort step: %w", err)
			}
		}
		if err := e.store.UpdateMessageStatus(ctx, msg.ID, conversation.StatusAbort); err != nil {
			return fmt.Errorf("abort message: %w", err)
		}
		e.publish(ctx, sessionID, EventAbort, abortPayload{MessageID: msg.ID})
		e.logger.Info("pending message aborted", "session_id", sessionID, "message_id", msg.ID)
		aborted = true
	}

	if !aborted {
		return conversation.ErrNotFound
	}
	return nil
}

func (e *Engine) resolveSession(ctx context.Context, req SendRequest) (conversation.Session, error) {
	if req.SessionID == "" {
		return e.CreateSession(ctx, "", req.Model)
	}
	sess, err := e.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return conversation.Session{}, fmt.Errorf("resolve session: %w", err)
	}
	if req.Model != "" {
		sess.Model = req.Model
	}
	return sess, nil
}

// recordUserTurn persists the user's message as a completed single-part step.
func (e *Engine) recordUserTurn(ctx context.Context, sessionID, text string) error {
	msg, err := e.store.AddMessage(ctx, sessionID, conversation.RoleUser)
	if err != nil {
		return fmt.Errorf("add user message: %w", err)
	}
	step, err := e.store.CreateStep(ctx, msg.ID, 0, nil)
	if err != nil {
		return fmt.Errorf("create user step: %w", err)
	}
	part := conversation.Part{
		ID:     conversation.NewPartID(),
		Kind:   conversation.PartText,
		Status: conversation.StatusCompleted,
		Text:   text,
	}
	if err := e.store.ReplaceStepParts(ctx, step.ID, []conversation.Part{part}); err != nil {
		return fmt.Errorf("record user text: %w", err)
	}
	if err := e.store.CompleteStep(ctx, step.ID, conversation.CompleteStep{Status: conversation.StatusCompleted}); err != nil {
		return fmt.Errorf("complete user step: %w", err)
	}
	if err := e.store.UpdateMessageStatus(ctx, msg.ID, conversation.StatusCompleted); err != nil {
		return fmt.Errorf("complete user message: %w", err)
	}
	return nil
}

// buildHistory reconstructs the provider-facing conversation from the store.
// Only completed messages contribute; each message's text parts are joined
// in step and part order.
func (e *Engine) buildHistory(ctx context.Context, sessionID string) ([]provider.Message, error) {
	messages, err := e.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	var history []provider.Message
	for _, msg := range messages {
		if msg.Status != conversation.StatusCompleted {
			continue
		}
		var role provider.Role
		switch msg.Role {
		case conversation.RoleUser:
			role = provider.RoleUser
		case conversation.RoleAssistant:
			role = provider.RoleAssistant
		default:
			continue
		}

		steps, err := e.store.ListSteps(ctx, msg.ID)
		if err != nil {
			return nil, fmt.Errorf("list steps: %w", err)
		}
		var b strings.Builder
		for _, step := range steps {
			parts, err := e.store.ListParts(ctx, step.ID)
			if err != nil {
				return nil, fmt.Errorf("list parts: %w", err)
			}
			for _, p := range parts {
				if p.Kind == conversation.PartText && p.Text != "" {
					if b.Len() > 0 {
						b.WriteString("\n")
					}
					b.WriteString(p.Text)
				}
			}
		}
		if b.Len() > 0 {
			history = append(history, provider.Message{Role: role, Content: b.String()})
		}
	}
	return history, nil
}

// failMessage closes out a turn that ended in a provider error or a
// cancellation. Persistence and event publication run on a detached context
// so a cancelled request still leaves consistent state behind. Exactly one
// terminal event is published.
func (e *Engine) failMessage(ctx context.Context, logger *slog.Logger, sessionID, messageID string, cause error) error {
	detached := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		if err := e.store.UpdateMessageStatus(detached, messageID, conversation.StatusAbort); err != nil {
			logger.Error("abort message", "error", err)
		}
		e.publish(detached, sessionID, EventAbort, abortPayload{MessageID: messageID})
		logger.Info("message aborted", "message_id", messageID)
		return cause
	}

	if err := e.store.UpdateMessageStatus(detached, messageID, conversation.StatusError); err != nil {
		logger.Error("fail message", "error", err)
	}
	payload := errorPayload{Message: cause.Error()}
	var pErr *provider.Error
	if errors.As(cause, &pErr) {
		payload.Code = string(pErr.Code)
		payload.Message = pErr.Message
	}
	e.publish(detached, sessionID, EventError, payload)
	logger.Error("message failed", "message_id", messageID, "error", cause)
	return cause
}

// publish appends a wire event, detached from request cancellation so
// terminal events always make it out.
func (e *Engine) publish(ctx context.Context, sessionID, eventType string, payload any) {
	if _, err := e.log.Publish(context.WithoutCancel(ctx), sessionID, eventType, payload); err != nil {
		e.logger.Warn("publish event", "type", eventType, "session_id", sessionID, "error", err)
		return
	}
	e.metrics.EventsPublished.WithLabelValues(eventType).Inc()
}

func toUsage(u provider.Usage) conversation.Usage {
	return conversation.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CacheRead:    u.CacheRead,
		CacheWrite:   u.CacheWrite,
	}
}
