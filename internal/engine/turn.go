package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/millrace-ai/millrace/internal/conversation"
	"github.com/millrace-ai/millrace/internal/extractor"
	"github.com/millrace-ai/millrace/internal/provider"
	"github.com/millrace-ai/millrace/internal/stream"
)

// turnResult summarizes one model invocation.
type turnResult struct {
	finishReason  stream.FinishReason
	usage         conversation.Usage
	assistantText string
	// followups are the messages (tool outputs) to append to the history
	// before the next invocation.
	followups  []provider.Message
	askPending bool
}

// runTurn performs one model invocation: it opens a step, drives the
// normalized stream into parts and wire events, runs tool calls, and closes
// the step. The step is left open only when a question is pending.
func (e *Engine) runTurn(ctx context.Context, sess *conversation.Session, msg conversation.Message, turn int, history []provider.Message, usedSoFar conversation.Usage) (turnResult, error) {
	providerName, modelName := provider.ParseModelString(sess.Model)

	metadata := map[string]any{
		"provider":      string(providerName),
		"model":         modelName,
		"turn":          turn,
		"tokens_before": usedSoFar.Total(),
	}
	step, err := e.store.CreateStep(ctx, msg.ID, turn, metadata)
	if err != nil {
		return turnResult{}, fmt.Errorf("create step: %w", err)
	}

	acc := newAccumulator(e.store, step.ID, e.opts.FlushInterval)
	if err := e.evaluateTriggers(ctx, sess, acc, usedSoFar.Total()); err != nil {
		return turnResult{}, e.failStep(ctx, acc, step.ID, err)
	}

	client, model := e.opts.Clients(sess.Model)
	src, err := client.Stream(ctx, provider.Request{
		Model:     model,
		System:    e.opts.SystemPrompt,
		Messages:  history,
		MaxTokens: e.opts.MaxTokens,
	})
	if err != nil {
		return turnResult{}, e.failStep(ctx, acc, step.ID, err)
	}
	defer src.Close()

	started := time.Now()
	norm := stream.New(src, extractor.New(e.opts.InlineToolTag))

	var res turnResult
	for {
		ev, err := norm.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return turnResult{}, e.failStep(ctx, acc, step.ID, err)
		}

		switch ev.Type {
		case stream.TextStart:
			acc.startPart(conversation.PartText)
			e.publish(ctx, sess.ID, EventTextStart, deltaPayload{StepID: step.ID})
		case stream.TextDelta:
			acc.appendDelta(conversation.PartText, ev.Text)
			e.publish(ctx, sess.ID, EventTextDelta, deltaPayload{StepID: step.ID, Text: ev.Text})
			if err := acc.flush(ctx, false); err != nil {
				return turnResult{}, e.failStep(ctx, acc, step.ID, err)
			}
		case stream.TextEnd:
			acc.endPart(conversation.PartText)
			e.publish(ctx, sess.ID, EventTextEnd, deltaPayload{StepID: step.ID})
			if err := acc.flush(ctx, true); err != nil {
				return turnResult{}, e.failStep(ctx, acc, step.ID, err)
			}

		case stream.ReasoningStart:
			acc.startPart(conversation.PartReasoning)
			e.publish(ctx, sess.ID, EventReasoningStart, deltaPayload{StepID: step.ID})
		case stream.ReasoningDelta:
			acc.appendDelta(conversation.PartReasoning, ev.Text)
			e.publish(ctx, sess.ID, EventReasoningDelta, deltaPayload{StepID: step.ID, Text: ev.Text})
			if err := acc.flush(ctx, false); err != nil {
				return turnResult{}, e.failStep(ctx, acc, step.ID, err)
			}
		case stream.ReasoningEnd:
			acc.endPart(conversation.PartReasoning)
			e.publish(ctx, sess.ID, EventReasoningEnd, deltaPayload{StepID: step.ID})
			if err := acc.flush(ctx, true); err != nil {
				return turnResult{}, e.failStep(ctx, acc, step.ID, err)
			}

		case stream.ToolCall:
			if err := e.handleToolCall(ctx, sess.ID, step.ID, acc, ev, &res); err != nil {
				return turnResult{}, e.failStep(ctx, acc, step.ID, err)
			}

		case stream.Finish:
			res.finishReason = ev.Reason
			res.usage = toUsage(ev.Usage)
		}
	}

	res.assistantText = acc.joinedText()

	if res.askPending {
		// The question's tool part stays active; the step cannot close
		// until the client answers.
		if err := acc.flush(ctx, true); err != nil {
			return turnResult{}, e.failStep(ctx, acc, step.ID, err)
		}
		return res, nil
	}

	if err := acc.flush(ctx, true); err != nil {
		return turnResult{}, e.failStep(ctx, acc, step.ID, err)
	}
	if err := e.store.CompleteStep(ctx, step.ID, conversation.CompleteStep{
		Status:       conversation.StatusCompleted,
		FinishReason: string(res.finishReason),
		Usage:        &res.usage,
		Provider:     string(providerName),
		Model:        model,
	}); err != nil {
		return turnResult{}, e.failStep(ctx, acc, step.ID, fmt.Errorf("complete step: %w", err))
	}

	e.metrics.ObserveStream(model, "completed", time.Since(started).Seconds())
	e.metrics.ObserveTokens(model,
		int64(res.usage.InputTokens), int64(res.usage.OutputTokens),
		int64(res.usage.CacheRead), int64(res.usage.CacheWrite))
	return res, nil
}

// handleToolCall records a tool part, publishes the call, and either
// surfaces it as a question, runs it, or completes it unexecuted when no
// runner is configured.
func (e *Engine) handleToolCall(ctx context.Context, sessionID, stepID string, acc *accumulator, ev stream.Event, res *turnResult) error {
	idx := acc.add(conversation.Part{
		ID:       conversation.NewPartID(),
		Kind:     conversation.PartTool,
		Status:   conversation.StatusActive,
		CallID:   ev.CallID,
		ToolName: ev.ToolName,
		Args:     ev.Args,
		RawInput: ev.RawInput,
	})
	e.publish(ctx, sessionID, EventToolCall, toolCallPayload{
		StepID: stepID,
		CallID: ev.CallID,
		Name:   ev.ToolName,
		Args:   ev.Args,
	})

	if ev.ToolName == e.opts.AskTool {
		e.publish(ctx, sessionID, EventAskQuestion, askQuestionPayload{
			StepID: stepID,
			CallID: ev.CallID,
			Args:   ev.Args,
		})
		res.askPending = true
		return nil
	}

	part := &acc.parts[idx]
	if e.opts.Tools == nil {
		part.Status = conversation.StatusCompleted
		acc.dirty = true
		return acc.flush(ctx, true)
	}

	out := e.opts.Tools.Run(ctx, ToolCall{
		CallID:   ev.CallID,
		Name:     ev.ToolName,
		Args:     ev.Args,
		RawInput: ev.RawInput,
	})
	part.DurationMS = out.Duration.Milliseconds()
	if out.Err != nil {
		part.Status = conversation.StatusError
		part.ErrMessage = out.Err.Error()
		e.publish(ctx, sessionID, EventToolError, toolErrorPayload{
			StepID:  stepID,
			CallID:  ev.CallID,
			Message: out.Err.Error(),
		})
		res.followups = append(res.followups, provider.Message{
			Role:    provider.RoleUser,
			Content: fmt.Sprintf("Tool %s failed: %s", ev.ToolName, out.Err),
		})
	} else {
		part.Status = conversation.StatusCompleted
		part.Output = out.Output
		e.publish(ctx, sessionID, EventToolResult, toolResultPayload{
			StepID:     stepID,
			CallID:     ev.CallID,
			Output:     out.Output,
			DurationMS: part.DurationMS,
		})
		res.followups = append(res.followups, provider.Message{
			Role:    provider.RoleUser,
			Content: fmt.Sprintf("Tool %s result:\n%s", ev.ToolName, out.Output),
		})
	}
	acc.dirty = true
	return acc.flush(ctx, true)
}

// failStep closes a step whose stream ended in a provider failure or a
// cancellation, on a detached context so cancelled requests leave no
// dangling active records.
func (e *Engine) failStep(ctx context.Context, acc *accumulator, stepID string, cause error) error {
	detached := context.WithoutCancel(ctx)

	status := conversation.StatusError
	reason := string(stream.FinishError)
	if ctx.Err() != nil {
		status = conversation.StatusAbort
		reason = "abort"
		acc.abortActive()
	} else {
		var pErr *provider.Error
		text := cause.Error()
		if errors.As(cause, &pErr) {
			text = pErr.Message
		}
		acc.abortActive()
		acc.add(conversation.Part{
			ID:     conversation.NewPartID(),
			Kind:   conversation.PartError,
			Status: conversation.StatusCompleted,
			Text:   text,
		})
	}

	if err := acc.flush(detached, true); err != nil {
		e.logger.Error("flush failed step", "step_id", stepID, "error", err)
	}
	if err := e.store.CompleteStep(detached, stepID, conversation.CompleteStep{
		Status:       status,
		FinishReason: reason,
	}); err != nil {
		e.logger.Error("close failed step", "step_id", stepID, "error", err)
	}
	return cause
}

// evaluateTriggers applies the session's one-shot flags for this step. The
// resource warning fires once when usage crosses the threshold and rearms
// when usage falls back under it.
func (e *Engine) evaluateTriggers(ctx context.Context, sess *conversation.Session, acc *accumulator, usedTokens int) error {
	threshold := e.opts.ResourceWarningTokens
	if threshold <= 0 {
		return nil
	}
	active := sess.Flags["resource-warning"]

	switch {
	case usedTokens >= threshold && !active:
		if err := e.setFlag(ctx, sess, "resource-warning", true); err != nil {
			return err
		}
		acc.add(conversation.Part{
			ID:     conversation.NewPartID(),
			Kind:   conversation.PartSystemMessage,
			Status: conversation.StatusCompleted,
			Text:   fmt.Sprintf("Resource warning: %d tokens used this message.", usedTokens),
		})
	case usedTokens < threshold && active:
		if err := e.setFlag(ctx, sess, "resource-warning", false); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) setFlag(ctx context.Context, sess *conversation.Session, name string, value bool) error {
	flags := make(map[string]bool, len(sess.Flags)+1)
	for k, v := range sess.Flags {
		flags[k] = v
	}
	flags[name] = value
	if err := e.store.UpdateSessionFlags(ctx, sess.ID, flags); err != nil {
		return fmt.Errorf("update session flags: %w", err)
	}
	sess.Flags = flags
	return nil
}
