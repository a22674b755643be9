package provider

import (
	"context"
	"io"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicClient implements Client using the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates a client that reads ANTHROPIC_API_KEY from the environment.
func NewAnthropicClient() *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(),
	}
}

// NewAnthropicClientWithKey creates a client with an explicit API key.
func NewAnthropicClientWithKey(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Stream starts a streaming model invocation.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (Stream, error) {
	params := buildParams(req)
	return &anthropicStream{
		stream: c.client.Messages.NewStreaming(ctx, params),
	}, nil
}

type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	acc    anthropic.Message
	done   bool
}

// Recv pulls the next SDK event and maps it into a RawEvent. SDK events that
// carry no payload of interest (message_start, ping) are skipped.
func (s *anthropicStream) Recv(ctx context.Context) (RawEvent, error) {
	if s.done {
		return RawEvent{}, io.EOF
	}

	for s.stream.Next() {
		if err := ctx.Err(); err != nil {
			return RawEvent{}, err
		}

		event := s.stream.Current()
		_ = s.acc.Accumulate(event)

		switch event.Type {
		case "content_block_start":
			raw := RawEvent{
				Type:  RawBlockStart,
				Index: int(event.Index),
			}
			switch event.ContentBlock.Type {
			case "thinking", "redacted_thinking":
				raw.Block = BlockReasoning
			case "tool_use":
				raw.Block = BlockTool
				raw.ToolID = event.ContentBlock.ID
				raw.ToolName = event.ContentBlock.Name
			default:
				raw.Block = BlockText
			}
			return raw, nil

		case "content_block_delta":
			raw := RawEvent{
				Type:  RawBlockDelta,
				Index: int(event.Index),
			}
			switch event.Delta.Type {
			case "text_delta":
				raw.Text = event.Delta.Text
			case "thinking_delta":
				raw.Text = event.Delta.Thinking
			case "input_json_delta":
				raw.ArgsDelta = event.Delta.PartialJSON
			default:
				continue
			}
			return raw, nil

		case "content_block_stop":
			return RawEvent{Type: RawBlockStop, Index: int(event.Index)}, nil
		}
	}

	s.done = true
	if err := s.stream.Err(); err != nil {
		return RawEvent{}, &Error{Code: FailureExecution, Message: err.Error()}
	}

	// Usage is reported once, on the accumulated terminal message.
	return RawEvent{
		Type: RawResult,
		Usage: Usage{
			InputTokens:  int(s.acc.Usage.InputTokens),
			OutputTokens: int(s.acc.Usage.OutputTokens),
			CacheRead:    int(s.acc.Usage.CacheReadInputTokens),
			CacheWrite:   int(s.acc.Usage.CacheCreationInputTokens),
		},
		StopReason: mapStopReason(s.acc.StopReason),
	}, nil
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}

func buildParams(req Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(
				anthropic.NewTextBlock(m.Content),
			))
		default:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(m.Content),
			))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}

	return params
}

func mapStopReason(reason anthropic.StopReason) StopReason {
	switch reason {
	case anthropic.StopReasonEndTurn:
		return StopEndTurn
	case anthropic.StopReasonMaxTokens:
		return StopMaxTokens
	case anthropic.StopReasonToolUse:
		return StopToolUse
	case anthropic.StopReasonStopSequence:
		return StopStopSequence
	default:
		return StopReason(string(reason))
	}
}
