package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/voskan/agentcore/pkg/agent"
	"github.com/voskan/agentcore/pkg/toolset"
)

// AnthropicProvider implements agent.ModelProvider for Anthropic Claude.
type AnthropicProvider struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	tools       []toolset.Definition
}

func newAnthropicProvider(opts Options) *AnthropicProvider {
	return &AnthropicProvider{
		client:      anthropic.NewClient(option.WithAPIKey(opts.APIKey)),
		model:       opts.Model,
		maxTokens:   int64(opts.MaxTokens),
		temperature: opts.Temperature,
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// SupportsToolBinding reports tool support
func (p *AnthropicProvider) SupportsToolBinding() bool {
	return true
}

// BindTools returns a copy of the provider offering the given tools.
func (p *AnthropicProvider) BindTools(defs []toolset.Definition) (agent.ModelProvider, error) {
	bound := *p
	bound.tools = defs
	return &bound, nil
}

// Invoke makes one blocking Messages API call.
func (p *AnthropicProvider) Invoke(ctx context.Context, messages []agent.Message) (*agent.ModelResponse, error) {
	params, err := p.buildParams(messages)
	if err != nil {
		return nil, err
	}

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}

	// Extract content and tool calls
	content := ""
	toolCalls := []agent.ToolCall{}

	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(b.JSON.Input.Raw()), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool input: %w", err)
			}
			toolCalls = append(toolCalls, agent.ToolCall{
				ID:   b.ID,
				Name: b.Name,
				Args: args,
			})
		}
	}

	prompt := int(response.Usage.InputTokens)
	completion := int(response.Usage.OutputTokens)

	return &agent.ModelResponse{
		Content:   content,
		ToolCalls: toolCalls,
		Usage: &agent.TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

// Stream opens a Messages API event stream.
func (p *AnthropicProvider) Stream(ctx context.Context, messages []agent.Message) (agent.ChunkStream, error) {
	params, err := p.buildParams(messages)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, p.wrapError(err)
	}

	return &anthropicStream{stream: stream, provider: p}, nil
}

func (p *AnthropicProvider) buildParams(messages []agent.Message) (anthropic.MessageNewParams, error) {
	anthropicMessages := []anthropic.MessageParam{}
	system := ""

	for _, msg := range messages {
		switch msg.Role {
		case agent.RoleSystem:
			// The API takes the system prompt out of band
			system = msg.Content

		case agent.RoleTool:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		case agent.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				blocks := []anthropic.ContentBlockParamUnion{}
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, tc := range msg.ToolCalls {
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
				}
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			} else {
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role: anthropic.MessageParamRoleAssistant,
					Content: []anthropic.ContentBlockParamUnion{
						anthropic.NewTextBlock(msg.Content),
					},
				})
			}

		default:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  anthropicMessages,
		MaxTokens: p.maxTokens,
	}

	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system},
		}
	}

	if p.temperature > 0 {
		params.Temperature = anthropic.Float(p.temperature)
	}

	if len(p.tools) > 0 {
		tools := []anthropic.ToolUnionParam{}
		for _, def := range p.tools {
			schema := def.InputSchema()

			toolParam := anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			}
			if required, ok := schema["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			}

			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params, nil
}

// wrapError attaches provider identity so classification carries it.
func (p *AnthropicProvider) wrapError(err error) error {
	return &agent.AgentError{
		Code:     agent.Classify(err),
		Message:  err.Error(),
		Provider: "anthropic",
		Model:    p.model,
		Err:      err,
	}
}

// anthropicStream adapts the SDK event stream to agent.ChunkStream. Text
// deltas pass through as they arrive; the final usage snapshot is built
// from the message_start input count plus the message_delta output count.
type anthropicStream struct {
	stream      *ssestream.Stream[anthropic.MessageStreamEventUnion]
	provider    *AnthropicProvider
	inputTokens int
}

func (s *anthropicStream) Recv() (*agent.StreamChunk, error) {
	for s.stream.Next() {
		event := s.stream.Current()

		switch variant := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			s.inputTokens = int(variant.Message.Usage.InputTokens)

		case anthropic.ContentBlockDeltaEvent:
			if variant.Delta.Text != "" {
				return &agent.StreamChunk{Delta: variant.Delta.Text}, nil
			}

		case anthropic.MessageDeltaEvent:
			completion := int(variant.Usage.OutputTokens)
			return &agent.StreamChunk{
				Usage: &agent.TokenUsage{
					PromptTokens:     s.inputTokens,
					CompletionTokens: completion,
					TotalTokens:      s.inputTokens + completion,
				},
			}, nil
		}
	}

	if err := s.stream.Err(); err != nil {
		return nil, s.provider.wrapError(err)
	}
	return nil, io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
