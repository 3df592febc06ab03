package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/voskan/agentcore/pkg/agent"
	"github.com/voskan/agentcore/pkg/toolset"
)

// OpenAIProvider implements agent.ModelProvider for the OpenAI Chat
// Completions API.
type OpenAIProvider struct {
	client      openai.Client
	model       string
	maxTokens   int64
	temperature float64
	tools       []toolset.Definition
}

func newOpenAIProvider(opts Options) *OpenAIProvider {
	return &OpenAIProvider{
		client:      openai.NewClient(option.WithAPIKey(opts.APIKey)),
		model:       opts.Model,
		maxTokens:   int64(opts.MaxTokens),
		temperature: opts.Temperature,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// SupportsToolBinding reports tool support
func (p *OpenAIProvider) SupportsToolBinding() bool {
	return true
}

// BindTools returns a copy of the provider offering the given tools.
func (p *OpenAIProvider) BindTools(defs []toolset.Definition) (agent.ModelProvider, error) {
	bound := *p
	bound.tools = defs
	return &bound, nil
}

// Invoke makes one blocking Chat Completions call.
func (p *OpenAIProvider) Invoke(ctx context.Context, messages []agent.Message) (*agent.ModelResponse, error) {
	params, err := p.buildParams(messages)
	if err != nil {
		return nil, err
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}

	if len(response.Choices) == 0 {
		return nil, p.wrapError(fmt.Errorf("no response choices returned"))
	}

	choice := response.Choices[0]

	toolCalls := []agent.ToolCall{}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}
		toolCalls = append(toolCalls, agent.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}

	return &agent.ModelResponse{
		Content:   choice.Message.Content,
		ToolCalls: toolCalls,
		Usage: &agent.TokenUsage{
			PromptTokens:     int(response.Usage.PromptTokens),
			CompletionTokens: int(response.Usage.CompletionTokens),
			TotalTokens:      int(response.Usage.TotalTokens),
		},
	}, nil
}

// Stream opens a Chat Completions chunk stream. Usage reporting is opted
// in so the final chunk carries the definitive counts.
func (p *OpenAIProvider) Stream(ctx context.Context, messages []agent.Message) (agent.ChunkStream, error) {
	params, err := p.buildParams(messages)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, p.wrapError(err)
	}

	return &openaiStream{stream: stream, provider: p}, nil
}

func (p *OpenAIProvider) buildParams(messages []agent.Message) (openai.ChatCompletionNewParams, error) {
	converted := []openai.ChatCompletionMessageParamUnion{}

	for _, msg := range messages {
		switch msg.Role {
		case agent.RoleSystem:
			converted = append(converted, openai.SystemMessage(msg.Content))

		case agent.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				toolCalls := []openai.ChatCompletionMessageToolCall{}
				for _, tc := range msg.ToolCalls {
					argsJSON, err := json.Marshal(tc.Args)
					if err != nil {
						return openai.ChatCompletionNewParams{}, fmt.Errorf("failed to marshal tool arguments: %w", err)
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      tc.Name,
							Arguments: string(argsJSON),
						},
					})
				}
				assistantMsg := openai.ChatCompletionMessage{
					Role:      "assistant",
					Content:   msg.Content,
					ToolCalls: toolCalls,
				}
				converted = append(converted, assistantMsg.ToParam())
			} else {
				converted = append(converted, openai.AssistantMessage(msg.Content))
			}

		case agent.RoleTool:
			converted = append(converted, openai.ToolMessage(msg.ToolCallID, msg.Content))

		default:
			converted = append(converted, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: converted,
	}

	if p.maxTokens > 0 {
		params.MaxTokens = openai.Int(p.maxTokens)
	}
	if p.temperature > 0 {
		params.Temperature = openai.Float(p.temperature)
	}

	if len(p.tools) > 0 {
		tools := []openai.ChatCompletionToolParam{}
		for _, def := range p.tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        def.Name,
					Description: openai.String(def.Description),
					Parameters:  openai.FunctionParameters(def.InputSchema()),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

func (p *OpenAIProvider) wrapError(err error) error {
	return &agent.AgentError{
		Code:     agent.Classify(err),
		Message:  err.Error(),
		Provider: "openai",
		Model:    p.model,
		Err:      err,
	}
}

// openaiStream adapts the SDK chunk stream to agent.ChunkStream. The usage
// snapshot arrives on the terminal chunk, after the last content delta.
type openaiStream struct {
	stream   *ssestream.Stream[openai.ChatCompletionChunk]
	provider *OpenAIProvider
}

func (s *openaiStream) Recv() (*agent.StreamChunk, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			return &agent.StreamChunk{Delta: chunk.Choices[0].Delta.Content}, nil
		}

		if chunk.Usage.TotalTokens > 0 {
			return &agent.StreamChunk{
				Usage: &agent.TokenUsage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				},
			}, nil
		}
	}

	if err := s.stream.Err(); err != nil {
		return nil, s.provider.wrapError(err)
	}
	return nil, io.EOF
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}
