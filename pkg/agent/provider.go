package agent

import (
	"context"

	"github.com/voskan/agentcore/pkg/toolset"
)

// ModelResponse is one complete model turn.
type ModelResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// StreamChunk is one incremental piece of a streamed model turn. Usage, if
// present, is a superseding snapshot, not an increment.
type StreamChunk struct {
	Delta string
	Usage *TokenUsage
}

// ChunkStream is a provider-native incremental token stream. Recv returns
// io.EOF on clean exhaustion.
type ChunkStream interface {
	Recv() (*StreamChunk, error)
	Close() error
}

// ModelProvider is the boundary to a language-model backend. Tool binding
// is an explicit declared capability, checked before constructing the
// tool-enabled path; providers that cannot bind tools (some local runtimes)
// return false and the loop runs in no-tools mode.
type ModelProvider interface {
	// Name returns the provider identity ("anthropic", "openai", ...).
	Name() string

	// Invoke makes one blocking model call.
	Invoke(ctx context.Context, messages []Message) (*ModelResponse, error)

	// Stream opens an incremental-token stream for the given messages.
	Stream(ctx context.Context, messages []Message) (ChunkStream, error)

	// SupportsToolBinding reports whether BindTools is usable.
	SupportsToolBinding() bool

	// BindTools returns a provider whose Invoke path offers the given
	// tools to the model. Providers without the capability return an error.
	BindTools(defs []toolset.Definition) (ModelProvider, error)
}
