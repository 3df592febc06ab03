package agent

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voskan/agentcore/internal/tracing"
	"github.com/voskan/agentcore/pkg/retry"
	"github.com/voskan/agentcore/pkg/toolset"
)

// fakeProvider replays a scripted sequence of model turns and records the
// message sequence of every invocation.
type fakeProvider struct {
	mu          sync.Mutex
	script      []func(ctx context.Context, messages []Message) (*ModelResponse, error)
	streamFn    func(ctx context.Context, messages []Message) (ChunkStream, error)
	calls       [][]Message
	noBinding   bool
	boundTools  []toolset.Definition
	invocations int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Invoke(ctx context.Context, messages []Message) (*ModelResponse, error) {
	p.mu.Lock()
	snapshot := make([]Message, len(messages))
	copy(snapshot, messages)
	p.calls = append(p.calls, snapshot)
	idx := p.invocations
	p.invocations++
	p.mu.Unlock()

	if idx >= len(p.script) {
		return nil, fmt.Errorf("unexpected invocation %d", idx)
	}
	return p.script[idx](ctx, messages)
}

func (p *fakeProvider) Stream(ctx context.Context, messages []Message) (ChunkStream, error) {
	if p.streamFn == nil {
		return nil, fmt.Errorf("streaming not scripted")
	}
	return p.streamFn(ctx, messages)
}

func (p *fakeProvider) SupportsToolBinding() bool { return !p.noBinding }

func (p *fakeProvider) BindTools(defs []toolset.Definition) (ModelProvider, error) {
	p.mu.Lock()
	p.boundTools = defs
	p.mu.Unlock()
	return p, nil
}

func (p *fakeProvider) invokeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invocations
}

func (p *fakeProvider) call(i int) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

func finalTurn(content string) func(ctx context.Context, messages []Message) (*ModelResponse, error) {
	return func(ctx context.Context, messages []Message) (*ModelResponse, error) {
		return &ModelResponse{
			Content: content,
			Usage:   &TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}
}

func toolTurn(calls ...ToolCall) func(ctx context.Context, messages []Message) (*ModelResponse, error) {
	return func(ctx context.Context, messages []Message) (*ModelResponse, error) {
		return &ModelResponse{
			ToolCalls: calls,
			Usage:     &TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}
}

// eventRecorder captures callback firings in order. The loop is sequential
// within a run, but the recorder locks anyway for the streaming tests.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) record(name string) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) callbacks() *Callbacks {
	return &Callbacks{
		OnAgentStart: func(span tracing.Span, query string) { r.record("agent_start") },
		OnAgentEnd:   func(span tracing.Span, answer string) { r.record("agent_end") },
		OnLLMStart:   func(span tracing.Span, messages []Message) { r.record("llm_start") },
		OnLLMEnd:     func(span tracing.Span, response *ModelResponse) { r.record("llm_end") },
		OnToolStart:  func(span tracing.Span, call ToolCall) { r.record("tool_start:" + call.Name) },
		OnToolEnd:    func(span tracing.Span, result toolset.Result) { r.record("tool_end:" + result.Name) },
		OnError:      func(span tracing.Span, response *ErrorResponse) { r.record("error:" + string(response.Error)) },
		OnRetry:      func(attempt int, delay time.Duration) { r.record(fmt.Sprintf("retry:%d", attempt)) },
	}
}

func testRegistry(t *testing.T) *toolset.Registry {
	t.Helper()
	registry := toolset.NewRegistry()
	err := registry.Register(toolset.Definition{
		Name:        "lookup",
		Description: "Looks up a value",
		Parameters: []toolset.Parameter{
			{Name: "key", Type: "string", Description: "Key to look up", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return fmt.Sprintf("value-for-%v", args["key"]), nil
		},
	})
	require.NoError(t, err)
	return registry
}

func newTestLoop(t *testing.T, provider ModelProvider, tools *toolset.Registry, cb *Callbacks) *Loop {
	t.Helper()
	loop, err := New(Config{
		Provider:     provider,
		Tools:        tools,
		SystemPrompt: "You are a test assistant.",
		Callbacks:    cb,
		RetryPolicy:  &retry.Policy{Enabled: true, MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return loop
}

func TestLoopRun(t *testing.T) {
	t.Run("should return the model answer directly when no tools are called", func(t *testing.T) {
		provider := &fakeProvider{script: []func(context.Context, []Message) (*ModelResponse, error){
			finalTurn("The answer is 42."),
		}}
		rec := &eventRecorder{}
		loop := newTestLoop(t, provider, nil, rec.callbacks())

		answer := loop.Run(context.Background(), "What is the answer?", nil)

		assert.Equal(t, "The answer is 42.", answer)
		assert.Equal(t, 1, provider.invokeCount())
		assert.Equal(t, []string{"agent_start", "llm_start", "llm_end", "agent_end"}, rec.snapshot())

		// system prompt first, query last
		msgs := provider.call(0)
		require.Len(t, msgs, 2)
		assert.Equal(t, RoleSystem, msgs[0].Role)
		assert.Equal(t, RoleUser, msgs[1].Role)
		assert.Equal(t, "What is the answer?", msgs[1].Content)
	})

	t.Run("should execute a tool round trip and feed the result back", func(t *testing.T) {
		provider := &fakeProvider{script: []func(context.Context, []Message) (*ModelResponse, error){
			toolTurn(ToolCall{ID: "call_1", Name: "lookup", Args: map[string]interface{}{"key": "alpha"}}),
			finalTurn("Found it."),
		}}
		rec := &eventRecorder{}
		loop := newTestLoop(t, provider, testRegistry(t), rec.callbacks())

		answer := loop.Run(context.Background(), "Look up alpha", nil)

		assert.Equal(t, "Found it.", answer)
		require.Equal(t, 2, provider.invokeCount())

		// Second invocation sees system, query, assistant tool-call turn,
		// and the tool result, in that order.
		msgs := provider.call(1)
		require.Len(t, msgs, 4)
		assert.Equal(t, RoleSystem, msgs[0].Role)
		assert.Equal(t, RoleUser, msgs[1].Role)
		assert.Equal(t, RoleAssistant, msgs[2].Role)
		require.Len(t, msgs[2].ToolCalls, 1)
		assert.Equal(t, "call_1", msgs[2].ToolCalls[0].ID)
		assert.Equal(t, RoleTool, msgs[3].Role)
		assert.Equal(t, "call_1", msgs[3].ToolCallID)
		assert.Equal(t, "value-for-alpha", msgs[3].Content)

		assert.Equal(t, []string{
			"agent_start",
			"llm_start", "llm_end",
			"tool_start:lookup", "tool_end:lookup",
			"llm_start", "llm_end",
			"agent_end",
		}, rec.snapshot())
	})

	t.Run("should execute multiple tool calls sequentially in request order", func(t *testing.T) {
		var order []string
		var orderMu sync.Mutex
		registry := toolset.NewRegistry()
		for _, name := range []string{"first", "second"} {
			name := name
			require.NoError(t, registry.Register(toolset.Definition{
				Name:        name,
				Description: name,
				Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
					orderMu.Lock()
					order = append(order, name)
					orderMu.Unlock()
					return name + " done", nil
				},
			}))
		}

		provider := &fakeProvider{script: []func(context.Context, []Message) (*ModelResponse, error){
			toolTurn(
				ToolCall{ID: "c1", Name: "first", Args: map[string]interface{}{}},
				ToolCall{ID: "c2", Name: "second", Args: map[string]interface{}{}},
			),
			finalTurn("done"),
		}}
		loop := newTestLoop(t, provider, registry, nil)

		answer := loop.Run(context.Background(), "run both", nil)

		assert.Equal(t, "done", answer)
		assert.Equal(t, []string{"first", "second"}, order)

		msgs := provider.call(1)
		require.Len(t, msgs, 5)
		assert.Equal(t, "c1", msgs[3].ToolCallID)
		assert.Equal(t, "c2", msgs[4].ToolCallID)
	})

	t.Run("should fold a tool failure into the result and keep running", func(t *testing.T) {
		registry := toolset.NewRegistry()
		require.NoError(t, registry.Register(toolset.Definition{
			Name:        "flaky",
			Description: "Always fails",
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return nil, fmt.Errorf("disk on fire")
			},
		}))

		provider := &fakeProvider{script: []func(context.Context, []Message) (*ModelResponse, error){
			toolTurn(ToolCall{ID: "c1", Name: "flaky", Args: map[string]interface{}{}}),
			finalTurn("I could not complete that."),
		}}
		rec := &eventRecorder{}
		loop := newTestLoop(t, provider, registry, rec.callbacks())

		answer := loop.Run(context.Background(), "try it", nil)

		assert.Equal(t, "I could not complete that.", answer)
		require.Equal(t, 2, provider.invokeCount())

		msgs := provider.call(1)
		assert.Equal(t, RoleTool, msgs[3].Role)
		assert.Contains(t, msgs[3].Content, "Error: disk on fire")

		// A failed tool never fires OnError; the run itself succeeded.
		assert.NotContains(t, rec.snapshot(), "error:UNKNOWN")
	})

	t.Run("should treat an unknown tool as a folded failure, not a crash", func(t *testing.T) {
		provider := &fakeProvider{script: []func(context.Context, []Message) (*ModelResponse, error){
			toolTurn(ToolCall{ID: "c1", Name: "nope", Args: map[string]interface{}{}}),
			finalTurn("recovered"),
		}}
		loop := newTestLoop(t, provider, testRegistry(t), nil)

		answer := loop.Run(context.Background(), "call something missing", nil)

		assert.Equal(t, "recovered", answer)
		msgs := provider.call(1)
		assert.Contains(t, msgs[3].Content, "tool not found: nope")
	})

	t.Run("should fail terminally on a non-retryable invocation error", func(t *testing.T) {
		provider := &fakeProvider{script: []func(context.Context, []Message) (*ModelResponse, error){
			func(ctx context.Context, messages []Message) (*ModelResponse, error) {
				return nil, fmt.Errorf("401 unauthorized: invalid api key")
			},
		}}
		rec := &eventRecorder{}
		loop := newTestLoop(t, provider, nil, rec.callbacks())

		answer := loop.Run(context.Background(), "hello", nil)

		assert.Contains(t, answer, "Error: ")
		assert.Contains(t, answer, "invalid api key")
		assert.Equal(t, 1, provider.invokeCount())
		assert.Contains(t, rec.snapshot(), "error:AUTHENTICATION_ERROR")
		// OnAgentEnd still fires on failure
		events := rec.snapshot()
		assert.Equal(t, "agent_end", events[len(events)-1])
	})

	t.Run("should retry a transient error and then succeed", func(t *testing.T) {
		provider := &fakeProvider{script: []func(context.Context, []Message) (*ModelResponse, error){
			func(ctx context.Context, messages []Message) (*ModelResponse, error) {
				return nil, fmt.Errorf("429 too many requests")
			},
			finalTurn("after retry"),
		}}
		rec := &eventRecorder{}
		loop := newTestLoop(t, provider, nil, rec.callbacks())

		answer := loop.Run(context.Background(), "hello", nil)

		assert.Equal(t, "after retry", answer)
		assert.Equal(t, 2, provider.invokeCount())
		assert.Contains(t, rec.snapshot(), "retry:1")
	})

	t.Run("should make a single attempt when the retry policy is disabled", func(t *testing.T) {
		provider := &fakeProvider{script: []func(context.Context, []Message) (*ModelResponse, error){
			func(ctx context.Context, messages []Message) (*ModelResponse, error) {
				return nil, fmt.Errorf("429 too many requests")
			},
		}}
		rec := &eventRecorder{}

		loop, err := New(Config{
			Provider:    provider,
			Callbacks:   rec.callbacks(),
			RetryPolicy: &retry.Policy{Enabled: false},
			Logger:      zerolog.Nop(),
		})
		require.NoError(t, err)

		answer := loop.Run(context.Background(), "hello", nil)

		assert.Contains(t, answer, "Error: ")
		assert.Equal(t, 1, provider.invokeCount())
		assert.NotContains(t, rec.snapshot(), "retry:1")
	})

	t.Run("should survive a panicking callback and still answer", func(t *testing.T) {
		provider := &fakeProvider{script: []func(context.Context, []Message) (*ModelResponse, error){
			toolTurn(ToolCall{ID: "c1", Name: "lookup", Args: map[string]interface{}{"key": "alpha"}}),
			finalTurn("still standing"),
		}}
		rec := &eventRecorder{}
		cb := rec.callbacks()
		cb.OnLLMEnd = func(span tracing.Span, response *ModelResponse) {
			panic("observer blew up")
		}
		cb.OnToolStart = func(span tracing.Span, call ToolCall) {
			panic("observer blew up again")
		}
		loop := newTestLoop(t, provider, testRegistry(t), cb)

		answer := loop.Run(context.Background(), "Look up alpha", nil)

		assert.Equal(t, "still standing", answer)
		require.Equal(t, 2, provider.invokeCount())
		// The callbacks after the panicking ones still fire.
		assert.Contains(t, rec.snapshot(), "tool_end:lookup")
		assert.Contains(t, rec.snapshot(), "agent_end")
	})

	t.Run("should stop with MAX_ITERATIONS_EXCEEDED when the model never answers", func(t *testing.T) {
		registry := testRegistry(t)
		script := make([]func(context.Context, []Message) (*ModelResponse, error), 0, 3)
		for i := 0; i < 3; i++ {
			script = append(script, toolTurn(ToolCall{ID: fmt.Sprintf("c%d", i), Name: "lookup", Args: map[string]interface{}{"key": "x"}}))
		}
		provider := &fakeProvider{script: script}
		rec := &eventRecorder{}

		loop, err := New(Config{
			Provider:      provider,
			Tools:         registry,
			Callbacks:     rec.callbacks(),
			MaxIterations: 3,
			RetryPolicy:   &retry.Policy{Enabled: true, MaxRetries: 1, BaseDelay: time.Millisecond},
			Logger:        zerolog.Nop(),
		})
		require.NoError(t, err)

		answer := loop.Run(context.Background(), "loop forever", nil)

		assert.Contains(t, answer, "Maximum iterations (3) exceeded")
		assert.Equal(t, 3, provider.invokeCount())
		assert.Contains(t, rec.snapshot(), "error:MAX_ITERATIONS_EXCEEDED")
	})

	t.Run("should run without binding when the provider lacks tool support", func(t *testing.T) {
		provider := &fakeProvider{
			noBinding: true,
			script: []func(context.Context, []Message) (*ModelResponse, error){
				finalTurn("plain answer"),
			},
		}
		loop := newTestLoop(t, provider, testRegistry(t), nil)

		answer := loop.Run(context.Background(), "hi", nil)

		assert.Equal(t, "plain answer", answer)
		assert.Nil(t, provider.boundTools)
	})

	t.Run("should pass history through ahead of the current query", func(t *testing.T) {
		provider := &fakeProvider{script: []func(context.Context, []Message) (*ModelResponse, error){
			finalTurn("ok"),
		}}
		loop := newTestLoop(t, provider, nil, nil)

		history := []Message{
			{Role: RoleUser, Content: "earlier question"},
			{Role: RoleAssistant, Content: "earlier answer"},
		}
		loop.Run(context.Background(), "follow-up", history)

		msgs := provider.call(0)
		require.Len(t, msgs, 4)
		assert.Equal(t, "earlier question", msgs[1].Content)
		assert.Equal(t, "earlier answer", msgs[2].Content)
		assert.Equal(t, "follow-up", msgs[3].Content)
	})

	t.Run("should require a provider", func(t *testing.T) {
		_, err := New(Config{Logger: zerolog.Nop()})
		require.Error(t, err)
	})
}

func TestLoopAbort(t *testing.T) {
	t.Run("should cancel an in-flight run", func(t *testing.T) {
		started := make(chan string, 1)
		provider := &fakeProvider{script: []func(context.Context, []Message) (*ModelResponse, error){
			func(ctx context.Context, messages []Message) (*ModelResponse, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}}
		cb := &Callbacks{
			OnAgentStart: func(span tracing.Span, query string) {
				started <- span.ID
			},
		}
		loop := newTestLoop(t, provider, nil, cb)

		done := make(chan string, 1)
		go func() {
			done <- loop.Run(context.Background(), "hang", nil)
		}()

		var runID string
		select {
		case runID = <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("run never started")
		}

		assert.True(t, loop.IsRunning(runID))
		assert.True(t, loop.Abort(runID))

		select {
		case answer := <-done:
			assert.Contains(t, answer, "Error: ")
		case <-time.After(2 * time.Second):
			t.Fatal("run did not return after abort")
		}
		assert.False(t, loop.IsRunning(runID))
	})

	t.Run("should report false for an unknown run id", func(t *testing.T) {
		provider := &fakeProvider{}
		loop := newTestLoop(t, provider, nil, nil)
		assert.False(t, loop.Abort("no-such-run"))
	})

	t.Run("should not affect a later run", func(t *testing.T) {
		provider := &fakeProvider{script: []func(context.Context, []Message) (*ModelResponse, error){
			finalTurn("first"),
			finalTurn("second"),
		}}
		loop := newTestLoop(t, provider, nil, nil)

		first := loop.Run(context.Background(), "one", nil)
		assert.Equal(t, "first", first)

		loop.AbortAll() // no-op, nothing in flight

		second := loop.Run(context.Background(), "two", nil)
		assert.Equal(t, "second", second)
	})
}

func TestLoopRunStream(t *testing.T) {
	t.Run("should yield chunks in order and close the channel", func(t *testing.T) {
		provider := &fakeProvider{
			streamFn: func(ctx context.Context, messages []Message) (ChunkStream, error) {
				return newFakeStream([]*StreamChunk{
					{Delta: "Hello"},
					{Delta: ", "},
					{Delta: "world", Usage: &TokenUsage{TotalTokens: 7}},
				}, nil), nil
			},
		}
		loop := newTestLoop(t, provider, nil, nil)

		var got []string
		for chunk := range loop.RunStream(context.Background(), "greet", nil) {
			got = append(got, chunk)
		}

		assert.Equal(t, []string{"Hello", ", ", "world"}, got)
	})

	t.Run("should surface a stream failure as a final error chunk", func(t *testing.T) {
		provider := &fakeProvider{
			streamFn: func(ctx context.Context, messages []Message) (ChunkStream, error) {
				return newFakeStream([]*StreamChunk{{Delta: "partial"}}, fmt.Errorf("connection reset")), nil
			},
		}
		rec := &eventRecorder{}
		loop := newTestLoop(t, provider, nil, rec.callbacks())

		var got []string
		for chunk := range loop.RunStream(context.Background(), "greet", nil) {
			got = append(got, chunk)
		}

		require.Len(t, got, 2)
		assert.Equal(t, "partial", got[0])
		assert.Contains(t, got[1], "Error: ")
		assert.Contains(t, rec.snapshot(), "error:NETWORK_ERROR")
	})

	t.Run("should surface a connection failure without yielding content", func(t *testing.T) {
		provider := &fakeProvider{
			streamFn: func(ctx context.Context, messages []Message) (ChunkStream, error) {
				return nil, fmt.Errorf("403 forbidden")
			},
		}
		loop := newTestLoop(t, provider, nil, nil)

		var got []string
		for chunk := range loop.RunStream(context.Background(), "greet", nil) {
			got = append(got, chunk)
		}

		require.Len(t, got, 1)
		assert.Contains(t, got[0], "Error: ")
	})
}

// fakeStream replays chunks then terminates with finalErr, or io.EOF when
// finalErr is nil.
type fakeStream struct {
	chunks   []*StreamChunk
	finalErr error
	pos      int
	closed   bool
}

func newFakeStream(chunks []*StreamChunk, finalErr error) *fakeStream {
	return &fakeStream{chunks: chunks, finalErr: finalErr}
}

func (s *fakeStream) Recv() (*StreamChunk, error) {
	if s.pos >= len(s.chunks) {
		if s.finalErr != nil {
			return nil, s.finalErr
		}
		return nil, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}
