package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/voskan/agentcore/internal/observability"
	"github.com/voskan/agentcore/internal/tracing"
	"github.com/voskan/agentcore/pkg/retry"
	"github.com/voskan/agentcore/pkg/toolset"
)

// DefaultMaxIterations bounds the invoke/execute loop of one run.
const DefaultMaxIterations = 10

// Config holds loop configuration. Immutable once the loop is constructed;
// no locks guard it because mutation never happens concurrently with a run.
type Config struct {
	Provider      ModelProvider
	Tools         *toolset.Registry
	SystemPrompt  string
	PromptFunc    PromptFunc // takes precedence over SystemPrompt when set
	Callbacks *Callbacks

	// RetryPolicy nil means retry.DefaultPolicy(). A non-nil disabled
	// policy is respected: every model call gets exactly one attempt.
	RetryPolicy   *retry.Policy
	MaxIterations int
	ToolTimeout   time.Duration
	Logger        zerolog.Logger
}

// Loop orchestrates agent runs. Independent runs may execute in parallel;
// the message sequence, iteration counter, and cancellation token are all
// per-run.
type Loop struct {
	provider      ModelProvider
	tools         *toolset.Registry
	assembler     *Assembler
	invoker       *toolset.Invoker
	retrier       *retry.Executor
	callbacks     *Callbacks
	maxIterations int
	logger        zerolog.Logger

	// Active runs for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex
}

// New creates a Loop.
func New(cfg Config) (*Loop, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Tools == nil {
		cfg.Tools = toolset.NewRegistry()
	}
	policy := retry.DefaultPolicy()
	if cfg.RetryPolicy != nil {
		policy = *cfg.RetryPolicy
	}

	prompt := cfg.PromptFunc
	if prompt == nil {
		prompt = StaticPrompt(cfg.SystemPrompt)
	}

	l := &Loop{
		provider:      cfg.Provider,
		tools:         cfg.Tools,
		callbacks:     cfg.Callbacks,
		maxIterations: cfg.MaxIterations,
		logger:        cfg.Logger,
		activeRuns:    make(map[string]context.CancelFunc),
	}

	l.assembler = NewAssembler(prompt, cfg.Logger, func(msg string, data map[string]interface{}) {
		l.callbacks.debug(cfg.Logger, msg, data)
	})

	invokerOpts := []toolset.InvokerOption{
		toolset.WithObserver(&toolObserver{loop: l}),
	}
	if cfg.ToolTimeout > 0 {
		invokerOpts = append(invokerOpts, toolset.WithTimeout(cfg.ToolTimeout))
	}
	l.invoker = toolset.NewInvoker(cfg.Tools, cfg.Logger, invokerOpts...)

	l.retrier = retry.New(policy, cfg.Logger,
		retry.WithRetryable(IsRetryable),
		retry.WithOnRetry(func(attempt int, delay time.Duration) {
			observability.RecordRetry("model_call")
			l.callbacks.retry(l.logger, attempt, delay)
		}),
	)

	return l, nil
}

// Abort cancels the run with the given run ID (the root span ID handed to
// OnAgentStart). Aborting one run never affects a subsequent run; each Run
// owns a fresh cancellation token.
func (l *Loop) Abort(runID string) bool {
	l.runsMu.Lock()
	defer l.runsMu.Unlock()

	cancel, exists := l.activeRuns[runID]
	if !exists {
		l.logger.Debug().Str("run_id", runID).Msg("No active run to abort")
		return false
	}

	l.logger.Info().Str("run_id", runID).Msg("Aborting agent run")
	cancel()
	delete(l.activeRuns, runID)
	return true
}

// AbortAll cancels every in-flight run.
func (l *Loop) AbortAll() {
	l.runsMu.Lock()
	defer l.runsMu.Unlock()

	for runID, cancel := range l.activeRuns {
		cancel()
		delete(l.activeRuns, runID)
	}
}

// IsRunning reports whether the given run is still in flight.
func (l *Loop) IsRunning(runID string) bool {
	l.runsMu.RLock()
	defer l.runsMu.RUnlock()

	_, exists := l.activeRuns[runID]
	return exists
}

// Run executes the blocking tool-calling loop. It never returns an error
// value: terminal failures come back as an "Error: ..." string and are
// reported through OnError. Callers that must distinguish failure from
// answer consult the OnError callback.
func (l *Loop) Run(ctx context.Context, query string, history []Message) string {
	root := tracing.NewRootSpan()
	runCtx, cancel := l.registerRun(ctx, root)
	defer cancel()
	defer l.unregisterRun(root.ID)

	logger := tracing.LoggerFromContext(runCtx, l.logger)
	start := time.Now()
	observability.IncActiveRuns()
	defer observability.DecActiveRuns()

	l.callbacks.agentStart(logger, root, query)

	answer, failed := l.runLoop(runCtx, logger, root, query, history)

	observability.RecordAgentRun(l.provider.Name(), time.Since(start), !failed)
	return answer
}

// runLoop drives the iterate/invoke/parse/execute/append state machine.
func (l *Loop) runLoop(ctx context.Context, logger zerolog.Logger, root tracing.Span, query string, history []Message) (string, bool) {
	provider, toolsEnabled, err := l.resolveProvider()
	if err != nil {
		return l.fail(logger, root, err), true
	}
	logger.Debug().Bool("tools_enabled", toolsEnabled).Msg("Starting agent run")

	messages := l.assembler.Assemble(query, history)
	usage := &TokenUsage{}

	for iteration := 1; iteration <= l.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return l.fail(logger, root, NewAgentError(ErrUnknown, "run aborted", err)), true
		}

		response, err := l.invokeModel(ctx, logger, root, provider, messages)
		if err != nil {
			// Terminal: retries live inside the retry executor, never
			// across loop iterations.
			return l.fail(logger, root, err), true
		}
		usage.Add(response.Usage)

		if len(response.ToolCalls) == 0 {
			l.finish(logger, root, usage)
			l.callbacks.agentEnd(logger, root, response.Content)
			return response.Content, false
		}

		messages = append(messages, Message{
			Role:      RoleAssistant,
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		// Sequential, in request order. Providers that issue dependent
		// calls rely on this, and tool-result messages must replay in
		// the order the calls were made.
		for _, call := range response.ToolCalls {
			result := l.invoker.Invoke(ctx, toolset.Call{
				ID:   call.ID,
				Name: call.Name,
				Args: call.Args,
			}, root.Child())

			messages = append(messages, Message{
				Role:       RoleTool,
				Name:       result.Name,
				ToolCallID: result.ID,
				Content:    result.Content,
			})

			if result.Kind == toolset.FailureCanceled {
				return l.fail(logger, root, NewAgentError(ErrUnknown, "run aborted during tool execution", ctx.Err())), true
			}
		}
	}

	l.finish(logger, root, usage)
	err = NewAgentError(ErrMaxIterations,
		fmt.Sprintf("Maximum iterations (%d) exceeded without a final answer", l.maxIterations), nil)
	return l.fail(logger, root, err), true
}

// RunStream executes the streaming variant: chunks are yielded on the
// returned channel as they arrive, and the channel is closed on
// completion. Tool calls are not parsed or executed in this mode; any
// bound tools are deliberately ignored. Failures follow the same
// non-throwing contract as Run, as a final "Error: ..." yield.
func (l *Loop) RunStream(ctx context.Context, query string, history []Message) <-chan string {
	root := tracing.NewRootSpan()
	runCtx, cancel := l.registerRun(ctx, root)

	logger := tracing.LoggerFromContext(runCtx, l.logger)
	out := make(chan string)

	go func() {
		defer close(out)
		defer cancel()
		defer l.unregisterRun(root.ID)

		start := time.Now()
		observability.IncActiveRuns()
		defer observability.DecActiveRuns()

		l.callbacks.agentStart(logger, root, query)

		messages := l.assembler.Assemble(query, history)

		llmSpan := root.Child()
		l.callbacks.llmStart(logger, llmSpan, messages)

		// Retry covers connection establishment only; mid-stream errors
		// are not retried.
		var stream ChunkStream
		err := l.retrier.Do(runCtx, func(ctx context.Context) error {
			var openErr error
			stream, openErr = l.provider.Stream(ctx, messages)
			return openErr
		})
		if err != nil {
			observability.RecordAgentRun(l.provider.Name(), time.Since(start), false)
			out <- l.fail(logger, root, err)
			return
		}

		relay := &StreamRelay{
			OnChunk: func(delta string) {
				observability.RecordStreamChunk(l.provider.Name())
				l.callbacks.llmStream(logger, llmSpan, delta)
				select {
				case out <- delta:
				case <-runCtx.Done():
				}
			},
			OnEnd: func(usage *TokenUsage) {
				l.callbacks.llmEnd(logger, llmSpan, &ModelResponse{Usage: usage})
				if usage != nil {
					observability.AddTokenUsage(l.provider.Name(), usage.PromptTokens, usage.CompletionTokens)
				}
			},
		}

		text, _, relayErr := relay.Relay(runCtx, stream)
		if relayErr != nil {
			observability.RecordAgentRun(l.provider.Name(), time.Since(start), false)
			errText := l.fail(logger, root, relayErr)
			select {
			case out <- errText:
			case <-time.After(time.Second):
			}
			return
		}

		observability.RecordAgentRun(l.provider.Name(), time.Since(start), true)
		l.callbacks.agentEnd(logger, root, text)
	}()

	return out
}

// resolveProvider decides the tool-enabled vs no-tools mode for a run.
func (l *Loop) resolveProvider() (ModelProvider, bool, error) {
	if l.tools.Len() == 0 || !l.provider.SupportsToolBinding() {
		return l.provider, false, nil
	}

	bound, err := l.provider.BindTools(l.tools.List())
	if err != nil {
		return nil, false, NewAgentError(ErrUnknown, "failed to bind tools", err)
	}
	return bound, true, nil
}

// invokeModel makes one model call through the retry executor, firing the
// LLM lifecycle callbacks around it.
func (l *Loop) invokeModel(ctx context.Context, logger zerolog.Logger, root tracing.Span, provider ModelProvider, messages []Message) (*ModelResponse, error) {
	ctx, otelSpan := tracing.StartSpan(ctx, "agentcore/agent", "model.invoke",
		attribute.String("provider", l.provider.Name()))
	defer otelSpan.End()

	llmSpan := root.Child()
	l.callbacks.llmStart(logger, llmSpan, messages)

	start := time.Now()
	var response *ModelResponse
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		resp, callErr := provider.Invoke(ctx, messages)
		if callErr != nil {
			return callErr
		}
		response = resp
		return nil
	})

	observability.RecordModelCall(l.provider.Name(), time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}

	if response.Usage != nil {
		response.Usage.QueryCount = 1
		observability.AddTokenUsage(l.provider.Name(), response.Usage.PromptTokens, response.Usage.CompletionTokens)
	}

	l.callbacks.llmEnd(logger, llmSpan, response)
	return response, nil
}

// fail folds a terminal failure into the two-channel error contract: an
// OnError callback plus the "Error: ..." return string.
func (l *Loop) fail(logger zerolog.Logger, root tracing.Span, err error) string {
	resp := NewErrorResponse(err, l.provider.Name())
	observability.RecordAgentError(l.provider.Name(), string(resp.Error))

	logger.Error().
		Str("code", string(resp.Error)).
		Err(err).
		Msg("Agent run failed")

	l.callbacks.errorResponse(logger, root, resp)
	text := resp.ErrorText()
	l.callbacks.agentEnd(logger, root, text)
	return text
}

// finish emits the accumulated usage for a completed run.
func (l *Loop) finish(logger zerolog.Logger, root tracing.Span, usage *TokenUsage) {
	logger.Debug().
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Int("queries", usage.QueryCount).
		Msg("Run usage")
	l.callbacks.debug(logger, "run usage", map[string]interface{}{
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"total_tokens":      usage.TotalTokens,
		"query_count":       usage.QueryCount,
	})
}

func (l *Loop) registerRun(ctx context.Context, root tracing.Span) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(tracing.NewRunContext(ctx, root))

	l.runsMu.Lock()
	l.activeRuns[root.ID] = cancel
	l.runsMu.Unlock()

	return runCtx, cancel
}

func (l *Loop) unregisterRun(runID string) {
	l.runsMu.Lock()
	delete(l.activeRuns, runID)
	l.runsMu.Unlock()
}

// toolObserver bridges tool lifecycle observations into the loop callbacks.
type toolObserver struct {
	loop *Loop
}

func (o *toolObserver) ToolStart(span tracing.Span, call toolset.Call) {
	o.loop.callbacks.toolStart(o.loop.logger, span, ToolCall{
		ID:   call.ID,
		Name: call.Name,
		Args: call.Args,
	})
}

func (o *toolObserver) ToolEnd(span tracing.Span, call toolset.Call, result toolset.Result) {
	o.loop.callbacks.toolEnd(o.loop.logger, span, result)
}
