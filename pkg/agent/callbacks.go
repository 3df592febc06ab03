package agent

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/voskan/agentcore/internal/tracing"
	"github.com/voskan/agentcore/pkg/toolset"
)

// Callbacks receives run lifecycle observations. Every field is optional;
// nil fields are no-ops. Callbacks are fire-and-forget: a panicking
// callback is logged and swallowed, never aborting the run.
type Callbacks struct {
	OnAgentStart func(span tracing.Span, query string)
	OnAgentEnd   func(span tracing.Span, answer string)
	OnLLMStart   func(span tracing.Span, messages []Message)
	OnLLMEnd     func(span tracing.Span, response *ModelResponse)
	OnLLMStream  func(span tracing.Span, chunk string)
	OnToolStart  func(span tracing.Span, call ToolCall)
	OnToolEnd    func(span tracing.Span, result toolset.Result)
	OnError      func(span tracing.Span, response *ErrorResponse)
	OnRetry      func(attempt int, delay time.Duration)
	OnDebug      func(message string, data map[string]interface{})
}

func (c *Callbacks) safe(logger zerolog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn().Str("callback", name).Interface("panic", r).Msg("Callback panicked")
		}
	}()
	fn()
}

func (c *Callbacks) agentStart(logger zerolog.Logger, span tracing.Span, query string) {
	if c == nil || c.OnAgentStart == nil {
		return
	}
	c.safe(logger, "OnAgentStart", func() { c.OnAgentStart(span, query) })
}

func (c *Callbacks) agentEnd(logger zerolog.Logger, span tracing.Span, answer string) {
	if c == nil || c.OnAgentEnd == nil {
		return
	}
	c.safe(logger, "OnAgentEnd", func() { c.OnAgentEnd(span, answer) })
}

func (c *Callbacks) llmStart(logger zerolog.Logger, span tracing.Span, messages []Message) {
	if c == nil || c.OnLLMStart == nil {
		return
	}
	c.safe(logger, "OnLLMStart", func() { c.OnLLMStart(span, messages) })
}

func (c *Callbacks) llmEnd(logger zerolog.Logger, span tracing.Span, response *ModelResponse) {
	if c == nil || c.OnLLMEnd == nil {
		return
	}
	c.safe(logger, "OnLLMEnd", func() { c.OnLLMEnd(span, response) })
}

func (c *Callbacks) llmStream(logger zerolog.Logger, span tracing.Span, chunk string) {
	if c == nil || c.OnLLMStream == nil {
		return
	}
	c.safe(logger, "OnLLMStream", func() { c.OnLLMStream(span, chunk) })
}

func (c *Callbacks) toolStart(logger zerolog.Logger, span tracing.Span, call ToolCall) {
	if c == nil || c.OnToolStart == nil {
		return
	}
	c.safe(logger, "OnToolStart", func() { c.OnToolStart(span, call) })
}

func (c *Callbacks) toolEnd(logger zerolog.Logger, span tracing.Span, result toolset.Result) {
	if c == nil || c.OnToolEnd == nil {
		return
	}
	c.safe(logger, "OnToolEnd", func() { c.OnToolEnd(span, result) })
}

func (c *Callbacks) errorResponse(logger zerolog.Logger, span tracing.Span, response *ErrorResponse) {
	if c == nil || c.OnError == nil {
		return
	}
	c.safe(logger, "OnError", func() { c.OnError(span, response) })
}

func (c *Callbacks) retry(logger zerolog.Logger, attempt int, delay time.Duration) {
	if c == nil || c.OnRetry == nil {
		return
	}
	c.safe(logger, "OnRetry", func() { c.OnRetry(attempt, delay) })
}

func (c *Callbacks) debug(logger zerolog.Logger, message string, data map[string]interface{}) {
	if c == nil || c.OnDebug == nil {
		return
	}
	c.safe(logger, "OnDebug", func() { c.OnDebug(message, data) })
}
