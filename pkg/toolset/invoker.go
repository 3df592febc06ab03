package toolset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/voskan/agentcore/internal/observability"
	"github.com/voskan/agentcore/internal/tracing"
)

// FailureKind classifies a failed tool invocation
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureNotFound   FailureKind = "NOT_FOUND"
	FailureValidation FailureKind = "VALIDATION_ERROR"
	FailureTimeout    FailureKind = "TIMEOUT"
	FailureCanceled   FailureKind = "CANCELED"
	FailureUnknown    FailureKind = "UNKNOWN"
)

// Call is a tool invocation request parsed from a model response. ID may be
// empty when the provider omits one; it is forwarded verbatim, never
// synthesized.
type Call struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Result is the normalized outcome of one tool invocation. Content is the
// exact text forwarded to the model. Envelope is the structured shape
// reported to observers; for new-style string tools it is a synthetic
// success envelope wrapping the same text.
type Result struct {
	Name     string      `json:"name"`
	ID       string      `json:"id"`
	Content  string      `json:"content"`
	Kind     FailureKind `json:"kind,omitempty"`
	Envelope *Response   `json:"envelope,omitempty"`
}

// Failed reports whether the invocation ended in a failure of any kind.
func (r Result) Failed() bool {
	return r.Kind != FailureNone
}

// Observer receives tool lifecycle observations. Implementations must not
// block; errors and panics inside observers are the caller's problem.
type Observer interface {
	ToolStart(span tracing.Span, call Call)
	ToolEnd(span tracing.Span, call Call, result Result)
}

// Invoker resolves and executes tool calls against a Registry. A failing
// or panicking tool never propagates; every outcome is folded into a
// Result the loop can forward to the model.
type Invoker struct {
	registry *Registry
	logger   zerolog.Logger
	observer Observer
	sink     MetadataSink
	timeout  time.Duration
}

// InvokerOption customizes an Invoker
type InvokerOption func(*Invoker)

// WithObserver attaches a lifecycle observer
func WithObserver(obs Observer) InvokerOption {
	return func(inv *Invoker) {
		inv.observer = obs
	}
}

// WithMetadataSink attaches a sink tools can stream metadata into
func WithMetadataSink(sink MetadataSink) InvokerOption {
	return func(inv *Invoker) {
		inv.sink = sink
	}
}

// WithTimeout bounds each tool execution. Zero means no per-call timeout.
func WithTimeout(d time.Duration) InvokerOption {
	return func(inv *Invoker) {
		inv.timeout = d
	}
}

// NewInvoker creates an Invoker
func NewInvoker(registry *Registry, logger zerolog.Logger, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		registry: registry,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke resolves call.Name and executes the tool under ctx. When the tool
// does not exist, no start/end observations fire; a NOT_FOUND result is
// returned and the caller decides what to do with it.
func (inv *Invoker) Invoke(ctx context.Context, call Call, span tracing.Span) Result {
	start := time.Now()
	ctx, otelSpan := tracing.StartSpan(ctx, "agentcore/toolset", "tool.execute",
		attribute.String("tool", call.Name))
	defer otelSpan.End()

	logger := tracing.LoggerFromContext(ctx, inv.logger).With().Str("tool", call.Name).Logger()

	def := inv.registry.Get(call.Name)
	if def == nil {
		logger.Warn().Msg("Requested tool is not registered")
		return Result{
			Name:    call.Name,
			ID:      call.ID,
			Content: fmt.Sprintf("Error: tool not found: %s", call.Name),
			Kind:    FailureNotFound,
			Envelope: &Response{
				Success: false,
				Error:   fmt.Sprintf("tool not found: %s", call.Name),
			},
		}
	}

	if inv.observer != nil {
		inv.observer.ToolStart(span, call)
	}

	result := inv.execute(ctx, def, call, logger)

	duration := time.Since(start)
	observability.RecordToolExecution(call.Name, duration, !result.Failed())

	if result.Failed() {
		logger.Warn().
			Dur("duration", duration).
			Str("kind", string(result.Kind)).
			Msg("Tool execution failed")
	} else {
		logger.Debug().Dur("duration", duration).Msg("Tool execution completed")
	}

	if inv.observer != nil {
		inv.observer.ToolEnd(span, call, result)
	}

	return result
}

func (inv *Invoker) execute(ctx context.Context, def *Definition, call Call, logger zerolog.Logger) Result {
	if err := inv.registry.ValidateArgs(call.Name, call.Args); err != nil {
		return failureResult(call, FailureValidation, fmt.Sprintf("invalid arguments: %v", err))
	}

	execCtx := ctx
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	execCtx = WithExecInfo(execCtx, &ExecInfo{
		SessionKey: tracing.GetSessionKey(ctx),
		CallID:     call.ID,
		Metadata:   inv.sink,
	})

	out, err := runHandler(execCtx, def.Handler, call.Args)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return failureResult(call, FailureTimeout, "tool execution timed out")
		case errors.Is(err, context.Canceled):
			return failureResult(call, FailureCanceled, "tool execution canceled")
		default:
			return failureResult(call, FailureUnknown, err.Error())
		}
	}

	return normalize(call, out)
}

// runHandler executes the handler with panic recovery, honoring ctx as the
// abort signal.
func runHandler(ctx context.Context, handler Handler, args map[string]interface{}) (interface{}, error) {
	type outcome struct {
		out interface{}
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := handler(ctx, args)
		ch <- outcome{out: out, err: err}
	}()

	select {
	case o := <-ch:
		return o.out, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// normalize folds the heterogeneous tool return shapes into a single
// Result. A plain string passes through verbatim as Content, with a
// synthetic success envelope for observers. A legacy *Response keeps its
// output or error text. Anything else is JSON-encoded so no information is
// lost at the boundary.
func normalize(call Call, out interface{}) Result {
	switch v := out.(type) {
	case string:
		return Result{
			Name:     call.Name,
			ID:       call.ID,
			Content:  v,
			Envelope: &Response{Success: true, Output: v},
		}
	case *Response:
		return normalizeResponse(call, v)
	case Response:
		return normalizeResponse(call, &v)
	case nil:
		return Result{
			Name:     call.Name,
			ID:       call.ID,
			Content:  "",
			Envelope: &Response{Success: true},
		}
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return failureResult(call, FailureUnknown, fmt.Sprintf("unencodable tool result: %v", err))
		}
		return Result{
			Name:     call.Name,
			ID:       call.ID,
			Content:  string(encoded),
			Envelope: &Response{Success: true, Output: string(encoded)},
		}
	}
}

func normalizeResponse(call Call, resp *Response) Result {
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		return Result{
			Name:     call.Name,
			ID:       call.ID,
			Content:  fmt.Sprintf("Error: %s", msg),
			Kind:     FailureUnknown,
			Envelope: resp,
		}
	}
	return Result{
		Name:     call.Name,
		ID:       call.ID,
		Content:  resp.Output,
		Envelope: resp,
	}
}

func failureResult(call Call, kind FailureKind, msg string) Result {
	return Result{
		Name:     call.Name,
		ID:       call.ID,
		Content:  fmt.Sprintf("Error: %s", msg),
		Kind:     kind,
		Envelope: &Response{Success: false, Error: msg},
	}
}
