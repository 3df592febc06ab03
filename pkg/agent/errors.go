package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode is the closed set of failure kinds surfaced to callers.
type ErrorCode string

const (
	ErrAuthentication ErrorCode = "AUTHENTICATION_ERROR"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrModelNotFound  ErrorCode = "MODEL_NOT_FOUND"
	ErrContextLength  ErrorCode = "CONTEXT_LENGTH_EXCEEDED"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrNetwork        ErrorCode = "NETWORK_ERROR"
	ErrMaxIterations  ErrorCode = "MAX_ITERATIONS_EXCEEDED"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrValidation     ErrorCode = "VALIDATION_ERROR"
	ErrUnknown        ErrorCode = "UNKNOWN"
)

// AgentError is a classified failure. Provider adapters wrap raw SDK errors
// into this type where they can; Classify falls back to message patterns
// for everything else.
type AgentError struct {
	Code       ErrorCode
	Message    string
	Provider   string
	Model      string
	RetryAfter time.Duration
	Err        error
}

func (e *AgentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// RetryAfterHint exposes an explicit provider backoff hint, when present.
func (e *AgentError) RetryAfterHint() (time.Duration, bool) {
	if e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// NewAgentError creates a classified error wrapping cause.
func NewAgentError(code ErrorCode, message string, cause error) *AgentError {
	return &AgentError{Code: code, Message: message, Err: cause}
}

// Classify maps a heterogeneous failure into an ErrorCode. When the error
// does not carry a structured code, classification is a best-effort pattern
// match over the message text.
func Classify(err error) ErrorCode {
	if err == nil {
		return ErrUnknown
	}

	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Code
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrUnknown
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "invalid api key", "authentication", "invalid x-api-key"):
		return ErrAuthentication
	case containsAny(msg, "429", "rate limit", "too many requests", "quota exceeded"):
		return ErrRateLimited
	case containsAny(msg, "model not found", "no such model", "unknown model", "model_not_found"):
		return ErrModelNotFound
	case containsAny(msg, "context length", "context_length", "maximum context", "prompt is too long", "too many tokens"):
		return ErrContextLength
	case containsAny(msg, "timeout", "timed out", "deadline exceeded", "etimedout"):
		return ErrTimeout
	case containsAny(msg, "econnreset", "econnrefused", "connection reset", "connection refused", "broken pipe", "no such host", "network", "unexpected eof", "500", "502", "503", "504"):
		return ErrNetwork
	default:
		return ErrUnknown
	}
}

// IsRetryable reports whether a failure kind is eligible for retry.
// Authentication and validation failures never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case ErrRateLimited, ErrNetwork, ErrTimeout:
		return true
	default:
		return false
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ErrorMetadata carries provenance for a terminal failure.
type ErrorMetadata struct {
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	OriginalError string `json:"original_error,omitempty"`
}

// ErrorResponse is the structured failure handed to OnError and folded into
// the run's return value. Constructed once at the point of terminal
// failure; never retried.
type ErrorResponse struct {
	Success  bool           `json:"success"`
	Error    ErrorCode      `json:"error"`
	Message  string         `json:"message"`
	Metadata *ErrorMetadata `json:"metadata,omitempty"`
}

// NewErrorResponse builds an ErrorResponse from a terminal failure.
func NewErrorResponse(err error, provider string) *ErrorResponse {
	resp := &ErrorResponse{
		Success: false,
		Error:   Classify(err),
		Message: err.Error(),
		Metadata: &ErrorMetadata{
			Provider: provider,
		},
	}

	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		if agentErr.Provider != "" {
			resp.Metadata.Provider = agentErr.Provider
		}
		resp.Metadata.Model = agentErr.Model
		if agentErr.Err != nil {
			resp.Metadata.OriginalError = agentErr.Err.Error()
		}
	}

	return resp
}

// ErrorText renders the non-throwing "Error: ..." return string for a
// terminal failure.
func (r *ErrorResponse) ErrorText() string {
	return fmt.Sprintf("Error: %s", r.Message)
}
