package tracing

import (
	"github.com/google/uuid"
)

// Span is a lightweight causal identifier pair threaded through run
// callbacks. It carries no resources; copying it is cheap and safe.
type Span struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
}

// NewRootSpan creates the root span for a single agent run.
func NewRootSpan() Span {
	return Span{ID: uuid.New().String()}
}

// Child derives a span for a nested operation (one LLM call, one tool call).
func (s Span) Child() Span {
	return Span{ID: uuid.New().String(), ParentID: s.ID}
}

// IsRoot reports whether the span has no parent.
func (s Span) IsRoot() bool {
	return s.ParentID == ""
}
