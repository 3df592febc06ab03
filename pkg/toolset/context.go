package toolset

import (
	"context"
)

// MetadataSink receives intermediate metadata a tool chooses to stream
// during execution. Purely observational; never affects control flow.
type MetadataSink func(data map[string]interface{})

// ExecInfo carries per-call runtime information into tool handlers. The
// abort signal travels as the ctx itself.
type ExecInfo struct {
	SessionKey string
	CallID     string
	Metadata   MetadataSink
}

// Emit streams metadata to the sink, if one is attached.
func (e *ExecInfo) Emit(data map[string]interface{}) {
	if e != nil && e.Metadata != nil {
		e.Metadata(data)
	}
}

type execInfoKey struct{}

// WithExecInfo attaches execution info to a context
func WithExecInfo(ctx context.Context, info *ExecInfo) context.Context {
	return context.WithValue(ctx, execInfoKey{}, info)
}

// ExecInfoFrom retrieves execution info from a context, or nil
func ExecInfoFrom(ctx context.Context) *ExecInfo {
	info, _ := ctx.Value(execInfoKey{}).(*ExecInfo)
	return info
}
