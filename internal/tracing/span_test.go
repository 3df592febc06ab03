package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpan(t *testing.T) {
	t.Run("should create root span without parent", func(t *testing.T) {
		root := NewRootSpan()

		assert.NotEmpty(t, root.ID)
		assert.Empty(t, root.ParentID)
		assert.True(t, root.IsRoot())
	})

	t.Run("should create child with parent reference", func(t *testing.T) {
		root := NewRootSpan()
		child := root.Child()

		assert.NotEmpty(t, child.ID)
		assert.NotEqual(t, root.ID, child.ID)
		assert.Equal(t, root.ID, child.ParentID)
		assert.False(t, child.IsRoot())
	})

	t.Run("should create unique sibling spans", func(t *testing.T) {
		root := NewRootSpan()
		a := root.Child()
		b := root.Child()

		assert.NotEqual(t, a.ID, b.ID)
		assert.Equal(t, a.ParentID, b.ParentID)
	})
}

func TestNewRunContext(t *testing.T) {
	t.Run("should bind root span ID as run ID", func(t *testing.T) {
		root := NewRootSpan()
		ctx := NewRunContext(context.Background(), root)

		assert.Equal(t, root.ID, GetRunID(ctx))
		assert.NotEmpty(t, GetTraceID(ctx))
	})

	t.Run("should preserve existing trace ID", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-1")
		ctx = NewRunContext(ctx, NewRootSpan())

		assert.Equal(t, "trace-1", GetTraceID(ctx))
	})
}
