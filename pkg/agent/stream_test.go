package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamRelay(t *testing.T) {
	t.Run("should accumulate deltas and report each chunk", func(t *testing.T) {
		stream := newFakeStream([]*StreamChunk{
			{Delta: "a"},
			{Delta: "b"},
			{Delta: "c"},
		}, nil)

		var chunks []string
		relay := &StreamRelay{
			OnChunk: func(delta string) { chunks = append(chunks, delta) },
		}

		text, usage, err := relay.Relay(context.Background(), stream)

		require.NoError(t, err)
		assert.Equal(t, "abc", text)
		assert.Nil(t, usage)
		assert.Equal(t, []string{"a", "b", "c"}, chunks)
		assert.True(t, stream.closed)
	})

	t.Run("should skip empty deltas", func(t *testing.T) {
		stream := newFakeStream([]*StreamChunk{
			{Delta: "a"},
			{Delta: ""},
			{Delta: "b"},
		}, nil)

		var chunks []string
		relay := &StreamRelay{OnChunk: func(delta string) { chunks = append(chunks, delta) }}

		text, _, err := relay.Relay(context.Background(), stream)

		require.NoError(t, err)
		assert.Equal(t, "ab", text)
		assert.Equal(t, []string{"a", "b"}, chunks)
	})

	t.Run("should call OnEnd exactly once on clean completion", func(t *testing.T) {
		stream := newFakeStream([]*StreamChunk{{Delta: "x"}}, nil)

		ends := 0
		relay := &StreamRelay{OnEnd: func(usage *TokenUsage) { ends++ }}

		_, _, err := relay.Relay(context.Background(), stream)

		require.NoError(t, err)
		assert.Equal(t, 1, ends)
	})

	t.Run("should call OnEnd exactly once and re-surface the error on failure", func(t *testing.T) {
		streamErr := fmt.Errorf("connection reset by peer")
		stream := newFakeStream([]*StreamChunk{{Delta: "partial"}}, streamErr)

		ends := 0
		relay := &StreamRelay{OnEnd: func(usage *TokenUsage) { ends++ }}

		text, _, err := relay.Relay(context.Background(), stream)

		assert.Equal(t, streamErr, err)
		assert.Equal(t, 1, ends)
		assert.Equal(t, "partial", text)
		assert.True(t, stream.closed)
	})

	t.Run("should call OnEnd exactly once on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		stream := newFakeStream([]*StreamChunk{{Delta: "never"}}, nil)

		ends := 0
		relay := &StreamRelay{OnEnd: func(usage *TokenUsage) { ends++ }}

		_, _, err := relay.Relay(ctx, stream)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, ends)
	})

	t.Run("should let later usage snapshots supersede earlier ones", func(t *testing.T) {
		stream := newFakeStream([]*StreamChunk{
			{Delta: "a", Usage: &TokenUsage{TotalTokens: 3}},
			{Delta: "b", Usage: &TokenUsage{TotalTokens: 9}},
		}, nil)

		var final *TokenUsage
		relay := &StreamRelay{OnEnd: func(usage *TokenUsage) { final = usage }}

		_, usage, err := relay.Relay(context.Background(), stream)

		require.NoError(t, err)
		require.NotNil(t, usage)
		assert.Equal(t, 9, usage.TotalTokens)
		assert.Equal(t, usage, final)
	})

	t.Run("should hand nil usage to OnEnd when no snapshot arrived", func(t *testing.T) {
		stream := newFakeStream([]*StreamChunk{{Delta: "x"}}, nil)

		called := false
		relay := &StreamRelay{OnEnd: func(usage *TokenUsage) {
			called = true
			assert.Nil(t, usage)
		}}

		_, _, err := relay.Relay(context.Background(), stream)

		require.NoError(t, err)
		assert.True(t, called)
	})
}
