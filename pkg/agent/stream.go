package agent

import (
	"context"
	"errors"
	"io"
	"strings"
)

// StreamRelay drains a provider chunk stream, invoking OnChunk per
// non-empty textual delta and OnEnd exactly once when the stream is
// exhausted or fails. OnEnd sits in a finally position: consumers can
// never observe a stream that stops without a terminal signal. The
// original error is returned after OnEnd so callers can distinguish clean
// completion from failure.
type StreamRelay struct {
	OnChunk func(delta string)
	OnEnd   func(usage *TokenUsage)
}

// Relay consumes the stream until exhaustion, error, or ctx cancellation.
// It returns the accumulated text, the last usage snapshot seen (later
// chunks supersede earlier ones), and the original stream error, if any.
func (r *StreamRelay) Relay(ctx context.Context, stream ChunkStream) (text string, usage *TokenUsage, err error) {
	var sb strings.Builder

	defer func() {
		stream.Close()
		if r.OnEnd != nil {
			r.OnEnd(usage)
		}
		text = sb.String()
	}()

	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			return
		default:
		}

		chunk, recvErr := stream.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				return
			}
			err = recvErr
			return
		}
		if chunk == nil {
			continue
		}

		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Delta != "" {
			sb.WriteString(chunk.Delta)
			if r.OnChunk != nil {
				r.OnChunk(chunk.Delta)
			}
		}
	}
}
