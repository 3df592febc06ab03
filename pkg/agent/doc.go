// Package agent runs the tool-calling control loop: assemble messages,
// invoke the model, execute requested tools, feed results back, repeat
// until a final answer or the iteration limit.
//
// Invariants:
// - Tool calls within one model turn execute sequentially, in request order.
// - Model invocation failures are terminal for the run; retries live inside
//   the retry executor, never across loop iterations.
// - Tool execution failures are folded into tool-result messages and never
//   abort the run.
// - Run and RunStream never return an error value; terminal failures are
//   encoded as an "Error: ..." string plus an OnError callback.
//
// Usage:
//
//	loop, _ := agent.New(agent.Config{
//		Provider: provider,
//		Tools:    registry,
//		SystemPrompt: "You are a helpful assistant.",
//	})
//	answer := loop.Run(context.Background(), "hello", nil)
//	_ = answer
package agent
