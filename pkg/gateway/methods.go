package gateway

import (
	"fmt"

	"github.com/voskan/agentcore/pkg/agent"
)

func (s *Server) registerMethods() {
	s.router.Register("agent.run", s.handleAgentRun)
	s.router.Register("agent.abort", s.handleAgentAbort)
	s.router.Register("agent.status", s.handleAgentStatus)
	s.router.Register("tools.list", s.handleToolsList)
	s.router.Register("system.methods", func(params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"methods": append(s.router.Methods(), "agent.stream")}, nil
	})
}

// handleAgentRun executes a blocking run and returns the final answer.
func (s *Server) handleAgentRun(params map[string]interface{}) (interface{}, error) {
	query, err := stringParam(params, "query")
	if err != nil {
		return nil, err
	}
	history := historyParam(params)

	runID, ctx, cancel := s.registerRun()
	defer cancel()
	defer s.unregisterRun(runID)

	answer := s.loop.Run(ctx, query, history)

	return map[string]interface{}{
		"run_id": runID,
		"answer": answer,
	}, nil
}

// handleStream starts a streaming run and pushes chunks to the client as
// events. The RPC response returns immediately with the run ID; chunks
// follow as agent.chunk events and the stream is terminated by exactly one
// agent.end event.
func (s *Server) handleStream(client *Client, req *RPCRequest) {
	query, err := stringParam(req.Params, "query")
	if err != nil {
		s.sendError(client, req.ID, InvalidParams, err.Error())
		return
	}
	history := historyParam(req.Params)

	runID, ctx, cancel := s.registerRun()

	if err := client.writeJSON(RPCResponse{
		ID:      req.ID,
		JSONRPC: "2.0",
		Result:  map[string]interface{}{"run_id": runID},
	}); err != nil {
		cancel()
		s.unregisterRun(runID)
		return
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		defer cancel()
		defer s.unregisterRun(runID)

		for chunk := range s.loop.RunStream(ctx, query, history) {
			s.sendEvent(client, "agent.chunk", runID, map[string]interface{}{"delta": chunk})
		}
		s.sendEvent(client, "agent.end", runID, nil)
	}()
}

// handleAgentAbort cancels a run started by this gateway.
func (s *Server) handleAgentAbort(params map[string]interface{}) (interface{}, error) {
	runID, err := stringParam(params, "run_id")
	if err != nil {
		return nil, err
	}

	aborted := s.cancelRun(runID)
	s.logger.Info().Str("runId", runID).Bool("aborted", aborted).Msg("Abort requested")

	return map[string]interface{}{"aborted": aborted}, nil
}

func (s *Server) handleAgentStatus(params map[string]interface{}) (interface{}, error) {
	runID, err := stringParam(params, "run_id")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"running": s.runExists(runID)}, nil
}

func (s *Server) handleToolsList(params map[string]interface{}) (interface{}, error) {
	defs := s.tools.List()
	tools := make([]map[string]interface{}, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, map[string]interface{}{
			"name":         def.Name,
			"description":  def.Description,
			"input_schema": def.InputSchema(),
		})
	}
	return map[string]interface{}{"tools": tools}, nil
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s is required", key)}
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s must be a non-empty string", key)}
	}
	return value, nil
}

// historyParam decodes an optional history array of {role, content}
// entries. Malformed entries are skipped; the assembler revalidates roles
// anyway.
func historyParam(params map[string]interface{}) []agent.Message {
	raw, ok := params["history"].([]interface{})
	if !ok {
		return nil
	}

	history := make([]agent.Message, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := entry["role"].(string)
		content, _ := entry["content"].(string)
		toolCallID, _ := entry["tool_call_id"].(string)
		if role == "" {
			continue
		}
		history = append(history, agent.Message{
			Role:       agent.Role(role),
			Content:    content,
			ToolCallID: toolCallID,
		})
	}
	return history
}
