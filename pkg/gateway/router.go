package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Router dispatches JSON-RPC requests to registered method handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]RequestHandler
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]RequestHandler)}
}

// Register adds a method handler. Registering an existing method replaces
// the previous handler.
func (r *Router) Register(method string, handler RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// Methods returns the registered method names.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		methods = append(methods, name)
	}
	return methods
}

// Parse decodes and validates a JSON-RPC request.
func (r *Router) Parse(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if req.JSONRPC != "2.0" {
		return nil, &RPCError{Code: InvalidRequest, Message: "jsonrpc must be 2.0"}
	}
	if req.Method == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "method is required"}
	}
	return &req, nil
}

// Dispatch routes a request to its handler and wraps the outcome in a
// response.
func (r *Router) Dispatch(req *RPCRequest) RPCResponse {
	r.mu.RLock()
	handler, ok := r.handlers[req.Method]
	r.mu.RUnlock()

	if !ok {
		return RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)},
		}
	}

	result, err := handler(req.Params)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		return RPCResponse{ID: req.ID, JSONRPC: "2.0", Error: rpcErr}
	}

	return RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
}
