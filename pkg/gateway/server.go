// Package gateway exposes agent runs over a WebSocket JSON-RPC interface.
// Clients authenticate with an HMAC challenge-response handshake, then call
// agent.run, agent.stream and agent.abort; streamed output arrives as
// sequenced events on the same connection.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/voskan/agentcore/internal/observability"
	"github.com/voskan/agentcore/pkg/agent"
	"github.com/voskan/agentcore/pkg/toolset"
)

// Config holds server configuration
type Config struct {
	Port         int
	SharedSecret string
	Loop         *agent.Loop
	Tools        *toolset.Registry
	Logger       zerolog.Logger
}

// Server is the gateway server.
type Server struct {
	port   int
	auth   *Authenticator
	router *Router
	loop   *agent.Loop
	tools  *toolset.Registry
	logger zerolog.Logger

	server   *http.Server
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[string]*Client

	// Gateway-side run registry: run IDs handed to clients map to the
	// cancel funcs of the contexts their runs execute under.
	runsMu sync.Mutex
	runs   map[string]context.CancelFunc

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Loop == nil {
		return nil, fmt.Errorf("agent loop is required")
	}
	if cfg.Tools == nil {
		cfg.Tools = toolset.NewRegistry()
	}

	s := &Server{
		port:    cfg.Port,
		auth:    NewAuthenticator(cfg.SharedSecret),
		router:  NewRouter(),
		loop:    cfg.Loop,
		tools:   cfg.Tools,
		logger:  cfg.Logger,
		clients: make(map[string]*Client),
		runs:    make(map[string]context.CancelFunc),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.registerMethods()
	return s, nil
}

// Start begins serving. Non-blocking.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop shuts the server down, aborting in-flight runs.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	s.runsMu.Lock()
	for id, cancel := range s.runs {
		cancel()
		delete(s.runs, id)
	}
	s.runsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.clientsMu.Lock()
	for id, client := range s.clients {
		client.Conn.Close()
		delete(s.clients, id)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		Conn:        conn,
		ConnectedAt: time.Now(),
	}

	s.clientsMu.Lock()
	s.clients[clientID] = client
	s.clientsMu.Unlock()

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	challenge, err := s.auth.Challenge()
	if err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to generate challenge")
		s.dropClient(client)
		return
	}
	client.Challenge = challenge

	if err := client.writeJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge}); err != nil {
		s.dropClient(client)
		return
	}

	go s.readClient(client)
}

func (s *Server) readClient(client *Client) {
	defer s.dropClient(client)

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		result, drop := s.auth.handleAuth(client, authResp.Signature)
		_ = client.writeJSON(result)
		if drop {
			client.Conn.Close()
		}
		return
	}

	if !client.Authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.router.Parse(message)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	// agent.stream pushes events back on this connection, so it bypasses
	// the plain request/response router.
	if req.Method == "agent.stream" {
		s.handleStream(client, req)
		return
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()

		response := s.router.Dispatch(req)
		if err := client.writeJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

func (s *Server) sendError(client *Client, reqID string, code int, message string) {
	_ = client.writeJSON(RPCResponse{
		ID:      reqID,
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
	})
}

func (s *Server) sendEvent(client *Client, event string, runID string, data interface{}) {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	msg := EventMessage{
		Event:     event,
		Seq:       client.nextSeq(),
		RunID:     runID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := client.Conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Str("clientId", client.ID).Msg("Failed to push event")
	}
}

func (s *Server) dropClient(client *Client) {
	client.Conn.Close()

	s.clientsMu.Lock()
	_, present := s.clients[client.ID]
	delete(s.clients, client.ID)
	s.clientsMu.Unlock()

	if present {
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}
}

// registerRun allocates a run ID and a cancellable context for one run.
func (s *Server) registerRun() (string, context.Context, context.CancelFunc) {
	runID, _ := gonanoid.New()
	ctx, cancel := context.WithCancel(context.Background())

	s.runsMu.Lock()
	s.runs[runID] = cancel
	s.runsMu.Unlock()

	return runID, ctx, cancel
}

func (s *Server) unregisterRun(runID string) {
	s.runsMu.Lock()
	delete(s.runs, runID)
	s.runsMu.Unlock()
}

func (s *Server) cancelRun(runID string) bool {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	cancel, ok := s.runs[runID]
	if !ok {
		return false
	}
	cancel()
	delete(s.runs, runID)
	return true
}

func (s *Server) runExists(runID string) bool {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	_, ok := s.runs[runID]
	return ok
}
