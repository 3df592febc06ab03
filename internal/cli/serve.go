package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/voskan/agentcore/internal/observability"
	"github.com/voskan/agentcore/internal/tracing"
	"github.com/voskan/agentcore/pkg/gateway"
)

var (
	servePort   int
	serveSecret string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve agent runs over the WebSocket gateway",
	Long: `Serve starts the WebSocket gateway. Clients authenticate with an HMAC
challenge-response handshake against the shared secret, then invoke
agent.run, agent.stream and agent.abort over JSON-RPC.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "gateway port (overrides config)")
	serveCmd.Flags().StringVar(&serveSecret, "secret", "", "shared secret (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	port := rt.cfg.Gateway.Port
	if servePort > 0 {
		port = servePort
	}
	secret := rt.cfg.Gateway.SharedSecret
	if serveSecret != "" {
		secret = serveSecret
	}
	if secret == "" {
		return fmt.Errorf("gateway shared secret is required (config gateway.shared_secret or --secret)")
	}

	if err := tracing.InitOpenTelemetry("agentcore"); err != nil {
		rt.logger.Warn().Err(err).Msg("Failed to init OpenTelemetry, continuing without tracing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}()

	server, err := gateway.NewServer(gateway.Config{
		Port:         port,
		SharedSecret: secret,
		Loop:         rt.loop,
		Tools:        rt.tools,
		Logger:       rt.logger,
	})
	if err != nil {
		return err
	}

	if err := server.Start(); err != nil {
		return err
	}

	// Standalone metrics endpoint, separate from the gateway port
	var metricsServer *http.Server
	if rt.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		metricsServer = &http.Server{Addr: rt.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				rt.logger.Error().Err(err).Msg("Metrics server error")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	rt.logger.Info().Msg("Signal received, shutting down")
	rt.loop.AbortAll()

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(ctx)
		cancel()
	}

	return server.Stop()
}
