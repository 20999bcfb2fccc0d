package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/hivemux/internal/log"
	"github.com/zjrosen/hivemux/internal/orchestration"
	"github.com/zjrosen/hivemux/internal/orchestration/mcp"
	"github.com/zjrosen/hivemux/internal/orchestration/tracing"
	"github.com/zjrosen/hivemux/internal/tmux"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	Long: `Run the orchestrator as a daemon exposing the MCP tool surface over
HTTP. Spawned assistant instances connect back to it, Claude-style over
HTTP and Codex-style through the stdio bridge.

Endpoints:
  POST /rpc         JSON-RPC 2.0 tool surface
  GET  /healthz     Liveness and status summary
  GET  /monitor/ws  Live event feed over WebSocket

Example:
  hivemux serve                        # Listen on the configured address
  hivemux serve --addr 0.0.0.0:7600    # Override the listen address`,
	RunE: runServe,
}

var (
	serveAddr         string
	serveNoSupervisor bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoSupervisor, "no-supervisor", false,
		"Disable the autonomous supervision loop")
}

func runServe(_ *cobra.Command, _ []string) error {
	cleanup, err := log.Init(cfg.LogPath)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	log.SetMinLevel(log.ParseLevel(cfg.LogLevel))

	if serveAddr != "" {
		cfg.Server.ListenAddr = serveAddr
	}
	if serveNoSupervisor {
		off := false
		cfg.Supervisor.Enabled = &off
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Spawned Codex-style instances relaunch this binary as their stdio
	// tool endpoint, bridging to the HTTP transport.
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}
	opts := cfg.Options(exe, []string{"stdio", "--url", cfg.Server.ToolURL()})

	orch, err := orchestration.New(opts, tmux.NewCLIAdapter())
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	provider, err := tracing.NewProvider(cfg.Tracing.ToTracing())
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	server := mcp.NewServer("hivemux", version,
		mcp.WithInstructions(mcp.Instructions),
		mcp.WithTracer(provider.Tracer()),
	)
	mcp.RegisterAll(server, orch)

	mux := http.NewServeMux()
	mux.Handle("/rpc", server.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(orch.GetStatus())
	})
	mux.HandleFunc("/monitor/ws", orch.Feed().ServeWS)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	fmt.Printf("hivemux serving on %s\n", cfg.Server.ListenAddr)
	fmt.Println("Press Ctrl+C to stop")

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatRPC, "Error stopping HTTP server", err)
	}
	server.Stop()
	orch.Shutdown(shutdownCtx)
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatRPC, "Error shutting down tracing", err)
	}

	fmt.Println("Stopped")
	return nil
}
