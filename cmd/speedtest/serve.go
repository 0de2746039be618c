package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AbdulRehman2040/speed-test-api/internal/server"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP measurement service",
		Long: `Start the HTTP server. Every GET /network-metrics runs one measurement
and returns the report as JSON. Stored reports are served under /api/reports
when server.db_path is set, and Prometheus metrics under /metrics.

By default, the server listens on the address configured in the config file
(default: 0.0.0.0:8080). Use --listen to override.`,
		Example: `  speedtest serve
  speedtest serve --listen 127.0.0.1:9000
  speedtest serve --db-path /var/lib/speedtest/history.db`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port, default from config)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if globalRunner == nil {
		return fmt.Errorf("measurement runner not initialized")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	log.Info("server starting",
		"listen", listen,
		"version", version,
		"deadline", globalRunner.Deadline(),
		"history", globalStore != nil,
	)

	srv := server.NewServer(globalRunner, globalStore, globalMetrics, globalCfg, logger)

	// Channel to listen for errors from server
	errChan := make(chan error, 1)

	// Start the server in a goroutine
	go func() {
		fmt.Printf("Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Wait for either an error or a shutdown signal
	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
		fmt.Println("\nShutting down server...")

		// In-flight measurements may run up to the deadline.
		ctx, cancel := context.WithTimeout(context.Background(), globalRunner.Deadline()+5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		fmt.Println("Server stopped gracefully")
	}

	return nil
}
