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

	"github.com/BadgerOps/repoexport/internal/server"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Publish export directories over HTTP",
		Long: `Start the HTTP server that publishes export directories and manifests under
/exports/<id>/<file> and accepts export requests on /api/exports.

Files of expired exports answer 410 Gone. By default the server listens on the
address configured in the config file (default: 127.0.0.1:8080). Use --listen
to override.`,
		Example: `  repoexport serve
  repoexport serve --listen 0.0.0.0:9000`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalExporter == nil {
		return fmt.Errorf("exporter not initialized")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	defaults, err := defaultRequest(globalCfg)
	if err != nil {
		return err
	}

	log.Info("server starting", "listen", listen, "root_dir", globalCfg.Export.RootDir)
	srv := server.NewServer(globalExporter, globalStore, globalCfg, defaults, logger)

	errChan := make(chan error, 1)
	go func() {
		fmt.Printf("Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
		fmt.Println("\nShutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		fmt.Println("Server stopped gracefully")
	}

	return nil
}
