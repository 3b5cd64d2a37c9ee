// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command edge starts the storefront edge service: a local caching proxy
// and realtime subscription bridge for the hosted storefront backend.
//
// # Environment Variables
//
//   - EDGE_PORT: HTTP server port (default: 12310)
//   - EDGE_BACKEND_URL: BaaS REST root (required)
//   - EDGE_BACKEND_KEY: API key for REST and realtime traffic
//   - EDGE_REALTIME_URL: change-feed websocket endpoint (optional)
//   - EDGE_CACHE_PATH: Badger directory for the persistent cache
//   - EDGE_POLICY_FILE: YAML cache policy overrides, hot-reloaded
//   - EDGE_UPLOAD_BUCKET: object-storage bucket for uploads (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: localhost:4317)
//
// # Usage
//
//	go build -o edge ./cmd/edge
//	./edge serve --config edge.yaml
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/storefront-edge/pkg/logging"
	"github.com/AleutianAI/storefront-edge/services/edge"
	"github.com/AleutianAI/storefront-edge/services/edge/config"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags.
var version = "dev"

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "edge",
		Short: "Local caching and realtime edge for the storefront",
		Long: `edge runs a local companion service for storefront pages: a tiered
caching proxy over the hosted backend, a multiplexed realtime change-feed
bridge with polling fallback, and a resilient file upload helper.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the edge HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.DeployVersion == "" {
				cfg.DeployVersion = version
			}

			svc, err := edge.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()
			return svc.Run(ctx)
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the edge version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("edge %s\n", version)
		},
	}
)

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd, versionCmd)

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		setupLogging()
	}
}

// setupLogging picks a format for the output device: human-readable text
// on a terminal, JSON when piped or containerized. EDGE_LOG_DIR enables
// file logging alongside stderr.
func setupLogging() {
	tty := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		LogDir:  os.Getenv("EDGE_LOG_DIR"),
		Service: "edge",
		JSON:    !tty,
	})
	slog.SetDefault(logger.Slog())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
