// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

// Fleetlink-gateway is the fleet control plane. It listens for node
// connections, issues pairing codes, and exposes the connected fleet
// to dispatch. Nodes pair with a 6-digit code issued here and handed
// to them out of band.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/zeroclaw-labs/fleetlink/gateway"
	"github.com/zeroclaw-labs/fleetlink/lib/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		issueCode  bool
		logLevel   string
	)
	pflag.StringVar(&configPath, "config", "", "path to the fleetlink config file (or FLEETLINK_CONFIG)")
	pflag.StringVar(&listen, "listen", "", "listen address, host:port (overrides the config file)")
	pflag.BoolVar(&issueCode, "issue-code", false, "issue a pairing code at startup and print it")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	logger, err := buildLogger(logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	serverConfig := gateway.ServerConfigFrom(cfg.Gateway)
	if listen != "" {
		serverConfig.Listen = listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := gateway.NewServer(serverConfig,
		gateway.WithLogger(logger),
		gateway.WithAuditor(gateway.LogAuditor{Logger: logger.With("component", "audit")}),
	)
	if err := server.Start(ctx); err != nil {
		return err
	}

	if issueCode {
		request, err := server.Issuer().Issue("startup")
		if err != nil {
			return fmt.Errorf("issuing startup pairing code: %w", err)
		}
		fmt.Printf("pairing code: %s (expires %s)\n", request.Code, request.ExpiresAt.Format(time.RFC3339))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*serverConfig.ShutdownGrace)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("FLEETLINK_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

func buildLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})), nil
}
