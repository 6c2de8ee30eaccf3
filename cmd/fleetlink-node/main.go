// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

// Fleetlink-node is the worker-side daemon. It pairs with a gateway
// using an operator-issued code, then serves exec, status, and ping
// commands until stopped, reconnecting automatically after transient
// disconnects.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/zeroclaw-labs/fleetlink/agent"
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
		configPath     string
		gatewayAddress string
		code           string
		name           string
		tags           []string
		logLevel       string
	)
	pflag.StringVar(&configPath, "config", "", "path to the fleetlink config file (or FLEETLINK_CONFIG)")
	pflag.StringVar(&gatewayAddress, "gateway", "", "gateway address, host:port (overrides the config file)")
	pflag.StringVar(&code, "code", "", "pairing code issued by the gateway operator (required)")
	pflag.StringVar(&name, "name", "", "node name reported to the gateway (default: hostname)")
	pflag.StringSliceVar(&tags, "tag", nil, "capability tag, repeatable (e.g. --tag gpu --tag linux)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	if code == "" {
		return fmt.Errorf("--code is required; ask the gateway operator for a pairing code")
	}

	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	node := cfg.Node
	if gatewayAddress != "" {
		node.Gateway = gatewayAddress
	}
	if name != "" {
		node.Name = name
	}
	if len(tags) > 0 {
		node.Tags = tags
	}
	if node.Gateway == "" {
		return fmt.Errorf("no gateway address; pass --gateway or set node.gateway in the config file")
	}

	a, err := agent.New(agent.Config{
		Gateway:              node.Gateway,
		Name:                 node.Name,
		Tags:                 node.Tags,
		HeartbeatInterval:    config.Duration(node.HeartbeatInterval, 15*time.Second),
		DialTimeout:          config.Duration(node.DialTimeout, 5*time.Second),
		ReconnectMaxAttempts: node.ReconnectMaxAttempts,
	}, agent.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = a.Run(ctx, code)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("stopped")
		return nil
	case errors.Is(err, agent.ErrPairingRequired):
		return fmt.Errorf("%w; issue a new code on the gateway and restart with --code", err)
	default:
		return err
	}
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
