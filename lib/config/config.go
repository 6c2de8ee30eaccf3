// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

// Package config loads fleetlink configuration from a single YAML
// file, specified by the FLEETLINK_CONFIG environment variable or an
// explicit --config flag. There is no automatic discovery and no
// environment-variable override of individual values: one file is the
// whole truth, which keeps a deployment auditable.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration shared by the gateway and node
// binaries. Each binary reads only its own section.
type Config struct {
	// Gateway configures the fleetlink-gateway daemon.
	Gateway GatewayConfig `yaml:"gateway"`

	// Node configures the fleetlink-node agent.
	Node NodeConfig `yaml:"node"`
}

// GatewayConfig configures the gateway daemon. Duration fields are
// strings in time.ParseDuration syntax ("5m", "30s").
type GatewayConfig struct {
	// Listen is the TCP address the gateway accepts node connections
	// on. ":0" selects a random port (used by tests).
	Listen string `yaml:"listen"`

	// PairingTTL is how long an issued pairing code stays valid.
	// Default: 5m.
	PairingTTL string `yaml:"pairing_ttl"`

	// PairingSweepInterval is how often expired unconsumed codes are
	// removed. Default: 30s.
	PairingSweepInterval string `yaml:"pairing_sweep_interval"`

	// DisconnectGrace is how long a disconnected node's registry
	// entry is retained for token reconnection before being purged.
	// Default: 2m.
	DisconnectGrace string `yaml:"disconnect_grace"`

	// HeartbeatInterval is the expected interval between node
	// heartbeats. A session that sees no traffic for three intervals
	// is closed. Default: 15s.
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	// HandshakeTimeout bounds how long a fresh connection may take to
	// present a pairing code or session token. Default: 10s.
	HandshakeTimeout string `yaml:"handshake_timeout"`

	// MaxConnections caps concurrently connected nodes. Connections
	// beyond the cap are refused during handshake. Zero means no cap.
	MaxConnections int `yaml:"max_connections"`

	// ShutdownGrace bounds how long Shutdown waits for in-flight
	// commands to drain before force-closing sessions. Default: 5s.
	ShutdownGrace string `yaml:"shutdown_grace"`
}

// NodeConfig configures the node agent.
type NodeConfig struct {
	// Gateway is the gateway's TCP address (host:port).
	Gateway string `yaml:"gateway"`

	// Name is the human-readable node name reported at pairing.
	// Default: the hostname.
	Name string `yaml:"name"`

	// Tags are capability tags reported at pairing (e.g. "gpu",
	// "linux-amd64").
	Tags []string `yaml:"tags"`

	// HeartbeatInterval is how often the agent emits heartbeats.
	// Must match the gateway's expectation. Default: 15s.
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	// ReconnectMaxAttempts bounds reconnection attempts after a
	// dropped connection. Zero means retry forever.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`

	// DialTimeout bounds a single connection attempt. Default: 5s.
	DialTimeout string `yaml:"dial_timeout"`
}

// Default returns the configuration defaults. The config file merges
// on top of these, so absent fields keep working values.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Listen:               ":7601",
			PairingTTL:           "5m",
			PairingSweepInterval: "30s",
			DisconnectGrace:      "2m",
			HeartbeatInterval:    "15s",
			HandshakeTimeout:     "10s",
			MaxConnections:       0,
			ShutdownGrace:        "5s",
		},
		Node: NodeConfig{
			HeartbeatInterval: "15s",
			DialTimeout:       "5s",
		},
	}
}

// Load loads configuration from the FLEETLINK_CONFIG environment
// variable. Fails if the variable is unset — there is no fallback.
func Load() (*Config, error) {
	path := os.Getenv("FLEETLINK_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("FLEETLINK_CONFIG environment variable not set; " +
			"set it to the path of your fleetlink.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from an explicit path, merging the file
// over Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors. All problems are
// reported at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Gateway.Listen == "" {
		errs = append(errs, fmt.Errorf("gateway.listen is required"))
	}
	durations := []struct {
		name, value string
	}{
		{"gateway.pairing_ttl", c.Gateway.PairingTTL},
		{"gateway.pairing_sweep_interval", c.Gateway.PairingSweepInterval},
		{"gateway.disconnect_grace", c.Gateway.DisconnectGrace},
		{"gateway.heartbeat_interval", c.Gateway.HeartbeatInterval},
		{"gateway.handshake_timeout", c.Gateway.HandshakeTimeout},
		{"gateway.shutdown_grace", c.Gateway.ShutdownGrace},
		{"node.heartbeat_interval", c.Node.HeartbeatInterval},
		{"node.dial_timeout", c.Node.DialTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", d.name, d.value))
		}
	}
	if c.Gateway.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("gateway.max_connections must not be negative"))
	}
	if c.Node.ReconnectMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("node.reconnect_max_attempts must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration parses a duration config field, falling back to a default
// when the field is empty. Call only after Validate.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
