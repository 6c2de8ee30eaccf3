// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/zeroclaw-labs/fleetlink/lib/clock"
	"github.com/zeroclaw-labs/fleetlink/lib/config"
	"github.com/zeroclaw-labs/fleetlink/lib/retry"
	"github.com/zeroclaw-labs/fleetlink/transport"
	"github.com/zeroclaw-labs/fleetlink/wire"
)

// ServerConfig carries the resolved gateway settings.
type ServerConfig struct {
	Listen               string
	PairingTTL           time.Duration
	PairingSweepInterval time.Duration
	DisconnectGrace      time.Duration
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	ShutdownGrace        time.Duration

	// MaxConnections caps concurrent node sessions. Zero means
	// unlimited.
	MaxConnections int
}

// DefaultServerConfig mirrors the defaults of the config file.
func DefaultServerConfig() ServerConfig {
	return ServerConfigFrom(config.Default().Gateway)
}

// ServerConfigFrom resolves a parsed gateway config section. Call
// Validate on the file config first; unparseable durations fall back
// to defaults here.
func ServerConfigFrom(section config.GatewayConfig) ServerConfig {
	defaults := config.Default().Gateway
	return ServerConfig{
		Listen:               section.Listen,
		PairingTTL:           config.Duration(section.PairingTTL, config.Duration(defaults.PairingTTL, 5*time.Minute)),
		PairingSweepInterval: config.Duration(section.PairingSweepInterval, config.Duration(defaults.PairingSweepInterval, 30*time.Second)),
		DisconnectGrace:      config.Duration(section.DisconnectGrace, config.Duration(defaults.DisconnectGrace, 2*time.Minute)),
		HeartbeatInterval:    config.Duration(section.HeartbeatInterval, config.Duration(defaults.HeartbeatInterval, 15*time.Second)),
		HandshakeTimeout:     config.Duration(section.HandshakeTimeout, config.Duration(defaults.HandshakeTimeout, 10*time.Second)),
		ShutdownGrace:        config.Duration(section.ShutdownGrace, config.Duration(defaults.ShutdownGrace, 5*time.Second)),
		MaxConnections:       section.MaxConnections,
	}
}

// ServerOption customizes server construction.
type ServerOption func(*Server)

// WithClock substitutes the clock, for tests.
func WithClock(clk clock.Clock) ServerOption {
	return func(s *Server) { s.clock = clk }
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithAuditor sets the audit sink.
func WithAuditor(audit Auditor) ServerOption {
	return func(s *Server) { s.audit = audit }
}

// WithListener substitutes the transport listener. When set, the
// Listen address in the config is ignored.
func WithListener(listener transport.Listener) ServerOption {
	return func(s *Server) { s.listener = listener }
}

// Server is the gateway: it accepts node connections, performs the
// pairing handshake, and exposes the issuer, registry, and dispatcher
// that operate on the connected fleet.
type Server struct {
	config   ServerConfig
	clock    clock.Clock
	logger   *slog.Logger
	audit    Auditor
	listener transport.Listener

	issuer     *Issuer
	registry   *Registry
	dispatcher *Dispatcher

	connections atomic.Int32
	started     atomic.Bool
	cancel      context.CancelFunc
}

// NewServer wires a gateway from its config. Dependencies default to
// the real clock, slog.Default, a no-op auditor, and a TCP listener on
// the configured address.
func NewServer(cfg ServerConfig, options ...ServerOption) *Server {
	s := &Server{
		config: cfg,
		clock:  clock.Real(),
		logger: slog.Default(),
		audit:  NopAuditor{},
	}
	for _, option := range options {
		option(s)
	}
	s.registry = NewRegistry(s.clock, s.logger, s.audit, cfg.DisconnectGrace)
	s.issuer = NewIssuer(s.clock, s.logger, s.registry, cfg.PairingTTL, cfg.HeartbeatInterval)
	s.dispatcher = NewDispatcher(s.clock, s.logger, s.registry, s.audit)
	return s
}

// Issuer returns the pairing code issuer.
func (s *Server) Issuer() *Issuer { return s.issuer }

// Registry returns the node registry.
func (s *Server) Registry() *Registry { return s.registry }

// Dispatcher returns the command dispatcher.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// Start binds the listener and begins accepting node connections.
// It does not block; use Shutdown to stop.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("gateway: server already started")
	}
	if s.listener == nil {
		listener, err := transport.NewTCPListener(s.config.Listen)
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		s.listener = listener
	}

	serveCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.issuer.RunSweep(serveCtx, s.config.PairingSweepInterval)
	go func() {
		if err := s.listener.Serve(serveCtx, s.handleConn); err != nil {
			s.logger.Error("accept loop failed", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "address", s.listener.Address())
	return nil
}

// Address returns the listener's bound address.
func (s *Server) Address() string {
	if s.listener == nil {
		return s.config.Listen
	}
	return s.listener.Address()
}

// ConnectionCount reports the number of live node sessions.
func (s *Server) ConnectionCount() int {
	return int(s.connections.Load())
}

// WaitConnected blocks until the node has an active session, polling
// on the standard retry schedule. Returns the context's error if it
// expires first.
func (s *Server) WaitConnected(ctx context.Context, nodeID string) error {
	return retry.Wait(ctx, s.clock, retry.DefaultPolicy(), func(context.Context) (bool, error) {
		return s.registry.IsConnected(nodeID), nil
	})
}

// handleConn performs the pairing handshake on a fresh connection. A
// connection that does not complete the handshake within the deadline
// is cut.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	handshakeTimer := s.clock.AfterFunc(s.config.HandshakeTimeout, func() {
		conn.Close()
	})

	frame, err := wire.ReadFrame(conn)
	if err != nil {
		handshakeTimer.Stop()
		s.logger.Debug("handshake read failed", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	if frame.Type != wire.FramePair {
		handshakeTimer.Stop()
		s.logger.Warn("handshake opened with wrong frame", "remote", conn.RemoteAddr(), "frame_type", frame.Type)
		conn.Close()
		return
	}
	var body wire.PairBody
	if err := wire.DecodeBody(frame, &body); err != nil {
		handshakeTimer.Stop()
		s.logger.Warn("undecodable pair frame", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	if s.config.MaxConnections > 0 && int(s.connections.Load()) >= s.config.MaxConnections {
		handshakeTimer.Stop()
		s.reject(conn, "gateway at connection capacity")
		return
	}

	identity := NodeIdentity{
		Name:     body.NodeName,
		Hostname: body.Hostname,
		Platform: body.Platform,
		Tags:     body.Tags,
	}

	var (
		info    NodeInfo
		session *NodeSession
		token   string
	)
	switch {
	case body.Code != "":
		info, token, session, err = s.issuer.Consume(body.Code, conn, identity)
	case body.Token != "":
		info, session, err = s.issuer.Resume(body.Token, conn)
	default:
		err = newError(ProtocolViolation, "pair frame carried neither code nor token")
	}
	if err != nil {
		handshakeTimer.Stop()
		s.logger.Info("pairing rejected", "remote", conn.RemoteAddr(), "error", err)
		s.reject(conn, rejectionReason(err))
		return
	}

	response := wire.PairingResponseBody{
		Accepted:     true,
		NodeID:       info.ID,
		SessionToken: token,
	}
	if err := wire.WriteFrame(conn, wire.FramePairingResponse, response); err != nil {
		handshakeTimer.Stop()
		s.logger.Warn("pairing response write failed", "node_id", info.ID, "error", err)
		// A fresh pairing that never confirmed is removed outright;
		// the node never learned its token. A resume rolls back to
		// Disconnected so the grace period keeps running.
		if token != "" {
			s.registry.remove(info.ID)
		} else {
			session.close("pairing response write failed")
		}
		conn.Close()
		return
	}
	handshakeTimer.Stop()

	s.registry.activate(info.ID)
	session.start()
	s.connections.Add(1)
	go func() {
		<-session.Done()
		s.connections.Add(-1)
	}()

	s.logger.Info("node connected",
		"node_id", info.ID, "name", info.Name, "remote", conn.RemoteAddr(), "resumed", token == "")
	if token != "" {
		reportAudit(s.logger, "pairing_succeeded", s.audit.PairingSucceeded(info))
	}
}

// reject answers a failed handshake and closes the connection. The
// node must not retry the same code or token.
func (s *Server) reject(conn net.Conn, reason string) {
	response := wire.PairingResponseBody{Accepted: false, Reason: reason}
	if err := wire.WriteFrame(conn, wire.FramePairingResponse, response); err != nil {
		s.logger.Debug("rejection write failed", "remote", conn.RemoteAddr(), "error", err)
	}
	conn.Close()
}

// rejectionReason maps an internal error to the reason string sent to
// the node.
func rejectionReason(err error) string {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Message
	}
	return "pairing failed"
}

// Shutdown stops accepting connections, drains in-flight commands for
// up to the shutdown grace, then force-closes the remaining sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Warn("listener close failed", "error", err)
		}
	}

	sessions := s.registry.connectedSessions()
	for _, session := range sessions {
		session.beginDrain()
	}

	deadline := s.clock.Now().Add(s.config.ShutdownGrace)
	for s.clock.Now().Before(deadline) && ctx.Err() == nil {
		if !anyPending(sessions) {
			break
		}
		select {
		case <-s.clock.After(50 * time.Millisecond):
		case <-ctx.Done():
		}
	}

	for _, session := range sessions {
		session.close("gateway shutdown")
	}
	s.registry.Close()
	s.logger.Info("gateway stopped")
	return ctx.Err()
}

func anyPending(sessions map[string]*NodeSession) bool {
	for _, session := range sessions {
		if session.PendingCount() > 0 {
			return true
		}
	}
	return false
}
