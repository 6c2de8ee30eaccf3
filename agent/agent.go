// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

// Package agent is the node side of fleetlink. A NodeAgent dials the
// gateway, pairs with an operator-issued code, then serves commands
// and heartbeats until stopped. After an unexpected disconnect it
// reconnects with its session token on the standard backoff schedule;
// if the gateway no longer recognizes the token the agent gives up
// with ErrPairingRequired and the operator must issue a fresh code.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/zeroclaw-labs/fleetlink/lib/clock"
	"github.com/zeroclaw-labs/fleetlink/lib/retry"
	"github.com/zeroclaw-labs/fleetlink/transport"
	"github.com/zeroclaw-labs/fleetlink/wire"
)

// ErrPairingRequired is returned when the gateway rejects the agent's
// session token. The token is gone server-side; only a fresh pairing
// code will reconnect this node.
var ErrPairingRequired = errors.New("agent: session token rejected, fresh pairing required")

// PairingRejectedError is returned when the gateway rejects the
// pairing code itself. Terminal for that code.
type PairingRejectedError struct {
	Reason string
}

func (e *PairingRejectedError) Error() string {
	return fmt.Sprintf("agent: pairing rejected: %s", e.Reason)
}

// Config carries the agent's settings.
type Config struct {
	// Gateway is the address to dial, host:port.
	Gateway string

	// Name identifies this node to operators. Defaults to the
	// hostname.
	Name string

	// Tags are free-form labels carried into the gateway's registry.
	Tags []string

	// HeartbeatInterval paces the liveness signal. Defaults to 15s.
	HeartbeatInterval time.Duration

	// DialTimeout bounds each connection attempt. Defaults to 5s.
	DialTimeout time.Duration

	// ReconnectMaxAttempts bounds one reconnect cycle. Zero means
	// retry until the context ends.
	ReconnectMaxAttempts int

	// ExecTimeout is the node-side default for exec commands that
	// carry no timeout of their own. Defaults to 60s.
	ExecTimeout time.Duration
}

// Option customizes agent construction.
type Option func(*Agent)

// WithClock substitutes the clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(a *Agent) { a.clock = clk }
}

// WithLogger sets the agent's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithDialer substitutes the transport dialer.
func WithDialer(dialer transport.Dialer) Option {
	return func(a *Agent) { a.dialer = dialer }
}

// WithRunner substitutes the exec command runner.
func WithRunner(runner Runner) Option {
	return func(a *Agent) { a.runner = runner }
}

// WithProber substitutes the status prober.
func WithProber(prober StatusProber) Option {
	return func(a *Agent) { a.prober = prober }
}

// Agent is one node's connection to the gateway.
type Agent struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger
	dialer transport.Dialer
	runner Runner
	prober StatusProber

	mu     sync.Mutex
	nodeID string
	token  string
}

// New creates an agent. The zero values of cfg are filled with
// defaults; Gateway is required.
func New(cfg Config, options ...Option) (*Agent, error) {
	if cfg.Gateway == "" {
		return nil, fmt.Errorf("agent: gateway address is required")
	}
	if cfg.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("agent: resolving hostname: %w", err)
		}
		cfg.Name = hostname
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 60 * time.Second
	}

	a := &Agent{
		config: cfg,
		clock:  clock.Real(),
		logger: slog.Default(),
		runner: shellRunner{},
		prober: systemProber{},
	}
	for _, option := range options {
		option(a)
	}
	if a.dialer == nil {
		a.dialer = &transport.TCPDialer{Timeout: cfg.DialTimeout}
	}
	return a, nil
}

// NodeID returns the gateway-assigned node ID, empty before the first
// successful pairing.
func (a *Agent) NodeID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodeID
}

func (a *Agent) identity() wire.PairBody {
	hostname, _ := os.Hostname()
	return wire.PairBody{
		NodeName: a.config.Name,
		Hostname: hostname,
		Platform: runtime.GOOS + "-" + runtime.GOARCH,
		Tags:     a.config.Tags,
	}
}

// Run pairs with the given code and serves the gateway until ctx ends.
// It reconnects with the session token after unexpected disconnects;
// it returns ErrPairingRequired when the token stops being honored,
// a PairingRejectedError when the code is refused, or ctx.Err().
func (a *Agent) Run(ctx context.Context, code string) error {
	conn, err := a.pair(ctx, code)
	if err != nil {
		return err
	}
	a.logger.Info("paired with gateway", "node_id", a.NodeID(), "gateway", a.config.Gateway)

	for {
		err := a.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("gateway connection lost", "error", err)

		conn, err = a.reconnect(ctx)
		if err != nil {
			return err
		}
		a.logger.Info("session resumed", "node_id", a.NodeID())
	}
}

// pair dials and presents the operator code.
func (a *Agent) pair(ctx context.Context, code string) (net.Conn, error) {
	body := a.identity()
	body.Code = code
	conn, response, err := a.handshake(ctx, body)
	if err != nil {
		return nil, err
	}
	if !response.Accepted {
		conn.Close()
		return nil, &PairingRejectedError{Reason: response.Reason}
	}

	a.mu.Lock()
	a.nodeID = response.NodeID
	a.token = response.SessionToken
	a.mu.Unlock()
	return conn, nil
}

// reconnect re-dials with the stored session token on the standard
// backoff schedule. A token rejection is terminal.
func (a *Agent) reconnect(ctx context.Context) (net.Conn, error) {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()

	var conn net.Conn
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = a.config.ReconnectMaxAttempts
	err := retry.Wait(ctx, a.clock, policy, func(ctx context.Context) (bool, error) {
		body := a.identity()
		body.Token = token
		candidate, response, err := a.handshake(ctx, body)
		if err != nil {
			a.logger.Debug("reconnect attempt failed", "error", err)
			return false, nil
		}
		if !response.Accepted {
			candidate.Close()
			return false, fmt.Errorf("%w (gateway said: %s)", ErrPairingRequired, response.Reason)
		}
		conn = candidate
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// handshake dials the gateway and runs one Pair exchange.
func (a *Agent) handshake(ctx context.Context, body wire.PairBody) (net.Conn, wire.PairingResponseBody, error) {
	conn, err := a.dialer.DialContext(ctx, a.config.Gateway)
	if err != nil {
		return nil, wire.PairingResponseBody{}, fmt.Errorf("agent: dialing gateway: %w", err)
	}
	if err := wire.WriteFrame(conn, wire.FramePair, body); err != nil {
		conn.Close()
		return nil, wire.PairingResponseBody{}, fmt.Errorf("agent: sending pair frame: %w", err)
	}
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, wire.PairingResponseBody{}, fmt.Errorf("agent: reading pairing response: %w", err)
	}
	if frame.Type != wire.FramePairingResponse {
		conn.Close()
		return nil, wire.PairingResponseBody{}, fmt.Errorf("agent: unexpected %s frame during handshake", frame.Type)
	}
	var response wire.PairingResponseBody
	if err := wire.DecodeBody(frame, &response); err != nil {
		conn.Close()
		return nil, wire.PairingResponseBody{}, fmt.Errorf("agent: %w", err)
	}
	return conn, response, nil
}

// serve runs one connection: heartbeats out, commands in, until the
// connection drops, the gateway closes, or ctx ends.
func (a *Agent) serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(frameType wire.FrameType, body any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return wire.WriteFrame(conn, frameType, body)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Heartbeats and context cancellation share a goroutine; a cut
	// context closes the connection to unblock the read loop.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := a.clock.NewTicker(a.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := write(wire.FrameHeartbeat, nil); err != nil {
					return
				}
			case <-serveCtx.Done():
				conn.Close()
				return
			}
		}
	}()
	defer wg.Wait()

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return fmt.Errorf("agent: connection read: %w", err)
		}
		switch frame.Type {
		case wire.FrameCommand:
			var body wire.CommandBody
			if err := wire.DecodeBody(frame, &body); err != nil {
				return fmt.Errorf("agent: %w", err)
			}
			// Commands run concurrently so a long exec does not
			// starve heartbeats or later commands.
			go func() {
				response := a.handleCommand(serveCtx, body)
				if err := write(wire.FrameResponse, response); err != nil {
					a.logger.Debug("response write failed", "command_id", body.CommandID, "error", err)
				}
			}()
		case wire.FrameHeartbeatAck:
			// Liveness confirmed; nothing to do.
		case wire.FrameClose:
			return fmt.Errorf("agent: gateway closed the session")
		default:
			return fmt.Errorf("agent: unexpected %s frame mid-session", frame.Type)
		}
	}
}

// handleCommand executes one command and builds its response.
func (a *Agent) handleCommand(ctx context.Context, body wire.CommandBody) wire.ResponseBody {
	response := wire.ResponseBody{CommandID: body.CommandID, Status: wire.ResponseStatusSuccess}

	switch body.Kind {
	case wire.CommandKindPing:
		// Success with no payload.

	case wire.CommandKindStatus:
		report, err := a.prober.Probe(ctx)
		if err != nil {
			a.logger.Warn("status probe failed", "error", err)
			return failureBody(body.CommandID, "probe_failed", err.Error())
		}
		response.Report = &report

	case wire.CommandKindExec:
		if body.Exec == nil {
			return failureBody(body.CommandID, "bad_request", "exec command without payload")
		}
		timeout := a.config.ExecTimeout
		if body.Exec.TimeoutSecs > 0 {
			timeout = time.Duration(body.Exec.TimeoutSecs) * time.Second
		}
		result, err := a.runner.Run(ctx, body.Exec.Command, timeout)
		if err != nil {
			a.logger.Warn("exec failed to start", "command_id", body.CommandID, "error", err)
			return failureBody(body.CommandID, "exec_failed", err.Error())
		}
		response.Exec = &result

	default:
		return failureBody(body.CommandID, "unknown_command", fmt.Sprintf("unknown command kind %q", body.Kind))
	}
	return response
}

func failureBody(commandID, kind, message string) wire.ResponseBody {
	return wire.ResponseBody{
		CommandID: commandID,
		Status:    wire.ResponseStatusFailure,
		Failure:   &wire.WireFailure{Kind: kind, Message: message},
	}
}
