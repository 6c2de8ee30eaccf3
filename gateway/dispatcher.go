// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeroclaw-labs/fleetlink/lib/clock"
	"github.com/zeroclaw-labs/fleetlink/wire"
)

// DefaultCommandTimeout bounds a command when the caller passes zero.
const DefaultCommandTimeout = 60 * time.Second

// Command is the caller-facing payload of a dispatch. The dispatcher
// assigns the command ID.
type Command struct {
	Kind string
	Exec *wire.ExecRequest
}

// Dispatcher routes commands to node sessions. It never queues: a
// command for a node without an active session fails immediately with
// NodeNotConnected, and that check does not consume any of the
// command's timeout.
type Dispatcher struct {
	clock    clock.Clock
	logger   *slog.Logger
	registry *Registry
	audit    Auditor
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(clk clock.Clock, logger *slog.Logger, registry *Registry, audit Auditor) *Dispatcher {
	if audit == nil {
		audit = NopAuditor{}
	}
	return &Dispatcher{
		clock:    clk,
		logger:   logger,
		registry: registry,
		audit:    audit,
	}
}

// Send dispatches one command and blocks until it resolves: node
// response, timeout, context cancellation, or connection loss. The
// returned response's Status and Failure say which. An error is only
// returned when the command never left the gateway.
func (d *Dispatcher) Send(ctx context.Context, nodeID string, command Command, timeout time.Duration) (NodeResponse, error) {
	session, err := d.registry.dispatchTarget(nodeID)
	if err != nil {
		return NodeResponse{}, err
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	body := wire.CommandBody{
		CommandID: uuid.NewString(),
		Kind:      command.Kind,
		Exec:      command.Exec,
	}
	d.logger.Debug("dispatching command",
		"node_id", nodeID, "command_id", body.CommandID, "kind", body.Kind)
	reportAudit(d.logger, "command_dispatched",
		d.audit.CommandDispatched(nodeID, body.CommandID, body.Kind))

	return session.send(ctx, body, timeout)
}

// Broadcast fans a command out to every connected node concurrently
// and returns one response per node, keyed by node ID. Nodes whose
// session drops mid-flight resolve as ConnectionLost in the map rather
// than failing the broadcast. Total latency is bounded by the slowest
// node's timeout, not the sum.
func (d *Dispatcher) Broadcast(ctx context.Context, command Command, timeout time.Duration) map[string]NodeResponse {
	sessions := d.registry.connectedSessions()
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]NodeResponse, len(sessions))
	)
	for nodeID, session := range sessions {
		wg.Add(1)
		go func(nodeID string, session *NodeSession) {
			defer wg.Done()
			body := wire.CommandBody{
				CommandID: uuid.NewString(),
				Kind:      command.Kind,
				Exec:      command.Exec,
			}
			reportAudit(d.logger, "command_dispatched",
				d.audit.CommandDispatched(nodeID, body.CommandID, body.Kind))
			response, err := session.send(ctx, body, timeout)
			if err != nil {
				// The session closed between the snapshot and the send.
				response = failureResponse(nodeID, body.CommandID, ConnectionLost,
					"session closed before dispatch", d.clock.Now())
			}
			mu.Lock()
			results[nodeID] = response
			mu.Unlock()
		}(nodeID, session)
	}
	wg.Wait()
	return results
}

// Cancel resolves an in-flight command as Cancelled, searching every
// connected session for it. Best-effort: returns false when no session
// knows the ID, because it already resolved or never existed.
func (d *Dispatcher) Cancel(commandID string) bool {
	for _, session := range d.registry.connectedSessions() {
		if session.Cancel(commandID) {
			return true
		}
	}
	return false
}

// Exec runs a shell command on the node. The same timeout bounds both
// the gateway-side wait and the node-side execution.
func (d *Dispatcher) Exec(ctx context.Context, nodeID string, shellCommand string, timeout time.Duration) (NodeResponse, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return d.Send(ctx, nodeID, Command{
		Kind: wire.CommandKindExec,
		Exec: &wire.ExecRequest{
			Command:     shellCommand,
			TimeoutSecs: uint32(timeout / time.Second),
		},
	}, timeout)
}

// Status asks the node for its resource report.
func (d *Dispatcher) Status(ctx context.Context, nodeID string, timeout time.Duration) (NodeResponse, error) {
	return d.Send(ctx, nodeID, Command{Kind: wire.CommandKindStatus}, timeout)
}

// Ping checks node round-trip liveness.
func (d *Dispatcher) Ping(ctx context.Context, nodeID string, timeout time.Duration) (NodeResponse, error) {
	return d.Send(ctx, nodeID, Command{Kind: wire.CommandKindPing}, timeout)
}
