// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeroclaw-labs/fleetlink/lib/clock"
	"github.com/zeroclaw-labs/fleetlink/wire"
)

// SessionState tracks a session through its lifetime.
type SessionState int32

const (
	// SessionHandshaking: the connection exists but the pairing
	// response has not been written yet.
	SessionHandshaking SessionState = iota
	// SessionActive: the session accepts new commands.
	SessionActive
	// SessionDraining: no new commands; in-flight commands may still
	// resolve. Entered during gateway shutdown.
	SessionDraining
	// SessionClosed: the connection is gone and every pending command
	// has been resolved.
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionHandshaking:
		return "handshaking"
	case SessionActive:
		return "active"
	case SessionDraining:
		return "draining"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NodeSession owns one node connection. All writes go through a single
// mutex so frames never interleave; the receive loop is the only
// reader. Commands are correlated to responses through the pending
// map, and every pending command resolves exactly once: response,
// timeout, cancellation, or connection loss, whichever wins.
type NodeSession struct {
	nodeID   string
	conn     net.Conn
	clock    clock.Clock
	logger   *slog.Logger
	registry *Registry

	// heartbeatInterval paces the liveness check. A session with no
	// inbound traffic for three intervals is presumed dead.
	heartbeatInterval time.Duration

	state atomic.Int32

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]*pendingCommand
	dropped     map[string]struct{}
	lastTraffic time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// pendingCommand is one in-flight command slot. The resolved flag
// guarantees single resolution; the result channel is buffered so the
// resolver never blocks on the waiter.
type pendingCommand struct {
	id       string
	resolved atomic.Bool
	result   chan NodeResponse
	timer    *clock.Timer
}

func newNodeSession(nodeID string, conn net.Conn, clk clock.Clock, logger *slog.Logger, registry *Registry, heartbeatInterval time.Duration) *NodeSession {
	return &NodeSession{
		nodeID:            nodeID,
		conn:              conn,
		clock:             clk,
		logger:            logger.With("node_id", nodeID),
		registry:          registry,
		heartbeatInterval: heartbeatInterval,
		pending:           make(map[string]*pendingCommand),
		dropped:           make(map[string]struct{}),
		lastTraffic:       clk.Now(),
		done:              make(chan struct{}),
	}
}

// start moves the session to Active and launches its receive and
// liveness loops. Called once the pairing response has been written.
func (s *NodeSession) start() {
	if !s.state.CompareAndSwap(int32(SessionHandshaking), int32(SessionActive)) {
		return
	}
	s.wg.Add(2)
	go s.receiveLoop()
	go s.livenessLoop()
}

// State returns the session's current lifecycle state.
func (s *NodeSession) State() SessionState {
	return SessionState(s.state.Load())
}

// NodeID returns the ID of the node this session serves.
func (s *NodeSession) NodeID() string {
	return s.nodeID
}

// Done is closed once the session is fully closed and every pending
// command has been resolved.
func (s *NodeSession) Done() <-chan struct{} {
	return s.done
}

// PendingCount reports the number of in-flight commands.
func (s *NodeSession) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// send dispatches one command and blocks until it resolves. The
// timeout is armed after the frame is written, so slow writes do not
// eat into the node's response window. Context cancellation resolves
// the command as Cancelled and marks the ID so a late response from
// the node is dropped silently.
func (s *NodeSession) send(ctx context.Context, body wire.CommandBody, timeout time.Duration) (NodeResponse, error) {
	if s.State() != SessionActive {
		return NodeResponse{}, newError(NodeNotConnected, "node %s session is %s", s.nodeID, s.State())
	}

	slot := &pendingCommand{
		id:     body.CommandID,
		result: make(chan NodeResponse, 1),
	}

	s.mu.Lock()
	if s.State() == SessionClosed {
		s.mu.Unlock()
		return NodeResponse{}, newError(NodeNotConnected, "node %s session is closed", s.nodeID)
	}
	s.pending[body.CommandID] = slot
	s.mu.Unlock()

	if err := s.writeFrame(wire.FrameCommand, body); err != nil {
		// A failed write means the connection is gone. close resolves
		// this slot (and any others) as ConnectionLost.
		s.logger.Warn("command write failed", "command_id", body.CommandID, "error", err)
		s.close("write failed")
	} else if timeout > 0 {
		slot.timer = s.clock.AfterFunc(timeout, func() {
			s.resolve(body.CommandID, failureResponse(
				s.nodeID, body.CommandID, Timeout,
				"node did not respond within the command timeout", s.clock.Now()))
		})
	}

	select {
	case response := <-slot.result:
		return response, nil
	case <-ctx.Done():
		s.Cancel(body.CommandID)
		// Whichever resolution won, the buffered channel holds it.
		return <-slot.result, nil
	}
}

// Cancel resolves an in-flight command as Cancelled. Returns false if
// the command is unknown or already resolved. A response arriving
// later for a cancelled command is discarded without the unmatched
// warning.
func (s *NodeSession) Cancel(commandID string) bool {
	s.mu.Lock()
	slot, ok := s.pending[commandID]
	if ok {
		delete(s.pending, commandID)
		s.dropped[commandID] = struct{}{}
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if !slot.resolved.CompareAndSwap(false, true) {
		return false
	}
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.result <- failureResponse(s.nodeID, commandID, Cancelled,
		"command cancelled before the node responded", s.clock.Now())
	return true
}

// resolve delivers a response to the waiting sender. Returns false if
// the command is unknown or already resolved.
func (s *NodeSession) resolve(commandID string, response NodeResponse) bool {
	s.mu.Lock()
	slot, ok := s.pending[commandID]
	if ok {
		delete(s.pending, commandID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if !slot.resolved.CompareAndSwap(false, true) {
		return false
	}
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.result <- response
	return true
}

func (s *NodeSession) writeFrame(frameType wire.FrameType, body any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteFrame(s.conn, frameType, body)
}

func (s *NodeSession) touch() {
	s.mu.Lock()
	s.lastTraffic = s.clock.Now()
	s.mu.Unlock()
	s.registry.touch(s.nodeID)
}

func (s *NodeSession) receiveLoop() {
	defer s.wg.Done()
	for {
		frame, err := wire.ReadFrame(s.conn)
		if err != nil {
			if s.State() == SessionClosed {
				return
			}
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Info("node closed connection")
				s.close("connection closed by node")
			case errors.Is(err, wire.ErrUnknownFrameType) || errors.Is(err, wire.ErrOversizedFrame):
				s.logger.Error("protocol violation from node", "error", err)
				s.close("protocol violation")
			default:
				s.logger.Warn("read failed", "error", err)
				s.close("read failed")
			}
			return
		}

		s.touch()

		switch frame.Type {
		case wire.FrameResponse:
			var body wire.ResponseBody
			if err := wire.DecodeBody(frame, &body); err != nil {
				s.logger.Error("undecodable response", "error", err)
				s.close("protocol violation")
				return
			}
			s.handleResponse(body)
		case wire.FrameHeartbeat:
			if err := s.writeFrame(wire.FrameHeartbeatAck, nil); err != nil {
				s.logger.Warn("heartbeat ack write failed", "error", err)
				s.close("write failed")
				return
			}
		case wire.FrameClose:
			s.logger.Info("node requested close")
			s.close("close requested by node")
			return
		default:
			s.logger.Error("unexpected frame mid-session", "frame_type", frame.Type)
			s.close("protocol violation")
			return
		}
	}
}

func (s *NodeSession) handleResponse(body wire.ResponseBody) {
	s.mu.Lock()
	if _, cancelled := s.dropped[body.CommandID]; cancelled {
		delete(s.dropped, body.CommandID)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	response := NodeResponse{
		CommandID:   body.CommandID,
		NodeID:      s.nodeID,
		Exec:        body.Exec,
		Report:      body.Report,
		CompletedAt: s.clock.Now(),
	}
	switch body.Status {
	case wire.ResponseStatusSuccess:
		response.Status = StatusSuccess
	default:
		response.Status = StatusFailure
		failure := &Failure{Kind: ProtocolViolation, Message: "node reported failure without detail"}
		if body.Failure != nil {
			failure = &Failure{Kind: ErrorCode(body.Failure.Kind), Message: body.Failure.Message}
		}
		response.Failure = failure
	}

	if !s.resolve(body.CommandID, response) {
		s.logger.Debug("response for unknown command", "command_id", body.CommandID)
	}
}

// livenessLoop closes the session when no traffic has arrived for
// three heartbeat intervals. Nodes heartbeat every interval, so three
// missed beats means the connection is dead even if TCP has not
// noticed yet.
func (s *NodeSession) livenessLoop() {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			idle := s.clock.Now().Sub(s.lastTraffic)
			s.mu.Unlock()
			if idle >= 3*s.heartbeatInterval {
				s.logger.Warn("node unresponsive", "idle", idle)
				s.close("heartbeat timeout")
				return
			}
		case <-s.done:
			return
		}
	}
}

// beginDrain stops the session from accepting new commands while
// letting in-flight ones resolve. A Close frame tells the node this is
// an orderly shutdown.
func (s *NodeSession) beginDrain() {
	if !s.state.CompareAndSwap(int32(SessionActive), int32(SessionDraining)) {
		return
	}
	if err := s.writeFrame(wire.FrameClose, nil); err != nil {
		s.logger.Debug("close frame write failed", "error", err)
	}
}

// close tears the session down: the connection is closed, every
// pending command resolves as ConnectionLost, and the registry is told
// to start the disconnect grace period. Idempotent.
func (s *NodeSession) close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(SessionClosed))
		close(s.done)
		s.conn.Close()

		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[string]*pendingCommand)
		s.mu.Unlock()

		now := s.clock.Now()
		for id, slot := range pending {
			if !slot.resolved.CompareAndSwap(false, true) {
				continue
			}
			if slot.timer != nil {
				slot.timer.Stop()
			}
			slot.result <- failureResponse(s.nodeID, id, ConnectionLost,
				"session closed: "+reason, now)
		}

		s.registry.markDisconnected(s.nodeID, s, reason)
	})
}
