// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/zeroclaw-labs/fleetlink/lib/clock"
	"github.com/zeroclaw-labs/fleetlink/lib/testutil"
	"github.com/zeroclaw-labs/fleetlink/wire"
)

const testWait = 2 * time.Second

// testNode is the remote end of a session under test. A background
// goroutine drains inbound frames into a channel; net.Pipe writes are
// synchronous, so without it every gateway-side write would block.
type testNode struct {
	t      *testing.T
	conn   net.Conn
	frames chan wire.Frame
}

func startTestNode(t *testing.T, conn net.Conn) *testNode {
	t.Helper()
	n := &testNode{t: t, conn: conn, frames: make(chan wire.Frame, 16)}
	go func() {
		for {
			frame, err := wire.ReadFrame(conn)
			if err != nil {
				close(n.frames)
				return
			}
			n.frames <- frame
		}
	}()
	return n
}

func (n *testNode) nextFrame() wire.Frame {
	n.t.Helper()
	return testutil.RequireReceive(n.t, n.frames, testWait, "waiting for frame from gateway")
}

func (n *testNode) nextCommand() wire.CommandBody {
	n.t.Helper()
	frame := n.nextFrame()
	if frame.Type != wire.FrameCommand {
		n.t.Fatalf("frame type = %s, want command", frame.Type)
	}
	var body wire.CommandBody
	if err := wire.DecodeBody(frame, &body); err != nil {
		n.t.Fatalf("decoding command: %v", err)
	}
	return body
}

func (n *testNode) write(frameType wire.FrameType, body any) {
	n.t.Helper()
	if err := wire.WriteFrame(n.conn, frameType, body); err != nil {
		n.t.Fatalf("node write: %v", err)
	}
}

// startTestSession builds an Active session over net.Pipe, registered
// and activated so disconnects flow through the registry.
func startTestSession(t *testing.T, clk clock.Clock) (*NodeSession, *testNode, *Registry) {
	t.Helper()
	gatewayEnd, nodeEnd := net.Pipe()
	t.Cleanup(func() {
		gatewayEnd.Close()
		nodeEnd.Close()
	})

	registry := newTestRegistry(clk)
	session := newNodeSession("n1", gatewayEnd, clk, testLogger(), registry, 15*time.Second)
	info := NodeInfo{ID: "n1", Name: "node-n1", PairedAt: clk.Now()}
	if err := registry.register(info, session, hashToken("t1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	registry.activate("n1")
	session.start()
	return session, startTestNode(t, nodeEnd), registry
}

func sendAsync(session *NodeSession, body wire.CommandBody, timeout time.Duration) chan NodeResponse {
	results := make(chan NodeResponse, 1)
	go func() {
		response, err := session.send(context.Background(), body, timeout)
		if err != nil {
			response = NodeResponse{Status: StatusFailure, Failure: &Failure{Kind: NodeNotConnected, Message: err.Error()}}
		}
		results <- response
	}()
	return results
}

func TestSessionExecRoundTrip(t *testing.T) {
	clk := clock.Fake(testEpoch)
	session, node, _ := startTestSession(t, clk)

	results := sendAsync(session, wire.CommandBody{
		CommandID: "c1",
		Kind:      wire.CommandKindExec,
		Exec:      &wire.ExecRequest{Command: "uname -a"},
	}, time.Minute)

	command := node.nextCommand()
	if command.CommandID != "c1" || command.Exec.Command != "uname -a" {
		t.Fatalf("node saw %+v", command)
	}
	node.write(wire.FrameResponse, wire.ResponseBody{
		CommandID: "c1",
		Status:    wire.ResponseStatusSuccess,
		Exec:      &wire.ExecResult{Stdout: "Linux w1", ExitCode: 0},
	})

	response := testutil.RequireReceive(t, results, testWait, "waiting for exec result")
	if response.Status != StatusSuccess || response.Exec == nil || response.Exec.Stdout != "Linux w1" {
		t.Fatalf("response = %+v", response)
	}
	if session.PendingCount() != 0 {
		t.Fatalf("pending = %d after resolution", session.PendingCount())
	}
}

func TestSessionNodeFailureResponse(t *testing.T) {
	clk := clock.Fake(testEpoch)
	session, node, _ := startTestSession(t, clk)

	results := sendAsync(session, wire.CommandBody{CommandID: "c1", Kind: wire.CommandKindStatus}, time.Minute)
	node.nextCommand()
	node.write(wire.FrameResponse, wire.ResponseBody{
		CommandID: "c1",
		Status:    wire.ResponseStatusFailure,
		Failure:   &wire.WireFailure{Kind: "probe_failed", Message: "no /proc"},
	})

	response := testutil.RequireReceive(t, results, testWait, "waiting for failure result")
	if response.Status != StatusFailure || response.Failure == nil || response.Failure.Message != "no /proc" {
		t.Fatalf("response = %+v", response)
	}
}

func TestSessionTimeout(t *testing.T) {
	clk := clock.Fake(testEpoch)
	session, node, _ := startTestSession(t, clk)

	results := sendAsync(session, wire.CommandBody{CommandID: "c1", Kind: wire.CommandKindPing}, 30*time.Second)
	node.nextCommand()

	// Liveness ticker plus the command timer.
	clk.WaitForTimers(2)
	clk.Advance(30 * time.Second)

	response := testutil.RequireReceive(t, results, testWait, "waiting for timeout result")
	if response.Status != StatusFailure || response.Failure.Kind != Timeout {
		t.Fatalf("response = %+v, want timeout failure", response)
	}
	// The timeout resolves the command; the session itself stays up.
	if session.State() != SessionActive {
		t.Fatalf("state = %s after timeout", session.State())
	}
}

func TestSessionCancelDropsLateResponse(t *testing.T) {
	clk := clock.Fake(testEpoch)
	session, node, _ := startTestSession(t, clk)

	results := sendAsync(session, wire.CommandBody{CommandID: "c1", Kind: wire.CommandKindExec,
		Exec: &wire.ExecRequest{Command: "sleep 600"}}, time.Minute)
	node.nextCommand()

	if !session.Cancel("c1") {
		t.Fatal("Cancel returned false for in-flight command")
	}
	response := testutil.RequireReceive(t, results, testWait, "waiting for cancel result")
	if response.Status != StatusFailure || response.Failure.Kind != Cancelled {
		t.Fatalf("response = %+v, want cancelled failure", response)
	}

	// The late response is swallowed and the tombstone cleaned up.
	node.write(wire.FrameResponse, wire.ResponseBody{CommandID: "c1", Status: wire.ResponseStatusSuccess})
	deadline := time.Now().Add(testWait)
	for {
		session.mu.Lock()
		tombstones := len(session.dropped)
		session.mu.Unlock()
		if tombstones == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cancelled command tombstone never cleaned up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if session.State() != SessionActive {
		t.Fatalf("state = %s after late response", session.State())
	}
}

func TestSessionCancelUnknownCommand(t *testing.T) {
	clk := clock.Fake(testEpoch)
	session, _, _ := startTestSession(t, clk)

	if session.Cancel("ghost") {
		t.Fatal("Cancel returned true for unknown command")
	}
}

func TestSessionContextCancellation(t *testing.T) {
	clk := clock.Fake(testEpoch)
	session, node, _ := startTestSession(t, clk)

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan NodeResponse, 1)
	go func() {
		response, _ := session.send(ctx, wire.CommandBody{CommandID: "c1", Kind: wire.CommandKindPing}, time.Minute)
		results <- response
	}()
	node.nextCommand()
	cancel()

	response := testutil.RequireReceive(t, results, testWait, "waiting for context cancel result")
	if response.Status != StatusFailure || response.Failure.Kind != Cancelled {
		t.Fatalf("response = %+v, want cancelled failure", response)
	}
}

func TestSessionConnectionLost(t *testing.T) {
	clk := clock.Fake(testEpoch)
	session, node, registry := startTestSession(t, clk)

	results := sendAsync(session, wire.CommandBody{CommandID: "c1", Kind: wire.CommandKindPing}, time.Minute)
	node.nextCommand()
	node.conn.Close()

	response := testutil.RequireReceive(t, results, testWait, "waiting for connection-lost result")
	if response.Status != StatusFailure || response.Failure.Kind != ConnectionLost {
		t.Fatalf("response = %+v, want connection-lost failure", response)
	}
	testutil.RequireClosed(t, session.Done(), testWait, "session done")

	info, ok := registry.Get("n1")
	if !ok || info.State != StateDisconnected {
		t.Fatalf("registry state = %s, want disconnected", info.State)
	}
}

func TestSessionHeartbeatAck(t *testing.T) {
	clk := clock.Fake(testEpoch)
	_, node, _ := startTestSession(t, clk)

	node.write(wire.FrameHeartbeat, nil)
	ack := node.nextFrame()
	if ack.Type != wire.FrameHeartbeatAck {
		t.Fatalf("frame type = %s, want heartbeat ack", ack.Type)
	}
}

func TestSessionLivenessTimeout(t *testing.T) {
	clk := clock.Fake(testEpoch)
	session, _, registry := startTestSession(t, clk)

	// Three silent heartbeat intervals. The clock moves before the
	// ticker fires, so the first tick already observes the full idle
	// span.
	clk.WaitForTimers(1)
	clk.Advance(45 * time.Second)

	testutil.RequireClosed(t, session.Done(), testWait, "session closed by liveness check")
	deadline := time.Now().Add(testWait)
	for {
		if info, ok := registry.Get("n1"); ok && info.State == StateDisconnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("registry never saw the disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionProtocolViolation(t *testing.T) {
	clk := clock.Fake(testEpoch)
	session, node, _ := startTestSession(t, clk)

	results := sendAsync(session, wire.CommandBody{CommandID: "c1", Kind: wire.CommandKindPing}, time.Minute)
	node.nextCommand()

	// A pair frame mid-session is fatal to the session; the pending
	// command resolves as lost.
	node.write(wire.FramePair, wire.PairBody{Code: "123456"})

	response := testutil.RequireReceive(t, results, testWait, "waiting for violation fallout")
	if response.Failure == nil || response.Failure.Kind != ConnectionLost {
		t.Fatalf("response = %+v, want connection-lost failure", response)
	}
	testutil.RequireClosed(t, session.Done(), testWait, "session closed on violation")
}

func TestSessionDrainRejectsNewCommands(t *testing.T) {
	clk := clock.Fake(testEpoch)
	session, node, _ := startTestSession(t, clk)

	session.beginDrain()
	if closeFrame := node.nextFrame(); closeFrame.Type != wire.FrameClose {
		t.Fatalf("frame type = %s, want close", closeFrame.Type)
	}

	_, err := session.send(context.Background(), wire.CommandBody{CommandID: "c1", Kind: wire.CommandKindPing}, time.Minute)
	if !IsCode(err, NodeNotConnected) {
		t.Fatalf("err = %v, want NodeNotConnected while draining", err)
	}
}

func TestSessionSendAfterClose(t *testing.T) {
	clk := clock.Fake(testEpoch)
	session, _, _ := startTestSession(t, clk)

	session.close("test")
	_, err := session.send(context.Background(), wire.CommandBody{CommandID: "c1", Kind: wire.CommandKindPing}, time.Minute)
	if !IsCode(err, NodeNotConnected) {
		t.Fatalf("err = %v, want NodeNotConnected after close", err)
	}
}
