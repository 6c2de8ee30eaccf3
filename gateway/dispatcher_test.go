// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/zeroclaw-labs/fleetlink/lib/clock"
	"github.com/zeroclaw-labs/fleetlink/lib/testutil"
	"github.com/zeroclaw-labs/fleetlink/wire"
)

// recordingAuditor captures dispatch events for assertions.
type recordingAuditor struct {
	mu       sync.Mutex
	dispatch []string
}

func (a *recordingAuditor) PairingSucceeded(NodeInfo) error       { return nil }
func (a *recordingAuditor) NodeDisconnected(string, string) error { return nil }

func (a *recordingAuditor) CommandDispatched(nodeID, commandID, kind string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dispatch = append(a.dispatch, nodeID+"/"+kind)
	return nil
}

func (a *recordingAuditor) dispatched() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.dispatch...)
}

// newTestFleet wires a dispatcher over a registry with one connected
// node per name.
func newTestFleet(t *testing.T, clk clock.Clock, audit Auditor, names ...string) (*Dispatcher, map[string]*testNode) {
	t.Helper()
	registry := newTestRegistry(clk)
	nodes := make(map[string]*testNode, len(names))
	for _, name := range names {
		gatewayEnd, nodeEnd := net.Pipe()
		t.Cleanup(func() {
			gatewayEnd.Close()
			nodeEnd.Close()
		})
		session := newNodeSession(name, gatewayEnd, clk, testLogger(), registry, 15*time.Second)
		info := NodeInfo{ID: name, Name: name, PairedAt: clk.Now()}
		if err := registry.register(info, session, hashToken("token-"+name)); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		registry.activate(name)
		session.start()
		nodes[name] = startTestNode(t, nodeEnd)
	}
	return NewDispatcher(clk, testLogger(), registry, audit), nodes
}

// serveSuccess answers every command on the node with a success
// response until the connection drops.
func serveSuccess(node *testNode) {
	go func() {
		for frame := range node.frames {
			if frame.Type != wire.FrameCommand {
				continue
			}
			var body wire.CommandBody
			if err := wire.DecodeBody(frame, &body); err != nil {
				return
			}
			response := wire.ResponseBody{CommandID: body.CommandID, Status: wire.ResponseStatusSuccess}
			if body.Kind == wire.CommandKindExec {
				response.Exec = &wire.ExecResult{Stdout: "ok"}
			}
			if wire.WriteFrame(node.conn, wire.FrameResponse, response) != nil {
				return
			}
		}
	}()
}

func TestDispatcherSendNotConnected(t *testing.T) {
	clk := clock.Fake(testEpoch)
	dispatcher, _ := newTestFleet(t, clk, nil)

	before := clk.PendingCount()
	_, err := dispatcher.Send(context.Background(), "ghost", Command{Kind: wire.CommandKindPing}, time.Minute)
	if !IsCode(err, NodeNotConnected) {
		t.Fatalf("err = %v, want NodeNotConnected", err)
	}
	// The failure is immediate: no command timer was ever armed.
	if clk.PendingCount() != before {
		t.Fatal("dispatch to absent node armed a timer")
	}
}

func TestDispatcherExec(t *testing.T) {
	clk := clock.Fake(testEpoch)
	audit := &recordingAuditor{}
	dispatcher, nodes := newTestFleet(t, clk, audit, "n1")
	serveSuccess(nodes["n1"])

	response, err := dispatcher.Exec(context.Background(), "n1", "uptime", time.Minute)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if response.Status != StatusSuccess || response.Exec == nil || response.Exec.Stdout != "ok" {
		t.Fatalf("response = %+v", response)
	}
	if got := audit.dispatched(); len(got) != 1 || got[0] != "n1/exec" {
		t.Fatalf("audit = %v", got)
	}
}

func TestDispatcherBroadcast(t *testing.T) {
	clk := clock.Fake(testEpoch)
	dispatcher, nodes := newTestFleet(t, clk, nil, "n1", "n2", "n3")
	for _, node := range nodes {
		serveSuccess(node)
	}

	results := dispatcher.Broadcast(context.Background(), Command{Kind: wire.CommandKindPing}, time.Minute)
	if len(results) != 3 {
		t.Fatalf("results = %d nodes, want 3", len(results))
	}
	for nodeID, response := range results {
		if response.Status != StatusSuccess {
			t.Fatalf("node %s: %+v", nodeID, response)
		}
	}
}

func TestDispatcherBroadcastSlowNodeTimesOut(t *testing.T) {
	clk := clock.Fake(testEpoch)
	dispatcher, nodes := newTestFleet(t, clk, nil, "fast", "slow")

	results := make(chan map[string]NodeResponse, 1)
	go func() {
		results <- dispatcher.Broadcast(context.Background(), Command{Kind: wire.CommandKindPing}, 30*time.Second)
	}()

	fastCommand := nodes["fast"].nextCommand()
	nodes["slow"].nextCommand()

	// Both command timers armed, on top of the two liveness tickers.
	clk.WaitForTimers(4)

	// The fast node answers; its timer is stopped once the response
	// resolves, leaving the slow node's timer and the tickers.
	nodes["fast"].write(wire.FrameResponse, wire.ResponseBody{
		CommandID: fastCommand.CommandID,
		Status:    wire.ResponseStatusSuccess,
	})
	deadline := time.Now().Add(testWait)
	for clk.PendingCount() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("pending timers = %d, want 3", clk.PendingCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	clk.Advance(30 * time.Second)

	got := testutil.RequireReceive(t, results, testWait, "waiting for broadcast")
	if got["fast"].Status != StatusSuccess {
		t.Fatalf("fast node: %+v", got["fast"])
	}
	if got["slow"].Status != StatusFailure || got["slow"].Failure.Kind != Timeout {
		t.Fatalf("slow node: %+v", got["slow"])
	}
}

func TestDispatcherBroadcastNoNodes(t *testing.T) {
	clk := clock.Fake(testEpoch)
	dispatcher, _ := newTestFleet(t, clk, nil)

	results := dispatcher.Broadcast(context.Background(), Command{Kind: wire.CommandKindPing}, time.Minute)
	if len(results) != 0 {
		t.Fatalf("results = %v, want empty", results)
	}
}

func TestDispatcherCancel(t *testing.T) {
	clk := clock.Fake(testEpoch)
	dispatcher, nodes := newTestFleet(t, clk, nil, "n1")

	results := make(chan NodeResponse, 1)
	go func() {
		response, _ := dispatcher.Send(context.Background(), "n1", Command{Kind: wire.CommandKindPing}, time.Minute)
		results <- response
	}()

	command := nodes["n1"].nextCommand()
	if !dispatcher.Cancel(command.CommandID) {
		t.Fatal("Cancel returned false for in-flight command")
	}
	response := testutil.RequireReceive(t, results, testWait, "waiting for cancelled result")
	if response.Status != StatusFailure || response.Failure.Kind != Cancelled {
		t.Fatalf("response = %+v, want cancelled failure", response)
	}

	if dispatcher.Cancel(command.CommandID) {
		t.Fatal("second Cancel returned true")
	}
}
