// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the connection layer between the gateway
// and its node agents. The gateway side accepts persistent inbound
// connections; the node side dials out. The wire package's framing
// runs on top of whatever net.Conn a transport produces, so swapping
// TCP for a tunneled or in-memory transport does not touch protocol
// code.
//
// Transport security (TLS, SSH tunneling, a VPN) is deployed around
// this layer, not inside it.
package transport

import (
	"context"
	"net"
)

// ConnHandler is invoked once per accepted connection, on its own
// goroutine. The handler owns the connection and must close it.
type ConnHandler func(ctx context.Context, conn net.Conn)

// Listener accepts inbound node connections for the gateway.
type Listener interface {
	// Serve accepts connections and dispatches each to handler on a
	// new goroutine. Blocks until ctx is cancelled or Close is
	// called; returns nil on clean shutdown.
	Serve(ctx context.Context, handler ConnHandler) error

	// Address returns the listener's address in a form nodes can
	// dial (e.g. "192.168.1.10:7601" for TCP).
	Address() string

	// Close shuts the listener down. Safe to call concurrently with
	// Serve.
	Close() error
}

// Dialer opens connections from a node to the gateway.
type Dialer interface {
	// DialContext connects to the gateway at the given transport
	// address. The address format matches Listener.Address.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}
