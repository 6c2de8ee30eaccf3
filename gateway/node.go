// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"slices"
	"time"

	"github.com/zeroclaw-labs/fleetlink/wire"
)

// ConnectionState tracks where a node sits in its connection lifecycle.
type ConnectionState string

const (
	// StatePending: the node consumed a pairing code but the handshake
	// has not finished yet.
	StatePending ConnectionState = "pending"
	// StateConnected: the node has an active session.
	StateConnected ConnectionState = "connected"
	// StateDisconnected: the session dropped; the registry entry lives
	// on until the disconnect grace elapses.
	StateDisconnected ConnectionState = "disconnected"
)

// NodeIdentity is what a node claims about itself during pairing.
type NodeIdentity struct {
	Name     string
	Hostname string
	Platform string
	Tags     []string
}

// NodeInfo is the registry's view of a paired node. Values returned
// from the registry are snapshots; mutating them has no effect.
type NodeInfo struct {
	ID       string
	Name     string
	Hostname string
	Platform string
	Tags     []string
	PairedAt time.Time
	LastSeen time.Time
	State    ConnectionState
}

func (i NodeInfo) clone() NodeInfo {
	i.Tags = slices.Clone(i.Tags)
	return i
}

// ResponseStatus is the outcome category of a dispatched command.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusFailure ResponseStatus = "failure"
)

// Failure describes why a command did not succeed.
type Failure struct {
	Kind    ErrorCode
	Message string
}

// NodeResponse is the resolved outcome of a dispatched command. Exactly
// one of Exec, Report, or Failure is set, matching Status.
type NodeResponse struct {
	CommandID   string
	NodeID      string
	Status      ResponseStatus
	Exec        *wire.ExecResult
	Report      *wire.StatusReport
	Failure     *Failure
	CompletedAt time.Time
}

func failureResponse(nodeID, commandID string, kind ErrorCode, message string, at time.Time) NodeResponse {
	return NodeResponse{
		CommandID:   commandID,
		NodeID:      nodeID,
		Status:      StatusFailure,
		Failure:     &Failure{Kind: kind, Message: message},
		CompletedAt: at,
	}
}
