// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the control-plane side of fleetlink. It issues
// single-use pairing codes, accepts node connections over the framed
// wire protocol, tracks every paired node in a registry, and dispatches
// commands to node sessions with per-command timeouts and cancellation.
//
// The flow: an operator calls Issuer.Issue to mint a 6-digit code and
// hands it to a node out of band. The node connects, presents the code,
// and receives a node ID plus a session token. From then on the
// dispatcher can send it exec, status, and ping commands. If the node
// drops, the registry keeps its entry for a grace period during which
// the node can resume with its token; after that it must pair again.
package gateway
