// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zeroclaw-labs/fleetlink/lib/clock"
)

// Registry tracks every paired node and its current session. Entries
// move Pending -> Connected -> Disconnected; a disconnected entry is
// purged after the grace period unless the node resumes its session
// token first.
type Registry struct {
	clock  clock.Clock
	logger *slog.Logger
	audit  Auditor
	grace  time.Duration

	mu    sync.Mutex
	nodes map[string]*nodeEntry
}

type nodeEntry struct {
	info    NodeInfo
	session *NodeSession

	// tokenDigest authenticates session resumption. The plaintext
	// token only ever exists on the node side.
	tokenDigest tokenDigest

	// graceTimer is armed while the entry is Disconnected and purges
	// it when the grace period elapses.
	graceTimer *clock.Timer
}

// NewRegistry creates an empty registry. Nodes that stay disconnected
// for longer than grace are purged and must pair again with a fresh
// code.
func NewRegistry(clk clock.Clock, logger *slog.Logger, audit Auditor, grace time.Duration) *Registry {
	if audit == nil {
		audit = NopAuditor{}
	}
	return &Registry{
		clock:  clk,
		logger: logger,
		audit:  audit,
		grace:  grace,
		nodes:  make(map[string]*nodeEntry),
	}
}

// register inserts a freshly paired node in Pending state. The caller
// activates it once the handshake response has gone out.
func (r *Registry) register(info NodeInfo, session *NodeSession, digest tokenDigest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[info.ID]; exists {
		return newError(DuplicateNode, "node %s is already registered", info.ID)
	}
	info.State = StatePending
	r.nodes[info.ID] = &nodeEntry{
		info:        info.clone(),
		session:     session,
		tokenDigest: digest,
	}
	return nil
}

// activate flips a Pending entry to Connected after the pairing
// response has been written.
func (r *Registry) activate(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.nodes[nodeID]
	if !ok || entry.info.State != StatePending {
		return
	}
	entry.info.State = StateConnected
	entry.info.LastSeen = r.clock.Now()
}

// remove drops an entry outright. Used when a handshake fails after
// registration but before activation; the entry never reaches
// Disconnected and no grace period applies.
func (r *Registry) remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	if entry.graceTimer != nil {
		entry.graceTimer.Stop()
	}
	delete(r.nodes, nodeID)
}

// reattach resumes a session for the node whose token digest matches.
// spawn builds the replacement session under the registry lock so two
// concurrent resumes for the same node cannot both win. A Connected
// entry is superseded: only the token holder can resume, so an
// existing session means the gateway has not yet noticed the old
// connection die. Newest connection wins. The entry ends up Connected
// with its grace timer disarmed.
func (r *Registry) reattach(digest tokenDigest, spawn func(nodeID string) *NodeSession) (NodeInfo, *NodeSession, error) {
	r.mu.Lock()
	for id, entry := range r.nodes {
		if entry.tokenDigest != digest {
			continue
		}
		if entry.info.State == StatePending {
			r.mu.Unlock()
			return NodeInfo{}, nil, newError(DuplicateNode, "node %s is still pairing", id)
		}
		superseded := entry.session
		if entry.graceTimer != nil {
			entry.graceTimer.Stop()
			entry.graceTimer = nil
		}
		session := spawn(id)
		entry.session = session
		entry.info.State = StateConnected
		entry.info.LastSeen = r.clock.Now()
		info := entry.info.clone()
		r.mu.Unlock()

		if superseded != nil {
			superseded.close("superseded by reconnect")
		}
		return info, session, nil
	}
	r.mu.Unlock()
	return NodeInfo{}, nil, newError(CodeNotFound, "session token not recognized")
}

// Get returns a snapshot of the node, if registered.
func (r *Registry) Get(nodeID string) (NodeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.nodes[nodeID]
	if !ok {
		return NodeInfo{}, false
	}
	return entry.info.clone(), true
}

// List returns snapshots of every registered node, ordered by pairing
// time then ID for a stable listing.
func (r *Registry) List() []NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]NodeInfo, 0, len(r.nodes))
	for _, entry := range r.nodes {
		infos = append(infos, entry.info.clone())
	}
	sort.Slice(infos, func(a, b int) bool {
		if !infos[a].PairedAt.Equal(infos[b].PairedAt) {
			return infos[a].PairedAt.Before(infos[b].PairedAt)
		}
		return infos[a].ID < infos[b].ID
	})
	return infos
}

// IsConnected reports whether the node has an active session.
func (r *Registry) IsConnected(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.nodes[nodeID]
	return ok && entry.info.State == StateConnected
}

// touch updates the node's last-seen timestamp. Called by the session
// on every inbound frame.
func (r *Registry) touch(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.nodes[nodeID]; ok {
		entry.info.LastSeen = r.clock.Now()
	}
}

// markDisconnected transitions a Connected entry to Disconnected and
// arms the grace timer. Calls for entries in any other state are
// no-ops, so a session close racing a purge is harmless. When from is
// non-nil the transition only applies if it is still the registered
// session; a superseded session closing late cannot knock out its
// replacement.
func (r *Registry) markDisconnected(nodeID string, from *NodeSession, reason string) {
	r.mu.Lock()
	entry, ok := r.nodes[nodeID]
	if !ok || entry.info.State != StateConnected {
		r.mu.Unlock()
		return
	}
	if from != nil && entry.session != from {
		r.mu.Unlock()
		return
	}
	entry.info.State = StateDisconnected
	entry.session = nil
	entry.graceTimer = r.clock.AfterFunc(r.grace, func() {
		r.purge(nodeID)
	})
	r.mu.Unlock()

	r.logger.Info("node disconnected", "node_id", nodeID, "reason", reason)
	reportAudit(r.logger, "node_disconnected", r.audit.NodeDisconnected(nodeID, reason))
}

// purge drops a Disconnected entry whose grace period elapsed. The
// node's token digest dies with the entry, so it must pair again with
// a fresh code.
func (r *Registry) purge(nodeID string) {
	r.mu.Lock()
	entry, ok := r.nodes[nodeID]
	if !ok || entry.info.State != StateDisconnected {
		r.mu.Unlock()
		return
	}
	delete(r.nodes, nodeID)
	r.mu.Unlock()
	r.logger.Info("node purged after disconnect grace", "node_id", nodeID)
}

// dispatchTarget resolves the active session for a node.
func (r *Registry) dispatchTarget(nodeID string) (*NodeSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.nodes[nodeID]
	if !ok {
		return nil, newError(NodeNotConnected, "node %s is not registered", nodeID)
	}
	if entry.info.State != StateConnected || entry.session == nil {
		return nil, newError(NodeNotConnected, "node %s is not connected", nodeID)
	}
	return entry.session, nil
}

// connectedSessions snapshots the sessions of all Connected nodes.
func (r *Registry) connectedSessions() map[string]*NodeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make(map[string]*NodeSession)
	for id, entry := range r.nodes {
		if entry.info.State == StateConnected && entry.session != nil {
			sessions[id] = entry.session
		}
	}
	return sessions
}

// Close disarms all grace timers. Sessions are shut down by the
// server, not the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.nodes {
		if entry.graceTimer != nil {
			entry.graceTimer.Stop()
			entry.graceTimer = nil
		}
	}
}
