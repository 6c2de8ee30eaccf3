// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"log/slog"
)

// Auditor receives lifecycle events from the gateway. Implementations
// must not block; a failed audit write never fails the node operation
// that produced it.
type Auditor interface {
	PairingSucceeded(info NodeInfo) error
	NodeDisconnected(nodeID string, reason string) error
	CommandDispatched(nodeID string, commandID string, kind string) error
}

// NopAuditor discards all events.
type NopAuditor struct{}

func (NopAuditor) PairingSucceeded(NodeInfo) error                { return nil }
func (NopAuditor) NodeDisconnected(string, string) error          { return nil }
func (NopAuditor) CommandDispatched(string, string, string) error { return nil }

// LogAuditor writes events to a structured logger.
type LogAuditor struct {
	Logger *slog.Logger
}

func (a LogAuditor) PairingSucceeded(info NodeInfo) error {
	a.Logger.Info("node paired",
		"node_id", info.ID,
		"name", info.Name,
		"hostname", info.Hostname,
		"platform", info.Platform)
	return nil
}

func (a LogAuditor) NodeDisconnected(nodeID string, reason string) error {
	a.Logger.Info("node disconnected", "node_id", nodeID, "reason", reason)
	return nil
}

func (a LogAuditor) CommandDispatched(nodeID string, commandID string, kind string) error {
	a.Logger.Info("command dispatched",
		"node_id", nodeID,
		"command_id", commandID,
		"kind", kind)
	return nil
}

var (
	_ Auditor = NopAuditor{}
	_ Auditor = LogAuditor{}
)

// reportAudit logs a failed audit write and moves on.
func reportAudit(logger *slog.Logger, event string, err error) {
	if err != nil {
		logger.Warn("audit write failed", "event", event, "error", err)
	}
}
