// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package wire

// PairBody opens a connection. Exactly one of Code or Token is set:
// Code for a fresh pairing with an operator-issued 6-digit code, Token
// for a reconnect with the session token from a previous pairing.
type PairBody struct {
	Code  string `cbor:"code,omitempty"`
	Token string `cbor:"token,omitempty"`

	// Node identity, reported on both fresh pairing and reconnect.
	NodeName string   `cbor:"node_name"`
	Hostname string   `cbor:"hostname,omitempty"`
	Platform string   `cbor:"platform,omitempty"`
	Tags     []string `cbor:"tags,omitempty"`
}

// PairingResponseBody answers a PairBody.
type PairingResponseBody struct {
	Accepted bool `cbor:"accepted"`

	// NodeID and SessionToken are set when Accepted. SessionToken is
	// only populated on a fresh pairing — a reconnect keeps using the
	// token it presented.
	NodeID       string `cbor:"node_id,omitempty"`
	SessionToken string `cbor:"session_token,omitempty"`

	// Reason is set when rejected. A rejected code or token must not
	// be retried.
	Reason string `cbor:"reason,omitempty"`
}

// Command kinds. The gateway dispatches these; the node answers with
// the matching ResponseBody section filled in.
const (
	CommandKindExec   = "exec"
	CommandKindStatus = "status"
	CommandKindPing   = "ping"
)

// CommandBody is a dispatched command. CommandID correlates the
// eventual ResponseBody.
type CommandBody struct {
	CommandID string `cbor:"command_id"`
	Kind      string `cbor:"kind"`

	// Exec is set for CommandKindExec.
	Exec *ExecRequest `cbor:"exec,omitempty"`
}

// ExecRequest runs a shell command on the node.
type ExecRequest struct {
	Command string `cbor:"command"`

	// TimeoutSecs bounds execution on the node side. Zero means the
	// node's default (60s).
	TimeoutSecs uint32 `cbor:"timeout_secs,omitempty"`
}

// Response statuses on the wire.
const (
	ResponseStatusSuccess = "success"
	ResponseStatusFailure = "failure"
)

// ResponseBody is a command result. Exactly one of Exec, Status, or
// Failure is set, depending on the command kind and outcome; a ping
// success carries none of them.
type ResponseBody struct {
	CommandID string `cbor:"command_id"`
	Status    string `cbor:"status"`

	Exec    *ExecResult   `cbor:"exec,omitempty"`
	Report  *StatusReport `cbor:"report,omitempty"`
	Failure *WireFailure  `cbor:"failure,omitempty"`
}

// ExecResult is the outcome of an exec command.
type ExecResult struct {
	Stdout   string `cbor:"stdout"`
	Stderr   string `cbor:"stderr"`
	ExitCode int    `cbor:"exit_code"`
}

// StatusReport is the node's answer to a status command.
type StatusReport struct {
	CPUPercent    float64 `cbor:"cpu_percent"`
	MemoryPercent float64 `cbor:"memory_percent"`
	UptimeSecs    uint64  `cbor:"uptime_secs"`
}

// WireFailure describes a node-side command failure.
type WireFailure struct {
	Kind    string `cbor:"kind"`
	Message string `cbor:"message"`
}
