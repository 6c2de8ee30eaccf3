// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"fmt"
)

// ErrorCode classifies gateway failures so callers can branch on the
// category without parsing message text.
type ErrorCode string

const (
	// CodeNotFound: the pairing code (or session token) is not known to
	// the gateway.
	CodeNotFound ErrorCode = "code_not_found"
	// CodeExpired: the pairing code existed but its TTL elapsed before
	// a node presented it.
	CodeExpired ErrorCode = "code_expired"
	// CodeAlreadyUsed: the pairing code was already consumed by another
	// connection.
	CodeAlreadyUsed ErrorCode = "code_already_used"
	// CodeSpaceExhausted: the issuer could not find a free code.
	CodeSpaceExhausted ErrorCode = "code_space_exhausted"
	// DuplicateNode: a registration collided with an existing node.
	DuplicateNode ErrorCode = "duplicate_node"
	// NodeNotConnected: the target node has no active session.
	NodeNotConnected ErrorCode = "node_not_connected"
	// ConnectionLost: the session dropped while a command was in flight.
	ConnectionLost ErrorCode = "connection_lost"
	// Timeout: the node did not respond within the command deadline.
	Timeout ErrorCode = "timeout"
	// Cancelled: the command was cancelled before the node responded.
	Cancelled ErrorCode = "cancelled"
	// ProtocolViolation: the peer sent a frame the protocol does not
	// allow in the current state.
	ProtocolViolation ErrorCode = "protocol_violation"
)

// Error is the typed error returned by gateway operations.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s: %s", e.Code, e.Message)
}

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is a gateway Error carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Code == code
}
