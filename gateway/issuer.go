// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeroclaw-labs/fleetlink/lib/clock"
)

const (
	// pairingCodeDigits is the length of an issued pairing code.
	pairingCodeDigits = 6
	// pairingCodeSpace is the number of distinct codes (000000-999999).
	pairingCodeSpace = 1_000_000
	// maxIssueAttempts bounds the random search for an unused code.
	// With the code space nowhere near saturated this never triggers;
	// if it does, the active set is pathologically full and the caller
	// should hear about it rather than spin.
	maxIssueAttempts = 100
)

// PairingRequest is an issued, not-yet-consumed pairing code.
type PairingRequest struct {
	Code        string
	Hint        string
	RequestedAt time.Time
	ExpiresAt   time.Time
}

// Issuer hands out single-use pairing codes and turns a presented code
// or session token into a registered node session. Codes are 6 random
// digits with a TTL; each is consumable exactly once.
type Issuer struct {
	clock    clock.Clock
	logger   *slog.Logger
	registry *Registry
	ttl      time.Duration

	// heartbeatInterval is handed to the sessions the issuer spawns.
	heartbeatInterval time.Duration

	mu     sync.Mutex
	active map[string]*pairingCode

	// randomCode is swappable in tests. Defaults to crypto/rand.
	randomCode func() (string, error)
}

type pairingCode struct {
	code        string
	hint        string
	requestedAt time.Time
	expiresAt   time.Time
	consumed    bool
}

// NewIssuer creates an issuer whose codes expire after ttl.
func NewIssuer(clk clock.Clock, logger *slog.Logger, registry *Registry, ttl time.Duration, heartbeatInterval time.Duration) *Issuer {
	return &Issuer{
		clock:             clk,
		logger:            logger,
		registry:          registry,
		ttl:               ttl,
		heartbeatInterval: heartbeatInterval,
		active:            make(map[string]*pairingCode),
		randomCode:        cryptoRandomCode,
	}
}

func cryptoRandomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(pairingCodeSpace))
	if err != nil {
		return "", fmt.Errorf("gateway: generating pairing code: %w", err)
	}
	return fmt.Sprintf("%0*d", pairingCodeDigits, n.Int64()), nil
}

// Issue mints a fresh pairing code. The hint is free-form operator
// text ("rack 4 worker") carried through to listings; it plays no part
// in validation.
func (i *Issuer) Issue(hint string) (PairingRequest, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.clock.Now()
	i.expireLocked(now)

	if len(i.active) >= pairingCodeSpace {
		return PairingRequest{}, newError(CodeSpaceExhausted, "all %d pairing codes are in use", pairingCodeSpace)
	}

	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		code, err := i.randomCode()
		if err != nil {
			return PairingRequest{}, err
		}
		if _, taken := i.active[code]; taken {
			continue
		}
		entry := &pairingCode{
			code:        code,
			hint:        hint,
			requestedAt: now,
			expiresAt:   now.Add(i.ttl),
		}
		i.active[code] = entry
		i.logger.Info("pairing code issued", "hint", hint, "expires_at", entry.expiresAt)
		return PairingRequest{
			Code:        code,
			Hint:        hint,
			RequestedAt: entry.requestedAt,
			ExpiresAt:   entry.expiresAt,
		}, nil
	}
	return PairingRequest{}, newError(CodeSpaceExhausted, "no free pairing code after %d attempts", maxIssueAttempts)
}

// Consume validates a presented code and, on success, mints the node's
// identity: a fresh UUID, a session token, and a Pending registry
// entry wrapping a new session. The caller writes the pairing response
// and then activates both the session and the registry entry.
//
// Expired codes are rejected with CodeExpired and removed; a consumed
// code stays in the table until its TTL so a second presenter gets
// CodeAlreadyUsed rather than CodeNotFound.
func (i *Issuer) Consume(code string, conn net.Conn, identity NodeIdentity) (NodeInfo, string, *NodeSession, error) {
	i.mu.Lock()
	entry, ok := i.active[code]
	if !ok {
		i.mu.Unlock()
		return NodeInfo{}, "", nil, newError(CodeNotFound, "pairing code not recognized")
	}
	now := i.clock.Now()
	if now.After(entry.expiresAt) {
		delete(i.active, code)
		i.mu.Unlock()
		return NodeInfo{}, "", nil, newError(CodeExpired, "pairing code expired")
	}
	if entry.consumed {
		i.mu.Unlock()
		return NodeInfo{}, "", nil, newError(CodeAlreadyUsed, "pairing code already consumed")
	}
	entry.consumed = true
	i.mu.Unlock()

	token, err := newSessionToken()
	if err != nil {
		return NodeInfo{}, "", nil, err
	}

	info := NodeInfo{
		ID:       uuid.NewString(),
		Name:     identity.Name,
		Hostname: identity.Hostname,
		Platform: identity.Platform,
		Tags:     identity.Tags,
		PairedAt: now,
		LastSeen: now,
		State:    StatePending,
	}
	if info.Name == "" {
		info.Name = info.Hostname
	}

	session := newNodeSession(info.ID, conn, i.clock, i.logger, i.registry, i.heartbeatInterval)
	if err := i.registry.register(info, session, hashToken(token)); err != nil {
		return NodeInfo{}, "", nil, err
	}
	return info, token, session, nil
}

// Resume reattaches a node presenting its session token from an
// earlier pairing. An unknown token and a token whose node already
// purged look identical to the caller; both require a fresh pairing
// code.
func (i *Issuer) Resume(token string, conn net.Conn) (NodeInfo, *NodeSession, error) {
	return i.registry.reattach(hashToken(token), func(nodeID string) *NodeSession {
		return newNodeSession(nodeID, conn, i.clock, i.logger, i.registry, i.heartbeatInterval)
	})
}

// Pending lists the outstanding pairing requests, unexpired and
// unconsumed, for operator display.
func (i *Issuer) Pending() []PairingRequest {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.clock.Now()
	requests := make([]PairingRequest, 0, len(i.active))
	for _, entry := range i.active {
		if entry.consumed || now.After(entry.expiresAt) {
			continue
		}
		requests = append(requests, PairingRequest{
			Code:        entry.code,
			Hint:        entry.hint,
			RequestedAt: entry.requestedAt,
			ExpiresAt:   entry.expiresAt,
		})
	}
	return requests
}

// RunSweep periodically removes expired codes until ctx is cancelled.
func (i *Issuer) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := i.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			i.mu.Lock()
			removed := i.expireLocked(i.clock.Now())
			i.mu.Unlock()
			if removed > 0 {
				i.logger.Debug("expired pairing codes swept", "count", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (i *Issuer) expireLocked(now time.Time) int {
	removed := 0
	for code, entry := range i.active {
		if now.After(entry.expiresAt) {
			delete(i.active, code)
			removed++
		}
	}
	return removed
}
