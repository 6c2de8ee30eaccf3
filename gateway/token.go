// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Session tokens are 32 random bytes, hex-encoded on the wire. The
// gateway never stores the token itself, only its keyed digest, so a
// registry dump cannot be replayed to resume a session.

const sessionTokenBytes = 32

// tokenDigest is the keyed BLAKE3 digest of a session token.
type tokenDigest [32]byte

// tokenDomainKey separates session-token digests from any other keyed
// hashing this module may grow. ASCII, zero-padded to the 32-byte key
// size BLAKE3 requires.
var tokenDomainKey = [32]byte{
	'f', 'l', 'e', 'e', 't', 'l', 'i', 'n', 'k', '.', 's', 'e', 's', 's', 'i', 'o',
	'n', '.', 't', 'o', 'k', 'e', 'n', 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

func newSessionToken() (string, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("gateway: generating session token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func hashToken(token string) tokenDigest {
	// NewKeyed only fails for a key of the wrong length, which the
	// fixed-size array rules out.
	hasher, err := blake3.NewKeyed(tokenDomainKey[:])
	if err != nil {
		panic("gateway: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(token))
	var digest tokenDigest
	copy(digest[:], hasher.Sum(nil))
	return digest
}
