// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"sync"
)

// The shared handle gives process-wide consumers (an embedding daemon,
// its CLI surface, tests that share a fixture) one gateway instance
// without threading it through every call path. It is reference
// counted: the first Acquire starts the server, the matching final
// Release shuts it down.

var (
	sharedMu     sync.Mutex
	sharedServer *Server
	sharedRefs   int
)

// AcquireShared returns the process-wide server, starting it on first
// acquisition. The first caller's config and options win; later calls
// return the running instance unchanged. Every successful call must be
// balanced by a ReleaseShared.
func AcquireShared(ctx context.Context, cfg ServerConfig, options ...ServerOption) (*Server, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedServer != nil {
		sharedRefs++
		return sharedServer, nil
	}

	server := NewServer(cfg, options...)
	if err := server.Start(ctx); err != nil {
		return nil, err
	}
	sharedServer = server
	sharedRefs = 1
	return server, nil
}

// ReleaseShared drops one reference; the last release shuts the shared
// server down. Releasing with no outstanding acquisition is an error.
func ReleaseShared(ctx context.Context) error {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedServer == nil {
		return fmt.Errorf("gateway: release without a shared server")
	}
	sharedRefs--
	if sharedRefs > 0 {
		return nil
	}

	server := sharedServer
	sharedServer = nil
	sharedRefs = 0
	return server.Shutdown(ctx)
}
