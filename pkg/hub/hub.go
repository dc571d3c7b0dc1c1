// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package hub

import (
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/caro-platform/caro-bus-go/pkg/permissions"
)

// Hub owns the listening control socket and spawns one Client per accepted
// connection, the same accept-loop shape as the teacher's
// Connector.NewConnector (listen, spawn an accept goroutine, hand each
// connection to a per-connection type).
type Hub struct {
	listener *net.UnixListener
	registry *Registry
	oracle   *permissions.Oracle
}

// Config bundles the knobs Hub needs at construction.
type Config struct {
	SocketPath      string
	ServiceFilesDir string
	StatsDBPath     string
	RateLimitPerSec float64
	RateLimitBurst  int
	DupeFilterTTLMs int
}

// New binds the hub's control socket and opens its operational stats
// store. A stats store open failure is fatal (§9 open question): the
// introspection feature is advertised as always-on.
func New(cfg Config) (*Hub, error) {
	if err := os.RemoveAll(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("hub: clear stale socket: %w", err)
	}

	addr, err := net.ResolveUnixAddr("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("hub: resolve socket address: %w", err)
	}

	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("hub: listen: %w", err)
	}

	stats, err := OpenStatsStore(cfg.StatsDBPath)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("hub: open stats store: %w", err)
	}

	oracle := permissions.NewOracle(cfg.ServiceFilesDir)

	dupeTTL := time.Duration(cfg.DupeFilterTTLMs) * time.Millisecond
	registry := NewRegistry(oracle, stats, cfg.RateLimitPerSec, cfg.RateLimitBurst, dupeTTL)

	return &Hub{listener: listener, registry: registry, oracle: oracle}, nil
}

// Registry exposes the hub's registry, chiefly for the introspection root.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Serve runs the registry's serialization loop and the accept loop until
// the listener is closed.
func (h *Hub) Serve() error {
	go h.registry.Run()

	for {
		conn, err := h.listener.AcceptUnix()
		if err != nil {
			return err
		}

		go h.handleConnection(conn)
	}
}

func (h *Hub) handleConnection(conn *net.UnixConn) {
	credentials, err := permissions.PeerCredentialsFromConn(conn)
	if err != nil {
		log.WithError(err).Warn("failed to read peer credentials, closing connection")
		conn.Close()

		return
	}

	client := NewClient(conn, h.registry, credentials)
	client.Run()
}

// Close stops accepting connections, halts the registry loop, and closes
// the stats store.
func (h *Hub) Close() error {
	h.registry.Stop()
	err := h.listener.Close()

	if statsErr := h.registry.stats.Close(); statsErr != nil {
		log.WithError(statsErr).Warn("failed to close stats store")
	}

	return err
}
