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
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/caro-platform/caro-bus-go/pkg/config"
	"github.com/caro-platform/caro-bus-go/pkg/permissions"
	"github.com/caro-platform/caro-bus-go/pkg/peer"
	"github.com/caro-platform/caro-bus-go/pkg/wire"
)

type clientState int32

const (
	stateUnregistered clientState = iota
	stateRegistering
	stateRegistered
	stateTerminated
)

// Client is the per-connection state machine from §4.5: Unregistered ->
// Registering -> Registered -> Terminated, one instance per accepted
// control-socket connection, wrapping a *peer.Socket exactly as the
// teacher's Peer wraps a net.Conn.
type Client struct {
	id          uuid.UUID
	credentials permissions.PeerCredentials
	registry    *Registry
	socket      *peer.Socket

	state clientState // atomic

	nameMu sync.RWMutex
	name   string
}

// NewClient wraps conn in a hub Client bound to registry. Call Run to
// start serving it; Run blocks until the connection closes.
func NewClient(conn *net.UnixConn, registry *Registry, credentials permissions.PeerCredentials) *Client {
	id := uuid.New()

	c := &Client{
		id:          id,
		credentials: credentials,
		registry:    registry,
		state:       stateUnregistered,
	}

	c.socket = peer.NewSocketWithQueueSize(conn, id.String(), config.OutboundQueueSize())
	c.socket.OnMessage = c.onMessage
	c.socket.OnClose = c.onClose

	return c
}

// Run serves the connection until it closes.
func (c *Client) Run() {
	c.socket.Run()
}

func (c *Client) serviceName() string {
	c.nameMu.RLock()
	defer c.nameMu.RUnlock()

	return c.name
}

func (c *Client) send(m *wire.Message) {
	if err := c.socket.Enqueue(m); err != nil {
		log.WithError(err).WithField("client", c.id).Warn("failed to enqueue response")
	}
}

func (c *Client) sendWithFd(m *wire.Message, fd *os.File) error {
	return c.socket.EnqueueWithFd(m, fd)
}

func (c *Client) revertToUnregistered() {
	atomic.StoreInt32((*int32)(&c.state), int32(stateUnregistered))
}

func (c *Client) completeRegistration(name string) {
	c.nameMu.Lock()
	c.name = name
	c.nameMu.Unlock()

	atomic.StoreInt32((*int32)(&c.state), int32(stateRegistered))
}

func (c *Client) currentState() clientState {
	return clientState(atomic.LoadInt32((*int32)(&c.state)))
}

func (c *Client) onMessage(m *wire.Message) {
	switch body := m.Body.(type) {
	case *wire.Register:
		c.handleRegister(body)
	case *wire.Connect:
		c.handleConnect(body)
	default:
		log.WithFields(log.Fields{"client": c.id, "kind": fmt.Sprintf("%T", body)}).
			Warn("unexpected message on hub control connection")
		c.send(wire.NewResponseError(wire.ErrInvalidProtocol))
	}
}

func (c *Client) handleRegister(req *wire.Register) {
	if c.currentState() != stateUnregistered {
		c.send(wire.NewResponseError(wire.ErrInvalidProtocol))
		return
	}

	if c.registry.seenRecently(c.id.String(), req.ServiceName) {
		log.WithFields(log.Fields{"client": c.id, "service": req.ServiceName}).
			Warn("repeated registration attempt rejected by dupe filter")
		c.send(wire.NewResponseError(wire.ErrInternal))

		return
	}

	if req.ProtocolVersion != wire.ProtocolVersion {
		c.send(wire.NewResponseError(wire.ErrInvalidProtocol))
		return
	}

	if !c.registry.oracle.ServiceNameAllowed(c.credentials, req.ServiceName) {
		log.WithFields(log.Fields{"client": c.id, "service": req.ServiceName}).
			Warn("registration denied by permission oracle")
		c.send(wire.NewResponseError(wire.ErrNotAllowed))

		return
	}

	atomic.StoreInt32((*int32)(&c.state), int32(stateRegistering))

	if err := c.registry.register(c, req.ServiceName); err != nil {
		c.revertToUnregistered()
		c.send(wire.NewResponseError(wire.ErrInternal))
	}
}

func (c *Client) handleConnect(req *wire.Connect) {
	if c.currentState() != stateRegistered {
		c.send(wire.NewResponseError(wire.ErrInvalidProtocol))
		return
	}

	if err := c.registry.connect(c, c.serviceName(), req.PeerServiceName); err != nil {
		c.send(wire.NewResponseError(wire.ErrInternal))
	}
}

func (c *Client) onClose(err error) {
	atomic.StoreInt32((*int32)(&c.state), int32(stateTerminated))

	name := c.serviceName()
	if name != "" {
		c.registry.unregister(name)
	}

	if err != nil {
		log.WithError(err).WithField("client", c.id).Debug("client connection closed")
	}
}
