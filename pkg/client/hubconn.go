// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

// Package client implements the raw, untyped client over the core bus
// primitives (§6a): a hub control connection (HubConn) for registering a
// name and requesting rendezvous, and a peer connection (PeerConn) for
// calls and signal subscriptions once rendezvous has handed off a direct
// socket. Typed method/signal ergonomics are explicitly out of scope; this
// is the documented extension point for that external layer.
package client

import (
	"context"
	"fmt"
	"net"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/caro-platform/caro-bus-go/pkg/config"
	"github.com/caro-platform/caro-bus-go/pkg/peer"
	"github.com/caro-platform/caro-bus-go/pkg/wire"
)

// Dial connects to the hub's control socket at hubSocketPath.
func Dial(ctx context.Context, hubSocketPath string) (*HubConn, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "unix", hubSocketPath)
	if err != nil {
		return nil, fmt.Errorf("client: dial hub: %w", err)
	}

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("client: dial hub: not a unix socket")
	}

	hc := newHubConn(unixConn)
	go hc.socket.Run()

	return hc, nil
}

type controlResponse struct {
	msg *wire.Message
	fd  *os.File
}

// HubConn is a registered (or registering) connection to the hub control
// socket. Register and Connect are one-at-a-time operations on a HubConn
// (serialized by mu); Incoming delivers peer connections produced by
// IncomingPeerFd handoffs addressed to this connection's registered name.
type HubConn struct {
	socket *peer.Socket

	mu            chan struct{} // 1-buffered, acts as a mutex usable with ctx cancellation
	respCh        chan controlResponse
	expectingFd   bool
	incoming      chan *PeerConn
	registeredName string
}

func newHubConn(conn *net.UnixConn) *HubConn {
	hc := &HubConn{
		mu:       make(chan struct{}, 1),
		respCh:   make(chan controlResponse, 1),
		incoming: make(chan *PeerConn, 8),
	}
	hc.mu <- struct{}{}

	hc.socket = peer.NewSocketWithQueueSize(conn, "hub-control", config.OutboundQueueSize())
	hc.socket.OnMessage = hc.onMessage
	hc.socket.OnClose = func(err error) {
		if err != nil {
			log.WithError(err).Debug("hub control connection closed")
		}

		close(hc.incoming)
	}

	return hc
}

func (h *HubConn) lock(ctx context.Context) error {
	select {
	case <-h.mu:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *HubConn) unlock() {
	h.mu <- struct{}{}
}

func (h *HubConn) onMessage(m *wire.Message) {
	switch body := m.Body.(type) {
	case *wire.ResponseOk:
		var fd *os.File

		if h.expectingFd {
			var err error

			fd, err = h.socket.RecvFd()
			if err != nil {
				log.WithError(err).Warn("client: failed to receive rendezvous descriptor")
			}
		}

		h.respCh <- controlResponse{msg: m, fd: fd}
	case *wire.ResponseError:
		h.respCh <- controlResponse{msg: m}
	case *wire.IncomingPeerFd:
		fd, err := h.socket.RecvFd()
		if err != nil {
			log.WithError(err).Warn("client: failed to receive incoming peer descriptor")
			return
		}

		conn, err := peer.FileToUnixConn(fd)
		if err != nil {
			log.WithError(err).Warn("client: failed to adopt incoming peer descriptor")
			return
		}

		h.incoming <- newPeerConn(conn, h.registeredName, body.PeerServiceName)
	default:
		log.WithField("kind", fmt.Sprintf("%T", body)).Warn("client: unexpected message on hub control connection")
	}
}

// Register binds serviceName to this connection. Blocks until the hub
// replies Ok or Error, or ctx is done.
func (h *HubConn) Register(ctx context.Context, serviceName string) error {
	if err := h.lock(ctx); err != nil {
		return err
	}
	defer h.unlock()

	if h.registeredName != "" {
		return wire.NewBusError(wire.ErrAlreadyRegistered)
	}

	h.expectingFd = false

	if err := h.socket.Enqueue(wire.NewRegister(serviceName)); err != nil {
		return err
	}

	select {
	case resp := <-h.respCh:
		if errBody, ok := resp.msg.Body.(*wire.ResponseError); ok {
			return wire.NewBusError(errBody.Kind)
		}

		h.registeredName = serviceName

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect requests rendezvous with peerServiceName and returns a usable
// PeerConn once the hub hands off the direct socket descriptor.
func (h *HubConn) Connect(ctx context.Context, peerServiceName string) (*PeerConn, error) {
	if err := h.lock(ctx); err != nil {
		return nil, err
	}
	defer h.unlock()

	h.expectingFd = true

	if err := h.socket.Enqueue(wire.NewConnect(peerServiceName)); err != nil {
		return nil, err
	}

	select {
	case resp := <-h.respCh:
		if errBody, ok := resp.msg.Body.(*wire.ResponseError); ok {
			return nil, wire.NewBusError(errBody.Kind)
		}

		if resp.fd == nil {
			return nil, fmt.Errorf("client: connect succeeded without a descriptor")
		}

		conn, err := peer.FileToUnixConn(resp.fd)
		if err != nil {
			return nil, err
		}

		return newPeerConn(conn, h.registeredName, peerServiceName), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Incoming delivers peer connections rendezvoused to this connection's
// registered name by other services' Connect calls.
func (h *HubConn) Incoming() <-chan *PeerConn {
	return h.incoming
}

// Close disconnects from the hub.
func (h *HubConn) Close() {
	h.socket.Close()
}
