// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package client

import (
	"context"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/caro-platform/caro-bus-go/pkg/callregistry"
	"github.com/caro-platform/caro-bus-go/pkg/config"
	"github.com/caro-platform/caro-bus-go/pkg/peer"
	"github.com/caro-platform/caro-bus-go/pkg/wire"
)

// PeerConn is a direct, hub-independent connection to one other service,
// produced by a successful HubConn.Connect or delivered on HubConn.Incoming
// (§6a). It owns both directions: outbound calls through its embedded call
// registry, and inbound calls/subscriptions dispatched to user-registered
// handlers.
type PeerConn struct {
	socket   *peer.Socket
	calls    *callregistry.Registry
	selfName string
	peerName string

	handlersMu   sync.RWMutex
	callHandlers map[string]func(params []byte) ([]byte, error)
	subHandler   func(subscriberName, signalName string)

	subsMu      sync.Mutex
	signalSeqs  map[string]uint64
	subscribers map[string]subscription
}

// subscription is one outbound Subscribe's bookkeeping: the seq the call
// registry stamped on the SignalSubscription message (so Unsubscribe can
// remove the matching call-table entry) and the sink it delivers into.
type subscription struct {
	seq  uint64
	sink chan *wire.Message
}

func newPeerConn(conn *net.UnixConn, selfName, peerName string) *PeerConn {
	p := &PeerConn{
		calls:        callregistry.New(),
		selfName:     selfName,
		peerName:     peerName,
		callHandlers: make(map[string]func([]byte) ([]byte, error)),
		signalSeqs:   make(map[string]uint64),
		subscribers:  make(map[string]subscription),
	}

	p.socket = peer.NewSocketWithQueueSize(conn, peerName, config.OutboundQueueSize())
	p.socket.OnMessage = p.onMessage

	go p.socket.Run()

	return p
}

// PeerName is the name of the service on the other end of this connection.
func (p *PeerConn) PeerName() string { return p.peerName }

func (p *PeerConn) onMessage(m *wire.Message) {
	switch body := m.Body.(type) {
	case *wire.MethodCall:
		p.dispatchCall(m.Seq, body)
	case *wire.SignalSubscription:
		p.subsMu.Lock()
		p.signalSeqs[body.SignalName] = m.Seq
		p.subsMu.Unlock()

		p.handlersMu.RLock()
		handler := p.subHandler
		p.handlersMu.RUnlock()

		if handler != nil {
			handler(body.SubscriberName, body.SignalName)
		}
	case *wire.ResponseReturn, *wire.ResponseError, *wire.ResponseSignal:
		p.calls.Resolve(m)
	default:
		log.WithField("kind", fmt.Sprintf("%T", body)).Warn("client: unexpected message on peer connection")
	}
}

func (p *PeerConn) dispatchCall(seq uint64, call *wire.MethodCall) {
	p.handlersMu.RLock()
	handler, ok := p.callHandlers[call.MethodName]
	p.handlersMu.RUnlock()

	if !ok {
		resp := wire.NewResponseError(wire.ErrServiceNotFound)
		resp.Seq = seq
		p.socket.Enqueue(resp) //nolint:errcheck

		return
	}

	go func() {
		value, err := handler(call.Params)

		var resp *wire.Message

		if err != nil {
			kind := wire.ErrInternal
			if busErr, ok := err.(*wire.BusError); ok {
				kind = busErr.Kind
			}

			resp = wire.NewResponseError(kind)
		} else {
			resp = wire.NewResponseReturn(value)
		}

		resp.Seq = seq

		if err := p.socket.Enqueue(resp); err != nil {
			log.WithError(err).Warn("client: failed to deliver call response")
		}
	}()
}

// Call invokes methodName on the peer, encoding params and decoding the
// returned value into out (unless out is nil).
func (p *PeerConn) Call(ctx context.Context, methodName string, params interface{}, out interface{}) error {
	encoded, err := msgpack.Marshal(params)
	if err != nil {
		return fmt.Errorf("client: encode call params: %w", err)
	}

	sink := make(chan *wire.Message, 1)
	msg := wire.NewMethodCall(p.selfName, methodName, encoded)

	if err := p.calls.Call(p.socket, msg, sink); err != nil {
		return err
	}

	select {
	case resp := <-sink:
		switch body := resp.Body.(type) {
		case *wire.ResponseError:
			return wire.NewBusError(body.Kind)
		case *wire.ResponseReturn:
			if out == nil {
				return nil
			}

			return msgpack.Unmarshal(body.Value, out)
		default:
			return fmt.Errorf("client: unexpected response kind %T to call", body)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe requests delivery of signalName's emissions, returning a
// channel fed with each Response.Signal payload until Unsubscribe or
// disconnect.
func (p *PeerConn) Subscribe(ctx context.Context, signalName string) (<-chan []byte, error) {
	sink := make(chan *wire.Message, 4)
	msg := wire.NewSignalSubscription(p.selfName, signalName)

	if err := p.calls.Call(p.socket, msg, sink); err != nil {
		return nil, err
	}

	p.subsMu.Lock()
	p.subscribers[signalName] = subscription{seq: msg.Seq, sink: sink}
	p.subsMu.Unlock()

	out := make(chan []byte, 4)

	go func() {
		defer close(out)

		for m := range sink {
			if sig, ok := m.Body.(*wire.ResponseSignal); ok {
				select {
				case out <- sig.Value:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Unsubscribe drops signalName's call-table entry locally. There is no
// wire message for this (§9 open question): the emitting side keeps
// sending Signal until it independently learns the subscriber is gone, so
// the call registry entry must be removed here or a late-arriving Signal
// would hit a closed sink in Registry.Resolve's select and panic.
func (p *PeerConn) Unsubscribe(signalName string) {
	p.subsMu.Lock()
	sub, ok := p.subscribers[signalName]
	delete(p.subscribers, signalName)
	p.subsMu.Unlock()

	if !ok {
		return
	}

	p.calls.Unsubscribe(sub.seq)
	close(sub.sink)
}

// HandleCall registers fn to answer inbound MethodCall requests named
// methodName.
func (p *PeerConn) HandleCall(methodName string, fn func(params []byte) ([]byte, error)) {
	p.handlersMu.Lock()
	p.callHandlers[methodName] = fn
	p.handlersMu.Unlock()
}

// HandleSignalSubscription registers fn to be invoked whenever the peer
// subscribes to a signal on this connection.
func (p *PeerConn) HandleSignalSubscription(fn func(subscriberName, signalName string)) {
	p.handlersMu.Lock()
	p.subHandler = fn
	p.handlersMu.Unlock()
}

// EmitSignal pushes payload as a Response.Signal to whichever seq the peer
// last subscribed signalName under. Returns an error if the peer has never
// subscribed to signalName on this connection. A peer's Unsubscribe is not
// sent over the wire, so emission still succeeds after it.
func (p *PeerConn) EmitSignal(ctx context.Context, signalName string, payload interface{}) error {
	p.subsMu.Lock()
	seq, ok := p.signalSeqs[signalName]
	p.subsMu.Unlock()

	if !ok {
		return fmt.Errorf("client: no subscriber for signal %q", signalName)
	}

	encoded, err := msgpack.Marshal(payload)
	if err != nil {
		return fmt.Errorf("client: encode signal payload: %w", err)
	}

	resp := wire.NewResponseSignal(encoded)
	resp.Seq = seq

	return p.socket.Enqueue(resp)
}

// Close tears down the direct connection.
func (p *PeerConn) Close() {
	p.socket.Close()
}
