// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

// Package callregistry implements the per-peer call correlation table: it
// attaches sequence numbers to outbound requests, routes inbound responses
// back to the originating caller, and distinguishes one-shot calls from
// long-lived subscriptions (§4.2).
package callregistry

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/caro-platform/caro-bus-go/pkg/wire"
)

// Writer is the subset of a peer socket's outbound path a CallRegistry
// needs: enqueue a fully-framed message for delivery. Kept as an interface
// so tests can swap in a recording fake instead of a real socket.
type Writer interface {
	Enqueue(m *wire.Message) error
}

// Registry tracks outstanding calls for one peer connection: seq -> sink.
// A single Registry is shared between the connection's read goroutine
// (resolving responses) and every goroutine issuing calls on that
// connection, guarded by a sync.RWMutex (same discipline as
// pkg/p2p/peer/dupemap.TmpMap in the teacher repo).
type Registry struct {
	seqCounter uint64

	lock  sync.RWMutex
	calls map[uint64]chan *wire.Message
}

// New creates an empty call registry.
func New() *Registry {
	return &Registry{
		calls: make(map[uint64]chan *wire.Message),
	}
}

// Call draws the next seq, stamps it onto message, writes it through out,
// and — only once the write succeeds — registers sink to receive the
// eventual response(s). A write failure therefore never leaves a ghost
// table entry (§4.2).
func (r *Registry) Call(out Writer, message *wire.Message, sink chan *wire.Message) error {
	seq := atomic.AddUint64(&r.seqCounter, 1)
	message.Seq = seq

	log.WithField("seq", seq).Trace("registering a call")

	if err := out.Enqueue(message); err != nil {
		return err
	}

	r.lock.Lock()
	r.calls[seq] = sink
	r.lock.Unlock()

	return nil
}

// Resolve delivers message to the sink registered for its seq, if any. If
// the body is a Response.Signal the table entry is kept (subscriptions may
// fire repeatedly); any other response removes it. Delivery never blocks
// forever: a sink whose receiver has stopped draining is given a
// non-blocking send, and the failure is logged rather than propagated.
func (r *Registry) Resolve(message *wire.Message) {
	terminal := message.IsTerminal()

	r.lock.RLock()
	sink, ok := r.calls[message.Seq]
	r.lock.RUnlock()

	if !ok {
		log.WithField("seq", message.Seq).Warn("unknown client response, dropping")
		return
	}

	select {
	case sink <- message:
		log.WithField("seq", message.Seq).Trace("resolved call")
	default:
		log.WithField("seq", message.Seq).Warn("failed to deliver response: sink not receiving")
	}

	if terminal {
		r.lock.Lock()
		delete(r.calls, message.Seq)
		r.lock.Unlock()
	}
}

// HasCall reports whether seq still has a live table entry. Chiefly useful
// for tests asserting subscription persistence (§8 property 4).
func (r *Registry) HasCall(seq uint64) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	_, ok := r.calls[seq]
	return ok
}

// Unsubscribe removes seq's table entry without requiring a terminal
// response to have arrived. This is the local half of "explicitly
// unsubscribed" in §3's call-entry lifecycle note: there is no wire message
// for it (see DESIGN.md open question), so a peer that no longer wants
// Signal deliveries simply stops tracking the seq.
func (r *Registry) Unsubscribe(seq uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()

	delete(r.calls, seq)
}
