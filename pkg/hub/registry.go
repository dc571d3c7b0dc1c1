// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

// Package hub implements the rendezvous engine: the per-connection client
// state machine (§4.5), the serialized name table and connect handoff
// (§4.6), and the operational stats store behind the introspection API
// (§4.7).
package hub

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/caro-platform/caro-bus-go/pkg/peer"
	"github.com/caro-platform/caro-bus-go/pkg/permissions"
	"github.com/caro-platform/caro-bus-go/pkg/wire"
)

// ErrRateLimited is returned by submit when the hub-wide limiter has no
// tokens left; the caller replies Error(Internal) without ever reaching
// the name table (§4.6).
var ErrRateLimited = errors.New("hub: rate limit exceeded")

// actionQueueSize bounds how many pending registry actions may be queued
// ahead of the single consuming goroutine before submit blocks its caller
// (§5 backpressure: producers await a full queue rather than drop work).
const actionQueueSize = 64

// Registry is the hub's single source of truth: the name table, and the
// serialized action queue every Register/Connect decision runs through so
// that at the channel's head there is exactly one decision for any given
// name (§4.6), the same "inch <- func(){...}" idiom the teacher's peer
// actor uses for its own command queue.
type Registry struct {
	oracle *permissions.Oracle
	stats  *StatsStore
	limiter *rate.Limiter
	dupe   *dupeFilter

	mu     sync.RWMutex
	byName map[string]*Client

	actions chan func()
	quit    chan struct{}
	once    sync.Once
}

// NewRegistry creates a registry ready to have Run called on it.
func NewRegistry(oracle *permissions.Oracle, stats *StatsStore, ratePerSec float64, burst int, dupeTTL time.Duration) *Registry {
	return &Registry{
		oracle:  oracle,
		stats:   stats,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		dupe:    newDupeFilter(dupeTTL),
		byName:  make(map[string]*Client),
		actions: make(chan func(), actionQueueSize),
		quit:    make(chan struct{}),
	}
}

// Run consumes queued actions one at a time until Stop is called. Intended
// to run in its own goroutine for the hub's lifetime.
func (r *Registry) Run() {
	for {
		select {
		case fn := <-r.actions:
			fn()
		case <-r.quit:
			return
		}
	}
}

// Stop ends Run's loop. Actions already queued are dropped.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.quit) })
}

// submit rate-limits then serializes fn onto the action queue. It blocks
// if the queue is full (§5 backpressure), and returns ErrRateLimited
// without enqueueing anything if the hub-wide limiter denies the attempt.
func (r *Registry) submit(fn func()) error {
	if !r.limiter.Allow() {
		return ErrRateLimited
	}

	select {
	case r.actions <- fn:
		return nil
	case <-r.quit:
		return errors.New("hub: registry stopped")
	}
}

// seenRecently reports whether (id, requestedName) was already attempted
// within the dupe filter's TTL window, short-circuiting a registration
// flood without ever touching the serialized action queue (§4.5).
func (r *Registry) seenRecently(id, requestedName string) bool {
	return r.dupe.Seen(id, requestedName)
}

// register attempts to bind requestedName to c on the serialized action
// queue. The outcome is delivered by c.socket.Enqueue from inside the
// closure, mirroring the teacher's peermgr pattern of doing the actual
// socket write from within the serialized command.
func (r *Registry) register(c *Client, requestedName string) error {
	return r.submit(func() {
		r.mu.Lock()

		if _, exists := r.byName[requestedName]; exists {
			r.mu.Unlock()
			c.revertToUnregistered()
			c.send(wire.NewResponseError(wire.ErrNameAlreadyRegistered))

			return
		}

		r.byName[requestedName] = c
		r.mu.Unlock()

		c.completeRegistration(requestedName)
		c.send(wire.NewResponseOk())
		r.stats.Touch(requestedName)
	})
}

// connect attempts to rendezvous c (already registered as selfName) with
// peerServiceName, per the six steps of §4.5. Every outcome, success or
// failure, is delivered from inside the serialized closure.
func (r *Registry) connect(c *Client, selfName, peerServiceName string) error {
	return r.submit(func() {
		if !r.oracle.ConnectionAllowed(selfName, peerServiceName) {
			log.WithFields(log.Fields{"caller": selfName, "target": peerServiceName}).Warn("connection not allowed")
			c.send(wire.NewResponseError(wire.ErrNotAllowed))

			return
		}

		r.mu.RLock()
		target, ok := r.byName[peerServiceName]
		r.mu.RUnlock()

		if !ok {
			c.send(wire.NewResponseError(wire.ErrServiceNotFound))
			return
		}

		a, b, err := peer.NewSocketPair()
		if err != nil {
			log.WithError(err).Warn("failed to create rendezvous socket pair")
			c.send(wire.NewResponseError(wire.ErrInternal))

			return
		}

		if err := target.sendWithFd(wire.NewIncomingPeerFd(selfName), a); err != nil {
			log.WithError(err).WithField("target", peerServiceName).Warn("failed to hand off descriptor to target")
		}

		if err := c.sendWithFd(wire.NewResponseOk(), b); err != nil {
			log.WithError(err).WithField("caller", selfName).Warn("failed to hand off descriptor to caller")
		}

		r.stats.IncrementConnections(selfName)
		r.stats.IncrementConnections(peerServiceName)
	})
}

// unregister removes name from the table, best-effort, called from
// Terminated handling. It does not go through the serialized action queue
// deliberately: it must complete even if the registry is shutting down or
// saturated, since it's cleanup rather than a decision with races to
// avoid.
func (r *Registry) unregister(name string) {
	if name == "" {
		return
	}

	r.mu.Lock()
	delete(r.byName, name)
	r.mu.Unlock()

	r.stats.Remove(name)
}

// lookup returns the client registered under name, if any. It is
// unexported; the introspection package reads through Names and Stats.
func (r *Registry) lookup(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byName[name]

	return c, ok
}

// Names returns every currently registered service name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}

	return names
}

// Stats exposes the registry's stats store for the introspection root.
func (r *Registry) Stats() *StatsStore {
	return r.stats
}
