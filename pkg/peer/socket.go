// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

// Package peer implements the per-connection socket task that every hub
// client and every rendezvous-created peer connection runs: one goroutine
// owning the socket, multiplexing an inbound read loop against an outbound
// queue, exactly as pkg/p2p/peer/peermgr/peer.go's inch/outch/quitch shape
// does for the teacher's gossip peers (§4.3).
package peer

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/caro-platform/caro-bus-go/pkg/wire"
)

// DefaultOutboundQueueSize is the reference outbound channel capacity from
// §5, used when a caller doesn't have a configured value to hand NewSocket.
const DefaultOutboundQueueSize = 32

// OutboundItem is one entry on a Socket's outbound queue. When Fd is set,
// the write loop writes Message first, waits for the socket to become
// writable, then transfers Fd out-of-band — the distinguished
// "Message + file descriptor" variant from §4.3.
type OutboundItem struct {
	Message *wire.Message
	Fd      *os.File
}

// Socket owns one Unix-domain connection exclusively: no other goroutine
// touches conn directly, matching the ownership rule in §3 ("the peer
// socket is exclusively owned by its per-connection task").
type Socket struct {
	conn *net.UnixConn
	name string // for log lines; service name once known, else remote description

	outch chan OutboundItem
	quit  chan struct{}

	closed    int32
	closeOnce sync.Once
	readErr   error // set by readLoop just before it returns; read once on the same unwind

	// OnMessage is invoked from the read goroutine for every complete,
	// successfully decoded frame. It must not block for long: a slow
	// handler stalls this connection's inbound demux, never others.
	OnMessage func(*wire.Message)

	// OnClose is invoked exactly once, whatever the reason (read error,
	// write error, or explicit Close), after the socket has been closed.
	OnClose func(err error)
}

// NewSocketPair creates a connected pair of Unix domain stream sockets,
// ready to be handed off to two different client connections (§4.5 step 3).
func NewSocketPair() (a, b *os.File, err error) {
	return socketPair()
}

// NewSocket wraps conn in a Socket with the default outbound queue capacity.
// Call Run to start its goroutines.
func NewSocket(conn *net.UnixConn, name string) *Socket {
	return NewSocketWithQueueSize(conn, name, DefaultOutboundQueueSize)
}

// NewSocketWithQueueSize is NewSocket with an explicit outbound channel
// capacity, sourced from config.OutboundQueueSize() by callers that have a
// process-wide configuration to read (§5/§6).
func NewSocketWithQueueSize(conn *net.UnixConn, name string, queueSize int) *Socket {
	if queueSize <= 0 {
		queueSize = DefaultOutboundQueueSize
	}

	return &Socket{
		conn:  conn,
		name:  name,
		outch: make(chan OutboundItem, queueSize),
		quit:  make(chan struct{}),
	}
}

// Run starts the read and write loops and blocks until both have exited.
// Callers that want a fire-and-forget connection should invoke Run in its
// own goroutine.
func (s *Socket) Run() {
	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		s.readLoop()
	}()

	go func() {
		defer wg.Done()
		s.writeLoop()
	}()

	wg.Wait()
}

// Enqueue queues message for delivery, implementing callregistry.Writer.
func (s *Socket) Enqueue(message *wire.Message) error {
	return s.enqueue(OutboundItem{Message: message})
}

// EnqueueWithFd queues message followed by the out-of-band transfer of fd,
// the atomic-from-the-receiver's-view handoff described in §4.5 step 4/5.
// Ownership of fd passes to the Socket; it is closed once sent (or on
// connection teardown if never reached).
func (s *Socket) EnqueueWithFd(message *wire.Message, fd *os.File) error {
	return s.enqueue(OutboundItem{Message: message, Fd: fd})
}

func (s *Socket) enqueue(item OutboundItem) error {
	if atomic.LoadInt32(&s.closed) != 0 {
		if item.Fd != nil {
			item.Fd.Close()
		}

		return fmt.Errorf("peer: socket closed")
	}

	select {
	case s.outch <- item:
		return nil
	case <-s.quit:
		if item.Fd != nil {
			item.Fd.Close()
		}

		return fmt.Errorf("peer: socket closed")
	}
}

// EnqueueShutdownBlocking sends Response.Shutdown with a blocking send even
// past the normal buffered capacity, so the final word isn't lost to a
// teardown race (§5 "deliberate blocking operation").
func (s *Socket) EnqueueShutdownBlocking(reason string) {
	msg := wire.NewResponseShutdown(reason)

	select {
	case s.outch <- OutboundItem{Message: msg}:
	case <-s.quit:
		// Already torn down; nothing left to deliver to.
	}
}

// Close shuts the connection down and triggers OnClose(nil) if it hasn't
// already fired due to a read/write error.
func (s *Socket) Close() {
	s.closeWith(nil)
}

func (s *Socket) closeWith(err error) {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.closed, 1)
		close(s.quit)
		s.conn.Close()

		if s.OnClose != nil {
			s.OnClose(err)
		}
	})
}

// RecvFd blocks until the next out-of-band descriptor arrives on this
// socket. Callers must only invoke this immediately after OnMessage has
// handed them a message that, per the protocol, is followed by exactly one
// descriptor (Response.Ok to a Connect caller, or ServiceControl.
// IncomingPeerFd to the target) — see readLoop's exact-frame reads for why
// this never races with the buffered frame parser.
func (s *Socket) RecvFd() (*os.File, error) {
	return recvFd(s.conn)
}

// readLoop drives wire.Parse over an accumulating buffer, reading exactly
// as many bytes as Parse's NeedMore asks for on each step — never more.
// Reading exact sizes (rather than opportunistically buffering whatever the
// kernel has ready) means the loop never consumes bytes belonging to a
// subsequent out-of-band fd transfer, which is what lets RecvFd safely call
// ReadMsgUnix right after a fd-bearing message is dispatched: by the time a
// Complete result hands that message to OnMessage, buf holds exactly that
// one frame and nothing past its boundary.
func (s *Socket) readLoop() {
	defer func() { s.closeWith(s.readErr) }()

	var buf []byte

	for {
		result, consumed := wire.Parse(buf)

		switch {
		case result.Err != nil:
			s.readErr = result.Err
			log.WithField("peer", s.name).WithField("bytes", len(buf)).WithError(result.Err).Warn("protocol error: frame decode failed, disconnecting")

			return
		case result.Message != nil:
			buf = buf[consumed:]

			if s.OnMessage != nil {
				s.OnMessage(result.Message)
			}
		default:
			chunk := make([]byte, result.NeedMore)
			if _, err := io.ReadFull(s.conn, chunk); err != nil {
				s.readErr = err
				return
			}

			buf = append(buf, chunk...)
		}
	}
}

func (s *Socket) writeLoop() {
	var writeErr error

	defer func() {
		s.closeWith(writeErr)
		s.drainOutboundOnClose()
	}()

	for {
		select {
		case item := <-s.outch:
			if err := s.writeItem(item); err != nil {
				writeErr = err
				return
			}

			if _, isShutdown := item.Message.Body.(*wire.ResponseShutdown); isShutdown {
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Socket) writeItem(item OutboundItem) error {
	if item.Fd != nil {
		defer item.Fd.Close()
	}

	frame, err := wire.EncodeFrame(item.Message)
	if err != nil {
		return fmt.Errorf("encode outbound frame: %w", err)
	}

	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	if item.Fd == nil {
		return nil
	}

	if err := sendFd(s.conn, item.Fd); err != nil {
		return err
	}

	return nil
}

// drainOutboundOnClose closes any descriptors left queued when the socket
// is torn down, so a peer that never got to consume them doesn't leak fds.
func (s *Socket) drainOutboundOnClose() {
	for {
		select {
		case item := <-s.outch:
			if item.Fd != nil {
				item.Fd.Close()
			}
		default:
			return
		}
	}
}
