// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package peer

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// sendFd transfers f's descriptor over conn's ancillary data channel,
// framed separately from (after) the preceding Message write, matching the
// handoff sequencing in §6b: write the message, wait for writable, then
// transfer exactly one descriptor.
func sendFd(conn *net.UnixConn, f *os.File) error {
	rights := unix.UnixRights(int(f.Fd()))

	// The rights ride on a one-byte regular payload: a stream socket does
	// not deliver ancillary data without at least one byte of real data.
	// recvFd reads that byte back along with the rights.
	_, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil)
	if err != nil {
		return fmt.Errorf("send fd: %w", err)
	}

	return nil
}

// recvFd blocks until one descriptor arrives on conn's ancillary data
// channel and returns it as an *os.File the caller owns.
func recvFd(conn *net.UnixConn) (*os.File, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("recv fd: %w", err)
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}

	if len(msgs) != 1 {
		return nil, fmt.Errorf("recv fd: expected 1 control message, got %d", len(msgs))
	}

	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return nil, fmt.Errorf("parse unix rights: %w", err)
	}

	if len(fds) != 1 {
		return nil, fmt.Errorf("recv fd: expected 1 descriptor, got %d", len(fds))
	}

	return os.NewFile(uintptr(fds[0]), "caro-bus-peer"), nil
}

// socketPair creates a connected pair of Unix domain stream sockets,
// returned as raw *os.File descriptors ready to be handed off to two
// different client connections (§4.5 step 3).
func socketPair() (a, b *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	return os.NewFile(uintptr(fds[0]), "caro-bus-pair-a"), os.NewFile(uintptr(fds[1]), "caro-bus-pair-b"), nil
}

// FileToUnixConn converts a raw descriptor (received via recvFd, or one
// half of a socketPair) into a usable *net.UnixConn, taking ownership of f
// (it is closed once the resulting conn, or an error path, is done with
// it — net.FileConn dup()s the descriptor internally).
func FileToUnixConn(f *os.File) (*net.UnixConn, error) {
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("file to conn: %w", err)
	}

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("file to conn: not a unix socket")
	}

	return unixConn, nil
}
