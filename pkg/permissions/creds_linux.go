// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

//go:build linux

package permissions

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// PeerCredentialsFromConn reads SO_PEERCRED off conn's underlying file
// descriptor to recover the real uid/gid/pid of the connecting process.
func PeerCredentialsFromConn(conn *net.UnixConn) (PeerCredentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return PeerCredentials{}, fmt.Errorf("peer credentials: %w", err)
	}

	var ucred *unix.Ucred
	var sockErr error

	ctrlErr := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return PeerCredentials{}, fmt.Errorf("peer credentials: %w", ctrlErr)
	}

	if sockErr != nil {
		return PeerCredentials{}, fmt.Errorf("peer credentials: SO_PEERCRED: %w", sockErr)
	}

	return PeerCredentials{UID: ucred.Uid, GID: ucred.Gid, PID: ucred.Pid}, nil
}
