// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

//go:build !linux

package permissions

import (
	"fmt"
	"net"
)

// PeerCredentialsFromConn has no portable equivalent of Linux's
// SO_PEERCRED outside this build; BSD/Darwin use LOCAL_PEERCRED/getpeereid
// instead, which this implementation does not yet cover. Callers get an
// error, and the hub closes such a connection without serving it.
func PeerCredentialsFromConn(conn *net.UnixConn) (PeerCredentials, error) {
	return PeerCredentials{}, fmt.Errorf("peer credentials: not implemented on this platform")
}
