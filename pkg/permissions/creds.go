// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package permissions

// PeerCredentials identifies the Unix process on the other end of a
// freshly accepted hub connection, as read off the socket itself (not
// supplied by the client) so a malicious peer can't lie about who it is.
type PeerCredentials struct {
	UID uint32
	GID uint32
	PID int32
}
