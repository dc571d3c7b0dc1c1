// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package wire

// ErrorKind enumerates the wire-visible error variants a hub or peer can
// return inside a Response.Error message.
type ErrorKind int

const (
	// ErrInvalidProtocol is returned when a client speaks an unsupported
	// protocol version, or sends a message that isn't valid in its current
	// state machine state.
	ErrInvalidProtocol ErrorKind = iota
	// ErrNotAllowed is returned when the permission oracle denies a
	// registration or connection request.
	ErrNotAllowed
	// ErrServiceNotFound is returned when a Connect target isn't registered.
	ErrServiceNotFound
	// ErrNameAlreadyRegistered is returned when a requested service name
	// collides with an existing entry in the hub name table.
	ErrNameAlreadyRegistered
	// ErrAlreadyRegistered is a client-side error: the local handle has
	// already completed a Register call.
	ErrAlreadyRegistered
	// ErrInternal covers everything else: limiter rejection, duplicate-burst
	// rejection, and unexpected failures that shouldn't leak detail to the
	// wire.
	ErrInternal
)

// String renders the error kind the way it would appear in a log line or an
// integration test failure message.
func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidProtocol:
		return "InvalidProtocol"
	case ErrNotAllowed:
		return "NotAllowed"
	case ErrServiceNotFound:
		return "ServiceNotFound"
	case ErrNameAlreadyRegistered:
		return "NameAlreadyRegistered"
	case ErrAlreadyRegistered:
		return "AlreadyRegistered"
	case ErrInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error implements the error interface so an ErrorKind can be returned
// directly from client-side APIs (e.g. pkg/client) and compared with
// errors.Is via BusError below.
func (k ErrorKind) Error() string {
	return "caro-bus: " + k.String()
}

// BusError wraps an ErrorKind as returned over the wire inside a
// Response.Error, keeping the taxonomy distinct from local-only errors
// (I/O failure, decode failure) which are propagated as plain Go errors
// instead.
type BusError struct {
	Kind ErrorKind
}

// NewBusError builds a BusError for the given kind.
func NewBusError(kind ErrorKind) *BusError {
	return &BusError{Kind: kind}
}

func (e *BusError) Error() string {
	return e.Kind.Error()
}

// Is lets errors.Is(err, wire.ErrNotAllowed) work against a *BusError.
func (e *BusError) Is(target error) bool {
	kind, ok := target.(ErrorKind)
	return ok && e.Kind == kind
}
