// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

// Package wire implements the caro-bus framed message protocol: the
// length-prefixed binary document format, the tagged-union message model,
// and the small set of control messages that drive hub registration and
// peer connection.
package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ProtocolVersion is the wire protocol version this implementation speaks.
const ProtocolVersion int64 = 1

// InvalidSeq is the sentinel seq value meaning "not yet assigned by a call
// registry". Client-side constructors always stamp new outbound messages
// with it; callregistry.Registry.Call overwrites it before the message hits the wire.
const InvalidSeq uint64 = 0xDEADBEEF

// bodyKind tags which variant a Message.Body holds. It is serialized
// alongside the variant's payload so the decoder can reconstruct the right
// Go type without relying on msgpack's dynamic typing.
type bodyKind uint8

const (
	kindRegister bodyKind = iota
	kindConnect
	kindIncomingPeerFd
	kindMethodCall
	kindSignalSubscription
	kindResponseOk
	kindResponseShutdown
	kindResponseReturn
	kindResponseSignal
	kindResponseError
)

// Message is the envelope every caro-bus frame carries: a correlation
// sequence number and exactly one body variant.
type Message struct {
	Seq  uint64 `msgpack:"seq"`
	Kind bodyKind `msgpack:"kind"`
	Body interface{} `msgpack:"body"`
}

// --- body variants -----------------------------------------------------

// Register asks the hub to bind the sender to service_name.
type Register struct {
	ProtocolVersion int64  `msgpack:"protocol_version"`
	ServiceName     string `msgpack:"service_name"`
}

// Connect asks the hub to rendezvous the sender with peer_service_name.
type Connect struct {
	PeerServiceName string `msgpack:"peer_service_name"`
}

// IncomingPeerFd is sent by the hub to the callee immediately before
// transferring the peer socket descriptor out-of-band.
type IncomingPeerFd struct {
	PeerServiceName string `msgpack:"peer_service_name"`
}

// MethodCall is a request for caller_name to invoke method_name on the
// receiving peer, with an opaque msgpack-encoded params document.
type MethodCall struct {
	CallerName string `msgpack:"caller_name"`
	MethodName string `msgpack:"method_name"`
	Params     []byte `msgpack:"params"`
}

// SignalSubscription asks a peer to start delivering Response.Signal
// messages for signal_name back to subscriber_name's seq.
type SignalSubscription struct {
	SubscriberName string `msgpack:"subscriber_name"`
	SignalName     string `msgpack:"signal_name"`
}

// ResponseOk is an empty acknowledgement.
type ResponseOk struct{}

// ResponseShutdown tells the receiving end the sender is going away, with a
// human-readable reason.
type ResponseShutdown struct {
	Reason string `msgpack:"reason"`
}

// ResponseReturn is the terminal reply to a MethodCall.
type ResponseReturn struct {
	Value []byte `msgpack:"value"`
}

// ResponseSignal is one emission of a subscribed signal. It never
// terminates the call table entry it is delivered against.
type ResponseSignal struct {
	Value []byte `msgpack:"value"`
}

// ResponseError carries one of the wire-visible ErrorKind values.
type ResponseError struct {
	Kind ErrorKind `msgpack:"kind"`
}

// IsTerminal reports whether a response body ends the call it answers.
// Response.Signal is the sole non-terminal variant (§3 invariant).
func (m *Message) IsTerminal() bool {
	_, isSignal := m.Body.(*ResponseSignal)
	return !isSignal
}

// --- constructors, all stamping the sentinel seq ------------------------

// NewRegister builds a Register control message.
func NewRegister(serviceName string) *Message {
	return &Message{Seq: InvalidSeq, Kind: kindRegister, Body: &Register{
		ProtocolVersion: ProtocolVersion,
		ServiceName:     serviceName,
	}}
}

// NewConnect builds a Connect control message.
func NewConnect(peerServiceName string) *Message {
	return &Message{Seq: InvalidSeq, Kind: kindConnect, Body: &Connect{PeerServiceName: peerServiceName}}
}

// NewIncomingPeerFd builds the message the hub sends to a connect callee.
func NewIncomingPeerFd(peerServiceName string) *Message {
	return &Message{Seq: InvalidSeq, Kind: kindIncomingPeerFd, Body: &IncomingPeerFd{PeerServiceName: peerServiceName}}
}

// NewMethodCall builds a MethodCall with an already-encoded params document.
func NewMethodCall(callerName, methodName string, params []byte) *Message {
	return &Message{Seq: InvalidSeq, Kind: kindMethodCall, Body: &MethodCall{
		CallerName: callerName,
		MethodName: methodName,
		Params:     params,
	}}
}

// NewSignalSubscription builds a SignalSubscription.
func NewSignalSubscription(subscriberName, signalName string) *Message {
	return &Message{Seq: InvalidSeq, Kind: kindSignalSubscription, Body: &SignalSubscription{
		SubscriberName: subscriberName,
		SignalName:     signalName,
	}}
}

// NewResponseOk builds a terminal Ok response.
func NewResponseOk() *Message {
	return &Message{Seq: InvalidSeq, Kind: kindResponseOk, Body: &ResponseOk{}}
}

// NewResponseShutdown builds a terminal Shutdown response.
func NewResponseShutdown(reason string) *Message {
	return &Message{Seq: InvalidSeq, Kind: kindResponseShutdown, Body: &ResponseShutdown{Reason: reason}}
}

// NewResponseReturn builds a terminal Return response carrying an
// already-encoded value document.
func NewResponseReturn(value []byte) *Message {
	return &Message{Seq: InvalidSeq, Kind: kindResponseReturn, Body: &ResponseReturn{Value: value}}
}

// NewResponseSignal builds a non-terminal Signal response.
func NewResponseSignal(value []byte) *Message {
	return &Message{Seq: InvalidSeq, Kind: kindResponseSignal, Body: &ResponseSignal{Value: value}}
}

// NewResponseError builds a terminal Error response.
func NewResponseError(kind ErrorKind) *Message {
	return &Message{Seq: InvalidSeq, Kind: kindResponseError, Body: &ResponseError{Kind: kind}}
}

// Encode serializes the message body into its own msgpack document, then
// serializes {seq, kind, body-bytes} as the frame payload. Keeping the body
// as a nested raw document lets bodyKind steer decoding without teaching
// msgpack about a Go interface type switch.
func (m *Message) Encode() ([]byte, error) {
	bodyBytes, err := msgpack.Marshal(m.Body)
	if err != nil {
		return nil, fmt.Errorf("encode message body: %w", err)
	}

	envelope := wireEnvelope{Seq: m.Seq, Kind: m.Kind, Body: bodyBytes}

	return msgpack.Marshal(&envelope)
}

// wireEnvelope is the on-the-wire shape; Message.Body is decoded lazily
// into its concrete type once Kind is known (see Decode).
type wireEnvelope struct {
	Seq  uint64   `msgpack:"seq"`
	Kind bodyKind `msgpack:"kind"`
	Body []byte   `msgpack:"body"`
}

// Decode parses one full msgpack document (as sliced out by the frame
// parser in frame.go) back into a Message.
func Decode(doc []byte) (*Message, error) {
	var env wireEnvelope
	if err := msgpack.Unmarshal(doc, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	body, err := decodeBody(env.Kind, env.Body)
	if err != nil {
		return nil, err
	}

	return &Message{Seq: env.Seq, Kind: env.Kind, Body: body}, nil
}

func decodeBody(kind bodyKind, raw []byte) (interface{}, error) {
	var target interface{}

	switch kind {
	case kindRegister:
		target = &Register{}
	case kindConnect:
		target = &Connect{}
	case kindIncomingPeerFd:
		target = &IncomingPeerFd{}
	case kindMethodCall:
		target = &MethodCall{}
	case kindSignalSubscription:
		target = &SignalSubscription{}
	case kindResponseOk:
		target = &ResponseOk{}
	case kindResponseShutdown:
		target = &ResponseShutdown{}
	case kindResponseReturn:
		target = &ResponseReturn{}
	case kindResponseSignal:
		target = &ResponseSignal{}
	case kindResponseError:
		target = &ResponseError{}
	default:
		return nil, fmt.Errorf("unknown message kind %d", kind)
	}

	if err := msgpack.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decode body kind %d: %w", kind, err)
	}

	return target, nil
}
