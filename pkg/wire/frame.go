// This Source Code Form is subject to the terms of the MIT License.
// If a copy of the MIT License was not distributed with this
// file, you can obtain one at https://opensource.org/licenses/MIT.
//
// Copyright (c) DUSK NETWORK. All rights reserved.

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// lengthPrefixSize is the width, in bytes, of the little-endian frame
// length header. The length it encodes includes these bytes.
const lengthPrefixSize = 4

// ErrDecodeFailed marks a frame whose length header was complete but whose
// payload failed to decode. It is always fatal to the connection (§4.1):
// there is no framing delimiter beyond the length prefix, so resynchronizing
// mid-stream isn't safe.
var ErrDecodeFailed = errors.New("wire: frame decode failed")

// ParseResult is the outcome of one Parse attempt over a buffer.
type ParseResult struct {
	// Message is set iff a complete frame was consumed.
	Message *Message
	// NeedMore is the minimum number of additional bytes required before
	// another Parse call could succeed, set iff Message is nil and Err is
	// nil.
	NeedMore int
	// Err is set iff the frame's length header was complete but its
	// payload failed to decode. The caller must close the connection.
	Err error
}

// EncodeFrame serializes m into a length-prefixed frame ready to write to a
// socket: 4 little-endian bytes giving the whole frame's length (header
// included), followed by the msgpack-encoded envelope.
func EncodeFrame(m *Message) ([]byte, error) {
	body, err := m.Encode()
	if err != nil {
		return nil, err
	}

	frameLen := lengthPrefixSize + len(body)
	if frameLen > 1<<31-1 {
		return nil, fmt.Errorf("wire: frame too large (%d bytes)", frameLen)
	}

	frame := make([]byte, frameLen)
	binary.LittleEndian.PutUint32(frame[:lengthPrefixSize], uint32(frameLen))
	copy(frame[lengthPrefixSize:], body)

	return frame, nil
}

// Parse is the incremental parser: it never blocks, never copies beyond the
// decoded frame, and leaves buf untouched on NeedMore so the caller can
// append more bytes and retry (§4.1).
//
// On Complete (Message != nil), the caller is responsible for advancing its
// buffer past the returned consumed length; Parse itself never mutates buf.
func Parse(buf []byte) (ParseResult, int) {
	if len(buf) < lengthPrefixSize {
		return ParseResult{NeedMore: lengthPrefixSize - len(buf)}, 0
	}

	frameLen := int(int32(binary.LittleEndian.Uint32(buf[:lengthPrefixSize])))
	if frameLen < lengthPrefixSize {
		return ParseResult{Err: fmt.Errorf("%w: invalid frame length %d", ErrDecodeFailed, frameLen)}, 0
	}

	if len(buf) < frameLen {
		return ParseResult{NeedMore: frameLen - len(buf)}, 0
	}

	msg, err := Decode(buf[lengthPrefixSize:frameLen])
	if err != nil {
		return ParseResult{Err: fmt.Errorf("%w: %v", ErrDecodeFailed, err)}, 0
	}

	return ParseResult{Message: msg}, frameLen
}
