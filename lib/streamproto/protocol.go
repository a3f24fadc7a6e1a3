// Copyright 2026 The Virtstream Authors
// SPDX-License-Identifier: Apache-2.0

// Package streamproto implements the wire format of the stream device
// protocol spoken between the guest agent and the hypervisor-side
// consumer over the virtio-serial channel.
//
// Every message is a fixed 12-byte header followed by a type-specific
// body. All integers are little-endian, matching the guest ABI the
// device protocol was defined against. The header carries the protocol
// version, the message type, and the body length:
//
//	[4 bytes protocol version] [1 byte type] [3 bytes padding] [4 bytes body size]
//
// Incoming messages (Capabilities, NotifyError, StartStop) originate
// from an attacker-adjacent peer, so every declared size is validated
// against a hard bound before any payload byte is read. Outgoing
// messages (Format, Data, the empty Capabilities reply) are encoded by
// pure functions.
package streamproto

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/virtstream/virtstream/lib/capture"
)

// Version is the single supported protocol version. A header carrying
// any other value is a protocol error.
const Version uint32 = 1

// HeaderLength is the fixed size of the message header in bytes.
const HeaderLength = 12

// Body size bounds for incoming message types. A declared size outside
// the bound for its type is a protocol error, never a truncation.
const (
	// MaxStartStopBody bounds a StartStop body: 1 length byte plus at
	// most 255 codec identifiers.
	MaxStartStopBody = 256

	// MaxCapabilitiesBody bounds a Capabilities bitfield.
	MaxCapabilitiesBody = 1024

	// NotifyErrorFixedLength is the fixed leading portion of a
	// NotifyError body: the 4-byte error code. The message text
	// follows.
	NotifyErrorFixedLength = 4

	// MaxNotifyErrorMessage bounds the message text of a NotifyError.
	MaxNotifyErrorMessage = 1024
)

// MessageType identifies the kind of message following a header.
type MessageType uint8

const (
	// TypeCapabilities negotiates protocol extensions. Bidirectional;
	// this agent declares none and always replies with an empty
	// bitfield.
	TypeCapabilities MessageType = 1

	// TypeNotifyError carries an error report from the peer.
	TypeNotifyError MessageType = 2

	// TypeStartStop starts or stops streaming and carries the codecs
	// the peer accepts.
	TypeStartStop MessageType = 3

	// TypeFormat announces the dimensions and codec of the frames
	// that follow. Outgoing only; sent once per stream (re)start.
	TypeFormat MessageType = 4

	// TypeData carries one encoded frame. Outgoing only.
	TypeData MessageType = 5
)

// String returns the message type name used in logs.
func (t MessageType) String() string {
	switch t {
	case TypeCapabilities:
		return "capabilities"
	case TypeNotifyError:
		return "notify-error"
	case TypeStartStop:
		return "start-stop"
	case TypeFormat:
		return "format"
	case TypeData:
		return "data"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Header is the decoded fixed message header.
type Header struct {
	ProtocolVersion uint32
	Type            MessageType

	// Size is the body length in bytes. It excludes the header.
	Size uint32
}

// ProtocolError reports a violation of the device protocol: a version
// mismatch, an unknown message type, or a declared size outside its
// bound. Once the framing is violated the connection cannot be
// resynchronized, so callers treat it as fatal for the process.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "stream device protocol: " + e.Reason
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// ReadHeader reads and validates one message header from r. Short
// reads surface as transport errors; a version mismatch is a
// ProtocolError.
func ReadHeader(r io.Reader) (Header, error) {
	var raw [HeaderLength]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, fmt.Errorf("read message header: %w", err)
	}
	header := Header{
		ProtocolVersion: binary.LittleEndian.Uint32(raw[0:4]),
		Type:            MessageType(raw[4]),
		Size:            binary.LittleEndian.Uint32(raw[8:12]),
	}
	if header.ProtocolVersion != Version {
		return Header{}, protocolErrorf("version %d, expected %d", header.ProtocolVersion, Version)
	}
	return header, nil
}

func encodeHeader(messageType MessageType, size uint32) [HeaderLength]byte {
	var raw [HeaderLength]byte
	binary.LittleEndian.PutUint32(raw[0:4], Version)
	raw[4] = byte(messageType)
	binary.LittleEndian.PutUint32(raw[8:12], size)
	return raw
}

// ReadStartStop reads a StartStop body from r. It returns the
// requested streaming state (true when the peer declared at least one
// codec) and the deduplicated set of accepted codecs.
//
// The body layout is [1 byte num_codecs][num_codecs codec bytes]. The
// declared codec count must fit in the declared body size. The full
// body is consumed from r before validation of the count so that a
// rejected message never leaves partial payload bytes on the channel.
func ReadStartStop(r io.Reader, header Header) (bool, capture.CodecSet, error) {
	if header.Size >= MaxStartStopBody {
		return false, nil, protocolErrorf("start-stop body size %d exceeds maximum %d", header.Size, MaxStartStopBody-1)
	}
	if header.Size < 1 {
		return false, nil, protocolErrorf("start-stop body size %d is smaller than minimum 1", header.Size)
	}
	body := make([]byte, header.Size)
	if _, err := io.ReadFull(r, body); err != nil {
		return false, nil, fmt.Errorf("read start-stop body: %w", err)
	}
	numCodecs := int(body[0])
	maxCodecs := len(body) - 1
	if numCodecs > maxCodecs {
		return false, nil, protocolErrorf("start-stop num_codecs=%d > max_codecs=%d", numCodecs, maxCodecs)
	}
	codecs := make(capture.CodecSet, numCodecs)
	for _, id := range body[1 : 1+numCodecs] {
		codecs[capture.Codec(id)] = struct{}{}
	}
	return numCodecs > 0, codecs, nil
}

// ReadCapabilities reads and discards a Capabilities body from r. The
// agent negotiates no extensions, so the bitfield content is ignored;
// the caller must answer with EncodeCapabilitiesReply on the same
// channel before releasing it.
func ReadCapabilities(r io.Reader, header Header) error {
	if header.Size > MaxCapabilitiesBody {
		return protocolErrorf("capabilities body size %d exceeds maximum %d", header.Size, MaxCapabilitiesBody)
	}
	if header.Size == 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, int64(header.Size)); err != nil {
		return fmt.Errorf("read capabilities body: %w", err)
	}
	return nil
}

// EncodeCapabilitiesReply returns the empty capabilities
// acknowledgement: a bare header with a zero-length bitfield.
func EncodeCapabilitiesReply() []byte {
	raw := encodeHeader(TypeCapabilities, 0)
	return raw[:]
}

// ReadNotifyError reads a NotifyError body from r and returns the
// peer's error code and message bytes. The message is not
// NUL-terminated on the wire. A declared size below the fixed error
// record or above the record plus MaxNotifyErrorMessage is a
// ProtocolError, not a truncation.
func ReadNotifyError(r io.Reader, header Header) (int32, []byte, error) {
	if header.Size < NotifyErrorFixedLength {
		return 0, nil, protocolErrorf("notify-error body size %d is smaller than %d", header.Size, NotifyErrorFixedLength)
	}
	if header.Size > NotifyErrorFixedLength+MaxNotifyErrorMessage {
		return 0, nil, protocolErrorf("notify-error body size %d exceeds maximum %d", header.Size, NotifyErrorFixedLength+MaxNotifyErrorMessage)
	}
	body := make([]byte, header.Size)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read notify-error body: %w", err)
	}
	code := int32(binary.LittleEndian.Uint32(body[0:4]))
	return code, body[4:], nil
}

// EncodeFormat returns a complete Format message announcing the
// dimensions and codec of the frames that follow.
func EncodeFormat(width, height uint32, codec capture.Codec) []byte {
	const bodyLength = 9
	message := make([]byte, HeaderLength+bodyLength)
	header := encodeHeader(TypeFormat, bodyLength)
	copy(message, header[:])
	binary.LittleEndian.PutUint32(message[HeaderLength:], width)
	binary.LittleEndian.PutUint32(message[HeaderLength+4:], height)
	message[HeaderLength+8] = byte(codec)
	return message
}

// ReadFormat decodes a Format body from r. The agent never receives
// Format messages; this is the peer-side decode used to validate the
// encoder in tests and diagnostic tools.
func ReadFormat(r io.Reader, header Header) (width, height uint32, codec capture.Codec, err error) {
	const bodyLength = 9
	if header.Size != bodyLength {
		return 0, 0, 0, protocolErrorf("format body size %d, expected %d", header.Size, bodyLength)
	}
	var body [bodyLength]byte
	if _, err := io.ReadFull(r, body[:]); err != nil {
		return 0, 0, 0, fmt.Errorf("read format body: %w", err)
	}
	width = binary.LittleEndian.Uint32(body[0:4])
	height = binary.LittleEndian.Uint32(body[4:8])
	codec = capture.Codec(body[8])
	return width, height, codec, nil
}

// EncodeDataHeader returns the header framing one encoded frame of
// frameLength bytes. The frame bytes follow the header on the wire
// unchanged; the caller writes header and frame in one locked sequence
// so no other channel user can interleave.
func EncodeDataHeader(frameLength uint32) []byte {
	raw := encodeHeader(TypeData, frameLength)
	return raw[:]
}
