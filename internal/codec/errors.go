// Package codec implements the length/type framed wire codec used by the relay.
//
// A frame is VarInt(length) followed by length bytes of body. Without
// compression the body is VarInt(packet id) followed by the payload. With a
// compression threshold the body is VarInt(uncompressed length) followed by
// the zlib stream of id and payload, or VarInt(0) followed by the raw id and
// payload when the packet is below the threshold.
package codec

import "errors"

var (
	// ErrCorruptFrame reports bytes that cannot be a valid frame.
	ErrCorruptFrame = errors.New("codec: corrupt frame")
	// ErrUnknownPacket reports a packet id outside a strict family.
	ErrUnknownPacket = errors.New("codec: unknown packet id")
	// ErrFrameTooLarge reports a frame above the configured size limit.
	ErrFrameTooLarge = errors.New("codec: frame too large")

	errIncomplete = errors.New("codec: incomplete varint")
)
