// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the framed message protocol spoken between the
// fleetlink gateway and its node agents. The transport underneath is
// assumed to be a secure, ordered, bidirectional byte stream; this
// package layers typed frames on top of it.
//
// Each frame is a 6-byte header followed by a CBOR body:
//
//	[1 byte frame type] [1 byte compression tag]
//	[4 bytes body length, big-endian uint32] [body]
//
// The length counts the body bytes as they appear on the wire (after
// compression). Bodies are encoded with lib/codec and, when large and
// compressible, zstd-compressed.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/zeroclaw-labs/fleetlink/lib/codec"
)

// FrameType tags a frame's body schema. These values are protocol
// constants — changing them breaks gateway/node compatibility.
type FrameType byte

const (
	// FramePair opens a connection: a node presents a pairing code
	// (fresh pairing) or a session token (reconnect). Body: PairBody.
	FramePair FrameType = 0x01

	// FramePairingResponse answers a FramePair.
	// Body: PairingResponseBody.
	FramePairingResponse FrameType = 0x02

	// FrameCommand carries a dispatched command, gateway to node.
	// Body: CommandBody.
	FrameCommand FrameType = 0x03

	// FrameResponse carries a command result, node to gateway.
	// Body: ResponseBody.
	FrameResponse FrameType = 0x04

	// FrameHeartbeat is the node's periodic liveness signal. Empty body.
	FrameHeartbeat FrameType = 0x05

	// FrameHeartbeatAck acknowledges a heartbeat. Empty body.
	FrameHeartbeatAck FrameType = 0x06

	// FrameClose announces an orderly shutdown of the connection by
	// either side. Empty body.
	FrameClose FrameType = 0x07
)

// String returns the frame type's protocol name.
func (t FrameType) String() string {
	switch t {
	case FramePair:
		return "pair"
	case FramePairingResponse:
		return "pairing_response"
	case FrameCommand:
		return "command"
	case FrameResponse:
		return "response"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameHeartbeatAck:
		return "heartbeat_ack"
	case FrameClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Compression tags. One byte in the frame header records how the body
// was encoded on the wire.
const (
	compressionNone byte = 0
	compressionZstd byte = 1
)

// headerLength is the fixed frame header size: type + compression tag
// + body length.
const headerLength = 6

// MaxBodyLength bounds a frame body. 16 MB is generous for command
// payloads and protects the reader from a corrupt or hostile length
// field.
const MaxBodyLength = 16 * 1024 * 1024

// compressThreshold is the body size at which compression is
// attempted. Small bodies (heartbeats, acks, short exec commands)
// are not worth the CPU.
const compressThreshold = 1024

// ErrOversizedFrame reports a body length field above MaxBodyLength.
var ErrOversizedFrame = errors.New("wire: frame body exceeds maximum length")

// ErrUnknownFrameType reports a type tag outside the protocol.
var ErrUnknownFrameType = errors.New("wire: unknown frame type")

// zstdEncoder and zstdDecoder are shared across all connections; both
// are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
}

// Frame is one decoded protocol frame. Body holds the CBOR bytes
// after decompression; decode them with DecodeBody.
type Frame struct {
	Type FrameType
	Body []byte
}

// WriteFrame CBOR-encodes body and writes one frame to w. A nil body
// writes an empty-body frame (heartbeats, acks, close). Writers on a
// shared connection must serialize calls externally; the gateway
// session and the agent each hold a write lock.
func WriteFrame(w io.Writer, frameType FrameType, body any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = codec.Marshal(body)
		if err != nil {
			return fmt.Errorf("wire: encoding %s body: %w", frameType, err)
		}
	}

	compression := compressionNone
	if len(encoded) >= compressThreshold {
		// Compression must pay for itself: an incompressible body
		// (already-compressed operator payload) ships as-is.
		compressed := zstdEncoder.EncodeAll(encoded, nil)
		if len(compressed) < len(encoded) {
			encoded = compressed
			compression = compressionZstd
		}
	}

	if len(encoded) > MaxBodyLength {
		return ErrOversizedFrame
	}

	var header [headerLength]byte
	header[0] = byte(frameType)
	header[1] = compression
	binary.BigEndian.PutUint32(header[2:6], uint32(len(encoded)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: writing %s header: %w", frameType, err)
	}
	if len(encoded) > 0 {
		if _, err := w.Write(encoded); err != nil {
			return fmt.Errorf("wire: writing %s body: %w", frameType, err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r, decompressing the body if needed.
// A malformed header (unknown type, oversized or undecompressable
// body) is a protocol violation: the connection cannot be resynced and
// the caller must close it. Transport-level errors pass through
// unwrapped so callers can distinguish them with errors.Is.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	frameType := FrameType(header[0])
	if frameType < FramePair || frameType > FrameClose {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, header[0])
	}
	compression := header[1]
	bodyLength := binary.BigEndian.Uint32(header[2:6])
	if bodyLength > MaxBodyLength {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrOversizedFrame, bodyLength)
	}

	body := make([]byte, bodyLength)
	if bodyLength > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Frame{}, err
		}
	}

	switch compression {
	case compressionNone:
	case compressionZstd:
		decompressed, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return Frame{}, fmt.Errorf("wire: decompressing %s body: %w", frameType, err)
		}
		if len(decompressed) > MaxBodyLength {
			return Frame{}, fmt.Errorf("%w: %d bytes decompressed", ErrOversizedFrame, len(decompressed))
		}
		body = decompressed
	default:
		return Frame{}, fmt.Errorf("wire: unknown compression tag 0x%02x", compression)
	}

	return Frame{Type: frameType, Body: body}, nil
}

// DecodeBody decodes a frame's CBOR body into v.
func DecodeBody(frame Frame, v any) error {
	if err := codec.Unmarshal(frame.Body, v); err != nil {
		return fmt.Errorf("wire: decoding %s body: %w", frame.Type, err)
	}
	return nil
}
