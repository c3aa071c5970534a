// Package wire implements the binary frame format spoken over WebSocket
// connections: one message-type byte followed by a type-specific payload.
// Fixed-width integers are big-endian; structured payloads are JSON arrays.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/semrpc/errors"
)

// Type identifies a frame
type Type uint8

// Frame types. The numeric values are part of the protocol.
const (
	TypeRPC                    Type = 1
	TypeRPCAbort               Type = 2
	TypeRPCStream              Type = 3
	TypeRPCSubscription        Type = 4
	TypeEvent                  Type = 5
	TypeClientStreamPush       Type = 6
	TypeClientStreamEnd        Type = 7
	TypeClientStreamAbort      Type = 8
	TypeServerStreamPush       Type = 9
	TypeServerStreamPull       Type = 10
	TypeServerStreamEnd        Type = 11
	TypeServerStreamAbort      Type = 12
	TypeClientUnsubscribe      Type = 13
	TypeServerUnsubscribe      Type = 14
	TypeServerSubscriptionEmit Type = 15
)

var typeNames = map[Type]string{
	TypeRPC:                    "Rpc",
	TypeRPCAbort:               "RpcAbort",
	TypeRPCStream:              "RpcStream",
	TypeRPCSubscription:        "RpcSubscription",
	TypeEvent:                  "Event",
	TypeClientStreamPush:       "ClientStreamPush",
	TypeClientStreamEnd:        "ClientStreamEnd",
	TypeClientStreamAbort:      "ClientStreamAbort",
	TypeServerStreamPush:       "ServerStreamPush",
	TypeServerStreamPull:       "ServerStreamPull",
	TypeServerStreamEnd:        "ServerStreamEnd",
	TypeServerStreamAbort:      "ServerStreamAbort",
	TypeClientUnsubscribe:      "ClientUnsubscribe",
	TypeServerUnsubscribe:      "ServerUnsubscribe",
	TypeServerSubscriptionEmit: "ServerSubscriptionEmit",
}

// String returns the protocol name of the type
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// Known reports whether t is part of the protocol
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// Protocol errors. Both wrap errors.ErrProtocol.
var (
	ErrTruncated = fmt.Errorf("%w: truncated frame", errors.ErrProtocol)
	ErrMalformed = fmt.Errorf("%w: malformed payload", errors.ErrProtocol)
)

// StreamIDSize is the encoded width of a stream id
const StreamIDSize = 4

// Encode prepends the type byte to the concatenated parts
func Encode(t Type, parts ...[]byte) []byte {
	n := 1
	for _, p := range parts {
		n += len(p)
	}
	frame := make([]byte, 1, n)
	frame[0] = byte(t)
	for _, p := range parts {
		frame = append(frame, p...)
	}
	return frame
}

// Decode splits a frame into its type and payload. The payload aliases frame.
func Decode(frame []byte) (Type, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, ErrTruncated
	}
	return Type(frame[0]), frame[1:], nil
}

// PutUint32 returns v as four big-endian bytes
func PutUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// EncodeStreamFrame builds a frame carrying a stream id and optional chunk.
// It serves push, end, abort and continuation frames in both directions.
func EncodeStreamFrame(t Type, id uint32, chunk []byte) []byte {
	return Encode(t, PutUint32(id), chunk)
}

// DecodeStreamFrame reads the leading stream id; rest is the chunk, if any
func DecodeStreamFrame(payload []byte) (id uint32, rest []byte, err error) {
	if len(payload) < StreamIDSize {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint32(payload), payload[StreamIDSize:], nil
}

// EncodePull builds a ServerStreamPull frame. A zero size means "any amount"
// and is omitted from the payload.
func EncodePull(id uint32, size uint32) []byte {
	if size == 0 {
		return EncodeStreamFrame(TypeServerStreamPull, id, nil)
	}
	return EncodeStreamFrame(TypeServerStreamPull, id, PutUint32(size))
}

// DecodePull reads a ServerStreamPull payload. size is zero when absent.
func DecodePull(payload []byte) (id uint32, size uint32, err error) {
	id, rest, err := DecodeStreamFrame(payload)
	if err != nil {
		return 0, 0, err
	}
	switch len(rest) {
	case 0:
		return id, 0, nil
	case 4:
		return id, binary.BigEndian.Uint32(rest), nil
	default:
		return 0, 0, ErrMalformed
	}
}
