package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/c360/semrpc/errors"
)

// StreamKind tells the client how to interpret down-stream chunks
type StreamKind string

// Stream kinds
const (
	StreamBinary StreamKind = "binary"
	StreamJSON   StreamKind = "json"
)

// StreamMeta describes an up-stream announced with an Rpc request
type StreamMeta struct {
	Size int64  `json:"size"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// StreamDescriptor pairs a client-chosen stream id with its metadata.
// It is encoded as [id, meta].
type StreamDescriptor struct {
	ID   uint32
	Meta StreamMeta
}

// MarshalJSON encodes the descriptor as a two-element array
func (d StreamDescriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{d.ID, d.Meta})
}

// UnmarshalJSON decodes a two-element array
func (d *StreamDescriptor) UnmarshalJSON(data []byte) error {
	return decodeTuple(data, &d.ID, &d.Meta)
}

// RPCRequest is a decoded Rpc frame sent by a client
type RPCRequest struct {
	CallID    uint64
	Procedure string
	Payload   json.RawMessage
	Streams   []StreamDescriptor
}

// RPCResponse is an Rpc frame sent by the server
type RPCResponse struct {
	CallID   uint64
	Response json.RawMessage
	Error    *errors.APIError
}

// RPCStream announces a down-stream as the result of a call
type RPCStream struct {
	CallID   uint64
	Kind     StreamKind
	StreamID uint32
	Payload  json.RawMessage
}

// RPCSubscription announces a subscription as the result of a call
type RPCSubscription struct {
	CallID uint64
	Key    string
}

// Emit is a subscription emission
type Emit struct {
	Key     string
	Payload json.RawMessage
}

// Event is a server-push event
type Event struct {
	Name string
	Data json.RawMessage
}

// encodeTuple marshals elems as a JSON array and frames it
func encodeTuple(t Type, elems ...any) ([]byte, error) {
	body, err := json.Marshal(elems)
	if err != nil {
		return nil, errors.WrapInvalid(err, "wire", "encode", fmt.Sprintf("marshal %s payload", t))
	}
	return Encode(t, body), nil
}

// decodeTuple unmarshals a JSON array into targets. Extra elements are
// ignored, missing ones are an error. A nil target skips its element.
func decodeTuple(data []byte, targets ...any) error {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(elems) < len(targets) {
		return fmt.Errorf("%w: expected %d elements, got %d", ErrMalformed, len(targets), len(elems))
	}
	for i, target := range targets {
		if target == nil {
			continue
		}
		if raw, ok := target.(*json.RawMessage); ok {
			*raw = append(json.RawMessage(nil), elems[i]...)
			continue
		}
		if err := json.Unmarshal(elems[i], target); err != nil {
			return fmt.Errorf("%w: element %d: %v", ErrMalformed, i, err)
		}
	}
	return nil
}

// EncodeRPCRequest builds an Rpc frame. The descriptor block length prefix
// is always written; zero means no streams.
func EncodeRPCRequest(req RPCRequest) ([]byte, error) {
	var descriptors []byte
	if len(req.Streams) > 0 {
		var err error
		if descriptors, err = json.Marshal(req.Streams); err != nil {
			return nil, errors.WrapInvalid(err, "wire", "EncodeRPCRequest", "marshal stream descriptors")
		}
	}
	payload := req.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	body, err := json.Marshal([]any{req.CallID, req.Procedure, payload})
	if err != nil {
		return nil, errors.WrapInvalid(err, "wire", "EncodeRPCRequest", "marshal call")
	}
	return Encode(TypeRPC, PutUint32(uint32(len(descriptors))), descriptors, body), nil
}

// DecodeRPCRequest parses an Rpc frame payload
func DecodeRPCRequest(payload []byte) (RPCRequest, error) {
	var req RPCRequest
	if len(payload) < 4 {
		return req, ErrTruncated
	}
	n := int(binary.BigEndian.Uint32(payload))
	payload = payload[4:]
	if n > len(payload) {
		return req, ErrTruncated
	}
	if n > 0 {
		if err := json.Unmarshal(payload[:n], &req.Streams); err != nil {
			return req, fmt.Errorf("%w: stream descriptors: %v", ErrMalformed, err)
		}
	}
	if err := decodeTuple(payload[n:], &req.CallID, &req.Procedure, &req.Payload); err != nil {
		return req, err
	}
	if req.Procedure == "" {
		return req, fmt.Errorf("%w: empty procedure name", ErrMalformed)
	}
	return req, nil
}

// EncodeRPCResponse builds an Rpc response frame. Exactly one of response
// and apiErr is meaningful; the other is sent as null.
func EncodeRPCResponse(callID uint64, response any, apiErr *errors.APIError) ([]byte, error) {
	if apiErr != nil {
		return encodeTuple(TypeRPC, callID, nil, apiErr)
	}
	return encodeTuple(TypeRPC, callID, response, nil)
}

// DecodeRPCResponse parses an Rpc response payload
func DecodeRPCResponse(payload []byte) (RPCResponse, error) {
	var resp RPCResponse
	var rawErr json.RawMessage
	if err := decodeTuple(payload, &resp.CallID, &resp.Response, &rawErr); err != nil {
		return resp, err
	}
	if len(rawErr) > 0 && !bytes.Equal(rawErr, []byte("null")) {
		resp.Error = &errors.APIError{}
		if err := json.Unmarshal(rawErr, resp.Error); err != nil {
			return resp, fmt.Errorf("%w: error object: %v", ErrMalformed, err)
		}
	}
	return resp, nil
}

// EncodeRPCAbort builds an RpcAbort frame
func EncodeRPCAbort(callID uint64) ([]byte, error) {
	return encodeTuple(TypeRPCAbort, callID)
}

// DecodeRPCAbort parses an RpcAbort payload
func DecodeRPCAbort(payload []byte) (uint64, error) {
	var callID uint64
	err := decodeTuple(payload, &callID)
	return callID, err
}

// EncodeRPCStream builds an RpcStream frame
func EncodeRPCStream(callID uint64, kind StreamKind, streamID uint32, initial any) ([]byte, error) {
	return encodeTuple(TypeRPCStream, callID, kind, streamID, initial)
}

// DecodeRPCStream parses an RpcStream payload
func DecodeRPCStream(payload []byte) (RPCStream, error) {
	var s RPCStream
	err := decodeTuple(payload, &s.CallID, &s.Kind, &s.StreamID, &s.Payload)
	return s, err
}

// EncodeRPCSubscription builds an RpcSubscription frame
func EncodeRPCSubscription(callID uint64, key string) ([]byte, error) {
	return encodeTuple(TypeRPCSubscription, callID, key)
}

// DecodeRPCSubscription parses an RpcSubscription payload
func DecodeRPCSubscription(payload []byte) (RPCSubscription, error) {
	var s RPCSubscription
	err := decodeTuple(payload, &s.CallID, &s.Key)
	return s, err
}

// EncodeEmit builds a ServerSubscriptionEmit frame
func EncodeEmit(key string, payload any) ([]byte, error) {
	return encodeTuple(TypeServerSubscriptionEmit, key, payload)
}

// DecodeEmit parses a ServerSubscriptionEmit payload
func DecodeEmit(payload []byte) (Emit, error) {
	var e Emit
	err := decodeTuple(payload, &e.Key, &e.Payload)
	return e, err
}

// EncodeUnsubscribe builds a ClientUnsubscribe or ServerUnsubscribe frame
func EncodeUnsubscribe(t Type, key string) ([]byte, error) {
	return encodeTuple(t, key)
}

// DecodeUnsubscribe parses an unsubscribe payload
func DecodeUnsubscribe(payload []byte) (string, error) {
	var key string
	err := decodeTuple(payload, &key)
	return key, err
}

// EncodeEvent builds an Event frame
func EncodeEvent(name string, data any) ([]byte, error) {
	return encodeTuple(TypeEvent, name, data)
}

// DecodeEvent parses an Event payload
func DecodeEvent(payload []byte) (Event, error) {
	var e Event
	err := decodeTuple(payload, &e.Name, &e.Data)
	return e, err
}
