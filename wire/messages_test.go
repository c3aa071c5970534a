package wire

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semrpc/errors"
)

func decodeFrame(t *testing.T, frame []byte, want Type) []byte {
	t.Helper()
	typ, payload, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, want, typ)
	return payload
}

func TestRPCRequest_NoStreams(t *testing.T) {
	frame, err := EncodeRPCRequest(RPCRequest{CallID: 7, Procedure: "system.ping", Payload: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)

	payload := decodeFrame(t, frame, TypeRPC)
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(payload))

	req, err := DecodeRPCRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), req.CallID)
	assert.Equal(t, "system.ping", req.Procedure)
	assert.JSONEq(t, `{"a":1}`, string(req.Payload))
	assert.Empty(t, req.Streams)
}

func TestRPCRequest_WithStreams(t *testing.T) {
	in := RPCRequest{
		CallID:    1,
		Procedure: "files.upload",
		Payload:   json.RawMessage(`null`),
		Streams: []StreamDescriptor{
			{ID: 1, Meta: StreamMeta{Size: 1024, Type: "image/png", Name: "a.png"}},
			{ID: 2, Meta: StreamMeta{Size: 3, Type: "text/plain"}},
		},
	}
	frame, err := EncodeRPCRequest(in)
	require.NoError(t, err)

	payload := decodeFrame(t, frame, TypeRPC)
	n := binary.BigEndian.Uint32(payload)
	assert.JSONEq(t,
		`[[1,{"size":1024,"type":"image/png","name":"a.png"}],[2,{"size":3,"type":"text/plain"}]]`,
		string(payload[4:4+n]))

	out, err := DecodeRPCRequest(payload)
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("decoded request mismatch (-want +got):\n%s", diff)
	}
}

func TestRPCRequest_Malformed(t *testing.T) {
	tests := map[string][]byte{
		"no prefix":       {0, 0},
		"prefix too long": append([]byte{0, 0, 0, 50}, []byte(`[1,"x",null]`)...),
		"not json":        append([]byte{0, 0, 0, 0}, []byte(`{{`)...),
		"short tuple":     append([]byte{0, 0, 0, 0}, []byte(`[1]`)...),
		"empty procedure": append([]byte{0, 0, 0, 0}, []byte(`[1,"",null]`)...),
		"bad descriptor":  append([]byte{0, 0, 0, 2}, []byte(`{}[1,"x",null]`)...),
		"string call id":  append([]byte{0, 0, 0, 0}, []byte(`["1","x",null]`)...),
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRPCRequest(payload)
			assert.ErrorIs(t, err, errors.ErrProtocol)
		})
	}
}

func TestRPCResponse(t *testing.T) {
	frame, err := EncodeRPCResponse(3, map[string]string{"pong": "ok"}, nil)
	require.NoError(t, err)
	payload := decodeFrame(t, frame, TypeRPC)
	assert.JSONEq(t, `[3,{"pong":"ok"},null]`, string(payload))

	resp, err := DecodeRPCResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), resp.CallID)
	assert.Nil(t, resp.Error)

	frame, err = EncodeRPCResponse(4, nil, errors.NewAPIError(errors.CodeNotFound, "no such procedure"))
	require.NoError(t, err)
	payload = decodeFrame(t, frame, TypeRPC)
	assert.JSONEq(t, `[4,null,{"code":"NotFound","message":"no such procedure"}]`, string(payload))

	resp, err = DecodeRPCResponse(payload)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeNotFound, resp.Error.Code)
}

func TestRPCAbort(t *testing.T) {
	frame, err := EncodeRPCAbort(11)
	require.NoError(t, err)
	id, err := DecodeRPCAbort(decodeFrame(t, frame, TypeRPCAbort))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), id)
}

func TestRPCStream(t *testing.T) {
	frame, err := EncodeRPCStream(5, StreamJSON, 2, map[string]int{"total": 3})
	require.NoError(t, err)
	payload := decodeFrame(t, frame, TypeRPCStream)
	assert.JSONEq(t, `[5,"json",2,{"total":3}]`, string(payload))

	s, err := DecodeRPCStream(payload)
	require.NoError(t, err)
	assert.Equal(t, RPCStream{CallID: 5, Kind: StreamJSON, StreamID: 2, Payload: json.RawMessage(`{"total":3}`)}, s)
}

func TestRPCSubscription(t *testing.T) {
	frame, err := EncodeRPCSubscription(8, "chat/room-1")
	require.NoError(t, err)
	s, err := DecodeRPCSubscription(decodeFrame(t, frame, TypeRPCSubscription))
	require.NoError(t, err)
	assert.Equal(t, RPCSubscription{CallID: 8, Key: "chat/room-1"}, s)
}

func TestEmitUnsubscribeEvent(t *testing.T) {
	frame, err := EncodeEmit("k", []int{1, 2})
	require.NoError(t, err)
	e, err := DecodeEmit(decodeFrame(t, frame, TypeServerSubscriptionEmit))
	require.NoError(t, err)
	assert.Equal(t, "k", e.Key)
	assert.JSONEq(t, `[1,2]`, string(e.Payload))

	for _, typ := range []Type{TypeClientUnsubscribe, TypeServerUnsubscribe} {
		frame, err = EncodeUnsubscribe(typ, "k")
		require.NoError(t, err)
		key, err := DecodeUnsubscribe(decodeFrame(t, frame, typ))
		require.NoError(t, err)
		assert.Equal(t, "k", key)
	}

	frame, err = EncodeEvent("server.shutdown", map[string]int{"in": 5})
	require.NoError(t, err)
	ev, err := DecodeEvent(decodeFrame(t, frame, TypeEvent))
	require.NoError(t, err)
	assert.Equal(t, "server.shutdown", ev.Name)
	assert.JSONEq(t, `{"in":5}`, string(ev.Data))

	_, err = DecodeUnsubscribe([]byte(`[]`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncode_UnmarshalablePayload(t *testing.T) {
	_, err := EncodeEmit("k", make(chan int))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
