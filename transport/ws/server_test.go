package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/metric"
	"github.com/c360/semrpc/procedure"
	"github.com/c360/semrpc/rpc"
	"github.com/c360/semrpc/stream"
	"github.com/c360/semrpc/subscription"
	"github.com/c360/semrpc/wire"
)

type sizeInput struct {
	Size int `json:"size"`
}

type harness struct {
	server   *Server
	http     *httptest.Server
	bridge   *subscription.Bridge
	registry *metric.MetricsRegistry

	disposed     chan string
	sourceClosed chan struct{}

	// order records scope disposals as "call" or "connection"
	order chan string
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		bridge:       subscription.NewBridge(nil),
		registry:     metric.NewMetricsRegistry(),
		disposed:     make(chan string, 8),
		sourceClosed: make(chan struct{}, 8),
		order:        make(chan string, 16),
	}

	reg := procedure.NewRegistry()
	reg.MustRegister(
		procedure.Procedure{Name: "echo", Handler: func(_ context.Context, _ *procedure.Call, in any) (any, error) {
			return in, nil
		}},
		procedure.Procedure{Name: "fail", Handler: func(context.Context, *procedure.Call, any) (any, error) {
			return nil, fmt.Errorf("database password is hunter2")
		}},
		procedure.Procedure{Name: "upload.size", Handler: func(_ context.Context, call *procedure.Call, _ any) (any, error) {
			up, err := call.Stream(1)
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(up)
			if err != nil {
				return nil, err
			}
			return map[string]any{"size": len(data), "text": string(data)}, nil
		}},
		procedure.Procedure{Name: "hold", Handler: func(ctx context.Context, _ *procedure.Call, _ any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		procedure.Procedure{Name: "bytes", Input: procedure.JSON[sizeInput](),
			Handler: func(_ context.Context, _ *procedure.Call, in any) (any, error) {
				n := in.(sizeInput).Size
				return stream.FromReader(bytes.NewReader(bytes.Repeat([]byte{'x'}, n)), map[string]int{"size": n}).
					WithChunkSize(1024), nil
			}},
		procedure.Procedure{Name: "count", Handler: func(context.Context, *procedure.Call, any) (any, error) {
			ch := make(chan int, 3)
			ch <- 1
			ch <- 2
			ch <- 3
			close(ch)
			return stream.FromChannel[int](ch, nil, nil), nil
		}},
		procedure.Procedure{Name: "ticks", Input: procedure.JSON[sizeInput](),
			Handler: func(ctx context.Context, _ *procedure.Call, in any) (any, error) {
				n := in.(sizeInput).Size
				ch := make(chan int)
				go func() {
					defer close(ch)
					for i := 1; i <= n; i++ {
						select {
						case ch <- i:
						case <-ctx.Done():
							return
						}
					}
				}()
				return stream.FromChannel[int](ch, nil, nil), nil
			}},
		procedure.Procedure{Name: "endless", Handler: func(context.Context, *procedure.Call, any) (any, error) {
			ch := make(chan int)
			stop := make(chan struct{})
			go func() {
				for i := 0; ; i++ {
					select {
					case ch <- i:
					case <-stop:
						return
					}
				}
			}()
			return stream.FromChannel[int](ch, nil, func() {
				close(stop)
				h.sourceClosed <- struct{}{}
			}), nil
		}},
		procedure.Procedure{Name: "scoped.ticks", Handler: func(ctx context.Context, call *procedure.Call, _ any) (any, error) {
			call.Scope.(*procedure.MapScope).OnDispose(func(context.Context) error {
				time.Sleep(20 * time.Millisecond)
				h.order <- "call"
				return nil
			})
			ch := make(chan int)
			go func() {
				defer close(ch)
				for i := 0; ; i++ {
					select {
					case ch <- i:
					case <-ctx.Done():
						return
					}
				}
			}()
			return stream.FromChannel[int](ch, nil, nil), nil
		}},
		procedure.Procedure{Name: "subscribe", Handler: func(_ context.Context, _ *procedure.Call, in any) (any, error) {
			var key string
			if err := json.Unmarshal(in.(json.RawMessage), &key); err != nil {
				return nil, errors.NewAPIError(errors.CodeValidation, "key must be a string")
			}
			return h.bridge.Subscribe(key)
		}},
		procedure.Procedure{Name: "notify", Handler: func(_ context.Context, call *procedure.Call, _ any) (any, error) {
			if err := call.Notify("progress", map[string]int{"percent": 50}); err != nil {
				return nil, err
			}
			return "done", nil
		}},
		procedure.Procedure{Name: "http.only", Transports: []string{"http"},
			Handler: func(context.Context, *procedure.Call, any) (any, error) { return "nope", nil }},
	)

	dispatcher, err := rpc.NewDispatcher(rpc.Config{Registry: reg})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.MetricsRegistry = h.registry
	cfg.ScopeFactory = func(_ context.Context, info procedure.ConnectionInfo) (procedure.Scope, error) {
		scope := procedure.NewMapScope(nil)
		scope.OnDispose(func(context.Context) error {
			select {
			case h.order <- "connection":
			default:
			}
			h.disposed <- info.ID
			return nil
		})
		return scope, nil
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h.server, err = New(dispatcher, cfg)
	require.NoError(t, err)
	require.NoError(t, h.server.Start(context.Background()))
	h.http = httptest.NewServer(h.server)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.server.Stop(ctx)
		h.http.Close()
		_ = h.bridge.Close()
	})
	return h
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) write(frame []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, frame))
}

func (c *client) call(id uint64, proc string, payload any, streams ...wire.StreamDescriptor) {
	c.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	frame, err := wire.EncodeRPCRequest(wire.RPCRequest{CallID: id, Procedure: proc, Payload: raw, Streams: streams})
	require.NoError(c.t, err)
	c.write(frame)
}

func (c *client) read() (wire.Type, []byte) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	require.Equal(c.t, websocket.BinaryMessage, msgType)
	t, payload, err := wire.Decode(data)
	require.NoError(c.t, err)
	return t, payload
}

func (c *client) expect(want wire.Type) []byte {
	c.t.Helper()
	got, payload := c.read()
	require.Equal(c.t, want.String(), got.String())
	return payload
}

func (c *client) response() wire.RPCResponse {
	c.t.Helper()
	resp, err := wire.DecodeRPCResponse(c.expect(wire.TypeRPC))
	require.NoError(c.t, err)
	return resp
}

func TestServer_ValueResponse(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "echo", map[string]string{"hello": "world"})
	resp := c.response()
	assert.Equal(t, uint64(1), resp.CallID)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"hello":"world"}`, string(resp.Response))
}

func TestServer_ErrorResponses(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "missing", nil)
	resp := c.response()
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeNotFound, resp.Error.Code)

	c.call(2, "fail", nil)
	resp = c.response()
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeInternal, resp.Error.Code)
	assert.NotContains(t, resp.Error.Message, "hunter2")

	c.call(3, "http.only", nil)
	resp = c.response()
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeNotAcceptable, resp.Error.Code)
}

func TestServer_CallRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.CallRate = 0.001
		cfg.CallBurst = 2
	})
	c := h.dial(t)

	for id := uint64(1); id <= 3; id++ {
		c.call(id, "echo", id)
	}
	byID := make(map[uint64]wire.RPCResponse)
	for range 3 {
		resp := c.response()
		byID[resp.CallID] = resp
	}
	assert.Nil(t, byID[1].Error)
	assert.Nil(t, byID[2].Error)
	require.NotNil(t, byID[3].Error)
	assert.Equal(t, errors.CodeServiceUnavailable, byID[3].Error.Code)
}

func TestServer_DuplicateCallID(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(9, "hold", nil)
	c.call(9, "echo", "again")
	resp := c.response()
	assert.Equal(t, uint64(9), resp.CallID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeBadRequest, resp.Error.Code)
}

func TestServer_UpStreamPullsBeforePush(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	chunks := []string{"hello ", "world"}
	c.call(1, "upload.size", nil, wire.StreamDescriptor{ID: 1, Meta: wire.StreamMeta{Size: 11, Type: "text/plain"}})

	for {
		typ, payload := c.read()
		if typ == wire.TypeRPC {
			resp, err := wire.DecodeRPCResponse(payload)
			require.NoError(t, err)
			require.Nil(t, resp.Error)
			assert.JSONEq(t, `{"size":11,"text":"hello world"}`, string(resp.Response))
			assert.Empty(t, chunks)
			return
		}
		require.Equal(t, wire.TypeServerStreamPull.String(), typ.String())
		id, _, err := wire.DecodePull(payload)
		require.NoError(t, err)
		require.Equal(t, uint32(1), id)

		if len(chunks) == 0 {
			c.write(wire.EncodeStreamFrame(wire.TypeClientStreamEnd, 1, nil))
			continue
		}
		c.write(wire.EncodeStreamFrame(wire.TypeClientStreamPush, 1, []byte(chunks[0])))
		chunks = chunks[1:]
	}
}

func TestServer_UnsolicitedPushAbortsStream(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "hold", nil, wire.StreamDescriptor{ID: 4, Meta: wire.StreamMeta{Size: 3}})
	c.write(wire.EncodeStreamFrame(wire.TypeClientStreamPush, 4, []byte("abc")))

	id, _, err := wire.DecodeStreamFrame(c.expect(wire.TypeClientStreamAbort))
	require.NoError(t, err)
	assert.Equal(t, uint32(4), id)

	frame, err := wire.EncodeRPCAbort(1)
	require.NoError(t, err)
	c.write(frame)
}

func TestServer_ClientAbortFailsUpStream(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "upload.size", nil, wire.StreamDescriptor{ID: 1, Meta: wire.StreamMeta{Size: 100}})
	c.expect(wire.TypeServerStreamPull)
	c.write(wire.EncodeStreamFrame(wire.TypeClientStreamAbort, 1, nil))

	resp := c.response()
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.CodeStreamAborted, resp.Error.Code)
}

func readDown(t *testing.T, c *client, callID uint64) (wire.RPCStream, int, []string) {
	t.Helper()
	announced, err := wire.DecodeRPCStream(c.expect(wire.TypeRPCStream))
	require.NoError(t, err)
	require.Equal(t, callID, announced.CallID)

	total := 0
	var chunks []string
	for {
		typ, payload := c.read()
		id, rest, err := wire.DecodeStreamFrame(payload)
		require.NoError(t, err)
		require.Equal(t, announced.StreamID, id)
		switch typ {
		case wire.TypeServerStreamPush:
			total += len(rest)
			chunks = append(chunks, string(rest))
		case wire.TypeServerStreamEnd:
			return announced, total, chunks
		default:
			t.Fatalf("unexpected frame %s", typ)
		}
	}
}

func TestServer_DownStreamBinary(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "bytes", sizeInput{Size: 10*1024 + 7})
	announced, total, chunks := readDown(t, c, 1)
	assert.Equal(t, "binary", string(announced.Kind))
	assert.JSONEq(t, `{"size":10247}`, string(announced.Payload))
	assert.Equal(t, 10*1024+7, total)
	assert.Len(t, chunks, 11)
}

func TestServer_DownStreamSurvivesBackpressure(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.WriteQueue = 4 })
	c := h.dial(t)

	c.call(1, "bytes", sizeInput{Size: 200 * 1024})
	_, total, _ := readDown(t, c, 1)
	assert.Equal(t, 200*1024, total)
}

func TestServer_DownStreamJSON(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "count", nil)
	announced, _, chunks := readDown(t, c, 1)
	assert.Equal(t, "json", string(announced.Kind))
	assert.Equal(t, []string{"1", "2", "3"}, chunks)
}

func TestServer_ClientAbortsDownStream(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "endless", nil)
	announced, err := wire.DecodeRPCStream(c.expect(wire.TypeRPCStream))
	require.NoError(t, err)
	c.expect(wire.TypeServerStreamPush)

	c.write(wire.EncodeStreamFrame(wire.TypeServerStreamAbort, announced.StreamID, nil))

	select {
	case <-h.sourceClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("source was not closed")
	}
}

func TestServer_DownStreamOutlivesHandler(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "ticks", sizeInput{Size: 50})
	_, _, chunks := readDown(t, c, 1)
	require.Len(t, chunks, 50, "source bound to the call context must keep producing after the handler returns")
	assert.Equal(t, "1", chunks[0])
	assert.Equal(t, "50", chunks[49])

	// The call id is free again once the stream has ended
	c.call(1, "echo", "again")
	resp := c.response()
	assert.Equal(t, uint64(1), resp.CallID)
	assert.Nil(t, resp.Error)
}

func TestServer_RPCAbortReachesDownStream(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "endless", nil)
	announced, err := wire.DecodeRPCStream(c.expect(wire.TypeRPCStream))
	require.NoError(t, err)
	c.expect(wire.TypeServerStreamPush)

	frame, err := wire.EncodeRPCAbort(1)
	require.NoError(t, err)
	c.write(frame)

	for {
		typ, payload := c.read()
		if typ == wire.TypeServerStreamPush {
			continue
		}
		require.Equal(t, wire.TypeServerStreamAbort.String(), typ.String())
		id, _, err := wire.DecodeStreamFrame(payload)
		require.NoError(t, err)
		assert.Equal(t, announced.StreamID, id)
		break
	}

	select {
	case <-h.sourceClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("source was not closed")
	}
}

func TestServer_RPCAbortEndsSubscription(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "subscribe", "room")
	c.expect(wire.TypeRPCSubscription)
	require.Eventually(t, func() bool { return h.bridge.Subscribers("room") == 1 }, 2*time.Second, 10*time.Millisecond)

	frame, err := wire.EncodeRPCAbort(1)
	require.NoError(t, err)
	c.write(frame)

	require.Eventually(t, func() bool { return h.bridge.Subscribers("room") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_CallScopeDisposedBeforeConnectionScope(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "scoped.ticks", nil)
	c.expect(wire.TypeRPCStream)
	c.expect(wire.TypeServerStreamPush)
	require.NoError(t, c.conn.Close())

	var got []string
	for len(got) < 2 {
		select {
		case name := <-h.order:
			got = append(got, name)
		case <-time.After(5 * time.Second):
			t.Fatalf("scopes disposed so far: %v", got)
		}
	}
	assert.Equal(t, []string{"call", "connection"}, got)
}

func TestServer_Subscription(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "subscribe", "room")
	ack, err := wire.DecodeRPCSubscription(c.expect(wire.TypeRPCSubscription))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ack.CallID)
	assert.Equal(t, "room", ack.Key)

	require.NoError(t, h.bridge.Publish(context.Background(), "room", map[string]string{"msg": "hi"}))
	emit, err := wire.DecodeEmit(c.expect(wire.TypeServerSubscriptionEmit))
	require.NoError(t, err)
	assert.Equal(t, "room", emit.Key)
	assert.JSONEq(t, `{"msg":"hi"}`, string(emit.Payload))

	unsub, err := wire.EncodeUnsubscribe(wire.TypeClientUnsubscribe, "room")
	require.NoError(t, err)
	c.write(unsub)
	c.write(unsub)

	require.Eventually(t, func() bool { return h.bridge.Subscribers("room") == 0 }, 2*time.Second, 10*time.Millisecond)

	// Connection still healthy after the repeated unsubscribe
	c.call(2, "echo", 2)
	assert.Equal(t, uint64(2), c.response().CallID)
}

func TestServer_OneSubscriptionPerKey(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "subscribe", "room")
	c.expect(wire.TypeRPCSubscription)
	c.call(2, "subscribe", "room")
	ack, err := wire.DecodeRPCSubscription(c.expect(wire.TypeRPCSubscription))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ack.CallID)

	require.Eventually(t, func() bool { return h.bridge.Subscribers("room") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.bridge.Publish(context.Background(), "room", 1))
	c.expect(wire.TypeServerSubscriptionEmit)

	c.call(3, "echo", 3)
	assert.Equal(t, uint64(3), c.response().CallID, "a second emission would arrive before this response")
}

func TestServer_ServerEndedSubscription(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "subscribe", "room")
	c.expect(wire.TypeRPCSubscription)

	require.NoError(t, h.bridge.Close())
	key, err := wire.DecodeUnsubscribe(c.expect(wire.TypeServerUnsubscribe))
	require.NoError(t, err)
	assert.Equal(t, "room", key)
}

func TestServer_RPCAbortSendsNoResponse(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "hold", nil)
	frame, err := wire.EncodeRPCAbort(1)
	require.NoError(t, err)
	c.write(frame)

	c.call(2, "echo", "next")
	resp := c.response()
	assert.Equal(t, uint64(2), resp.CallID)
}

func TestServer_Notify(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "notify", nil)
	event, err := wire.DecodeEvent(c.expect(wire.TypeEvent))
	require.NoError(t, err)
	assert.Equal(t, "progress", event.Name)
	assert.JSONEq(t, `{"percent":50}`, string(event.Data))

	resp := c.response()
	assert.JSONEq(t, `"done"`, string(resp.Response))
}

func TestServer_UnknownFrameIgnored(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.write([]byte{200, 1, 2, 3})
	c.write(wire.EncodeStreamFrame(wire.TypeServerStreamPush, 1, nil))

	c.call(1, "echo", "still here")
	assert.JSONEq(t, `"still here"`, string(c.response().Response))
}

func TestServer_TruncatedFrameClosesConnection(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.write([]byte{byte(wire.TypeClientStreamEnd), 0, 1})

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c.conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError), "got %v", err)

	select {
	case <-h.disposed:
	case <-time.After(5 * time.Second):
		t.Fatal("connection scope was not disposed")
	}
}

func TestServer_TeardownReleasesEverything(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "subscribe", "room")
	c.expect(wire.TypeRPCSubscription)
	c.call(2, "endless", nil)
	c.expect(wire.TypeRPCStream)
	c.call(3, "hold", nil, wire.StreamDescriptor{ID: 1})

	require.Eventually(t, func() bool {
		conns := h.server.Connections()
		return len(conns) == 1 && conns[0].Calls == 1 && conns[0].UpStreams == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.conn.Close())

	select {
	case <-h.disposed:
	case <-time.After(5 * time.Second):
		t.Fatal("connection scope was not disposed")
	}
	assert.Equal(t, 0, h.bridge.Subscribers("room"))
	assert.Empty(t, h.server.Connections())
	select {
	case <-h.sourceClosed:
	case <-time.After(time.Second):
		t.Fatal("down-stream source was not closed")
	}
}

func TestServer_StopClosesConnections(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "echo", 1)
	c.response()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.server.Stop(ctx))

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c.conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.http.URL, "http"), nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 503, resp.StatusCode)
	}
}

func TestServer_Metrics(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t)

	c.call(1, "bytes", sizeInput{Size: 2048})
	readDown(t, c, 1)

	m := h.registry.CoreMetrics()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.StreamBytes.WithLabelValues("down")) == 2048
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsActive.WithLabelValues("ws")))
}

func TestNew_RequiresDispatcher(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
