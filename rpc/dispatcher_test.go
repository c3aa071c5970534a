package rpc

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semrpc/errors"
	"github.com/c360/semrpc/metric"
	"github.com/c360/semrpc/procedure"
	"github.com/c360/semrpc/stream"
	"github.com/c360/semrpc/subscription"
)

type addInput struct {
	A int `json:"a"`
	B int `json:"b"`
}

func newTestDispatcher(t *testing.T, procs ...procedure.Procedure) *Dispatcher {
	t.Helper()
	registry := procedure.NewRegistry()
	registry.MustRegister(procs...)
	d, err := NewDispatcher(Config{Registry: registry})
	require.NoError(t, err)
	return d
}

func request(name, payload string) Request {
	return Request{CallID: 1, Procedure: name, Payload: json.RawMessage(payload), Transport: "ws"}
}

func TestDispatch_Value(t *testing.T) {
	d := newTestDispatcher(t, procedure.Procedure{
		Name:  "math.add",
		Input: procedure.JSON[addInput](),
		Handler: func(_ context.Context, _ *procedure.Call, input any) (any, error) {
			in := input.(addInput)
			return in.A + in.B, nil
		},
	})

	out := d.Dispatch(context.Background(), request("math.add", `{"a":2,"b":3}`))
	defer out.Release()

	require.Equal(t, KindValue, out.Kind)
	assert.Nil(t, out.Err)
	assert.Equal(t, 5, out.Value)
}

func TestDispatch_NotFound(t *testing.T) {
	d := newTestDispatcher(t)

	out := d.Dispatch(context.Background(), request("missing", `null`))
	out.Release()

	require.Equal(t, KindError, out.Kind)
	assert.Equal(t, errors.CodeNotFound, out.Err.Code)
}

func TestDispatch_TransportRestricted(t *testing.T) {
	d := newTestDispatcher(t, procedure.Procedure{
		Name:       "ws.only",
		Transports: []string{"ws"},
		Handler:    func(context.Context, *procedure.Call, any) (any, error) { return "ok", nil },
	})

	req := request("ws.only", `null`)
	req.Transport = "http"
	out := d.Dispatch(context.Background(), req)
	out.Release()
	assert.Equal(t, errors.CodeNotAcceptable, out.Err.Code)
}

func TestDispatch_GuardErrorForwarded(t *testing.T) {
	called := false
	d := newTestDispatcher(t, procedure.Procedure{
		Name: "admin.reset",
		Guards: []procedure.Guard{func(context.Context, *procedure.Call) error {
			return errors.NewAPIError(errors.CodeForbidden, "admins only")
		}},
		Handler: func(context.Context, *procedure.Call, any) (any, error) {
			called = true
			return nil, nil
		},
	})

	out := d.Dispatch(context.Background(), request("admin.reset", `null`))
	out.Release()

	assert.False(t, called)
	assert.Equal(t, errors.CodeForbidden, out.Err.Code)
	assert.Equal(t, "admins only", out.Err.Message)
}

func TestDispatch_ValidationError(t *testing.T) {
	d := newTestDispatcher(t, procedure.Procedure{
		Name:    "math.add",
		Input:   procedure.JSON[addInput](),
		Handler: func(context.Context, *procedure.Call, any) (any, error) { return nil, nil },
	})

	out := d.Dispatch(context.Background(), request("math.add", `{"c":1}`))
	out.Release()
	assert.Equal(t, errors.CodeValidation, out.Err.Code)
}

func TestDispatch_UnknownErrorMasked(t *testing.T) {
	d := newTestDispatcher(t, procedure.Procedure{
		Name: "db.query",
		Handler: func(context.Context, *procedure.Call, any) (any, error) {
			return nil, stderrors.New("pq: password authentication failed for user admin")
		},
	})

	out := d.Dispatch(context.Background(), request("db.query", `null`))
	out.Release()

	require.Equal(t, KindError, out.Kind)
	assert.Equal(t, errors.CodeInternal, out.Err.Code)
	assert.Equal(t, "Internal server error", out.Err.Message)

	data, err := json.Marshal(out.Err)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "password")
}

func TestDispatch_PanicMasked(t *testing.T) {
	d := newTestDispatcher(t, procedure.Procedure{
		Name: "boom",
		Handler: func(context.Context, *procedure.Call, any) (any, error) {
			panic("nil map")
		},
	})

	out := d.Dispatch(context.Background(), request("boom", `null`))
	out.Release()
	assert.Equal(t, errors.CodeInternal, out.Err.Code)
}

func TestDispatch_OutputValidation(t *testing.T) {
	d := newTestDispatcher(t, procedure.Procedure{
		Name:    "typed",
		Output:  procedure.MustSchema(`{"type":"object","required":["id"]}`),
		Handler: func(context.Context, *procedure.Call, any) (any, error) { return map[string]int{"other": 1}, nil },
	})

	out := d.Dispatch(context.Background(), request("typed", `null`))
	out.Release()
	assert.Equal(t, errors.CodeInternal, out.Err.Code)
}

type trackedSource struct {
	*stream.ReaderSource
	closed atomic.Bool
}

func (s *trackedSource) Close() error {
	s.closed.Store(true)
	return s.ReaderSource.Close()
}

func TestDispatch_TimeoutReleasesLateStream(t *testing.T) {
	src := &trackedSource{ReaderSource: stream.FromReader(strings.NewReader("late"), nil)}
	release := make(chan struct{})
	d := newTestDispatcher(t, procedure.Procedure{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Handler: func(context.Context, *procedure.Call, any) (any, error) {
			<-release
			return src, nil
		},
	})

	start := time.Now()
	out := d.Dispatch(context.Background(), request("slow", `null`))
	out.Release()

	assert.Equal(t, errors.CodeRequestTimeout, out.Err.Code)
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	assert.Eventually(t, src.closed.Load, time.Second, time.Millisecond)
}

func TestDispatch_DefaultTimeout(t *testing.T) {
	registry := procedure.NewRegistry()
	registry.MustRegister(procedure.Procedure{
		Name: "wait",
		Handler: func(ctx context.Context, _ *procedure.Call, _ any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	d, err := NewDispatcher(Config{Registry: registry, DefaultTimeout: 10 * time.Millisecond})
	require.NoError(t, err)

	out := d.Dispatch(context.Background(), request("wait", `null`))
	out.Release()
	assert.Equal(t, errors.CodeRequestTimeout, out.Err.Code)
}

func TestDispatch_CancelledCall(t *testing.T) {
	started := make(chan struct{})
	d := newTestDispatcher(t, procedure.Procedure{
		Name: "wait",
		Handler: func(ctx context.Context, _ *procedure.Call, _ any) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	out := d.Dispatch(ctx, request("wait", `null`))
	out.Release()
	assert.Equal(t, KindError, out.Kind)
	assert.Equal(t, errors.CodeBadRequest, out.Err.Code)
}

func TestDispatch_ScopeDisposedAfterRelease(t *testing.T) {
	conn := procedure.NewMapScope(map[any]any{"db": "conn-db"})
	disposed := make(chan struct{})

	d := newTestDispatcher(t, procedure.Procedure{
		Name: "scoped",
		Handler: func(_ context.Context, call *procedure.Call, _ any) (any, error) {
			call.Scope.(*procedure.MapScope).OnDispose(func(context.Context) error {
				close(disposed)
				return nil
			})
			return call.Scope.Value("db"), nil
		},
	})

	req := request("scoped", `null`)
	req.Scope = conn
	out := d.Dispatch(context.Background(), req)
	assert.Equal(t, "conn-db", out.Value)

	select {
	case <-disposed:
		t.Fatal("call scope disposed before release")
	case <-time.After(20 * time.Millisecond):
	}

	out.Release()
	out.Release()
	select {
	case <-disposed:
	case <-time.After(time.Second):
		t.Fatal("call scope not disposed")
	}
	assert.False(t, conn.Disposed(), "connection scope belongs to the connection")
}

func TestDispatch_DisposedSignalsCallScopeDisposal(t *testing.T) {
	var hookRan atomic.Bool
	d := newTestDispatcher(t, procedure.Procedure{
		Name: "scoped",
		Handler: func(_ context.Context, call *procedure.Call, _ any) (any, error) {
			call.Scope.(*procedure.MapScope).OnDispose(func(context.Context) error {
				time.Sleep(20 * time.Millisecond)
				hookRan.Store(true)
				return nil
			})
			return "ok", nil
		},
	})

	out := d.Dispatch(context.Background(), request("scoped", `null`))
	select {
	case <-out.Disposed():
		t.Fatal("disposed before release")
	case <-time.After(20 * time.Millisecond):
	}

	out.Release()
	select {
	case <-out.Disposed():
	case <-time.After(time.Second):
		t.Fatal("call scope not disposed")
	}
	assert.True(t, hookRan.Load(), "Disposed closes only after the dispose hooks have run")

	missing := d.Dispatch(context.Background(), request("missing", `null`))
	select {
	case <-missing.Disposed():
	default:
		t.Fatal("an outcome without a call scope has nothing to wait for")
	}
}

func TestDispatch_StreamAndSubscriptionResults(t *testing.T) {
	bridge := subscription.NewBridge(nil)
	d := newTestDispatcher(t,
		procedure.Procedure{
			Name: "download",
			Handler: func(context.Context, *procedure.Call, any) (any, error) {
				return stream.FromReader(io.NopCloser(strings.NewReader("data")), "meta"), nil
			},
		},
		procedure.Procedure{
			Name: "watch",
			Handler: func(context.Context, *procedure.Call, any) (any, error) {
				return bridge.Subscribe("topic")
			},
		},
	)

	out := d.Dispatch(context.Background(), request("download", `null`))
	require.Equal(t, KindStream, out.Kind)
	assert.Equal(t, "meta", out.Source.Initial())
	out.Release()

	out = d.Dispatch(context.Background(), request("watch", `null`))
	require.Equal(t, KindSubscription, out.Kind)
	assert.Equal(t, "topic", out.Subscription.Key)
	out.Subscription.Unsubscribe()
	out.Release()
}

func TestDispatch_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	procs := procedure.NewRegistry()
	procs.MustRegister(procedure.Procedure{
		Name:    "system.ping",
		Handler: func(context.Context, *procedure.Call, any) (any, error) { return "pong", nil },
	})
	d, err := NewDispatcher(Config{Registry: procs, Metrics: registry.CoreMetrics()})
	require.NoError(t, err)

	d.Dispatch(context.Background(), request("system.ping", `null`)).Release()
	d.Dispatch(context.Background(), request("nope", `null`)).Release()

	m := registry.CoreMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("ws", "system.ping", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("ws", "unknown", "NotFound")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CallsInFlight))
}

func TestNewDispatcher_RequiresRegistry(t *testing.T) {
	_, err := NewDispatcher(Config{})
	assert.True(t, errors.IsInvalid(err))
}
