package subscription

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semrpc/metric"
)

func next(t *testing.T, sub *Subscription) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := sub.Next(ctx)
	require.NoError(t, err)
	return string(payload)
}

func TestBridge_LocalDeliveryInOrder(t *testing.T) {
	bridge := NewBridge(nil)
	sub, err := bridge.Subscribe("orders")
	require.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, bridge.Publish(ctx, "orders", i))
	}
	require.NoError(t, bridge.Publish(ctx, "other", "ignored"))

	assert.Equal(t, "1", next(t, sub))
	assert.Equal(t, "2", next(t, sub))
	assert.Equal(t, "3", next(t, sub))
	assert.Zero(t, sub.Pending())
}

func TestBridge_FanOutAcrossProcesses(t *testing.T) {
	channel := NewMemoryBroadcaster()
	ctx := context.Background()

	a := NewBridge(channel)
	b := NewBridge(channel)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	subA, err := a.Subscribe("room")
	require.NoError(t, err)
	subB, err := b.Subscribe("room")
	require.NoError(t, err)

	require.NoError(t, a.Publish(ctx, "room", map[string]string{"msg": "hi"}))

	assert.JSONEq(t, `{"msg":"hi"}`, next(t, subA))
	assert.JSONEq(t, `{"msg":"hi"}`, next(t, subB))
	assert.Zero(t, subA.Pending(), "own broadcast is not delivered twice")
}

func TestBridge_UnsubscribeIdempotent(t *testing.T) {
	bridge := NewBridge(nil)
	sub, err := bridge.Subscribe("k")
	require.NoError(t, err)
	other, err := bridge.Subscribe("k")
	require.NoError(t, err)
	require.Equal(t, 2, bridge.Subscribers("k"))

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 1, bridge.Subscribers("k"), "second unsubscribe removes nothing")

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed")
	}
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrUnsubscribed)

	require.NoError(t, bridge.Publish(context.Background(), "k", true))
	assert.Equal(t, "true", next(t, other))
}

func TestBridge_SlowSubscriberDropsOldest(t *testing.T) {
	bridge := NewBridge(nil, WithBufferSize(2))
	sub, err := bridge.Subscribe("k")
	require.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		require.NoError(t, bridge.Publish(ctx, "k", i))
	}
	assert.Equal(t, "3", next(t, sub))
	assert.Equal(t, "4", next(t, sub))
}

func TestBridge_CloseEndsSubscriptions(t *testing.T) {
	channel := NewMemoryBroadcaster()
	bridge := NewBridge(channel)
	require.NoError(t, bridge.Start(context.Background()))

	sub, err := bridge.Subscribe("k")
	require.NoError(t, err)

	require.NoError(t, bridge.Close())
	require.NoError(t, bridge.Close())
	<-sub.Done()

	_, err = bridge.Subscribe("k")
	assert.Error(t, err)
	assert.Empty(t, channel.listeners)
}

func TestBridge_InvalidKey(t *testing.T) {
	bridge := NewBridge(nil)
	_, err := bridge.Subscribe("")
	assert.Error(t, err)
	assert.Error(t, bridge.Publish(context.Background(), "", 1))
}

func TestBridge_NextHonorsContext(t *testing.T) {
	bridge := NewBridge(nil)
	sub, err := bridge.Subscribe("k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBridge_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	bridge := NewBridge(nil, WithMetrics(registry))

	sub, err := bridge.Subscribe("k")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().SubscriptionsActive))

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0.0, testutil.ToFloat64(registry.CoreMetrics().SubscriptionsActive))
}

func TestEnvelope_JSON(t *testing.T) {
	data, err := json.Marshal(Envelope{Origin: "o", Key: "k", Payload: json.RawMessage(`[1]`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"origin":"o","key":"k","payload":[1]}`, string(data))
}
