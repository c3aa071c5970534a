//go:build integration

package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/semrpc/procedure"
	"github.com/c360/semrpc/rpc"
)

func startRabbit(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5672/tcp"),
				wait.ForLog("Server startup complete").WithStartupTimeout(60*time.Second),
			),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestIntegration_CallOverQueue(t *testing.T) {
	url := startRabbit(t)

	reg := procedure.NewRegistry()
	reg.MustRegister(procedure.Procedure{Name: "math.double", Input: procedure.JSON[int](),
		Handler: func(_ context.Context, _ *procedure.Call, in any) (any, error) {
			return in.(int) * 2, nil
		}})
	dispatcher, err := rpc.NewDispatcher(rpc.Config{Registry: reg})
	require.NoError(t, err)

	server, err := New(dispatcher, Config{URL: url, Queue: "semrpc.it"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, server.Start(ctx))
	defer func() { _ = server.Stop(context.Background()) }()

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	replies, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	msgs, err := ch.Consume(replies.Name, "", true, true, false, false, nil)
	require.NoError(t, err)

	require.NoError(t, ch.PublishWithContext(ctx, "", "semrpc.it", false, false, amqp.Publishing{
		Type:          "math.double",
		Body:          []byte(`21`),
		ReplyTo:       replies.Name,
		CorrelationId: "it-1",
	}))

	select {
	case msg := <-msgs:
		assert.Equal(t, "it-1", msg.CorrelationId)
		assert.Equal(t, "response", msg.Type)
		var body struct {
			Response int `json:"response"`
		}
		require.NoError(t, json.Unmarshal(msg.Body, &body))
		assert.Equal(t, 42, body.Response)
	case <-ctx.Done():
		t.Fatal("no reply received")
	}
}
