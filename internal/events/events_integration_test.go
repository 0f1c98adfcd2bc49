//go:build integration
// +build integration

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sirosfoundation/go-ebms/pkg/msh"
)

func startNATSContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.11.7-alpine",
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"--port", "4222", "--http_port", "8222"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp"),
		),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return container, fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegration_PublishToNATS(t *testing.T) {
	ctx := context.Background()
	container, url := startNATSContainer(t, ctx)
	defer container.Terminate(ctx)

	conn, err := Connect(url, "ebms-test")
	require.NoError(t, err)
	defer conn.Close()

	received := make(chan *nats.Msg, 1)
	sub, err := conn.ChanSubscribe(DefaultSubjectPrefix+".>", received)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, conn.Flush())

	p := NewPublisher(conn)
	p.HandleEvent(msh.MessageEvent{Type: msh.EventDelivered, MessageID: "m-1", Timestamp: time.Now()})

	select {
	case msg := <-received:
		assert.Equal(t, "ebms.events.message.delivered", msg.Subject)
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "m-1", ev.MessageID)
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}

func TestIntegration_Intake(t *testing.T) {
	ctx := context.Background()
	container, url := startNATSContainer(t, ctx)
	defer container.Terminate(ctx)

	conn, err := Connect(url, "ebms-test")
	require.NoError(t, err)
	defer conn.Close()

	intake := &fakeIntake{}
	s := NewSubscriber(conn, intake, SubscriberConfig{})
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Error(t, s.Start())

	resp, err := conn.Request(DefaultUserMessageSubject, []byte(`{"messageInfo":{"messageId":"m-1@test"}}`), 5*time.Second)
	require.NoError(t, err)
	var reply Reply
	require.NoError(t, json.Unmarshal(resp.Data, &reply))
	assert.Equal(t, "queued", reply.Status)

	resp, err = conn.Request(DefaultSignalSubject, []byte(`not json`), 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp.Data, &reply))
	assert.Equal(t, "rejected", reply.Status)
	assert.NotEmpty(t, reply.Error)

	require.Len(t, intake.users, 1)
	assert.Equal(t, "m-1@test", intake.users[0].MessageID())
}
