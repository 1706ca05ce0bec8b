package pulse

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	clientspulse "github.com/chatcore-dev/chatcore/features/notify/pulse/clients/pulse"
	"github.com/chatcore-dev/chatcore/notify"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipIntegration = true
			} else {
				testRedisClient = redis.NewClient(&redis.Options{
					Addr: host + ":" + port.Port(),
				})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					fmt.Printf("Failed to ping redis: %v\n", err)
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func newIntegrationTransport(t *testing.T) *Transport {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping Redis integration test")
	}
	client, err := clientspulse.New(clientspulse.Options{Redis: testRedisClient})
	require.NoError(t, err)
	transport, err := New(Options{Client: client, StreamName: t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() {
		handle, err := client.Stream(t.Name())
		if err == nil {
			_ = handle.Destroy(context.Background())
		}
	})
	return transport
}

func TestIntegrationPublishSubscribeRoundTrip(t *testing.T) {
	transport := newIntegrationTransport(t)
	ctx := context.Background()

	events, errs, cancel, err := transport.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	want := notify.Notification{
		Kind:      notify.KindNewMessage,
		Topic:     "t1",
		MessageID: "m1",
		Seq:       7,
		At:        time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, transport.Publish(ctx, want))

	select {
	case got := <-events:
		require.Equal(t, want.Kind, got.Kind)
		require.Equal(t, want.Topic, got.Topic)
		require.Equal(t, want.MessageID, got.MessageID)
		require.Equal(t, want.Seq, got.Seq)
	case err := <-errs:
		t.Fatalf("unexpected consume error: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestIntegrationBroadcastToAllSubscribers(t *testing.T) {
	transport := newIntegrationTransport(t)
	ctx := context.Background()

	eventsA, _, cancelA, err := transport.Subscribe(ctx)
	require.NoError(t, err)
	defer cancelA()
	eventsB, _, cancelB, err := transport.Subscribe(ctx)
	require.NoError(t, err)
	defer cancelB()

	require.NoError(t, transport.Publish(ctx, notify.Notification{
		Kind:  notify.KindStreamChanged,
		Topic: "t1",
		Phase: notify.PhaseStarted,
		Seq:   1,
	}))

	for name, ch := range map[string]<-chan notify.Notification{"a": eventsA, "b": eventsB} {
		select {
		case n := <-ch:
			require.Equal(t, notify.KindStreamChanged, n.Kind, "subscriber %s", name)
		case <-time.After(10 * time.Second):
			t.Fatalf("subscriber %s missed the notification", name)
		}
	}
}

func TestIntegrationPerTopicOrderPreserved(t *testing.T) {
	transport := newIntegrationTransport(t)
	ctx := context.Background()

	events, _, cancel, err := transport.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	const n = 10
	for i := 1; i <= n; i++ {
		require.NoError(t, transport.Publish(ctx, notify.Notification{
			Kind:  notify.KindStreamChanged,
			Topic: "t1",
			Phase: notify.PhaseStarted,
			Seq:   uint64(i),
		}))
	}

	var got []uint64
	deadline := time.After(15 * time.Second)
	for len(got) < n {
		select {
		case evt := <-events:
			got = append(got, evt.Seq)
		case <-deadline:
			t.Fatalf("received %d of %d notifications", len(got), n)
		}
	}
	for i := 1; i <= n; i++ {
		require.Equal(t, uint64(i), got[i-1])
	}
}
