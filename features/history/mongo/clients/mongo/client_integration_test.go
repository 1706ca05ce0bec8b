package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chatcore-dev/chatcore/message"
	"github.com/chatcore-dev/chatcore/topic"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func TestMain(m *testing.M) {
	setupMongoDB()
	code := m.Run()
	teardownMongoDB()
	os.Exit(code)
}

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
	}
}

func teardownMongoDB() {
	ctx := context.Background()
	if testMongoClient != nil {
		_ = testMongoClient.Disconnect(ctx)
	}
	if testMongoContainer != nil {
		_ = testMongoContainer.Terminate(ctx)
	}
}

func newTestClient(t *testing.T) Client {
	t.Helper()
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	db := "chatcore_test"
	c, err := New(Options{
		Client:             testMongoClient,
		Database:           db,
		TopicsCollection:   t.Name() + "_topics",
		MessagesCollection: t.Name() + "_messages",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		_ = testMongoClient.Database(db).Collection(t.Name() + "_topics").Drop(ctx)
		_ = testMongoClient.Database(db).Collection(t.Name() + "_messages").Drop(ctx)
	})
	return c
}

func TestIntegrationUpsertTopic(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, c.UpsertTopic(ctx, topic.Topic{ID: "t1", DisplayName: "demo", CreatedAt: created}))

	// Upserting again updates metadata without duplicating the document.
	require.NoError(t, c.UpsertTopic(ctx, topic.Topic{ID: "t1", DisplayName: "renamed", CreatedAt: created}))
	require.NoError(t, c.Ping(ctx))
}

func TestIntegrationInsertMessageIdempotent(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	msg := message.Message{
		ID:        "m1",
		Role:      message.RoleAssistant,
		Content:   "hello",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, c.InsertMessage(ctx, "t1", msg))

	// A retry with the same ID, even with different content, changes nothing.
	dupe := msg
	dupe.Content = "changed"
	require.NoError(t, c.InsertMessage(ctx, "t1", dupe))

	msgs, err := c.ListMessages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Content)
}

func TestIntegrationFindMessage(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	msg := message.Message{ID: "m1", Role: message.RoleUser, Content: "hi", CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
	require.NoError(t, c.InsertMessage(ctx, "t1", msg))

	got, err := c.FindMessage(ctx, "t1", "m1")
	require.NoError(t, err)
	require.Equal(t, msg.Content, got.Content)
	require.Equal(t, msg.Role, got.Role)

	_, err = c.FindMessage(ctx, "t1", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIntegrationListMessagesOrdered(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, c.InsertMessage(ctx, "t1", message.Message{
			ID:        id,
			Role:      message.RoleAssistant,
			Content:   id,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := c.ListMessages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, []string{"m1", "m2", "m3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestIntegrationDeleteTopicRemovesHistory(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.UpsertTopic(ctx, topic.Topic{ID: "t1", CreatedAt: time.Now().UTC()}))
	require.NoError(t, c.InsertMessage(ctx, "t1", message.Message{ID: "m1", Content: "hi", CreatedAt: time.Now().UTC()}))

	require.NoError(t, c.DeleteTopic(ctx, "t1"))

	msgs, err := c.ListMessages(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, msgs)
}
