// Package inmem provides an in-memory implementation of the history client
// for tests and local tooling. It preserves the durable client's semantics:
// message inserts are idempotent on message ID and listings come back in
// creation order.
package inmem

import (
	"context"
	"sort"
	"sync"

	clientsmongo "github.com/chatcore-dev/chatcore/features/history/mongo/clients/mongo"
	"github.com/chatcore-dev/chatcore/message"
	"github.com/chatcore-dev/chatcore/topic"
)

// Client holds topics and messages in process memory.
type Client struct {
	mu       sync.RWMutex
	topics   map[topic.ID]topic.Topic
	messages map[topic.ID][]message.Message
}

var _ clientsmongo.Client = (*Client)(nil)

// New returns an empty Client.
func New() *Client {
	return &Client{
		topics:   make(map[topic.ID]topic.Topic),
		messages: make(map[topic.ID][]message.Message),
	}
}

// Name identifies the client for health reporting.
func (c *Client) Name() string { return "history-inmem" }

// Ping always succeeds.
func (c *Client) Ping(ctx context.Context) error { return nil }

// UpsertTopic inserts or replaces the topic metadata.
func (c *Client) UpsertTopic(ctx context.Context, t topic.Topic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.topics[t.ID]; ok && t.CreatedAt.IsZero() {
		t.CreatedAt = existing.CreatedAt
	}
	c.topics[t.ID] = t
	return nil
}

// DeleteTopic removes the topic and its message history.
func (c *Client) DeleteTopic(ctx context.Context, id topic.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, id)
	delete(c.messages, id)
	return nil
}

// InsertMessage appends the message unless its ID is already present.
func (c *Client) InsertMessage(ctx context.Context, id topic.ID, msg message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.messages[id] {
		if existing.ID == msg.ID {
			return nil
		}
	}
	c.messages[id] = append(c.messages[id], msg)
	return nil
}

// FindMessage returns the message or ErrNotFound.
func (c *Client) FindMessage(ctx context.Context, id topic.ID, messageID string) (message.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, msg := range c.messages[id] {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return message.Message{}, clientsmongo.ErrNotFound
}

// ListMessages returns the topic's history ordered by creation time.
func (c *Client) ListMessages(ctx context.Context, id topic.ID) ([]message.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]message.Message, len(c.messages[id]))
	copy(out, c.messages[id])
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Topic returns the stored topic metadata, if present. Test helper.
func (c *Client) Topic(id topic.ID) (topic.Topic, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.topics[id]
	return t, ok
}
