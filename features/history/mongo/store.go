// Package mongo exposes a MongoDB-backed persistence layer for chat
// history: durable topic metadata and an append-only, idempotent message
// log. It implements the facade's Persistence contract, including the
// message fetch used by the notification fan-out handler.
package mongo

import (
	"context"
	"errors"

	"github.com/chatcore-dev/chatcore"
	clientsmongo "github.com/chatcore-dev/chatcore/features/history/mongo/clients/mongo"
	"github.com/chatcore-dev/chatcore/message"
	"github.com/chatcore-dev/chatcore/topic"
)

// Store implements chatcore.Persistence by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

var _ chatcore.Persistence = (*Store)(nil)

// SaveTopic inserts or updates topic metadata.
func (s *Store) SaveTopic(ctx context.Context, t topic.Topic) error {
	return s.client.UpsertTopic(ctx, t)
}

// DeleteTopic removes the topic and its message history.
func (s *Store) DeleteTopic(ctx context.Context, id topic.ID) error {
	return s.client.DeleteTopic(ctx, id)
}

// AppendMessage durably appends a finalized message. Idempotent on message
// ID.
func (s *Store) AppendMessage(ctx context.Context, id topic.ID, msg message.Message) error {
	return s.client.InsertMessage(ctx, id, msg)
}

// FetchMessage retrieves one finalized message.
func (s *Store) FetchMessage(ctx context.Context, id topic.ID, messageID string) (message.Message, error) {
	return s.client.FindMessage(ctx, id, messageID)
}

// ListMessages returns the topic's full history in append order.
func (s *Store) ListMessages(ctx context.Context, id topic.ID) ([]message.Message, error) {
	return s.client.ListMessages(ctx, id)
}
