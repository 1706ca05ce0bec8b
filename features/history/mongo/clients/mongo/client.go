// Package mongo hosts the MongoDB client used by the chat history store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/chatcore-dev/chatcore/message"
	"github.com/chatcore-dev/chatcore/topic"
)

const (
	defaultTopicsCollection   = "chat_topics"
	defaultMessagesCollection = "chat_messages"
	defaultOpTimeout          = 5 * time.Second
	historyClientName         = "history-mongo"
)

// ErrNotFound indicates the requested topic or message does not exist.
var ErrNotFound = errors.New("not found")

// Client exposes Mongo-backed operations for durable chat history.
type Client interface {
	health.Pinger

	UpsertTopic(ctx context.Context, t topic.Topic) error
	DeleteTopic(ctx context.Context, id topic.ID) error

	// InsertMessage durably appends a finalized message. Inserting a
	// message ID that already exists is a no-op, which makes retries and
	// concurrent commit races safe.
	InsertMessage(ctx context.Context, id topic.ID, msg message.Message) error
	FindMessage(ctx context.Context, id topic.ID, messageID string) (message.Message, error)
	ListMessages(ctx context.Context, id topic.ID) ([]message.Message, error)
}

// Options configures the Mongo history client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	TopicsCollection   string
	MessagesCollection string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	topics   collection
	messages collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	topicsCollection := opts.TopicsCollection
	if topicsCollection == "" {
		topicsCollection = defaultTopicsCollection
	}
	messagesCollection := opts.MessagesCollection
	if messagesCollection == "" {
		messagesCollection = defaultMessagesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	topicColl := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(topicsCollection)}
	msgColl := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(messagesCollection)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, topicColl, msgColl); err != nil {
		return nil, err
	}
	return &client{
		mongo:    opts.Client,
		topics:   topicColl,
		messages: msgColl,
		timeout:  timeout,
	}, nil
}

func (c *client) Name() string {
	return historyClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) UpsertTopic(ctx context.Context, t topic.Topic) error {
	if t.ID == "" {
		return errors.New("topic id is required")
	}
	doc := fromTopic(t)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"topic_id": doc.TopicID}
	update := bson.M{
		"$set": bson.M{
			"topic_id":        doc.TopicID,
			"chat_id":         doc.ChatID,
			"thread_id":       doc.ThreadID,
			"agent_id":        doc.AgentID,
			"display_name":    doc.DisplayName,
			"last_message_at": doc.LastMessageAt,
		},
		"$setOnInsert": bson.M{
			"created_at": doc.CreatedAt,
		},
	}
	_, err := c.topics.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) DeleteTopic(ctx context.Context, id topic.ID) error {
	if id == "" {
		return errors.New("topic id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.messages.DeleteMany(ctx, bson.M{"topic_id": string(id)}); err != nil {
		return err
	}
	_, err := c.topics.DeleteOne(ctx, bson.M{"topic_id": string(id)})
	return err
}

func (c *client) InsertMessage(ctx context.Context, id topic.ID, msg message.Message) error {
	if id == "" {
		return errors.New("topic id is required")
	}
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	doc := fromMessage(id, msg)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"message_id": doc.MessageID}
	// Pure $setOnInsert keeps the insert idempotent: a message, once
	// written, is never modified.
	update := bson.M{
		"$setOnInsert": bson.M{
			"message_id":  doc.MessageID,
			"topic_id":    doc.TopicID,
			"role":        doc.Role,
			"content":     doc.Content,
			"reasoning":   doc.Reasoning,
			"tool_calls":  doc.ToolCalls,
			"is_error":    doc.IsError,
			"sender_id":   doc.SenderID,
			"sender_name": doc.SenderName,
			"created_at":  doc.CreatedAt,
		},
	}
	_, err := c.messages.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) FindMessage(ctx context.Context, id topic.ID, messageID string) (message.Message, error) {
	if messageID == "" {
		return message.Message{}, errors.New("message id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"message_id": messageID, "topic_id": string(id)}
	var doc messageDocument
	if err := c.messages.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return message.Message{}, ErrNotFound
		}
		return message.Message{}, err
	}
	return doc.toMessage(), nil
}

func (c *client) ListMessages(ctx context.Context, id topic.ID) ([]message.Message, error) {
	if id == "" {
		return nil, errors.New("topic id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"topic_id": string(id)}
	cur, err := c.messages.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []message.Message
	for cur.Next(ctx) {
		var doc messageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toMessage())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type topicDocument struct {
	TopicID       string    `bson:"topic_id"`
	ChatID        string    `bson:"chat_id,omitempty"`
	ThreadID      string    `bson:"thread_id,omitempty"`
	AgentID       string    `bson:"agent_id,omitempty"`
	DisplayName   string    `bson:"display_name,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
	LastMessageAt time.Time `bson:"last_message_at,omitempty"`
}

type messageDocument struct {
	MessageID  string    `bson:"message_id"`
	TopicID    string    `bson:"topic_id"`
	Role       string    `bson:"role"`
	Content    string    `bson:"content,omitempty"`
	Reasoning  string    `bson:"reasoning,omitempty"`
	ToolCalls  string    `bson:"tool_calls,omitempty"`
	IsError    bool      `bson:"is_error,omitempty"`
	SenderID   string    `bson:"sender_id,omitempty"`
	SenderName string    `bson:"sender_name,omitempty"`
	CreatedAt  time.Time `bson:"created_at"`
}

func fromTopic(t topic.Topic) topicDocument {
	return topicDocument{
		TopicID:       string(t.ID),
		ChatID:        t.ChatID,
		ThreadID:      t.ThreadID,
		AgentID:       t.AgentID,
		DisplayName:   t.DisplayName,
		CreatedAt:     t.CreatedAt.UTC(),
		LastMessageAt: t.LastMessageAt.UTC(),
	}
}

func fromMessage(id topic.ID, msg message.Message) messageDocument {
	return messageDocument{
		MessageID:  msg.ID,
		TopicID:    string(id),
		Role:       string(msg.Role),
		Content:    msg.Content,
		Reasoning:  msg.Reasoning,
		ToolCalls:  msg.ToolCalls,
		IsError:    msg.IsError,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		CreatedAt:  msg.CreatedAt.UTC(),
	}
}

func (doc messageDocument) toMessage() message.Message {
	return message.Message{
		ID:         doc.MessageID,
		Role:       message.Role(doc.Role),
		Content:    doc.Content,
		Reasoning:  doc.Reasoning,
		ToolCalls:  doc.ToolCalls,
		IsError:    doc.IsError,
		SenderID:   doc.SenderID,
		SenderName: doc.SenderName,
		CreatedAt:  doc.CreatedAt.UTC(),
	}
}

func ensureIndexes(ctx context.Context, topicsColl, messagesColl collection) error {
	topicIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "topic_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := topicsColl.Indexes().CreateOne(ctx, topicIndex); err != nil {
		return err
	}
	messageIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := messagesColl.Indexes().CreateOne(ctx, messageIndex); err != nil {
		return err
	}
	messageOrderIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "topic_id", Value: 1},
			{Key: "created_at", Value: 1},
		},
	}
	if _, err := messagesColl.Indexes().CreateOne(ctx, messageOrderIndex); err != nil {
		return err
	}
	return nil
}

// collection and friends narrow the driver API so the client logic is
// unit-testable without a running MongoDB.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
