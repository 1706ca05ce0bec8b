// Package replicated provides a replicated-map backed session service.
//
// Topic metadata, streaming flags, and in-flight stream buffers live in a
// Pulse replicated map (rmap), which is backed by Redis. State written by
// the process driving a stream becomes visible to every other client of the
// deployment, which is what lets a reconnecting client discover an
// in-flight stream and recover the content it missed.
package replicated

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chatcore-dev/chatcore/streaming"
	"github.com/chatcore-dev/chatcore/topic"
)

type (
	// Map is the minimal replicated-map contract required by the session
	// store.
	//
	// Map is satisfied by `*rmap.Map` from `goa.design/pulse/rmap`. It is
	// defined here to keep the store unit-testable without Redis and to
	// avoid coupling callers to a concrete Pulse implementation.
	//
	// Implementations must be safe for concurrent use.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Store implements both halves of the session contract over a
	// replicated map: the querying side used by resuming clients and the
	// recording side used by the process driving a stream. Safe for
	// concurrent use when backed by a concurrent-safe map.
	Store struct {
		m Map
	}
)

const (
	topicKeyPrefix     = "session:topic:"
	streamingKeyPrefix = "session:streaming:"
	bufferKeyPrefix    = "session:buffer:"
)

// New creates a replicated session store backed by the given map.
func New(m Map) *Store {
	return &Store{m: m}
}

var (
	_ streaming.SessionService  = (*Store)(nil)
	_ streaming.SessionRecorder = (*Store)(nil)
)

// StartSession registers a new conversation.
func (s *Store) StartSession(ctx context.Context, t topic.Topic) error {
	return s.SaveTopic(ctx, t)
}

// SaveTopic stores or updates topic metadata.
func (s *Store) SaveTopic(ctx context.Context, t topic.Topic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal topic %q: %w", t.ID, err)
	}
	if _, err := s.m.Set(ctx, topicKey(t.ID), string(b)); err != nil {
		return fmt.Errorf("store topic %q: %w", t.ID, err)
	}
	return nil
}

// IsStreaming reports whether any process currently drives a stream for the
// topic.
func (s *Store) IsStreaming(ctx context.Context, id topic.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok := s.m.Get(streamingKey(id))
	return ok, nil
}

// BufferedContent returns the content the driving process accumulated for
// the topic's in-flight stream. Returns the zero Content when nothing is
// buffered.
func (s *Store) BufferedContent(ctx context.Context, id topic.ID) (streaming.Content, error) {
	if err := ctx.Err(); err != nil {
		return streaming.Content{}, err
	}
	val, ok := s.m.Get(bufferKey(id))
	if !ok {
		return streaming.Content{}, nil
	}
	var c streaming.Content
	if err := json.Unmarshal([]byte(val), &c); err != nil {
		return streaming.Content{}, fmt.Errorf("unmarshal buffer for topic %q: %w", id, err)
	}
	return c, nil
}

// AttachStream always returns ErrAttachUnsupported: a replicated map
// carries state, not a live chunk feed. Resuming clients converge through
// the buffered content returned here plus the notification fan-out, which
// delivers the remaining tool calls and the finalized message.
func (s *Store) AttachStream(ctx context.Context, id topic.ID) (streaming.Stream, error) {
	return nil, streaming.ErrAttachUnsupported
}

// SetStreaming flags the topic as streaming, or clears the flag and its
// buffer when the stream reaches a terminal state.
func (s *Store) SetStreaming(ctx context.Context, id topic.ID, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if active {
		if _, err := s.m.Set(ctx, streamingKey(id), "1"); err != nil {
			return fmt.Errorf("flag topic %q streaming: %w", id, err)
		}
		return nil
	}
	if _, err := s.m.Delete(ctx, streamingKey(id)); err != nil {
		return fmt.Errorf("clear streaming flag for topic %q: %w", id, err)
	}
	if _, err := s.m.Delete(ctx, bufferKey(id)); err != nil {
		return fmt.Errorf("clear buffer for topic %q: %w", id, err)
	}
	return nil
}

// AppendBuffered folds a chunk into the topic's replicated buffer. The map
// holds the full accumulator rather than a chunk log so a resuming client
// recovers in one read.
func (s *Store) AppendBuffered(ctx context.Context, id topic.ID, chunk streaming.Chunk) error {
	current, err := s.BufferedContent(ctx, id)
	if err != nil {
		return err
	}
	next := current.Apply(chunk)
	b, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal buffer for topic %q: %w", id, err)
	}
	if _, err := s.m.Set(ctx, bufferKey(id), string(b)); err != nil {
		return fmt.Errorf("store buffer for topic %q: %w", id, err)
	}
	return nil
}

func topicKey(id topic.ID) string     { return topicKeyPrefix + string(id) }
func streamingKey(id topic.ID) string { return streamingKeyPrefix + string(id) }
func bufferKey(id topic.ID) string    { return bufferKeyPrefix + string(id) }
