package streaming

import (
	"context"
	"errors"

	"github.com/chatcore-dev/chatcore/topic"
)

// ErrAttachUnsupported is returned by session services that cannot hand out
// a live chunk stream for an in-flight response. The resume service then
// relies on notification fan-out alone to converge.
var ErrAttachUnsupported = errors.New("session service does not support stream attach")

type (
	// SessionService is the external topic/session collaborator. It answers
	// the server-side view of a topic: whether a stream is in flight, what
	// content was buffered while a client was disconnected, and how to
	// reattach to the live chunk feed.
	//
	// Implementations must tolerate repeated queries: the resume service may
	// ask IsStreaming and BufferedContent several times for the same topic
	// across reconnect cycles.
	SessionService interface {
		// StartSession registers a new conversation with the backend.
		StartSession(ctx context.Context, t topic.Topic) error
		// SaveTopic persists updated topic metadata.
		SaveTopic(ctx context.Context, t topic.Topic) error
		// IsStreaming reports whether the backend has an in-flight stream
		// for the topic.
		IsStreaming(ctx context.Context, id topic.ID) (bool, error)
		// BufferedContent returns the content the backend accumulated for
		// the topic's in-flight stream, including content produced while
		// the client was disconnected. Returns the zero Content when
		// nothing is buffered.
		BufferedContent(ctx context.Context, id topic.ID) (Content, error)
		// AttachStream reattaches to the live chunk feed of an in-flight
		// stream. The returned stream delivers only chunks past the point
		// of attachment. Returns ErrAttachUnsupported when the backend
		// cannot deliver a live feed.
		AttachStream(ctx context.Context, id topic.ID) (Stream, error)
	}

	// SessionRecorder is the server-side half of the session contract: the
	// process driving a stream records its progress so disconnected clients
	// can resume. Kept separate from SessionService because most clients
	// only ever query.
	SessionRecorder interface {
		// SetStreaming flags the topic as streaming or clears the flag and
		// its buffer when the stream reaches a terminal state.
		SetStreaming(ctx context.Context, id topic.ID, active bool) error
		// AppendBuffered folds a chunk into the topic's server-side buffer.
		AppendBuffered(ctx context.Context, id topic.ID, chunk Chunk) error
	}
)
