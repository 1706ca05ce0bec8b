package streaming

import (
	"errors"
	"sync"

	"github.com/chatcore-dev/chatcore/topic"
)

var (
	// ErrAlreadyStreaming indicates a second stream start was attempted for
	// a topic that is already streaming. This is a caller invariant
	// violation and the one condition surfaced loudly instead of absorbed.
	ErrAlreadyStreaming = errors.New("topic is already streaming")
	// ErrNotStreaming indicates an operation that requires an active stream
	// was attempted on an idle topic.
	ErrNotStreaming = errors.New("topic is not streaming")
)

// Tracker owns the per-topic streaming state: the set of actively streaming
// topics, their Content accumulators, the set of topics mid-resume, and the
// last absorbed stream error. It is the single source of truth for "is this
// topic currently streaming".
//
// All mutation is routed through Tracker methods; the maps are never shared.
// The coordinator is the sole writer of a topic's accumulator while its
// stream is active, so chunk application is strictly sequential per topic.
type Tracker struct {
	mu        sync.RWMutex
	streaming map[topic.ID]struct{}
	resuming  map[topic.ID]struct{}
	content   map[topic.ID]Content
	lastError map[topic.ID]string
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		streaming: make(map[topic.ID]struct{}),
		resuming:  make(map[topic.ID]struct{}),
		content:   make(map[topic.ID]Content),
		lastError: make(map[topic.ID]string),
	}
}

// Begin claims the topic for a new stream and creates its empty accumulator.
// Returns ErrAlreadyStreaming when the topic is already claimed; existing
// state is left untouched in that case.
func (t *Tracker) Begin(id topic.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.streaming[id]; ok {
		return ErrAlreadyStreaming
	}
	t.streaming[id] = struct{}{}
	t.content[id] = Content{}
	delete(t.lastError, id)
	return nil
}

// MarkStreaming flags the topic as streaming without claiming a local
// driver. Idempotent. The notification handler uses it when another client
// drives the stream, and the resume path uses it before reattaching.
func (t *Tracker) MarkStreaming(id topic.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.streaming[id]; ok {
		return
	}
	t.streaming[id] = struct{}{}
	t.content[id] = Content{}
}

// IsStreaming reports whether the topic has an active stream.
func (t *Tracker) IsStreaming(id topic.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.streaming[id]
	return ok
}

// StreamingTopics returns a snapshot of the topics with an active stream.
func (t *Tracker) StreamingTopics() []topic.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]topic.ID, 0, len(t.streaming))
	for id := range t.streaming {
		out = append(out, id)
	}
	return out
}

// Apply reduces a chunk into the topic's accumulator and returns the updated
// content. Returns ErrNotStreaming when the topic has no active stream,
// which guards against chunks arriving after a cancel cleared the state.
func (t *Tracker) Apply(id topic.ID, chunk Chunk) (Content, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.streaming[id]; !ok {
		return Content{}, ErrNotStreaming
	}
	next := t.content[id].Apply(chunk)
	t.content[id] = next
	return next, nil
}

// AppendToolCallLog appends serialized tool-call text to the topic's
// accumulator. Returns ErrNotStreaming when the topic has no active stream.
func (t *Tracker) AppendToolCallLog(id topic.ID, raw string) (Content, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.streaming[id]; !ok {
		return Content{}, ErrNotStreaming
	}
	next := t.content[id].AppendToolCallLog(raw)
	t.content[id] = next
	return next, nil
}

// SetContent replaces the topic's accumulator wholesale. The resume service
// uses it after reconciling buffered server content. Returns ErrNotStreaming
// when the topic has no active stream.
func (t *Tracker) SetContent(id topic.ID, c Content) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.streaming[id]; !ok {
		return ErrNotStreaming
	}
	t.content[id] = c
	return nil
}

// Content returns the topic's current accumulator. The second return value
// is false when the topic is not streaming.
func (t *Tracker) Content(id topic.ID) (Content, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.streaming[id]; !ok {
		return Content{}, false
	}
	return t.content[id], true
}

// End clears the topic's streaming flag and accumulator, returning the final
// accumulated content. The second return value is false when the topic was
// not streaming, so a caller racing another terminal transition can tell it
// lost and must not act on the zero Content. Idempotent otherwise.
func (t *Tracker) End(id topic.ID) (Content, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.streaming[id]; !ok {
		return Content{}, false
	}
	final := t.content[id]
	delete(t.streaming, id)
	delete(t.content, id)
	return final, true
}

// SetLastError records the most recent absorbed stream error for the topic.
// Errors never reach history; observers may surface this through state
// snapshots.
func (t *Tracker) SetLastError(id topic.ID, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg == "" {
		delete(t.lastError, id)
		return
	}
	t.lastError[id] = msg
}

// LastError returns the most recent absorbed stream error for the topic.
func (t *Tracker) LastError(id topic.ID) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastError[id]
}

// BeginResume adds the topic to the resuming set. Returns false when a
// resume attempt is already in flight, making concurrent attempts no-ops.
func (t *Tracker) BeginResume(id topic.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.resuming[id]; ok {
		return false
	}
	t.resuming[id] = struct{}{}
	return true
}

// EndResume removes the topic from the resuming set. Always called on
// resume exit, success or failure.
func (t *Tracker) EndResume(id topic.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.resuming, id)
}

// IsResuming reports whether a resume attempt is in flight for the topic.
func (t *Tracker) IsResuming(id topic.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.resuming[id]
	return ok
}

// Drop removes all state for the topic. Invoked from the topic registry's
// delete cascade.
func (t *Tracker) Drop(id topic.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streaming, id)
	delete(t.resuming, id)
	delete(t.content, id)
	delete(t.lastError, id)
}
