// Package topic tracks conversation identities and their metadata. The
// Registry is the client-side source of truth for which conversations exist;
// durable persistence of topic metadata lives behind an external store.
package topic

import (
	"context"
	"errors"
	"sync"
	"time"
)

type (
	// ID is the strong type for globally unique topic identifiers. Use this
	// type when referencing topics in maps or APIs to avoid accidental mixing
	// with free-form strings.
	ID string

	// Topic identifies one conversation and its metadata.
	//
	// Contract:
	// - ID is stable and globally unique.
	// - All fields except LastMessageAt are immutable after creation.
	// - Deleting a topic cascades to its message history and streaming state;
	//   the cascade is driven through Registry delete hooks.
	Topic struct {
		// ID is the opaque, globally unique topic identifier.
		ID ID
		// ChatID identifies the chat the conversation belongs to.
		ChatID string
		// ThreadID identifies the thread within the chat, if any.
		ThreadID string
		// AgentID identifies the agent answering on this topic.
		AgentID string
		// DisplayName is the human-readable conversation title.
		DisplayName string
		// CreatedAt records when the conversation was started.
		CreatedAt time.Time
		// LastMessageAt records when the last message was appended. It is the
		// only field updated after creation.
		LastMessageAt time.Time
	}

	// DeleteHook is invoked when a topic is deleted so dependent state
	// (message history, streaming accumulators) can be torn down. Hooks run
	// in registration order in the deleting goroutine.
	DeleteHook func(ctx context.Context, id ID)

	// Registry is a concurrency-safe collection of known topics. All mutation
	// is routed through its methods; callers never share the underlying map.
	Registry struct {
		mu     sync.RWMutex
		topics map[ID]Topic
		hooks  []DeleteHook
	}
)

// ErrNotFound indicates the topic does not exist in the registry.
var ErrNotFound = errors.New("topic not found")

// NewRegistry returns an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{topics: make(map[ID]Topic)}
}

// OnDelete registers a hook invoked whenever a topic is deleted. Hooks must
// not call back into the registry.
func (r *Registry) OnDelete(h DeleteHook) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Put adds or replaces a topic. An empty ID is rejected.
func (r *Registry) Put(t Topic) error {
	if t.ID == "" {
		return errors.New("topic id is required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics[t.ID] = t
	return nil
}

// Get returns the topic with the given ID. Returns ErrNotFound when the
// topic is unknown.
func (r *Registry) Get(id ID) (Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[id]
	if !ok {
		return Topic{}, ErrNotFound
	}
	return t, nil
}

// List returns a snapshot of all known topics. Order is unspecified.
func (r *Registry) List() []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Topic, 0, len(r.topics))
	for _, t := range r.topics {
		out = append(out, t)
	}
	return out
}

// Touch updates the topic's last-message timestamp. Unknown topics are a
// no-op: a touch can race with deletion and losing that race is harmless.
func (r *Registry) Touch(id ID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[id]
	if !ok {
		return
	}
	t.LastMessageAt = at.UTC()
	r.topics[id] = t
}

// Delete removes the topic and invokes the registered delete hooks so
// dependent state is torn down. Deleting an unknown topic returns
// ErrNotFound without invoking hooks.
func (r *Registry) Delete(ctx context.Context, id ID) error {
	r.mu.Lock()
	_, ok := r.topics[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.topics, id)
	hooks := make([]DeleteHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	for _, h := range hooks {
		h(ctx, id)
	}
	return nil
}
