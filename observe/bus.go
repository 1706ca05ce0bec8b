// Package observe propagates immutable state snapshots to registered
// observers. The core publishes a snapshot whenever a topic's streaming
// state changes; UI layers subscribe and render. Observer notification may
// be coalesced to a bounded rate (see Throttle), but state mutation itself
// is never throttled and terminal snapshots are always flushed.
package observe

import (
	"context"
	"errors"
	"sync"

	"github.com/chatcore-dev/chatcore/streaming"
	"github.com/chatcore-dev/chatcore/topic"
)

type (
	// Snapshot is an immutable view of one topic's streaming state at a
	// point in time.
	Snapshot struct {
		// Topic identifies the conversation.
		Topic topic.ID
		// Streaming reports whether the topic has an active stream.
		Streaming bool
		// Content is the accumulator state at snapshot time.
		Content streaming.Content
		// Terminal marks the final snapshot of a stream (completion,
		// cancellation, or absorbed error). Terminal snapshots bypass
		// throttling.
		Terminal bool
		// LastError carries the most recent absorbed stream error, if any.
		// History stays clean; this is the only place errors surface.
		LastError string
	}

	// Observer reacts to published snapshots. Implementations must be
	// thread-safe when registered on a bus that publishes from multiple
	// goroutines (one per streaming topic).
	//
	// HandleSnapshot should return an error only when processing fails in a
	// way that should surface to the publisher; the bus stops delivering
	// the snapshot to the remaining observers at the first error.
	Observer interface {
		HandleSnapshot(ctx context.Context, s Snapshot) error
	}

	// ObserverFunc adapts a function to the Observer interface.
	ObserverFunc func(ctx context.Context, s Snapshot) error

	// Subscription represents an active registration on a Bus. Close is
	// idempotent and thread-safe.
	Subscription interface {
		Close() error
	}

	// Bus fans snapshots out to registered observers. Thread-safe for
	// concurrent Publish, Register, and Close.
	Bus struct {
		mu        sync.RWMutex
		observers map[*subscription]Observer
	}

	subscription struct {
		bus  *Bus
		once sync.Once
	}
)

// HandleSnapshot implements Observer.
func (f ObserverFunc) HandleSnapshot(ctx context.Context, s Snapshot) error {
	return f(ctx, s)
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{observers: make(map[*subscription]Observer)}
}

// Register adds an observer and returns its subscription handle. Returns an
// error when o is nil.
func (b *Bus) Register(o Observer) (Subscription, error) {
	if o == nil {
		return nil, errors.New("observer is required")
	}
	sub := &subscription{bus: b}
	b.mu.Lock()
	b.observers[sub] = o
	b.mu.Unlock()
	return sub, nil
}

// Publish delivers the snapshot to every registered observer in an
// unspecified order. The observer set is snapshotted before iteration, so
// registrations and closes during a publish do not affect the current
// delivery. Stops at the first observer error and returns it.
func (b *Bus) Publish(ctx context.Context, s Snapshot) error {
	b.mu.RLock()
	observers := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		observers = append(observers, o)
	}
	b.mu.RUnlock()
	for _, o := range observers {
		if err := o.HandleSnapshot(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Subscription.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.observers, s)
		s.bus.mu.Unlock()
	})
	return nil
}

// Arena groups subscriptions so one Close releases them all. Register
// observers through the arena when their lifetime is tied to a single
// client/connection; disposing the arena guarantees no subscription leaks.
type Arena struct {
	bus  *Bus
	mu   sync.Mutex
	subs []Subscription
}

// NewArena returns an Arena that registers observers on bus.
func NewArena(bus *Bus) *Arena {
	return &Arena{bus: bus}
}

// Register adds an observer to the underlying bus and retains its
// subscription for release on Close.
func (a *Arena) Register(o Observer) error {
	sub, err := a.bus.Register(o)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.subs = append(a.subs, sub)
	a.mu.Unlock()
	return nil
}

// Close releases every subscription registered through the arena.
// Idempotent: subsequent calls are no-ops.
func (a *Arena) Close() error {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}
