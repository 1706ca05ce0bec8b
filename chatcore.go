// Package chatcore is the streaming coordination core of a chat
// application: it drives incremental agent response streams per
// conversation topic, survives disconnect/reconnect without losing or
// duplicating content, fans server-pushed notifications out into consistent
// local state, and suspends streams at tool-approval decision points.
//
// The package wires the core components (topic registry, message store,
// streaming tracker, coordinator, resume service, notification handler,
// approval gate) behind a single Client. Transports, durable storage, and
// response sources are external collaborators supplied through options; the
// features directory provides Pulse-, Mongo-, and SDK-backed
// implementations.
package chatcore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chatcore-dev/chatcore/approval"
	"github.com/chatcore-dev/chatcore/coordinator"
	"github.com/chatcore-dev/chatcore/message"
	"github.com/chatcore-dev/chatcore/notify"
	"github.com/chatcore-dev/chatcore/observe"
	"github.com/chatcore-dev/chatcore/resume"
	"github.com/chatcore-dev/chatcore/streaming"
	"github.com/chatcore-dev/chatcore/telemetry"
	"github.com/chatcore-dev/chatcore/topic"
)

type (
	// Persistence is the durable storage collaborator. The in-process
	// message store is a client-side mirror; durability lives behind this
	// contract (see features/history/mongo).
	Persistence interface {
		notify.MessageFetcher

		// SaveTopic inserts or updates topic metadata.
		SaveTopic(ctx context.Context, t topic.Topic) error
		// DeleteTopic removes the topic and its message history.
		DeleteTopic(ctx context.Context, id topic.ID) error
		// AppendMessage durably appends a finalized message. Must be
		// idempotent on message ID.
		AppendMessage(ctx context.Context, id topic.ID, msg message.Message) error
		// ListMessages returns the topic's full history in append order.
		ListMessages(ctx context.Context, id topic.ID) ([]message.Message, error)
	}

	// Client is the facade UI, CLI, and bot front-ends talk to. All state
	// mutation flows through its operations; reads return defensive copies
	// or immutable snapshots.
	Client struct {
		registry    *topic.Registry
		store       *message.Store
		tracker     *streaming.Tracker
		gate        *approval.Gate
		bus         *observe.Bus
		throttle    *observe.Throttle
		coordinator *coordinator.Coordinator
		resumer     *resume.Resumer
		handler     *notify.Handler
		transport   notify.Transport
		session     streaming.SessionService
		persistence Persistence
		log         telemetry.Logger
	}
)

// ErrNoSession indicates a resume was requested but no session service is
// wired; without one the client cannot learn the server's stream state.
var ErrNoSession = errors.New("no session service configured")

// New constructs a Client around the given response source.
func New(source streaming.Source, opts ...Option) (*Client, error) {
	if source == nil {
		return nil, errors.New("response source is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = telemetry.NewNoopLogger()
	}

	registry := topic.NewRegistry()
	store := message.NewStore()
	tracker := streaming.NewTracker()
	gate := approval.NewGate(o.approvalTimeout)
	bus := observe.NewBus()
	throttle := observe.NewThrottle(bus, o.throttleInterval)

	coord, err := coordinator.New(coordinator.Options{
		Source:    source,
		Tracker:   tracker,
		Store:     store,
		Gate:      gate,
		Registry:  registry,
		Transport: o.transport,
		Recorder:  o.recorder,
		Throttle:  throttle,
		Logger:    o.logger,
		Tracer:    o.tracer,
		Metrics:   o.metrics,
	})
	if err != nil {
		return nil, err
	}

	var resumer *resume.Resumer
	if o.session != nil {
		resumer, err = resume.New(resume.Options{
			Tracker:     tracker,
			Store:       store,
			Session:     o.session,
			Coordinator: coord,
			Throttle:    throttle,
			Logger:      o.logger,
			Metrics:     o.metrics,
		})
		if err != nil {
			return nil, err
		}
	}

	handler, err := notify.NewHandler(notify.HandlerOptions{
		Tracker:  tracker,
		Store:    store,
		Gate:     gate,
		Registry: registry,
		Fetcher:  o.persistence,
		Throttle: throttle,
		Logger:   o.logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		registry:    registry,
		store:       store,
		tracker:     tracker,
		gate:        gate,
		bus:         bus,
		throttle:    throttle,
		coordinator: coord,
		resumer:     resumer,
		handler:     handler,
		transport:   o.transport,
		session:     o.session,
		persistence: o.persistence,
		log:         o.logger,
	}

	// Topic deletion cascades: stop the stream, release approval waiters,
	// and drop every piece of per-topic state.
	registry.OnDelete(func(ctx context.Context, id topic.ID) {
		_ = coord.Cancel(ctx, id)
		gate.CancelTopic(id)
		store.Drop(id)
		tracker.Drop(id)
		throttle.Drop(id)
	})
	return c, nil
}

// Start begins consuming server-pushed notifications on the configured
// transport. It returns immediately; consumption stops when ctx is
// canceled. A client without a transport is standalone and Start is a
// no-op.
func (c *Client) Start(ctx context.Context) {
	if c.transport == nil {
		return
	}
	go func() {
		if err := c.handler.Run(ctx, c.transport); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error(ctx, err, "notification consumption stopped")
		}
	}()
}

// CreateTopic registers a new conversation locally and with the session and
// persistence collaborators.
func (c *Client) CreateTopic(ctx context.Context, t topic.Topic) error {
	if t.ID == "" {
		t.ID = topic.ID(uuid.NewString())
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := c.registry.Put(t); err != nil {
		return err
	}
	if c.session != nil {
		if err := c.session.StartSession(ctx, t); err != nil {
			c.log.Error(ctx, err, "start session", "topic", string(t.ID))
		}
	}
	if c.persistence != nil {
		if err := c.persistence.SaveTopic(ctx, t); err != nil {
			c.log.Error(ctx, err, "persist topic", "topic", string(t.ID))
		}
	}
	return nil
}

// DeleteTopic removes the conversation and cascades to its history,
// streaming state, and pending approvals.
func (c *Client) DeleteTopic(ctx context.Context, id topic.ID) error {
	if err := c.registry.Delete(ctx, id); err != nil {
		return err
	}
	if c.persistence != nil {
		if err := c.persistence.DeleteTopic(ctx, id); err != nil {
			c.log.Error(ctx, err, "delete persisted topic", "topic", string(id))
		}
	}
	return nil
}

// SendMessage appends the user's message to the topic's history and starts
// the response stream. Returns streaming.ErrAlreadyStreaming when the topic
// already has an active stream; duplicate sends are rejected, not queued.
func (c *Client) SendMessage(ctx context.Context, id topic.ID, text string) error {
	if _, err := c.registry.Get(id); err != nil {
		return err
	}

	now := time.Now().UTC()
	msg := message.Message{
		ID:        uuid.NewString(),
		Role:      message.RoleUser,
		Content:   text,
		CreatedAt: now,
	}
	c.store.Append(id, msg)
	c.registry.Touch(id, now)
	if c.persistence != nil {
		if err := c.persistence.AppendMessage(ctx, id, msg); err != nil {
			c.log.Error(ctx, err, "persist user message", "topic", string(id))
		}
	}

	// The stream outlives the send request: detach it from the request
	// context so navigating away does not kill the response.
	streamCtx := context.WithoutCancel(ctx)
	return c.coordinator.StreamResponse(streamCtx, id, text)
}

// CancelStream stops the topic's active stream and discards accumulated
// content. Returns streaming.ErrNotStreaming when the topic is idle.
func (c *Client) CancelStream(ctx context.Context, id topic.ID) error {
	return c.coordinator.Cancel(ctx, id)
}

// ResolveApproval records the decision for a pending approval. Returns true
// when this call resolved it; resolving an unknown or already-resolved id
// is a no-op returning false. A recorded decision is broadcast so streams
// suspended on other clients unblock too.
func (c *Client) ResolveApproval(ctx context.Context, approvalID string, decision approval.Decision) bool {
	resolved := c.gate.Resolve(approvalID, decision)
	if resolved && c.transport != nil {
		n := notify.Notification{
			Kind:       notify.KindApprovalResolved,
			ApprovalID: approvalID,
			Decision:   decision,
			At:         time.Now().UTC(),
		}
		if err := c.transport.Publish(ctx, n); err != nil {
			c.log.Error(ctx, err, "broadcast approval resolution", "approval", approvalID)
		}
	}
	return resolved
}

// TryResumeStream reattaches the topic to an in-flight server-side stream
// after a reconnect. No-op when a resume attempt is already running.
// Requires a session service.
func (c *Client) TryResumeStream(ctx context.Context, id topic.ID) error {
	if c.resumer == nil {
		return ErrNoSession
	}
	return c.resumer.TryResume(ctx, id)
}

// Subscribe registers an observer for state snapshots. Close the returned
// subscription to stop receiving.
func (c *Client) Subscribe(o observe.Observer) (observe.Subscription, error) {
	return c.bus.Register(o)
}

// NewArena returns a subscription arena bound to this client's bus: every
// observer registered through it is released by a single Close.
func (c *Client) NewArena() *observe.Arena {
	return observe.NewArena(c.bus)
}

// Topics returns a snapshot of known conversations.
func (c *Client) Topics() []topic.Topic {
	return c.registry.List()
}

// Topic returns one conversation's metadata.
func (c *Client) Topic(id topic.ID) (topic.Topic, error) {
	return c.registry.Get(id)
}

// Messages returns a copy of the topic's local message history.
func (c *Client) Messages(id topic.ID) []message.Message {
	return c.store.List(id)
}

// IsStreaming reports whether the topic has an active stream.
func (c *Client) IsStreaming(id topic.ID) bool {
	return c.tracker.IsStreaming(id)
}

// StreamingContent returns the topic's in-progress accumulator, when one
// exists.
func (c *Client) StreamingContent(id topic.ID) (streaming.Content, bool) {
	return c.tracker.Content(id)
}

// PendingApproval returns the topic's outstanding approval request, if any.
func (c *Client) PendingApproval(id topic.ID) (approval.Pending, bool) {
	return c.gate.Pending(id)
}

// Wait blocks until all in-flight stream drivers exit. Intended for
// shutdown and tests.
func (c *Client) Wait() {
	c.coordinator.Wait()
}
