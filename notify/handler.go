package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/chatcore-dev/chatcore/approval"
	"github.com/chatcore-dev/chatcore/message"
	"github.com/chatcore-dev/chatcore/observe"
	"github.com/chatcore-dev/chatcore/streaming"
	"github.com/chatcore-dev/chatcore/telemetry"
	"github.com/chatcore-dev/chatcore/topic"
)

type (
	// MessageFetcher retrieves a finalized message from the external
	// persistence backend. The handler uses it to materialize KindNewMessage
	// notifications into the local history mirror.
	MessageFetcher interface {
		FetchMessage(ctx context.Context, id topic.ID, messageID string) (message.Message, error)
	}

	// Handler translates notifications into state mutations. Notifications
	// for one topic are applied strictly in arrival order on a dedicated
	// worker; different topics dispatch to independent workers and may
	// interleave freely.
	//
	// Every mutation path is idempotent: MarkStreaming tolerates repeats,
	// message appends key on message identity, approval resolution of an
	// unknown id is a no-op, and a publisher-assigned sequence number (when
	// present) drops duplicates outright.
	Handler struct {
		tracker  *streaming.Tracker
		store    *message.Store
		gate     *approval.Gate
		registry *topic.Registry
		fetcher  MessageFetcher
		throttle *observe.Throttle
		log      telemetry.Logger

		mu      sync.Mutex
		queues  map[topic.ID]chan Notification
		lastSeq map[topic.ID]uint64
		ctx     context.Context
		wg      sync.WaitGroup
	}

	// HandlerOptions configures a Handler. Tracker, Store, and Gate are
	// required; the rest are optional.
	HandlerOptions struct {
		Tracker  *streaming.Tracker
		Store    *message.Store
		Gate     *approval.Gate
		Registry *topic.Registry
		Fetcher  MessageFetcher
		Throttle *observe.Throttle
		Logger   telemetry.Logger
	}
)

// queueDepth bounds each per-topic dispatch queue. A full queue applies
// backpressure to the transport consumer rather than dropping or reordering.
const queueDepth = 64

// NewHandler constructs a Handler.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if opts.Store == nil {
		return nil, errors.New("message store is required")
	}
	if opts.Gate == nil {
		return nil, errors.New("approval gate is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Handler{
		tracker:  opts.Tracker,
		store:    opts.Store,
		gate:     opts.Gate,
		registry: opts.Registry,
		fetcher:  opts.Fetcher,
		throttle: opts.Throttle,
		log:      logger,
		queues:   make(map[topic.ID]chan Notification),
		lastSeq:  make(map[topic.ID]uint64),
	}, nil
}

// Run subscribes on the transport and dispatches notifications until ctx is
// canceled or the subscription fails. Blocks; run it in its own goroutine.
func (h *Handler) Run(ctx context.Context, transport Transport) error {
	events, errs, cancel, err := transport.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer h.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-events:
			if !ok {
				return nil
			}
			h.Dispatch(ctx, n)
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

// Dispatch routes the notification to its topic's FIFO worker, creating the
// worker on first use. Safe for concurrent use.
func (h *Handler) Dispatch(ctx context.Context, n Notification) {
	h.mu.Lock()
	if h.ctx == nil {
		h.ctx = ctx
	}
	q, ok := h.queues[n.Topic]
	if !ok {
		q = make(chan Notification, queueDepth)
		h.queues[n.Topic] = q
		h.wg.Add(1)
		go h.work(h.ctx, q)
	}
	h.mu.Unlock()

	select {
	case q <- n:
	case <-ctx.Done():
	}
}

// drain waits for in-flight workers after the subscription ends.
func (h *Handler) drain(ctx context.Context) {
	h.mu.Lock()
	for id, q := range h.queues {
		close(q)
		delete(h.queues, id)
	}
	h.mu.Unlock()
	h.wg.Wait()
	h.log.Debug(ctx, "notification fan-out drained")
}

func (h *Handler) work(ctx context.Context, q <-chan Notification) {
	defer h.wg.Done()
	for n := range q {
		h.apply(ctx, n)
	}
}

// apply performs the state transition for one notification. Runs on the
// topic's worker goroutine, so transitions for a topic are sequential.
func (h *Handler) apply(ctx context.Context, n Notification) {
	if h.isDuplicate(n) {
		h.log.Debug(ctx, "dropping duplicate notification", "topic", string(n.Topic), "seq", n.Seq)
		return
	}

	switch n.Kind {
	case KindStreamChanged:
		h.applyStreamChanged(ctx, n)
	case KindNewMessage:
		h.applyNewMessage(ctx, n)
	case KindToolCalls:
		h.applyToolCalls(ctx, n)
	case KindApprovalResolved:
		h.applyApprovalResolved(ctx, n)
	default:
		h.log.Debug(ctx, "ignoring unknown notification kind", "kind", string(n.Kind))
	}
}

// isDuplicate records and checks the per-topic sequence number. Sequence
// zero means the publisher does not sequence and dedup falls back to
// content idempotency.
func (h *Handler) isDuplicate(n Notification) bool {
	if n.Seq == 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if n.Seq <= h.lastSeq[n.Topic] {
		return true
	}
	h.lastSeq[n.Topic] = n.Seq
	return false
}

func (h *Handler) applyStreamChanged(ctx context.Context, n Notification) {
	switch n.Phase {
	case PhaseStarted:
		h.tracker.MarkStreaming(n.Topic)
		h.publish(ctx, n.Topic, false)
	case PhaseCompleted, PhaseCancelled:
		h.tracker.End(n.Topic)
		h.publish(ctx, n.Topic, true)
	default:
		h.log.Debug(ctx, "ignoring unknown stream phase", "phase", string(n.Phase))
	}
}

func (h *Handler) applyNewMessage(ctx context.Context, n Notification) {
	if h.fetcher == nil || n.MessageID == "" {
		return
	}
	msg, err := h.fetcher.FetchMessage(ctx, n.Topic, n.MessageID)
	if err != nil {
		// Persistence hiccups are environmental: the message will surface
		// on the next fetch or reconnect.
		h.log.Error(ctx, err, "fetch notified message", "topic", string(n.Topic), "message", n.MessageID)
		return
	}
	if h.store.AppendIfAbsent(n.Topic, msg) {
		if h.registry != nil {
			h.registry.Touch(n.Topic, msg.CreatedAt)
		}
		h.publish(ctx, n.Topic, false)
	}
}

func (h *Handler) applyToolCalls(ctx context.Context, n Notification) {
	if n.ToolCall == nil {
		return
	}
	// Another client may drive the stream. A sequenced notification is
	// known fresh (stale redeliveries fail the sequence check), so it may
	// flag the topic before the call folds into the accumulator. An
	// unsequenced one only folds into an already live accumulator: a
	// redelivery landing after the completed phase must not resurrect the
	// streaming flag with no terminal event left to clear it.
	if n.Seq > 0 {
		h.tracker.MarkStreaming(n.Topic)
	}
	if _, err := h.tracker.Apply(n.Topic, streaming.Chunk{Type: streaming.ChunkToolCall, ToolCall: n.ToolCall, Seq: n.Seq}); err != nil {
		h.log.Debug(ctx, "tool-call notification on idle topic", "topic", string(n.Topic))
		return
	}
	h.publish(ctx, n.Topic, false)
}

func (h *Handler) applyApprovalResolved(ctx context.Context, n Notification) {
	// Resolving an unknown or already-resolved id is a no-op: the local
	// gate may have resolved first, or the approval belongs to a stream
	// whose coordinator lives on another client.
	h.gate.Resolve(n.ApprovalID, n.Decision)
	if n.ToolCallText == "" {
		return
	}
	if _, err := h.tracker.AppendToolCallLog(n.Topic, n.ToolCallText); err == nil {
		h.publish(ctx, n.Topic, false)
	}
}

// publish emits a state snapshot for observers when a throttle is wired.
func (h *Handler) publish(ctx context.Context, id topic.ID, terminal bool) {
	if h.throttle == nil {
		return
	}
	content, streamingNow := h.tracker.Content(id)
	h.throttle.Publish(ctx, observe.Snapshot{
		Topic:     id,
		Streaming: streamingNow,
		Content:   content,
		Terminal:  terminal,
		LastError: h.tracker.LastError(id),
	})
}
