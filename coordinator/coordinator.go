// Package coordinator drives one agent response stream per topic from start
// to a terminal state. The coordinator owns the at-most-one-active-stream
// invariant: it claims the topic in the streaming tracker before consuming
// chunks, folds every chunk into the topic's accumulator through the pure
// reducer, suspends at the approval gate when the source requests consent,
// and on completion commits the accumulated content as one finalized
// assistant message.
//
// Terminal states and their effects:
//
//   - completion: commit to history, clear accumulator, publish
//     stream-completed and new-message notifications.
//   - cancellation: discard accumulated content, nothing reaches history.
//   - error: discard and absorb. Errors are treated as transient; the
//     resume service recovers on reconnect, so no error message is appended
//     and no failure surfaces beyond the state snapshot's LastError.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/chatcore-dev/chatcore/approval"
	"github.com/chatcore-dev/chatcore/message"
	"github.com/chatcore-dev/chatcore/notify"
	"github.com/chatcore-dev/chatcore/observe"
	"github.com/chatcore-dev/chatcore/streaming"
	"github.com/chatcore-dev/chatcore/telemetry"
	"github.com/chatcore-dev/chatcore/topic"
)

type (
	// Coordinator drives response streams. Safe for concurrent use across
	// topics; concurrent calls for the same topic are rejected, not queued,
	// since a second start implies a caller bug or duplicate user action.
	Coordinator struct {
		source   streaming.Source
		tracker  *streaming.Tracker
		store    *message.Store
		gate     *approval.Gate
		registry *topic.Registry

		transport notify.Transport
		recorder  streaming.SessionRecorder
		throttle  *observe.Throttle
		log       telemetry.Logger
		tracer    telemetry.Tracer
		metrics   telemetry.Metrics

		mu      sync.Mutex
		drivers map[topic.ID]*driver
		seq     map[topic.ID]uint64
		wg      sync.WaitGroup
	}

	// Options configures a Coordinator. Source, Tracker, Store, and Gate
	// are required. Transport, Recorder, Throttle, and telemetry are
	// optional; absent ones default to no-ops.
	Options struct {
		Source   streaming.Source
		Tracker  *streaming.Tracker
		Store    *message.Store
		Gate     *approval.Gate
		Registry *topic.Registry

		// Transport publishes stream lifecycle and new-message
		// notifications so other clients converge.
		Transport notify.Transport
		// Recorder mirrors stream progress into the server-side session
		// buffer consumed by resuming clients.
		Recorder streaming.SessionRecorder
		// Throttle publishes state snapshots to observers at a bounded rate.
		Throttle *observe.Throttle

		Logger  telemetry.Logger
		Tracer  telemetry.Tracer
		Metrics telemetry.Metrics
	}

	// driver tracks one in-flight stream so cancellation can release its
	// blocking Recv and approval wait immediately.
	driver struct {
		cancel context.CancelFunc
		stream streaming.Stream
	}
)

// New constructs a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Source == nil {
		return nil, errors.New("source is required")
	}
	if opts.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if opts.Store == nil {
		return nil, errors.New("message store is required")
	}
	if opts.Gate == nil {
		return nil, errors.New("approval gate is required")
	}
	c := &Coordinator{
		source:    opts.Source,
		tracker:   opts.Tracker,
		store:     opts.Store,
		gate:      opts.Gate,
		registry:  opts.Registry,
		transport: opts.Transport,
		recorder:  opts.Recorder,
		throttle:  opts.Throttle,
		log:       opts.Logger,
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
		drivers:   make(map[topic.ID]*driver),
		seq:       make(map[topic.ID]uint64),
	}
	if c.log == nil {
		c.log = telemetry.NewNoopLogger()
	}
	if c.tracer == nil {
		c.tracer = telemetry.NewNoopTracer()
	}
	if c.metrics == nil {
		c.metrics = telemetry.NewNoopMetrics()
	}
	return c, nil
}

// StreamResponse claims the topic and drives one response stream for the
// prompt asynchronously. The caller must have appended the user's message to
// the history already.
//
// Returns streaming.ErrAlreadyStreaming without touching existing state
// when the topic already has an active stream. All later failures (source
// open, chunk delivery) are absorbed into clean state transitions; the
// resume path is the recovery mechanism.
func (c *Coordinator) StreamResponse(ctx context.Context, id topic.ID, prompt string) error {
	if err := c.tracker.Begin(id); err != nil {
		return err
	}

	stream, err := c.source.Open(ctx, id, prompt)
	if err != nil {
		// Opening failed before any content existed. Treated like a
		// mid-stream transient error: clear state, stay silent.
		c.log.Error(ctx, err, "open response stream", "topic", string(id))
		c.absorbError(ctx, id, err)
		return nil
	}

	c.recordStreaming(ctx, id, true)
	c.publishNotification(ctx, notify.Notification{
		Kind:  notify.KindStreamChanged,
		Topic: id,
		Phase: notify.PhaseStarted,
	})
	if err := c.spawn(ctx, id, stream); err != nil {
		// A driver from a stream that just ended has not been cleared
		// yet. Rare and transient; release the claim and stay silent.
		_ = stream.Close()
		c.absorbError(ctx, id, err)
	}
	return nil
}

// Attach drives an already-claimed stream, reusing the same chunk-handling
// path as StreamResponse. The resume service calls it after reconciling
// buffered content. The topic must be flagged as streaming; a topic that
// already has a local driver is rejected with streaming.ErrAlreadyStreaming,
// and at most one of two racing attaches wins.
func (c *Coordinator) Attach(ctx context.Context, id topic.ID, stream streaming.Stream) error {
	if !c.tracker.IsStreaming(id) {
		return streaming.ErrNotStreaming
	}
	return c.spawn(ctx, id, stream)
}

// Cancel stops the topic's stream: the approval wait (if any) resolves as
// rejected, no further chunks are consumed, and accumulated content is
// discarded without reaching history. Returns streaming.ErrNotStreaming
// when the topic has no active stream.
func (c *Coordinator) Cancel(ctx context.Context, id topic.ID) error {
	if !c.tracker.IsStreaming(id) {
		return streaming.ErrNotStreaming
	}

	c.mu.Lock()
	d := c.drivers[id]
	delete(c.drivers, id)
	c.mu.Unlock()
	if d != nil {
		d.cancel()
		_ = d.stream.Close()
	}

	c.gate.CancelTopic(id)
	c.tracker.End(id)
	c.recordStreaming(ctx, id, false)
	c.metrics.IncCounter(telemetry.MetricStreamsCancelled, 1)
	c.publishNotification(ctx, notify.Notification{
		Kind:  notify.KindStreamChanged,
		Topic: id,
		Phase: notify.PhaseCancelled,
	})
	c.publishSnapshot(ctx, id, true)
	c.log.Info(ctx, "stream cancelled", "topic", string(id))
	return nil
}

// Wait blocks until every in-flight driver goroutine has exited. Intended
// for shutdown and tests.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// spawn registers the driver and starts the drive loop goroutine. The
// existence check and the registration happen under one lock hold so two
// concurrent attaches for the same topic cannot both install a driver.
func (c *Coordinator) spawn(ctx context.Context, id topic.ID, stream streaming.Stream) error {
	driveCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if _, ok := c.drivers[id]; ok {
		c.mu.Unlock()
		cancel()
		return streaming.ErrAlreadyStreaming
	}
	c.drivers[id] = &driver{cancel: cancel, stream: stream}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.drive(driveCtx, id, stream)
	}()
	return nil
}

// drive consumes the stream until a terminal state. Chunk application is
// strictly sequential: drive is the only goroutine touching this topic's
// accumulator while the stream is active.
func (c *Coordinator) drive(ctx context.Context, id topic.ID, stream streaming.Stream) {
	ctx, span := c.tracer.Start(ctx, "chatcore.stream")
	defer span.End()
	started := time.Now()

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				// Cancel already performed the state transition.
				return
			}
			// io.EOF without a done chunk, or a transport failure: the
			// stream ended abnormally. Absorb.
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream ended abnormally")
			c.absorbError(ctx, id, err)
			return
		}

		switch chunk.Type {
		case streaming.ChunkApproval:
			proceed := c.awaitApproval(ctx, id, chunk)
			if ctx.Err() != nil {
				return
			}
			if !proceed {
				// Rejection terminates the stream with no further content;
				// what accumulated before the gate is committed as the
				// final message.
				c.complete(ctx, id, started)
				_ = stream.Close()
				return
			}

		case streaming.ChunkError:
			span.SetStatus(codes.Error, chunk.Err)
			c.absorbError(ctx, id, errors.New(chunk.Err))
			_ = stream.Close()
			return

		case streaming.ChunkDone:
			c.complete(ctx, id, started)
			span.SetStatus(codes.Ok, "completed")
			_ = stream.Close()
			return

		default:
			if _, err := c.tracker.Apply(id, chunk); err != nil {
				// State was cleared underneath us (cancel or delete raced
				// the last chunk). Stop consuming.
				return
			}
			c.metrics.IncCounter(telemetry.MetricChunksApplied, 1)
			c.recordChunk(ctx, id, chunk)
			if chunk.Type == streaming.ChunkToolCall && chunk.ToolCall != nil {
				c.publishNotification(ctx, notify.Notification{
					Kind:     notify.KindToolCalls,
					Topic:    id,
					ToolCall: chunk.ToolCall,
				})
			}
			c.publishSnapshot(ctx, id, false)
		}
	}
}

// awaitApproval publishes the chunk's approval request to the gate and
// blocks until a decision is recorded (locally, remotely via the fan-out
// handler, or by the gate's timeout fail-safe). Returns true when the
// stream may continue consuming chunks.
func (c *Coordinator) awaitApproval(ctx context.Context, id topic.ID, chunk streaming.Chunk) bool {
	if chunk.Approval == nil {
		return true
	}
	decisionCh, pending, err := c.gate.Request(ctx, id, *chunk.Approval)
	if err != nil {
		// A pending request already exists for this topic; the source
		// violated the one-decision-point contract. Decline rather than
		// stack suspensions.
		c.log.Error(ctx, err, "duplicate approval request", "topic", string(id))
		return false
	}
	if pending.ID != "" {
		c.log.Info(ctx, "stream suspended awaiting approval", "topic", string(id), "approval", pending.ID)
	}

	select {
	case decision := <-decisionCh:
		c.log.Info(ctx, "approval resolved", "topic", string(id), "decision", string(decision))
		return decision == approval.Approved || decision == approval.ApprovedAlways
	case <-ctx.Done():
		return false
	}
}

// complete commits the accumulated content as one finalized assistant
// message and clears the streaming state. A done chunk can land just as the
// user cancels; when Cancel wins the state transition nothing may reach
// history, so the commit happens only if this call is the one that ended
// the stream.
func (c *Coordinator) complete(ctx context.Context, id topic.ID, started time.Time) {
	final, ended := c.tracker.End(id)
	if !ended {
		c.clearDriver(id)
		return
	}
	now := time.Now().UTC()
	msg := message.Message{
		ID:        uuid.NewString(),
		Role:      message.RoleAssistant,
		Content:   final.Text,
		Reasoning: final.Reasoning,
		ToolCalls: final.ToolCalls,
		CreatedAt: now,
	}
	c.store.Append(id, msg)
	if c.registry != nil {
		c.registry.Touch(id, now)
	}
	c.clearDriver(id)
	c.recordStreaming(ctx, id, false)

	c.metrics.IncCounter(telemetry.MetricStreamsCompleted, 1)
	c.metrics.RecordTimer(telemetry.MetricStreamDuration, time.Since(started))

	c.publishNotification(ctx, notify.Notification{
		Kind:      notify.KindNewMessage,
		Topic:     id,
		MessageID: msg.ID,
	})
	c.publishNotification(ctx, notify.Notification{
		Kind:  notify.KindStreamChanged,
		Topic: id,
		Phase: notify.PhaseCompleted,
	})
	c.publishSnapshot(ctx, id, true)
	c.log.Info(ctx, "stream completed", "topic", string(id), "message", msg.ID)
}

// absorbError converts a stream failure into a clean state transition: the
// accumulator is discarded, the streaming flag clears, and nothing reaches
// history. The reconnect/resume path is expected to recover; dropped
// connections are not user-facing failures.
func (c *Coordinator) absorbError(ctx context.Context, id topic.ID, err error) {
	c.tracker.SetLastError(id, err.Error())
	c.tracker.End(id)
	c.clearDriver(id)
	c.recordStreaming(ctx, id, false)
	c.metrics.IncCounter(telemetry.MetricStreamsErrored, 1)
	c.publishSnapshot(ctx, id, true)
	c.log.Debug(ctx, "stream error absorbed", "topic", string(id), "error", err.Error())
}

func (c *Coordinator) clearDriver(id topic.ID) {
	c.mu.Lock()
	delete(c.drivers, id)
	c.mu.Unlock()
}

// recordStreaming mirrors the streaming flag into the server-side session
// recorder, when one is wired. Best-effort: recording failures must not
// affect the local state machine.
func (c *Coordinator) recordStreaming(ctx context.Context, id topic.ID, active bool) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.SetStreaming(ctx, id, active); err != nil {
		c.log.Error(ctx, err, "record streaming flag", "topic", string(id))
	}
}

// recordChunk mirrors a chunk into the server-side resume buffer.
func (c *Coordinator) recordChunk(ctx context.Context, id topic.ID, chunk streaming.Chunk) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.AppendBuffered(ctx, id, chunk); err != nil {
		c.log.Error(ctx, err, "record buffered chunk", "topic", string(id))
	}
}

// publishNotification assigns the per-topic sequence number and publishes
// on the transport, when one is wired.
func (c *Coordinator) publishNotification(ctx context.Context, n notify.Notification) {
	if c.transport == nil {
		return
	}
	c.mu.Lock()
	c.seq[n.Topic]++
	n.Seq = c.seq[n.Topic]
	c.mu.Unlock()
	n.At = time.Now().UTC()
	if err := c.transport.Publish(ctx, n); err != nil {
		c.log.Error(ctx, err, "publish notification", "topic", string(n.Topic), "kind", string(n.Kind))
	}
}

// publishSnapshot emits the topic's current state to observers.
func (c *Coordinator) publishSnapshot(ctx context.Context, id topic.ID, terminal bool) {
	if c.throttle == nil {
		return
	}
	content, active := c.tracker.Content(id)
	c.throttle.Publish(ctx, observe.Snapshot{
		Topic:     id,
		Streaming: active,
		Content:   content,
		Terminal:  terminal,
		LastError: c.tracker.LastError(id),
	})
}
