// Package resume reattaches a client to an in-progress server-side stream
// after a reconnect, without duplicating or losing content. It queries the
// session service for the server's view, reconciles buffered content
// against local state, and hands the live chunk feed back to the
// coordinator's chunk-handling path.
package resume

import (
	"context"
	"errors"

	"github.com/chatcore-dev/chatcore/coordinator"
	"github.com/chatcore-dev/chatcore/message"
	"github.com/chatcore-dev/chatcore/observe"
	"github.com/chatcore-dev/chatcore/streaming"
	"github.com/chatcore-dev/chatcore/telemetry"
	"github.com/chatcore-dev/chatcore/topic"
)

type (
	// Resumer coordinates resume attempts. At most one attempt runs per
	// topic at a time; rapid reconnect cycles collapse into a single
	// attempt via the tracker's resuming set.
	Resumer struct {
		tracker     *streaming.Tracker
		store       *message.Store
		session     streaming.SessionService
		coordinator *coordinator.Coordinator
		throttle    *observe.Throttle
		log         telemetry.Logger
		metrics     telemetry.Metrics
	}

	// Options configures a Resumer. Tracker, Store, Session, and
	// Coordinator are required.
	Options struct {
		Tracker     *streaming.Tracker
		Store       *message.Store
		Session     streaming.SessionService
		Coordinator *coordinator.Coordinator
		Throttle    *observe.Throttle
		Logger      telemetry.Logger
		Metrics     telemetry.Metrics
	}
)

// New constructs a Resumer.
func New(opts Options) (*Resumer, error) {
	if opts.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if opts.Store == nil {
		return nil, errors.New("message store is required")
	}
	if opts.Session == nil {
		return nil, errors.New("session service is required")
	}
	if opts.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	r := &Resumer{
		tracker:     opts.Tracker,
		store:       opts.Store,
		session:     opts.Session,
		coordinator: opts.Coordinator,
		throttle:    opts.Throttle,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}
	if r.log == nil {
		r.log = telemetry.NewNoopLogger()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NewNoopMetrics()
	}
	return r, nil
}

// TryResume reattaches the topic to its server-side stream, if one is in
// flight. It is a no-op when a resume attempt is already running for the
// topic. All environmental failures (session queries, attach) are absorbed:
// resume either converges silently or leaves state for the next reconnect
// to retry.
func (r *Resumer) TryResume(ctx context.Context, id topic.ID) error {
	if !r.tracker.BeginResume(id) {
		return nil
	}
	defer r.tracker.EndResume(id)

	r.metrics.IncCounter(telemetry.MetricResumeAttempts, 1)

	active, err := r.session.IsStreaming(ctx, id)
	if err != nil {
		r.log.Error(ctx, err, "query streaming state", "topic", string(id))
		return nil
	}
	if !active {
		// The stream completed or was cancelled while disconnected. The
		// common missed-the-end case: clear the stale local flag silently;
		// the finalized message arrives through the notification path.
		if r.tracker.IsStreaming(id) {
			r.tracker.End(id)
			r.publishSnapshot(ctx, id, true)
			r.log.Debug(ctx, "cleared stale streaming flag", "topic", string(id))
		}
		return nil
	}

	r.tracker.MarkStreaming(id)

	buffered, err := r.session.BufferedContent(ctx, id)
	if err != nil {
		r.log.Error(ctx, err, "fetch buffered content", "topic", string(id))
		return nil
	}
	r.reconcileBuffered(ctx, id, buffered)

	live, err := r.session.AttachStream(ctx, id)
	if err != nil {
		if errors.Is(err, streaming.ErrAttachUnsupported) {
			// Convergence continues through notification fan-out alone.
			r.log.Debug(ctx, "live attach unsupported, relying on fan-out", "topic", string(id))
			return nil
		}
		r.log.Error(ctx, err, "attach live stream", "topic", string(id))
		return nil
	}
	if err := r.coordinator.Attach(ctx, id, live); err != nil {
		// A local driver appeared while we reconciled; it owns the stream.
		_ = live.Close()
		r.log.Debug(ctx, "local driver already attached", "topic", string(id))
	}
	return nil
}

// reconcileBuffered merges the server buffer into the local accumulator,
// appending only the strict suffix beyond committed history and current
// partial content.
func (r *Resumer) reconcileBuffered(ctx context.Context, id topic.ID, buffered streaming.Content) {
	if buffered.IsEmpty() {
		return
	}
	current, ok := r.tracker.Content(id)
	if !ok {
		return
	}
	historyTail := ""
	if last, ok := r.store.Last(id); ok {
		historyTail = last.Content
	}
	merged := reconcile(historyTail, current, buffered)
	if merged == current {
		return
	}
	if err := r.tracker.SetContent(id, merged); err != nil {
		return
	}
	r.publishSnapshot(ctx, id, false)
}

func (r *Resumer) publishSnapshot(ctx context.Context, id topic.ID, terminal bool) {
	if r.throttle == nil {
		return
	}
	content, active := r.tracker.Content(id)
	r.throttle.Publish(ctx, observe.Snapshot{
		Topic:     id,
		Streaming: active,
		Content:   content,
		Terminal:  terminal,
		LastError: r.tracker.LastError(id),
	})
}
