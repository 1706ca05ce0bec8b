package chatcore

import (
	"time"

	"github.com/chatcore-dev/chatcore/notify"
	"github.com/chatcore-dev/chatcore/streaming"
	"github.com/chatcore-dev/chatcore/telemetry"
)

// Option configures a Client.
type Option func(*options)

type options struct {
	transport        notify.Transport
	session          streaming.SessionService
	recorder         streaming.SessionRecorder
	persistence      Persistence
	logger           telemetry.Logger
	tracer           telemetry.Tracer
	metrics          telemetry.Metrics
	approvalTimeout  time.Duration
	throttleInterval time.Duration
}

// WithTransport wires the notification transport used both to publish this
// client's stream lifecycle events and to consume events from other
// clients (see Client.Start).
func WithTransport(t notify.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithSession wires the topic/session service consulted by the resume path
// and notified of topic lifecycle changes.
func WithSession(s streaming.SessionService) Option {
	return func(o *options) { o.session = s }
}

// WithRecorder wires the server-side session recorder the coordinator
// mirrors stream progress into, enabling other clients to resume. Typically
// the same backend as WithSession.
func WithRecorder(r streaming.SessionRecorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithPersistence wires the durable message/topic store. The local message
// store remains a cache/mirror; durability lives behind this contract.
func WithPersistence(p Persistence) Option {
	return func(o *options) { o.persistence = p }
}

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracer overrides the default no-op tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithMetrics overrides the default no-op metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithApprovalTimeout bounds the wait for tool-approval decisions. An
// unanswered request resolves to rejected when it elapses. Defaults to
// approval.DefaultTimeout.
func WithApprovalTimeout(d time.Duration) Option {
	return func(o *options) { o.approvalTimeout = d }
}

// WithThrottleInterval sets the minimum spacing between coalesced observer
// notifications per topic. Defaults to observe.DefaultInterval. State
// mutation is never throttled and terminal snapshots always flush.
func WithThrottleInterval(d time.Duration) Option {
	return func(o *options) { o.throttleInterval = d }
}
