// Package notify defines the server-pushed notification model and the
// fan-out handler that translates each notification into a local state
// mutation, keeping every connected client's view of a topic consistent.
//
// Transport implementations (see features/notify/pulse) deliver
// notifications with at-least-once semantics; the handler is idempotent and
// enforces per-topic emission order while letting different topics proceed
// concurrently.
package notify

import (
	"context"
	"time"

	"github.com/chatcore-dev/chatcore/approval"
	"github.com/chatcore-dev/chatcore/streaming"
	"github.com/chatcore-dev/chatcore/topic"
)

type (
	// Kind identifies the notification category.
	Kind string

	// StreamPhase qualifies KindStreamChanged notifications.
	StreamPhase string

	// Notification is one server-pushed event scoped to a topic.
	Notification struct {
		// Kind is the notification category; it determines which other
		// fields are meaningful.
		Kind Kind `json:"kind"`
		// Topic is the conversation the notification applies to.
		Topic topic.ID `json:"topic"`
		// Seq is the publisher-assigned, per-topic monotonically increasing
		// sequence number. Zero means the publisher does not sequence, in
		// which case the handler relies on content idempotency alone.
		Seq uint64 `json:"seq,omitempty"`
		// Phase qualifies KindStreamChanged.
		Phase StreamPhase `json:"phase,omitempty"`
		// MessageID identifies the finalized message for KindNewMessage.
		MessageID string `json:"message_id,omitempty"`
		// ToolCall carries the invocation descriptor for KindToolCalls.
		ToolCall *streaming.ToolCall `json:"tool_call,omitempty"`
		// ApprovalID identifies the resolved request for KindApprovalResolved.
		ApprovalID string `json:"approval_id,omitempty"`
		// Decision is the recorded outcome for KindApprovalResolved.
		Decision approval.Decision `json:"decision,omitempty"`
		// ToolCallText optionally carries the resulting serialized tool-call
		// text for KindApprovalResolved, letting a decision made on another
		// client materialize in this client's accumulator.
		ToolCallText string `json:"tool_call_text,omitempty"`
		// At records when the notification was published (UTC).
		At time.Time `json:"at"`
	}

	// Transport delivers notifications to all subscribed clients for a
	// topic. Delivery is at-least-once; consumers must be idempotent.
	Transport interface {
		// Publish sends the notification to every subscriber.
		Publish(ctx context.Context, n Notification) error
		// Subscribe opens a consumer for all topics. It returns a
		// notification channel, an error channel, and a cancel function
		// that stops consumption and closes both channels.
		Subscribe(ctx context.Context) (<-chan Notification, <-chan error, context.CancelFunc, error)
	}
)

const (
	// KindStreamChanged reports a stream lifecycle transition.
	KindStreamChanged Kind = "stream_changed"
	// KindNewMessage reports a finalized message available in persistence.
	KindNewMessage Kind = "new_message"
	// KindToolCalls reports a tool invocation within a live stream.
	KindToolCalls Kind = "tool_calls"
	// KindApprovalResolved reports an approval decision recorded anywhere.
	KindApprovalResolved Kind = "approval_resolved"
)

const (
	// PhaseStarted marks a stream start.
	PhaseStarted StreamPhase = "started"
	// PhaseCompleted marks normal completion; the finalized message is
	// delivered separately via KindNewMessage.
	PhaseCompleted StreamPhase = "completed"
	// PhaseCancelled marks user- or server-initiated cancellation.
	PhaseCancelled StreamPhase = "cancelled"
)
