// Package streaming defines the chunked response model shared by the
// coordinator, the resume service, and the source adapters: the Chunk wire
// unit, the Source contract produced by agent backends, the Content
// accumulator, and the Tracker that owns per-topic streaming state.
package streaming

import (
	"context"

	"github.com/chatcore-dev/chatcore/topic"
)

type (
	// ChunkType identifies the kind of payload a chunk carries.
	ChunkType string

	// ToolCall describes one requested tool invocation.
	ToolCall struct {
		// ID uniquely identifies this invocation within the stream.
		ID string `json:"id"`
		// Name is the tool identifier (e.g. "calendar.create_event").
		Name string `json:"name"`
		// Arguments is the serialized argument payload.
		Arguments string `json:"arguments,omitempty"`
	}

	// ApprovalRequest describes an out-of-band decision point: the source
	// wants to invoke privileged tools and needs explicit user consent
	// before the stream continues.
	ApprovalRequest struct {
		// ID identifies the approval request across clients.
		ID string `json:"id"`
		// Calls lists the tool invocations awaiting consent.
		Calls []ToolCall `json:"calls"`
	}

	// Chunk is one incremental unit of a streamed response. A chunk carries
	// exactly one payload kind identified by Type; the remaining fields are
	// zero.
	Chunk struct {
		// Type is the chunk kind.
		Type ChunkType
		// Text contains the assistant text fragment when Type == ChunkText.
		Text string
		// Reasoning contains the reasoning fragment when Type == ChunkReasoning.
		Reasoning string
		// ToolCall describes a tool invocation when Type == ChunkToolCall.
		ToolCall *ToolCall
		// Approval carries the pending decision point when Type == ChunkApproval.
		Approval *ApprovalRequest
		// Err describes the failure when Type == ChunkError. Errors are
		// transient by design: the coordinator absorbs them and the resume
		// path recovers on reconnect.
		Err string
		// Seq is the source-assigned monotonically increasing sequence
		// marker. Zero means the source does not sequence its chunks.
		Seq uint64
	}

	// Stream delivers the finite chunk sequence of one response. It is not
	// restartable: reattaching after a disconnect is the resume service's
	// job, not the stream's.
	Stream interface {
		// Recv blocks until the next chunk is available. It returns io.EOF
		// after the terminal chunk has been delivered and the stream is
		// exhausted.
		Recv() (Chunk, error)
		// Close releases the stream. Safe to call concurrently with Recv;
		// a pending Recv unblocks with an error after Close.
		Close() error
	}

	// Source produces chunked responses for topics. Implementations wrap an
	// agent or LLM backend (see features/source).
	Source interface {
		// Open starts a response stream for the prompt on the given topic.
		Open(ctx context.Context, id topic.ID, prompt string) (Stream, error)
	}
)

const (
	// ChunkText carries an assistant text fragment.
	ChunkText ChunkType = "text"
	// ChunkReasoning carries a reasoning-trace fragment.
	ChunkReasoning ChunkType = "reasoning"
	// ChunkToolCall carries a tool invocation descriptor.
	ChunkToolCall ChunkType = "tool_call"
	// ChunkApproval carries a pending approval request. The coordinator
	// suspends chunk application until the request is resolved.
	ChunkApproval ChunkType = "approval"
	// ChunkError reports a transient stream failure.
	ChunkError ChunkType = "error"
	// ChunkDone signals normal completion. It is the explicit "is complete"
	// marker; a stream that ends without it did not complete normally.
	ChunkDone ChunkType = "done"
)
