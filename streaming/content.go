package streaming

import (
	"encoding/json"
	"fmt"
)

// Content is the mutable accumulator for one in-flight stream: the partial
// text, reasoning, and tool-call log not yet committed to history, plus the
// highest chunk sequence marker seen so far.
//
// Content is a value type with pure operations: Apply returns a new Content
// and never mutates the receiver. The asynchronous driver in the coordinator
// calls Apply; keeping the reduction pure keeps accumulation testable
// independently of the I/O that feeds it.
type Content struct {
	// Text is the partial assistant text.
	Text string `json:"text,omitempty"`
	// Reasoning is the partial reasoning trace.
	Reasoning string `json:"reasoning,omitempty"`
	// ToolCalls is the partial serialized tool-call log. Multiple tool
	// calls within one stream append to it.
	ToolCalls string `json:"tool_calls,omitempty"`
	// Seq is the highest chunk sequence marker applied so far. Used by the
	// resume path to discard duplicate or stale buffered content.
	Seq uint64 `json:"seq,omitempty"`
}

// Apply reduces one chunk into the accumulator and returns the result.
// Fragments append non-destructively (existing + incoming); empty fragments
// are no-ops. Approval, error, and done chunks do not change content.
// The sequence marker only ever moves forward.
func (c Content) Apply(chunk Chunk) Content {
	switch chunk.Type {
	case ChunkText:
		c.Text += chunk.Text
	case ChunkReasoning:
		c.Reasoning += chunk.Reasoning
	case ChunkToolCall:
		if chunk.ToolCall != nil {
			c = c.AppendToolCall(*chunk.ToolCall)
		}
	}
	if chunk.Seq > c.Seq {
		c.Seq = chunk.Seq
	}
	return c
}

// AppendToolCall appends one tool invocation to the serialized tool-call
// log. The log is newline-delimited JSON so it survives round trips through
// plain-text buffers.
func (c Content) AppendToolCall(call ToolCall) Content {
	encoded, err := json.Marshal(call)
	if err != nil {
		// ToolCall contains only strings; Marshal cannot fail on it. Keep a
		// readable fallback anyway rather than dropping the call.
		encoded = []byte(fmt.Sprintf(`{"id":%q,"name":%q}`, call.ID, call.Name))
	}
	if c.ToolCalls != "" {
		c.ToolCalls += "\n"
	}
	c.ToolCalls += string(encoded)
	return c
}

// AppendToolCallLog appends already-serialized tool-call text to the log.
// Used when a remote client's approval resolution carries the resulting
// tool-call text rather than a structured descriptor. Empty text is a no-op.
func (c Content) AppendToolCallLog(raw string) Content {
	if raw == "" {
		return c
	}
	if c.ToolCalls != "" {
		c.ToolCalls += "\n"
	}
	c.ToolCalls += raw
	return c
}

// AppendText appends a raw text fragment. Empty fragments are no-ops.
func (c Content) AppendText(fragment string) Content {
	c.Text += fragment
	return c
}

// IsEmpty reports whether the accumulator holds no content at all.
func (c Content) IsEmpty() bool {
	return c.Text == "" && c.Reasoning == "" && c.ToolCalls == ""
}
