// Package message holds the ordered message history for each topic. The
// Store is a client-side mirror of the durable history kept by an external
// persistence backend; it is append-only with an explicit clear operation.
package message

import (
	"sync"
	"time"

	"github.com/chatcore-dev/chatcore/topic"
)

type (
	// Role identifies the author side of a message.
	Role string

	// Message is one finalized entry in a topic's history.
	//
	// Contract:
	// - Messages are appended once finalized and never mutated afterward.
	//   Error messages are appended as terminal messages, not retrofitted.
	// - ID is stable across clients and backends; idempotent append paths
	//   (resume, notification) key on it.
	Message struct {
		// ID uniquely identifies the message across clients and backends.
		ID string
		// Role is the author side: RoleUser or RoleAssistant.
		Role Role
		// Content is the message text.
		Content string
		// Reasoning carries the optional reasoning trace accumulated while
		// the message streamed.
		Reasoning string
		// ToolCalls carries the serialized tool-call log, if any.
		ToolCalls string
		// IsError marks a terminal error message.
		IsError bool
		// SenderID and SenderName identify the human sender. Both empty
		// means the assistant authored the message.
		SenderID   string
		SenderName string
		// CreatedAt records when the message was finalized.
		CreatedAt time.Time
	}

	// Store maintains the per-topic ordered history. It is safe for
	// concurrent use. Three writers share it (stream commit, resume
	// reconciliation, notification fan-out); none may assume exclusivity,
	// so the idempotent append path keys on message identity.
	Store struct {
		mu       sync.RWMutex
		messages map[topic.ID][]Message
	}
)

const (
	// RoleUser marks messages authored by a human participant.
	RoleUser Role = "user"
	// RoleAssistant marks messages authored by the agent.
	RoleAssistant Role = "assistant"
)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{messages: make(map[topic.ID][]Message)}
}

// Append appends a finalized message to the topic's history. Used by the
// streaming coordinator's commit path, which is the sole sequential writer
// for the stream it drives.
func (s *Store) Append(id topic.ID, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = append(s.messages[id], msg)
}

// AppendIfAbsent appends the message unless one with the same ID is already
// present. Returns true when the message was appended. Resume and
// notification paths use this so at-least-once delivery converges.
func (s *Store) AppendIfAbsent(id topic.ID, msg Message) bool {
	if msg.ID == "" {
		s.Append(id, msg)
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.messages[id] {
		if existing.ID == msg.ID {
			return false
		}
	}
	s.messages[id] = append(s.messages[id], msg)
	return true
}

// List returns a defensive copy of the topic's history in append order.
func (s *Store) List(id topic.ID) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[id]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Last returns the most recent message for the topic, if any.
func (s *Store) Last(id topic.ID) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[id]
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// Len returns the number of messages stored for the topic.
func (s *Store) Len(id topic.ID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[id])
}

// Clear resets the topic's history to empty while keeping the topic known
// to the store.
func (s *Store) Clear(id topic.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = nil
}

// Drop removes all history for the topic. Invoked from the topic registry's
// delete cascade.
func (s *Store) Drop(id topic.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
}
