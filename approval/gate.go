// Package approval implements the gate where privileged tool invocations
// await explicit user consent. A stream suspends at the gate until a
// decision is recorded locally, arrives from another client through the
// notification fan-out, or the bounded wait expires.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatcore-dev/chatcore/streaming"
	"github.com/chatcore-dev/chatcore/topic"
)

type (
	// Decision is the outcome recorded for a pending approval.
	Decision string

	// Pending describes one outstanding approval request.
	Pending struct {
		// ID identifies the request across clients.
		ID string
		// Topic is the conversation whose stream is suspended.
		Topic topic.ID
		// Calls lists the tool invocations awaiting consent.
		Calls []streaming.ToolCall
		// CreatedAt records when the request was published.
		CreatedAt time.Time
		// ExpiresAt records when the fail-safe timeout resolves the request
		// to Rejected.
		ExpiresAt time.Time
	}

	// Gate tracks at most one outstanding approval per topic and resolves
	// each exactly once. Resolving an unknown or already-resolved request is
	// a no-op: duplicate resolutions race between local UI action and remote
	// notification, and both sides must tolerate losing.
	Gate struct {
		mu         sync.Mutex
		timeout    time.Duration
		pending    map[string]*entry
		byTopic    map[topic.ID]string
		remembered map[string]struct{}
	}

	entry struct {
		pending Pending
		ch      chan Decision
		timer   *time.Timer
	}
)

const (
	// Approved allows the requested tool invocations once.
	Approved Decision = "approved"
	// ApprovedAlways allows the invocations and remembers the tool names so
	// subsequent requests covering only remembered tools resolve without
	// asking again.
	ApprovedAlways Decision = "approved_always"
	// Rejected declines the invocations. Timeouts and stream cancellation
	// resolve to Rejected.
	Rejected Decision = "rejected"
)

// DefaultTimeout bounds the wait for a decision. An unanswered request
// resolves to Rejected when it elapses so a stream never hangs silently.
const DefaultTimeout = 2 * time.Minute

var (
	// ErrPendingExists indicates a second approval request was published for
	// a topic that already has one outstanding. The coordinator suspends
	// while a request is pending, so this is a caller invariant violation.
	ErrPendingExists = errors.New("topic already has a pending approval")
	// ErrDuplicateID indicates a request carried a backend-minted ID that is
	// already pending for another topic. Admitting it would overwrite the
	// first entry and strand its waiter, so the request is refused instead.
	ErrDuplicateID = errors.New("approval id is already pending")
)

// NewGate returns a Gate with the given decision timeout. A non-positive
// timeout falls back to DefaultTimeout.
func NewGate(timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		timeout:    timeout,
		pending:    make(map[string]*entry),
		byTopic:    make(map[topic.ID]string),
		remembered: make(map[string]struct{}),
	}
}

// Request publishes a pending approval for the topic and returns a channel
// that yields the decision exactly once. When every requested tool was
// previously approved with ApprovedAlways, the request resolves to Approved
// immediately without being published.
//
// The request ID is taken from req.ID when set (ids minted by the backend
// stay stable across clients) and generated otherwise.
func (g *Gate) Request(_ context.Context, id topic.ID, req streaming.ApprovalRequest) (<-chan Decision, Pending, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.allRemembered(req.Calls) {
		ch := make(chan Decision, 1)
		ch <- Approved
		return ch, Pending{}, nil
	}
	if _, ok := g.byTopic[id]; ok {
		return nil, Pending{}, ErrPendingExists
	}

	approvalID := req.ID
	if approvalID == "" {
		approvalID = uuid.NewString()
	} else if _, ok := g.pending[approvalID]; ok {
		return nil, Pending{}, ErrDuplicateID
	}
	now := time.Now().UTC()
	p := Pending{
		ID:        approvalID,
		Topic:     id,
		Calls:     append([]streaming.ToolCall(nil), req.Calls...),
		CreatedAt: now,
		ExpiresAt: now.Add(g.timeout),
	}
	e := &entry{pending: p, ch: make(chan Decision, 1)}
	e.timer = time.AfterFunc(g.timeout, func() {
		g.Resolve(approvalID, Rejected)
	})
	g.pending[approvalID] = e
	g.byTopic[id] = approvalID
	return e.ch, p, nil
}

// Resolve records the decision for the pending request with the given ID.
// Returns true when this call resolved the request; false when the ID is
// unknown or already resolved, which is never an error.
func (g *Gate) Resolve(approvalID string, d Decision) bool {
	g.mu.Lock()
	e, ok := g.pending[approvalID]
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.pending, approvalID)
	delete(g.byTopic, e.pending.Topic)
	if d == ApprovedAlways {
		for _, call := range e.pending.Calls {
			g.remembered[call.Name] = struct{}{}
		}
	}
	g.mu.Unlock()

	e.timer.Stop()
	e.ch <- d
	return true
}

// CancelTopic resolves the topic's pending approval, if any, to Rejected.
// Stream cancellation and topic deletion release approval waiters this way.
func (g *Gate) CancelTopic(id topic.ID) {
	g.mu.Lock()
	approvalID, ok := g.byTopic[id]
	g.mu.Unlock()
	if ok {
		g.Resolve(approvalID, Rejected)
	}
}

// Pending returns the topic's outstanding approval request, if any.
func (g *Gate) Pending(id topic.ID) (Pending, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	approvalID, ok := g.byTopic[id]
	if !ok {
		return Pending{}, false
	}
	return g.pending[approvalID].pending, true
}

// All returns every outstanding approval request across topics.
func (g *Gate) All() []Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Pending, 0, len(g.pending))
	for _, e := range g.pending {
		out = append(out, e.pending)
	}
	return out
}

// Remembers reports whether the tool name was recorded by a previous
// ApprovedAlways decision.
func (g *Gate) Remembers(toolName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.remembered[toolName]
	return ok
}

// allRemembered reports whether every call targets a remembered tool.
// Requires g.mu held. An empty call list is never auto-approved.
func (g *Gate) allRemembered(calls []streaming.ToolCall) bool {
	if len(calls) == 0 {
		return false
	}
	for _, call := range calls {
		if _, ok := g.remembered[call.Name]; !ok {
			return false
		}
	}
	return true
}
