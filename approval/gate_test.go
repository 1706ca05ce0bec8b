package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatcore-dev/chatcore/streaming"
	"github.com/chatcore-dev/chatcore/topic"
)

func TestGateResolveExactlyOnce(t *testing.T) {
	g := NewGate(time.Minute)
	ch, pending, err := g.Request(context.Background(), topic.ID("t1"), streaming.ApprovalRequest{
		Calls: []streaming.ToolCall{{ID: "c1", Name: "search"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, pending.ID)

	require.True(t, g.Resolve(pending.ID, Approved))
	require.False(t, g.Resolve(pending.ID, Rejected))

	select {
	case d := <-ch:
		require.Equal(t, Approved, d)
	default:
		t.Fatal("expected buffered decision")
	}
}

func TestGateResolveUnknownIsNoOp(t *testing.T) {
	g := NewGate(time.Minute)
	require.False(t, g.Resolve("nope", Approved))
}

func TestGateRequestKeepsBackendID(t *testing.T) {
	g := NewGate(time.Minute)
	_, pending, err := g.Request(context.Background(), topic.ID("t1"), streaming.ApprovalRequest{
		ID:    "backend-7",
		Calls: []streaming.ToolCall{{ID: "c1", Name: "search"}},
	})
	require.NoError(t, err)
	require.Equal(t, "backend-7", pending.ID)
}

func TestGateDuplicateRequestRejected(t *testing.T) {
	g := NewGate(time.Minute)
	id := topic.ID("t1")
	req := streaming.ApprovalRequest{Calls: []streaming.ToolCall{{ID: "c1", Name: "search"}}}

	_, _, err := g.Request(context.Background(), id, req)
	require.NoError(t, err)

	_, _, err = g.Request(context.Background(), id, req)
	require.ErrorIs(t, err, ErrPendingExists)
}

func TestGateDuplicateIDAcrossTopicsRejected(t *testing.T) {
	g := NewGate(time.Minute)

	chA, _, err := g.Request(context.Background(), topic.ID("a"), streaming.ApprovalRequest{
		ID:    "backend-7",
		Calls: []streaming.ToolCall{{ID: "c1", Name: "search"}},
	})
	require.NoError(t, err)

	// The same backend-minted ID from another topic must not overwrite the
	// first entry and strand its waiter.
	_, _, err = g.Request(context.Background(), topic.ID("b"), streaming.ApprovalRequest{
		ID:    "backend-7",
		Calls: []streaming.ToolCall{{ID: "c2", Name: "fetch"}},
	})
	require.ErrorIs(t, err, ErrDuplicateID)
	_, ok := g.Pending(topic.ID("b"))
	require.False(t, ok)

	// The original waiter still resolves.
	require.True(t, g.Resolve("backend-7", Approved))
	select {
	case d := <-chA:
		require.Equal(t, Approved, d)
	default:
		t.Fatal("expected buffered decision for the first topic")
	}
}

func TestGateTimeoutResolvesToRejected(t *testing.T) {
	g := NewGate(20 * time.Millisecond)
	ch, _, err := g.Request(context.Background(), topic.ID("t1"), streaming.ApprovalRequest{
		Calls: []streaming.ToolCall{{ID: "c1", Name: "search"}},
	})
	require.NoError(t, err)

	select {
	case d := <-ch:
		require.Equal(t, Rejected, d)
	case <-time.After(time.Second):
		t.Fatal("timeout did not resolve the request")
	}
	_, ok := g.Pending(topic.ID("t1"))
	require.False(t, ok)
}

func TestGateApprovedAlwaysRemembers(t *testing.T) {
	g := NewGate(time.Minute)
	id := topic.ID("t1")

	_, pending, err := g.Request(context.Background(), id, streaming.ApprovalRequest{
		Calls: []streaming.ToolCall{{ID: "c1", Name: "search"}, {ID: "c2", Name: "fetch"}},
	})
	require.NoError(t, err)
	require.True(t, g.Resolve(pending.ID, ApprovedAlways))
	require.True(t, g.Remembers("search"))
	require.True(t, g.Remembers("fetch"))

	// A subsequent request covering only remembered tools auto-approves
	// without publishing a pending entry.
	ch, pending, err := g.Request(context.Background(), id, streaming.ApprovalRequest{
		Calls: []streaming.ToolCall{{ID: "c3", Name: "search"}},
	})
	require.NoError(t, err)
	require.Empty(t, pending.ID)
	select {
	case d := <-ch:
		require.Equal(t, Approved, d)
	default:
		t.Fatal("expected immediate approval")
	}

	// A request with an unremembered tool still asks.
	_, pending, err = g.Request(context.Background(), id, streaming.ApprovalRequest{
		Calls: []streaming.ToolCall{{ID: "c4", Name: "search"}, {ID: "c5", Name: "delete"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, pending.ID)
}

func TestGateCancelTopic(t *testing.T) {
	g := NewGate(time.Minute)
	id := topic.ID("t1")

	ch, _, err := g.Request(context.Background(), id, streaming.ApprovalRequest{
		Calls: []streaming.ToolCall{{ID: "c1", Name: "search"}},
	})
	require.NoError(t, err)

	g.CancelTopic(id)
	select {
	case d := <-ch:
		require.Equal(t, Rejected, d)
	default:
		t.Fatal("expected rejection on cancel")
	}

	// Canceling an idle topic is a no-op.
	g.CancelTopic(topic.ID("idle"))
}

func TestGatePendingAndAll(t *testing.T) {
	g := NewGate(time.Minute)

	_, p1, err := g.Request(context.Background(), topic.ID("a"), streaming.ApprovalRequest{
		Calls: []streaming.ToolCall{{ID: "c1", Name: "search"}},
	})
	require.NoError(t, err)
	_, _, err = g.Request(context.Background(), topic.ID("b"), streaming.ApprovalRequest{
		Calls: []streaming.ToolCall{{ID: "c2", Name: "fetch"}},
	})
	require.NoError(t, err)

	got, ok := g.Pending(topic.ID("a"))
	require.True(t, ok)
	require.Equal(t, p1.ID, got.ID)
	require.Len(t, g.All(), 2)
}
