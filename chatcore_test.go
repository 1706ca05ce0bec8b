package chatcore

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatcore-dev/chatcore/approval"
	"github.com/chatcore-dev/chatcore/message"
	"github.com/chatcore-dev/chatcore/notify"
	"github.com/chatcore-dev/chatcore/observe"
	"github.com/chatcore-dev/chatcore/streaming"
	"github.com/chatcore-dev/chatcore/topic"
)

// chanStream feeds chunks from a channel; Close unblocks a pending Recv.
type chanStream struct {
	ch     chan streaming.Chunk
	closed chan struct{}
	once   sync.Once
}

func newChanStream(chunks ...streaming.Chunk) *chanStream {
	s := &chanStream{ch: make(chan streaming.Chunk, len(chunks)), closed: make(chan struct{})}
	for _, c := range chunks {
		s.ch <- c
	}
	return s
}

func (s *chanStream) Recv() (streaming.Chunk, error) {
	select {
	case c := <-s.ch:
		return c, nil
	case <-s.closed:
		return streaming.Chunk{}, io.EOF
	}
}

func (s *chanStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// stubSource hands out scripted streams in open order.
type stubSource struct {
	mu      sync.Mutex
	streams []*chanStream
	opens   int
}

func (s *stubSource) Open(ctx context.Context, id topic.ID, prompt string) (streaming.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opens >= len(s.streams) {
		return nil, errors.New("no scripted stream")
	}
	st := s.streams[s.opens]
	s.opens++
	return st, nil
}

// memPersistence is an in-memory Persistence double.
type memPersistence struct {
	mu       sync.Mutex
	topics   map[topic.ID]topic.Topic
	messages map[string]message.Message
	deleted  []topic.ID
}

func newMemPersistence() *memPersistence {
	return &memPersistence{
		topics:   make(map[topic.ID]topic.Topic),
		messages: make(map[string]message.Message),
	}
}

func (p *memPersistence) SaveTopic(ctx context.Context, t topic.Topic) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics[t.ID] = t
	return nil
}

func (p *memPersistence) DeleteTopic(ctx context.Context, id topic.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.topics, id)
	p.deleted = append(p.deleted, id)
	return nil
}

func (p *memPersistence) AppendMessage(ctx context.Context, id topic.ID, msg message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[msg.ID] = msg
	return nil
}

func (p *memPersistence) FetchMessage(ctx context.Context, id topic.ID, messageID string) (message.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.messages[messageID]
	if !ok {
		return message.Message{}, errors.New("message not stored")
	}
	return msg, nil
}

func (p *memPersistence) ListMessages(ctx context.Context, id topic.ID) ([]message.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]message.Message, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, m)
	}
	return out, nil
}

// loopTransport records publishes and loops them back to subscribers.
type loopTransport struct {
	mu        sync.Mutex
	published []notify.Notification
	events    chan notify.Notification
	errs      chan error
}

func newLoopTransport() *loopTransport {
	return &loopTransport{
		events: make(chan notify.Notification, 64),
		errs:   make(chan error, 1),
	}
}

func (t *loopTransport) Publish(ctx context.Context, n notify.Notification) error {
	t.mu.Lock()
	t.published = append(t.published, n)
	t.mu.Unlock()
	select {
	case t.events <- n:
	default:
	}
	return nil
}

func (t *loopTransport) Subscribe(ctx context.Context) (<-chan notify.Notification, <-chan error, context.CancelFunc, error) {
	return t.events, t.errs, func() {}, nil
}

func (t *loopTransport) byKind(k notify.Kind) []notify.Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []notify.Notification
	for _, n := range t.published {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

func TestSendMessageCommitsResponse(t *testing.T) {
	source := &stubSource{streams: []*chanStream{newChanStream(
		streaming.Chunk{Type: streaming.ChunkText, Text: "Hello ", Seq: 1},
		streaming.Chunk{Type: streaming.ChunkText, Text: "world", Seq: 2},
		streaming.Chunk{Type: streaming.ChunkDone, Seq: 3},
	)}}
	c, err := New(source)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.CreateTopic(ctx, topic.Topic{ID: "t1", DisplayName: "demo"}))
	require.NoError(t, c.SendMessage(ctx, "t1", "hi"))
	c.Wait()

	msgs := c.Messages("t1")
	require.Len(t, msgs, 2)
	require.Equal(t, message.RoleUser, msgs[0].Role)
	require.Equal(t, "hi", msgs[0].Content)
	require.Equal(t, message.RoleAssistant, msgs[1].Role)
	require.Equal(t, "Hello world", msgs[1].Content)
	require.False(t, c.IsStreaming("t1"))

	got, err := c.Topic("t1")
	require.NoError(t, err)
	require.False(t, got.LastMessageAt.IsZero())
}

func TestSendMessageUnknownTopic(t *testing.T) {
	c, err := New(&stubSource{})
	require.NoError(t, err)
	require.ErrorIs(t, c.SendMessage(context.Background(), "nope", "hi"), topic.ErrNotFound)
}

func TestDuplicateSendRejected(t *testing.T) {
	blocked := &chanStream{ch: make(chan streaming.Chunk), closed: make(chan struct{})}
	source := &stubSource{streams: []*chanStream{blocked}}
	c, err := New(source)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.CreateTopic(ctx, topic.Topic{ID: "t1"}))
	require.NoError(t, c.SendMessage(ctx, "t1", "first"))
	require.ErrorIs(t, c.SendMessage(ctx, "t1", "second"), streaming.ErrAlreadyStreaming)

	// The first stream is untouched by the rejection.
	require.True(t, c.IsStreaming("t1"))
	require.NoError(t, c.CancelStream(ctx, "t1"))
	c.Wait()
}

func TestCancelStreamDiscards(t *testing.T) {
	blocked := &chanStream{ch: make(chan streaming.Chunk, 4), closed: make(chan struct{})}
	blocked.ch <- streaming.Chunk{Type: streaming.ChunkText, Text: "partial", Seq: 1}
	source := &stubSource{streams: []*chanStream{blocked}}
	c, err := New(source)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.CreateTopic(ctx, topic.Topic{ID: "t1"}))
	require.NoError(t, c.SendMessage(ctx, "t1", "hi"))
	require.Eventually(t, func() bool {
		content, ok := c.StreamingContent("t1")
		return ok && content.Text == "partial"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.CancelStream(ctx, "t1"))
	c.Wait()

	// Only the user's message survives; the partial response is discarded.
	msgs := c.Messages("t1")
	require.Len(t, msgs, 1)
	require.Equal(t, message.RoleUser, msgs[0].Role)
	require.ErrorIs(t, c.CancelStream(ctx, "t1"), streaming.ErrNotStreaming)
}

func TestResolveApprovalBroadcasts(t *testing.T) {
	source := &stubSource{streams: []*chanStream{newChanStream(
		streaming.Chunk{Type: streaming.ChunkText, Text: "checking ", Seq: 1},
		streaming.Chunk{Type: streaming.ChunkApproval, Approval: &streaming.ApprovalRequest{
			ID:    "ap-1",
			Calls: []streaming.ToolCall{{ID: "call-1", Name: "files.delete"}},
		}, Seq: 2},
		streaming.Chunk{Type: streaming.ChunkText, Text: "done", Seq: 3},
		streaming.Chunk{Type: streaming.ChunkDone, Seq: 4},
	)}}
	transport := newLoopTransport()
	c, err := New(source, WithTransport(transport))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.CreateTopic(ctx, topic.Topic{ID: "t1"}))
	require.NoError(t, c.SendMessage(ctx, "t1", "clean up"))

	var pending approval.Pending
	require.Eventually(t, func() bool {
		var ok bool
		pending, ok = c.PendingApproval("t1")
		return ok
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "ap-1", pending.ID)

	require.True(t, c.ResolveApproval(ctx, pending.ID, approval.Approved))
	c.Wait()

	msgs := c.Messages("t1")
	require.Len(t, msgs, 2)
	require.Equal(t, "checking done", msgs[1].Content)

	broadcasts := transport.byKind(notify.KindApprovalResolved)
	require.Len(t, broadcasts, 1)
	require.Equal(t, "ap-1", broadcasts[0].ApprovalID)
	require.Equal(t, approval.Approved, broadcasts[0].Decision)

	// A second resolve is a no-op and broadcasts nothing.
	require.False(t, c.ResolveApproval(ctx, pending.ID, approval.Rejected))
	require.Len(t, transport.byKind(notify.KindApprovalResolved), 1)
}

func TestDeleteTopicCascades(t *testing.T) {
	blocked := &chanStream{ch: make(chan streaming.Chunk), closed: make(chan struct{})}
	source := &stubSource{streams: []*chanStream{blocked}}
	persistence := newMemPersistence()
	c, err := New(source, WithPersistence(persistence))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.CreateTopic(ctx, topic.Topic{ID: "t1"}))
	require.NoError(t, c.SendMessage(ctx, "t1", "hi"))

	require.NoError(t, c.DeleteTopic(ctx, "t1"))
	c.Wait()

	require.False(t, c.IsStreaming("t1"))
	require.Empty(t, c.Messages("t1"))
	_, err = c.Topic("t1")
	require.ErrorIs(t, err, topic.ErrNotFound)
	persistence.mu.Lock()
	deleted := persistence.deleted
	persistence.mu.Unlock()
	require.Equal(t, []topic.ID{"t1"}, deleted)
}

func TestSubscribeObservesStreamProgress(t *testing.T) {
	source := &stubSource{streams: []*chanStream{newChanStream(
		streaming.Chunk{Type: streaming.ChunkText, Text: "Hello", Seq: 1},
		streaming.Chunk{Type: streaming.ChunkDone, Seq: 2},
	)}}
	c, err := New(source, WithThrottleInterval(time.Millisecond))
	require.NoError(t, err)

	var mu sync.Mutex
	var terminal []observe.Snapshot
	sub, err := c.Subscribe(observe.ObserverFunc(func(ctx context.Context, s observe.Snapshot) error {
		mu.Lock()
		defer mu.Unlock()
		if s.Terminal {
			terminal = append(terminal, s)
		}
		return nil
	}))
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, c.CreateTopic(ctx, topic.Topic{ID: "t1"}))
	require.NoError(t, c.SendMessage(ctx, "t1", "hi"))
	c.Wait()

	// The final snapshot always flushes, regardless of throttling.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(terminal) > 0
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.False(t, terminal[len(terminal)-1].Streaming)
}

func TestStartConvergesFromNotifications(t *testing.T) {
	transport := newLoopTransport()
	persistence := newMemPersistence()
	c, err := New(&stubSource{}, WithTransport(transport), WithPersistence(persistence))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	// A stream driven by another client shows up through fan-out alone.
	require.NoError(t, transport.Publish(ctx, notify.Notification{
		Kind:  notify.KindStreamChanged,
		Topic: "t1",
		Phase: notify.PhaseStarted,
		Seq:   1,
	}))
	require.Eventually(t, func() bool {
		return c.IsStreaming("t1")
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, persistence.AppendMessage(ctx, "t1", message.Message{
		ID: "m1", Role: message.RoleAssistant, Content: "from elsewhere",
	}))
	require.NoError(t, transport.Publish(ctx, notify.Notification{
		Kind:      notify.KindNewMessage,
		Topic:     "t1",
		MessageID: "m1",
		Seq:       2,
	}))
	require.NoError(t, transport.Publish(ctx, notify.Notification{
		Kind:  notify.KindStreamChanged,
		Topic: "t1",
		Phase: notify.PhaseCompleted,
		Seq:   3,
	}))

	require.Eventually(t, func() bool {
		return !c.IsStreaming("t1") && len(c.Messages("t1")) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "from elsewhere", c.Messages("t1")[0].Content)
}

func TestTryResumeStreamRequiresSession(t *testing.T) {
	c, err := New(&stubSource{})
	require.NoError(t, err)
	require.ErrorIs(t, c.TryResumeStream(context.Background(), "t1"), ErrNoSession)
}

func TestCreateTopicDefaults(t *testing.T) {
	persistence := newMemPersistence()
	c, err := New(&stubSource{}, WithPersistence(persistence))
	require.NoError(t, err)

	require.NoError(t, c.CreateTopic(context.Background(), topic.Topic{DisplayName: "untitled"}))
	topics := c.Topics()
	require.Len(t, topics, 1)
	require.NotEmpty(t, topics[0].ID)
	require.False(t, topics[0].CreatedAt.IsZero())
	persistence.mu.Lock()
	saved := len(persistence.topics)
	persistence.mu.Unlock()
	require.Equal(t, 1, saved)
}
