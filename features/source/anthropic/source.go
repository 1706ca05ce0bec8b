// Package anthropic provides a streaming.Source backed by the Anthropic
// Claude Messages API. It opens one SSE stream per prompt using
// github.com/anthropics/anthropic-sdk-go and maps every streaming event into
// the generic chunk model consumed by the coordinator: text and thinking
// deltas become text and reasoning chunks, finalized tool_use blocks become
// tool-call chunks, and message_stop becomes the done marker.
package anthropic

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/chatcore-dev/chatcore/streaming"
	"github.com/chatcore-dev/chatcore/topic"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// source. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic source.
	Options struct {
		// Model is the Claude model identifier. Required. Use the typed
		// constants from github.com/anthropics/anthropic-sdk-go.
		Model string
		// MaxTokens caps the completion length. Defaults to 4096.
		MaxTokens int64
		// System is an optional system prompt prepended to every request.
		System string
	}

	// Source implements streaming.Source on top of Anthropic Claude
	// Messages.
	Source struct {
		msg       MessagesClient
		model     string
		maxTokens int64
		system    string
	}
)

// New builds an Anthropic-backed source from the provided Messages client.
func New(msg MessagesClient, opts Options) (*Source, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Source{
		msg:       msg,
		model:     opts.Model,
		maxTokens: maxTokens,
		system:    opts.System,
	}, nil
}

// NewFromAPIKey constructs a source using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Source, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

var _ streaming.Source = (*Source)(nil)

// Open starts a streamed completion for the prompt. The topic ID is not
// sent to the API; conversation context beyond the prompt is the caller's
// concern.
func (s *Source) Open(ctx context.Context, _ topic.ID, prompt string) (streaming.Stream, error) {
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(s.model),
		MaxTokens: s.maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if s.system != "" {
		params.System = []sdk.TextBlockParam{{Text: s.system}}
	}
	sse := s.msg.NewStreaming(ctx, params)
	return newStream(ctx, sse), nil
}

// stream adapts an Anthropic SSE stream to the streaming.Stream contract.
// A pump goroutine converts SDK events into chunks; Recv drains the chunk
// channel.
type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	sse    *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan streaming.Chunk

	errMu    sync.Mutex
	finalErr error
}

func newStream(ctx context.Context, sse *ssestream.Stream[sdk.MessageStreamEventUnion]) *stream {
	cctx, cancel := context.WithCancel(ctx)
	st := &stream{
		ctx:    cctx,
		cancel: cancel,
		sse:    sse,
		chunks: make(chan streaming.Chunk, 32),
	}
	go st.run()
	return st
}

// Recv returns the next chunk. After the pump goroutine exhausts the SSE
// stream the terminal done chunk is delivered, then the channel closes and
// Recv reports the recorded error, if any.
func (s *stream) Recv() (streaming.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return streaming.Chunk{}, err
		}
		return streaming.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return streaming.Chunk{}, err
	}
}

// Close cancels the pump and releases the SSE connection.
func (s *stream) Close() error {
	s.cancel()
	if s.sse == nil {
		return nil
	}
	return s.sse.Close()
}

func (s *stream) run() {
	defer close(s.chunks)
	defer func() {
		if s.sse != nil {
			_ = s.sse.Close()
		}
	}()

	conv := newConverter(s.emit)
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.sse.Next() {
			if err := s.sse.Err(); err != nil {
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		if err := conv.handle(s.sse.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *stream) emit(chunk streaming.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *stream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.finalErr == nil {
		s.finalErr = err
	}
}

func (s *stream) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// converter folds Anthropic streaming events into chatcore chunks. Tool
// input JSON arrives fragmented across input_json deltas; fragments buffer
// per content block and the tool-call chunk is emitted on block stop.
type converter struct {
	emit       func(streaming.Chunk) error
	toolBlocks map[int]*toolBuffer
	seq        uint64
}

func newConverter(emit func(streaming.Chunk) error) *converter {
	return &converter{
		emit:       emit,
		toolBlocks: make(map[int]*toolBuffer),
	}
}

func (c *converter) next() uint64 {
	c.seq++
	return c.seq
}

func (c *converter) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		c.toolBlocks = make(map[int]*toolBuffer)
		return nil
	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" {
				return errors.New("anthropic stream: tool use block missing id")
			}
			if toolUse.Name == "" {
				return errors.New("anthropic stream: tool use block missing name")
			}
			c.toolBlocks[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return c.emit(streaming.Chunk{
				Type: streaming.ChunkText,
				Text: delta.Text,
				Seq:  c.next(),
			})
		case sdk.InputJSONDelta:
			if tb := c.toolBlocks[idx]; tb != nil && delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
			return nil
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return c.emit(streaming.Chunk{
				Type:      streaming.ChunkReasoning,
				Reasoning: delta.Thinking,
				Seq:       c.next(),
			})
		default:
			return nil
		}
	case sdk.ContentBlockStopEvent:
		if tb := c.toolBlocks[int(ev.Index)]; tb != nil {
			delete(c.toolBlocks, int(ev.Index))
			return c.emit(streaming.Chunk{
				Type: streaming.ChunkToolCall,
				ToolCall: &streaming.ToolCall{
					ID:        tb.id,
					Name:      tb.name,
					Arguments: tb.finalInput(),
				},
				Seq: c.next(),
			})
		}
		return nil
	case sdk.MessageStopEvent:
		c.toolBlocks = make(map[int]*toolBuffer)
		return c.emit(streaming.Chunk{Type: streaming.ChunkDone, Seq: c.next()})
	}
	return nil
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() string {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}
