// Package openai provides a streaming.Source backed by the OpenAI Chat
// Completions API via github.com/sashabaranov/go-openai. The completion is
// requested without streaming; the full response text is delivered as a
// single text chunk followed by the done marker. Useful for backends where
// incremental delivery is not worth the operational surface.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chatcore-dev/chatcore/streaming"
	"github.com/chatcore-dev/chatcore/topic"
)

type (
	// ChatClient captures the subset of the go-openai client used by the
	// source.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
			openai.ChatCompletionResponse, error)
	}

	// Options configures the OpenAI source.
	Options struct {
		// Client issues the completion requests. Required.
		Client ChatClient
		// Model is the model identifier. Required.
		Model string
		// System is an optional system prompt prepended to every request.
		System string
	}

	// Source implements streaming.Source via the OpenAI Chat Completions
	// API.
	Source struct {
		chat   ChatClient
		model  string
		system string
	}
)

// New builds an OpenAI-backed source from the provided options.
func New(opts Options) (*Source, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	return &Source{chat: opts.Client, model: opts.Model, system: opts.System}, nil
}

// NewFromAPIKey constructs a source using the default go-openai HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Source, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts.Client = openai.NewClient(apiKey)
	return New(opts)
}

var _ streaming.Source = (*Source)(nil)

// Open issues the completion in a background goroutine and returns a stream
// that yields the result. Request failures surface as an error chunk, which
// the coordinator absorbs rather than propagating.
func (s *Source) Open(ctx context.Context, _ topic.ID, prompt string) (streaming.Stream, error) {
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}
	cctx, cancel := context.WithCancel(ctx)
	st := &stream{
		cancel: cancel,
		chunks: make(chan streaming.Chunk, 2),
		done:   make(chan struct{}),
	}
	go st.run(cctx, s, prompt)
	return st, nil
}

// stream delivers the single-shot completion result as a chunk sequence.
type stream struct {
	cancel context.CancelFunc
	chunks chan streaming.Chunk
	done   chan struct{}

	closeOnce sync.Once
}

func (s *stream) run(ctx context.Context, src *Source, prompt string) {
	defer close(s.chunks)

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if src.system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: src.system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := src.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    src.model,
		Messages: messages,
	})
	if err != nil {
		s.emit(ctx, streaming.Chunk{
			Type: streaming.ChunkError,
			Err:  fmt.Sprintf("openai chat completion: %v", err),
			Seq:  1,
		})
		return
	}
	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	if text != "" {
		if !s.emit(ctx, streaming.Chunk{Type: streaming.ChunkText, Text: text, Seq: 1}) {
			return
		}
	}
	s.emit(ctx, streaming.Chunk{Type: streaming.ChunkDone, Seq: 2})
}

func (s *stream) emit(ctx context.Context, chunk streaming.Chunk) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

// Recv returns the next chunk and io.EOF once the sequence is exhausted.
func (s *stream) Recv() (streaming.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			return streaming.Chunk{}, io.EOF
		}
		return chunk, nil
	case <-s.done:
		return streaming.Chunk{}, errors.New("stream closed")
	}
}

// Close cancels the in-flight request, if any.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
	})
	return nil
}
