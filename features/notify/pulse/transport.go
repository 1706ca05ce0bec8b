// Package pulse implements the notify.Transport contract on top of
// goa.design/pulse streams. All clients of a deployment publish to and
// consume from one shared Pulse stream backed by Redis; each subscriber
// opens its own uniquely named sink so every client sees every
// notification.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	clientspulse "github.com/chatcore-dev/chatcore/features/notify/pulse/clients/pulse"
	"github.com/chatcore-dev/chatcore/notify"
)

type (
	// Options configures the Pulse notification transport.
	Options struct {
		// Client is the Pulse client used to publish and consume
		// notifications. Required.
		Client clientspulse.Client
		// StreamName names the shared Pulse stream. Defaults to
		// "chatcore/notifications".
		StreamName string
		// SinkPrefix prefixes the per-subscriber sink name. Defaults to
		// "chatcore". A unique suffix is appended so concurrent clients each
		// receive the full stream.
		SinkPrefix string
		// Buffer is the subscription channel capacity. Defaults to 64.
		Buffer int
	}

	// Transport publishes and consumes chatcore notifications through a
	// shared Pulse stream. Safe for concurrent use.
	Transport struct {
		client     clientspulse.Client
		streamName string
		sinkPrefix string
		buffer     int
	}
)

// DefaultStreamName is the shared notification stream used when Options
// does not override it.
const DefaultStreamName = "chatcore/notifications"

// New constructs a Pulse-backed notification transport.
func New(opts Options) (*Transport, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = DefaultStreamName
	}
	prefix := opts.SinkPrefix
	if prefix == "" {
		prefix = "chatcore"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Transport{
		client:     opts.Client,
		streamName: name,
		sinkPrefix: prefix,
		buffer:     buffer,
	}, nil
}

// Publish serializes the notification and appends it to the shared stream.
func (t *Transport) Publish(ctx context.Context, n notify.Notification) error {
	handle, err := t.client.Stream(t.streamName)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := handle.Add(ctx, string(n.Kind), payload); err != nil {
		return err
	}
	return nil
}

// Subscribe opens a uniquely named sink on the shared stream and returns
// channels for decoded notifications and consumption errors. The returned
// cancel function stops consumption, closes the sink, and closes both
// channels.
func (t *Transport) Subscribe(ctx context.Context) (<-chan notify.Notification, <-chan error, context.CancelFunc, error) {
	handle, err := t.client.Stream(t.streamName)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := handle.NewSink(ctx, fmt.Sprintf("%s_%s", t.sinkPrefix, uuid.NewString()))
	if err != nil {
		return nil, nil, nil, err
	}
	out := make(chan notify.Notification, t.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go t.consume(runCtx, sink, out, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return out, errs, cancelFunc, nil
}

// consume reads raw events from the sink, decodes them, emits them on out,
// and acks each event after successful emission. Closes both channels when
// ctx is canceled or the sink channel closes.
func (t *Transport) consume(ctx context.Context, sink clientspulse.Sink, out chan<- notify.Notification, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var n notify.Notification
			if err := json.Unmarshal(evt.Payload, &n); err != nil {
				errs <- fmt.Errorf("pulse decode notification: %w", err)
				return
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}
